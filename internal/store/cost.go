package store

import "math"

// ComputeCost implements the §4.D cost-computation rule for a Conversation
// transitioning into a terminal status. connected distinguishes a call
// that never connected (missed/no-answer/failed before answer) from one
// that ran and ended normally.
func ComputeCost(durationSeconds int64, connected bool, ratePerMinute float64, minimumBillableSeconds int64, alertOnAllMissedCalls bool) float64 {
	if !connected {
		if alertOnAllMissedCalls {
			return 0
		}
		durationSeconds = minimumBillableSeconds
	}

	effective := durationSeconds
	if effective < minimumBillableSeconds {
		effective = minimumBillableSeconds
	}

	cost := float64(effective) / 60 * ratePerMinute
	return math.Round(cost*100) / 100 // round to cents, half-up
}
