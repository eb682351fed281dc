package emergency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// dedupGate enforces the two independent suppression rules of spec §4.E:
// a per-(patient,category,normalizedPhrase) debounce window, and a hard
// per-patient hourly cap. Both live in Redis rather than an in-process
// map so the rule holds across every Orchestrator process sharing one
// Redis instance, with no cross-process lock on the engine's side — the
// "per-patient mutex, no global lock" property falls out of per-key
// Redis operations for free.
type dedupGate struct {
	rdb        *redis.Client
	debounce   time.Duration
	maxPerHour int
}

func newDedupGate(rdb *redis.Client, debounce time.Duration, maxPerHour int) *dedupGate {
	return &dedupGate{rdb: rdb, debounce: debounce, maxPerHour: maxPerHour}
}

// evaluate returns (suppressed, reason). reason is one of "debounced" or
// "rate_capped" when suppressed is true, and is meaningless otherwise.
func (g *dedupGate) evaluate(ctx context.Context, patientID, category, normalizedPhrase string) (bool, string, error) {
	acquired, err := g.rdb.SetNX(ctx, g.dedupKey(patientID, category, normalizedPhrase), 1, g.debounce).Result()
	if err != nil {
		return false, "", fmt.Errorf("emergency: dedup check: %w", err)
	}
	if !acquired {
		return true, "debounced", nil
	}

	rateKey := g.rateKey(patientID)
	count, err := g.rdb.Incr(ctx, rateKey).Result()
	if err != nil {
		return false, "", fmt.Errorf("emergency: rate check: %w", err)
	}
	if count == 1 {
		if err := g.rdb.Expire(ctx, rateKey, time.Hour).Err(); err != nil {
			return false, "", fmt.Errorf("emergency: rate window init: %w", err)
		}
	}
	if g.maxPerHour > 0 && int(count) > g.maxPerHour {
		return true, "rate_capped", nil
	}
	return false, "", nil
}

func (g *dedupGate) dedupKey(patientID, category, normalizedPhrase string) string {
	return fmt.Sprintf("careline:detector:dedup:%s:%s:%s", patientID, category, normalizedPhrase)
}

func (g *dedupGate) rateKey(patientID string) string {
	return fmt.Sprintf("careline:detector:rate:%s", patientID)
}
