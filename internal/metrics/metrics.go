// Package metrics registers the prometheus collectors shared across the
// engine's components. A single Registry is built at start and threaded
// into constructors, mirroring the no-global-singleton rule used for
// logging.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every collector the engine exposes on /metrics.
type Registry struct {
	CallDuration        *prometheus.HistogramVec
	CallsTotal          *prometheus.CounterVec
	AlertsTotal         *prometheus.CounterVec
	AlertsSuppressed    *prometheus.CounterVec
	DetectorOverflow    prometheus.Counter
	NoEligibleRecipient prometheus.Counter
	BillingRollups      *prometheus.CounterVec
	InvoiceAmount       prometheus.Histogram
}

// NewRegistry constructs and registers every collector against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	m := &Registry{
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "careline",
			Subsystem: "orchestrator",
			Name:      "call_duration_seconds",
			Help:      "Duration of completed calls in seconds.",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 10),
		}, []string{"status"}),
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "careline",
			Subsystem: "orchestrator",
			Name:      "calls_total",
			Help:      "Calls processed by terminal status.",
		}, []string{"status"}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "careline",
			Subsystem: "detector",
			Name:      "alerts_total",
			Help:      "Alerts fired by severity.",
		}, []string{"severity", "category"}),
		AlertsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "careline",
			Subsystem: "detector",
			Name:      "alerts_suppressed_total",
			Help:      "Detections suppressed, by reason.",
		}, []string{"reason"}),
		DetectorOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "careline",
			Subsystem: "detector",
			Name:      "queue_overflow_total",
			Help:      "Utterances dropped because the detector queue was full.",
		}),
		NoEligibleRecipient: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "careline",
			Subsystem: "notify",
			Name:      "no_eligible_recipient_total",
			Help:      "Alerts with no caregiver eligible for any transport.",
		}),
		BillingRollups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "careline",
			Subsystem: "billing",
			Name:      "rollups_total",
			Help:      "Billing rollup attempts by outcome.",
		}, []string{"outcome"}),
		InvoiceAmount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "careline",
			Subsystem: "billing",
			Name:      "invoice_amount",
			Help:      "Generated invoice totals.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}

	reg.MustRegister(
		m.CallDuration, m.CallsTotal, m.AlertsTotal, m.AlertsSuppressed,
		m.DetectorOverflow, m.NoEligibleRecipient, m.BillingRollups, m.InvoiceAmount,
	)
	return m
}
