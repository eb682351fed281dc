// Package notify implements Notification Fan-out (spec §4.I): resolving
// an Alert's eligible recipients and dispatching a delivery attempt per
// (caregiver, transport) with a severity-driven channel set and latency
// target.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/careline/engine/internal/domain"
	"github.com/careline/engine/internal/events"
)

// Dispatcher publishes a non-suppressed Alert onto the dispatch queue and
// returns immediately — it satisfies both internal/emergency.AlertSink and
// internal/orchestrator.AlertSink, whose Fire contract is "never blocks
// the caller". The actual recipient resolution and per-transport delivery
// happens in FanoutService, consuming the same queue independently.
type Dispatcher struct {
	publisher events.Publisher
	builder   *events.Builder
	log       *zap.Logger
}

func NewDispatcher(publisher events.Publisher, nodeID string, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		publisher: publisher,
		builder:   events.NewBuilder(nodeID),
		log:       log.With(zap.String("component", "notify.dispatcher")),
	}
}

// Fire builds an AlertRaisedEvent and hands it to the Publisher's async
// path, exactly as the Detector's own non-blocking Submit does for
// detection requests.
func (d *Dispatcher) Fire(_ context.Context, a domain.Alert) {
	ev := d.builder.AlertRaised(a.ID, a.PatientID, a.Severity.String(), a.Category, a.Phrase, a.Utterance, a.DetectedAt)
	d.publisher.PublishAsync(ev)
	d.log.Debug("alert dispatched to fan-out queue",
		zap.String("alert_id", a.ID), zap.String("patient_id", a.PatientID), zap.String("severity", a.Severity.String()))
}
