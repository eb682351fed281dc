package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/careline/engine/internal/domain"
	"github.com/careline/engine/internal/events"
	"github.com/careline/engine/internal/metrics"
)

// CaregiverStore is the recipient-resolution surface FanoutService reads.
// Satisfied by *store.Store.
type CaregiverStore interface {
	ListCaregiversForPatient(ctx context.Context, patientID string) ([]domain.Caregiver, error)
	RecordDelivery(ctx context.Context, d domain.AlertDelivery) error
}

// channelsFor returns the transports a severity fans out to, per §4.I's
// delivery table.
func channelsFor(sev domain.Severity) []domain.Transport {
	switch sev {
	case domain.SeverityCritical:
		return []domain.Transport{domain.TransportSMS, domain.TransportPush, domain.TransportEmail}
	case domain.SeverityHigh:
		return []domain.Transport{domain.TransportSMS, domain.TransportPush}
	default:
		return []domain.Transport{domain.TransportPush, domain.TransportEmail}
	}
}

func eligible(c domain.Caregiver, t domain.Transport) bool {
	switch t {
	case domain.TransportSMS:
		return c.HasVerifiedPhone()
	case domain.TransportEmail:
		return c.HasVerifiedEmail()
	case domain.TransportPush:
		return c.HasPush()
	default:
		return false
	}
}

// FanoutService consumes AlertRaisedEvents off the dispatch queue and
// delivers each to its eligible recipients in parallel, one goroutine per
// (caregiver, transport), per §4.I: "failure of one transport does not
// cancel others."
type FanoutService struct {
	store      CaregiverStore
	transports map[domain.Transport]Transport
	metrics    *metrics.Registry
	log        *zap.Logger
}

// NewFanoutService wires transports (keyed by channel) behind per-channel
// circuit breakers and bounded-retry wrapping.
func NewFanoutService(store CaregiverStore, transports map[domain.Transport]Transport, reg *metrics.Registry, log *zap.Logger) *FanoutService {
	if log == nil {
		log = zap.NewNop()
	}
	wrapped := make(map[domain.Transport]Transport, len(transports))
	for ch, t := range transports {
		wrapped[ch] = newBreakerTransport(string(ch), t, 3, 500*time.Millisecond, log)
	}
	return &FanoutService{
		store:      store,
		transports: wrapped,
		metrics:    reg,
		log:        log.With(zap.String("component", "notify.fanout")),
	}
}

// Consume drains a subscription of alert.raised events until ctx is
// cancelled, mirroring the Call Orchestrator's ConsumeAnsweredEvents
// pattern for its own event-bus subscription.
func (f *FanoutService) Consume(ctx context.Context, sub events.Subscriber) error {
	ch, err := sub.Subscribe(ctx, "careline.alerts.*.raised")
	if err != nil {
		return fmt.Errorf("notify: subscribe to alert events: %w", err)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				raised, ok := ev.(*events.AlertRaisedEvent)
				if !ok {
					continue
				}
				f.Handle(ctx, domain.Alert{
					ID:         raised.AlertID,
					PatientID:  raised.PatientID,
					Severity:   domain.ParseSeverity(raised.Severity),
					Category:   raised.Category,
					Phrase:     raised.Phrase,
					Utterance:  raised.Utterance,
					DetectedAt: raised.DetectedAt,
				})
			}
		}
	}()
	return nil
}

// Handle resolves a.PatientID's caregivers, intersects each with the
// severity's channel set per its verification/registration status, and
// fires one delivery attempt per (caregiver, transport) concurrently.
func (f *FanoutService) Handle(ctx context.Context, a domain.Alert) {
	caregivers, err := f.store.ListCaregiversForPatient(ctx, a.PatientID)
	if err != nil {
		f.log.Error("list caregivers for alert", zap.Error(err), zap.String("alert_id", a.ID))
		return
	}

	channels := channelsFor(a.Severity)
	var wg sync.WaitGroup
	var attempted int
	for _, cg := range caregivers {
		for _, ch := range channels {
			if !eligible(cg, ch) {
				continue
			}
			transport, ok := f.transports[ch]
			if !ok {
				continue
			}
			attempted++
			wg.Add(1)
			go func(cg domain.Caregiver, ch domain.Transport, transport Transport) {
				defer wg.Done()
				f.deliver(ctx, a, cg, ch, transport)
			}(cg, ch, transport)
		}
	}
	wg.Wait()

	if attempted == 0 {
		f.metrics.NoEligibleRecipient.Inc()
		f.log.Error("alert has no eligible recipient for any transport",
			zap.String("alert_id", a.ID), zap.String("patient_id", a.PatientID),
			zap.String("severity", a.Severity.String()))
	}
}

func (f *FanoutService) deliver(ctx context.Context, a domain.Alert, cg domain.Caregiver, ch domain.Transport, transport Transport) {
	delivery := domain.AlertDelivery{
		AlertID:     a.ID,
		CaregiverID: cg.ID,
		Transport:   ch,
		Attempts:    1,
	}

	if err := transport.Send(ctx, cg, a); err != nil {
		delivery.Status = domain.AlertDeliveryFailed
		delivery.LastError = err.Error()
		f.log.Warn("alert delivery failed",
			zap.Error(err), zap.String("alert_id", a.ID), zap.String("caregiver_id", cg.ID), zap.String("channel", string(ch)))
	} else {
		delivery.Status = domain.AlertDeliverySent
		delivery.DeliveredAt = time.Now().UTC()
	}

	if err := f.store.RecordDelivery(ctx, delivery); err != nil {
		f.log.Error("record alert delivery", zap.Error(err), zap.String("alert_id", a.ID))
	}
}
