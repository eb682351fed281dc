package notify

import (
	"context"
	"testing"
	"time"

	"github.com/careline/engine/internal/domain"
	"github.com/careline/engine/internal/events"
)

func TestDispatcherFirePublishesAlertRaisedEvent(t *testing.T) {
	pub := events.NewChannelPublisher(8)
	d := NewDispatcher(pub, "node-1", nil)

	alert := domain.Alert{
		ID:         "alert-1",
		PatientID:  "pt-1",
		Severity:   domain.SeverityCritical,
		Category:   "cardiac",
		Phrase:     "chest pain",
		Utterance:  "I have chest pain",
		DetectedAt: time.Now(),
	}
	d.Fire(context.Background(), alert)

	select {
	case ev := <-pub.Events():
		raised, ok := ev.(*events.AlertRaisedEvent)
		if !ok {
			t.Fatalf("expected *events.AlertRaisedEvent, got %T", ev)
		}
		if raised.AlertID != alert.ID {
			t.Fatalf("expected alert id %q, got %q", alert.ID, raised.AlertID)
		}
		if raised.Severity != "CRITICAL" {
			t.Fatalf("expected severity CRITICAL, got %q", raised.Severity)
		}
		if raised.ID() != alert.ID {
			t.Fatalf("expected dedup ID to be the alert id, got %q", raised.ID())
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for published event")
	}
}

func TestDispatcherFireDoesNotBlockWhenBufferFull(t *testing.T) {
	pub := events.NewChannelPublisher(1)
	d := NewDispatcher(pub, "node-1", nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Fire(context.Background(), domain.Alert{ID: "a", Severity: domain.SeverityMedium})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Fire blocked despite a full async buffer")
	}
}
