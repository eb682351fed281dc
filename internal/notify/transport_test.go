package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/careline/engine/internal/domain"
)

func TestBreakerTransportRetriesUntilSuccess(t *testing.T) {
	attempts := 0
	inner := TransportFunc(func(_ context.Context, _ domain.Caregiver, _ domain.Alert) error {
		attempts++
		if attempts < 2 {
			return errors.New("transient failure")
		}
		return nil
	})
	bt := newBreakerTransport("sms", inner, 3, time.Millisecond, zap.NewNop())

	if err := bt.Send(context.Background(), domain.Caregiver{}, domain.Alert{}); err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", attempts)
	}
}

func TestBreakerTransportGivesUpAfterMaxRetries(t *testing.T) {
	attempts := 0
	inner := TransportFunc(func(_ context.Context, _ domain.Caregiver, _ domain.Alert) error {
		attempts++
		return errors.New("permanent failure")
	})
	bt := newBreakerTransport("email", inner, 2, time.Millisecond, zap.NewNop())

	err := bt.Send(context.Background(), domain.Caregiver{}, domain.Alert{})
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if attempts != 3 { // maxRetries=2 means 3 total attempts (0,1,2)
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestBreakerTransportRespectsContextCancellation(t *testing.T) {
	inner := TransportFunc(func(_ context.Context, _ domain.Caregiver, _ domain.Alert) error {
		return errors.New("fails every time")
	})
	bt := newBreakerTransport("push", inner, 5, 50*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := bt.Send(ctx, domain.Caregiver{}, domain.Alert{})
	if err == nil {
		t.Fatalf("expected an error once context is cancelled mid-backoff")
	}
}
