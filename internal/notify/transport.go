package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/careline/engine/internal/domain"
)

// Transport is the per-channel delivery interface. Concrete SMS/email/push
// senders are outside this engine's scope (spec Non-goals) — the dispatch
// interface and its retry/breaker policy is what's implemented here. A
// deployment plugs in its own Transport per domain.Transport value.
type Transport interface {
	Send(ctx context.Context, c domain.Caregiver, a domain.Alert) error
}

// TransportFunc adapts a plain function to Transport.
type TransportFunc func(ctx context.Context, c domain.Caregiver, a domain.Alert) error

func (f TransportFunc) Send(ctx context.Context, c domain.Caregiver, a domain.Alert) error {
	return f(ctx, c, a)
}

// breakerTransport wraps a Transport in a per-channel gobreaker circuit
// breaker plus a bounded exponential backoff retrier, grounded on the
// per-channel circuit-breaker-manager pattern jordigilh-kubernaut's
// notification delivery orchestrator uses (one gobreaker.CircuitBreaker
// per channel name, registered once and reused).
type breakerTransport struct {
	name       string
	next       Transport
	breaker    *gobreaker.CircuitBreaker[struct{}]
	maxRetries int
	baseDelay  time.Duration
	log        *zap.Logger
}

func newBreakerTransport(name string, next Transport, maxRetries int, baseDelay time.Duration, log *zap.Logger) *breakerTransport {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	settings := gobreaker.Settings{
		Name:        "notify." + name,
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &breakerTransport{
		name:       name,
		next:       next,
		breaker:    gobreaker.NewCircuitBreaker[struct{}](settings),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		log:        log,
	}
}

// Send retries `next.Send` with bounded exponential backoff, each attempt
// gated by the channel's circuit breaker so a transport already failing
// hard does not get hammered by every pending alert's retry loop.
func (t *breakerTransport) Send(ctx context.Context, c domain.Caregiver, a domain.Alert) error {
	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		_, err := t.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, t.next.Send(ctx, c, a)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return fmt.Errorf("notify: %s circuit open: %w", t.name, err)
		}
		if attempt == t.maxRetries {
			break
		}
		delay := t.baseDelay * time.Duration(1<<uint(attempt))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("notify: %s delivery failed after %d attempts: %w", t.name, t.maxRetries+1, lastErr)
}
