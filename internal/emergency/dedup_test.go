package emergency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestGate(t *testing.T, debounce time.Duration, maxPerHour int) *dedupGate {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		srv.Close()
	})
	return newDedupGate(rdb, debounce, maxPerHour)
}

func TestDedupGate_FirstFireNotSuppressed(t *testing.T) {
	g := newTestGate(t, 5*time.Minute, 10)
	suppressed, _, err := g.evaluate(context.Background(), "patient-1", "cardiac", "chest pain")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if suppressed {
		t.Fatalf("first detection must not be suppressed")
	}
}

func TestDedupGate_RepeatWithinDebounceSuppressed(t *testing.T) {
	g := newTestGate(t, 5*time.Minute, 10)
	ctx := context.Background()
	if _, _, err := g.evaluate(ctx, "patient-1", "cardiac", "chest pain"); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	suppressed, reason, err := g.evaluate(ctx, "patient-1", "cardiac", "chest pain")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !suppressed || reason != "debounced" {
		t.Fatalf("expected a debounced re-fire, got suppressed=%v reason=%q", suppressed, reason)
	}
}

func TestDedupGate_DifferentCategoryNotSuppressed(t *testing.T) {
	g := newTestGate(t, 5*time.Minute, 10)
	ctx := context.Background()
	if _, _, err := g.evaluate(ctx, "patient-1", "cardiac", "chest pain"); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	suppressed, _, err := g.evaluate(ctx, "patient-1", "fall", "i fell down")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if suppressed {
		t.Fatalf("a distinct (category, phrase) pair must not be suppressed by an unrelated debounce key")
	}
}

func TestDedupGate_HourlyCapSuppressesAfterLimit(t *testing.T) {
	g := newTestGate(t, time.Millisecond, 2)
	ctx := context.Background()

	// miniredis does not expire keys on wall-clock time, so each call uses a
	// distinct phrase (its own debounce key) to clear the dedup gate while
	// all three count against the same patient's hourly cap.
	phrases := []string{"chest pain", "heart attack", "cant breathe"}
	outcomes := make([]bool, 0, 3)
	for i := 0; i < 3; i++ {
		time.Sleep(2 * time.Millisecond)
		suppressed, reason, err := g.evaluate(ctx, "patient-1", "cardiac", phrases[i])
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if suppressed && reason != "rate_capped" {
			t.Fatalf("unexpected suppression reason %q", reason)
		}
		outcomes = append(outcomes, suppressed)
	}
	if outcomes[2] != true {
		t.Fatalf("the third detection within the hour must trip the maxAlertsPerHour cap, got outcomes=%v", outcomes)
	}
}
