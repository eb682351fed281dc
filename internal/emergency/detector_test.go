package emergency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/careline/engine/internal/domain"
)

type fakeLoader struct{ phrases []domain.EmergencyPhrase }

func (f fakeLoader) ListEmergencyPhrases(context.Context) ([]domain.EmergencyPhrase, error) {
	return f.phrases, nil
}

type fakeRecorder struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (r *fakeRecorder) RecordAlert(_ context.Context, a domain.Alert) (*domain.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return &a, nil
}

func (r *fakeRecorder) snapshot() []domain.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

type fakeSink struct {
	mu     sync.Mutex
	fired  []domain.Alert
	signal chan struct{}
}

func newFakeSink() *fakeSink { return &fakeSink{signal: make(chan struct{}, 64)} }

func (s *fakeSink) Fire(_ context.Context, a domain.Alert) {
	s.mu.Lock()
	s.fired = append(s.fired, a)
	s.mu.Unlock()
	s.signal <- struct{}{}
}

func (s *fakeSink) waitForFire(t *testing.T) {
	t.Helper()
	select {
	case <-s.signal:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the detector to fire an alert")
	}
}

func testPhrases() []domain.EmergencyPhrase {
	return []domain.EmergencyPhrase{
		{ID: "1", Language: "en", Phrase: "chest pain", Severity: domain.SeverityCritical, Category: "cardiac"},
		{ID: "2", Language: "en", Phrase: "i fell", Severity: domain.SeverityHigh, Category: "fall"},
		{ID: "3", Language: "*", Phrase: "help me", Severity: domain.SeverityMedium, Category: "general"},
	}
}

func newTestDetector(t *testing.T) (*Detector, *fakeRecorder, *fakeSink) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(srv.Close)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	recorder := &fakeRecorder{}
	sink := newFakeSink()

	d, err := New(Config{DebounceMinutes: 5, MaxAlertsPerHour: 10, QueueSize: 8, Workers: 1},
		rdb, fakeLoader{phrases: testPhrases()}, recorder, sink, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	d.Run(ctx)
	return d, recorder, sink
}

func TestDetector_FiresCriticalAlert(t *testing.T) {
	d, _, sink := newTestDetector(t)
	patient := domain.Patient{ID: "p1", PreferredLanguage: "en"}

	d.Submit(patient, "conv-1", "I am having chest pain right now")
	sink.waitForFire(t)

	fired := sink.fired
	if len(fired) != 1 {
		t.Fatalf("expected exactly 1 fired alert, got %d", len(fired))
	}
	if fired[0].Severity != domain.SeverityCritical || fired[0].Category != "cardiac" {
		t.Fatalf("unexpected alert: %+v", fired[0])
	}
}

func TestDetector_HypotheticalFramingSuppressesCritical(t *testing.T) {
	d, recorder, sink := newTestDetector(t)
	patient := domain.Patient{ID: "p2", PreferredLanguage: "en"}

	// Hypothetical framing is rejected at stage-1 filtering, before an
	// Alert is even built, so this looks identical to "no match": no
	// record and no fire.
	d.Submit(patient, "conv-1", "what if I had chest pain")
	time.Sleep(50 * time.Millisecond)

	if len(sink.fired) != 0 {
		t.Fatalf("a hypothetical-framed CRITICAL phrase must not fan out, got %+v", sink.fired)
	}
	if len(recorder.snapshot()) != 0 {
		t.Fatalf("a filtered candidate must not be recorded as an alert, got %+v", recorder.snapshot())
	}
}

func TestDetector_DebounceSuppressesRepeat(t *testing.T) {
	d, recorder, sink := newTestDetector(t)
	patient := domain.Patient{ID: "p3", PreferredLanguage: "en"}

	d.Submit(patient, "conv-1", "chest pain")
	sink.waitForFire(t)

	d.Submit(patient, "conv-1", "chest pain")
	deadline := time.After(2 * time.Second)
	for len(recorder.snapshot()) < 2 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for the second detection to record")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if len(sink.fired) != 1 {
		t.Fatalf("the debounced repeat must not fan out a second alert, got %d fires", len(sink.fired))
	}
	alerts := recorder.snapshot()
	if !alerts[1].Suppressed || alerts[1].SuppressedReason != "debounced" {
		t.Fatalf("expected the repeat to be recorded as suppressed/debounced, got %+v", alerts[1])
	}
}

func TestDetector_NoMatchIsNoOp(t *testing.T) {
	d, recorder, sink := newTestDetector(t)
	patient := domain.Patient{ID: "p4", PreferredLanguage: "en"}

	d.Submit(patient, "conv-1", "I had a lovely walk today")
	time.Sleep(50 * time.Millisecond)

	if len(sink.fired) != 0 || len(recorder.snapshot()) != 0 {
		t.Fatalf("an utterance with no phrase match must not record or fire anything")
	}
}

func TestDetector_SubmitNeverBlocksOnFullQueue(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer srv.Close()
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer rdb.Close()

	recorder := &fakeRecorder{}
	sink := newFakeSink()
	// Run is deliberately never called: nothing drains the queue, so
	// Submit must still return immediately once it fills rather than block.
	d, err := New(Config{QueueSize: 1}, rdb, fakeLoader{phrases: testPhrases()}, recorder, sink, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	patient := domain.Patient{ID: "p5", PreferredLanguage: "en"}
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Submit(patient, "conv-1", "chest pain")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Submit blocked instead of dropping overflow")
	}
}
