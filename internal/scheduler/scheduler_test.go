package scheduler

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

func newTestJobStore(t *testing.T) *JobStore {
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
	return NewJobStore(rdb)
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fakeSchedStore struct {
	mu            sync.Mutex
	dueSchedules  []domain.Schedule
	dueRetries    []domain.Conversation
	orgIDs        []string
	patients      map[string]domain.Patient
	nextCallDates map[string]time.Time
}

func (s *fakeSchedStore) ListDueSchedules(context.Context, time.Time) ([]domain.Schedule, error) {
	return s.dueSchedules, nil
}

func (s *fakeSchedStore) UpdateNextCallDate(_ context.Context, scheduleID string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextCallDates == nil {
		s.nextCallDates = map[string]time.Time{}
	}
	s.nextCallDates[scheduleID] = next
	return nil
}

func (s *fakeSchedStore) ListDueRetries(context.Context, time.Time) ([]domain.Conversation, error) {
	return s.dueRetries, nil
}

func (s *fakeSchedStore) ListOrganizationIDs(context.Context) ([]string, error) {
	return s.orgIDs, nil
}

func (s *fakeSchedStore) GetPatient(_ context.Context, id string) (*domain.Patient, error) {
	p := s.patients[id]
	return &p, nil
}

type fakeSchedOrchestrator struct {
	mu        sync.Mutex
	initiated []domain.Patient
	existing  []string
	failNext  bool
}

func (o *fakeSchedOrchestrator) Initiate(_ context.Context, patient domain.Patient, _ string) (*domain.Conversation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failNext {
		o.failNext = false
		return nil, context.DeadlineExceeded
	}
	o.initiated = append(o.initiated, patient)
	return &domain.Conversation{ID: "conv-x", PatientID: patient.ID}, nil
}

func (o *fakeSchedOrchestrator) InitiateExisting(_ context.Context, conv *domain.Conversation, _ domain.Patient) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.existing = append(o.existing, conv.ID)
	return nil
}

type fakeBiller struct {
	mu      sync.Mutex
	rolled  []string
}

func (b *fakeBiller) Rollup(_ context.Context, orgID string, _ time.Duration) (*domain.Invoice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolled = append(b.rolled, orgID)
	return nil, nil
}

func TestSchedulerFiresDueScheduleThroughJobStore(t *testing.T) {
	jobs := newTestJobStore(t)
	now := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)
	st := &fakeSchedStore{
		dueSchedules: []domain.Schedule{
			{ID: "sched-1", PatientID: "p1", Frequency: domain.FrequencyDaily, TimeOfDay: "09:00"},
		},
		patients: map[string]domain.Patient{
			"p1": {ID: "p1", OrgID: "org1", CaregiverIDs: []string{"c1"}},
		},
	}
	orch := &fakeSchedOrchestrator{}
	s := New(Config{}, st, jobs, orch, &fakeBiller{}, fixedClock{now: now}, zap.NewNop())

	s.tick(context.Background())

	orch.mu.Lock()
	defer orch.mu.Unlock()
	if len(orch.initiated) != 1 || orch.initiated[0].ID != "p1" {
		t.Fatalf("expected schedule to fire Initiate for p1, got %+v", orch.initiated)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.nextCallDates["sched-1"]; !ok {
		t.Fatal("expected nextCallDate to have been advanced")
	}
}

func TestSchedulerDoesNotDoubleFireSameScheduleWithinClaimGrace(t *testing.T) {
	jobs := newTestJobStore(t)
	now := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)
	sc := domain.Schedule{ID: "sched-1", PatientID: "p1", Frequency: domain.FrequencyDaily, TimeOfDay: "09:00"}
	st := &fakeSchedStore{
		dueSchedules: []domain.Schedule{sc},
		patients:     map[string]domain.Patient{"p1": {ID: "p1", OrgID: "org1", CaregiverIDs: []string{"c1"}}},
	}
	orch := &fakeSchedOrchestrator{}
	s := New(Config{ClaimGrace: time.Hour}, st, jobs, orch, &fakeBiller{}, fixedClock{now: now}, zap.NewNop())

	s.detectDueSchedules(context.Background(), now)
	s.detectDueSchedules(context.Background(), now) // simulates a second replica ticking concurrently
	s.leaseAndFireScheduleJobs(context.Background(), now)

	orch.mu.Lock()
	defer orch.mu.Unlock()
	if len(orch.initiated) != 1 {
		t.Fatalf("expected exactly one fire despite two detect passes, got %d", len(orch.initiated))
	}
}

func TestSchedulerSkipsIneligiblePatientWithoutFailingJob(t *testing.T) {
	jobs := newTestJobStore(t)
	now := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)
	st := &fakeSchedStore{
		dueSchedules: []domain.Schedule{{ID: "sched-1", PatientID: "p1", Frequency: domain.FrequencyDaily, TimeOfDay: "09:00"}},
		patients:     map[string]domain.Patient{"p1": {ID: "p1", OrgID: "org1"}}, // no caregivers
	}
	orch := &fakeSchedOrchestrator{}
	s := New(Config{}, st, jobs, orch, &fakeBiller{}, fixedClock{now: now}, zap.NewNop())

	s.tick(context.Background())

	orch.mu.Lock()
	defer orch.mu.Unlock()
	if len(orch.initiated) != 0 {
		t.Fatalf("expected no Initiate call for an ineligible patient, got %+v", orch.initiated)
	}
}

func TestSchedulerFiresDueRetryDirectly(t *testing.T) {
	jobs := newTestJobStore(t)
	now := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)
	st := &fakeSchedStore{
		dueRetries: []domain.Conversation{{ID: "conv-retry", PatientID: "p1", RetryAttempt: 1}},
		patients:   map[string]domain.Patient{"p1": {ID: "p1", OrgID: "org1", CaregiverIDs: []string{"c1"}}},
	}
	orch := &fakeSchedOrchestrator{}
	s := New(Config{}, st, jobs, orch, &fakeBiller{}, fixedClock{now: now}, zap.NewNop())

	s.tick(context.Background())

	orch.mu.Lock()
	defer orch.mu.Unlock()
	if len(orch.existing) != 1 || orch.existing[0] != "conv-retry" {
		t.Fatalf("expected InitiateExisting to fire for conv-retry, got %+v", orch.existing)
	}
}

func TestSchedulerRunsBillingOncePerDayAtBillingHour(t *testing.T) {
	jobs := newTestJobStore(t)
	now := time.Date(2026, 7, 29, 2, 0, 0, 0, time.UTC)
	st := &fakeSchedStore{orgIDs: []string{"org1", "org2"}}
	biller := &fakeBiller{}
	s := New(Config{BillingHour: 2}, st, jobs, &fakeSchedOrchestrator{}, biller, fixedClock{now: now}, zap.NewNop())

	s.tick(context.Background())
	s.tick(context.Background()) // same hour, same day: must not re-bill

	biller.mu.Lock()
	defer biller.mu.Unlock()
	if len(biller.rolled) != 2 {
		t.Fatalf("expected exactly one rollup pass (2 orgs) despite two ticks in the billing hour, got %d", len(biller.rolled))
	}
}

func TestSchedulerSkipsBillingOutsideBillingHour(t *testing.T) {
	jobs := newTestJobStore(t)
	now := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)
	st := &fakeSchedStore{orgIDs: []string{"org1"}}
	biller := &fakeBiller{}
	s := New(Config{BillingHour: 2}, st, jobs, &fakeSchedOrchestrator{}, biller, fixedClock{now: now}, zap.NewNop())

	s.tick(context.Background())

	biller.mu.Lock()
	defer biller.mu.Unlock()
	if len(biller.rolled) != 0 {
		t.Fatalf("expected no rollup outside the billing hour, got %d", len(biller.rolled))
	}
}
