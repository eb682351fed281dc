package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/careline/engine/internal/domain"
)

// Store is the persistence surface the Scheduler's tick loop drives.
// Satisfied by *store.Store.
type Store interface {
	ListDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	UpdateNextCallDate(ctx context.Context, scheduleID string, next time.Time) error
	ListDueRetries(ctx context.Context, now time.Time) ([]domain.Conversation, error)
	ListOrganizationIDs(ctx context.Context) ([]string, error)
	GetPatient(ctx context.Context, id string) (*domain.Patient, error)
}

// Orchestrator is the subset of internal/orchestrator.Orchestrator the
// Scheduler drives to actually place a call.
type Orchestrator interface {
	Initiate(ctx context.Context, patient domain.Patient, agentID string) (*domain.Conversation, error)
	InitiateExisting(ctx context.Context, conv *domain.Conversation, patient domain.Patient) error
}

// Biller is the subset of internal/billing.Roller the Scheduler drives at
// BillingHour.
type Biller interface {
	Rollup(ctx context.Context, orgID string, window time.Duration) (*domain.Invoice, error)
}

// Config holds the Scheduler's tunables, sourced from internal/config.
type Config struct {
	PollInterval  time.Duration
	BillingHour   int           // 0-23 UTC, the hour each org's daily rollup runs
	BillingWindow time.Duration // how far back FindUnbilled looks
	LeaseDuration time.Duration
	ClaimGrace    time.Duration // per-schedule dedup window against racing Scheduler replicas
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.BillingWindow <= 0 {
		c.BillingWindow = 24 * time.Hour
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 5 * time.Minute
	}
	if c.ClaimGrace <= 0 {
		c.ClaimGrace = time.Hour
	}
	return c
}

// scheduleJobPayload is what a "schedule" kind Job carries through the job
// store between detect-due and actually placing the call.
type scheduleJobPayload struct {
	ScheduleID string `json:"scheduleId"`
	PatientID  string `json:"patientId"`
}

const jobKindSchedule = "schedule"

// Scheduler fires Schedule and retry-chain orchestration requests as they
// come due, and triggers the daily billing rollup per org — spec §4.G.
//
// Schedule firing goes through JobStore: detecting a due Schedule claims a
// per-schedule lock (guarding against two Scheduler replicas racing the
// same Schedule within one poll interval), enqueues a durable job, and
// advances nextCallDate immediately so the Schedule drops out of
// ListDueSchedules regardless of whether the job has fired yet; a
// separate lease loop is what actually calls Initiate, so a crash between
// enqueue and lease does not lose the fire. Retry-chain firing does not
// need this indirection: a retry Conversation row with retryScheduledAt
// set is already its own durable, at-timestamp delayed job, so
// fireDueRetries calls InitiateExisting directly off ListDueRetries.
type Scheduler struct {
	cfg          Config
	store        Store
	jobs         *JobStore
	orchestrator Orchestrator
	biller       Biller
	clock        Clock
	log          *zap.Logger

	lastBillingDate string // "2006-01-02", guards against re-billing within the same hour's repeated ticks
}

func New(cfg Config, store Store, jobs *JobStore, orchestrator Orchestrator, biller Biller, clock Clock, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Scheduler{
		cfg:          cfg.withDefaults(),
		store:        store,
		jobs:         jobs,
		orchestrator: orchestrator,
		biller:       biller,
		clock:        clock,
		log:          log.With(zap.String("component", "scheduler")),
	}
}

// Run ticks until ctx is cancelled, firing due schedules, due retries, and
// (once per day, at BillingHour) the billing rollup for every org.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.clock.Now()
	s.detectDueSchedules(ctx, now)
	s.leaseAndFireScheduleJobs(ctx, now)
	s.fireDueRetries(ctx, now)
	if now.Hour() == s.cfg.BillingHour {
		s.runBillingIfDue(ctx, now)
	}
}

// detectDueSchedules claims and enqueues a job for each Schedule that just
// came due, then advances its nextCallDate so it is not detected again.
func (s *Scheduler) detectDueSchedules(ctx context.Context, now time.Time) {
	due, err := s.store.ListDueSchedules(ctx, now)
	if err != nil {
		s.log.Error("list due schedules", zap.Error(err))
		return
	}
	for _, sc := range due {
		claimed, err := s.jobs.TryClaim(ctx, "schedule:"+sc.ID, s.cfg.ClaimGrace)
		if err != nil {
			s.log.Error("claim schedule", zap.Error(err), zap.String("schedule_id", sc.ID))
			continue
		}
		if !claimed {
			continue // another Scheduler replica already claimed this fire
		}

		next, err := NextFireTime(sc, now)
		if err != nil {
			s.log.Error("compute next fire time", zap.Error(err), zap.String("schedule_id", sc.ID))
			continue
		}

		payload, err := json.Marshal(scheduleJobPayload{ScheduleID: sc.ID, PatientID: sc.PatientID})
		if err != nil {
			s.log.Error("marshal schedule job payload", zap.Error(err), zap.String("schedule_id", sc.ID))
			continue
		}
		if _, err := s.jobs.Enqueue(ctx, jobKindSchedule, now, payload); err != nil {
			s.log.Error("enqueue schedule job", zap.Error(err), zap.String("schedule_id", sc.ID))
			continue
		}

		if err := s.store.UpdateNextCallDate(ctx, sc.ID, next); err != nil {
			s.log.Error("advance next call date", zap.Error(err), zap.String("schedule_id", sc.ID))
		}
	}
}

// leaseAndFireScheduleJobs leases every due "schedule" job and places the
// call, completing the job on success and releasing it for retry on
// failure.
func (s *Scheduler) leaseAndFireScheduleJobs(ctx context.Context, now time.Time) {
	jobs, err := s.jobs.Lease(ctx, now, s.cfg.LeaseDuration)
	if err != nil {
		s.log.Error("lease schedule jobs", zap.Error(err))
		return
	}
	for _, job := range jobs {
		if job.Kind != jobKindSchedule {
			continue
		}
		var payload scheduleJobPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			s.log.Error("unmarshal schedule job payload", zap.Error(err), zap.String("job_id", job.ID))
			continue
		}

		patient, err := s.store.GetPatient(ctx, payload.PatientID)
		if err != nil {
			s.log.Error("load patient for schedule job", zap.Error(err), zap.String("job_id", job.ID))
			_ = s.jobs.Fail(ctx, job.ID, err.Error())
			continue
		}
		if !patient.CallEligible() {
			s.log.Warn("schedule job fired for patient with no caregiver, dropping",
				zap.String("job_id", job.ID), zap.String("patient_id", patient.ID))
			_ = s.jobs.Complete(ctx, job.ID)
			continue
		}

		if _, err := s.orchestrator.Initiate(ctx, *patient, ""); err != nil {
			s.log.Error("initiate scheduled call", zap.Error(err), zap.String("job_id", job.ID))
			_ = s.jobs.Fail(ctx, job.ID, err.Error())
			continue
		}
		_ = s.jobs.Complete(ctx, job.ID)
	}
}

func (s *Scheduler) fireDueRetries(ctx context.Context, now time.Time) {
	due, err := s.store.ListDueRetries(ctx, now)
	if err != nil {
		s.log.Error("list due retries", zap.Error(err))
		return
	}
	for i := range due {
		conv := &due[i]
		patient, err := s.store.GetPatient(ctx, conv.PatientID)
		if err != nil {
			s.log.Error("load patient for retry", zap.Error(err), zap.String("conversation_id", conv.ID))
			continue
		}
		if err := s.orchestrator.InitiateExisting(ctx, conv, *patient); err != nil {
			s.log.Error("fire retry", zap.Error(err), zap.String("conversation_id", conv.ID))
		}
	}
}

func (s *Scheduler) runBillingIfDue(ctx context.Context, now time.Time) {
	today := now.Format("2006-01-02")
	if s.lastBillingDate == today {
		return
	}
	s.lastBillingDate = today

	orgIDs, err := s.store.ListOrganizationIDs(ctx)
	if err != nil {
		s.log.Error("list organizations for billing rollup", zap.Error(err))
		return
	}
	for _, orgID := range orgIDs {
		if _, err := s.biller.Rollup(ctx, orgID, s.cfg.BillingWindow); err != nil {
			s.log.Error("billing rollup", zap.Error(err), zap.String("org_id", orgID))
		}
	}
}
