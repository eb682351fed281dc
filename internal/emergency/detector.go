package emergency

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/careline/engine/internal/domain"
	"github.com/careline/engine/internal/metrics"
)

// DisableHypotheticalFilterForCritical resolves the Open Question of
// whether a CRITICAL candidate should skip the false-positive filter.
// It ships false: a CRITICAL match still runs through hypothetical and
// reported-speech filtering. Missing a feigned/hypothetical CRITICAL
// phrase is judged worse than one avoidable over-alert in the general
// case, but clearly hypothetical CRITICAL phrasing ("what if I had a
// heart attack") erodes caregiver trust in the alert channel if it fires
// every time. A deployment that disagrees flips this without a code
// change by setting Config.DisableHypotheticalFilterForCritical.
const DisableHypotheticalFilterForCritical = false

// AlertRecorder persists every detection outcome, fired or suppressed,
// for audit. Satisfied by *store.Store.
type AlertRecorder interface {
	RecordAlert(ctx context.Context, a domain.Alert) (*domain.Alert, error)
}

// AlertSink is the fan-out trigger for a non-suppressed alert. Fire must
// not block the caller; a severityResponseTimes budget, when the
// Notification Fan-out component is wired in, governs how long Fire
// itself may take to actually deliver — the Detector's obligation ends at
// invoking it.
type AlertSink interface {
	Fire(ctx context.Context, a domain.Alert)
}

// Config tunes one Detector.
type Config struct {
	DebounceMinutes  int
	MaxAlertsPerHour int
	QueueSize        int
	Workers          int

	// DisableHypotheticalFilterForCritical overrides the package default
	// of the same name; see its doc comment.
	DisableHypotheticalFilterForCritical bool
}

func (c Config) withDefaults() Config {
	if c.DebounceMinutes == 0 {
		c.DebounceMinutes = 5
	}
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	return c
}

// detection is one enqueued utterance awaiting the match pipeline.
type detection struct {
	patient        domain.Patient
	conversationID string
	utterance      string
}

// Detector is the hot-path, never-blocks consumer of every
// userTranscriptCompleted event. Callers enqueue via Submit; the match,
// grading, dedup, and fan-out pipeline runs on a bounded worker pool so a
// slow Redis round-trip never back-pressures the realtime call.
type Detector struct {
	cfg Config

	table atomic.Pointer[PhraseTable]
	gate  *dedupGate

	loader   PhraseLoader
	recorder AlertRecorder
	sink     AlertSink

	metrics *metrics.Registry
	log     *zap.Logger

	queue chan detection
	done  chan struct{}
}

// New builds a Detector and loads its initial phrase table snapshot.
// Call Run to start the worker pool.
func New(cfg Config, rdb *redis.Client, loader PhraseLoader, recorder AlertRecorder, sink AlertSink, reg *metrics.Registry, log *zap.Logger) (*Detector, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}

	d := &Detector{
		cfg:      cfg,
		gate:     newDedupGate(rdb, time.Duration(cfg.DebounceMinutes)*time.Minute, cfg.MaxAlertsPerHour),
		loader:   loader,
		recorder: recorder,
		sink:     sink,
		metrics:  reg,
		log:      log.With(zap.String("component", "emergency")),
		queue:    make(chan detection, cfg.QueueSize),
		done:     make(chan struct{}),
	}

	if err := d.Reload(context.Background()); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload re-reads the vocabulary from the loader and atomically swaps
// the served snapshot, the teacher's dialplan.Dialplan.Reload idiom
// applied to a Postgres-backed source instead of a JSON file.
func (d *Detector) Reload(ctx context.Context) error {
	phrases, err := d.loader.ListEmergencyPhrases(ctx)
	if err != nil {
		return err
	}
	table, err := newPhraseTable(phrases)
	if err != nil {
		return err
	}
	d.table.Store(table)
	d.log.Info("phrase table loaded", zap.Int("count", table.Size()))
	return nil
}

// Run starts cfg.Workers goroutines draining the queue until ctx is
// cancelled or Close is called.
func (d *Detector) Run(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		go d.worker(ctx)
	}
}

// Close stops accepting new submissions. Safe to call once.
func (d *Detector) Close() { close(d.done) }

// Submit enqueues one completed utterance for detection. Fire-and-forget
// per spec §4.E's never-blocks rule: if the queue is full, the utterance
// is dropped and counted rather than retried or blocking the caller.
func (d *Detector) Submit(patient domain.Patient, conversationID, utterance string) {
	select {
	case <-d.done:
		return
	default:
	}
	select {
	case d.queue <- detection{patient: patient, conversationID: conversationID, utterance: utterance}:
	default:
		if d.metrics != nil {
			d.metrics.DetectorOverflow.Inc()
		}
		d.log.Warn("detector queue overflow, utterance dropped",
			zap.String("patient_id", patient.ID), zap.String("conversation_id", conversationID))
	}
}

func (d *Detector) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case req := <-d.queue:
			d.detectAndFire(ctx, req)
		}
	}
}

// detectAndFire runs the full two-stage pipeline for one utterance:
// match, filter, grade, dedup/rate-cap, record, and (if not suppressed)
// fan out.
func (d *Detector) detectAndFire(ctx context.Context, req detection) {
	language := req.patient.PreferredLanguage
	normalized := normalize(req.utterance)

	table := d.table.Load()
	raw := table.candidatesFor(normalized, language)
	if len(raw) == 0 {
		return
	}

	filterCritical := !d.cfg.DisableHypotheticalFilterForCritical
	survivors := make([]candidate, 0, len(raw))
	for _, c := range raw {
		if c.Phrase.Severity == domain.SeverityCritical && !filterCritical {
			survivors = append(survivors, c)
			continue
		}
		if !isHypothetical(req.utterance, normalized, language, c) {
			survivors = append(survivors, c)
		}
	}
	if len(survivors) == 0 {
		return
	}

	winner, ok := gradeSeverity(survivors)
	if !ok {
		return
	}

	alert := domain.Alert{
		PatientID:      req.patient.ID,
		ConversationID: req.conversationID,
		Severity:       winner.Phrase.Severity,
		Category:       winner.Phrase.Category,
		Phrase:         winner.Phrase.Phrase,
		Utterance:      req.utterance,
		DetectedAt:     time.Now().UTC(),
	}

	suppressed, reason, err := d.gate.evaluate(ctx, req.patient.ID, alert.Category, winner.Normalized)
	if err != nil {
		// Redis is unavailable: fail open on suppression (an unfired
		// emergency is worse than a duplicate) but still fire, since the
		// detection itself already succeeded.
		d.log.Error("dedup gate error, firing without suppression check", zap.Error(err))
	} else if suppressed {
		alert.Suppressed = true
		alert.SuppressedReason = reason
	}

	if d.recorder != nil {
		if _, err := d.recorder.RecordAlert(ctx, alert); err != nil {
			d.log.Error("record alert failed", zap.Error(err), zap.String("patient_id", alert.PatientID))
		}
	}

	if alert.Suppressed {
		if d.metrics != nil {
			d.metrics.AlertsSuppressed.WithLabelValues(alert.SuppressedReason).Inc()
		}
		return
	}

	if d.metrics != nil {
		d.metrics.AlertsTotal.WithLabelValues(alert.Severity.String(), alert.Category).Inc()
	}
	if d.sink != nil {
		d.sink.Fire(ctx, alert)
	}
}
