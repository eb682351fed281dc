package store

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/careline/engine/internal/domain"
	"github.com/careline/engine/internal/errs"
)

// RecordAlert persists one detection outcome, fired or suppressed, for
// audit — the detector calls this for every candidate that survives
// phrase matching, independent of whether dedup/rate-capping suppressed
// it, so the suppressed-with-reason trail required by §4.E is queryable.
func (s *Store) RecordAlert(ctx context.Context, a domain.Alert) (*domain.Alert, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.DetectedAt.IsZero() {
		a.DetectedAt = time.Now().UTC()
	}

	var conversationID any
	if a.ConversationID != "" {
		conversationID = a.ConversationID
	}

	_, err := s.Pool.Exec(ctx, `
		INSERT INTO alerts (id, patient_id, conversation_id, severity, category,
			phrase_matched, raw_utterance, detected_at, normalized_phrase,
			suppressed, suppressed_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, a.ID, a.PatientID, conversationID, a.Severity.String(), a.Category,
		a.Phrase, a.Utterance, a.DetectedAt, strings.ToLower(strings.TrimSpace(a.Phrase)),
		a.Suppressed, a.SuppressedReason)
	if err != nil {
		return nil, errs.Transient("store.recordAlert", err)
	}
	return &a, nil
}

// RecentAlertCount returns how many alerts (fired or suppressed) have been
// recorded for patientID within since — used as a Postgres-backed
// fallback/audit cross-check for the Redis-enforced maxAlertsPerHour cap,
// not as the hot-path enforcement point itself.
func (s *Store) RecentAlertCount(ctx context.Context, patientID string, since time.Time) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx, `
		SELECT count(*) FROM alerts WHERE patient_id = $1 AND detected_at >= $2
	`, patientID, since).Scan(&n)
	if err != nil {
		return 0, errs.Transient("store.recentAlertCount", err)
	}
	return n, nil
}
