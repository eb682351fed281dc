package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/careline/engine/internal/domain"
	"github.com/careline/engine/internal/errs"
)

// ListEmergencyPhrases returns the full detector vocabulary, read once at
// engine start and on every admin-triggered reload (the caller is
// responsible for rebuilding its in-memory snapshot from the result).
func (s *Store) ListEmergencyPhrases(ctx context.Context) ([]domain.EmergencyPhrase, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, language, phrase, severity, category
		FROM emergency_phrases
	`)
	if err != nil {
		return nil, errs.Transient("store.listEmergencyPhrases", err)
	}
	defer rows.Close()

	var out []domain.EmergencyPhrase
	for rows.Next() {
		var p domain.EmergencyPhrase
		var severity string
		if err := rows.Scan(&p.ID, &p.Language, &p.Phrase, &severity, &p.Category); err != nil {
			return nil, errs.Transient("store.listEmergencyPhrases", err)
		}
		p.Severity = domain.ParseSeverity(severity)
		out = append(out, p)
	}
	return out, rows.Err()
}

// PutEmergencyPhrase upserts one vocabulary entry, keyed by (language,
// phrase) per the schema's unique index.
func (s *Store) PutEmergencyPhrase(ctx context.Context, p domain.EmergencyPhrase) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO emergency_phrases (id, language, phrase, severity, category, pattern)
		VALUES ($1, $2, $3, $4, $5, $3)
		ON CONFLICT (language, phrase) DO UPDATE SET
			severity = EXCLUDED.severity,
			category = EXCLUDED.category
	`, p.ID, p.Language, p.Phrase, p.Severity.String(), p.Category)
	if err != nil {
		return errs.Transient("store.putEmergencyPhrase", err)
	}
	return nil
}
