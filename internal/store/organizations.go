package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/careline/engine/internal/domain"
	"github.com/careline/engine/internal/errs"
)

// GetOrganization fetches one tenant record, including the retry settings
// the Call Orchestrator consults when deciding whether a Missed/Failed
// Conversation is eligible for another attempt.
func (s *Store) GetOrganization(ctx context.Context, id string) (*domain.Organization, error) {
	var o domain.Organization
	err := s.Pool.QueryRow(ctx, `
		SELECT id, name, contact_email, retry_count, retry_interval_mins,
			alert_on_all_missed, rate_per_minute, next_invoice_number
		FROM organizations WHERE id = $1
	`, id).Scan(&o.ID, &o.Name, &o.ContactEmail,
		&o.RetrySettings.RetryCount, &o.RetrySettings.RetryIntervalMinutes, &o.RetrySettings.AlertOnAllMissedCalls,
		&o.RatePerMinute, &o.NextInvoiceNumber)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errs.New(errs.KindValidation, "store.getOrganization", errs.ErrNotFound)
		}
		return nil, errs.Transient("store.getOrganization", err)
	}
	return &o, nil
}

// ListOrganizationIDs returns every tenant id, the Scheduler's daily
// billing rollup driver iterates this to roll up one org at a time.
func (s *Store) ListOrganizationIDs(ctx context.Context) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `SELECT id FROM organizations`)
	if err != nil {
		return nil, errs.Transient("store.listOrganizationIDs", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Transient("store.listOrganizationIDs", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
