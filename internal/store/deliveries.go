package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/careline/engine/internal/domain"
	"github.com/careline/engine/internal/errs"
)

// RecordDelivery persists one (alert, caregiver, transport) outcome for
// audit, per spec §4.I's AlertDelivery record requirement.
func (s *Store) RecordDelivery(ctx context.Context, d domain.AlertDelivery) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO alert_deliveries (id, alert_id, caregiver_id, channel, status, attempted_at, error)
		VALUES ($1, $2, $3, $4, $5, now(), $6)
	`, d.ID, d.AlertID, d.CaregiverID, string(d.Transport), string(d.Status), d.LastError)
	if err != nil {
		return errs.Transient("store.recordDelivery", err)
	}
	return nil
}
