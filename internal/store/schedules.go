package store

import (
	"context"
	"time"

	"github.com/careline/engine/internal/domain"
	"github.com/careline/engine/internal/errs"
)

// ListDueSchedules returns every active Schedule whose nextCallDate has
// passed, the Scheduler's fire-time source per spec §4.G.
func (s *Store) ListDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, org_id, patient_id, frequency, time_of_day, day_of_week,
			every_n_weeks, day_of_month, is_active, next_call_date
		FROM schedules
		WHERE is_active AND next_call_date <= $1
	`, now)
	if err != nil {
		return nil, errs.Transient("store.listDueSchedules", err)
	}
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		var sc domain.Schedule
		var freq string
		var dow int
		if err := rows.Scan(&sc.ID, &sc.OrgID, &sc.PatientID, &freq, &sc.TimeOfDay, &dow,
			&sc.EveryNWeeks, &sc.DayOfMonth, &sc.IsActive, &sc.NextCallDate); err != nil {
			return nil, errs.Transient("store.listDueSchedules", err)
		}
		sc.Frequency = domain.Frequency(freq)
		sc.DayOfWeek = time.Weekday(dow)
		out = append(out, sc)
	}
	return out, rows.Err()
}

// UpdateNextCallDate advances a Schedule's nextCallDate after it fires.
// Invariant (spec §8.5): the caller must pass a value strictly after the
// fire time it computed from.
func (s *Store) UpdateNextCallDate(ctx context.Context, scheduleID string, next time.Time) error {
	_, err := s.Pool.Exec(ctx, `UPDATE schedules SET next_call_date = $2 WHERE id = $1`, scheduleID, next)
	if err != nil {
		return errs.Transient("store.updateNextCallDate", err)
	}
	return nil
}
