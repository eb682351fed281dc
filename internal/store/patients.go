package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/careline/engine/internal/domain"
	"github.com/careline/engine/internal/errs"
)

// GetPatient fetches one Patient, the Scheduler's source of the contact
// details an orchestration request needs when a Schedule or retry fires.
func (s *Store) GetPatient(ctx context.Context, id string) (*domain.Patient, error) {
	var p domain.Patient
	err := s.Pool.QueryRow(ctx, `
		SELECT id, org_id, phone, preferred_language, medical_notes, caregiver_ids
		FROM patients WHERE id = $1
	`, id).Scan(&p.ID, &p.OrgID, &p.Phone, &p.PreferredLanguage, &p.MedicalNotes, &p.CaregiverIDs)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errs.New(errs.KindValidation, "store.getPatient", errs.ErrNotFound)
		}
		return nil, errs.Transient("store.getPatient", err)
	}
	return &p, nil
}

// ListCaregiversForPatient returns every Caregiver assigned to patientID,
// the Notification Fan-out's recipient-resolution source.
func (s *Store) ListCaregiversForPatient(ctx context.Context, patientID string) ([]domain.Caregiver, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, org_id, name, email, phone, role, email_verified, phone_verified,
			push_device_ids, assigned_patients
		FROM caregivers WHERE $1 = ANY(assigned_patients)
	`, patientID)
	if err != nil {
		return nil, errs.Transient("store.listCaregiversForPatient", err)
	}
	defer rows.Close()

	var out []domain.Caregiver
	for rows.Next() {
		var c domain.Caregiver
		var role string
		if err := rows.Scan(&c.ID, &c.OrgID, &c.Name, &c.Email, &c.Phone, &role,
			&c.EmailVerified, &c.PhoneVerified, &c.PushDeviceIDs, &c.AssignedPatients); err != nil {
			return nil, errs.Transient("store.listCaregiversForPatient", err)
		}
		c.Role = domain.Role(role)
		out = append(out, c)
	}
	return out, rows.Err()
}
