package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/careline/engine/internal/domain"
	"github.com/careline/engine/internal/errs"
)

// These exercise the boundary-validation path only: with no caregiver
// assigned, or a malformed phone, OpenConversation must reject before
// ever touching the pool (so a nil Pool on the zero-value Store is safe
// to use here).
func TestOpenConversation_RejectsIneligiblePatient(t *testing.T) {
	s := &Store{}
	patient := domain.Patient{ID: "11111111-1111-4111-8111-111111111111", OrgID: "22222222-2222-4222-8222-222222222222", Phone: "+15551230000"}

	_, err := s.OpenConversation(context.Background(), patient, "", domain.CallStatusInitiated)

	var e *errs.Error
	assert.ErrorAs(t, err, &e)
	assert.Equal(t, errs.KindValidation, e.Kind)
}

func TestOpenConversation_RejectsMalformedPhone(t *testing.T) {
	s := &Store{}
	patient := domain.Patient{
		ID:           "11111111-1111-4111-8111-111111111111",
		OrgID:        "22222222-2222-4222-8222-222222222222",
		Phone:        "not-a-phone-number",
		CaregiverIDs: []string{"cg-1"},
	}

	_, err := s.OpenConversation(context.Background(), patient, "", domain.CallStatusInitiated)

	var e *errs.Error
	assert.ErrorAs(t, err, &e)
	assert.Equal(t, errs.KindValidation, e.Kind)
}

func TestAppendMessage_RejectsEmptyContent(t *testing.T) {
	s := &Store{}

	_, err := s.AppendMessage(context.Background(), "conv-1", domain.MessageRolePatient, "")

	var e *errs.Error
	assert.ErrorAs(t, err, &e)
	assert.Equal(t, errs.KindValidation, e.Kind)
}
