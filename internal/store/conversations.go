package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/careline/engine/internal/domain"
	"github.com/careline/engine/internal/errs"
)

var validate = validator.New()

type openConversationInput struct {
	PatientID string `validate:"required,uuid4"`
	OrgID     string `validate:"required,uuid4"`
	Phone     string `validate:"required,e164"`
}

// OpenConversation creates a new Conversation row in initialStatus,
// rejecting an ineligible patient or malformed phone at the boundary
// before it ever reaches persistence, per the "Validation" error class.
func (s *Store) OpenConversation(ctx context.Context, patient domain.Patient, agentID string, initialStatus domain.CallStatus) (*domain.Conversation, error) {
	if err := validate.Struct(openConversationInput{PatientID: patient.ID, OrgID: patient.OrgID, Phone: patient.Phone}); err != nil {
		return nil, errs.New(errs.KindValidation, "store.openConversation", err)
	}
	if !patient.CallEligible() {
		return nil, errs.New(errs.KindValidation, "store.openConversation", fmt.Errorf("patient %s has no assigned caregiver", patient.ID))
	}

	conv := &domain.Conversation{
		ID:        uuid.NewString(),
		OrgID:     patient.OrgID,
		PatientID: patient.ID,
		AgentID:   agentID,
		Status:    initialStatus,
		StartTime: time.Now().UTC(),
	}

	var agentIDArg any
	if agentID != "" {
		agentIDArg = agentID
	}

	_, err := s.Pool.Exec(ctx, `
		INSERT INTO conversations (id, org_id, patient_id, agent_id, status, start_time, max_retries)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, conv.ID, conv.OrgID, conv.PatientID, agentIDArg, string(conv.Status), conv.StartTime, conv.MaxRetries)
	if err != nil {
		return nil, errs.Transient("store.openConversation", err)
	}
	return conv, nil
}

// AppendMessage appends one Message to a Conversation's ordered transcript
// and returns its conversation-local position. Append-only: there is no
// update or delete path for an existing Message.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, role domain.MessageRole, content string) (int, error) {
	if content == "" {
		return 0, errs.New(errs.KindValidation, "store.appendMessage", fmt.Errorf("empty message content"))
	}

	var position int
	err := s.Pool.QueryRow(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, position)
		VALUES ($1, $2, $3, $4, COALESCE((SELECT MAX(position) + 1 FROM messages WHERE conversation_id = $2), 0))
		RETURNING position
	`, uuid.NewString(), conversationID, string(role), content).Scan(&position)
	if err != nil {
		return 0, errs.Transient("store.appendMessage", err)
	}
	return position, nil
}

// StatusUpdate carries the optional fields that accompany a call-status
// transition, per spec §4.D.
type StatusUpdate struct {
	EndTime  *time.Time
	Duration *int64
	Cost     *float64
	Outcome  *string
	Notes    *string
}

// UpdateCallStatus moves a Conversation to newStatus. The transition must
// be monotone per §4.6 — callers are expected to have already checked
// that with the Orchestrator's state machine; this layer only persists it
// and rejects an attempt to move a conversation that is already terminal.
func (s *Store) UpdateCallStatus(ctx context.Context, conversationID string, newStatus domain.CallStatus, upd StatusUpdate) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE conversations SET
			status = $2,
			end_time = COALESCE($3, end_time),
			duration_seconds = COALESCE($4, duration_seconds),
			cost = COALESCE($5, cost),
			outcome = COALESCE($6, outcome),
			call_notes = COALESCE($7, call_notes)
		WHERE id = $1
			AND status NOT IN ('completed', 'failed', 'missed', 'cancelled')
	`, conversationID, string(newStatus), upd.EndTime, upd.Duration, upd.Cost, upd.Outcome, upd.Notes)
	if err != nil {
		return errs.Transient("store.updateCallStatus", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New(errs.KindConflict, "store.updateCallStatus", errs.ErrInvalidState)
	}
	return nil
}

// FindUnbilled returns Conversations for org that ended within window and
// have no lineItemId yet, ordered oldest-first so billing processes them
// in arrival order.
func (s *Store) FindUnbilled(ctx context.Context, orgID string, window time.Duration) ([]domain.Conversation, error) {
	cutoff := time.Now().Add(-window)

	rows, err := s.Pool.Query(ctx, `
		SELECT id, org_id, call_sid, patient_id, status, start_time, end_time,
			duration_seconds, cost, retry_attempt, max_retries
		FROM conversations
		WHERE org_id = $1 AND line_item_id IS NULL AND end_time IS NOT NULL AND end_time >= $2
		ORDER BY end_time ASC
	`, orgID, cutoff)
	if err != nil {
		return nil, errs.Transient("store.findUnbilled", err)
	}
	defer rows.Close()

	var out []domain.Conversation
	for rows.Next() {
		var c domain.Conversation
		var status string
		var endTime *time.Time
		if err := rows.Scan(&c.ID, &c.OrgID, &c.CallSid, &c.PatientID, &status, &c.StartTime, &endTime,
			&c.Duration, &c.Cost, &c.RetryAttempt, &c.MaxRetries); err != nil {
			return nil, errs.Transient("store.findUnbilled", err)
		}
		c.Status = domain.CallStatus(status)
		if endTime != nil {
			c.EndTime = *endTime
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkBilled atomically assigns lineItemID to every conversation in ids.
// If any member already has a non-null line_item_id the whole statement
// affects fewer rows than len(ids) and the transaction is rolled back,
// surfacing AlreadyBilled — the "database enforces lineItemId is null as
// precondition" rule of §5, grounded on the teacher's
// PurgeStaleCalls/tag.RowsAffected() idiom for asserting an expected row
// count after a write.
func (s *Store) MarkBilled(ctx context.Context, ids []string, lineItemID string) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return errs.Transient("store.markBilled", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE conversations SET line_item_id = $1
		WHERE id = ANY($2) AND line_item_id IS NULL
	`, lineItemID, ids)
	if err != nil {
		return errs.Transient("store.markBilled", err)
	}
	if int(tag.RowsAffected()) != len(ids) {
		return errs.New(errs.KindConflict, "store.markBilled", errs.ErrAlreadyBilled)
	}

	if err := tx.Commit(ctx); err != nil {
		return errs.Transient("store.markBilled", err)
	}
	return nil
}

// SetCallSid records the provider's call handle on a freshly opened
// Conversation. Separate from OpenConversation because placeCall is only
// issued after the row exists (the row's id seeds messages/alerts FKs).
func (s *Store) SetCallSid(ctx context.Context, conversationID, callSid string) error {
	_, err := s.Pool.Exec(ctx, `UPDATE conversations SET call_sid = $2 WHERE id = $1`, conversationID, callSid)
	if err != nil {
		return errs.Transient("store.setCallSid", err)
	}
	return nil
}

// SetAsteriskChannelID records the Bridge Adapter's channel handle once
// the Orchestrator learns it from the Adapter's answered notification.
func (s *Store) SetAsteriskChannelID(ctx context.Context, conversationID, channelID string) error {
	_, err := s.Pool.Exec(ctx, `UPDATE conversations SET asterisk_channel_id = $2 WHERE id = $1`, conversationID, channelID)
	if err != nil {
		return errs.Transient("store.setAsteriskChannelID", err)
	}
	return nil
}

// CreateRetryInput mirrors openConversationInput's validation shape for
// the conversation a retry chain creates.
type CreateRetryInput struct {
	Patient          domain.Patient
	RetryAttempt     int
	MaxRetries       int
	OriginalCallID   string
	RetryScheduledAt time.Time
}

// CreateRetryConversation opens the next Conversation in a retry chain,
// self-linked to the root attempt per §3's `retryAttempt = 0 ⇔
// originalCallId = null` invariant.
func (s *Store) CreateRetryConversation(ctx context.Context, in CreateRetryInput) (*domain.Conversation, error) {
	if err := validate.Struct(openConversationInput{PatientID: in.Patient.ID, OrgID: in.Patient.OrgID, Phone: in.Patient.Phone}); err != nil {
		return nil, errs.New(errs.KindValidation, "store.createRetryConversation", err)
	}

	conv := &domain.Conversation{
		ID:               uuid.NewString(),
		OrgID:            in.Patient.OrgID,
		PatientID:        in.Patient.ID,
		Status:           domain.CallStatusInitiated,
		StartTime:        time.Now().UTC(),
		RetryAttempt:     in.RetryAttempt,
		MaxRetries:       in.MaxRetries,
		OriginalCallID:   in.OriginalCallID,
		RetryScheduledAt: in.RetryScheduledAt,
	}

	_, err := s.Pool.Exec(ctx, `
		INSERT INTO conversations (id, org_id, patient_id, status, start_time, max_retries,
			retry_attempt, original_call_id, retry_scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, conv.ID, conv.OrgID, conv.PatientID, string(conv.Status), conv.StartTime, conv.MaxRetries,
		conv.RetryAttempt, conv.OriginalCallID, conv.RetryScheduledAt)
	if err != nil {
		return nil, errs.Transient("store.createRetryConversation", err)
	}
	return conv, nil
}

// ListDueRetries returns retry-chain Conversations the Scheduler has not
// yet placed (no call_sid) whose retryScheduledAt has passed, per the
// retry policy's "Scheduler is responsible for firing at
// retryScheduledAt" rule.
func (s *Store) ListDueRetries(ctx context.Context, now time.Time) ([]domain.Conversation, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, org_id, patient_id, status, start_time, retry_attempt, max_retries,
			original_call_id, retry_scheduled_at
		FROM conversations
		WHERE status = 'initiated' AND call_sid = '' AND retry_attempt > 0
			AND retry_scheduled_at IS NOT NULL AND retry_scheduled_at <= $1
	`, now)
	if err != nil {
		return nil, errs.Transient("store.listDueRetries", err)
	}
	defer rows.Close()

	var out []domain.Conversation
	for rows.Next() {
		var c domain.Conversation
		var status string
		var originalCallID *string
		var retryScheduledAt *time.Time
		if err := rows.Scan(&c.ID, &c.OrgID, &c.PatientID, &status, &c.StartTime, &c.RetryAttempt, &c.MaxRetries,
			&originalCallID, &retryScheduledAt); err != nil {
			return nil, errs.Transient("store.listDueRetries", err)
		}
		c.Status = domain.CallStatus(status)
		if originalCallID != nil {
			c.OriginalCallID = *originalCallID
		}
		if retryScheduledAt != nil {
			c.RetryScheduledAt = *retryScheduledAt
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListInProgressOlderThan returns live-looking Conversations whose
// start_time predates cutoff, the janitor sweep's source of orphan
// candidates per §4.F (a crashed orchestrator leaves these stuck).
func (s *Store) ListInProgressOlderThan(ctx context.Context, cutoff time.Time) ([]domain.Conversation, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, org_id, call_sid, asterisk_channel_id, patient_id, status, start_time
		FROM conversations
		WHERE status = 'in_progress' AND start_time < $1
	`, cutoff)
	if err != nil {
		return nil, errs.Transient("store.listInProgressOlderThan", err)
	}
	defer rows.Close()

	var out []domain.Conversation
	for rows.Next() {
		var c domain.Conversation
		var status string
		if err := rows.Scan(&c.ID, &c.OrgID, &c.CallSid, &c.AsteriskChannelID, &c.PatientID, &status, &c.StartTime); err != nil {
			return nil, errs.Transient("store.listInProgressOlderThan", err)
		}
		c.Status = domain.CallStatus(status)
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetConversation fetches a single Conversation with its ordered Messages.
func (s *Store) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	var status string
	var endTime *time.Time
	var agentID, lineItemID, originalCallID *string
	var retryScheduledAt *time.Time

	err := s.Pool.QueryRow(ctx, `
		SELECT id, org_id, call_sid, asterisk_channel_id, patient_id, agent_id, status,
			start_time, end_time, duration_seconds, cost, line_item_id,
			retry_attempt, max_retries, original_call_id, retry_scheduled_at,
			call_notes, outcome
		FROM conversations WHERE id = $1
	`, id).Scan(&c.ID, &c.OrgID, &c.CallSid, &c.AsteriskChannelID, &c.PatientID, &agentID, &status,
		&c.StartTime, &endTime, &c.Duration, &c.Cost, &lineItemID,
		&c.RetryAttempt, &c.MaxRetries, &originalCallID, &retryScheduledAt,
		&c.CallNotes, &c.Outcome)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errs.New(errs.KindValidation, "store.getConversation", errs.ErrNotFound)
		}
		return nil, errs.Transient("store.getConversation", err)
	}
	c.Status = domain.CallStatus(status)

	if agentID != nil {
		c.AgentID = *agentID
	}
	if endTime != nil {
		c.EndTime = *endTime
	}
	if lineItemID != nil {
		c.LineItemID = *lineItemID
	}
	if originalCallID != nil {
		c.OriginalCallID = *originalCallID
	}
	if retryScheduledAt != nil {
		c.RetryScheduledAt = *retryScheduledAt
	}

	rows, err := s.Pool.Query(ctx, `
		SELECT id, conversation_id, role, content, position, created_at
		FROM messages WHERE conversation_id = $1 ORDER BY position ASC
	`, id)
	if err != nil {
		return nil, errs.Transient("store.getConversation", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m domain.Message
		var role string
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.Position, &m.CreatedAt); err != nil {
			return nil, errs.Transient("store.getConversation", err)
		}
		m.Role = domain.MessageRole(role)
		c.Messages = append(c.Messages, m)
	}
	return &c, rows.Err()
}
