package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/careline/engine/internal/domain"
	"github.com/careline/engine/internal/store"
)

// maybeScheduleRetry implements the retry policy attached to a
// Missed/Failed terminal transition: open the next Conversation in the
// chain if the organization's retryCount budget allows it, otherwise —
// when alertOnAllMissedCalls is set — fire a missed_call_chain alert
// since no further attempt will ever reach this patient.
func (o *Orchestrator) maybeScheduleRetry(ctx context.Context, c *call) {
	if c.conv.Status != domain.CallStatusMissed && c.conv.Status != domain.CallStatusFailed {
		return
	}

	settings := c.org.RetrySettings
	if c.conv.RetryAttempt >= settings.RetryCount {
		if settings.AlertOnAllMissedCalls {
			o.fireMissedCallChainAlert(ctx, c)
		}
		return
	}

	originalID := c.conv.OriginalCallID
	if originalID == "" {
		originalID = c.conv.ID
	}
	scheduledAt := time.Now().UTC().Add(time.Duration(settings.RetryIntervalMinutes) * time.Minute)

	next, err := o.retryStore.CreateRetryConversation(ctx, store.CreateRetryInput{
		Patient:          c.patient,
		RetryAttempt:     c.conv.RetryAttempt + 1,
		MaxRetries:       settings.RetryCount,
		OriginalCallID:   originalID,
		RetryScheduledAt: scheduledAt,
	})
	if err != nil {
		o.log.Error("failed to schedule retry", zap.Error(err), zap.String("conversation_id", c.conv.ID))
		return
	}
	o.log.Info("retry scheduled",
		zap.String("original_conversation_id", originalID),
		zap.String("retry_conversation_id", next.ID),
		zap.Time("retry_scheduled_at", scheduledAt))
}

func (o *Orchestrator) fireMissedCallChainAlert(ctx context.Context, c *call) {
	if o.alerts == nil {
		return
	}
	o.alerts.Fire(ctx, domain.Alert{
		PatientID:      c.patient.ID,
		Severity:       domain.SeverityMedium,
		Category:       "missed_call_chain",
		ConversationID: c.conv.ID,
		DetectedAt:     time.Now().UTC(),
	})
}
