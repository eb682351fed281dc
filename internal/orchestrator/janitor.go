package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/careline/engine/internal/domain"
	"github.com/careline/engine/internal/store"
)

// Janitor runs the orphan sweep until ctx is cancelled or Close is
// called: any Conversation the Store still shows InProgress, older than
// orphanTimeout, has no live call goroutine backing it (the owning
// process crashed or was redeployed mid-call) and is moved to Failed.
// Grounded on dialog.Manager's DialogCleanupInterval ticker loop.
func (o *Orchestrator) Janitor(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopJanitor:
			return
		case <-ticker.C:
			o.sweepOrphans(ctx)
		}
	}
}

func (o *Orchestrator) sweepOrphans(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-o.cfg.OrphanTimeout)
	orphans, err := o.store.ListInProgressOlderThan(ctx, cutoff)
	if err != nil {
		o.log.Error("janitor sweep failed to list orphans", zap.Error(err))
		return
	}

	for _, conv := range orphans {
		if o.get(conv.CallSid) != nil {
			continue // a live goroutine still owns this call; not an orphan
		}
		o.log.Warn("janitor reaping orphaned conversation", zap.String("conversation_id", conv.ID))

		now := time.Now().UTC()
		duration := int64(now.Sub(conv.StartTime).Seconds())
		if duration < 0 {
			duration = 0
		}

		org, err := o.store.GetOrganization(ctx, conv.OrgID)
		if err != nil {
			o.log.Error("janitor failed to load organization for orphan", zap.Error(err), zap.String("conversation_id", conv.ID))
			continue
		}
		// An orphan was InProgress when its owning process vanished, so it
		// was genuinely connected — billed the same as any other call that
		// reached that state, per call.go's terminate.
		cost := store.ComputeCost(duration, true, org.RatePerMinute, o.cfg.MinimumBillableSeconds, org.RetrySettings.AlertOnAllMissedCalls)
		outcome := "orphaned: no owning process found at janitor sweep"
		status := domain.CallStatusFailed
		if err := o.store.UpdateCallStatus(ctx, conv.ID, status, store.StatusUpdate{
			EndTime:  &now,
			Duration: &duration,
			Cost:     &cost,
			Outcome:  &outcome,
		}); err != nil {
			o.log.Error("janitor failed to finalize orphan", zap.Error(err), zap.String("conversation_id", conv.ID))
			continue
		}
		if o.metrics != nil {
			o.metrics.CallsTotal.WithLabelValues(string(status)).Inc()
		}
	}
}
