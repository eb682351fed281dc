// Package billing implements the Billing Roll-up (spec §4.H): converts a
// window of unbilled Conversations into an Invoice plus per-patient
// LineItems, with an at-most-once billing guarantee even under
// concurrent rollups for the same organization.
package billing

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/careline/engine/internal/domain"
	"github.com/careline/engine/internal/metrics"
)

// Store is the persistence surface one Rollup call drives. Satisfied by
// *store.Store.
type Store interface {
	FindUnbilled(ctx context.Context, orgID string, window time.Duration) ([]domain.Conversation, error)
	CreateInvoiceWithLineItems(ctx context.Context, orgID string, items []domain.LineItem) (*domain.Invoice, error)
	DeleteInvoice(ctx context.Context, invoiceID string) error
	MarkBilledAcrossLineItems(ctx context.Context, assignments map[string]string) error
}

// Roller runs the rollup algorithm for one or more organizations.
type Roller struct {
	store      Store
	maxRetries int
	metrics    *metrics.Registry
	log        *zap.Logger
}

// New builds a Roller. maxRetries is spec §6's billingMaxRetries.
func New(store Store, maxRetries int, reg *metrics.Registry, log *zap.Logger) *Roller {
	if log == nil {
		log = zap.NewNop()
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Roller{store: store, maxRetries: maxRetries, metrics: reg, log: log.With(zap.String("component", "billing"))}
}

// Rollup converts every unbilled Conversation for org within window into
// one Invoice, grouped by patient into one LineItem per patient. Per the
// resolved Open Question in §9 of the expanded spec, a patient group
// whose conversations sum to zero cost still produces a zero-amount
// LineItem rather than being skipped, so every Conversation in the window
// ends up linked to exactly one LineItem (invariant 1 of §8).
//
// On a MarkBilled race (another rollup already claimed a member
// conversation), the just-created Invoice and its LineItems are deleted
// and the whole computation retries with the losing conversations
// excluded, up to maxRetries, per §4.H step 4.
func (r *Roller) Rollup(ctx context.Context, orgID string, window time.Duration) (*domain.Invoice, error) {
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		// FindUnbilled's own `line_item_id IS NULL` filter is what
		// excludes the reduced set on a retry: a conversation a
		// concurrent winner already claimed simply stops appearing here,
		// with no bookkeeping needed on this side.
		convs, err := r.store.FindUnbilled(ctx, orgID, window)
		if err != nil {
			r.recordOutcome("find_unbilled_error")
			return nil, fmt.Errorf("billing.rollup: find unbilled: %w", err)
		}
		if len(convs) == 0 {
			r.recordOutcome("empty")
			return nil, nil
		}

		items, byConversation := groupByPatient(convs)

		inv, err := r.store.CreateInvoiceWithLineItems(ctx, orgID, items)
		if err != nil {
			r.recordOutcome("create_invoice_error")
			return nil, fmt.Errorf("billing.rollup: create invoice: %w", err)
		}

		assignments := make(map[string]string, len(convs))
		for convID, patientID := range byConversation {
			for _, it := range inv.LineItems {
				if it.PatientID == patientID {
					assignments[convID] = it.ID
					break
				}
			}
		}

		if err := r.store.MarkBilledAcrossLineItems(ctx, assignments); err != nil {
			if err := r.store.DeleteInvoice(ctx, inv.ID); err != nil {
				r.log.Error("failed to delete invoice after markBilled race", zap.Error(err), zap.String("invoice_id", inv.ID))
			}
			r.log.Warn("billing race detected, retrying with reduced set",
				zap.String("org_id", orgID), zap.Int("attempt", attempt))
			r.recordOutcome("markbilled_race")
			continue
		}

		if r.metrics != nil {
			r.metrics.InvoiceAmount.Observe(inv.TotalAmount)
		}
		r.recordOutcome("committed")
		r.log.Info("billing rollup committed",
			zap.String("org_id", orgID), zap.String("invoice_id", inv.ID),
			zap.Int64("invoice_number", inv.InvoiceNumber), zap.Float64("total", inv.TotalAmount))
		return inv, nil
	}

	r.recordOutcome("exhausted_retries")
	return nil, fmt.Errorf("billing.rollup: exhausted %d retries for org %s", r.maxRetries, orgID)
}

func (r *Roller) recordOutcome(outcome string) {
	if r.metrics != nil {
		r.metrics.BillingRollups.WithLabelValues(outcome).Inc()
	}
}

// groupByPatient builds one LineItem per patient and a conversationID →
// patientID index used to assign the resulting LineItem IDs back onto
// their source conversations once the Invoice is created.
func groupByPatient(convs []domain.Conversation) ([]domain.LineItem, map[string]string) {
	type group struct {
		patientID string
		amount    float64
		quantity  int
		start     time.Time
		end       time.Time
	}
	groups := make(map[string]*group)
	byConversation := make(map[string]string, len(convs))

	for _, c := range convs {
		byConversation[c.ID] = c.PatientID
		g, ok := groups[c.PatientID]
		if !ok {
			g = &group{patientID: c.PatientID, start: c.StartTime, end: c.EndTime}
			groups[c.PatientID] = g
		}
		g.amount += c.Cost
		g.quantity++
		if c.StartTime.Before(g.start) {
			g.start = c.StartTime
		}
		if c.EndTime.After(g.end) {
			g.end = c.EndTime
		}
	}

	items := make([]domain.LineItem, 0, len(groups))
	for _, g := range groups {
		unitPrice := 0.0
		if g.quantity > 0 {
			unitPrice = g.amount / float64(g.quantity)
		}
		items = append(items, domain.LineItem{
			PatientID:   g.patientID,
			Amount:      g.amount,
			Quantity:    g.quantity,
			UnitPrice:   unitPrice,
			PeriodStart: g.start,
			PeriodEnd:   g.end,
			Description: fmt.Sprintf("%d wellness call(s)", g.quantity),
		})
	}
	return items, byConversation
}
