package store

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/google/uuid"

	"github.com/careline/engine/internal/domain"
	"github.com/careline/engine/internal/errs"
)

// advisoryKey derives the pg_advisory_xact_lock key for an org, so
// concurrent rollup transactions for the same org serialize on one lock
// without a separate lock-service dependency.
func advisoryKey(orgID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(orgID))
	return int64(h.Sum64())
}

// CreateInvoiceWithLineItems runs the whole §4.H create step (1)-(3) —
// create LineItems, create the Invoice, link LineItems to it — inside
// one transaction guarded by the org-scoped advisory lock, so two
// concurrent rollups for the same org never interleave their invoice
// numbering or line-item linkage.
func (s *Store) CreateInvoiceWithLineItems(ctx context.Context, orgID string, items []domain.LineItem) (*domain.Invoice, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, errs.Transient("store.createInvoiceWithLineItems", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryKey(orgID)); err != nil {
		return nil, errs.Transient("store.createInvoiceWithLineItems", err)
	}

	var invoiceNumber int64
	if err := tx.QueryRow(ctx, `
		UPDATE organizations SET next_invoice_number = next_invoice_number + 1
		WHERE id = $1
		RETURNING next_invoice_number - 1
	`, orgID).Scan(&invoiceNumber); err != nil {
		return nil, errs.Transient("store.createInvoiceWithLineItems", err)
	}

	var total float64
	for _, it := range items {
		total += it.Amount
	}

	inv := &domain.Invoice{
		ID:            uuid.NewString(),
		OrgID:         orgID,
		InvoiceNumber: invoiceNumber,
		IssueDate:     time.Now().UTC(),
		DueDate:       time.Now().UTC().AddDate(0, 0, 30),
		Status:        domain.InvoiceStatusDraft,
		TotalAmount:   total,
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO invoices (id, org_id, invoice_number, issue_date, due_date, status, total_amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, inv.ID, inv.OrgID, inv.InvoiceNumber, inv.IssueDate, inv.DueDate, string(inv.Status), inv.TotalAmount); err != nil {
		return nil, errs.Transient("store.createInvoiceWithLineItems", err)
	}

	for i := range items {
		items[i].ID = uuid.NewString()
		items[i].InvoiceID = inv.ID
		if _, err := tx.Exec(ctx, `
			INSERT INTO line_items (id, invoice_id, patient_id, amount, quantity, unit_price,
				period_start, period_end, description)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, items[i].ID, items[i].InvoiceID, items[i].PatientID, items[i].Amount, items[i].Quantity,
			items[i].UnitPrice, items[i].PeriodStart, items[i].PeriodEnd, items[i].Description); err != nil {
			return nil, errs.Transient("store.createInvoiceWithLineItems", err)
		}
	}
	inv.LineItems = items

	if err := tx.Commit(ctx); err != nil {
		return nil, errs.Transient("store.createInvoiceWithLineItems", err)
	}
	return inv, nil
}

// MarkBilledAcrossLineItems links every conversation in assignments
// (conversationID → lineItemID) in one transaction, so an invoice with
// several patients' LineItems is billed atomically: if any member is
// already billed, the whole invoice's billing is rolled back and the
// caller compensates by deleting the invoice and retrying with the
// reduced set, exactly like single-line-item MarkBilled.
func (s *Store) MarkBilledAcrossLineItems(ctx context.Context, assignments map[string]string) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return errs.Transient("store.markBilledAcrossLineItems", err)
	}
	defer tx.Rollback(ctx)

	var affected int64
	for conversationID, lineItemID := range assignments {
		tag, err := tx.Exec(ctx, `
			UPDATE conversations SET line_item_id = $2
			WHERE id = $1 AND line_item_id IS NULL
		`, conversationID, lineItemID)
		if err != nil {
			return errs.Transient("store.markBilledAcrossLineItems", err)
		}
		affected += tag.RowsAffected()
	}
	if int(affected) != len(assignments) {
		return errs.New(errs.KindConflict, "store.markBilledAcrossLineItems", errs.ErrAlreadyBilled)
	}

	if err := tx.Commit(ctx); err != nil {
		return errs.Transient("store.markBilledAcrossLineItems", err)
	}
	return nil
}

// DeleteInvoice compensates a rollup attempt that lost the MarkBilled
// race: delete the just-created Invoice and its LineItems so the retry
// can recompute cleanly over the reduced conversation set. No
// conversation rollback is needed since MarkBilled runs after this step
// succeeds — a conversation is never linked to a doomed invoice.
func (s *Store) DeleteInvoice(ctx context.Context, invoiceID string) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return errs.Transient("store.deleteInvoice", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM line_items WHERE invoice_id = $1`, invoiceID); err != nil {
		return errs.Transient("store.deleteInvoice", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM invoices WHERE id = $1`, invoiceID); err != nil {
		return errs.Transient("store.deleteInvoice", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.Transient("store.deleteInvoice", err)
	}
	return nil
}
