package billing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/careline/engine/internal/domain"
	"github.com/careline/engine/internal/errs"
)

type fakeBillingStore struct {
	unbilled        []domain.Conversation
	createErr       error
	markBilledErr   error
	markBilledCalls int
	deletedInvoices []string
	createdInvoices []*domain.Invoice
}

func (f *fakeBillingStore) FindUnbilled(context.Context, string, time.Duration) ([]domain.Conversation, error) {
	return f.unbilled, nil
}

func (f *fakeBillingStore) CreateInvoiceWithLineItems(_ context.Context, orgID string, items []domain.LineItem) (*domain.Invoice, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	var total float64
	for i := range items {
		items[i].ID = uuid.NewString()
		total += items[i].Amount
	}
	inv := &domain.Invoice{ID: uuid.NewString(), OrgID: orgID, TotalAmount: total, LineItems: items}
	f.createdInvoices = append(f.createdInvoices, inv)
	return inv, nil
}

func (f *fakeBillingStore) DeleteInvoice(_ context.Context, invoiceID string) error {
	f.deletedInvoices = append(f.deletedInvoices, invoiceID)
	return nil
}

func (f *fakeBillingStore) MarkBilledAcrossLineItems(context.Context, map[string]string) error {
	f.markBilledCalls++
	if f.markBilledCalls == 1 && f.markBilledErr != nil {
		return f.markBilledErr
	}
	return nil
}

func TestRollupGroupsByPatientIncludingZeroCost(t *testing.T) {
	convs := []domain.Conversation{
		{ID: "c1", PatientID: "p1", Cost: 10, StartTime: time.Now(), EndTime: time.Now()},
		{ID: "c2", PatientID: "p1", Cost: 5, StartTime: time.Now(), EndTime: time.Now()},
		{ID: "c3", PatientID: "p2", Cost: 0, StartTime: time.Now(), EndTime: time.Now()},
	}
	st := &fakeBillingStore{unbilled: convs}
	r := New(st, 3, nil, nil)

	inv, err := r.Rollup(context.Background(), "org1", 24*time.Hour)
	if err != nil {
		t.Fatalf("rollup error: %v", err)
	}
	if inv == nil {
		t.Fatal("expected an invoice")
	}
	if len(inv.LineItems) != 2 {
		t.Fatalf("expected 2 line items (one per patient), got %d", len(inv.LineItems))
	}

	var p1Amount, p2Amount float64
	var sawZero bool
	for _, it := range inv.LineItems {
		switch it.PatientID {
		case "p1":
			p1Amount = it.Amount
		case "p2":
			p2Amount = it.Amount
			sawZero = it.Amount == 0
		}
	}
	if p1Amount != 15 {
		t.Fatalf("expected p1 amount 15, got %v", p1Amount)
	}
	if p2Amount != 0 || !sawZero {
		t.Fatalf("expected p2's zero-cost group to still produce a zero-amount line item, got %v", p2Amount)
	}
}

func TestRollupNoUnbilledReturnsNilInvoice(t *testing.T) {
	st := &fakeBillingStore{}
	r := New(st, 3, nil, nil)

	inv, err := r.Rollup(context.Background(), "org1", 24*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inv != nil {
		t.Fatalf("expected nil invoice for empty unbilled set, got %+v", inv)
	}
}

func TestRollupRetriesOnMarkBilledRace(t *testing.T) {
	convs := []domain.Conversation{
		{ID: "c1", PatientID: "p1", Cost: 10, StartTime: time.Now(), EndTime: time.Now()},
	}
	st := &fakeBillingStore{
		unbilled:      convs,
		markBilledErr: errs.New(errs.KindConflict, "store.markBilledAcrossLineItems", errs.ErrAlreadyBilled),
	}
	r := New(st, 3, nil, nil)

	inv, err := r.Rollup(context.Background(), "org1", 24*time.Hour)
	if err != nil {
		t.Fatalf("rollup error: %v", err)
	}
	if inv == nil {
		t.Fatal("expected an invoice on the successful retry")
	}
	if len(st.deletedInvoices) != 1 {
		t.Fatalf("expected the first (raced) invoice to be deleted, got %d deletions", len(st.deletedInvoices))
	}
	if len(st.createdInvoices) != 2 {
		t.Fatalf("expected a second invoice creation attempt, got %d", len(st.createdInvoices))
	}
}
