package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/careline/engine/internal/domain"
	"github.com/careline/engine/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeCaregiverStore struct {
	mu         sync.Mutex
	caregivers map[string][]domain.Caregiver
	recorded   []domain.AlertDelivery
}

func newFakeCaregiverStore() *fakeCaregiverStore {
	return &fakeCaregiverStore{caregivers: map[string][]domain.Caregiver{}}
}

func (s *fakeCaregiverStore) ListCaregiversForPatient(_ context.Context, patientID string) ([]domain.Caregiver, error) {
	return s.caregivers[patientID], nil
}

func (s *fakeCaregiverStore) RecordDelivery(_ context.Context, d domain.AlertDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded = append(s.recorded, d)
	return nil
}

func (s *fakeCaregiverStore) deliveries() []domain.AlertDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AlertDelivery, len(s.recorded))
	copy(out, s.recorded)
	return out
}

type fakeTransport struct {
	mu   sync.Mutex
	sent int
	fail bool
}

func (t *fakeTransport) Send(_ context.Context, _ domain.Caregiver, _ domain.Alert) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent++
	if t.fail {
		return errors.New("transport unavailable")
	}
	return nil
}

func newTestRegistry() *metrics.Registry {
	return metrics.NewRegistry(prometheus.NewRegistry())
}

func TestFanoutCriticalAlertUsesAllThreeChannels(t *testing.T) {
	store := newFakeCaregiverStore()
	store.caregivers["pt-1"] = []domain.Caregiver{
		{ID: "cg-1", PhoneVerified: true, Phone: "+15551234567", EmailVerified: true, Email: "a@b.com", PushDeviceIDs: []string{"dev-1"}},
	}
	transports := map[domain.Transport]Transport{
		domain.TransportSMS:   &fakeTransport{},
		domain.TransportEmail: &fakeTransport{},
		domain.TransportPush:  &fakeTransport{},
	}
	svc := NewFanoutService(store, transports, newTestRegistry(), nil)

	svc.Handle(context.Background(), domain.Alert{ID: "a-1", PatientID: "pt-1", Severity: domain.SeverityCritical})

	deliveries := store.deliveries()
	if len(deliveries) != 3 {
		t.Fatalf("expected 3 deliveries for CRITICAL severity, got %d", len(deliveries))
	}
	for _, d := range deliveries {
		if d.Status != domain.AlertDeliverySent {
			t.Fatalf("expected delivery sent, got %s", d.Status)
		}
	}
}

func TestFanoutHighSeverityExcludesEmail(t *testing.T) {
	store := newFakeCaregiverStore()
	store.caregivers["pt-1"] = []domain.Caregiver{
		{ID: "cg-1", PhoneVerified: true, Phone: "+15551234567", EmailVerified: true, Email: "a@b.com", PushDeviceIDs: []string{"dev-1"}},
	}
	transports := map[domain.Transport]Transport{
		domain.TransportSMS:   &fakeTransport{},
		domain.TransportEmail: &fakeTransport{},
		domain.TransportPush:  &fakeTransport{},
	}
	svc := NewFanoutService(store, transports, newTestRegistry(), nil)

	svc.Handle(context.Background(), domain.Alert{ID: "a-2", PatientID: "pt-1", Severity: domain.SeverityHigh})

	deliveries := store.deliveries()
	if len(deliveries) != 2 {
		t.Fatalf("expected 2 deliveries for HIGH severity (sms+push), got %d", len(deliveries))
	}
	for _, d := range deliveries {
		if d.Transport == domain.TransportEmail {
			t.Fatalf("HIGH severity must not dispatch email")
		}
	}
}

func TestFanoutSkipsUnverifiedChannel(t *testing.T) {
	store := newFakeCaregiverStore()
	store.caregivers["pt-1"] = []domain.Caregiver{
		{ID: "cg-1", PhoneVerified: false, EmailVerified: true, Email: "a@b.com"},
	}
	transports := map[domain.Transport]Transport{
		domain.TransportSMS:   &fakeTransport{},
		domain.TransportEmail: &fakeTransport{},
		domain.TransportPush:  &fakeTransport{},
	}
	svc := NewFanoutService(store, transports, newTestRegistry(), nil)

	svc.Handle(context.Background(), domain.Alert{ID: "a-3", PatientID: "pt-1", Severity: domain.SeverityMedium})

	deliveries := store.deliveries()
	if len(deliveries) != 1 {
		t.Fatalf("expected 1 delivery (email only, no verified phone/push), got %d", len(deliveries))
	}
	if deliveries[0].Transport != domain.TransportEmail {
		t.Fatalf("expected email delivery, got %s", deliveries[0].Transport)
	}
}

func TestFanoutNoEligibleRecipientIncrementsMetric(t *testing.T) {
	store := newFakeCaregiverStore()
	store.caregivers["pt-1"] = []domain.Caregiver{{ID: "cg-1"}} // no verified channels at all
	transports := map[domain.Transport]Transport{
		domain.TransportSMS:   &fakeTransport{},
		domain.TransportEmail: &fakeTransport{},
		domain.TransportPush:  &fakeTransport{},
	}
	reg := newTestRegistry()
	svc := NewFanoutService(store, transports, reg, nil)

	before := testutil.ToFloat64(reg.NoEligibleRecipient)
	svc.Handle(context.Background(), domain.Alert{ID: "a-4", PatientID: "pt-1", Severity: domain.SeverityCritical})
	after := testutil.ToFloat64(reg.NoEligibleRecipient)

	if after != before+1 {
		t.Fatalf("expected NoEligibleRecipient to increment by 1, got before=%v after=%v", before, after)
	}
	if len(store.deliveries()) != 0 {
		t.Fatalf("expected no delivery records when no channel is eligible")
	}
}

func TestFanoutFailedTransportStillRecordsDelivery(t *testing.T) {
	store := newFakeCaregiverStore()
	store.caregivers["pt-1"] = []domain.Caregiver{
		{ID: "cg-1", PhoneVerified: true, Phone: "+15551234567"},
	}
	transports := map[domain.Transport]Transport{
		domain.TransportSMS: &fakeTransport{fail: true},
	}
	svc := NewFanoutService(store, transports, newTestRegistry(), nil)

	svc.Handle(context.Background(), domain.Alert{ID: "a-5", PatientID: "pt-1", Severity: domain.SeverityHigh})

	deliveries := store.deliveries()
	if len(deliveries) != 1 {
		t.Fatalf("expected 1 delivery record even on transport failure, got %d", len(deliveries))
	}
	if deliveries[0].Status != domain.AlertDeliveryFailed {
		t.Fatalf("expected failed status, got %s", deliveries[0].Status)
	}
}
