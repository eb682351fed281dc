package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/careline/engine/internal/aisession"
	"github.com/careline/engine/internal/domain"
	"github.com/careline/engine/internal/store"
	"github.com/careline/engine/internal/telephony"
)

// --- fakes -----------------------------------------------------------

type fakeTelephony struct {
	mu       sync.Mutex
	placed   []telephony.PlaceCallRequest
	hungUp   []string
	placeErr error
	callSid  string
}

func (f *fakeTelephony) PlaceCall(_ context.Context, req telephony.PlaceCallRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	if f.placeErr != nil {
		return "", f.placeErr
	}
	sid := f.callSid
	if sid == "" {
		sid = "CA-test"
	}
	return sid, nil
}

func (f *fakeTelephony) Hangup(_ context.Context, callSid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hungUp = append(f.hungUp, callSid)
	return nil
}

type fakeAISession struct {
	events  chan aisession.Event
	closed  bool
	appends [][]byte
}

func newFakeAISession() *fakeAISession {
	return &fakeAISession{events: make(chan aisession.Event, 16)}
}

func (f *fakeAISession) Events() <-chan aisession.Event { return f.events }
func (f *fakeAISession) AudioAppend(pcm []byte) error {
	f.appends = append(f.appends, pcm)
	return nil
}
func (f *fakeAISession) Commit() error { return nil }
func (f *fakeAISession) Cancel()       {}
func (f *fakeAISession) Close(context.Context) error {
	f.closed = true
	close(f.events)
	return nil
}

type fakeAudioStream struct {
	recv   chan []byte
	sent   [][]byte
	closed bool
	mu     sync.Mutex
}

func newFakeAudioStream() *fakeAudioStream {
	return &fakeAudioStream{recv: make(chan []byte, 16)}
}

func (a *fakeAudioStream) Send(pcm []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, pcm)
	return nil
}

func (a *fakeAudioStream) Recv() ([]byte, error) {
	pcm, ok := <-a.recv
	if !ok {
		return nil, context.Canceled
	}
	return pcm, nil
}

func (a *fakeAudioStream) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.closed = true
		close(a.recv)
	}
	return nil
}

type fakeBridge struct {
	mu     sync.Mutex
	closed []string
	stream *fakeAudioStream
}

func (b *fakeBridge) StreamAudio(context.Context, string) (AudioStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stream == nil {
		b.stream = newFakeAudioStream()
	}
	return b.stream, nil
}

func (b *fakeBridge) CloseChannel(_ context.Context, channelID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = append(b.closed, channelID)
	return nil
}

type fakeStore struct {
	mu          sync.Mutex
	org         domain.Organization
	conv        *domain.Conversation
	messages    []domain.Message
	updates     []statusUpdateRecord
	channelIDs  []string
	callSids    []string
	retries     []store.CreateRetryInput
	inProgOlder []domain.Conversation
}

type statusUpdateRecord struct {
	conversationID string
	status         domain.CallStatus
	upd            store.StatusUpdate
}

func (s *fakeStore) GetOrganization(context.Context, string) (*domain.Organization, error) {
	org := s.org
	return &org, nil
}

func (s *fakeStore) OpenConversation(_ context.Context, patient domain.Patient, agentID string, initialStatus domain.CallStatus) (*domain.Conversation, error) {
	conv := &domain.Conversation{
		ID:        "conv-1",
		OrgID:     patient.OrgID,
		PatientID: patient.ID,
		AgentID:   agentID,
		Status:    initialStatus,
		StartTime: time.Now().UTC(),
	}
	s.conv = conv
	return conv, nil
}

func (s *fakeStore) SetCallSid(_ context.Context, _ string, callSid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callSids = append(s.callSids, callSid)
	return nil
}

func (s *fakeStore) SetAsteriskChannelID(_ context.Context, _ string, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelIDs = append(s.channelIDs, channelID)
	return nil
}

func (s *fakeStore) AppendMessage(_ context.Context, conversationID string, role domain.MessageRole, content string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, domain.Message{ConversationID: conversationID, Role: role, Content: content})
	return len(s.messages), nil
}

func (s *fakeStore) UpdateCallStatus(_ context.Context, conversationID string, newStatus domain.CallStatus, upd store.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, statusUpdateRecord{conversationID: conversationID, status: newStatus, upd: upd})
	return nil
}

func (s *fakeStore) GetConversation(context.Context, string) (*domain.Conversation, error) {
	return s.conv, nil
}

func (s *fakeStore) ListInProgressOlderThan(context.Context, time.Time) ([]domain.Conversation, error) {
	return s.inProgOlder, nil
}

func (s *fakeStore) CreateRetryConversation(_ context.Context, in store.CreateRetryInput) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries = append(s.retries, in)
	return &domain.Conversation{ID: "conv-retry", RetryAttempt: in.RetryAttempt, OriginalCallID: in.OriginalCallID}, nil
}

func (s *fakeStore) lastUpdate() statusUpdateRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates[len(s.updates)-1]
}

func (s *fakeStore) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

type fakeDetector struct {
	mu        sync.Mutex
	submitted []string
}

func (d *fakeDetector) Submit(_ domain.Patient, _ string, utterance string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submitted = append(d.submitted, utterance)
}

type fakeAlerts struct {
	mu     sync.Mutex
	fired  []domain.Alert
}

func (a *fakeAlerts) Fire(_ context.Context, al domain.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fired = append(a.fired, al)
}

func (a *fakeAlerts) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.fired)
}

// --- helpers -----------------------------------------------------------

func newTestOrchestrator(t *testing.T, telephony CallPlacer, bridge BridgeAudio, sessions SessionOpener, st *fakeStore, det Detector, alerts AlertSink) *Orchestrator {
	t.Helper()
	return New(Config{
		RingTimeout:     50 * time.Millisecond,
		SilenceTimeout:  200 * time.Millisecond,
		MaxCallDuration: time.Second,
		ForceCloseGrace: 50 * time.Millisecond,
	}, telephony, bridge, sessions, st, st, det, alerts, nil, nil, zap.NewNop())
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// --- tests ---------------------------------------------------------------

func TestInitiatePlaceCallFailureFailsConversation(t *testing.T) {
	tel := &fakeTelephony{placeErr: context.DeadlineExceeded}
	bridge := &fakeBridge{}
	sessions := SessionOpenerFunc(func(context.Context, string, domain.Patient, string) (AISession, error) {
		return newFakeAISession(), nil
	})
	st := &fakeStore{org: domain.Organization{RatePerMinute: 1}}
	o := newTestOrchestrator(t, tel, bridge, sessions, st, &fakeDetector{}, &fakeAlerts{})

	patient := domain.Patient{ID: "p1", OrgID: "org1", CaregiverIDs: []string{"c1"}}
	conv, err := o.Initiate(context.Background(), patient, "")
	if err != nil {
		t.Fatalf("Initiate returned error: %v", err)
	}
	if conv == nil {
		t.Fatal("expected a conversation")
	}

	waitFor(t, time.Second, func() bool { return st.updateCount() > 0 })
	last := st.lastUpdate()
	if last.status != domain.CallStatusFailed {
		t.Fatalf("expected Failed status, got %s", last.status)
	}
}

func TestFullCallLifecycleToCompleted(t *testing.T) {
	tel := &fakeTelephony{callSid: "CA-live"}
	bridge := &fakeBridge{}
	fakeSess := newFakeAISession()
	sessions := SessionOpenerFunc(func(context.Context, string, domain.Patient, string) (AISession, error) {
		return fakeSess, nil
	})
	st := &fakeStore{org: domain.Organization{RatePerMinute: 1, RetrySettings: domain.CallRetrySettings{RetryCount: 0}}}
	det := &fakeDetector{}
	o := newTestOrchestrator(t, tel, bridge, sessions, st, det, &fakeAlerts{})

	patient := domain.Patient{ID: "p1", OrgID: "org1", CaregiverIDs: []string{"c1"}}
	conv, err := o.Initiate(context.Background(), patient, "")
	if err != nil {
		t.Fatalf("Initiate error: %v", err)
	}

	o.HandleProgress(conv.CallSid, "ringing", time.Now())
	o.NotifyChannelAnswered(conv.CallSid, "chan-1")

	waitFor(t, time.Second, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.channelIDs) > 0
	})

	fakeSess.events <- aisession.Event{Kind: aisession.KindUserTranscriptCompleted, Text: "I feel fine today"}
	waitFor(t, time.Second, func() bool {
		det.mu.Lock()
		defer det.mu.Unlock()
		return len(det.submitted) == 1
	})

	o.HandleProgress(conv.CallSid, "ended", time.Now())

	waitFor(t, time.Second, func() bool {
		last := st.lastUpdate()
		return last.status == domain.CallStatusCompleted
	})

	bridge.mu.Lock()
	closedChannels := len(bridge.closed)
	bridge.mu.Unlock()
	if closedChannels == 0 {
		t.Fatal("expected CloseChannel to have been called on termination")
	}
	if len(tel.hungUp) == 0 {
		t.Fatal("expected Hangup to have been called on termination")
	}
}

func TestRingTimeoutFailsCall(t *testing.T) {
	tel := &fakeTelephony{}
	bridge := &fakeBridge{}
	sessions := SessionOpenerFunc(func(context.Context, string, domain.Patient, string) (AISession, error) {
		return newFakeAISession(), nil
	})
	st := &fakeStore{org: domain.Organization{RatePerMinute: 1}}
	o := newTestOrchestrator(t, tel, bridge, sessions, st, &fakeDetector{}, &fakeAlerts{})

	patient := domain.Patient{ID: "p1", OrgID: "org1", CaregiverIDs: []string{"c1"}}
	_, err := o.Initiate(context.Background(), patient, "")
	if err != nil {
		t.Fatalf("Initiate error: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		last := st.lastUpdate()
		return last.status == domain.CallStatusFailed
	})
}

func TestMissedCallSchedulesRetryWhenEligible(t *testing.T) {
	tel := &fakeTelephony{}
	bridge := &fakeBridge{}
	sessions := SessionOpenerFunc(func(context.Context, string, domain.Patient, string) (AISession, error) {
		return newFakeAISession(), nil
	})
	st := &fakeStore{org: domain.Organization{
		RatePerMinute: 1,
		RetrySettings: domain.CallRetrySettings{RetryCount: 2, RetryIntervalMinutes: 5},
	}}
	o := newTestOrchestrator(t, tel, bridge, sessions, st, &fakeDetector{}, &fakeAlerts{})

	patient := domain.Patient{ID: "p1", OrgID: "org1", CaregiverIDs: []string{"c1"}}
	conv, err := o.Initiate(context.Background(), patient, "")
	if err != nil {
		t.Fatalf("Initiate error: %v", err)
	}

	o.HandleProgress(conv.CallSid, "no_answer", time.Now())

	waitFor(t, time.Second, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.retries) == 1
	})
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.retries[0].RetryAttempt != 1 {
		t.Fatalf("expected retry attempt 1, got %d", st.retries[0].RetryAttempt)
	}
}

func TestMissedCallExhaustedRetriesFiresAlert(t *testing.T) {
	tel := &fakeTelephony{}
	bridge := &fakeBridge{}
	sessions := SessionOpenerFunc(func(context.Context, string, domain.Patient, string) (AISession, error) {
		return newFakeAISession(), nil
	})
	st := &fakeStore{org: domain.Organization{
		RatePerMinute: 1,
		RetrySettings: domain.CallRetrySettings{RetryCount: 0, AlertOnAllMissedCalls: true},
	}}
	alerts := &fakeAlerts{}
	o := newTestOrchestrator(t, tel, bridge, sessions, st, &fakeDetector{}, alerts)

	patient := domain.Patient{ID: "p1", OrgID: "org1", CaregiverIDs: []string{"c1"}}
	conv, err := o.Initiate(context.Background(), patient, "")
	if err != nil {
		t.Fatalf("Initiate error: %v", err)
	}

	o.HandleProgress(conv.CallSid, "no_answer", time.Now())

	waitFor(t, time.Second, func() bool { return alerts.count() == 1 })
}

func TestJanitorReapsOrphanedConversation(t *testing.T) {
	tel := &fakeTelephony{}
	bridge := &fakeBridge{}
	sessions := SessionOpenerFunc(func(context.Context, string, domain.Patient, string) (AISession, error) {
		return newFakeAISession(), nil
	})
	orphan := domain.Conversation{ID: "orphan-1", CallSid: "CA-orphan", Status: domain.CallStatusInProgress, StartTime: time.Now().Add(-time.Hour)}
	st := &fakeStore{org: domain.Organization{RatePerMinute: 1}, inProgOlder: []domain.Conversation{orphan}}
	o := newTestOrchestrator(t, tel, bridge, sessions, st, &fakeDetector{}, &fakeAlerts{})
	o.cfg.JanitorInterval = 20 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go o.Janitor(ctx)

	waitFor(t, 500*time.Millisecond, func() bool {
		return st.updateCount() > 0
	})
	last := st.lastUpdate()
	if last.conversationID != "orphan-1" || last.status != domain.CallStatusFailed {
		t.Fatalf("expected orphan-1 to be failed, got %+v", last)
	}
}
