// Package orchestrator implements the Call Orchestrator: the per-call
// state machine that binds the Telephony Gateway, SIP/Media Bridge
// Adapter, Realtime AI Session, Conversation Store, and Emergency
// Detector together for the lifetime of one call attempt.
//
// One Orchestrator process runs any number of live calls concurrently,
// each driven by its own goroutine and mailbox (the teacher's
// rtpmanager/bridge frame-channel idiom, generalized from RTP frames to
// the Orchestrator's own progress/session/command event set). The
// Orchestrator itself is the thin registry and entry point other
// components call into; a call's actual state machine lives in call.go.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/careline/engine/internal/aisession"
	"github.com/careline/engine/internal/domain"
	"github.com/careline/engine/internal/events"
	"github.com/careline/engine/internal/metrics"
	"github.com/careline/engine/internal/store"
	"github.com/careline/engine/internal/telephony"
)

// CallPlacer is the outbound telephony surface the Orchestrator drives.
// Satisfied by *telephony.Client.
type CallPlacer interface {
	PlaceCall(ctx context.Context, req telephony.PlaceCallRequest) (string, error)
	Hangup(ctx context.Context, callSid string) error
}

// AISession is the narrow slice of *aisession.Session the Orchestrator
// needs: forward audio and commands, consume events, and close cleanly.
type AISession interface {
	Events() <-chan aisession.Event
	AudioAppend(pcm []byte) error
	Commit() error
	Cancel()
	Close(ctx context.Context) error
}

// SessionOpener dials the Realtime AI Session for one call. Satisfied by
// an adapter over aisession.Open (a package function, not a method set,
// hence the indirection so tests can substitute a fake session).
type SessionOpener interface {
	Open(ctx context.Context, callSid string, patient domain.Patient, language string) (AISession, error)
}

// SessionOpenerFunc adapts a plain function to SessionOpener.
type SessionOpenerFunc func(ctx context.Context, callSid string, patient domain.Patient, language string) (AISession, error)

func (f SessionOpenerFunc) Open(ctx context.Context, callSid string, patient domain.Patient, language string) (AISession, error) {
	return f(ctx, callSid, patient, language)
}

// BridgeAudio is the Orchestrator's duplex into an open Bridge Adapter
// channel, plus the teardown call that is cleanup-ordering step (2).
// Satisfied by an adapter over bridgepb.BridgeServiceClient.
type BridgeAudio interface {
	StreamAudio(ctx context.Context, channelID string) (AudioStream, error)
	CloseChannel(ctx context.Context, channelID string) error
}

// AudioStream is one open StreamAudio duplex for a single channel.
type AudioStream interface {
	Send(pcm []byte) error
	Recv() ([]byte, error)
	Close() error
}

// ConversationStore is the persistence surface the Orchestrator drives.
// Satisfied by *store.Store.
type ConversationStore interface {
	GetOrganization(ctx context.Context, id string) (*domain.Organization, error)
	OpenConversation(ctx context.Context, patient domain.Patient, agentID string, initialStatus domain.CallStatus) (*domain.Conversation, error)
	SetCallSid(ctx context.Context, conversationID, callSid string) error
	SetAsteriskChannelID(ctx context.Context, conversationID, channelID string) error
	AppendMessage(ctx context.Context, conversationID string, role domain.MessageRole, content string) (int, error)
	UpdateCallStatus(ctx context.Context, conversationID string, newStatus domain.CallStatus, upd store.StatusUpdate) error
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	ListInProgressOlderThan(ctx context.Context, cutoff time.Time) ([]domain.Conversation, error)
}

// RetryCreator opens the next Conversation in a retry chain. Satisfied by
// *store.Store's CreateRetryConversation.
type RetryCreator interface {
	CreateRetryConversation(ctx context.Context, in store.CreateRetryInput) (*domain.Conversation, error)
}

// Detector enqueues a completed patient utterance for emergency phrase
// matching. Satisfied by *emergency.Detector.
type Detector interface {
	Submit(patient domain.Patient, conversationID, utterance string)
}

// AlertSink fans out a synthetic alert (e.g. missed_call_chain) that did
// not go through the Detector's phrase-match pipeline. Satisfied by
// whatever implements the Notification Fan-out's ingestion entry point.
type AlertSink interface {
	Fire(ctx context.Context, a domain.Alert)
}

// Config tunes one Orchestrator.
type Config struct {
	// CallbackURL is the fixed webhook URL the provider posts progress
	// events to; it carries no callSid since the Telephony Gateway's
	// webhook route is not parameterized.
	CallbackURL string
	// VoiceURLTemplate is the URL fetched for the voice-response
	// document; it must contain the literal token "{callSid}", which
	// the telephony provider substitutes before fetching (the Gateway's
	// route is parameterized on callSid, but placeCall must supply this
	// URL before a callSid exists).
	VoiceURLTemplate string

	RingTimeout     time.Duration
	SilenceTimeout  time.Duration
	MaxCallDuration time.Duration
	OrphanTimeout   time.Duration
	ForceCloseGrace time.Duration

	MinimumBillableSeconds int64

	JanitorInterval time.Duration

	Language string // default patient language when unset

	// NodeID tags every CallEndedEvent this Orchestrator instance raises,
	// for distributed tracing across a multi-process deployment.
	NodeID string
}

func (c Config) withDefaults() Config {
	if c.RingTimeout == 0 {
		c.RingTimeout = 20 * time.Second
	}
	if c.SilenceTimeout == 0 {
		c.SilenceTimeout = 30 * time.Second
	}
	if c.MaxCallDuration == 0 {
		c.MaxCallDuration = 10 * time.Minute
	}
	if c.OrphanTimeout == 0 {
		c.OrphanTimeout = 2 * c.MaxCallDuration
	}
	if c.ForceCloseGrace == 0 {
		c.ForceCloseGrace = 5 * time.Second
	}
	if c.JanitorInterval == 0 {
		c.JanitorInterval = 30 * time.Second
	}
	if c.Language == "" {
		c.Language = "en"
	}
	if c.NodeID == "" {
		c.NodeID = "orchestrator"
	}
	return c
}

// Orchestrator is the Call Orchestrator's live-call registry and the
// single implementation of telephony.ProgressHandler and
// telephony.VoiceResponseSource.
type Orchestrator struct {
	cfg Config

	telephony  CallPlacer
	bridge     BridgeAudio
	sessions   SessionOpener
	store      ConversationStore
	retryStore RetryCreator
	detector   Detector
	alerts     AlertSink
	publisher  events.Publisher
	builder    *events.Builder
	metrics    *metrics.Registry
	log        *zap.Logger

	mu   sync.RWMutex
	live map[string]*call // keyed by callSid

	stopJanitor chan struct{}
	janitorOnce sync.Once
}

// New builds an Orchestrator. Call Janitor(ctx) separately to start the
// orphan sweep.
func New(cfg Config, telephony CallPlacer, bridge BridgeAudio, sessions SessionOpener,
	store ConversationStore, retryStore RetryCreator, detector Detector, alerts AlertSink,
	publisher events.Publisher, reg *metrics.Registry, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if publisher == nil {
		publisher = events.NewNoopPublisher()
	}
	resolved := cfg.withDefaults()
	return &Orchestrator{
		cfg:         resolved,
		telephony:   telephony,
		bridge:      bridge,
		sessions:    sessions,
		store:       store,
		retryStore:  retryStore,
		detector:    detector,
		alerts:      alerts,
		publisher:   publisher,
		builder:     events.NewBuilder(resolved.NodeID),
		metrics:     reg,
		log:         log.With(zap.String("component", "orchestrator")),
		live:        make(map[string]*call),
		stopJanitor: make(chan struct{}),
	}
}

// Initiate opens a new Conversation and places the outbound call, per the
// `initiate` transition: (none) → Initiated. agentID is "" for a
// schedule-driven call, non-empty for an operator-placed manual call.
func (o *Orchestrator) Initiate(ctx context.Context, patient domain.Patient, agentID string) (*domain.Conversation, error) {
	conv, err := o.store.OpenConversation(ctx, patient, agentID, domain.CallStatusInitiated)
	if err != nil {
		return nil, fmt.Errorf("orchestrator.initiate: open conversation: %w", err)
	}
	return conv, o.place(ctx, conv, patient)
}

// InitiateExisting places the outbound call for a Conversation row that
// already exists — the Scheduler's retry-firing path, where
// retry.go's maybeScheduleRetry already created the row ahead of time
// (carrying retryAttempt/originalCallId) and only the actual placeCall
// step was deferred until retryScheduledAt.
func (o *Orchestrator) InitiateExisting(ctx context.Context, conv *domain.Conversation, patient domain.Patient) error {
	return o.place(ctx, conv, patient)
}

// place runs the shared `(none) → Initiated` → placeCall → register
// sequence for both a brand-new Conversation (Initiate) and a
// previously-created retry Conversation (InitiateExisting).
func (o *Orchestrator) place(ctx context.Context, conv *domain.Conversation, patient domain.Patient) error {
	org, err := o.store.GetOrganization(ctx, patient.OrgID)
	if err != nil {
		return fmt.Errorf("orchestrator.place: load organization: %w", err)
	}

	language := patient.PreferredLanguage
	if language == "" {
		language = o.cfg.Language
	}

	c := newCall(o, conv, patient, *org, language)

	callSid, err := o.telephony.PlaceCall(ctx, telephony.PlaceCallRequest{
		Patient:     patient,
		CallbackURL: o.cfg.CallbackURL,
		VoiceURL:    o.cfg.VoiceURLTemplate,
	})
	if err != nil {
		o.log.Warn("placeCall failed, failing conversation", zap.String("conversation_id", conv.ID), zap.Error(err))
		o.finalize(ctx, c, domain.CallStatusFailed, "placeCall failed: "+err.Error())
		return nil
	}

	conv.CallSid = callSid
	if err := o.store.SetCallSid(ctx, conv.ID, callSid); err != nil {
		o.log.Error("failed to persist call sid", zap.Error(err), zap.String("conversation_id", conv.ID))
	}
	c.callSid = callSid

	o.register(c)
	go c.run()

	return nil
}

// HandleProgress implements telephony.ProgressHandler.
func (o *Orchestrator) HandleProgress(callSid, status string, occurredAt time.Time) {
	c := o.get(callSid)
	if c == nil {
		o.log.Warn("progress for unknown call", zap.String("call_sid", callSid), zap.String("status", status))
		return
	}
	c.send(callEvent{kind: evProgress, status: status, occurredAt: occurredAt})
}

// VoiceResponseData implements telephony.VoiceResponseSource.
func (o *Orchestrator) VoiceResponseData(callSid string) (greeting, patientID string, ok bool) {
	c := o.get(callSid)
	if c == nil {
		return "", "", false
	}
	return c.greeting(), c.patient.ID, true
}

// NotifyChannelAnswered feeds the Bridge Adapter channel handle the
// Orchestrator learns asynchronously (via the SIP signaling process's
// CallAnswered event) into the live call, completing the Ringing →
// InProgress transition's "trigger Adapter to accept" side effect.
func (o *Orchestrator) NotifyChannelAnswered(callSid, channelID string) {
	c := o.get(callSid)
	if c == nil {
		o.log.Warn("channel answered for unknown call", zap.String("call_sid", callSid))
		return
	}
	c.send(callEvent{kind: evChannelAnswered, channelID: channelID})
}

// EndCall implements an operator-triggered hangup, reachable from any
// non-terminal state per the transition table.
func (o *Orchestrator) EndCall(conversationID string) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, c := range o.live {
		if c.conv.ID == conversationID {
			c.send(callEvent{kind: evEndCall})
			return
		}
	}
}

func (o *Orchestrator) register(c *call) {
	o.mu.Lock()
	o.live[c.callSid] = c
	o.mu.Unlock()
}

func (o *Orchestrator) forget(callSid string) {
	o.mu.Lock()
	delete(o.live, callSid)
	o.mu.Unlock()
}

func (o *Orchestrator) get(callSid string) *call {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.live[callSid]
}

// ConsumeAnsweredEvents drains a subscription of call.answered events
// (published by the SIP signaling process, keyed by callSid, carrying the
// Bridge Adapter's channel handle in MediaInfo.RTPSessionID) and feeds
// them to NotifyChannelAnswered until ctx is cancelled.
func (o *Orchestrator) ConsumeAnsweredEvents(ctx context.Context, sub events.Subscriber) error {
	ch, err := sub.Subscribe(ctx, "careline.calls.*.answered")
	if err != nil {
		return fmt.Errorf("orchestrator: subscribe to answered events: %w", err)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				answered, ok := ev.(*events.CallAnsweredEvent)
				if !ok || answered.MediaInfo == nil {
					continue
				}
				o.NotifyChannelAnswered(answered.CallID(), answered.MediaInfo.RTPSessionID)
			}
		}
	}()
	return nil
}

// finalize runs the cleanup-ordering guarantee of §4.F outside the normal
// call goroutine, for the placeCall-failure path where no goroutine was
// ever started.
func (o *Orchestrator) finalize(ctx context.Context, c *call, status domain.CallStatus, outcome string) {
	now := time.Now().UTC()
	zero := int64(0)
	if err := o.store.UpdateCallStatus(ctx, c.conv.ID, status, store.StatusUpdate{EndTime: &now, Duration: &zero, Outcome: &outcome}); err != nil {
		o.log.Error("failed to finalize conversation", zap.Error(err), zap.String("conversation_id", c.conv.ID))
	}
	c.conv.Status = status
	if o.metrics != nil {
		o.metrics.CallsTotal.WithLabelValues(string(status)).Inc()
		o.metrics.CallDuration.WithLabelValues(string(status)).Observe(0)
	}
	o.maybeScheduleRetry(ctx, c)
}

// Close stops the janitor sweep. Live calls are left to finish on their
// own; it does not forcibly hang any of them up.
func (o *Orchestrator) Close() {
	o.janitorOnce.Do(func() { close(o.stopJanitor) })
}
