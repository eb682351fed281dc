package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/careline/engine/internal/aisession"
	"github.com/careline/engine/internal/domain"
	"github.com/careline/engine/internal/events"
	"github.com/careline/engine/internal/store"
)

// eventKind discriminates the events a call's mailbox accepts. The
// mailbox is the teacher's bounded frame-channel idiom (session.Channel's
// Inbound()/Send() pair) generalized from RTP frames to the Orchestrator's
// own progress/session/command vocabulary.
type eventKind int

const (
	evProgress eventKind = iota
	evChannelAnswered
	evUserTranscript
	evAssistantTranscript
	evSessionFatal
	evEndCall
	evTimeout
)

type callEvent struct {
	kind       eventKind
	status     string // telephony progress status, for evProgress
	occurredAt time.Time
	channelID  string // for evChannelAnswered
	text       string // for evUserTranscript/evAssistantTranscript
	err        error  // for evSessionFatal
}

// call is one live Conversation's state machine, run entirely on its own
// goroutine so the transition table's side effects (store writes, session
// open/close, notification fan-out) never race another call's.
type call struct {
	o    *Orchestrator
	conv *domain.Conversation
	org  domain.Organization

	patient  domain.Patient
	language string
	agentID  string

	callSid   string
	channelID string

	mailbox chan callEvent

	session AISession
	audio   AudioStream
	pumpCtx context.Context
	cancel  context.CancelFunc

	log *zap.Logger
}

func newCall(o *Orchestrator, conv *domain.Conversation, patient domain.Patient, org domain.Organization, language string) *call {
	ctx, cancel := context.WithCancel(context.Background())
	return &call{
		o:        o,
		conv:     conv,
		org:      org,
		patient:  patient,
		language: language,
		agentID:  conv.AgentID,
		mailbox:  make(chan callEvent, 32),
		pumpCtx:  ctx,
		cancel:   cancel,
		log:      o.log.With(zap.String("conversation_id", conv.ID)),
	}
}

// send enqueues an event for the call's run loop, dropping it if the
// mailbox is full rather than blocking the publisher that produced it
// (every event kind here is either re-derivable or safely ignorable —
// a dropped progress update is superseded by the next one, and a dropped
// transcript event is exceedingly unlikely given the 32-deep buffer).
func (c *call) send(ev callEvent) {
	select {
	case c.mailbox <- ev:
	default:
		c.log.Warn("call mailbox full, dropping event", zap.Int("kind", int(ev.kind)))
	}
}

func (c *call) greeting() string {
	return fmt.Sprintf("Hello %s, this is your scheduled wellness check-in.", c.patient.ID)
}

// run drives the state machine from Initiated through to a terminal
// status. It owns the call's timers (ring timeout, silence timeout, max
// duration) alongside the mailbox loop, per the transition table's
// "no audio for silenceTimeout" / "no answer for ringTimeout" edges.
func (c *call) run() {
	defer c.o.forget(c.callSid)
	defer c.cancel()

	status := domain.CallStatusInitiated
	ringTimer := time.NewTimer(c.o.cfg.RingTimeout)
	defer ringTimer.Stop()

	var silenceTimer *time.Timer
	var maxDurationTimer *time.Timer
	stopSilence := func() {
		if silenceTimer != nil {
			silenceTimer.Stop()
		}
	}
	stopMaxDuration := func() {
		if maxDurationTimer != nil {
			maxDurationTimer.Stop()
		}
	}
	defer stopSilence()
	defer stopMaxDuration()

	for {
		var ringCh, silenceCh, maxDurationCh <-chan time.Time
		if ringTimer != nil {
			ringCh = ringTimer.C
		}
		if silenceTimer != nil {
			silenceCh = silenceTimer.C
		}
		if maxDurationTimer != nil {
			maxDurationCh = maxDurationTimer.C
		}

		select {
		case ev := <-c.mailbox:
			next, done := c.handle(status, ev)
			if done {
				return
			}
			if next != status {
				if status == domain.CallStatusRinging && next == domain.CallStatusInProgress {
					ringTimer.Stop()
					ringTimer = nil
					silenceTimer = time.NewTimer(c.o.cfg.SilenceTimeout)
					maxDurationTimer = time.NewTimer(c.o.cfg.MaxCallDuration)
				}
				status = next
			}
			if ev.kind == evUserTranscript || ev.kind == evAssistantTranscript {
				if silenceTimer != nil {
					silenceTimer.Stop()
					silenceTimer = time.NewTimer(c.o.cfg.SilenceTimeout)
				}
			}

		case <-ringCh:
			c.terminate(status, domain.CallStatusFailed, "ring timeout exceeded")
			return

		case <-silenceCh:
			c.terminate(status, domain.CallStatusFailed, "silence timeout exceeded")
			return

		case <-maxDurationCh:
			c.terminate(status, domain.CallStatusCompleted, "max call duration reached")
			return
		}
	}
}

// handle applies one event to the state machine per the transition table,
// returning the resulting status and whether the call is now terminal
// (having already run its own cleanup and persistence).
func (c *call) handle(status domain.CallStatus, ev callEvent) (domain.CallStatus, bool) {
	switch ev.kind {
	case evEndCall:
		c.terminate(status, domain.CallStatusCancelled, "ended by agent")
		return domain.CallStatusCancelled, true

	case evSessionFatal:
		c.log.Warn("session fatal error", zap.Error(ev.err))
		c.terminate(status, domain.CallStatusFailed, "session error: "+errString(ev.err))
		return domain.CallStatusFailed, true

	case evProgress:
		return c.handleProgress(status, ev)

	case evChannelAnswered:
		if status != domain.CallStatusRinging {
			return status, false
		}
		c.channelID = ev.channelID
		if err := c.o.store.SetAsteriskChannelID(c.pumpCtx, c.conv.ID, ev.channelID); err != nil {
			c.log.Error("failed to persist channel id", zap.Error(err))
		}
		if err := c.openSession(); err != nil {
			c.log.Error("failed to open AI session", zap.Error(err))
			c.terminate(status, domain.CallStatusFailed, "session open failed: "+err.Error())
			return domain.CallStatusFailed, true
		}
		c.updateStatus(domain.CallStatusInProgress, store.StatusUpdate{})
		return domain.CallStatusInProgress, false

	case evUserTranscript:
		if status != domain.CallStatusInProgress {
			return status, false
		}
		if _, err := c.o.store.AppendMessage(c.pumpCtx, c.conv.ID, domain.MessageRolePatient, ev.text); err != nil {
			c.log.Error("failed to append patient message", zap.Error(err))
		}
		if c.o.detector != nil {
			c.o.detector.Submit(c.patient, c.conv.ID, ev.text)
		}
		return status, false

	case evAssistantTranscript:
		if status != domain.CallStatusInProgress {
			return status, false
		}
		if _, err := c.o.store.AppendMessage(c.pumpCtx, c.conv.ID, domain.MessageRoleAssistant, ev.text); err != nil {
			c.log.Error("failed to append assistant message", zap.Error(err))
		}
		return status, false
	}
	return status, false
}

func (c *call) handleProgress(status domain.CallStatus, ev callEvent) (domain.CallStatus, bool) {
	switch ev.status {
	case "ringing":
		if status != domain.CallStatusInitiated {
			return status, false
		}
		c.updateStatus(domain.CallStatusRinging, store.StatusUpdate{})
		return domain.CallStatusRinging, false

	case "answered":
		// Ringing -> InProgress is actually driven by evChannelAnswered
		// (the Bridge Adapter's own answer notification), not the
		// telephony provider's progress callback; an "answered" progress
		// event alone does not yet have a channel to attach a session to.
		return status, false

	case "busy", "no_answer", "failed":
		if status.Terminal() {
			return status, false
		}
		outcome := domain.CallStatusMissed
		if ev.status == "failed" {
			outcome = domain.CallStatusFailed
		}
		c.terminate(status, outcome, "provider reported "+ev.status)
		return outcome, true

	case "ended":
		if status != domain.CallStatusInProgress {
			return status, false
		}
		c.terminate(status, domain.CallStatusCompleted, "")
		return domain.CallStatusCompleted, true
	}
	return status, false
}

// openSession dials the Realtime AI Session and the Bridge Adapter audio
// duplex, then starts the two-way audio pump between them.
func (c *call) openSession() error {
	sess, err := c.o.sessions.Open(c.pumpCtx, c.callSid, c.patient, c.language)
	if err != nil {
		return fmt.Errorf("open ai session: %w", err)
	}
	audio, err := c.o.bridge.StreamAudio(c.pumpCtx, c.channelID)
	if err != nil {
		sess.Close(context.Background())
		return fmt.Errorf("open bridge audio: %w", err)
	}
	c.session = sess
	c.audio = audio

	go c.pumpBridgeToSession()
	go c.pumpSessionEvents()
	return nil
}

// pumpBridgeToSession forwards patient PCM from the Bridge Adapter into
// the AI session, the teacher's forwardDTMF relay loop generalized to PCM.
func (c *call) pumpBridgeToSession() {
	for {
		pcm, err := c.audio.Recv()
		if err != nil {
			return
		}
		if err := c.session.AudioAppend(pcm); err != nil {
			c.log.Warn("audioAppend failed", zap.Error(err))
			return
		}
	}
}

// pumpSessionEvents drains the AI session's event channel, relaying
// audio.delta frames back out to the Bridge Adapter and translating
// transcript/error events into mailbox events for the state machine.
func (c *call) pumpSessionEvents() {
	for ev := range c.session.Events() {
		switch ev.Kind {
		case aisession.KindAudioDelta:
			if err := c.audio.Send(ev.AudioPCM); err != nil {
				c.log.Warn("bridge send failed", zap.Error(err))
			}
		case aisession.KindUserTranscriptCompleted:
			c.send(callEvent{kind: evUserTranscript, text: ev.Text})
		case aisession.KindAssistantTranscriptCompleted:
			c.send(callEvent{kind: evAssistantTranscript, text: ev.Text})
		case aisession.KindError:
			if !ev.Resumable {
				c.send(callEvent{kind: evSessionFatal, err: ev.Err})
				return
			}
		}
	}
}

func (c *call) updateStatus(status domain.CallStatus, upd store.StatusUpdate) {
	if err := c.o.store.UpdateCallStatus(c.pumpCtx, c.conv.ID, status, upd); err != nil {
		c.log.Error("failed to persist status transition", zap.Error(err), zap.String("status", string(status)))
	}
	if c.o.metrics != nil && status.Terminal() {
		c.o.metrics.CallsTotal.WithLabelValues(string(status)).Inc()
		if upd.Duration != nil {
			c.o.metrics.CallDuration.WithLabelValues(string(status)).Observe(float64(*upd.Duration))
		}
	}
}

// terminate runs the cleanup-ordering guarantee: hangup telephony, close
// the SIP channel, close the AI session, persist terminal fields. Every
// step is independently idempotent so a retry of terminate (or the
// janitor sweep catching an orphan later) never double-applies harm.
func (c *call) terminate(from, to domain.CallStatus, notes string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.o.cfg.ForceCloseGrace)
	defer cancel()

	if c.callSid != "" {
		if err := c.o.telephony.Hangup(ctx, c.callSid); err != nil {
			c.log.Warn("hangup failed", zap.Error(err))
		}
	}
	if c.channelID != "" {
		if err := c.o.bridge.CloseChannel(ctx, c.channelID); err != nil {
			c.log.Warn("closeChannel failed", zap.Error(err))
		}
	}
	if c.session != nil {
		// Transcript messages are appended as each one completes (see
		// pumpSessionEvents), so closing here never loses anything beyond
		// whatever the model had not yet finished saying.
		if err := c.session.Close(ctx); err != nil {
			c.log.Warn("session close failed", zap.Error(err))
		}
	}
	if c.audio != nil {
		c.audio.Close()
	}

	now := time.Now().UTC()
	duration := int64(now.Sub(c.conv.StartTime).Seconds())
	if duration < 0 {
		duration = 0
	}
	connected := from == domain.CallStatusInProgress || from == domain.CallStatusCompleted
	cost := store.ComputeCost(duration, connected, c.org.RatePerMinute, c.o.cfg.MinimumBillableSeconds, c.org.RetrySettings.AlertOnAllMissedCalls)
	outcome := string(to)

	c.updateStatus(to, store.StatusUpdate{
		EndTime:  &now,
		Duration: &duration,
		Cost:     &cost,
		Outcome:  &outcome,
		Notes:    &notes,
	})

	c.conv.Status = to
	c.conv.EndTime = now
	c.conv.Duration = duration
	c.conv.Cost = cost

	talkMs := int64(0)
	if connected {
		talkMs = duration * 1000
	}
	ev := c.o.builder.CallEnded(c.conv.ID, "", endReasonFor(to, notes), talkMs)
	ev.DispositionCode = dispositionFor(to, notes)
	ev.TotalDurationMs = talkMs
	ev.BillableDurationMs = talkMs
	c.o.publisher.PublishAsync(ev)

	c.o.maybeScheduleRetry(ctx, c)
}

// endReasonFor classifies a terminal CallStatus (plus the free-text notes
// terminate was given) into the CallEndedEvent's EndReason enum.
func endReasonFor(to domain.CallStatus, notes string) events.EndReason {
	switch to {
	case domain.CallStatusCompleted:
		return events.EndReasonNormal
	case domain.CallStatusCancelled:
		return events.EndReasonCancelled
	case domain.CallStatusMissed:
		if strings.Contains(notes, "busy") {
			return events.EndReasonBusy
		}
		return events.EndReasonNoAnswer
	default:
		if strings.Contains(notes, "timeout") {
			return events.EndReasonTimeout
		}
		return events.EndReasonError
	}
}

// dispositionFor is the CDR-style disposition code for the same terminal
// status, independent of (but consistent with) endReasonFor.
func dispositionFor(to domain.CallStatus, notes string) string {
	switch to {
	case domain.CallStatusCompleted:
		return events.DispositionAnswered
	case domain.CallStatusCancelled:
		return events.DispositionCanceled
	case domain.CallStatusMissed:
		if strings.Contains(notes, "busy") {
			return events.DispositionBusy
		}
		return events.DispositionNoAnswer
	default:
		return events.DispositionFailed
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
