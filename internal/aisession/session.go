// Package aisession implements the Realtime AI Session: one outbound
// WebSocket duplex per call to the realtime voice provider, forwarding
// audio in and out and surfacing transcript and speech-boundary events.
//
// The session owns a single atomic "generation epoch" counter (the
// teacher's atomic.Uint32/atomic.Uint64 counter idiom, seen in
// dialog.Dialog's localCSeq and b2bua's callbackIDCounter) to implement
// barge-in: cancel() bumps the epoch, and any audio.delta frame belonging
// to a turn that started under an older epoch is dropped at the Session
// boundary instead of being forwarded to the Bridge Adapter.
package aisession

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"

	"github.com/careline/engine/internal/domain"
	"github.com/careline/engine/internal/errs"
)

// Config tunes one Session's dial target and backpressure behavior.
type Config struct {
	Endpoint        string
	APIKey          string
	ReconnectWindow time.Duration
	DialTimeout     time.Duration
	SendBufferSize  int
	EventBufferSize int

	// Dialer is overridable so tests can point at an httptest server.
	Dialer *websocket.Dialer
}

func (c Config) withDefaults() Config {
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.SendBufferSize == 0 {
		c.SendBufferSize = 32
	}
	if c.EventBufferSize == 0 {
		c.EventBufferSize = 64
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{HandshakeTimeout: c.DialTimeout}
	}
	return c
}

// Session is the Go-facing handle spec §4.C calls "open(callSid,
// patientProfile, language) → session". Outbound commands are plain
// methods; inbound events arrive on Events().
type Session struct {
	cfg      Config
	callSid  string
	patient  domain.Patient
	language string
	logger   *slog.Logger
	breaker  *gobreaker.CircuitBreaker

	connMu sync.Mutex
	conn   *websocket.Conn

	epoch     atomic.Uint64 // bumped on every cancel()
	turnEpoch atomic.Uint64 // epoch the in-flight assistant turn started under; 0 = no active turn

	outbound   chan wireEnvelope
	events     chan Event
	interrupts chan struct{}

	partialAssistant strings.Builder // owned by readPump only

	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// Open dials the realtime voice provider and declares session state for
// callSid, blocking until the connection is established or cfg.DialTimeout
// elapses.
func Open(ctx context.Context, cfg Config, callSid string, patient domain.Patient, language string) (*Session, error) {
	cfg = cfg.withDefaults()

	s := &Session{
		cfg:        cfg,
		callSid:    callSid,
		patient:    patient,
		language:   language,
		logger:     slog.Default().With("component", "aisession", "call_sid", callSid),
		outbound:   make(chan wireEnvelope, cfg.SendBufferSize),
		events:     make(chan Event, cfg.EventBufferSize),
		interrupts: make(chan struct{}, 1),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	// Epoch 0 is reserved for turnEpoch's "no active turn" sentinel.
	s.epoch.Store(1)
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "aisession-dial-" + callSid,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})

	conn, err := s.dial(ctx)
	if err != nil {
		return nil, errs.Terminal("aisession.open", err)
	}
	s.conn = conn

	if err := s.declareSessionState(0); err != nil {
		conn.Close()
		return nil, errs.Terminal("aisession.open", err)
	}

	go s.writePump()
	go s.readPump()

	return s, nil
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	result, err := s.breaker.Execute(func() (interface{}, error) {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+s.cfg.APIKey)

		dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
		defer cancel()

		conn, _, err := s.cfg.Dialer.DialContext(dialCtx, s.cfg.Endpoint, header)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, errs.Transient("aisession.dial", err)
		}
		return nil, err
	}
	return result.(*websocket.Conn), nil
}

func (s *Session) declareSessionState(resumedGeneration uint64) error {
	data, err := json.Marshal(sessionStateData{
		CallSid:           s.callSid,
		PatientID:         s.patient.ID,
		PatientMedical:    s.patient.MedicalNotes,
		Language:          s.language,
		ResumedGeneration: resumedGeneration,
	})
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	return s.writeEnvelope(wireEnvelope{Type: "session.update", Data: data})
}

func (s *Session) writeEnvelope(env wireEnvelope) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(env)
}

// Events returns the inbound event stream: audioDelta, transcript, and
// speech-boundary events, per spec §4.C.
func (s *Session) Events() <-chan Event { return s.events }

// Interrupts fires once per barge-in: a signal to the Bridge Adapter to
// flush its outbound jitter queue.
func (s *Session) Interrupts() <-chan struct{} { return s.interrupts }

// AudioAppend forwards one inbound PCM frame to the model.
func (s *Session) AudioAppend(pcm []byte) error {
	data, err := json.Marshal(audioFrameData{PCM: pcm})
	if err != nil {
		return fmt.Errorf("marshal audio frame: %w", err)
	}
	return s.enqueue(wireEnvelope{Type: wireAudioAppend, Data: data})
}

// Commit signals the model that the current audio turn is complete and a
// response should be generated.
func (s *Session) Commit() error {
	return s.enqueue(wireEnvelope{Type: wireAudioCommit})
}

// Cancel bumps the generation epoch and asks the model to stop the
// in-flight response. Any audio.delta already in flight for the
// now-stale turn is dropped by readPump instead of reaching the Adapter.
func (s *Session) Cancel() {
	s.epoch.Add(1)
	_ = s.enqueue(wireEnvelope{Type: wireResponseCancel})
}

// Interrupt signals the Bridge Adapter to flush its jitter queue, without
// touching the wire. Used for barge-in; exposed directly so a caller that
// detects an interrupt condition outside the normal speechStarted path
// (e.g. an explicit agent hangup) can still flush playback.
func (s *Session) Interrupt() {
	select {
	case s.interrupts <- struct{}{}:
	default:
	}
}

func (s *Session) enqueue(env wireEnvelope) error {
	select {
	case s.outbound <- env:
		return nil
	case <-s.done:
		return errs.Terminal("aisession.enqueue", fmt.Errorf("session closed"))
	default:
		return errs.Transient("aisession.enqueue", errs.ErrQueueOverflow)
	}
}

// Close cancels in-flight generation and drains the inbound queue with a
// bounded deadline, per spec §4.C.
func (s *Session) Close(ctx context.Context) error {
	s.Cancel()

	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.connMu.Lock()
		if s.conn != nil {
			err = s.conn.Close()
		}
		s.connMu.Unlock()
	})

	select {
	case <-s.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (s *Session) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case env := <-s.outbound:
			if err := s.writeEnvelope(env); err != nil {
				s.logger.Warn("write failed", "error", err)
			}
		case <-ticker.C:
			s.connMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			_ = s.conn.WriteMessage(websocket.PingMessage, nil)
			s.connMu.Unlock()
		}
	}
}

func (s *Session) readPump() {
	defer close(s.stopped)

	for {
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()

		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}

			if s.reconnect() {
				continue
			}
			s.flushFatal(err)
			return
		}

		var env wireEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.logger.Warn("malformed event envelope", "error", err)
			continue
		}
		s.handle(env)
	}
}

// reconnect retries the dial until cfg.ReconnectWindow elapses, per the
// teacher's Pool.healthChecker retry cadence, then re-declares session
// state so the model can resume the conversation in place.
func (s *Session) reconnect() bool {
	deadline := time.Now().Add(s.cfg.ReconnectWindow)
	backoff := 250 * time.Millisecond

	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DialTimeout)
		conn, err := s.dial(ctx)
		cancel()
		if err == nil {
			s.connMu.Lock()
			s.conn = conn
			s.connMu.Unlock()

			if err := s.declareSessionState(s.epoch.Load()); err != nil {
				s.logger.Warn("failed to re-declare session state after reconnect", "error", err)
				continue
			}
			s.logger.Info("reconnected")
			return true
		}

		select {
		case <-s.done:
			return false
		case <-time.After(backoff):
		}
		if backoff < 4*time.Second {
			backoff *= 2
		}
	}
	return false
}

func (s *Session) flushFatal(cause error) {
	if s.partialAssistant.Len() > 0 {
		s.emit(Event{Kind: KindAssistantTranscriptCompleted, Text: s.partialAssistant.String()})
		s.partialAssistant.Reset()
	}
	s.emit(Event{Kind: KindError, Err: errs.New(errs.KindTerminal, "aisession.unresumable", fmt.Errorf("%w: %v", errs.ErrUnresumable, cause))})
}

func (s *Session) handle(env wireEnvelope) {
	switch env.Type {
	case wireAudioDelta:
		s.handleAudioDelta(env.Data)
	case wireTranscriptPartial:
		s.handleTranscriptPartial(env.Data)
	case wireTranscriptComplete:
		s.handleTranscriptComplete(env.Data)
	case wireSpeechStarted:
		s.handleSpeechStarted()
	case wireSpeechStopped:
		s.handleSpeechStopped()
	case wireError:
		s.handleError(env.Data)
	default:
		s.logger.Warn("unknown event type", "type", env.Type)
	}
}

func (s *Session) handleAudioDelta(raw json.RawMessage) {
	var data audioFrameData
	if err := json.Unmarshal(raw, &data); err != nil {
		s.logger.Warn("malformed audio.delta", "error", err)
		return
	}

	current := s.epoch.Load()
	turn := s.turnEpoch.Load()
	if turn == 0 {
		s.turnEpoch.CompareAndSwap(0, current)
		turn = current
	}
	if turn != current {
		// Late frame for a turn cancelled by a subsequent barge-in; drop.
		return
	}

	s.emit(Event{Kind: KindAudioDelta, AudioPCM: data.PCM})
}

func (s *Session) handleTranscriptPartial(raw json.RawMessage) {
	var data transcriptData
	if err := json.Unmarshal(raw, &data); err != nil {
		s.logger.Warn("malformed transcript.partial", "error", err)
		return
	}
	if data.Role == roleUser {
		s.emit(Event{Kind: KindUserTranscriptPartial, Text: data.Text})
		return
	}
	s.partialAssistant.Reset()
	s.partialAssistant.WriteString(data.Text)
}

func (s *Session) handleTranscriptComplete(raw json.RawMessage) {
	var data transcriptData
	if err := json.Unmarshal(raw, &data); err != nil {
		s.logger.Warn("malformed transcript.completed", "error", err)
		return
	}
	if data.Role == roleUser {
		s.emit(Event{Kind: KindUserTranscriptCompleted, Text: data.Text})
		return
	}
	s.partialAssistant.Reset()
	s.emit(Event{Kind: KindAssistantTranscriptCompleted, Text: data.Text})
}

func (s *Session) handleSpeechStarted() {
	if turn := s.turnEpoch.Load(); turn != 0 && turn == s.epoch.Load() {
		// The model is still producing audio for a prior turn: this is a
		// barge-in. Cancel it and tell the Adapter to flush its jitter queue.
		s.Cancel()
		s.Interrupt()
	}
	s.emit(Event{Kind: KindSpeechStarted})
}

func (s *Session) handleSpeechStopped() {
	// The patient's turn is over: the model's next audio.delta opens a new
	// assistant turn under the current epoch.
	s.turnEpoch.Store(0)
	s.emit(Event{Kind: KindSpeechStopped})
}

func (s *Session) handleError(raw json.RawMessage) {
	var data errorData
	if err := json.Unmarshal(raw, &data); err != nil {
		s.logger.Warn("malformed error event", "error", err)
		return
	}
	s.emit(Event{Kind: KindError, Err: fmt.Errorf("provider error: %s", data.Message), Resumable: data.Resumable})
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
