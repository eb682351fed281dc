// Package dialog tracks the lifecycle of a single SIP dialog between the
// Bridge Adapter and the telephony provider's media gateway, following the
// teacher's split between the dialog state machine (this file and state.go)
// and the registry that owns it (manager.go).
package dialog

import (
	"context"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// DialogDirection records which side sent the initial INVITE.
type DialogDirection int

const (
	// DirectionInbound means the provider's gateway called us.
	DirectionInbound DialogDirection = iota
	// DirectionOutbound means the Adapter originated the INVITE, used when
	// OpenChannel places a new leg toward the media gateway.
	DirectionOutbound
)

// Dialog is one SIP dialog's mutable state: its identity per RFC 3261
// §12, its CallState, and the negotiated media endpoint once answered.
type Dialog struct {
	mu sync.RWMutex

	CallID    string
	LocalTag  string
	RemoteTag string
	Direction DialogDirection

	State           CallState
	StateChangedAt  time.Time
	TerminateReason TerminateReason

	InviteRequest  *sip.Request
	InviteResponse *sip.Response
	Transaction    sip.ServerTransaction
	Session        *sipgo.DialogServerSession

	// SessionID correlates this dialog to the media session opened through
	// bridgepb.OpenChannelResponse.
	SessionID  string
	RemoteAddr string
	RemotePort int
	Codec      string

	// CallSid and PatientID correlate this dialog back to the
	// Conversation the telephony provider placed the call for. The
	// provider attaches both as Request-URI parameters on the INVITE;
	// CreateFromInvite extracts them once and they ride with the Dialog
	// for its whole lifetime so any later stage (event publishing, Info
	// for the API, cleanup logging) can read them without re-parsing SIP
	// headers.
	CallSid   string
	PatientID string

	CreatedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDialog builds an inbound Dialog from a received INVITE.
func NewDialog(req *sip.Request, tx sip.ServerTransaction) *Dialog {
	ctx, cancel := context.WithCancel(context.Background())

	callID := ""
	if req.CallID() != nil {
		callID = req.CallID().String()
	}

	var remoteTag string
	if from := req.From(); from != nil {
		remoteTag = from.Params["tag"]
	}

	now := time.Now()
	return &Dialog{
		CallID:         callID,
		RemoteTag:      remoteTag,
		Direction:      DirectionInbound,
		State:          StateInitial,
		StateChangedAt: now,
		InviteRequest:  req,
		Transaction:    tx,
		CreatedAt:      now,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// NewOutboundDialog builds a Dialog for a leg the Adapter itself originates.
func NewOutboundDialog(callID string) *Dialog {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &Dialog{
		CallID:         callID,
		Direction:      DirectionOutbound,
		State:          StateInitial,
		StateChangedAt: now,
		CreatedAt:      now,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// SetSession attaches the sipgo dialog session created once we answer.
func (d *Dialog) SetSession(s *sipgo.DialogServerSession) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Session = s
	if s != nil {
		d.LocalTag = s.ID
	}
}

// SetInviteResponse stores the 200 OK we sent, needed to build BYE/CANCEL
// responses that echo its To tag and Contact.
func (d *Dialog) SetInviteResponse(resp *sip.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.InviteResponse = resp
	if resp != nil {
		if to := resp.To(); to != nil {
			d.LocalTag = to.Params["tag"]
		}
	}
}

// SetSessionID records the media session handle negotiated via OpenChannel.
func (d *Dialog) SetSessionID(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.SessionID = sessionID
}

// GetSessionID returns the media session handle, if any.
func (d *Dialog) GetSessionID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.SessionID
}

// SetCorrelation records the callSid/patientId the provider attached to
// the Request-URI, extracted once by CreateFromInvite.
func (d *Dialog) SetCorrelation(callSid, patientID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallSid = callSid
	d.PatientID = patientID
}

// GetCorrelation returns the callSid/patientId this dialog was created
// with, if any.
func (d *Dialog) GetCorrelation() (callSid, patientID string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.CallSid, d.PatientID
}

// SetMediaEndpoint records the negotiated remote RTP endpoint and codec.
func (d *Dialog) SetMediaEndpoint(addr string, port int, codec string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.RemoteAddr = addr
	d.RemotePort = port
	d.Codec = codec
}

// GetMediaEndpoint returns the negotiated remote RTP endpoint and codec.
func (d *Dialog) GetMediaEndpoint() (addr string, port int, codec string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.RemoteAddr, d.RemotePort, d.Codec
}

// GetState returns the dialog's current CallState.
func (d *Dialog) GetState() CallState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.State
}

// TransitionTo moves the dialog to next, rejecting moves CallState forbids.
func (d *Dialog) TransitionTo(next CallState) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.State.CanTransitionTo(next) {
		return &invalidTransitionError{from: d.State, to: next}
	}
	d.State = next
	d.StateChangedAt = time.Now()
	return nil
}

// Context is cancelled once the dialog terminates, signalling any media
// goroutine bound to this call to stop forwarding frames.
func (d *Dialog) Context() context.Context {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ctx
}

// Cancel stops the dialog's context immediately.
func (d *Dialog) Cancel() {
	d.mu.RLock()
	cancel := d.cancel
	d.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// IsTerminated reports whether the dialog has reached StateTerminated.
func (d *Dialog) IsTerminated() bool {
	return d.GetState().IsTerminal()
}

type invalidTransitionError struct {
	from, to CallState
}

func (e *invalidTransitionError) Error() string {
	return "dialog: invalid transition from " + e.from.String() + " to " + e.to.String()
}
