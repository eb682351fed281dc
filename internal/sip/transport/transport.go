// Package transport abstracts the control-plane RPCs the Bridge Adapter's
// SIP side makes against its own media side (in-process or over the
// bridgepb gRPC contract), mirroring the split the teacher keeps between
// its signaling service and its rtpmanager service.
package transport

import "context"

// ChannelInfo describes the answered PSTN leg whose media needs opening.
type ChannelInfo struct {
	CallID        string   // correlates to the Dialog's Call-ID
	PatientID     string   // patientId URI parameter from the INVITE Request-URI
	RemoteAddr    string   // media gateway's IP from the SDP offer
	RemotePort    int      // media gateway's RTP port from the SDP offer
	OfferedCodecs []string // payload types offered in the SDP
}

// ChannelResult is the negotiated media endpoint for an opened channel.
type ChannelResult struct {
	AsteriskChannelID string
	LocalAddr         string
	LocalPort         int
	SDPBody           []byte
	SelectedCodec     string
}

// TerminateReason explains why a channel was closed.
type TerminateReason int

const (
	TerminateReasonNormal TerminateReason = iota
	TerminateReasonBYE
	TerminateReasonCancel
	TerminateReasonError
	TerminateReasonTimeout
)

// ChannelEventType enumerates the media side's event stream.
type ChannelEventType int

const (
	ChannelEventStasisStart ChannelEventType = iota
	ChannelEventStasisEnd
	ChannelEventDTMF
	ChannelEventError
	ChannelEventFrameDropped
)

// ChannelEvent is one event on a channel's event stream.
type ChannelEvent struct {
	AsteriskChannelID string
	Type              ChannelEventType
	DTMFDigit         string
	ErrorMessage      string
}

// Transport abstracts the Bridge Adapter's media control plane.
// Implementations: GRPCTransport (dials a bridgepb.BridgeService), Pool
// (load-balances across several).
type Transport interface {
	// OpenChannel asks the media side to allocate an RTP endpoint for an
	// answered call and returns the SDP answer to send back to the provider.
	OpenChannel(ctx context.Context, info ChannelInfo) (*ChannelResult, error)

	// CloseChannel releases a channel's media resources. Idempotent.
	CloseChannel(ctx context.Context, asteriskChannelID string, reason TerminateReason) error

	// ChannelEvents streams StasisStart/End, DTMF, and error events for one
	// channel until ctx is canceled or the channel closes.
	ChannelEvents(ctx context.Context, asteriskChannelID string) (<-chan ChannelEvent, error)

	// Ready reports whether the transport is connected and healthy.
	Ready() bool

	// Close releases transport resources.
	Close() error
}
