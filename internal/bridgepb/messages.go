package bridgepb

import "time"

// SessionState mirrors the Bridge Adapter's session lifecycle.
type SessionState int

const (
	SessionStateUnspecified SessionState = iota
	SessionStateActive
	SessionStateError
)

// TerminateReason is why a channel/session was closed, surfaced on the
// Dialog termination callback (teacher's dialog.ReasonXxx constants).
type TerminateReason int

const (
	TerminateReasonNormal TerminateReason = iota
	TerminateReasonBYE
	TerminateReasonCancel
	TerminateReasonTimeout
	TerminateReasonError
)

// OpenChannelRequest asks the Adapter to accept an answered call and open
// the audio duplex described in spec §4.B.
type OpenChannelRequest struct {
	CallSid       string   `json:"call_sid"`
	PatientID     string   `json:"patient_id"`
	RemoteAddr    string   `json:"remote_addr"`
	RemotePort    int32    `json:"remote_port"`
	OfferedCodecs []string `json:"offered_codecs"`
}

// OpenChannelResponse returns the negotiated SDP answer and the Adapter's
// channel handle.
type OpenChannelResponse struct {
	AsteriskChannelID string `json:"asterisk_channel_id"`
	LocalAddr         string `json:"local_addr"`
	LocalPort         int32  `json:"local_port"`
	SDPBody           []byte `json:"sdp_body"`
	SelectedCodec     string `json:"selected_codec"`
	State             SessionState `json:"state"`
	ErrorMessage      string `json:"error_message,omitempty"`
}

// CloseChannelRequest asks the Adapter to tear down a channel. Idempotent:
// closing an already-closed channel succeeds.
type CloseChannelRequest struct {
	AsteriskChannelID string          `json:"asterisk_channel_id"`
	Reason            TerminateReason `json:"reason"`
}

// CloseChannelResponse acknowledges teardown.
type CloseChannelResponse struct{}

// ChannelEventType enumerates the Bridge Adapter's event stream per §4.B:
// StasisStart, StasisEnd, DTMF, error.
type ChannelEventType int

const (
	ChannelEventUnspecified ChannelEventType = iota
	ChannelEventStasisStart
	ChannelEventStasisEnd
	ChannelEventDTMF
	ChannelEventError
	ChannelEventFrameDropped
)

// ChannelEvent is one event on the streamed channel-event RPC.
type ChannelEvent struct {
	AsteriskChannelID string           `json:"asterisk_channel_id"`
	Type              ChannelEventType `json:"type"`
	DTMFDigit         string           `json:"dtmf_digit,omitempty"`
	ErrorMessage      string           `json:"error_message,omitempty"`
	OccurredAt        time.Time        `json:"occurred_at"`
}

// AudioFrame carries one PCM frame on the StreamAudio duplex, tagged with
// the channel it belongs to since a single stream is dialed once per
// channel's lifetime but frames flow continuously in both directions.
type AudioFrame struct {
	AsteriskChannelID string `json:"asterisk_channel_id"`
	PCM               []byte `json:"pcm"`
}

// HealthRequest/HealthResponse back Transport.Ready's health probe.
type HealthRequest struct{}

type HealthResponse struct {
	Healthy bool `json:"healthy"`
}
