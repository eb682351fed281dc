package events

import (
	"time"

	"github.com/google/uuid"
)

// Builder stamps the fields common to every event emitted by one Bridge
// Adapter instance (EventID, EventTime, NodeID), mirroring the constructor
// idiom the teacher's dialog.Manager uses for timestamping state changes.
type Builder struct {
	nodeID string
}

// NewBuilder returns a Builder tagging every event with nodeID.
func NewBuilder(nodeID string) *Builder {
	return &Builder{nodeID: nodeID}
}

func (b *Builder) base(eventType EventType, callUUID, sipCallID string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		CallUUID:  callUUID,
		SIPCallID: sipCallID,
		NodeID:    b.nodeID,
	}
}

// CallReceived builds a CallReceivedEvent for a freshly-created dialog.
func (b *Builder) CallReceived(callUUID, sipCallID string, from, to Endpoint, offeredCodecs []string) *CallReceivedEvent {
	ev := b.base(CallReceived, callUUID, sipCallID)
	ev.EventTime = time.Now()
	return &CallReceivedEvent{
		BaseEvent:     ev,
		Direction:     DirectionInbound,
		From:          from,
		To:            to,
		OfferedCodecs: offeredCodecs,
	}
}

// CallAnswered builds a CallAnsweredEvent once the channel is open and the
// 200 OK has gone out.
func (b *Builder) CallAnswered(callUUID, sipCallID string, media *MediaInfo, setupDurationMs int64) *CallAnsweredEvent {
	ev := b.base(CallAnswered, callUUID, sipCallID)
	ev.EventTime = time.Now()
	return &CallAnsweredEvent{
		BaseEvent:       ev,
		ResponseCode:    200,
		MediaInfo:       media,
		SetupDurationMs: setupDurationMs,
	}
}

// ProviderProgress builds a ProviderProgressEvent for a telephony provider
// webhook delivery, keyed by the provider's callSid rather than a SIP
// call_uuid/call_id (the Gateway runs ahead of any SIP dialog).
func (b *Builder) ProviderProgress(callSid, status string, occurredAt time.Time) *ProviderProgressEvent {
	ev := b.base(CallProviderProgress, callSid, "")
	ev.EventTime = occurredAt
	return &ProviderProgressEvent{
		BaseEvent:      ev,
		CallSid:        callSid,
		ProviderStatus: status,
	}
}

// AlertRaised builds an AlertRaisedEvent for a non-suppressed Alert, keyed
// by the alert's own id rather than a call correlation id — an Alert can
// outlive the Conversation that produced it.
func (b *Builder) AlertRaised(alertID, patientID, severity, category, phrase, utterance string, detectedAt time.Time) *AlertRaisedEvent {
	ev := b.base(AlertRaised, "", "")
	ev.EventTime = time.Now()
	return &AlertRaisedEvent{
		BaseEvent:  ev,
		AlertID:    alertID,
		PatientID:  patientID,
		Severity:   severity,
		Category:   category,
		Phrase:     phrase,
		Utterance:  utterance,
		DetectedAt: detectedAt,
	}
}

// CallEnded builds a CallEndedEvent for a terminated dialog.
func (b *Builder) CallEnded(callUUID, sipCallID string, reason EndReason, talkDurationMs int64) *CallEndedEvent {
	ev := b.base(CallEnded, callUUID, sipCallID)
	ev.EventTime = time.Now()
	return &CallEndedEvent{
		BaseEvent:      ev,
		EndReason:      reason,
		TalkDurationMs: talkDurationMs,
		HangupSource:   "local",
	}
}
