package media

import (
	"encoding/binary"
	"fmt"
)

// DTMFEvent represents an RFC 4733 telephone-event payload.
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|     event     |E|R| volume    |          duration             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type DTMFEvent struct {
	Event      uint8
	EndOfEvent bool
	Volume     uint8
	Duration   uint16
}

// DTMF event codes
const (
	DTMF0     uint8 = 0
	DTMF1     uint8 = 1
	DTMF2     uint8 = 2
	DTMF3     uint8 = 3
	DTMF4     uint8 = 4
	DTMF5     uint8 = 5
	DTMF6     uint8 = 6
	DTMF7     uint8 = 7
	DTMF8     uint8 = 8
	DTMF9     uint8 = 9
	DTMFStar  uint8 = 10
	DTMFPound uint8 = 11
	DTMFA     uint8 = 12
	DTMFB     uint8 = 13
	DTMFC     uint8 = 14
	DTMFD     uint8 = 15
)

const (
	// DTMFPayloadType is the RTP payload type conventionally negotiated for
	// RFC 4733 telephone-event in the Adapter's SDP offer/answer.
	DTMFPayloadType uint8 = 101
	// MinDTMFDuration filters noise/accidental presses shorter than this.
	MinDTMFDuration uint16 = 400 // 50ms at 8kHz
)

// EventToRune converts a DTMF event code to its character.
func EventToRune(event uint8) (rune, bool) {
	switch event {
	case DTMF0:
		return '0', true
	case DTMF1:
		return '1', true
	case DTMF2:
		return '2', true
	case DTMF3:
		return '3', true
	case DTMF4:
		return '4', true
	case DTMF5:
		return '5', true
	case DTMF6:
		return '6', true
	case DTMF7:
		return '7', true
	case DTMF8:
		return '8', true
	case DTMF9:
		return '9', true
	case DTMFStar:
		return '*', true
	case DTMFPound:
		return '#', true
	case DTMFA:
		return 'A', true
	case DTMFB:
		return 'B', true
	case DTMFC:
		return 'C', true
	case DTMFD:
		return 'D', true
	}
	return 0, false
}

// DecodeDTMFEvent decodes an RFC 4733 4-byte payload into a DTMFEvent.
func DecodeDTMFEvent(payload []byte) (DTMFEvent, error) {
	if len(payload) < 4 {
		return DTMFEvent{}, fmt.Errorf("DTMF payload too short: %d bytes", len(payload))
	}
	return DTMFEvent{
		Event:      payload[0],
		EndOfEvent: (payload[1] & 0x80) != 0,
		Volume:     payload[1] & 0x3F,
		Duration:   binary.BigEndian.Uint16(payload[2:]),
	}, nil
}

// dtmfDetector is a small RFC 4733 state machine: feed it every inbound RTP
// packet via Process, and it reports a digit once its end-of-event packet
// with a duration at or above the noise floor arrives.
type dtmfDetector struct {
	payloadType uint8
	minDuration uint16

	lastEvent uint8
	pending   bool
}

func newDTMFDetector(payloadType uint8) *dtmfDetector {
	return &dtmfDetector{payloadType: payloadType, minDuration: MinDTMFDuration}
}

// Process inspects one RTP packet's payload type and payload, returning a
// decoded digit and true once a complete event has been observed.
func (d *dtmfDetector) Process(payloadType uint8, payload []byte) (rune, bool) {
	if payloadType != d.payloadType || len(payload) < 4 {
		return 0, false
	}

	evt, err := DecodeDTMFEvent(payload)
	if err != nil {
		return 0, false
	}

	if evt.EndOfEvent {
		defer func() { d.pending = false }()
		if d.pending && evt.Event == d.lastEvent && evt.Duration >= d.minDuration {
			if char, ok := EventToRune(evt.Event); ok {
				return char, true
			}
		}
		return 0, false
	}

	if !d.pending || evt.Event != d.lastEvent {
		d.lastEvent = evt.Event
		d.pending = true
	}
	return 0, false
}
