package media

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

const (
	frameSize     = 160 // 160 samples per 20ms frame at 8000 Hz, G.711
	frameDuration = 20 * time.Millisecond
	rtpSSRC       = 0x4341524c // "CARL"
)

// Relay is one channel's two-way G.711/RTP frame pump between a patient's
// PSTN leg and whatever consumes decoded PCM on the other side (the
// Realtime AI Session). It owns the "one frame of buffering, then drop"
// rule on the inbound path and silence insertion on outbound underrun —
// it never blocks the RTP socket behind a slow consumer.
type Relay struct {
	conn       *net.UDPConn
	remoteAddr *net.UDPAddr
	codec      *CodecConfig

	inbound  chan []byte // decoded PCM frames read from the wire
	outbound chan []byte // PCM frames to encode and send, fed by the caller
	dtmf     chan rune
	dtmfDet  *dtmfDetector

	droppedInbound atomic.Uint64
	sent           atomic.Uint64
	received       atomic.Uint64

	seqTracker *SequenceTracker
	rtpSeq     uint16
	rtpTS      uint32

	stopCh chan struct{}
}

// NewRelay binds a UDP socket on localPort and prepares the frame pump
// toward remoteAddr:remotePort using codec.
func NewRelay(localPort int, remoteAddr string, remotePort int, codec *CodecConfig) (*Relay, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: localPort})
	if err != nil {
		return nil, fmt.Errorf("bind local RTP port %d: %w", localPort, err)
	}

	remote := &net.UDPAddr{IP: net.ParseIP(remoteAddr), Port: remotePort}
	if remote.IP == nil {
		conn.Close()
		return nil, fmt.Errorf("invalid remote RTP address: %s", remoteAddr)
	}

	return &Relay{
		conn:       conn,
		remoteAddr: remote,
		codec:      codec,
		inbound:    make(chan []byte, 1),
		outbound:   make(chan []byte, 1),
		dtmf:       make(chan rune, 8),
		dtmfDet:    newDTMFDetector(DTMFPayloadType),
		seqTracker: NewSequenceTracker(),
		stopCh:     make(chan struct{}),
	}, nil
}

// Start launches the read and write pumps. Both exit when ctx is canceled
// or Close is called.
func (r *Relay) Start(ctx context.Context) {
	go r.readLoop(ctx)
	go r.writeLoop(ctx)
}

// Inbound returns the channel of decoded PCM frames received from the
// patient's leg. Buffered to exactly one frame; a slow reader sees the
// older frame dropped in favor of the newest, never the pump blocked.
func (r *Relay) Inbound() <-chan []byte {
	return r.inbound
}

// Send queues a PCM frame for encoding and transmission toward the
// patient. Non-blocking: if the previous frame hasn't gone out yet, the
// new one replaces it rather than piling up latency.
func (r *Relay) Send(pcm []byte) {
	select {
	case r.outbound <- pcm:
	default:
		select {
		case <-r.outbound:
		default:
		}
		r.outbound <- pcm
	}
}

// DTMF returns the channel of digits detected on the patient's leg via
// RFC 4733 telephone-event packets.
func (r *Relay) DTMF() <-chan rune {
	return r.dtmf
}

// Stats returns the relay's running packet counters.
func (r *Relay) Stats() ChannelStats {
	received, lost := r.seqTracker.Stats()
	return ChannelStats{
		PacketsSent:     r.sent.Load(),
		PacketsReceived: received,
		PacketsLost:     lost,
		FramesDropped:   r.droppedInbound.Load(),
	}
}

// Close releases the UDP socket and stops both pumps.
func (r *Relay) Close() error {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	return r.conn.Close()
}

func (r *Relay) readLoop(ctx context.Context) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		default:
		}

		r.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-r.stopCh:
				return
			default:
				slog.Warn("[Relay] read failed", "error", err)
				continue
			}
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			slog.Debug("[Relay] dropped unparseable RTP packet", "error", err)
			continue
		}

		_, lost := r.seqTracker.Update(pkt.SequenceNumber)
		if lost > 0 {
			slog.Debug("[Relay] sequence gap", "lost", lost)
		}

		if digit, ok := r.dtmfDet.Process(pkt.PayloadType, pkt.Payload); ok {
			select {
			case r.dtmf <- digit:
			default:
				slog.Warn("[Relay] DTMF channel full, dropped digit", "digit", string(digit))
			}
			continue
		}

		pcm := r.codec.Decode(pkt.Payload)

		select {
		case r.inbound <- pcm:
		default:
			// One frame of buffering only: drop the stale frame, keep the
			// freshest one, and count it per the never-block rule.
			select {
			case <-r.inbound:
			default:
			}
			r.inbound <- pcm
			r.droppedInbound.Add(1)
		}
	}
}

func (r *Relay) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	silence := make([]byte, frameSize)
	for i := range silence {
		silence[i] = r.codec.SilenceByte
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			var frame []byte
			select {
			case pcm := <-r.outbound:
				frame = r.codec.Encode(pcm)
			default:
				// Underrun: insert silence rather than let the patient's
				// leg hear dead air or drift out of real-time pacing.
				frame = silence
			}
			r.sendFrame(frame)
		}
	}
}

func (r *Relay) sendFrame(payload []byte) {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    uint8(r.codec.PayloadType),
			SequenceNumber: r.rtpSeq,
			Timestamp:      r.rtpTS,
			SSRC:           rtpSSRC,
		},
		Payload: payload,
	}

	data, err := pkt.Marshal()
	if err != nil {
		slog.Error("[Relay] failed to marshal outbound RTP packet", "error", err)
		return
	}

	if _, err := r.conn.WriteToUDP(data, r.remoteAddr); err != nil {
		slog.Warn("[Relay] failed to write outbound RTP packet", "error", err)
		return
	}

	r.rtpSeq++
	r.rtpTS += frameSize
	r.sent.Add(1)
}
