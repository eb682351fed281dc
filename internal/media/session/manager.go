// Package session ties together port allocation, codec negotiation, and
// the media frame pump into the channel lifecycle the Bridge Adapter's
// gRPC surface (OpenChannel/CloseChannel) exposes.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/careline/engine/internal/media/media"
	"github.com/careline/engine/internal/media/portpool"
	"github.com/careline/engine/internal/media/sdp"
)

// Channel is one open media channel: its relay, codec, and addressing.
type Channel struct {
	ID         string
	CallID     string
	LocalPort  int
	RemotePort int
	RemoteAddr string
	Codec      *media.CodecConfig

	relay  *media.Relay
	ctx    context.Context
	cancel context.CancelFunc
}

// Done returns a channel closed once this media channel is torn down, so
// callers consuming its streams (DTMF, Inbound) know when to stop.
func (c *Channel) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Inbound returns the channel's decoded-PCM stream from the patient leg.
func (c *Channel) Inbound() <-chan []byte {
	return c.relay.Inbound()
}

// Send queues a PCM frame for transmission toward the patient.
func (c *Channel) Send(pcm []byte) {
	c.relay.Send(pcm)
}

// DTMF returns the channel's detected telephone-event digits.
func (c *Channel) DTMF() <-chan rune {
	return c.relay.DTMF()
}

// Stats reports the channel's running RTP counters.
func (c *Channel) Stats() media.ChannelStats {
	return c.relay.Stats()
}

// Manager allocates RTP ports and media relays for open channels, keyed
// by a generated channel ID (the bridgepb surface's asteriskChannelId).
type Manager struct {
	mu            sync.RWMutex
	channels      map[string]*Channel
	pool          *portpool.PortPool
	codecs        *media.CodecManager
	advertiseAddr string
}

// NewManager creates a channel manager bound to the given port range and
// advertised media address.
func NewManager(pool *portpool.PortPool, advertiseAddr string) *Manager {
	return &Manager{
		channels:      make(map[string]*Channel),
		pool:          pool,
		codecs:        media.NewCodecManager(),
		advertiseAddr: advertiseAddr,
	}
}

// OpenChannel allocates a port, negotiates a codec from the caller's
// offer, starts the frame pump, and returns the SDP answer body.
func (m *Manager) OpenChannel(callID, remoteAddr string, remotePort int, offeredCodecs []string) (channelID string, sdpBody []byte, codec string, err error) {
	codecCfg, err := m.codecs.SelectOffered(offeredCodecs)
	if err != nil {
		return "", nil, "", err
	}

	rtpPort, _, err := m.pool.Allocate()
	if err != nil {
		return "", nil, "", fmt.Errorf("allocate RTP port: %w", err)
	}

	relay, err := media.NewRelay(rtpPort, remoteAddr, remotePort, codecCfg)
	if err != nil {
		m.pool.Release(rtpPort)
		return "", nil, "", fmt.Errorf("start relay: %w", err)
	}

	id := "chan-" + uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	relay.Start(ctx)

	ch := &Channel{
		ID:         id,
		CallID:     callID,
		LocalPort:  rtpPort,
		RemotePort: remotePort,
		RemoteAddr: remoteAddr,
		Codec:      codecCfg,
		relay:      relay,
		ctx:        ctx,
		cancel:     cancel,
	}

	m.mu.Lock()
	m.channels[id] = ch
	m.mu.Unlock()

	answer := sdp.BuildResponseSDP(m.advertiseAddr, rtpPort, fmt.Sprintf("%d", codecCfg.PayloadType))

	slog.Info("[Session] Channel opened",
		"channel_id", id, "call_id", callID,
		"local_port", rtpPort, "remote", fmt.Sprintf("%s:%d", remoteAddr, remotePort),
		"codec", codecCfg.Name)

	return id, answer, codecCfg.Name, nil
}

// CloseChannel tears down a channel's relay and releases its port. Idempotent.
func (m *Manager) CloseChannel(channelID string) error {
	m.mu.Lock()
	ch, ok := m.channels[channelID]
	if ok {
		delete(m.channels, channelID)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	ch.cancel()
	if err := ch.relay.Close(); err != nil {
		slog.Warn("[Session] relay close error", "channel_id", channelID, "error", err)
	}
	m.pool.Release(ch.LocalPort)

	slog.Info("[Session] Channel closed", "channel_id", channelID, "call_id", ch.CallID)
	return nil
}

// Get retrieves a channel by ID.
func (m *Manager) Get(channelID string) (*Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[channelID]
	return ch, ok
}

// Count returns the number of open channels.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels)
}

// CloseAll tears down every open channel, used on server shutdown.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.CloseChannel(id)
	}
}
