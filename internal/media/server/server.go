// Package server implements the Bridge Adapter's media-side gRPC surface
// (bridgepb.BridgeServer): opening and closing channels and streaming
// their StasisStart/StasisEnd/DTMF/error events back to the signaling side.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/careline/engine/internal/bridgepb"
	"github.com/careline/engine/internal/media/portpool"
	"github.com/careline/engine/internal/media/session"
)

// Config holds the Bridge Adapter media process's configuration.
type Config struct {
	GRPCPort      int
	GRPCBindAddr  string
	AdvertiseAddr string
	RTPPortMin    int
	RTPPortMax   int
}

// Server implements bridgepb.BridgeServer.
type Server struct {
	sessions *session.Manager
	portPool *portpool.PortPool
	config   *Config

	mu     sync.Mutex
	events map[string]chan *bridgepb.ChannelEvent
}

// NewServer creates a new Bridge Adapter media server.
func NewServer(cfg *Config) (*Server, error) {
	pool := portpool.NewPortPool(cfg.RTPPortMin, cfg.RTPPortMax)
	sessions := session.NewManager(pool, cfg.AdvertiseAddr)

	return &Server{
		sessions: sessions,
		portPool: pool,
		config:   cfg,
		events:   make(map[string]chan *bridgepb.ChannelEvent),
	}, nil
}

// OpenChannel implements bridgepb.BridgeServer.
func (s *Server) OpenChannel(ctx context.Context, req *bridgepb.OpenChannelRequest) (*bridgepb.OpenChannelResponse, error) {
	slog.Info("[gRPC] OpenChannel",
		"call_sid", req.CallSid,
		"remote", fmt.Sprintf("%s:%d", req.RemoteAddr, req.RemotePort),
		"codecs", req.OfferedCodecs)

	channelID, sdpBody, codec, err := s.sessions.OpenChannel(req.CallSid, req.RemoteAddr, int(req.RemotePort), req.OfferedCodecs)
	if err != nil {
		slog.Error("[gRPC] OpenChannel failed", "error", err)
		return &bridgepb.OpenChannelResponse{
			State:        bridgepb.SessionStateError,
			ErrorMessage: err.Error(),
		}, nil
	}

	s.publish(channelID, bridgepb.ChannelEventStasisStart, "", "")

	ch, _ := s.sessions.Get(channelID)
	go s.forwardDTMF(channelID, ch)
	return &bridgepb.OpenChannelResponse{
		AsteriskChannelID: channelID,
		LocalAddr:         s.config.AdvertiseAddr,
		LocalPort:         int32(ch.LocalPort),
		SDPBody:           sdpBody,
		SelectedCodec:     codec,
		State:             bridgepb.SessionStateActive,
	}, nil
}

// CloseChannel implements bridgepb.BridgeServer.
func (s *Server) CloseChannel(ctx context.Context, req *bridgepb.CloseChannelRequest) (*bridgepb.CloseChannelResponse, error) {
	slog.Info("[gRPC] CloseChannel", "channel_id", req.AsteriskChannelID, "reason", req.Reason)

	if err := s.sessions.CloseChannel(req.AsteriskChannelID); err != nil {
		slog.Warn("[gRPC] CloseChannel failed", "error", err)
	}

	s.publish(req.AsteriskChannelID, bridgepb.ChannelEventStasisEnd, "", "")
	s.closeEvents(req.AsteriskChannelID)

	return &bridgepb.CloseChannelResponse{}, nil
}

// ChannelEvents implements bridgepb.BridgeServer (server-streaming RPC).
func (s *Server) ChannelEvents(req *bridgepb.ChannelEventsRequest, stream bridgepb.BridgeService_ChannelEventsServer) error {
	ch := s.subscribe(req.AsteriskChannelID)
	defer s.unsubscribe(req.AsteriskChannelID, ch)

	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := stream.Send(ev); err != nil {
				return err
			}
		}
	}
}

// StreamAudio implements bridgepb.BridgeServer: the first frame received
// selects the channel, after which received frames are relayed to the
// patient leg and the channel's Inbound() frames are sent back to the
// caller (the Call Orchestrator, forwarding to/from the Realtime AI
// Session). Grounded on the teacher's forwardDTMF/Inbound relay-loop
// shape, generalized from an in-process channel pump to a gRPC duplex.
func (s *Server) StreamAudio(stream bridgepb.BridgeService_StreamAudioServer) error {
	first, err := stream.Recv()
	if err != nil {
		return err
	}
	ch, ok := s.sessions.Get(first.AsteriskChannelID)
	if !ok {
		return fmt.Errorf("streamAudio: unknown channel %s", first.AsteriskChannelID)
	}
	if len(first.PCM) > 0 {
		ch.Send(first.PCM)
	}

	errCh := make(chan error, 2)
	go func() {
		for {
			select {
			case <-ch.Done():
				errCh <- nil
				return
			case <-stream.Context().Done():
				errCh <- stream.Context().Err()
				return
			case pcm := <-ch.Inbound():
				if err := stream.Send(&bridgepb.AudioFrame{AsteriskChannelID: first.AsteriskChannelID, PCM: pcm}); err != nil {
					errCh <- err
					return
				}
			}
		}
	}()
	go func() {
		for {
			frame, err := stream.Recv()
			if err != nil {
				errCh <- err
				return
			}
			ch.Send(frame.PCM)
		}
	}()
	return <-errCh
}

// Health implements bridgepb.BridgeServer.
func (s *Server) Health(ctx context.Context, req *bridgepb.HealthRequest) (*bridgepb.HealthResponse, error) {
	return &bridgepb.HealthResponse{Healthy: true}, nil
}

// Close releases all open channels and the port pool.
func (s *Server) Close() error {
	s.sessions.CloseAll()
	return nil
}

// forwardDTMF relays detected telephone-event digits as ChannelEvents until
// the channel is closed.
func (s *Server) forwardDTMF(channelID string, ch *session.Channel) {
	for {
		select {
		case <-ch.Done():
			return
		case digit := <-ch.DTMF():
			s.publish(channelID, bridgepb.ChannelEventDTMF, string(digit), "")
		}
	}
}

func (s *Server) publish(channelID string, evType bridgepb.ChannelEventType, dtmf, errMsg string) {
	s.mu.Lock()
	ch, ok := s.events[channelID]
	s.mu.Unlock()
	if !ok {
		return
	}

	ev := &bridgepb.ChannelEvent{
		AsteriskChannelID: channelID,
		Type:              evType,
		DTMFDigit:         dtmf,
		ErrorMessage:      errMsg,
		OccurredAt:        time.Now(),
	}

	select {
	case ch <- ev:
	default:
		slog.Warn("[gRPC] channel event buffer full, dropped", "channel_id", channelID, "type", evType)
	}
}

func (s *Server) subscribe(channelID string) chan *bridgepb.ChannelEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.events[channelID]
	if !ok {
		ch = make(chan *bridgepb.ChannelEvent, 16)
		s.events[channelID] = ch
	}
	return ch
}

func (s *Server) unsubscribe(channelID string, ch chan *bridgepb.ChannelEvent) {
	// Single-subscriber-per-channel model: the events map entry is owned by
	// whichever side calls ChannelEvents first, torn down on close.
}

func (s *Server) closeEvents(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.events[channelID]; ok {
		close(ch)
		delete(s.events, channelID)
	}
}
