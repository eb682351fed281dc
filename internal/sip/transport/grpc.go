package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/careline/engine/internal/bridgepb"
)

// GRPCConfig holds gRPC client configuration for dialing a Bridge Adapter's
// media process.
type GRPCConfig struct {
	Address           string
	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
}

// DefaultGRPCConfig returns sensible defaults.
func DefaultGRPCConfig() GRPCConfig {
	return GRPCConfig{
		Address:           "localhost:9090",
		ConnectTimeout:    10 * time.Second,
		KeepaliveInterval: 30 * time.Second,
		KeepaliveTimeout:  10 * time.Second,
	}
}

// GRPCTransport implements Transport over a bridgepb.BridgeServiceClient.
type GRPCTransport struct {
	conn          *grpc.ClientConn
	client        bridgepb.BridgeServiceClient
	mu            sync.RWMutex
	ready         bool
	callToChannel map[string]string // callID -> asterisk_channel_id
}

// NewGRPCTransport dials addr and returns a connected GRPCTransport.
func NewGRPCTransport(cfg GRPCConfig) (*GRPCTransport, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveInterval,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	conn, err := grpc.DialContext(ctx, cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to bridge adapter at %s: %w", cfg.Address, err)
	}

	t := &GRPCTransport{
		conn:          conn,
		client:        bridgepb.NewBridgeServiceClient(conn),
		ready:         true,
		callToChannel: make(map[string]string),
	}

	slog.Info("[gRPC] Connected to bridge adapter", "address", cfg.Address)
	return t, nil
}

// OpenChannel implements Transport.OpenChannel.
func (t *GRPCTransport) OpenChannel(ctx context.Context, info ChannelInfo) (*ChannelResult, error) {
	resp, err := t.client.OpenChannel(ctx, &bridgepb.OpenChannelRequest{
		CallSid:       info.CallID,
		PatientID:     info.PatientID,
		RemoteAddr:    info.RemoteAddr,
		RemotePort:    int32(info.RemotePort),
		OfferedCodecs: info.OfferedCodecs,
	})
	if err != nil {
		return nil, fmt.Errorf("OpenChannel RPC failed: %w", err)
	}
	if resp.State == bridgepb.SessionStateError {
		return nil, fmt.Errorf("channel open failed: %s", resp.ErrorMessage)
	}

	t.mu.Lock()
	t.callToChannel[info.CallID] = resp.AsteriskChannelID
	t.mu.Unlock()

	return &ChannelResult{
		AsteriskChannelID: resp.AsteriskChannelID,
		LocalAddr:         resp.LocalAddr,
		LocalPort:         int(resp.LocalPort),
		SDPBody:           resp.SDPBody,
		SelectedCodec:     resp.SelectedCodec,
	}, nil
}

// CloseChannel implements Transport.CloseChannel.
func (t *GRPCTransport) CloseChannel(ctx context.Context, asteriskChannelID string, reason TerminateReason) error {
	_, err := t.client.CloseChannel(ctx, &bridgepb.CloseChannelRequest{
		AsteriskChannelID: asteriskChannelID,
		Reason:            bridgepb.TerminateReason(reason),
	})
	if err != nil {
		return fmt.Errorf("CloseChannel RPC failed: %w", err)
	}

	t.mu.Lock()
	for callID, chID := range t.callToChannel {
		if chID == asteriskChannelID {
			delete(t.callToChannel, callID)
			break
		}
	}
	t.mu.Unlock()
	return nil
}

// ChannelEvents implements Transport.ChannelEvents.
func (t *GRPCTransport) ChannelEvents(ctx context.Context, asteriskChannelID string) (<-chan ChannelEvent, error) {
	stream, err := t.client.ChannelEvents(ctx, &bridgepb.ChannelEventsRequest{AsteriskChannelID: asteriskChannelID})
	if err != nil {
		return nil, fmt.Errorf("ChannelEvents RPC failed: %w", err)
	}

	out := make(chan ChannelEvent, 16)
	go func() {
		defer close(out)
		for {
			ev, err := stream.Recv()
			if err != nil {
				return
			}
			select {
			case out <- ChannelEvent{
				AsteriskChannelID: ev.AsteriskChannelID,
				Type:              fromBridgepbEventType(ev.Type),
				DTMFDigit:         ev.DTMFDigit,
				ErrorMessage:      ev.ErrorMessage,
			}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func fromBridgepbEventType(t bridgepb.ChannelEventType) ChannelEventType {
	switch t {
	case bridgepb.ChannelEventStasisStart:
		return ChannelEventStasisStart
	case bridgepb.ChannelEventStasisEnd:
		return ChannelEventStasisEnd
	case bridgepb.ChannelEventDTMF:
		return ChannelEventDTMF
	case bridgepb.ChannelEventFrameDropped:
		return ChannelEventFrameDropped
	default:
		return ChannelEventError
	}
}

// Ready implements Transport.Ready.
func (t *GRPCTransport) Ready() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.ready || t.conn == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := t.client.Health(ctx, &bridgepb.HealthRequest{})
	return err == nil && resp.Healthy
}

// Close implements Transport.Close.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ready = false
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

// GetChannelID returns the bridge adapter's channel handle for a call ID.
func (t *GRPCTransport) GetChannelID(callID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.callToChannel[callID]
	return id, ok
}
