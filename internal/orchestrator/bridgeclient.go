package orchestrator

import (
	"context"
	"fmt"
	"io"

	"github.com/careline/engine/internal/bridgepb"
)

// grpcBridgeAudio adapts a bridgepb.BridgeServiceClient to BridgeAudio.
type grpcBridgeAudio struct {
	client bridgepb.BridgeServiceClient
}

// NewGRPCBridgeAudio wraps a BridgeServiceClient for Orchestrator use.
func NewGRPCBridgeAudio(client bridgepb.BridgeServiceClient) BridgeAudio {
	return &grpcBridgeAudio{client: client}
}

func (b *grpcBridgeAudio) StreamAudio(ctx context.Context, channelID string) (AudioStream, error) {
	stream, err := b.client.StreamAudio(ctx)
	if err != nil {
		return nil, fmt.Errorf("streamAudio dial: %w", err)
	}
	// First frame selects the channel on the server side; it may carry no
	// PCM of its own.
	if err := stream.Send(&bridgepb.AudioFrame{AsteriskChannelID: channelID}); err != nil {
		return nil, fmt.Errorf("streamAudio select channel: %w", err)
	}
	return &grpcAudioStream{channelID: channelID, stream: stream}, nil
}

func (b *grpcBridgeAudio) CloseChannel(ctx context.Context, channelID string) error {
	_, err := b.client.CloseChannel(ctx, &bridgepb.CloseChannelRequest{
		AsteriskChannelID: channelID,
		Reason:            bridgepb.TerminateReasonNormal,
	})
	return err
}

type grpcAudioStream struct {
	channelID string
	stream    bridgepb.BridgeService_StreamAudioClient
}

func (a *grpcAudioStream) Send(pcm []byte) error {
	return a.stream.Send(&bridgepb.AudioFrame{AsteriskChannelID: a.channelID, PCM: pcm})
}

func (a *grpcAudioStream) Recv() ([]byte, error) {
	frame, err := a.stream.Recv()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}
	return frame.PCM, nil
}

func (a *grpcAudioStream) Close() error {
	return a.stream.CloseSend()
}
