package bridgepb

import (
	"context"

	"google.golang.org/grpc"
)

// BridgeServer is implemented by the SIP/Media Bridge Adapter process.
type BridgeServer interface {
	OpenChannel(context.Context, *OpenChannelRequest) (*OpenChannelResponse, error)
	CloseChannel(context.Context, *CloseChannelRequest) (*CloseChannelResponse, error)
	ChannelEvents(*ChannelEventsRequest, BridgeService_ChannelEventsServer) error
	// StreamAudio is the Call Orchestrator's audio duplex into an open
	// channel: the first frame received on the stream selects the
	// channel by AsteriskChannelID, after which every frame the Adapter
	// receives is the patient's decoded PCM and every frame it sends is
	// PCM to play toward the patient.
	StreamAudio(BridgeService_StreamAudioServer) error
	Health(context.Context, *HealthRequest) (*HealthResponse, error)
}

// ChannelEventsRequest subscribes to one channel's event stream.
type ChannelEventsRequest struct {
	AsteriskChannelID string `json:"asterisk_channel_id"`
}

// BridgeService_ChannelEventsServer is the server-side streaming handle,
// named the way protoc-gen-go-grpc names streaming server interfaces.
type BridgeService_ChannelEventsServer interface {
	Send(*ChannelEvent) error
	grpc.ServerStream
}

// BridgeService_ChannelEventsClient is the client-side streaming handle.
type BridgeService_ChannelEventsClient interface {
	Recv() (*ChannelEvent, error)
	grpc.ClientStream
}

// BridgeService_StreamAudioServer is the server-side handle for the
// bidirectional audio duplex.
type BridgeService_StreamAudioServer interface {
	Send(*AudioFrame) error
	Recv() (*AudioFrame, error)
	grpc.ServerStream
}

// BridgeService_StreamAudioClient is the client-side handle for the
// bidirectional audio duplex.
type BridgeService_StreamAudioClient interface {
	Send(*AudioFrame) error
	Recv() (*AudioFrame, error)
	grpc.ClientStream
}

// ServiceDesc is the grpc.ServiceDesc a real protoc-gen-go-grpc invocation
// would emit for BridgeServer, registered by the Adapter's grpc.Server and
// consumed by BridgeServiceClient below.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "careline.bridge.v1.BridgeService",
	HandlerType: (*BridgeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "OpenChannel", Handler: openChannelHandler},
		{MethodName: "CloseChannel", Handler: closeChannelHandler},
		{MethodName: "Health", Handler: healthHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ChannelEvents",
			Handler:       channelEventsHandler,
			ServerStreams: true,
		},
		{
			StreamName:    "StreamAudio",
			Handler:       streamAudioHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "bridge.proto",
}

func openChannelHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(OpenChannelRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BridgeServer).OpenChannel(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/careline.bridge.v1.BridgeService/OpenChannel"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BridgeServer).OpenChannel(ctx, req.(*OpenChannelRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func closeChannelHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CloseChannelRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BridgeServer).CloseChannel(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/careline.bridge.v1.BridgeService/CloseChannel"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BridgeServer).CloseChannel(ctx, req.(*CloseChannelRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func healthHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(HealthRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BridgeServer).Health(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/careline.bridge.v1.BridgeService/Health"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BridgeServer).Health(ctx, req.(*HealthRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func channelEventsHandler(srv interface{}, stream grpc.ServerStream) error {
	m := new(ChannelEventsRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(BridgeServer).ChannelEvents(m, &channelEventsServer{stream})
}

type channelEventsServer struct{ grpc.ServerStream }

func (s *channelEventsServer) Send(ev *ChannelEvent) error { return s.ServerStream.SendMsg(ev) }

func streamAudioHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(BridgeServer).StreamAudio(&streamAudioServer{stream})
}

type streamAudioServer struct{ grpc.ServerStream }

func (s *streamAudioServer) Send(f *AudioFrame) error { return s.ServerStream.SendMsg(f) }
func (s *streamAudioServer) Recv() (*AudioFrame, error) {
	m := new(AudioFrame)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// BridgeServiceClient is the Orchestrator-side stub.
type BridgeServiceClient interface {
	OpenChannel(ctx context.Context, in *OpenChannelRequest, opts ...grpc.CallOption) (*OpenChannelResponse, error)
	CloseChannel(ctx context.Context, in *CloseChannelRequest, opts ...grpc.CallOption) (*CloseChannelResponse, error)
	ChannelEvents(ctx context.Context, in *ChannelEventsRequest, opts ...grpc.CallOption) (BridgeService_ChannelEventsClient, error)
	StreamAudio(ctx context.Context, opts ...grpc.CallOption) (BridgeService_StreamAudioClient, error)
	Health(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error)
}

type bridgeServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewBridgeServiceClient constructs a client stub bound to cc. Every call
// it makes selects the jsonCodec content-subtype.
func NewBridgeServiceClient(cc grpc.ClientConnInterface) BridgeServiceClient {
	return &bridgeServiceClient{cc: jsonClientConn{cc}}
}

// jsonClientConn adds the jsonCodec content-subtype to every call on the
// wrapped connection, so requests and responses use jsonCodec, not proto.
type jsonClientConn struct{ grpc.ClientConnInterface }

func (c jsonClientConn) Invoke(ctx context.Context, method string, args, reply interface{}, opts ...grpc.CallOption) error {
	return c.ClientConnInterface.Invoke(ctx, method, args, reply, append(opts, grpc.CallContentSubtype(codecName))...)
}

func (c jsonClientConn) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	return c.ClientConnInterface.NewStream(ctx, desc, method, append(opts, grpc.CallContentSubtype(codecName))...)
}

func (c *bridgeServiceClient) OpenChannel(ctx context.Context, in *OpenChannelRequest, opts ...grpc.CallOption) (*OpenChannelResponse, error) {
	out := new(OpenChannelResponse)
	if err := c.cc.Invoke(ctx, "/careline.bridge.v1.BridgeService/OpenChannel", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *bridgeServiceClient) CloseChannel(ctx context.Context, in *CloseChannelRequest, opts ...grpc.CallOption) (*CloseChannelResponse, error) {
	out := new(CloseChannelResponse)
	if err := c.cc.Invoke(ctx, "/careline.bridge.v1.BridgeService/CloseChannel", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *bridgeServiceClient) Health(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error) {
	out := new(HealthResponse)
	if err := c.cc.Invoke(ctx, "/careline.bridge.v1.BridgeService/Health", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *bridgeServiceClient) ChannelEvents(ctx context.Context, in *ChannelEventsRequest, opts ...grpc.CallOption) (BridgeService_ChannelEventsClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/careline.bridge.v1.BridgeService/ChannelEvents", opts...)
	if err != nil {
		return nil, err
	}
	x := &channelEventsClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type channelEventsClient struct{ grpc.ClientStream }

func (x *channelEventsClient) Recv() (*ChannelEvent, error) {
	m := new(ChannelEvent)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *bridgeServiceClient) StreamAudio(ctx context.Context, opts ...grpc.CallOption) (BridgeService_StreamAudioClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[1], "/careline.bridge.v1.BridgeService/StreamAudio", opts...)
	if err != nil {
		return nil, err
	}
	return &streamAudioClient{stream}, nil
}

type streamAudioClient struct{ grpc.ClientStream }

func (x *streamAudioClient) Send(f *AudioFrame) error { return x.ClientStream.SendMsg(f) }
func (x *streamAudioClient) Recv() (*AudioFrame, error) {
	m := new(AudioFrame)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// RegisterBridgeServiceServer registers srv against s.
func RegisterBridgeServiceServer(s grpc.ServiceRegistrar, srv BridgeServer) {
	s.RegisterService(&ServiceDesc, srv)
}
