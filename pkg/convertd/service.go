package convertd

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "convertd.ConvertDaemon"

// Full method names as they appear on the wire and in interceptors.
const (
	MethodRegister   = "/" + ServiceName + "/Register"
	MethodHeartbeat  = "/" + ServiceName + "/Heartbeat"
	MethodUnregister = "/" + ServiceName + "/Unregister"
	MethodConvert    = "/" + ServiceName + "/Convert"
)

// ConvertDaemonServer is the server API for the ConvertDaemon service.
// The coordinator implements it to accept daemon registrations and run
// the job stream.
type ConvertDaemonServer interface {
	// Register announces a daemon and returns the heartbeat interval.
	Register(context.Context, *RegisterRequest) (*RegisterResponse, error)
	// Heartbeat refreshes a daemon's liveness window.
	Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error)
	// Unregister removes a daemon gracefully.
	Unregister(context.Context, *UnregisterRequest) (*UnregisterResponse, error)
	// Convert is the long-lived job stream. The daemon opens it after
	// registering and identifies itself with a ReadySignal; the
	// coordinator pushes JobRequests and receives results back.
	Convert(grpc.BidiStreamingServer[ConvertMessage, ConvertMessage]) error
}

// RegisterConvertDaemonServer registers the service implementation
// with a gRPC server.
func RegisterConvertDaemonServer(s grpc.ServiceRegistrar, srv ConvertDaemonServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc is the hand-written service descriptor. The protocol is
// small enough that maintaining it by hand beats carrying a protobuf
// toolchain; the messages marshal through the codec in this package.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ConvertDaemonServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: registerHandler},
		{MethodName: "Heartbeat", Handler: heartbeatHandler},
		{MethodName: "Unregister", Handler: unregisterHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Convert",
			Handler:       convertHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "pkg/convertd/service.go",
}

func registerHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RegisterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ConvertDaemonServer).Register(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodRegister}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ConvertDaemonServer).Register(ctx, req.(*RegisterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func heartbeatHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HeartbeatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ConvertDaemonServer).Heartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodHeartbeat}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ConvertDaemonServer).Heartbeat(ctx, req.(*HeartbeatRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func unregisterHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(UnregisterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ConvertDaemonServer).Unregister(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodUnregister}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ConvertDaemonServer).Unregister(ctx, req.(*UnregisterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func convertHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ConvertDaemonServer).Convert(
		&grpc.GenericServerStream[ConvertMessage, ConvertMessage]{ServerStream: stream})
}

// ConvertDaemonClient is the client API for the ConvertDaemon service.
type ConvertDaemonClient interface {
	Register(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error)
	Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error)
	Unregister(ctx context.Context, in *UnregisterRequest, opts ...grpc.CallOption) (*UnregisterResponse, error)
	Convert(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[ConvertMessage, ConvertMessage], error)
}

type convertDaemonClient struct {
	cc grpc.ClientConnInterface
}

// NewConvertDaemonClient builds a client on an established connection.
// Calls are pinned to the convertd codec; callers need no dial-time
// codec options.
func NewConvertDaemonClient(cc grpc.ClientConnInterface) ConvertDaemonClient {
	return &convertDaemonClient{cc: cc}
}

func callOpts(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func (c *convertDaemonClient) Register(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error) {
	out := new(RegisterResponse)
	if err := c.cc.Invoke(ctx, MethodRegister, in, out, callOpts(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *convertDaemonClient) Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error) {
	out := new(HeartbeatResponse)
	if err := c.cc.Invoke(ctx, MethodHeartbeat, in, out, callOpts(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *convertDaemonClient) Unregister(ctx context.Context, in *UnregisterRequest, opts ...grpc.CallOption) (*UnregisterResponse, error) {
	out := new(UnregisterResponse)
	if err := c.cc.Invoke(ctx, MethodUnregister, in, out, callOpts(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *convertDaemonClient) Convert(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[ConvertMessage, ConvertMessage], error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], MethodConvert, callOpts(opts)...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[ConvertMessage, ConvertMessage]{ClientStream: stream}, nil
}
