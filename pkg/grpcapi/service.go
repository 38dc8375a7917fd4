package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "meshdp.v1.Monitor"

// MonitorServer is the server API for the Monitor service.
type MonitorServer interface {
	SnapshotConnections(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListCache(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListConntrack(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

type monitorCall func(MonitorServer, context.Context, *emptypb.Empty) (*structpb.Struct, error)

func unaryHandler(method string, call monitorCall) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(MonitorServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + ServiceName + "/" + method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(MonitorServer), ctx, req.(*emptypb.Empty))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc describes the Monitor service. Messages are protobuf
// well-known types, so no generated code is needed.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MonitorServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SnapshotConnections",
			Handler:    unaryHandler("SnapshotConnections", MonitorServer.SnapshotConnections),
		},
		{
			MethodName: "ListCache",
			Handler:    unaryHandler("ListCache", MonitorServer.ListCache),
		},
		{
			MethodName: "ListConntrack",
			Handler:    unaryHandler("ListConntrack", MonitorServer.ListConntrack),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "meshdp/v1/monitor.proto",
}

// RegisterMonitorServer registers srv on s.
func RegisterMonitorServer(s grpc.ServiceRegistrar, srv MonitorServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls the Monitor service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// SnapshotConnections drains the connection event queue.
func (c *Client) SnapshotConnections(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "SnapshotConnections", opts...)
}

// ListCache returns the service resolution cache contents.
func (c *Client) ListCache(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ListCache", opts...)
}

// ListConntrack returns the tracked connections.
func (c *Client) ListConntrack(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ListConntrack", opts...)
}
