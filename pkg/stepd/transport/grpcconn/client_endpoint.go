package grpcconn

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cuemby/stepd/pkg/stepd/transport"
)

// ClientServer is the server-side contract an originating client (an
// srun-like process) implements to receive launch replies and task-exit
// notifications from stepd.
type ClientServer interface {
	SendLaunchResponse(ctx context.Context, msg transport.LaunchTasksResponse) error
	SendTaskExit(ctx context.Context, msg transport.MessageTaskExit) error
	SendLaunchFailure(ctx context.Context, req LaunchFailure) error
}

// LaunchFailure bundles SendLaunchFailure's three scalar arguments into one
// message struct, since the wire format carries one structpb.Struct per
// call.
type LaunchFailure struct {
	NodeName   string
	SrunNodeID int
	ReturnCode int
}

func clientLaunchResponseHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	var wire structpb.Struct
	if err := dec(&wire); err != nil {
		return nil, err
	}
	var req transport.LaunchTasksResponse
	if err := fromStruct(&wire, &req); err != nil {
		return nil, err
	}

	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		err := srv.(ClientServer).SendLaunchResponse(ctx, *req.(*transport.LaunchTasksResponse))
		return &emptypb.Empty{}, err
	}
	if interceptor == nil {
		return call(ctx, &req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/stepd.ClientService/SendLaunchResponse"}
	return interceptor(ctx, &req, info, call)
}

func clientTaskExitHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	var wire structpb.Struct
	if err := dec(&wire); err != nil {
		return nil, err
	}
	var req transport.MessageTaskExit
	if err := fromStruct(&wire, &req); err != nil {
		return nil, err
	}

	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		err := srv.(ClientServer).SendTaskExit(ctx, *req.(*transport.MessageTaskExit))
		return &emptypb.Empty{}, err
	}
	if interceptor == nil {
		return call(ctx, &req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/stepd.ClientService/SendTaskExit"}
	return interceptor(ctx, &req, info, call)
}

func clientLaunchFailureHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	var wire structpb.Struct
	if err := dec(&wire); err != nil {
		return nil, err
	}
	var req LaunchFailure
	if err := fromStruct(&wire, &req); err != nil {
		return nil, err
	}

	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		err := srv.(ClientServer).SendLaunchFailure(ctx, *req.(*LaunchFailure))
		return &emptypb.Empty{}, err
	}
	if interceptor == nil {
		return call(ctx, &req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/stepd.ClientService/SendLaunchFailure"}
	return interceptor(ctx, &req, info, call)
}

var clientServiceDesc = grpc.ServiceDesc{
	ServiceName: "stepd.ClientService",
	HandlerType: (*ClientServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SendLaunchResponse", Handler: clientLaunchResponseHandler},
		{MethodName: "SendTaskExit", Handler: clientTaskExitHandler},
		{MethodName: "SendLaunchFailure", Handler: clientLaunchFailureHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stepd/client_endpoint.go",
}

// RegisterClientServer attaches impl to s under stepd.ClientService. An
// originating client process runs this server to receive stepd's replies.
func RegisterClientServer(s *grpc.Server, impl ClientServer) {
	s.RegisterService(&clientServiceDesc, impl)
}

// clientEndpoint implements transport.ClientEndpoint over a gRPC
// connection dialed back to the originating client's ClientService.
type clientEndpoint struct {
	conn *grpc.ClientConn
}

// NewClientEndpoint wraps conn as a transport.ClientEndpoint.
func NewClientEndpoint(conn *grpc.ClientConn) transport.ClientEndpoint {
	return &clientEndpoint{conn: conn}
}

func (c *clientEndpoint) SendLaunchResponse(ctx context.Context, msg transport.LaunchTasksResponse) error {
	req, err := toStruct(msg)
	if err != nil {
		return err
	}
	var ack emptypb.Empty
	if err := c.conn.Invoke(ctx, "/stepd.ClientService/SendLaunchResponse", req, &ack); err != nil {
		return fmt.Errorf("grpcconn: SendLaunchResponse: %w", err)
	}
	return nil
}

func (c *clientEndpoint) SendTaskExit(ctx context.Context, msg transport.MessageTaskExit) error {
	req, err := toStruct(msg)
	if err != nil {
		return err
	}
	var ack emptypb.Empty
	if err := c.conn.Invoke(ctx, "/stepd.ClientService/SendTaskExit", req, &ack); err != nil {
		return fmt.Errorf("grpcconn: SendTaskExit: %w", err)
	}
	return nil
}

func (c *clientEndpoint) SendLaunchFailure(ctx context.Context, nodeName string, srunNodeID, returnCode int) error {
	req, err := toStruct(LaunchFailure{NodeName: nodeName, SrunNodeID: srunNodeID, ReturnCode: returnCode})
	if err != nil {
		return err
	}
	var ack emptypb.Empty
	if err := c.conn.Invoke(ctx, "/stepd.ClientService/SendLaunchFailure", req, &ack); err != nil {
		return fmt.Errorf("grpcconn: SendLaunchFailure: %w", err)
	}
	return nil
}
