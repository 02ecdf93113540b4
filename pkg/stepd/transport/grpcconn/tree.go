package grpcconn

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cuemby/stepd/pkg/stepd/transport"
)

// TreeServer is the server-side contract backing the hand-registered
// stepd.TreeService: a parent rank (or the controller) receiving fan-in
// completion reports from its children.
type TreeServer interface {
	StepComplete(ctx context.Context, req transport.RequestStepComplete) (transport.ReplyCode, error)
	CompleteBatchScript(ctx context.Context, req transport.RequestCompleteBatchScript) (transport.ReplyCode, error)
}

func replyStruct(code transport.ReplyCode) (*structpb.Struct, error) {
	return toStruct(struct{ Code transport.ReplyCode }{Code: code})
}

func decodeReply(s *structpb.Struct) (transport.ReplyCode, error) {
	var r struct{ Code transport.ReplyCode }
	if err := fromStruct(s, &r); err != nil {
		return transport.ReplyError, err
	}
	return r.Code, nil
}

func treeStepCompleteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	var wire structpb.Struct
	if err := dec(&wire); err != nil {
		return nil, err
	}
	var req transport.RequestStepComplete
	if err := fromStruct(&wire, &req); err != nil {
		return nil, err
	}

	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		code, err := srv.(TreeServer).StepComplete(ctx, *req.(*transport.RequestStepComplete))
		if err != nil {
			return nil, err
		}
		return replyStruct(code)
	}
	if interceptor == nil {
		return call(ctx, &req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/stepd.TreeService/StepComplete"}
	return interceptor(ctx, &req, info, call)
}

func treeCompleteBatchScriptHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	var wire structpb.Struct
	if err := dec(&wire); err != nil {
		return nil, err
	}
	var req transport.RequestCompleteBatchScript
	if err := fromStruct(&wire, &req); err != nil {
		return nil, err
	}

	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		code, err := srv.(TreeServer).CompleteBatchScript(ctx, *req.(*transport.RequestCompleteBatchScript))
		if err != nil {
			return nil, err
		}
		return replyStruct(code)
	}
	if interceptor == nil {
		return call(ctx, &req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/stepd.TreeService/CompleteBatchScript"}
	return interceptor(ctx, &req, info, call)
}

var treeServiceDesc = grpc.ServiceDesc{
	ServiceName: "stepd.TreeService",
	HandlerType: (*TreeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StepComplete", Handler: treeStepCompleteHandler},
		{MethodName: "CompleteBatchScript", Handler: treeCompleteBatchScriptHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stepd/tree.go",
}

// RegisterTreeServer attaches impl to s under stepd.TreeService.
func RegisterTreeServer(s *grpc.Server, impl TreeServer) {
	s.RegisterService(&treeServiceDesc, impl)
}

// controllerClient implements transport.ControllerClient over a gRPC
// connection to the controller's TreeService.
type controllerClient struct {
	conn *grpc.ClientConn
}

// NewControllerClient wraps conn as a transport.ControllerClient.
func NewControllerClient(conn *grpc.ClientConn) transport.ControllerClient {
	return &controllerClient{conn: conn}
}

func (c *controllerClient) StepComplete(ctx context.Context, msg transport.RequestStepComplete) (transport.ReplyCode, error) {
	req, err := toStruct(msg)
	if err != nil {
		return transport.ReplyError, err
	}
	var reply structpb.Struct
	if err := c.conn.Invoke(ctx, "/stepd.TreeService/StepComplete", req, &reply); err != nil {
		return transport.ReplyError, fmt.Errorf("grpcconn: StepComplete: %w", err)
	}
	return decodeReply(&reply)
}

func (c *controllerClient) CompleteBatchScript(ctx context.Context, msg transport.RequestCompleteBatchScript) (transport.ReplyCode, error) {
	req, err := toStruct(msg)
	if err != nil {
		return transport.ReplyError, err
	}
	var reply structpb.Struct
	if err := c.conn.Invoke(ctx, "/stepd.TreeService/CompleteBatchScript", req, &reply); err != nil {
		return transport.ReplyError, fmt.Errorf("grpcconn: CompleteBatchScript: %w", err)
	}
	return decodeReply(&reply)
}

// peerClient implements transport.PeerClient over a gRPC connection to a
// parent rank's TreeService.
type peerClient struct {
	conn *grpc.ClientConn
}

// NewPeerClient wraps conn as a transport.PeerClient.
func NewPeerClient(conn *grpc.ClientConn) transport.PeerClient {
	return &peerClient{conn: conn}
}

func (c *peerClient) StepComplete(ctx context.Context, msg transport.RequestStepComplete) (transport.ReplyCode, error) {
	req, err := toStruct(msg)
	if err != nil {
		return transport.ReplyError, err
	}
	var reply structpb.Struct
	if err := c.conn.Invoke(ctx, "/stepd.TreeService/StepComplete", req, &reply); err != nil {
		return transport.ReplyError, fmt.Errorf("grpcconn: StepComplete: %w", err)
	}
	return decodeReply(&reply)
}
