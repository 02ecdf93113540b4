package grpcconn

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/cuemby/stepd/pkg/stepd/transport"
)

type fakeTreeServer struct{}

func (fakeTreeServer) StepComplete(ctx context.Context, req transport.RequestStepComplete) (transport.ReplyCode, error) {
	if req.JobID == 42 {
		return transport.ReplySuccess, nil
	}
	return transport.ReplyInvalidJobID, nil
}

func (fakeTreeServer) CompleteBatchScript(ctx context.Context, req transport.RequestCompleteBatchScript) (transport.ReplyCode, error) {
	return transport.ReplySuccess, nil
}

func bufDialer(lis *bufconn.Listener) func(context.Context, string) (net.Conn, error) {
	return func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}
}

func TestTreeServiceRoundTrip(t *testing.T) {
	lis := bufconn.Listen(1024 * 1024)
	s := grpc.NewServer()
	RegisterTreeServer(s, fakeTreeServer{})
	go func() { _ = s.Serve(lis) }()
	defer s.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(bufDialer(lis)),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	client := NewControllerClient(conn)

	code, err := client.StepComplete(context.Background(), transport.RequestStepComplete{JobID: 42, RangeFirst: 0, RangeLast: 3})
	if err != nil {
		t.Fatalf("StepComplete: %v", err)
	}
	if code != transport.ReplySuccess {
		t.Errorf("code = %v, want ReplySuccess", code)
	}

	code, err = client.StepComplete(context.Background(), transport.RequestStepComplete{JobID: 7})
	if err != nil {
		t.Fatalf("StepComplete: %v", err)
	}
	if code != transport.ReplyInvalidJobID {
		t.Errorf("code = %v, want ReplyInvalidJobID", code)
	}
}
