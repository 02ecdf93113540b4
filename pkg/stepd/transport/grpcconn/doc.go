// Package grpcconn is the one concrete transport.ControllerClient,
// transport.PeerClient, and transport.ClientEndpoint implementation,
// carried over gRPC. The connection's security is whatever it was dialed
// with: mutual TLS via ClientCredentials, or plaintext.
//
// stepd has no .proto compiler available in its build, so the two
// services it exposes — stepd.TreeService (completion-tree fan-in) and
// stepd.ClientService (launch replies and task-exit notifications to the
// originating client) — are hand-registered grpc.ServiceDesc values, the
// same mechanism protoc-gen-go-grpc emits. Their wire messages are
// google.golang.org/protobuf's well-known structpb.Struct (and
// emptypb.Empty for void acknowledgements): every plain struct in
// pkg/stepd/transport round-trips through encoding/json into a
// structpb.Struct, which is itself a real generated protobuf message
// grpc-go's default codec already knows how to frame — the standard
// escape hatch for hand-written gRPC services with no .proto step.
//
// ServerCredentials and ClientCredentials load the mTLS material from a
// cert directory the way pkg/security expects, the same way the
// embedding node daemon's own gRPC server and client connections do.
package grpcconn
