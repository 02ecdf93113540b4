package grpcconn

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// toStruct converts a plain transport struct into a structpb.Struct, the
// generated well-known protobuf message grpc-go's default codec already
// knows how to frame on the wire. stepd has no .proto compiler in this
// build, so every hand-registered RPC in this package exchanges
// structpb.Struct values instead of purpose-generated message types,
// round-tripping through encoding/json to get from a typed Go struct to
// the map structpb.NewStruct expects.
func toStruct(v interface{}) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("grpcconn: marshal %T: %w", v, err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("grpcconn: marshal %T to map: %w", v, err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("grpcconn: build struct from %T: %w", v, err)
	}
	return s, nil
}

// fromStruct decodes a structpb.Struct back into a typed transport struct.
func fromStruct(s *structpb.Struct, v interface{}) error {
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("grpcconn: struct to json: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("grpcconn: json to %T: %w", v, err)
	}
	return nil
}
