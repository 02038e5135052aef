// Package rpcapi exposes the leader's one inbound RPC, SealAndExtendChain,
// over grpc-go. Rather than generated protobuf stubs, it registers its own
// grpc.ServiceDesc directly against plain Go request/response structs,
// using a JSON codec (a supported grpc-go extension point:
// google.golang.org/grpc/encoding). This keeps the transport on real
// grpc-go framing, interceptors, and keepalive without a .proto build
// step for a single-method service.
package rpcapi

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

const jsonCodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements encoding.Codec by marshaling through encoding/json.
// It is registered globally under the "json" name and selected per-call via
// grpc.CallContentSubtype/grpc.ForceServerCodec.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpcapi: marshaling %T: %w", v, err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("rpcapi: unmarshaling into %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Name() string { return jsonCodecName }
