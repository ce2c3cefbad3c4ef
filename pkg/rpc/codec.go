package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content-subtype this package registers: requests
// go out as "application/grpc+json" instead of the usual protobuf wire
// format, since there is no .proto/protoc step in this tree.
const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements encoding.Codec, grpc-go's public extension point
// for swapping the wire format without touching transport or streaming
// code. messages.go's request/response types are plain structs, so
// encoding/json marshals them directly.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return codecName }
