package adminrpc

import (
	"bytes"
	"encoding/gob"

	"google.golang.org/grpc/encoding"
)

// gobCodec is a minimal gRPC codec for the admin surface's plain Go
// structs, grounded on the teacher's custom rawCodec
// (service/router_go/server/wire.go): that codec special-cases one
// wire type and falls back to the standard proto codec for everything
// else. Here there is no protobuf type at all — every admin RPC message
// is a plain struct, so the codec always uses encoding/gob.
type gobCodec struct{}

func (gobCodec) Name() string { return codecName }

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// codecName is the gRPC content-subtype clients must request (via
// grpc.CallContentSubtype) to have their admin RPC messages decoded by
// gobCodec instead of the default protobuf codec.
const codecName = "gob"

func init() {
	encoding.RegisterCodec(gobCodec{})
}
