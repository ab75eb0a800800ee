package notifyrpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName selects this codec via grpc.CallContentSubtype, putting
// application/grpc+json on the wire.
const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return codecName }
