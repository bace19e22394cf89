package ptyhost

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the content subtype of every PtyHost call. Health checks keep
// the default proto codec.
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
