package server

import (
	jsoniter "github.com/json-iterator/go"
	"google.golang.org/grpc/encoding"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CodecName is the content subtype the Percolator service is served with.
// Clients select it with grpc.CallContentSubtype(CodecName).
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
