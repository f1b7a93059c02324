package server

import (
	"encoding/json"
	"fmt"

	"connectrpc.com/connect"
)

// codecName replaces connect's protojson codec. Clients select it with
// Content-Type application/json (unary) or application/connect+json
// (streaming).
const codecName = "json"

// jsonCodec is a connect.Codec for the plain Go wire types in api.go.
type jsonCodec struct{}

// Name implements connect.Codec.
func (jsonCodec) Name() string { return codecName }

// Marshal implements connect.Codec.
func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	return data, nil
}

// Unmarshal implements connect.Codec. An empty body decodes to the zero
// request.
func (jsonCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %T: %w", v, err)
	}
	return nil
}

// CodecOption installs the JSON codec on a handler or client. Every
// AcdService handler and client needs it.
func CodecOption() connect.Option {
	return connect.WithCodec(jsonCodec{})
}
