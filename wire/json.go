package wire

import (
	"bytes"
	"encoding/json"
)

// jsonCodec is the lossy key-value format. Loss is restricted to
// keyword→string, set→array and distinct integer types collapsing to
// float64 on decode.
type jsonCodec struct{}

// JSON returns the built-in JSON codec.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) Name() string        { return "json" }
func (jsonCodec) ContentType() string { return "application/json" }
func (jsonCodec) Binary() bool        { return false }
func (jsonCodec) DisplayName() string { return "JSON" }

func (c jsonCodec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &EncodeError{Format: c.Name(), Value: v, Err: err}
	}
	return data, nil
}

func (c jsonCodec) Decode(data []byte) (any, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&v); err != nil {
		return nil, &DecodeError{Format: c.Name(), Raw: data, Err: err}
	}
	return v, nil
}
