package wire

import (
	"olympos.io/encoding/edn"
)

// ednCodec is the lossless structured-text format. Keywords, sets and
// distinct numeric types survive a round trip.
type ednCodec struct{}

// EDN returns the built-in EDN codec.
func EDN() Codec { return ednCodec{} }

func (ednCodec) Name() string        { return "edn" }
func (ednCodec) ContentType() string { return "application/edn" }
func (ednCodec) Binary() bool        { return false }
func (ednCodec) DisplayName() string { return "EDN" }

func (c ednCodec) Encode(v any) ([]byte, error) {
	data, err := edn.Marshal(v)
	if err != nil {
		return nil, &EncodeError{Format: c.Name(), Value: v, Err: err}
	}
	return data, nil
}

func (c ednCodec) Decode(data []byte) (any, error) {
	var v any
	if err := edn.Unmarshal(data, &v); err != nil {
		return nil, &DecodeError{Format: c.Name(), Raw: data, Err: err}
	}
	return v, nil
}
