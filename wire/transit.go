package wire

import (
	"bytes"

	"github.com/russolsen/transit"
)

// transitCodec is the lossless self-describing format, encoded over JSON.
// Extension handlers follow the transit library's handler registry.
type transitCodec struct{}

// Transit returns the built-in Transit codec.
func Transit() Codec { return transitCodec{} }

func (transitCodec) Name() string        { return "transit" }
func (transitCodec) ContentType() string { return "application/transit+json" }
func (transitCodec) Binary() bool        { return false }
func (transitCodec) DisplayName() string { return "Transit" }

func (c transitCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := transit.NewEncoder(&buf, false)
	if err := enc.Encode(v); err != nil {
		return nil, &EncodeError{Format: c.Name(), Value: v, Err: err}
	}
	return buf.Bytes(), nil
}

func (c transitCodec) Decode(data []byte) (any, error) {
	dec := transit.NewDecoder(bytes.NewReader(data))
	v, err := dec.Decode()
	if err != nil {
		return nil, &DecodeError{Format: c.Name(), Raw: data, Err: err}
	}
	return normalizeTransit(v), nil
}

// normalizeTransit rewrites the container types the transit decoder emits
// into the generic shapes the event layer consumes.
func normalizeTransit(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeTransit(e)
		}
		return out
	case map[any]any:
		out := make(map[any]any, len(t))
		for k, e := range t {
			out[normalizeTransit(k)] = normalizeTransit(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalizeTransit(e)
		}
		return out
	default:
		return v
	}
}
