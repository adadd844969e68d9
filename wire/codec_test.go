package wire

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/tether/event"
)

func TestRegistryDefaults(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{"edn", "json", "transit"}, r.Names())

	for _, name := range r.Names() {
		c, ok := r.Get(name)
		require.True(t, ok)
		assert.Equal(t, name, c.Name())
		assert.NotEmpty(t, c.ContentType())
		assert.NotEmpty(t, c.DisplayName())
	}

	_, ok := r.Get("msgpack")
	assert.False(t, ok)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(JSON()))
	assert.Error(t, r.Register(nil))
}

// frameRoundTrip pushes a frame through encode/decode/unpack on one codec.
func frameRoundTrip(t *testing.T, c Codec, f event.Frame) event.Frame {
	t.Helper()
	data, err := c.Encode(f.Pack())
	require.NoError(t, err)
	decoded, err := c.Decode(data)
	require.NoError(t, err)
	back, err := event.Unpack(decoded)
	require.NoError(t, err)
	return back
}

func TestFrameRoundTripAllFormats(t *testing.T) {
	r := NewRegistry()
	for _, name := range r.Names() {
		c, _ := r.Get(name)
		t.Run(name, func(t *testing.T) {
			f := event.Frame{
				Event:   event.Event{ID: "app/chat", Payload: "hello"},
				ReplyID: "r42",
			}
			back := frameRoundTrip(t, c, f)
			assert.Equal(t, f.Event.ID, back.Event.ID)
			assert.Equal(t, "hello", back.Event.Payload)
			assert.Equal(t, "r42", back.ReplyID)
		})
	}
}

// TestLosslessStability: for the lossless formats, decode∘encode is a fixed
// point — a second round trip reproduces the first decode exactly.
func TestLosslessStability(t *testing.T) {
	values := []any{
		"plain string",
		int64(42),
		[]any{"a", int64(1), true, nil},
	}
	for _, name := range []string{"edn", "transit"} {
		c, _ := NewRegistry().Get(name)
		t.Run(name, func(t *testing.T) {
			for _, v := range values {
				first, err := c.Encode(v)
				require.NoError(t, err)
				d1, err := c.Decode(first)
				require.NoError(t, err)

				second, err := c.Encode(d1)
				require.NoError(t, err)
				d2, err := c.Decode(second)
				require.NoError(t, err)
				assert.Equal(t, d1, d2, "value %v not stable under re-encode", v)
			}
		})
	}
}

func TestEDNPreservesKeywordsAndSets(t *testing.T) {
	c := EDN()

	// Keywords survive a byte-level round trip.
	decoded, err := c.Decode([]byte(":status/ok"))
	require.NoError(t, err)
	encoded, err := c.Encode(decoded)
	require.NoError(t, err)
	assert.Equal(t, ":status/ok", strings.TrimSpace(string(encoded)))

	// Sets decode without error and re-encode as sets.
	decoded, err = c.Decode([]byte("#{1 2 3}"))
	require.NoError(t, err)
	encoded, err = c.Encode(decoded)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(string(encoded)), "#{"))
}

func TestJSONLossIsTheDocumentedLoss(t *testing.T) {
	c := JSON()

	// Integers collapse to float64.
	data, err := c.Encode(int64(7))
	require.NoError(t, err)
	decoded, err := c.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, float64(7), decoded)
}

func TestDecodeErrorCarriesRawBytes(t *testing.T) {
	for _, name := range NewRegistry().Names() {
		c, _ := NewRegistry().Get(name)
		t.Run(name, func(t *testing.T) {
			raw := []byte("{not valid in any format")
			_, err := c.Decode(raw)
			require.Error(t, err)

			var decodeErr *DecodeError
			require.True(t, errors.As(err, &decodeErr))
			assert.Equal(t, raw, decodeErr.Raw)
			assert.Equal(t, name, decodeErr.Format)
		})
	}
}

func TestEncodeErrorCarriesValue(t *testing.T) {
	c := JSON()
	bad := map[string]any{"fn": func() {}}
	_, err := c.Encode(bad)
	require.Error(t, err)

	var encodeErr *EncodeError
	require.True(t, errors.As(err, &encodeErr))
	assert.Equal(t, "json", encodeErr.Format)
	assert.NotNil(t, encodeErr.Value)
}
