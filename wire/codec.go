// Package wire holds the pluggable serializer registry. A codec is chosen
// once per connection at upgrade time; runtime switching is not supported.
package wire

import (
	"fmt"
	"sort"
	"sync"
)

// Codec encodes and decodes wire values for one format.
type Codec interface {
	// Name is the short registry key ("json", "edn", "transit").
	Name() string
	// ContentType is the MIME tag advertised for the format.
	ContentType() string
	// Binary reports whether encoded output must travel in binary frames.
	Binary() bool
	// DisplayName is the human-readable format name.
	DisplayName() string

	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// EncodeError reports a value the codec could not serialize. The offending
// value is retained so the caller can surface it.
type EncodeError struct {
	Format string
	Value  any
	Err    error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("wire: %s encode failed: %v", e.Format, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError reports malformed input. Raw carries the undecodable bytes so
// the caller can decide between log-and-drop and closing the connection.
type DecodeError struct {
	Format string
	Raw    []byte
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("wire: %s decode failed (%d bytes): %v", e.Format, len(e.Raw), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Registry maps format names to codecs. Registration happens at startup;
// lookups are concurrent with registration.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry returns a registry pre-loaded with the core formats: json
// (lossy), edn and transit (lossless).
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[string]Codec)}
	r.mustRegister(JSON())
	r.mustRegister(EDN())
	r.mustRegister(Transit())
	return r
}

// Register adds a codec under its name. Re-registering a taken name is an
// error; formats are identities, not defaults to shadow.
func (r *Registry) Register(c Codec) error {
	if c == nil || c.Name() == "" {
		return fmt.Errorf("wire: codec must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.codecs[c.Name()]; dup {
		return fmt.Errorf("wire: codec %q already registered", c.Name())
	}
	r.codecs[c.Name()] = c
	return nil
}

func (r *Registry) mustRegister(c Codec) {
	if err := r.Register(c); err != nil {
		panic(err)
	}
}

// Get returns the codec registered under name.
func (r *Registry) Get(name string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[name]
	return c, ok
}

// Names lists registered format names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.codecs))
	for n := range r.codecs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
