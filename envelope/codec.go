package envelope

import (
	"encoding/json"
	"sync"

	cbor "github.com/fxamacker/cbor/v2"
)

// Codec marshals envelope content. Implementations must be symmetric:
// Unmarshal(Marshal(v)) restores an equal value.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

const (
	// ContentTypeCBOR identifies the canonical CBOR codec.
	ContentTypeCBOR = "application/cbor"
	// ContentTypeJSON identifies the JSON codec.
	ContentTypeJSON = "application/json"
)

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var (
	cborOnce sync.Once
	cborInst cborCodec
)

// CBOR returns the deterministic CBOR codec (RFC 8949 core profile).
func CBOR() Codec {
	cborOnce.Do(func() {
		em, err := cbor.CanonicalEncOptions().EncMode()
		if err != nil {
			panic(err)
		}
		dm, err := cbor.DecOptions{}.DecMode()
		if err != nil {
			panic(err)
		}
		cborInst = cborCodec{enc: em, dec: dm}
	})
	return cborInst
}

func (c cborCodec) ContentType() string                { return ContentTypeCBOR }
func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

type jsonCodec struct{}

// JSON returns a JSON codec (RFC 8259).
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) ContentType() string                { return ContentTypeJSON }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Registry maps content types to codecs.
type Registry struct {
	mu     sync.RWMutex
	byType map[string]Codec
}

// NewRegistry constructs a registry preloaded with the CBOR and JSON codecs.
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[string]Codec)}
	r.Register(CBOR())
	r.Register(JSON())
	return r
}

// Register adds or replaces a codec.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[c.ContentType()] = c
}

// Get returns a codec by content type, or nil.
func (r *Registry) Get(contentType string) Codec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byType[contentType]
}

// DefaultRegistry resolves content types of received envelopes.
var DefaultRegistry = NewRegistry()
