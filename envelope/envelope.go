// Package envelope defines the typed payload wrapper exchanged over a session.
//
// An Envelope carries an application-defined code identifying the payload type
// and a content value. Content is serialized eagerly when the envelope is built,
// so an envelope that exists can always be transmitted.
//
// Example:
//
//	type Chat struct{ Text string }
//
//	env, err := envelope.New(1, Chat{Text: "hi"})
//	if err != nil {
//	    log.Fatal(err) // content not serializable
//	}
//	data, _ := env.Marshal()
//
//	raw, err := envelope.Parse(data)
//	msg, err := envelope.Open[Chat](raw)
//	fmt.Println(msg.Code(), msg.Content().Text)
package envelope

import (
	"errors"
	"fmt"

	"github.com/opd-ai/onetoone/limits"
)

// WireVersion is the version of the envelope frame layout.
const WireVersion = 1

var (
	// ErrNotSerializable is returned when content cannot be encoded.
	ErrNotSerializable = errors.New("envelope: content is not serializable")
	// ErrMalformed is returned when received bytes are not a valid envelope.
	ErrMalformed = errors.New("envelope: malformed payload")
	// ErrUnknownContentType is returned when no codec is registered for a content type.
	ErrUnknownContentType = errors.New("envelope: unknown content type")
)

// Sendable is anything that can be put on the wire as an envelope.
type Sendable interface {
	Raw() *Raw
}

// frame is the wire layout: a canonical CBOR array.
type frame struct {
	_           struct{} `cbor:",toarray"`
	Version     uint8
	Code        uint32
	ContentType string
	Content     []byte
}

// Raw is an envelope whose content is still encoded. Received envelopes are
// delivered as Raw and decoded lazily.
type Raw struct {
	Code        uint32
	ContentType string
	Content     []byte
}

// Raw returns r itself so a Raw can be sent as-is.
func (r *Raw) Raw() *Raw { return r }

// Decode unmarshals the content into v using the codec named by ContentType.
func (r *Raw) Decode(v any) error {
	c := DefaultRegistry.Get(r.ContentType)
	if c == nil {
		return fmt.Errorf("%w: %q", ErrUnknownContentType, r.ContentType)
	}
	if err := c.Unmarshal(r.Content, v); err != nil {
		return fmt.Errorf("%w: decode content: %v", ErrMalformed, err)
	}
	return nil
}

// Marshal encodes r as wire bytes.
func (r *Raw) Marshal() ([]byte, error) {
	data, err := CBOR().Marshal(frame{
		Version:     WireVersion,
		Code:        r.Code,
		ContentType: r.ContentType,
		Content:     r.Content,
	})
	if err != nil {
		return nil, fmt.Errorf("encode envelope frame: %w", err)
	}
	if err := limits.ValidateEnvelope(data); err != nil {
		return nil, err
	}
	return data, nil
}

// Parse decodes wire bytes into a Raw. Any failure wraps ErrMalformed.
func Parse(data []byte) (*Raw, error) {
	if err := limits.ValidateEnvelope(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var f frame
	if err := CBOR().Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f.Version != WireVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, f.Version)
	}
	if len(f.Content) == 0 {
		return nil, fmt.Errorf("%w: empty content", ErrMalformed)
	}
	if DefaultRegistry.Get(f.ContentType) == nil {
		return nil, fmt.Errorf("%w: %w %q", ErrMalformed, ErrUnknownContentType, f.ContentType)
	}

	return &Raw{
		Code:        f.Code,
		ContentType: f.ContentType,
		Content:     f.Content,
	}, nil
}

// Envelope is an immutable typed payload.
type Envelope[T any] struct {
	code    uint32
	content T
	raw     *Raw
}

// Option configures envelope construction.
type Option func(*options)

type options struct {
	codec Codec
}

// WithCodec selects the codec used to serialize content. The codec's content
// type must be registered in DefaultRegistry for the receiver to decode it.
func WithCodec(c Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// New builds an envelope, serializing content immediately. It returns nil and
// an error wrapping ErrNotSerializable when content cannot be encoded.
func New[T any](code uint32, content T, opts ...Option) (*Envelope[T], error) {
	o := options{codec: CBOR()}
	for _, opt := range opts {
		opt(&o)
	}

	data, err := o.codec.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotSerializable, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: codec produced no bytes", ErrNotSerializable)
	}

	return &Envelope[T]{
		code:    code,
		content: content,
		raw: &Raw{
			Code:        code,
			ContentType: o.codec.ContentType(),
			Content:     data,
		},
	}, nil
}

// Open decodes a received Raw into a typed envelope.
func Open[T any](raw *Raw) (*Envelope[T], error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrMalformed)
	}
	var content T
	if err := raw.Decode(&content); err != nil {
		return nil, err
	}
	return &Envelope[T]{code: raw.Code, content: content, raw: raw}, nil
}

// Code returns the application-level payload type.
func (e *Envelope[T]) Code() uint32 { return e.code }

// Content returns the payload value.
func (e *Envelope[T]) Content() T { return e.content }

// Raw returns the encoded view of the envelope.
func (e *Envelope[T]) Raw() *Raw { return e.raw }

// Marshal encodes the envelope as wire bytes.
func (e *Envelope[T]) Marshal() ([]byte, error) { return e.raw.Marshal() }
