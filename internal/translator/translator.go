// Package translator converts between vendor wire formats and the canonical
// chat model. Every format registers one Codec; conversions always go through
// the canonical form.
package translator

import (
	"maps"
	"slices"

	"combo-gateway/internal/models"
	"combo-gateway/internal/sse"
)

// Format names a vendor wire format.
type Format string

const (
	FormatOpenAI    Format = "openai"
	FormatClaude    Format = "claude"
	FormatGemini    Format = "gemini"
	FormatGeminiCLI Format = "gemini-cli"
)

// ErrorInfo describes a terminal failure to be rendered in a caller format.
type ErrorInfo struct {
	Status  int
	Type    string
	Code    string
	Message string
}

// Codec converts one vendor format to and from the canonical model.
type Codec interface {
	Format() Format
	DecodeRequest(raw []byte) (*models.CanonicalRequest, error)
	EncodeRequest(req *models.CanonicalRequest) ([]byte, error)
	DecodeResponse(raw []byte) (*models.CanonicalResponse, error)
	EncodeResponse(resp *models.CanonicalResponse) ([]byte, error)
	NewStreamDecoder() StreamDecoder
	NewStreamEncoder() StreamEncoder
	EncodeError(info ErrorInfo) []byte
}

// StreamDecoder turns upstream stream events into canonical chunks. terminal
// reports that the event was the vendor's explicit end-of-stream marker.
type StreamDecoder interface {
	Decode(ev sse.Event) (chunks []models.CanonicalChunk, terminal bool, err error)
}

// StreamEncoder renders canonical chunks as caller stream events. Finish
// returns the closing events once the upstream terminated.
type StreamEncoder interface {
	Encode(chunk models.CanonicalChunk) ([]sse.Event, error)
	Finish() []sse.Event
	EncodeError(info ErrorInfo) []sse.Event
}

// Registry maps format keys to codecs. It is immutable once built.
type Registry struct {
	codecs map[Format]Codec
}

// NewRegistry indexes the given codecs by their format key.
func NewRegistry(codecs ...Codec) *Registry {
	m := make(map[Format]Codec, len(codecs))
	for _, c := range codecs {
		m[c.Format()] = c
	}
	return &Registry{codecs: m}
}

// DefaultRegistry returns a registry holding every built-in format.
func DefaultRegistry() *Registry {
	return NewRegistry(NewOpenAI(), NewClaude(), NewGemini(), NewGeminiCLI())
}

// Lookup returns the codec for f or an *UnsupportedFormatError.
func (r *Registry) Lookup(f Format) (Codec, error) {
	c, ok := r.codecs[f]
	if !ok {
		return nil, &UnsupportedFormatError{Format: string(f)}
	}
	return c, nil
}

// Formats lists the registered keys in sorted order.
func (r *Registry) Formats() []Format {
	return slices.Sorted(maps.Keys(r.codecs))
}

// TranslateRequest decodes a request in one format and encodes it in another.
func (r *Registry) TranslateRequest(from, to Format, raw []byte) ([]byte, error) {
	src, err := r.Lookup(from)
	if err != nil {
		return nil, err
	}
	dst, err := r.Lookup(to)
	if err != nil {
		return nil, err
	}
	req, err := src.DecodeRequest(raw)
	if err != nil {
		return nil, err
	}
	return dst.EncodeRequest(req)
}
