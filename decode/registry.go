// Package decode implements the Decoding & Progressive Streaming
// module: format dispatch and back-pressure-aware incremental decoding.
package decode

import (
	"context"
	"sync"

	"github.com/imgpipe/imgpipe/core"
	apperrors "github.com/imgpipe/imgpipe/errors"
)

// Registry dispatches decode requests to a registered core.Decoder by
// format string, matching the teacher's DefaultRegistry read/write-locked
// map-of-decoders shape.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]core.Decoder
	encoders map[string]core.Encoder
}

func NewRegistry() *Registry {
	return &Registry{
		decoders: make(map[string]core.Decoder),
		encoders: make(map[string]core.Encoder),
	}
}

func (r *Registry) RegisterDecoder(format string, d core.Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[format] = d
}

func (r *Registry) RegisterEncoder(format string, e core.Encoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.encoders[format] = e
}

func (r *Registry) DecoderFor(format string) (core.Decoder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.decoders[format]
	return d, ok
}

func (r *Registry) EncoderFor(format string) (core.Encoder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.encoders[format]
	return e, ok
}

// Decode looks up the decoder for format and runs it, returning a
// decoderNotRegistered pipeline error if none is registered.
func (r *Registry) Decode(ctx context.Context, format string, data []byte, partial bool) (*core.Container, error) {
	d, ok := r.DecoderFor(format)
	if !ok {
		return nil, apperrors.New(apperrors.KindDecoderNotRegistered, "decode.dispatch", nil)
	}
	return d.Decode(ctx, data, partial)
}

// DetectFormat sniffs a format string from a byte prefix, following the
// teacher's utils.DetectFormat magic-byte approach.
func DetectFormat(data []byte) string {
	switch {
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return "jpeg"
	case len(data) >= 8 && data[0] == 0x89 && data[1] == 'P' && data[2] == 'N' && data[3] == 'G':
		return "png"
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return "webp"
	default:
		return ""
	}
}
