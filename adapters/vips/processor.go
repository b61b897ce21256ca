// Package vips provides an optional libvips-backed Decoder, Encoder and
// set of high-throughput core.Processors, carried forward from the
// teacher's own vips backend and adapted to this module's Container type.
package vips

import (
	"context"
	"fmt"
	"runtime"

	govips "github.com/davidbyttow/govips/v2/vips"

	"github.com/imgpipe/imgpipe/core"
	apperrors "github.com/imgpipe/imgpipe/errors"
)

// BackendConfig configures the libvips backend.
type BackendConfig struct {
	DefaultQuality int
	MaxCacheSize   int
	MaxWorkers     int
	ReportLeaks    bool
}

// Backend is a unified libvips-powered Decoder and Encoder, safe for
// concurrent use once Startup has run.
type Backend struct {
	cfg BackendConfig
}

// NewBackend initializes libvips and returns a ready Backend. Call
// Shutdown when the process exits.
func NewBackend(cfg BackendConfig) *Backend {
	if cfg.DefaultQuality <= 0 {
		cfg.DefaultQuality = 85
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = runtime.NumCPU()
	}
	govips.Startup(&govips.Config{
		ConcurrencyLevel: cfg.MaxWorkers,
		MaxCacheSize:     cfg.MaxCacheSize,
		ReportLeaks:      cfg.ReportLeaks,
		CollectStats:     true,
	})
	return &Backend{cfg: cfg}
}

func (b *Backend) Shutdown() { govips.Shutdown() }

// ─── Decoder ──────────────────────────────────────────────────────────────

func (b *Backend) Decode(ctx context.Context, data []byte, partial bool) (*core.Container, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ref, err := govips.NewImageFromBuffer(data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindDecodingFailed, "vips.decode", err)
	}
	runtime.SetFinalizer(ref, func(r *govips.ImageRef) { r.Close() })
	return &core.Container{
		Data:      data,
		Type:      vipsFormatToString(ref.Format()),
		Image:     &Image{ref: ref},
		IsPreview: partial,
	}, nil
}

// ─── Encoder ──────────────────────────────────────────────────────────────

func (b *Backend) CanEncode(format string) bool {
	switch format {
	case "jpeg", "png", "webp":
		return true
	}
	return false
}

func (b *Backend) Encode(ctx context.Context, c *core.Container, opts core.EncodeOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vi, ok := c.Image.(*Image)
	if !ok || vi == nil {
		return nil, apperrors.New(apperrors.KindProcessingFailed, "vips.encode",
			fmt.Errorf("container must be decoded with the vips backend first"))
	}
	quality := opts.Quality
	if quality <= 0 {
		quality = b.cfg.DefaultQuality
	}
	switch c.Type {
	case "jpeg":
		ep := govips.NewJpegExportParams()
		ep.Quality = quality
		ep.StripMetadata = opts.StripEXIF
		ep.Interlace = opts.Interlaced
		buf, _, err := vi.ref.ExportJpeg(ep)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindProcessingFailed, "vips.encode.jpeg", err)
		}
		return buf, nil
	case "png":
		ep := govips.NewPngExportParams()
		ep.StripMetadata = opts.StripEXIF
		ep.Interlace = opts.Interlaced
		buf, _, err := vi.ref.ExportPng(ep)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindProcessingFailed, "vips.encode.png", err)
		}
		return buf, nil
	case "webp":
		ep := govips.NewWebpExportParams()
		ep.Quality = quality
		ep.Lossless = opts.Lossless
		ep.StripMetadata = opts.StripEXIF
		buf, _, err := vi.ref.ExportWebp(ep)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindProcessingFailed, "vips.encode.webp", err)
		}
		return buf, nil
	default:
		return nil, apperrors.New(apperrors.KindProcessingFailed, "vips.encode",
			fmt.Errorf("unsupported format %q", c.Type))
	}
}

// ─── Image ──────────────────────────────────────────────────────────────

// Image wraps a *govips.ImageRef for storage in core.Container.Image.
type Image struct{ ref *govips.ImageRef }

func (v *Image) Width() int            { return v.ref.Width() }
func (v *Image) Height() int           { return v.ref.Height() }
func (v *Image) Ref() *govips.ImageRef { return v.ref }
func (v *Image) Close()                { v.ref.Close() }

// ─── RegisterVipsBackend ──────────────────────────────────────────────────

// RegisterVipsBackend replaces the registry's stdlib codecs with libvips
// for jpeg/png/webp.
func RegisterVipsBackend(reg vipsRegistry, b *Backend) {
	for _, f := range []string{"jpeg", "png", "webp"} {
		reg.RegisterDecoder(f, b)
		reg.RegisterEncoder(f, b)
	}
}

// vipsRegistry is the minimal surface RegisterVipsBackend needs; it is
// satisfied by *decode.Registry without importing that package here and
// risking a cycle (decode never needs to know about vips).
type vipsRegistry interface {
	RegisterDecoder(format string, d core.Decoder)
	RegisterEncoder(format string, e core.Encoder)
}

func vipsFormatToString(f govips.ImageType) string {
	switch f {
	case govips.ImageTypeJPEG:
		return "jpeg"
	case govips.ImageTypePNG:
		return "png"
	case govips.ImageTypeWEBP:
		return "webp"
	default:
		return ""
	}
}

var _ core.Decoder = (*Backend)(nil)
var _ core.Encoder = (*Backend)(nil)
