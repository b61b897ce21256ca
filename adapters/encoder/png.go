package encoder

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	"github.com/imgpipe/imgpipe/core"
	apperrors "github.com/imgpipe/imgpipe/errors"
)

// PNG encodes images to PNG using the standard library.
type PNG struct{}

func NewPNG() *PNG { return &PNG{} }

func (p *PNG) CanEncode(format string) bool { return format == "png" }

func (p *PNG) Encode(ctx context.Context, c *core.Container, opts core.EncodeOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c == nil || c.Image == nil {
		return nil, apperrors.New(apperrors.KindProcessingFailed, "png.encode", apperrors.ErrEmptyInput)
	}
	img, ok := c.Image.(image.Image)
	if !ok {
		return nil, apperrors.New(apperrors.KindProcessingFailed, "png.encode", fmt.Errorf("unsupported image type %T", c.Image))
	}
	enc := &png.Encoder{CompressionLevel: png.DefaultCompression}
	if opts.Lossless {
		enc.CompressionLevel = png.BestCompression
	}
	var buf bytes.Buffer
	if err := enc.Encode(&buf, img); err != nil {
		return nil, apperrors.Wrap(apperrors.KindProcessingFailed, "png.encode", err)
	}
	return buf.Bytes(), nil
}
