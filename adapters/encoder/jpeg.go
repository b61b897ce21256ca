// Package encoder provides format-specific core.Encoder implementations
// used to write re-encoded bytes into the disk cache.
package encoder

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/imgpipe/imgpipe/core"
	apperrors "github.com/imgpipe/imgpipe/errors"
)

// JPEG encodes images to JPEG using the standard library.
type JPEG struct {
	DefaultQuality int
}

func NewJPEG(defaultQuality int) *JPEG {
	if defaultQuality <= 0 {
		defaultQuality = 85
	}
	return &JPEG{DefaultQuality: defaultQuality}
}

func (j *JPEG) CanEncode(format string) bool { return format == "jpeg" }

func (j *JPEG) Encode(ctx context.Context, c *core.Container, opts core.EncodeOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c == nil || c.Image == nil {
		return nil, apperrors.New(apperrors.KindProcessingFailed, "jpeg.encode", apperrors.ErrEmptyInput)
	}
	img, ok := c.Image.(image.Image)
	if !ok {
		return nil, apperrors.New(apperrors.KindProcessingFailed, "jpeg.encode", fmt.Errorf("unsupported image type %T", c.Image))
	}
	quality := opts.Quality
	if quality <= 0 {
		quality = j.DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, apperrors.Wrap(apperrors.KindProcessingFailed, "jpeg.encode", err)
	}
	return buf.Bytes(), nil
}
