package vips

import (
	"context"
	"fmt"

	govips "github.com/davidbyttow/govips/v2/vips"

	"github.com/imgpipe/imgpipe/core"
	apperrors "github.com/imgpipe/imgpipe/errors"
)

// ResizeProcessor resizes using vips_resize() with a Lanczos3 kernel.
// Requires a Container decoded by the vips Backend.
type ResizeProcessor struct {
	Width, Height int
}

func (s *ResizeProcessor) Identifier() string {
	return fmt.Sprintf("vips.resize(%d,%d)", s.Width, s.Height)
}

func (s *ResizeProcessor) Process(ctx context.Context, c *core.Container) (*core.Container, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vi, ok := c.Image.(*Image)
	if !ok || vi == nil {
		return nil, apperrors.New(apperrors.KindProcessingFailed, s.Identifier(),
			fmt.Errorf("expected a vips-decoded container"))
	}
	srcW, srcH := vi.Width(), vi.Height()
	dstW, dstH := scaleDimensions(srcW, srcH, s.Width, s.Height)
	if dstW == srcW && dstH == srcH {
		return c, nil
	}
	scale := float64(dstW) / float64(srcW)
	if err := vi.ref.Resize(scale, govips.KernelLanczos3); err != nil {
		return nil, apperrors.Wrap(apperrors.KindProcessingFailed, s.Identifier(), err)
	}
	return c, nil
}

// StripEXIFProcessor removes all EXIF/XMP/IPTC metadata in place.
type StripEXIFProcessor struct{}

func (s *StripEXIFProcessor) Identifier() string { return "vips.stripExif" }

func (s *StripEXIFProcessor) Process(_ context.Context, c *core.Container) (*core.Container, error) {
	if vi, ok := c.Image.(*Image); ok && vi != nil {
		vi.ref.RemoveMetadata()
	}
	return c, nil
}

// ThumbnailProcessor shrinks the image so its longer edge equals Size,
// using vips_resize the same way ResizeProcessor does; it exists as a
// distinct processor so its identifier keys thumbnail subtasks
// separately from arbitrary resizes of the same effective dimensions.
type ThumbnailProcessor struct {
	Size int
}

func (s *ThumbnailProcessor) Identifier() string {
	return fmt.Sprintf("vips.thumbnail(%d)", s.Size)
}

func (s *ThumbnailProcessor) Process(ctx context.Context, c *core.Container) (*core.Container, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vi, ok := c.Image.(*Image)
	if !ok || vi == nil {
		return nil, apperrors.New(apperrors.KindProcessingFailed, s.Identifier(),
			fmt.Errorf("expected a vips-decoded container"))
	}
	srcW, srcH := vi.Width(), vi.Height()
	var rw, rh int
	if srcW >= srcH {
		rw = s.Size
	} else {
		rh = s.Size
	}
	return (&ResizeProcessor{Width: rw, Height: rh}).Process(ctx, c)
}

// AutoRotateProcessor applies the EXIF orientation tag, then clears it.
type AutoRotateProcessor struct{}

func (s *AutoRotateProcessor) Identifier() string { return "vips.autoRotate" }

func (s *AutoRotateProcessor) Process(_ context.Context, c *core.Container) (*core.Container, error) {
	vi, ok := c.Image.(*Image)
	if !ok || vi == nil {
		return c, nil
	}
	if err := vi.ref.AutoRotate(); err != nil {
		return nil, apperrors.Wrap(apperrors.KindProcessingFailed, s.Identifier(), err)
	}
	return c, nil
}

// scaleDimensions computes an aspect-preserving target size, following
// the teacher's utils.ScaleDimensions behavior: a zero target axis is
// derived from the other to preserve aspect ratio.
func scaleDimensions(srcW, srcH, targetW, targetH int) (int, int) {
	if targetW <= 0 && targetH <= 0 {
		return srcW, srcH
	}
	if targetW <= 0 {
		return srcW * targetH / srcH, targetH
	}
	if targetH <= 0 {
		return targetW, srcH * targetW / srcW
	}
	return targetW, targetH
}

var _ core.Processor = (*ResizeProcessor)(nil)
var _ core.Processor = (*ThumbnailProcessor)(nil)
var _ core.Processor = (*StripEXIFProcessor)(nil)
var _ core.Processor = (*AutoRotateProcessor)(nil)
