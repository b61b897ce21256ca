// Package process implements the Processing Pipeline module: built-in
// core.Processors and incremental chain application supporting
// per-prefix subtask reuse.
package process

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/imgpipe/imgpipe/core"
	apperrors "github.com/imgpipe/imgpipe/errors"
	xdraw "golang.org/x/image/draw"
)

// ScaleDimensions computes an aspect-preserving target size; a zero
// target axis is derived from the other to preserve aspect ratio,
// following the teacher's utils.ScaleDimensions.
func ScaleDimensions(srcW, srcH, targetW, targetH int) (int, int) {
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

func asImage(c *core.Container, op string) (image.Image, error) {
	src, ok := c.Image.(image.Image)
	if !ok || src == nil {
		return nil, apperrors.New(apperrors.KindProcessingFailed, op,
			fmt.Errorf("processor requires a stdlib-decoded container"))
	}
	return src, nil
}

// ── Resize ──────────────────────────────────────────────────────────────

// ResizeProcessor resizes to the given dimensions, preserving aspect
// ratio when one axis is 0.
type ResizeProcessor struct {
	Width, Height int
	Resampler     xdraw.Interpolator // defaults to BiLinear
}

func (s *ResizeProcessor) Identifier() string {
	return fmt.Sprintf("imgpipe.resize(%d,%d)", s.Width, s.Height)
}

func (s *ResizeProcessor) Process(ctx context.Context, c *core.Container) (*core.Container, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := asImage(c, s.Identifier())
	if err != nil {
		return nil, err
	}
	srcB := src.Bounds()
	dstW, dstH := ScaleDimensions(srcB.Dx(), srcB.Dy(), s.Width, s.Height)
	if dstW == srcB.Dx() && dstH == srcB.Dy() {
		return c, nil
	}
	if dstW <= 0 || dstH <= 0 {
		return nil, apperrors.New(apperrors.KindProcessingFailed, s.Identifier(), fmt.Errorf("invalid target dimensions"))
	}
	sampler := s.Resampler
	if sampler == nil {
		sampler = xdraw.BiLinear
	}
	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	sampler.Scale(dst, dst.Bounds(), src, srcB, xdraw.Over, nil)
	out := c.Clone()
	out.Image = dst
	return out, nil
}

// ── Crop ────────────────────────────────────────────────────────────────

// CropProcessor crops a rectangle from the image.
type CropProcessor struct {
	X, Y, Width, Height int
}

func (s *CropProcessor) Identifier() string {
	return fmt.Sprintf("imgpipe.crop(%d,%d,%d,%d)", s.X, s.Y, s.Width, s.Height)
}

func (s *CropProcessor) Process(ctx context.Context, c *core.Container) (*core.Container, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := asImage(c, s.Identifier())
	if err != nil {
		return nil, err
	}
	rect := image.Rect(s.X, s.Y, s.X+s.Width, s.Y+s.Height)
	if !rect.In(src.Bounds()) {
		return nil, apperrors.New(apperrors.KindProcessingFailed, s.Identifier(),
			fmt.Errorf("crop rect %v exceeds image bounds %v", rect, src.Bounds()))
	}
	dst := image.NewRGBA(image.Rect(0, 0, s.Width, s.Height))
	draw.Draw(dst, dst.Bounds(), src, rect.Min, draw.Src)
	out := c.Clone()
	out.Image = dst
	return out, nil
}

// ── Thumbnail ───────────────────────────────────────────────────────────

// ThumbnailProcessor builds a thumbnail per core.ThumbnailOptions,
// supporting both the fixed-size and flexible-size forms.
type ThumbnailProcessor struct {
	Options core.ThumbnailOptions
}

func (s *ThumbnailProcessor) Identifier() string {
	return "imgpipe.thumbnail"
}

func (s *ThumbnailProcessor) Process(ctx context.Context, c *core.Container) (*core.Container, error) {
	src, err := asImage(c, s.Identifier())
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()

	if s.Options.IsFixedSize() {
		size := int(s.Options.MaxPixelSize)
		var rw, rh int
		if w >= h {
			rw, rh = size, 0
		} else {
			rw, rh = 0, size
		}
		resized, err := (&ResizeProcessor{Width: rw, Height: rh}).Process(ctx, c)
		if err != nil {
			return nil, err
		}
		return resized, nil
	}

	targetW, targetH := int(s.Options.Width), int(s.Options.Height)
	switch s.Options.ContentMode {
	case core.ThumbnailModeFill:
		return (&ResizeProcessor{Width: targetW, Height: targetH}).Process(ctx, c)
	case core.ThumbnailModeAspectFill:
		scale := maxFloat(float64(targetW)/float64(w), float64(targetH)/float64(h))
		rw, rh := int(float64(w)*scale), int(float64(h)*scale)
		resized, err := (&ResizeProcessor{Width: rw, Height: rh}).Process(ctx, c)
		if err != nil {
			return nil, err
		}
		rb, err := asImage(resized, s.Identifier())
		if err != nil {
			return nil, err
		}
		ox := (rb.Bounds().Dx() - targetW) / 2
		oy := (rb.Bounds().Dy() - targetH) / 2
		return (&CropProcessor{X: ox, Y: oy, Width: targetW, Height: targetH}).Process(ctx, resized)
	default: // ThumbnailModeAspectFit
		rw, rh := ScaleDimensions(w, h, targetW, targetH)
		if targetW > 0 && targetH > 0 {
			scale := float64(targetW) / float64(w)
			if hs := float64(targetH) / float64(h); hs < scale {
				scale = hs
			}
			rw, rh = int(float64(w)*scale), int(float64(h)*scale)
		}
		return (&ResizeProcessor{Width: rw, Height: rh}).Process(ctx, c)
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// ── Grayscale ───────────────────────────────────────────────────────────

type GrayscaleProcessor struct{}

func (s *GrayscaleProcessor) Identifier() string { return "imgpipe.grayscale" }

func (s *GrayscaleProcessor) Process(_ context.Context, c *core.Container) (*core.Container, error) {
	src, err := asImage(c, s.Identifier())
	if err != nil {
		return nil, err
	}
	bounds := src.Bounds()
	dst := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			dst.Set(x, y, color.GrayModel.Convert(src.At(x, y)))
		}
	}
	out := c.Clone()
	out.Image = dst
	return out, nil
}

// ── StripEXIF ───────────────────────────────────────────────────────────

// StripEXIFProcessor is a no-op for stdlib-decoded containers (the
// stdlib codecs never retain EXIF metadata past decode); it exists so a
// request's processor chain has a stable identifier to key against
// regardless of which decoder backend produced the container, and the
// vips backend's own StripEXIFProcessor (adapters/vips) does real work.
type StripEXIFProcessor struct{}

func (s *StripEXIFProcessor) Identifier() string { return "imgpipe.stripExif" }

func (s *StripEXIFProcessor) Process(_ context.Context, c *core.Container) (*core.Container, error) {
	return c, nil
}

// ── Watermark ───────────────────────────────────────────────────────────

type WatermarkProcessor struct {
	Watermark image.Image
	OffsetX   int
	OffsetY   int
}

func (s *WatermarkProcessor) Identifier() string {
	return fmt.Sprintf("imgpipe.watermark(%d,%d)", s.OffsetX, s.OffsetY)
}

func (s *WatermarkProcessor) Process(_ context.Context, c *core.Container) (*core.Container, error) {
	src, err := asImage(c, s.Identifier())
	if err != nil {
		return nil, err
	}
	dst := image.NewRGBA(src.Bounds())
	draw.Draw(dst, dst.Bounds(), src, image.Point{}, draw.Src)
	offset := image.Point{X: s.OffsetX, Y: s.OffsetY}
	draw.Draw(dst, s.Watermark.Bounds().Add(offset), s.Watermark, image.Point{}, draw.Over)
	out := c.Clone()
	out.Image = dst
	return out, nil
}

var (
	_ core.Processor = (*ResizeProcessor)(nil)
	_ core.Processor = (*CropProcessor)(nil)
	_ core.Processor = (*ThumbnailProcessor)(nil)
	_ core.Processor = (*GrayscaleProcessor)(nil)
	_ core.Processor = (*StripEXIFProcessor)(nil)
	_ core.Processor = (*WatermarkProcessor)(nil)
)
