package decoder

import (
	"bytes"
	"context"

	"github.com/imgpipe/imgpipe/core"
	apperrors "github.com/imgpipe/imgpipe/errors"
	"golang.org/x/image/webp"
)

// WebP decodes still WebP images (lossy and lossless) using
// golang.org/x/image/webp; animated WebP is not supported.
type WebP struct{}

func NewWebP() *WebP { return &WebP{} }

func (w *WebP) CanDecode(format string) bool { return format == "webp" }

func (w *WebP) Decode(ctx context.Context, data []byte, partial bool) (*core.Container, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := webp.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindDecodingFailed, "webp.decode", err)
	}
	return &core.Container{Image: img, Data: data, Type: "webp", IsPreview: partial}, nil
}
