package decoder

import (
	"bytes"
	"context"
	"image/png"

	"github.com/imgpipe/imgpipe/core"
	apperrors "github.com/imgpipe/imgpipe/errors"
)

// PNG decodes PNG images using the standard library.
type PNG struct{}

func NewPNG() *PNG { return &PNG{} }

func (p *PNG) CanDecode(format string) bool { return format == "png" }

func (p *PNG) Decode(ctx context.Context, data []byte, partial bool) (*core.Container, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindDecodingFailed, "png.decode", err)
	}
	return &core.Container{Image: img, Data: data, Type: "png", IsPreview: partial}, nil
}
