// Package decoder provides format-specific core.Decoder implementations.
package decoder

import (
	"bytes"
	"context"
	"image/jpeg"

	"github.com/imgpipe/imgpipe/core"
	apperrors "github.com/imgpipe/imgpipe/errors"
)

// JPEG decodes JPEG images using the standard library. It does not
// distinguish partial from final decode attempts: image/jpeg either
// succeeds or fails on the bytes given, and a failed partial attempt is
// treated by the progressive controller as "not enough data yet", not as
// a pipeline error.
type JPEG struct{}

func NewJPEG() *JPEG { return &JPEG{} }

func (j *JPEG) CanDecode(format string) bool { return format == "jpeg" }

func (j *JPEG) Decode(ctx context.Context, data []byte, partial bool) (*core.Container, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindDecodingFailed, "jpeg.decode", err)
	}
	return &core.Container{Image: img, Data: data, Type: "jpeg", IsPreview: partial}, nil
}
