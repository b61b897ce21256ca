// Package core defines the value types and external collaborator
// interfaces shared across the pipeline: requests, containers,
// responses, options and priorities.
package core

import (
	"net/http"
	"time"
)

// Priority orders competing work across the coordinator and its queues.
// Higher values run first.
type Priority int

const (
	PriorityVeryLow Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityVeryHigh
)

// Options is a bitmask of per-request behavior flags.
type Options uint16

const (
	DisableMemoryCacheReads Options = 1 << iota
	DisableMemoryCacheWrites
	DisableDiskCacheReads
	DisableDiskCacheWrites
	ReloadIgnoringCachedData
	ReturnCacheDataDontLoad
	SkipDecompression
	SkipDataLoadingQueue
)

func (o Options) Has(flag Options) bool { return o&flag != 0 }

// ThumbnailMode selects how a flexible-size thumbnail fits its target
// box. Names follow the Nuke library's own ContentMode vocabulary,
// which the cache-key format in DESIGN.md's Open-Question resolution
// adopts verbatim.
type ThumbnailMode int

const (
	ThumbnailModeAspectFit ThumbnailMode = iota
	ThumbnailModeAspectFill
	ThumbnailModeFill
)

func (m ThumbnailMode) String() string {
	switch m {
	case ThumbnailModeAspectFit:
		return "aspectFit"
	case ThumbnailModeAspectFill:
		return "aspectFill"
	default:
		return "fill"
	}
}

// ThumbnailOptions describes a thumbnail request in either of its two
// forms: fixed-size (MaxPixelSize) or flexible (Width/Height/ContentMode).
type ThumbnailOptions struct {
	MaxPixelSize float64 // fixed-size form; zero means unset

	Width, Height float64 // flexible form
	ContentMode   ThumbnailMode

	CreateThumbnailFromImageAlways   bool
	CreateThumbnailFromImageIfAbsent bool
	CreateThumbnailWithTransform     bool
	ShouldCacheImmediately           bool
}

// IsFixedSize reports whether the fixed-size form of the options is in use.
func (t ThumbnailOptions) IsFixedSize() bool { return t.MaxPixelSize > 0 }

// Container is the spec's ImageContainer: a decoded or partially-decoded
// image plus its encoded bytes and any out-of-band metadata attached by
// processors.
type Container struct {
	// Image holds the decoded image. Decoders that produce a stdlib
	// image.Image (jpeg/png/webp) store it directly; the vips backend
	// stores a *vips.Image instead, since libvips keeps pixels in
	// native memory rather than a Go image.Image. Processors that need
	// pixel access type-assert to whichever shape their decoder produced.
	Image     any
	Data      []byte
	Type      string // encoded container format, e.g. "jpeg", "png", "webp"
	IsPreview bool
	UserInfo  map[string]any
}

// Clone returns a shallow copy suitable for handing to an independent
// processing chain without the two chains racing on UserInfo mutation.
func (c *Container) Clone() *Container {
	if c == nil {
		return nil
	}
	cp := *c
	if c.UserInfo != nil {
		cp.UserInfo = make(map[string]any, len(c.UserInfo))
		for k, v := range c.UserInfo {
			cp.UserInfo[k] = v
		}
	}
	return &cp
}

// CacheType reports where a Response's container was served from.
type CacheType int

const (
	CacheTypeNone CacheType = iota
	CacheTypeMemory
	CacheTypeDisk
)

func (c CacheType) String() string {
	switch c {
	case CacheTypeMemory:
		return "memory"
	case CacheTypeDisk:
		return "disk"
	default:
		return "none"
	}
}

// Response is the spec's ImageResponse: the terminal payload of an
// image_task.
type Response struct {
	Container   *Container
	Request     Request
	URLResponse *http.Response
	CacheType   CacheType
}

// OriginalData is the terminal payload of a data_task / the
// FetchOriginalData subtask.
type OriginalData struct {
	Data        []byte
	URLResponse *http.Response
	CacheType   CacheType
}

// ProgressSnapshot reports loading progress for a data_task or
// image_task. Chunk carries only the bytes received since the previous
// snapshot; the coordinator accumulates them so dependents (the decoder)
// can feed a progressive decode without waiting for completion.
type ProgressSnapshot struct {
	Completed int64
	Total     int64
	Chunk     []byte
}

// WellKnownUserInfoKey names UserInfo keys with pipeline-defined meaning.
type WellKnownUserInfoKey string

const (
	UserInfoThumbnailKey WellKnownUserInfoKey = "thumbnail"
	UserInfoScaleKey     WellKnownUserInfoKey = "scale"
)

// TimeNow is the clock used for subtask start/duration timestamps and the
// progressive-preview throttle; tests may override it.
var TimeNow = time.Now
