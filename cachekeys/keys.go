// Package cachekeys derives the bit-stable cache-key strings spec.md §6
// requires for cross-run, cross-process compatibility with the Nuke
// library's own on-disk cache format. Every function here is pure.
package cachekeys

import (
	"strconv"
	"strings"

	"github.com/imgpipe/imgpipe/core"
)

// OriginalDataKey is the data-cache key for a request's unprocessed
// bytes: the source's own identifying string.
func OriginalDataKey(req core.Request) string {
	return req.Source.Key()
}

// processorSuffix concatenates processor identifiers in chain order,
// matching the processing pipeline's own prefix ordering so a data key
// built from processors[:n] is a prefix-stable string of a key built
// from processors[:m] for n<m.
func processorSuffix(processors []core.Processor) string {
	if len(processors) == 0 {
		return ""
	}
	ids := make([]string, len(processors))
	for i, p := range processors {
		ids[i] = p.Identifier()
	}
	return strings.Join(ids, "")
}

// ThumbnailSuffix builds the literal Nuke-compatible thumbnail cache-key
// suffix for the given options.
func ThumbnailSuffix(t core.ThumbnailOptions) string {
	var b strings.Builder
	b.WriteString("com.github/kean/nuke/thumbnail?")
	if t.IsFixedSize() {
		b.WriteString("maxPixelSize=")
		b.WriteString(strconv.FormatFloat(t.MaxPixelSize, 'g', -1, 64))
		b.WriteByte(',')
	} else {
		b.WriteString("width=")
		b.WriteString(strconv.FormatFloat(t.Width, 'g', -1, 64))
		b.WriteString(",height=")
		b.WriteString(strconv.FormatFloat(t.Height, 'g', -1, 64))
		b.WriteString(",contentMode=.")
		b.WriteString(t.ContentMode.String())
		b.WriteByte(',')
	}
	b.WriteString("options=")
	b.WriteString(boolFlag(t.CreateThumbnailFromImageAlways))
	b.WriteString(boolFlag(t.CreateThumbnailFromImageIfAbsent))
	b.WriteString(boolFlag(t.CreateThumbnailWithTransform))
	b.WriteString(boolFlag(t.ShouldCacheImmediately))
	return b.String()
}

func boolFlag(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

// DataKey is the data-cache key for a request's processed bytes: the
// original data key, the applied processor prefix's identifiers, and (if
// present) the thumbnail suffix.
func DataKey(req core.Request, processors []core.Processor) string {
	key := OriginalDataKey(req) + processorSuffix(processors)
	if t, ok := req.Thumbnail(); ok {
		key += ThumbnailSuffix(t)
	}
	return key
}

// ImageKey is the memory-cache key for a decoded/processed image: the
// data key plus a scale suffix when UserInfo carries one.
func ImageKey(req core.Request, processors []core.Processor) string {
	key := DataKey(req, processors)
	if v, ok := req.UserInfo[string(core.UserInfoScaleKey)]; ok {
		if scale, ok := v.(float64); ok {
			key += "/scale=" + strconv.FormatFloat(scale, 'g', -1, 64)
		}
	}
	return key
}
