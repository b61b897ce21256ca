package cachekeys

import (
	"context"
	"strings"
	"testing"

	"github.com/imgpipe/imgpipe/core"
)

type testProc struct{ id string }

func (p testProc) Identifier() string { return p.id }
func (p testProc) Process(_ context.Context, c *core.Container) (*core.Container, error) {
	return c, nil
}

func req(url string, userInfo map[string]any) core.Request {
	return core.Request{
		Source:   core.Source{Kind: core.SourceURL, URL: url},
		UserInfo: userInfo,
	}
}

func TestOriginalDataKey(t *testing.T) {
	r := req("https://example.com/a.jpg", nil)
	if got := OriginalDataKey(r); got != "https://example.com/a.jpg" {
		t.Errorf("OriginalDataKey() = %q", got)
	}
}

func TestOriginalDataKey_AsyncData(t *testing.T) {
	r := core.Request{Source: core.Source{Kind: core.SourceAsyncData, Identifier: "thumb-1"}}
	if got := OriginalDataKey(r); got != "thumb-1" {
		t.Errorf("OriginalDataKey() = %q, want thumb-1", got)
	}
}

func TestDataKey_NoProcessors(t *testing.T) {
	r := req("https://example.com/a.jpg", nil)
	if got := DataKey(r, nil); got != "https://example.com/a.jpg" {
		t.Errorf("DataKey() = %q", got)
	}
}

func TestDataKey_PrefixStable(t *testing.T) {
	r := req("https://example.com/a.jpg", nil)
	procs := []core.Processor{testProc{"resize(800,0)"}, testProc{"grayscale"}}

	one := DataKey(r, procs[:1])
	two := DataKey(r, procs[:2])
	if !strings.HasPrefix(two, one) {
		t.Errorf("DataKey with two processors %q is not an extension of the one-processor key %q", two, one)
	}
}

func TestDataKey_ThumbnailSuffix(t *testing.T) {
	thumb := core.ThumbnailOptions{MaxPixelSize: 256}
	r := req("https://example.com/a.jpg", map[string]any{
		string(core.UserInfoThumbnailKey): thumb,
	})
	key := DataKey(r, nil)
	if !strings.Contains(key, "nuke/thumbnail") {
		t.Errorf("DataKey() = %q, want thumbnail suffix present", key)
	}
	if !strings.HasPrefix(key, "https://example.com/a.jpg") {
		t.Errorf("DataKey() = %q, want original key as prefix", key)
	}
}

func TestImageKey_ScaleSuffix(t *testing.T) {
	r := req("https://example.com/a.jpg", map[string]any{
		string(core.UserInfoScaleKey): 2.0,
	})
	key := ImageKey(r, nil)
	if !strings.HasSuffix(key, "/scale=2") {
		t.Errorf("ImageKey() = %q, want a scale suffix", key)
	}
}

func TestImageKey_NoScale(t *testing.T) {
	r := req("https://example.com/a.jpg", nil)
	if got := ImageKey(r, nil); got != "https://example.com/a.jpg" {
		t.Errorf("ImageKey() = %q", got)
	}
}

func TestThumbnailSuffix_FixedSize(t *testing.T) {
	s := ThumbnailSuffix(core.ThumbnailOptions{MaxPixelSize: 100})
	if !strings.Contains(s, "maxPixelSize=100") {
		t.Errorf("ThumbnailSuffix() = %q", s)
	}
}

func TestThumbnailSuffix_Flexible(t *testing.T) {
	s := ThumbnailSuffix(core.ThumbnailOptions{
		Width: 200, Height: 100, ContentMode: core.ThumbnailModeAspectFill,
	})
	if !strings.Contains(s, "width=200") || !strings.Contains(s, "height=100") || !strings.Contains(s, "contentMode=.aspectFill") {
		t.Errorf("ThumbnailSuffix() = %q", s)
	}
}

func TestThumbnailSuffix_Deterministic(t *testing.T) {
	opts := core.ThumbnailOptions{Width: 50, Height: 50, ContentMode: core.ThumbnailModeFill}
	a := ThumbnailSuffix(opts)
	b := ThumbnailSuffix(opts)
	if a != b {
		t.Errorf("ThumbnailSuffix must be deterministic: %q != %q", a, b)
	}
}
