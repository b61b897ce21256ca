// Package loader implements the Data Loader module: the concrete
// network/filesystem collaborator the coordinator calls to fetch a
// Source's bytes, grounded on the teacher's fasthttp-backed
// MediaDownloader.
package loader

import (
	"context"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/imgpipe/imgpipe/core"
	apperrors "github.com/imgpipe/imgpipe/errors"
	"github.com/imgpipe/imgpipe/resumable"
)

// HTTPConfig configures the HTTP loader's fasthttp client, mirroring the
// teacher's MediaDownloader defaults.
type HTTPConfig struct {
	MaxConnsPerHost     int
	ReadTimeout         time.Duration
	ReadBufferSize      int
	MaxResponseBodySize int
	ChunkSize           int // size of the progress chunks emitted per onProgress call
}

// DefaultHTTPConfig matches the teacher's NewMediaDownloader defaults.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		MaxConnsPerHost:     32,
		ReadTimeout:         8 * time.Second,
		ReadBufferSize:      6 * 1024 * 1024,
		MaxResponseBodySize: 16 * 1024 * 1024,
		ChunkSize:           32 * 1024,
	}
}

// HTTP is a core.DataLoader backed by fasthttp, with local file:// and
// in-process async-data sources handled directly. Resumable sources
// consult a resumable.Store for a prior Partial to continue from.
type HTTP struct {
	client  fasthttp.Client
	chunk   int
	partial *resumable.Store // nil disables resumable-data support

	// Logger, if set, receives a Warn when a resumed request gets a full
	// 200 response instead of the expected 206, forcing a restart from
	// scratch. Left nil by NewHTTP; pipeline.New attaches its own logger
	// to the concrete *HTTP it builds.
	Logger core.Logger
}

// NewHTTP builds an HTTP loader. Pass a non-nil *resumable.Store to
// enable HTTP Range/If-Range resumption of interrupted downloads.
func NewHTTP(cfg HTTPConfig, partial *resumable.Store) *HTTP {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 32 * 1024
	}
	return &HTTP{
		client: fasthttp.Client{
			ReadTimeout:         cfg.ReadTimeout,
			MaxConnsPerHost:     cfg.MaxConnsPerHost,
			ReadBufferSize:      cfg.ReadBufferSize,
			MaxResponseBodySize: cfg.MaxResponseBodySize,
		},
		chunk:   cfg.ChunkSize,
		partial: partial,
	}
}

// Load fetches src's bytes, invoking onProgress once per chunk of the
// response body as it is consumed. fasthttp's Client buffers the whole
// response before returning it, so "progressive" here means the already
// fully-fetched body is handed to onProgress in ChunkSize slices rather
// than all at once; decoders feeding on these chunks still get usable
// previews well before Load returns, since onProgress calls happen
// before this function's own return.
func (h *HTTP) Load(ctx context.Context, src core.Source, resumeFrom *core.ResumeToken, onProgress core.ProgressFunc) (core.OriginalData, error) {
	switch src.Kind {
	case core.SourceAsyncData:
		return h.loadAsync(ctx, src, onProgress)
	}

	key := src.Key()
	if len(key) >= 7 && key[:7] == "file://" {
		return h.loadFile(ctx, key[7:], onProgress)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(key)
	if src.Kind == core.SourceURLRequest && src.URLRequest != nil {
		for k, v := range src.URLRequest.Headers {
			req.Header.Set(k, v)
		}
	}

	var partial resumable.Partial
	var resuming bool
	if h.partial != nil {
		if p, ok := h.partial.Get(key); ok {
			partial = p
			resuming = true
			for k, v := range resumable.RangeHeaders(p) {
				req.Header.Set(k, v)
			}
		}
	}

	if err := h.do(ctx, req, resp); err != nil {
		return core.OriginalData{}, err
	}

	code := resp.StatusCode()
	if resuming && code == http.StatusOK {
		// The server ignored the Range request (or the resource changed
		// underneath us): restart from scratch instead of prepending a
		// stale prefix to a full-body response.
		if h.Logger != nil {
			h.Logger.Warn("loader.http.resume_reconnect_ignored", "key", key)
		}
		resuming = false
		partial = resumable.Partial{}
		if h.partial != nil {
			h.partial.Clear(key)
		}
	}
	if code != http.StatusOK && code != http.StatusPartialContent {
		return core.OriginalData{}, apperrors.New(apperrors.KindDataLoadingFailed, "loader.http.load", &statusError{code: code})
	}

	body := resp.Body()
	if len(body) == 0 && !resuming {
		return core.OriginalData{}, apperrors.New(apperrors.KindDataIsEmpty, "loader.http.load", nil)
	}

	validator := resumable.Validator{ETag: string(resp.Header.Peek("ETag")), LastModified: string(resp.Header.Peek("Last-Modified"))}
	total := int64(resp.Header.ContentLength())
	if resuming {
		total += int64(len(partial.Bytes))
	}

	full := append(append([]byte(nil), partial.Bytes...), body...)
	if err := h.emitProgress(ctx, full, total, onProgress); err != nil {
		if h.partial != nil && len(full) > 0 {
			h.partial.Save(key, resumable.Partial{Validator: validator, Bytes: full})
		}
		return core.OriginalData{}, err
	}
	if h.partial != nil {
		h.partial.Clear(key)
	}

	return core.OriginalData{Data: full, CacheType: core.CacheTypeNone}, nil
}

func (h *HTTP) do(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) error {
	done := make(chan error, 1)
	go func() { done <- h.client.Do(req, resp) }()
	select {
	case err := <-done:
		if err != nil {
			return apperrors.Wrap(apperrors.KindDataLoadingFailed, "loader.http.do", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// emitProgress hands full to onProgress in h.chunk-sized increments,
// each carrying only the newly-available bytes (not cumulative), per
// core.ProgressFunc's contract.
func (h *HTTP) emitProgress(ctx context.Context, full []byte, total int64, onProgress core.ProgressFunc) error {
	if onProgress == nil {
		return nil
	}
	var sent int
	for sent < len(full) {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := sent + h.chunk
		if end > len(full) {
			end = len(full)
		}
		onProgress(core.ProgressSnapshot{Completed: int64(end), Total: total, Chunk: full[sent:end]})
		sent = end
	}
	return nil
}

func (h *HTTP) loadFile(ctx context.Context, path string, onProgress core.ProgressFunc) (core.OriginalData, error) {
	f, err := os.Open(path)
	if err != nil {
		return core.OriginalData{}, apperrors.Wrap(apperrors.KindDataLoadingFailed, "loader.http.loadFile", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return core.OriginalData{}, apperrors.Wrap(apperrors.KindDataLoadingFailed, "loader.http.loadFile", err)
	}
	if len(data) == 0 {
		return core.OriginalData{}, apperrors.New(apperrors.KindDataIsEmpty, "loader.http.loadFile", nil)
	}
	if err := h.emitProgress(ctx, data, int64(len(data)), onProgress); err != nil {
		return core.OriginalData{}, err
	}
	return core.OriginalData{Data: data, CacheType: core.CacheTypeNone}, nil
}

func (h *HTTP) loadAsync(ctx context.Context, src core.Source, onProgress core.ProgressFunc) (core.OriginalData, error) {
	if src.Produce == nil {
		return core.OriginalData{}, apperrors.New(apperrors.KindDataLoadingFailed, "loader.http.loadAsync", nil)
	}
	var buf []byte
	send := func(chunk []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		buf = append(buf, chunk...)
		if onProgress != nil {
			onProgress(core.ProgressSnapshot{Completed: int64(len(buf)), Chunk: chunk})
		}
		return nil
	}
	if err := src.Produce(ctx, send); err != nil {
		return core.OriginalData{}, apperrors.Wrap(apperrors.KindDataLoadingFailed, "loader.http.loadAsync", err)
	}
	if len(buf) == 0 {
		return core.OriginalData{}, apperrors.New(apperrors.KindDataIsEmpty, "loader.http.loadAsync", nil)
	}
	return core.OriginalData{Data: buf, CacheType: core.CacheTypeNone}, nil
}

type statusError struct{ code int }

func (e *statusError) Error() string { return "http status " + strconv.Itoa(e.code) }

var _ core.DataLoader = (*HTTP)(nil)
