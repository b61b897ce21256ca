package core

import "context"

// Decoder turns encoded bytes (complete or partial) into a Container.
// Registered against a format string (e.g. "jpeg") in a Registry.
type Decoder interface {
	Decode(ctx context.Context, data []byte, partial bool) (*Container, error)
}

// DecoderFormatProbe is implemented by decoders that can report whether
// they handle a named format (e.g. "jpeg").
type DecoderFormatProbe interface {
	CanDecode(format string) bool
}

// EncodeOptions configures an Encoder's output.
type EncodeOptions struct {
	Quality    int
	Lossless   bool
	StripEXIF  bool
	Interlaced bool
}

// Encoder turns a decoded Container into encoded bytes of one format.
type Encoder interface {
	CanEncode(format string) bool
	Encode(ctx context.Context, c *Container, opts EncodeOptions) ([]byte, error)
}

// Registry resolves Decoders and Encoders by format string.
type Registry interface {
	DecoderFor(format string) (Decoder, bool)
	EncoderFor(format string) (Encoder, bool)
	RegisterDecoder(format string, d Decoder)
	RegisterEncoder(format string, e Encoder)
}

// MemoryCache is the in-process image cache collaborator.
type MemoryCache interface {
	Get(key string) (*Container, bool)
	Set(key string, c *Container)
	Remove(key string)
	RemoveAll()
}

// DiskCache is the byte-level persistent cache collaborator.
type DiskCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, data []byte)
	Remove(ctx context.Context, key string)
	Contains(ctx context.Context, key string) bool
	RemoveAll(ctx context.Context)
}

// LoadHandle lets a caller abort an in-flight load.
type LoadHandle interface {
	// Cancel aborts the in-flight load. Safe to call multiple times.
	Cancel()
}

// ProgressFunc receives incremental loading progress; chunk is the bytes
// received since the previous call (not cumulative).
type ProgressFunc func(snapshot ProgressSnapshot)

// DataLoader is the external network/filesystem collaborator that
// fetches a Source's bytes. Load performs exactly one attempt and the
// coordinator does not retry a failed load; any resumption of a partial
// download is done inside the loader itself.
type DataLoader interface {
	Load(ctx context.Context, src Source, resumeFrom *ResumeToken, onProgress ProgressFunc) (OriginalData, error)
}

// ResumeToken carries the information needed to resume a partial load.
type ResumeToken struct {
	Offset       int64
	ETag         string
	LastModified string
}

// Logger is the structured logging collaborator, matching slog's
// free-form field convention.
type Logger interface {
	Debug(msg string, fields ...any)
	Info(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)
}

// MetricsCollector is the observability collaborator.
type MetricsCollector interface {
	RecordSubtaskDuration(stage string, d int64)
	RecordSubtaskError(stage string)
	RecordBytesLoaded(n int64)
}
