// Package pipeline implements the public entry point: it wires
// config.Config, the decode/encode registry, the cache facade, the four
// work queues, the rate limiter, and the coordinator into a single
// object callers start, stop, and issue image_task/data_task requests
// against. Grounded on the teacher's imageprocessor.go top-level facade.
package pipeline

import (
	"context"
	"os"

	loadercache "github.com/imgpipe/imgpipe/adapters/cache"
	"github.com/imgpipe/imgpipe/adapters/decoder"
	"github.com/imgpipe/imgpipe/adapters/encoder"
	"github.com/imgpipe/imgpipe/adapters/loader"
	"github.com/imgpipe/imgpipe/cache"
	"github.com/imgpipe/imgpipe/config"
	"github.com/imgpipe/imgpipe/coordinator"
	"github.com/imgpipe/imgpipe/core"
	"github.com/imgpipe/imgpipe/decode"
	"github.com/imgpipe/imgpipe/hooks"
	"github.com/imgpipe/imgpipe/process"
	"github.com/imgpipe/imgpipe/queue"
	"github.com/imgpipe/imgpipe/resumable"
	"github.com/imgpipe/imgpipe/task"
)

// Format name constants, matching the string keys the decode.Registry is
// populated under.
const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
	FormatWebP = "webp"
)

// Pipeline is the top-level object: a fully wired coordinator plus the
// queues and registries it depends on, started and stopped as a unit.
type Pipeline struct {
	cfg config.Config

	registry *decode.Registry
	cache    *cache.Cache
	partial  *resumable.Store

	dataQueue       *queue.Queue
	decodingQueue   *queue.Queue
	processingQueue *queue.Queue
	decompressQueue *queue.Queue
	rateLimiter     *queue.RateLimiter

	co       *coordinator.Coordinator
	taskCoor *task.Coordinator

	customLoader core.DataLoader
	decompressor coordinator.Decompressor
	logger       core.Logger
	metrics      core.MetricsCollector
	retryable    func(error) bool
}

// Option customizes a Pipeline before it starts.
type Option func(*Pipeline)

// WithDataLoader overrides the default fasthttp-backed loader, for
// callers that want to plug in an entirely custom core.DataLoader.
func WithDataLoader(l core.DataLoader) Option {
	return func(p *Pipeline) { p.customLoader = l }
}

// WithDecompressor installs a post-decode decompression step, run on its
// own queue, skippable per-request via core.SkipDecompression.
func WithDecompressor(d coordinator.Decompressor) Option {
	return func(p *Pipeline) { p.decompressor = d }
}

// WithLogger attaches a structured logger the coordinator reports
// subtask lifecycle events through.
func WithLogger(l core.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m core.MetricsCollector) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithRetryable overrides which processing errors are eligible for the
// processing-queue's retry policy; the default never retries.
func WithRetryable(f func(error) bool) Option {
	return func(p *Pipeline) { p.retryable = f }
}

// New builds and starts a Pipeline: registers the stdlib jpeg/png/webp
// codecs, constructs the cache tiers and work queues from cfg, and
// starts the coordinator's dispatcher. Callers that want libvips instead
// of the stdlib codecs call RegisterVipsBackend on Registry() before
// issuing any requests.
func New(cfg config.Config, opts ...Option) (*Pipeline, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	p := &Pipeline{cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}

	p.registry = decode.NewRegistry()
	p.registry.RegisterDecoder(FormatJPEG, decoder.NewJPEG())
	p.registry.RegisterDecoder(FormatPNG, decoder.NewPNG())
	p.registry.RegisterDecoder(FormatWebP, decoder.NewWebP())
	p.registry.RegisterEncoder(FormatJPEG, encoder.NewJPEG(cfg.DefaultQuality))
	p.registry.RegisterEncoder(FormatPNG, encoder.NewPNG())

	mem := loadercache.NewMemory(512)
	var disk *loadercache.Disk
	if cfg.DiskCacheRootDir != "" {
		perm := cfg.DiskCacheFilePermissions
		if perm == 0 {
			perm = 0o644
		}
		var err error
		disk, err = loadercache.NewDisk(cfg.DiskCacheRootDir, os.FileMode(perm))
		if err != nil {
			return nil, err
		}
	}
	p.cache = cache.New(mem, wrapDisk(disk), cfg.DataCachePolicy)

	if cfg.IsResumableDataEnabled {
		p.partial = resumable.NewStore()
	}

	p.dataQueue = queue.New(cfg.DataLoadingQueueConcurrency)
	p.decodingQueue = queue.New(cfg.ImageDecodingQueueConcurrency)
	p.processingQueue = queue.New(cfg.ImageProcessingQueueConcurrency)
	if cfg.IsDecompressionEnabled {
		p.decompressQueue = queue.New(cfg.ImageDecompressingQueueConcurrency)
	}
	if cfg.IsRateLimiterEnabled {
		p.rateLimiter = queue.NewRateLimiter(cfg.RateLimiterCapacity, cfg.RateLimiterRefillPerSec)
	}

	dataLoader := p.customLoader
	if dataLoader == nil {
		httpCfg := loader.DefaultHTTPConfig()
		httpCfg.ReadTimeout = cfg.DataLoaderTimeout
		httpCfg.MaxConnsPerHost = cfg.MaxConnsPerHost
		httpCfg.MaxResponseBodySize = cfg.MaxResponseBodyBytes
		httpLoader := loader.NewHTTP(httpCfg, p.partial)
		httpLoader.Logger = p.logger
		dataLoader = httpLoader
	}

	p.dataQueue.Start()
	p.decodingQueue.Start()
	p.processingQueue.Start()
	if p.decompressQueue != nil {
		p.decompressQueue.Start()
	}

	var loggingHook *hooks.LoggingHook
	if p.logger != nil {
		loggingHook = hooks.NewLoggingHook(p.logger)
	}

	p.co = coordinator.New(coordinator.Deps{
		Registry:        p.registry,
		Cache:           p.cache,
		Loader:          dataLoader,
		RateLimiter:     p.rateLimiter,
		DataQueue:       p.dataQueue,
		DecodingQueue:   p.decodingQueue,
		ProcessingQueue: p.processingQueue,
		DecompressQueue: p.decompressQueue,
		Decompressor:    p.decompressor,
		PreviewThrottle: cfg.ProgressiveDecodingInterval,
		RetryPolicy:     process.RetryPolicy{MaxRetries: cfg.MaxRetries, Delay: cfg.RetryDelay},
		Retryable:       p.retryable,

		DisableCoalescing:          !cfg.IsTaskCoalescingEnabled,
		DisableProgressiveDecoding: !cfg.IsProgressiveDecodingEnabled,
		StorePreviewsInMemoryCache: cfg.IsStoringPreviewsInMemoryCache,

		Logger:  p.logger,
		Metrics: p.metrics,
		Hooks:   loggingHook,
	})
	p.taskCoor = task.Wrap(p.co)
	return p, nil
}

// wrapDisk returns nil as a core.DiskCache when disk is nil, since a nil
// *adapters/cache.Disk is not itself a nil core.DiskCache interface
// value (a nil-but-typed pointer compares non-nil through an interface).
func wrapDisk(disk *loadercache.Disk) core.DiskCache {
	if disk == nil {
		return nil
	}
	return disk
}

// Registry exposes the decode/encode registry so callers can register a
// libvips backend or other custom codecs before issuing requests.
func (p *Pipeline) Registry() *decode.Registry { return p.registry }

// Cache exposes the cache facade for direct inspection or invalidation
// beyond what Invalidate provides.
func (p *Pipeline) Cache() *cache.Cache { return p.cache }

// Image attaches req to the coordinator's full chain and returns a task
// handle for its eventual Response.
func (p *Pipeline) Image(req core.Request) *task.ImageTask {
	return task.NewImageTask(p.taskCoor, req)
}

// Data attaches req to the coordinator's FetchOriginalData subtask only,
// ignoring any processors on the request.
func (p *Pipeline) Data(req core.Request) *task.DataTask {
	return task.NewDataTask(p.taskCoor, req)
}

// Invalidate fails every live subtask and clears both cache tiers.
func (p *Pipeline) Invalidate(ctx context.Context) { p.co.Invalidate(ctx) }

// Stop shuts down the coordinator and every work queue. Any task handles
// still outstanding observe their subscriptions detach.
func (p *Pipeline) Stop() {
	p.co.Close()
	p.dataQueue.Stop()
	p.decodingQueue.Stop()
	p.processingQueue.Stop()
	if p.decompressQueue != nil {
		p.decompressQueue.Stop()
	}
}
