// Package config defines the pipeline's top-level configuration: every
// knob spec.md's Work Queues, Cache Layer, and Decoding sections name.
package config

import (
	"errors"
	"time"

	"github.com/imgpipe/imgpipe/cache"
)

// Config is the top-level configuration struct. All fields have safe
// defaults so callers can start with Default() and override only what
// they need.
type Config struct {
	// Work Queues (§4.4): bounded, priority-ordered, concurrency-limited.
	DataLoadingQueueConcurrency     int // default 6
	ImageDecodingQueueConcurrency   int // default 1
	ImageProcessingQueueConcurrency int // default 2
	ImageDecompressingQueueConcurrency int // default 2

	// Data-loading rate limiter (§4.8).
	IsRateLimiterEnabled   bool
	RateLimiterCapacity    int     // default 80
	RateLimiterRefillPerSec float64 // default 25

	// Progressive decoding (§4.3).
	IsProgressiveDecodingEnabled bool
	ProgressiveDecodingInterval  time.Duration // preview throttle; default 0 (unthrottled)

	// Decompression (§4.4).
	IsDecompressionEnabled bool

	// Resumable data (§4.7).
	IsResumableDataEnabled bool

	// Cache Layer (§6).
	DataCachePolicy              cache.DataCachePolicy
	IsStoringPreviewsInMemoryCache bool
	DiskCacheRootDir             string
	DiskCacheFilePermissions     uint32 // default 0644

	// Subtask coalescing (§3, I1); disabling is a debug-only escape
	// hatch that gives every public request its own independent chain.
	IsTaskCoalescingEnabled bool

	// Retry applied to a single processor application.
	MaxRetries int
	RetryDelay time.Duration

	DefaultQuality int // 1-100; default 85

	// Network.
	DataLoaderTimeout  time.Duration
	MaxConnsPerHost    int
	MaxResponseBodyBytes int

	// Debug: forces encoding to happen synchronously on the calling
	// goroutine instead of through the processing queue. Never set in
	// production; exists for deterministic tests.
	DebugIsSyncImageEncoding bool

	LogLevel string // "debug", "info", "warn", "error"
}

// Default returns a Config populated with the defaults spec.md §4.4,
// §4.8, and §6 name.
func Default() Config {
	return Config{
		DataLoadingQueueConcurrency:        6,
		ImageDecodingQueueConcurrency:      1,
		ImageProcessingQueueConcurrency:    2,
		ImageDecompressingQueueConcurrency: 2,

		IsRateLimiterEnabled:    true,
		RateLimiterCapacity:     80,
		RateLimiterRefillPerSec: 25,

		IsProgressiveDecodingEnabled: true,
		ProgressiveDecodingInterval:  0,

		IsDecompressionEnabled: true,
		IsResumableDataEnabled: true,

		DataCachePolicy:                cache.PolicyAutomatic,
		IsStoringPreviewsInMemoryCache:  false,
		DiskCacheFilePermissions:        0644,

		IsTaskCoalescingEnabled: true,

		MaxRetries: 2,
		RetryDelay: 200 * time.Millisecond,

		DefaultQuality: 85,

		DataLoaderTimeout:    8 * time.Second,
		MaxConnsPerHost:      32,
		MaxResponseBodyBytes: 64 * 1024 * 1024,

		LogLevel: "info",
	}
}

// Validate returns an error if the configuration is inconsistent.
func Validate(c Config) error {
	if c.DataLoadingQueueConcurrency <= 0 {
		return errors.New("config: DataLoadingQueueConcurrency must be positive")
	}
	if c.ImageDecodingQueueConcurrency <= 0 {
		return errors.New("config: ImageDecodingQueueConcurrency must be positive")
	}
	if c.ImageProcessingQueueConcurrency <= 0 {
		return errors.New("config: ImageProcessingQueueConcurrency must be positive")
	}
	if c.IsDecompressionEnabled && c.ImageDecompressingQueueConcurrency <= 0 {
		return errors.New("config: ImageDecompressingQueueConcurrency must be positive when decompression is enabled")
	}
	if c.DefaultQuality < 1 || c.DefaultQuality > 100 {
		return errors.New("config: DefaultQuality must be between 1 and 100")
	}
	if c.IsRateLimiterEnabled && c.RateLimiterCapacity <= 0 {
		return errors.New("config: RateLimiterCapacity must be positive when the rate limiter is enabled")
	}
	if c.IsRateLimiterEnabled && c.RateLimiterRefillPerSec <= 0 {
		return errors.New("config: RateLimiterRefillPerSec must be positive when the rate limiter is enabled")
	}
	return nil
}
