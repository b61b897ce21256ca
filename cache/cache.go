// Package cache implements the Cache Layer facade: a policy-driven
// front for the memory image cache and disk byte cache collaborators.
package cache

import (
	"context"

	"github.com/imgpipe/imgpipe/cachekeys"
	"github.com/imgpipe/imgpipe/core"
)

// DataCachePolicy controls what the disk cache stores when a processed
// image is produced.
type DataCachePolicy int

const (
	// PolicyAutomatic stores original bytes when no processors ran, and
	// the re-encoded processed image when they did.
	PolicyAutomatic DataCachePolicy = iota
	// PolicyStoreAll stores original bytes always, plus the re-encoded
	// processed image when processors ran.
	PolicyStoreAll
	// PolicyStoreOriginalData stores only the original bytes, never a
	// re-encoded image, regardless of processors.
	PolicyStoreOriginalData
	// PolicyStoreEncodedImages stores a re-encoded image: of the
	// original when no processors ran, of the processed result when
	// they did.
	PolicyStoreEncodedImages
)

// WriteSet is the set of disk writes a completed request should perform,
// per the DataCachePolicy table in spec.md §6.
type WriteSet struct {
	OriginalRaw      bool
	OriginalEncoded  bool
	ProcessedEncoded bool
}

// PlanWrites returns the writes to perform for a request that was
// decoded/processed with hasProcessors indicating whether any processor
// ran.
func PlanWrites(policy DataCachePolicy, hasProcessors bool) WriteSet {
	switch policy {
	case PolicyStoreOriginalData:
		return WriteSet{OriginalRaw: true}
	case PolicyStoreEncodedImages:
		if hasProcessors {
			return WriteSet{ProcessedEncoded: true}
		}
		return WriteSet{OriginalEncoded: true}
	case PolicyStoreAll:
		if hasProcessors {
			return WriteSet{OriginalRaw: true, ProcessedEncoded: true}
		}
		return WriteSet{OriginalRaw: true}
	default: // PolicyAutomatic
		if hasProcessors {
			return WriteSet{ProcessedEncoded: true}
		}
		return WriteSet{OriginalRaw: true}
	}
}

// Set selects which cache tiers an operation is allowed to touch.
type Set uint8

const (
	Memory Set = 1 << iota
	Disk
)

// Cache is the Cache Layer facade.
type Cache struct {
	Memory core.MemoryCache
	Disk   core.DiskCache
	Policy DataCachePolicy
}

func New(memory core.MemoryCache, disk core.DiskCache, policy DataCachePolicy) *Cache {
	return &Cache{Memory: memory, Disk: disk, Policy: policy}
}

func (c *Cache) MakeImageCacheKey(req core.Request, processors []core.Processor) string {
	return cachekeys.ImageKey(req, processors)
}

func (c *Cache) MakeDataCacheKey(req core.Request, processors []core.Processor) string {
	return cachekeys.DataKey(req, processors)
}

// MakeOriginalDataCacheKey is the disk-cache key for a request's raw,
// unprocessed bytes: the source's own identifying string, with no
// processor or thumbnail suffix. Distinct from MakeDataCacheKey, which
// is for the already-processed (or thumbnail-shaped) data key.
func (c *Cache) MakeOriginalDataCacheKey(req core.Request) string {
	return cachekeys.OriginalDataKey(req)
}

// CachedImage looks up a decoded image, memory cache first, falling back
// to decoding the disk-cached bytes is the caller's job (the Cache Layer
// only looks up; decode is layered above by the coordinator).
func (c *Cache) CachedImage(key string, sets Set) (*core.Container, bool) {
	if sets&Memory == 0 || c.Memory == nil {
		return nil, false
	}
	return c.Memory.Get(key)
}

func (c *Cache) StoreCachedImage(key string, container *core.Container, sets Set) {
	if sets&Memory == 0 || c.Memory == nil {
		return
	}
	c.Memory.Set(key, container)
}

func (c *Cache) CachedData(ctx context.Context, key string, sets Set) ([]byte, bool) {
	if sets&Disk == 0 || c.Disk == nil {
		return nil, false
	}
	return c.Disk.Get(ctx, key)
}

func (c *Cache) StoreCachedData(ctx context.Context, key string, data []byte, sets Set) {
	if sets&Disk == 0 || c.Disk == nil {
		return
	}
	c.Disk.Set(ctx, key, data)
}

func (c *Cache) RemoveCachedImage(key string) {
	if c.Memory != nil {
		c.Memory.Remove(key)
	}
}

func (c *Cache) RemoveCachedData(ctx context.Context, key string) {
	if c.Disk != nil {
		c.Disk.Remove(ctx, key)
	}
}

func (c *Cache) ContainsCachedImage(key string) bool {
	if c.Memory == nil {
		return false
	}
	_, ok := c.Memory.Get(key)
	return ok
}

func (c *Cache) ContainsCachedData(ctx context.Context, key string) bool {
	if c.Disk == nil {
		return false
	}
	return c.Disk.Contains(ctx, key)
}

// RemoveAll clears both cache tiers.
func (c *Cache) RemoveAll(ctx context.Context) {
	if c.Memory != nil {
		c.Memory.RemoveAll()
	}
	if c.Disk != nil {
		c.Disk.RemoveAll(ctx)
	}
}

// ReadSetsFor derives the cache tiers a request may read from, given its
// Options' disable-memory-reads/disable-disk-reads flags.
func ReadSetsFor(opts core.Options) Set {
	var s Set
	if !opts.Has(core.DisableMemoryCacheReads) {
		s |= Memory
	}
	if !opts.Has(core.DisableDiskCacheReads) {
		s |= Disk
	}
	return s
}

func WriteSetsFor(opts core.Options) Set {
	var s Set
	if !opts.Has(core.DisableMemoryCacheWrites) {
		s |= Memory
	}
	if !opts.Has(core.DisableDiskCacheWrites) {
		s |= Disk
	}
	return s
}
