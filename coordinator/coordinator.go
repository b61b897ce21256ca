// Package coordinator implements the Subtask Orchestrator: the registry
// of live per-stage subtasks keyed by a deterministic fingerprint,
// subscriber attachment and event fan-out, priority propagation, and
// retention-based cancellation.
//
// A request's work is split into a chain of subtasks of three kinds —
// one FetchOriginalData, one FetchDecodedOriginal, and one
// FetchProcessedImage per processor — each looked up or created under the coordinator's
// single mutex so that two requests whose chains are equivalent up to
// some prefix share that prefix's subtask and its in-flight work.
// Mutations happen under the mutex; delivering the resulting events to
// subscribers and triggering dependents never does, routed instead
// through a serial pipeline queue (dispatch.go).
package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/imgpipe/imgpipe/cache"
	"github.com/imgpipe/imgpipe/cachekeys"
	"github.com/imgpipe/imgpipe/core"
	"github.com/imgpipe/imgpipe/decode"
	apperrors "github.com/imgpipe/imgpipe/errors"
	"github.com/imgpipe/imgpipe/hooks"
	"github.com/imgpipe/imgpipe/process"
	"github.com/imgpipe/imgpipe/queue"
)

// Decompressor expands a decoded container into the form processors
// expect (for example eager chroma/alpha expansion), running on its own
// queue so that cost is never paid on the decoding queue. A nil
// Decompressor or core.SkipDecompression on the request skips the stage.
type Decompressor func(ctx context.Context, c *core.Container) (*core.Container, error)

// Deps wires the coordinator's collaborators: the decode/encode
// registry, the cache facade, the data loader, the four work queues,
// and the observability hooks. Built by the pipeline package from a
// config.Config.
type Deps struct {
	Registry    *decode.Registry
	Cache       *cache.Cache
	Loader      core.DataLoader
	RateLimiter *queue.RateLimiter

	DataQueue       *queue.Queue
	DecodingQueue   *queue.Queue
	ProcessingQueue *queue.Queue
	DecompressQueue *queue.Queue

	Decompressor    Decompressor
	PreviewThrottle time.Duration
	RetryPolicy     process.RetryPolicy
	Retryable       func(error) bool

	// DisableCoalescing turns off subtask reuse: every AttachImage/
	// AttachData call builds its own independent chain even when an
	// equivalent one is already in flight. Zero value (false) keeps the
	// default coalescing behavior.
	DisableCoalescing bool
	// DisableProgressiveDecoding suppresses preview emission during
	// decode; only the final decode runs. Zero value (false) keeps
	// progressive decoding on.
	DisableProgressiveDecoding bool
	// StorePreviewsInMemoryCache writes each preview container into the
	// memory image cache, to be overwritten once the final, non-preview
	// container lands. Zero value (false) matches the historical
	// behavior of never caching previews.
	StorePreviewsInMemoryCache bool

	Logger  core.Logger
	Metrics core.MetricsCollector
	Hooks   *hooks.LoggingHook
}

// Coordinator is the Subtask Orchestrator.
type Coordinator struct {
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	subtasks map[Key]*Subtask

	registry    *decode.Registry
	cache       *cache.Cache
	loader      core.DataLoader
	rateLimiter *queue.RateLimiter

	dataQueue       *queue.Queue
	decodingQueue   *queue.Queue
	processingQueue *queue.Queue
	decompressQueue *queue.Queue

	decompressor    Decompressor
	previewThrottle time.Duration
	retryPolicy     process.RetryPolicy
	retryable       func(error) bool

	disableCoalescing          bool
	disableProgressiveDecoding bool
	storePreviews              bool
	seq                        uint64 // source of per-attach Key.Unique tokens when coalescing is disabled

	logger  core.Logger
	metrics core.MetricsCollector
	hooks   *hooks.LoggingHook

	jobs *jobQueue
}

// New builds a Coordinator and starts its pipeline-queue dispatcher.
func New(deps Deps) *Coordinator {
	retryable := deps.Retryable
	if retryable == nil {
		retryable = func(error) bool { return false }
	}
	ctx, cancel := context.WithCancel(context.Background())
	co := &Coordinator{
		ctx:             ctx,
		cancel:          cancel,
		subtasks:        make(map[Key]*Subtask),
		registry:        deps.Registry,
		cache:           deps.Cache,
		loader:          deps.Loader,
		rateLimiter:     deps.RateLimiter,
		dataQueue:       deps.DataQueue,
		decodingQueue:   deps.DecodingQueue,
		processingQueue: deps.ProcessingQueue,
		decompressQueue: deps.DecompressQueue,
		decompressor:    deps.Decompressor,
		previewThrottle: deps.PreviewThrottle,
		retryPolicy:     deps.RetryPolicy,
		retryable:       retryable,

		disableCoalescing:          deps.DisableCoalescing,
		disableProgressiveDecoding: deps.DisableProgressiveDecoding,
		storePreviews:              deps.StorePreviewsInMemoryCache,

		logger:  deps.Logger,
		metrics: deps.Metrics,
		hooks:   deps.Hooks,
		jobs:    newJobQueue(),
	}
	go co.jobs.run(co.ctx)
	return co
}

// Close cancels every live subtask and stops the pipeline-queue
// dispatcher. The work queues themselves are owned and stopped by
// whoever built them (the pipeline package), not by the coordinator.
func (co *Coordinator) Close() {
	co.cancel()
	co.jobs.close()
}

// ─── Public attachment API ────────────────────────────────────────────────

// AttachImage resolves req's full dependency chain (data, decode, one
// FetchProcessedImage per processor) and returns a live subscription to
// its leaf. Equivalent in-flight chains are coalesced.
func (co *Coordinator) AttachImage(req core.Request) *Subscription {
	co.mu.Lock()
	defer co.mu.Unlock()
	leaf := co.resolveImageChain(req, co.nextUniqueLocked())
	return co.attachLocked(leaf, req.Priority)
}

// AttachData resolves only req's FetchOriginalData subtask, ignoring any
// processors on the request, and returns a live subscription to it.
func (co *Coordinator) AttachData(req core.Request) *Subscription {
	co.mu.Lock()
	defer co.mu.Unlock()
	data := co.getOrCreateDataSubtask(req, co.nextUniqueLocked())
	return co.attachLocked(data, req.Priority)
}

// nextUniqueLocked returns a fresh per-attach disambiguation token when
// coalescing is disabled, or "" (the default, coalescing-preserving
// value) otherwise. Called with co.mu held.
func (co *Coordinator) nextUniqueLocked() string {
	if !co.disableCoalescing {
		return ""
	}
	co.seq++
	return fmt.Sprintf("#%d", co.seq)
}

// Invalidate fails every live subtask with pipelineInvalidated and
// clears both cache tiers, mirroring a reconfiguration that callers must
// treat as "nothing already in flight can be trusted".
func (co *Coordinator) Invalidate(ctx context.Context) {
	co.mu.Lock()
	all := make([]*Subtask, 0, len(co.subtasks))
	for _, t := range co.subtasks {
		all = append(all, t)
	}
	co.mu.Unlock()
	for _, t := range all {
		co.emitFailure(t, apperrors.New(apperrors.KindPipelineInvalidated, "coordinator.invalidate", nil))
	}
	if co.cache != nil {
		co.cache.RemoveAll(ctx)
	}
}

func (co *Coordinator) attachLocked(t *Subtask, priority core.Priority) *Subscription {
	sub := &Subscription{co: co, subtask: t, queue: newEventQueue(), priority: priority}
	t.subscribers[sub] = struct{}{}
	propagatePriority(t)
	co.replayForNewSubscriberLocked(t, sub)
	return sub
}

// replayForNewSubscriberLocked pushes whatever t already knows to a
// subscriber that attached after that work happened, so late attachment
// to a coalesced subtask never misses its outcome. Called with co.mu held.
func (co *Coordinator) replayForNewSubscriberLocked(t *Subtask, sub *Subscription) {
	switch t.state {
	case StateSucceeded:
		ev := co.terminalSuccessEventLocked(t)
		co.jobs.push(func() { sub.queue.push(ev) })
	case StateFailed:
		err := t.err
		co.jobs.push(func() { sub.queue.push(Event{Kind: EventFailure, Err: err}) })
	case StateCancelled:
		co.jobs.push(func() { sub.queue.push(Event{Kind: EventCancelled}) })
	default:
		if t.previewContainer != nil {
			c := t.previewContainer
			co.jobs.push(func() { sub.queue.push(Event{Kind: EventPreview, Container: c}) })
		}
		if t.progress.Completed > 0 || t.progress.Total > 0 {
			p := t.progress
			co.jobs.push(func() { sub.queue.push(Event{Kind: EventProgress, Completed: p.Completed, Total: p.Total}) })
		}
	}
}

func (co *Coordinator) terminalSuccessEventLocked(t *Subtask) Event {
	if t.key.Stage == StageFetchOriginalData {
		return Event{Kind: EventSuccess, OrigResult: t.origResult}
	}
	return Event{Kind: EventSuccess, Container: t.container, Response: co.buildResponseLocked(t, t.container)}
}

// buildResponseLocked derives a Response's CacheType by walking t's own
// dependency chain toward the root: a cache hit recorded directly on
// some node (findCachedAnchorLocked, or the per-level probes in
// getOrCreate{Decoded,Processed}Subtask) wins; otherwise it falls back to
// the root FetchOriginalData subtask's own result, which is CacheTypeDisk
// for a disk hit on the original bytes and CacheTypeNone for a fresh
// network fetch.
func (co *Coordinator) buildResponseLocked(t *Subtask, c *core.Container) *core.Response {
	root := t
	cacheType := t.cacheType
	for root.dependency != nil {
		if cacheType == core.CacheTypeNone {
			cacheType = root.dependency.cacheType
		}
		root = root.dependency
	}
	var urlResp *http.Response
	if root.origResult != nil {
		if cacheType == core.CacheTypeNone {
			cacheType = root.origResult.CacheType
		}
		urlResp = root.origResult.URLResponse
	}
	return &core.Response{Container: c, Request: t.req, URLResponse: urlResp, CacheType: cacheType}
}

func (co *Coordinator) detach(sub *Subscription) {
	co.mu.Lock()
	t := sub.subtask
	delete(t.subscribers, sub)
	propagatePriority(t)
	co.maybeRelease(t)
	co.mu.Unlock()
	sub.queue.close()
}

func (co *Coordinator) setSubscriptionPriority(sub *Subscription, p core.Priority) {
	co.mu.Lock()
	sub.priority = p
	propagatePriority(sub.subtask)
	co.mu.Unlock()
}

// maybeRelease cancels and discards t once nothing retains it per I2
// (len(subscribers)==0 && len(dependents)==0), cascading to its
// dependency. Called with co.mu held.
func (co *Coordinator) maybeRelease(t *Subtask) {
	if t.isRetained() {
		return
	}
	if !t.state.isTerminal() {
		t.state = StateCancelled
		if t.handle != nil {
			t.handle.Cancel()
		}
		t.cancel()
	}
	delete(co.subtasks, t.key)
	if t.dependency != nil {
		delete(t.dependency.dependents, t)
		co.maybeRelease(t.dependency)
	}
}

// ─── Chain construction ────────────────────────────────────────────────────

// resolveImageChain builds req's full dependency chain, but first probes
// every level from the leaf (the full processor chain) down to the
// decoded original for a subtask already in flight or a cache hit.
// Finding one means the data subtask — and the network fetch or disk
// read it would submit — is never created at all, per §4.3's lookup
// order: memory/disk hits at any tier resolve synchronously without
// touching the data loading queue.
func (co *Coordinator) resolveImageChain(req core.Request, unique string) *Subtask {
	if anchor, level, ok := co.findCachedAnchorLocked(req, unique); ok {
		cur := anchor
		for n := level + 1; n <= len(req.Processors); n++ {
			cur = co.getOrCreateProcessedSubtask(req, cur, n, unique)
		}
		return cur
	}
	data := co.getOrCreateDataSubtask(req, unique)
	cur := co.getOrCreateDecodedSubtask(req, data, unique)
	for n := 1; n <= len(req.Processors); n++ {
		cur = co.getOrCreateProcessedSubtask(req, cur, n, unique)
	}
	return cur
}

// chainLevelKey builds the Key for level n of req's chain: n==0 is the
// decoded original, n>0 is the processed image through processors[:n].
func chainLevelKey(req core.Request, n int, unique string) Key {
	if n == 0 {
		return Key{Stage: StageFetchDecodedOriginal, Base: req.Source.Key(), Chain: thumbnailChainKey(req), Unique: unique}
	}
	return Key{Stage: StageFetchProcessedImage, Base: req.Source.Key(), Chain: chainKey(req.Processors, n) + thumbnailChainKey(req), Unique: unique}
}

// findCachedAnchorLocked walks req's chain from the full processor chain
// down to the decoded original looking for a subtask already registered
// under co.subtasks, or a cache hit. The disk tier is only consulted at
// the leaf (full-processed) level, matching §4.3's invariant that
// intermediate processor-prefix keys are never queried on disk. Called
// with co.mu held.
func (co *Coordinator) findCachedAnchorLocked(req core.Request, unique string) (*Subtask, int, bool) {
	for n := len(req.Processors); n >= 0; n-- {
		key := chainLevelKey(req, n, unique)
		if t, ok := co.subtasks[key]; ok {
			return t, n, true
		}
		if co.cache == nil || cache.ReadSetsFor(req.Options)&cache.Memory == 0 {
			continue
		}
		var processors []core.Processor
		if n > 0 {
			processors = req.Processors[:n]
		}
		if c, ok := co.cache.CachedImage(co.cache.MakeImageCacheKey(req, processors), cache.Memory); ok {
			return co.newCachedAnchorLocked(key, req, n, processors, c, core.CacheTypeMemory), n, true
		}
		if n == len(req.Processors) && n > 0 && cache.ReadSetsFor(req.Options)&cache.Disk != 0 && !req.Options.Has(core.ReloadIgnoringCachedData) {
			if data, ok := co.cache.CachedData(co.ctx, co.cache.MakeDataCacheKey(req, processors), cache.Disk); ok {
				if c, err := co.decodeCachedImageBytes(co.ctx, data); err == nil {
					co.cache.StoreCachedImage(co.cache.MakeImageCacheKey(req, processors), c, cache.Memory)
					return co.newCachedAnchorLocked(key, req, n, processors, c, core.CacheTypeDisk), n, true
				}
			}
		}
	}
	return nil, 0, false
}

// newCachedAnchorLocked materializes a terminal, dependency-less subtask
// representing a cache hit found by findCachedAnchorLocked. Called with
// co.mu held.
func (co *Coordinator) newCachedAnchorLocked(key Key, req core.Request, n int, processors []core.Processor, c *core.Container, cacheType core.CacheType) *Subtask {
	t := newSubtask(co.ctx, key, nil)
	t.req = req
	t.state = StateSucceeded
	t.container = c
	t.cacheType = cacheType
	if n > 0 {
		t.processor = req.Processors[n-1]
		t.chainProcessors = processors
	}
	co.subtasks[key] = t
	return t
}

func (co *Coordinator) getOrCreateDataSubtask(req core.Request, unique string) *Subtask {
	key := Key{Stage: StageFetchOriginalData, Base: req.Source.Key(), Unique: unique}
	if t, ok := co.subtasks[key]; ok {
		return t
	}
	t := newSubtask(co.ctx, key, nil)
	t.req = req
	co.subtasks[key] = t

	if co.cache != nil && cache.ReadSetsFor(req.Options)&cache.Disk != 0 && !req.Options.Has(core.ReloadIgnoringCachedData) {
		if data, ok := co.cache.CachedData(t.ctx, co.cache.MakeOriginalDataCacheKey(req), cache.Disk); ok {
			t.state = StateSucceeded
			t.buffer = data
			t.origResult = &core.OriginalData{Data: data, CacheType: core.CacheTypeDisk}
			return t
		}
	}
	if req.Options.Has(core.ReturnCacheDataDontLoad) {
		t.state = StateFailed
		t.err = apperrors.New(apperrors.KindDataMissingInCache, "coordinator.fetchOriginalData", nil)
		return t
	}

	t.state = StateRunning
	co.subtaskStartedLocked(t)
	t.handle = co.dataQueue.Submit(queue.Priority(req.Priority), func(qctx context.Context) {
		co.runFetchOriginalData(t)
	})
	return t
}

// subtaskStartedLocked marks t as having begun its own work (as opposed
// to resolving synchronously from a cache hit), and reports it through
// the logger and BeforeSubtask hook. Called with co.mu held.
func (co *Coordinator) subtaskStartedLocked(t *Subtask) {
	t.startedAt = core.TimeNow()
	switch {
	case co.hooks != nil:
		co.hooks.BeforeSubtask(hooks.SubtaskEvent{Stage: t.key.Stage.String(), Key: t.key.Base + t.key.Chain})
	case co.logger != nil:
		co.logger.Debug("subtask.start", "stage", t.key.Stage.String(), "base", t.key.Base, "chain", t.key.Chain)
	}
}

// recordSubtaskFinish reports a subtask's completion through the metrics
// collector and AfterSubtask hook, skipped entirely for a subtask that
// never started its own work (a cache-hit anchor). Must be called
// outside co.mu.
func (co *Coordinator) recordSubtaskFinish(key Key, startedAt time.Time, err error) {
	if startedAt.IsZero() {
		return
	}
	d := core.TimeNow().Sub(startedAt)
	if co.metrics != nil {
		co.metrics.RecordSubtaskDuration(key.Stage.String(), d.Milliseconds())
	}
	switch {
	case co.hooks != nil:
		co.hooks.AfterSubtask(hooks.SubtaskEvent{Stage: key.Stage.String(), Key: key.Base + key.Chain}, d, err)
	case co.logger != nil && err != nil:
		co.logger.Debug("subtask.done", "stage", key.Stage.String(), "base", key.Base, "duration_ms", d.Milliseconds(), "error", err.Error())
	case co.logger != nil:
		co.logger.Debug("subtask.done", "stage", key.Stage.String(), "base", key.Base, "duration_ms", d.Milliseconds())
	}
}

// thumbnailChainKey distinguishes a thumbnail-shaped subtask from the
// plain one at the same stage, so a thumbnail request and a plain
// request against the same source never coalesce onto each other's
// in-flight work or cached container.
func thumbnailChainKey(req core.Request) string {
	t, ok := req.Thumbnail()
	if !ok {
		return ""
	}
	return cachekeys.ThumbnailSuffix(t)
}

func (co *Coordinator) getOrCreateDecodedSubtask(req core.Request, data *Subtask, unique string) *Subtask {
	key := Key{Stage: StageFetchDecodedOriginal, Base: req.Source.Key(), Chain: thumbnailChainKey(req), Unique: unique}
	if t, ok := co.subtasks[key]; ok {
		return t
	}
	t := newSubtask(co.ctx, key, data)
	t.req = req
	co.subtasks[key] = t
	data.dependents[t] = struct{}{}

	if co.cache != nil && cache.ReadSetsFor(req.Options)&cache.Memory != 0 {
		if c, ok := co.cache.CachedImage(co.cache.MakeImageCacheKey(req, nil), cache.Memory); ok {
			t.state = StateSucceeded
			t.container = c
			t.cacheType = core.CacheTypeMemory
			return t
		}
	}
	co.subtaskStartedLocked(t)
	co.replayDependencyStateLocked(data, t)
	return t
}

func (co *Coordinator) getOrCreateProcessedSubtask(req core.Request, dependency *Subtask, n int, unique string) *Subtask {
	key := Key{Stage: StageFetchProcessedImage, Base: req.Source.Key(), Chain: chainKey(req.Processors, n) + thumbnailChainKey(req), Unique: unique}
	if t, ok := co.subtasks[key]; ok {
		return t
	}
	t := newSubtask(co.ctx, key, dependency)
	t.req = req
	t.processor = req.Processors[n-1]
	t.chainProcessors = req.Processors[:n]
	co.subtasks[key] = t
	dependency.dependents[t] = struct{}{}

	if co.cache != nil && cache.ReadSetsFor(req.Options)&cache.Memory != 0 {
		if c, ok := co.cache.CachedImage(co.cache.MakeImageCacheKey(req, t.chainProcessors), cache.Memory); ok {
			t.state = StateSucceeded
			t.container = c
			t.cacheType = core.CacheTypeMemory
			return t
		}
	}
	if n == len(req.Processors) && co.cache != nil && cache.ReadSetsFor(req.Options)&cache.Disk != 0 && !req.Options.Has(core.ReloadIgnoringCachedData) {
		if data, ok := co.cache.CachedData(t.ctx, co.cache.MakeDataCacheKey(req, t.chainProcessors), cache.Disk); ok {
			if c, err := co.decodeCachedImageBytes(t.ctx, data); err == nil {
				co.cache.StoreCachedImage(co.cache.MakeImageCacheKey(req, t.chainProcessors), c, cache.Memory)
				t.state = StateSucceeded
				t.container = c
				t.cacheType = core.CacheTypeDisk
				return t
			}
		}
	}
	co.subtaskStartedLocked(t)
	co.replayDependencyStateLocked(dependency, t)
	return t
}

// decodeCachedImageBytes decodes disk-cached, already-encoded image bytes
// back into a Container, used by the terminal-processed-key disk probe
// to serve a cold request without re-running the dependency chain above
// it.
func (co *Coordinator) decodeCachedImageBytes(ctx context.Context, data []byte) (*core.Container, error) {
	format := decode.DetectFormat(data)
	if format == "" {
		return nil, apperrors.New(apperrors.KindDecodingFailed, "coordinator.decodeCachedImage", fmt.Errorf("unrecognized image format"))
	}
	return co.registry.Decode(ctx, format, data, false)
}

// replayDependencyStateLocked catches a freshly-created dependent up with
// whatever its dependency already knows, covering the coalescing case
// where the dependency was created by an earlier, now-further-along
// request. Called with co.mu held.
func (co *Coordinator) replayDependencyStateLocked(dep, t *Subtask) {
	switch dep.state {
	case StateSucceeded:
		switch t.key.Stage {
		case StageFetchDecodedOriginal:
			co.jobs.push(func() { co.forwardDataSuccessToDecoded(dep, t) })
		case StageFetchProcessedImage:
			c := dep.container
			co.jobs.push(func() { co.forwardSuccessToProcessed(dep, t, c) })
		}
	case StateFailed:
		err := dep.err
		co.jobs.push(func() { co.emitFailure(t, err) })
	case StateCancelled:
		co.jobs.push(func() { co.emitCancelled(t) })
	default:
		if t.key.Stage == StageFetchDecodedOriginal && len(dep.buffer) > 0 {
			buf := append([]byte(nil), dep.buffer...)
			co.jobs.push(func() { co.forwardDataProgressRaw(t, buf) })
		}
		if t.key.Stage == StageFetchProcessedImage && dep.previewContainer != nil {
			c := dep.previewContainer
			co.jobs.push(func() { co.forwardPreviewToProcessed(dep, t, c) })
		}
	}
}

// ─── FetchOriginalData ─────────────────────────────────────────────────────

func (co *Coordinator) runFetchOriginalData(t *Subtask) {
	ctx := t.ctx
	if !t.req.Options.Has(core.SkipDataLoadingQueue) && co.rateLimiter != nil {
		if err := co.rateLimiter.Wait(ctx); err != nil {
			co.emitCancelled(t)
			return
		}
	}
	onProgress := func(snap core.ProgressSnapshot) { co.emitProgress(t, snap) }
	result, err := co.loader.Load(ctx, t.req.Source, nil, onProgress)
	if err != nil {
		if ctx.Err() != nil {
			co.emitCancelled(t)
			return
		}
		co.emitFailure(t, apperrors.Wrap(apperrors.KindDataLoadingFailed, "coordinator.fetchOriginalData", err))
		return
	}
	if len(result.Data) == 0 {
		co.emitFailure(t, apperrors.New(apperrors.KindDataIsEmpty, "coordinator.fetchOriginalData", nil))
		return
	}
	co.emitOriginalDataSuccess(t, result)
}

func (co *Coordinator) emitProgress(t *Subtask, snap core.ProgressSnapshot) {
	co.mu.Lock()
	if t.state.isTerminal() {
		co.mu.Unlock()
		return
	}
	t.progress = snap
	t.buffer = append(t.buffer, snap.Chunk...)
	subs := snapshotSubs(t)
	deps := snapshotDeps(t)
	co.mu.Unlock()

	if co.metrics != nil {
		co.metrics.RecordBytesLoaded(int64(len(snap.Chunk)))
	}
	ev := Event{Kind: EventProgress, Completed: snap.Completed, Total: snap.Total}
	for _, s := range subs {
		s := s
		co.jobs.push(func() { s.queue.push(ev) })
	}
	for _, d := range deps {
		d := d
		co.jobs.push(func() { co.forwardDataProgressToDecoded(t, d) })
	}
}

func (co *Coordinator) emitOriginalDataSuccess(t *Subtask, result core.OriginalData) {
	co.mu.Lock()
	if t.state.isTerminal() {
		co.mu.Unlock()
		return
	}
	t.state = StateSucceeded
	t.origResult = &result
	t.buffer = result.Data
	key, startedAt := t.key, t.startedAt
	subs := snapshotSubs(t)
	deps := snapshotDeps(t)
	co.mu.Unlock()

	co.recordSubtaskFinish(key, startedAt, nil)
	co.maybeCacheWriteRaw(t)
	ev := Event{Kind: EventSuccess, OrigResult: &result}
	for _, s := range subs {
		s := s
		co.jobs.push(func() { s.queue.push(ev) })
	}
	for _, d := range deps {
		d := d
		co.jobs.push(func() { co.forwardDataSuccessToDecoded(t, d) })
	}
}

// ─── FetchDecodedOriginal ──────────────────────────────────────────────────

func (co *Coordinator) ensureDecoderLocked(t *Subtask, sample []byte) *decode.Progressive {
	if t.decoder != nil {
		return t.decoder
	}
	format := decode.DetectFormat(sample)
	if format == "" {
		return nil
	}
	t.format = format
	onPreview := func(c *core.Container, _ error) { co.emitPreview(t, c) }
	onFinal := func(c *core.Container, err error) {
		if err != nil {
			co.emitFailure(t, apperrors.Wrap(apperrors.KindDecodingFailed, "coordinator.fetchDecodedOriginal", err))
			return
		}
		co.finishDecoded(t, c)
	}
	enqueue := func(work func()) {
		co.mu.Lock()
		p := t.priority
		co.mu.Unlock()
		co.decodingQueue.Submit(queue.Priority(p), func(context.Context) { work() })
	}
	t.decoder = decode.NewProgressive(co.registry, format, co.previewThrottle, enqueue, onPreview, onFinal)
	t.decoder.Logger = co.logger
	return t.decoder
}

func (co *Coordinator) forwardDataProgressToDecoded(dep, t *Subtask) {
	co.mu.Lock()
	buf := append([]byte(nil), dep.buffer...)
	co.mu.Unlock()
	co.forwardDataProgressRaw(t, buf)
}

func (co *Coordinator) forwardDataProgressRaw(t *Subtask, cumulative []byte) {
	co.mu.Lock()
	if t.state.isTerminal() || co.disableProgressiveDecoding {
		co.mu.Unlock()
		return
	}
	decoder := co.ensureDecoderLocked(t, cumulative)
	co.mu.Unlock()
	if decoder == nil {
		return
	}
	decoder.Feed(t.ctx, cumulative)
}

func (co *Coordinator) forwardDataSuccessToDecoded(dep, t *Subtask) {
	co.mu.Lock()
	if t.state.isTerminal() {
		co.mu.Unlock()
		return
	}
	data := append([]byte(nil), dep.origResult.Data...)
	decoder := co.ensureDecoderLocked(t, data)
	co.mu.Unlock()
	if decoder == nil {
		co.emitFailure(t, apperrors.New(apperrors.KindDecodingFailed, "coordinator.fetchDecodedOriginal", fmt.Errorf("unrecognized image format")))
		return
	}
	decoder.Finalize(t.ctx, data)
}

// finishDecoded runs the decoding stage's post-decode step. A request
// carrying thumbnail options is rendered here, on the decoding queue
// rather than the processing queue, and never reaches maybeDecompress:
// thumbnails skip decompression entirely. Everything else proceeds
// through the normal optional decompression step.
func (co *Coordinator) finishDecoded(t *Subtask, c *core.Container) {
	thumb, ok := t.req.Thumbnail()
	if !ok {
		co.maybeDecompress(t, c)
		return
	}
	co.mu.Lock()
	p := t.priority
	co.mu.Unlock()
	co.decodingQueue.Submit(queue.Priority(p), func(context.Context) {
		out, err := (&process.ThumbnailProcessor{Options: thumb}).Process(t.ctx, c)
		if err != nil {
			co.emitFailure(t, apperrors.Wrap(apperrors.KindProcessingFailed, "coordinator.thumbnail", err))
			return
		}
		co.emitDecodedSuccess(t, out)
	})
}

func (co *Coordinator) maybeDecompress(t *Subtask, c *core.Container) {
	if t.req.Options.Has(core.SkipDecompression) || co.decompressor == nil || co.decompressQueue == nil {
		co.emitDecodedSuccess(t, c)
		return
	}
	co.mu.Lock()
	p := t.priority
	co.mu.Unlock()
	co.decompressQueue.Submit(queue.Priority(p), func(context.Context) {
		out, err := co.decompressor(t.ctx, c)
		if err != nil {
			co.emitFailure(t, apperrors.Wrap(apperrors.KindDecodingFailed, "coordinator.decompress", err))
			return
		}
		co.emitDecodedSuccess(t, out)
	})
}

func (co *Coordinator) emitPreview(t *Subtask, c *core.Container) {
	co.mu.Lock()
	if t.state.isTerminal() {
		co.mu.Unlock()
		return
	}
	c.IsPreview = true
	t.previewContainer = c
	req := t.req
	processors := t.chainProcessors
	subs := snapshotSubs(t)
	deps := snapshotDeps(t)
	co.mu.Unlock()

	if co.storePreviews && co.cache != nil && cache.WriteSetsFor(req.Options)&cache.Memory != 0 {
		co.cache.StoreCachedImage(co.cache.MakeImageCacheKey(req, processors), c, cache.Memory)
	}

	ev := Event{Kind: EventPreview, Container: c}
	for _, s := range subs {
		s := s
		co.jobs.push(func() { s.queue.push(ev) })
	}
	for _, d := range deps {
		if d.key.Stage != StageFetchProcessedImage {
			continue
		}
		d := d
		co.jobs.push(func() { co.forwardPreviewToProcessed(t, d, c) })
	}
}

func (co *Coordinator) emitDecodedSuccess(t *Subtask, c *core.Container) {
	co.mu.Lock()
	if t.state.isTerminal() {
		co.mu.Unlock()
		return
	}
	t.state = StateSucceeded
	t.container = c
	key, startedAt := t.key, t.startedAt
	subs := snapshotSubs(t)
	deps := snapshotDeps(t)
	co.mu.Unlock()

	co.recordSubtaskFinish(key, startedAt, nil)
	co.maybeCacheWrite(t, c, false, nil)
	ev := Event{Kind: EventSuccess, Container: c, Response: co.buildResponse(t, c)}
	for _, s := range subs {
		s := s
		co.jobs.push(func() { s.queue.push(ev) })
	}
	for _, d := range deps {
		if d.key.Stage != StageFetchProcessedImage {
			continue
		}
		d := d
		co.jobs.push(func() { co.forwardSuccessToProcessed(t, d, c) })
	}
}

// ─── FetchProcessedImage ───────────────────────────────────────────────────

func (co *Coordinator) forwardPreviewToProcessed(dep, t *Subtask, c *core.Container) {
	co.mu.Lock()
	if t.state.isTerminal() {
		co.mu.Unlock()
		return
	}
	proc := t.processor
	priority := t.priority
	co.mu.Unlock()

	co.processingQueue.Submit(queue.Priority(priority), func(context.Context) {
		out, err := proc.Process(t.ctx, c)
		if err != nil {
			// Preview processing failures are locally recovered, matching
			// the decoder's own partial-failure rule: the final pass will
			// surface the error for real if it persists.
			return
		}
		co.emitPreview(t, out)
	})
}

func (co *Coordinator) forwardSuccessToProcessed(dep, t *Subtask, c *core.Container) {
	co.mu.Lock()
	if t.state.isTerminal() {
		co.mu.Unlock()
		return
	}
	proc := t.processor
	priority := t.priority
	co.mu.Unlock()

	handle := co.processingQueue.Submit(queue.Priority(priority), func(context.Context) {
		out, err := process.Apply(t.ctx, proc, c, co.retryPolicy, co.retryable)
		if err != nil {
			co.emitFailure(t, apperrors.Wrap(apperrors.KindProcessingFailed, "coordinator."+t.key.Stage.String(), err))
			return
		}
		co.emitProcessedSuccess(t, out)
	})
	co.mu.Lock()
	t.handle = handle
	co.mu.Unlock()
}

func (co *Coordinator) emitProcessedSuccess(t *Subtask, c *core.Container) {
	co.mu.Lock()
	if t.state.isTerminal() {
		co.mu.Unlock()
		return
	}
	t.state = StateSucceeded
	t.container = c
	processors := t.chainProcessors
	key, startedAt := t.key, t.startedAt
	subs := snapshotSubs(t)
	deps := snapshotDeps(t)
	co.mu.Unlock()

	co.recordSubtaskFinish(key, startedAt, nil)
	co.maybeCacheWrite(t, c, true, processors)
	ev := Event{Kind: EventSuccess, Container: c, Response: co.buildResponse(t, c)}
	for _, s := range subs {
		s := s
		co.jobs.push(func() { s.queue.push(ev) })
	}
	for _, d := range deps {
		if d.key.Stage != StageFetchProcessedImage {
			continue
		}
		d := d
		co.jobs.push(func() { co.forwardSuccessToProcessed(t, d, c) })
	}
}

// ─── Failure / cancellation propagation ────────────────────────────────────

func (co *Coordinator) emitFailure(t *Subtask, err error) {
	co.mu.Lock()
	if t.state.isTerminal() {
		co.mu.Unlock()
		return
	}
	t.state = StateFailed
	t.err = err
	key, startedAt := t.key, t.startedAt
	subs := snapshotSubs(t)
	deps := snapshotDeps(t)
	co.mu.Unlock()

	if co.metrics != nil {
		co.metrics.RecordSubtaskError(key.Stage.String())
	}
	co.recordSubtaskFinish(key, startedAt, err)
	ev := Event{Kind: EventFailure, Err: err}
	for _, s := range subs {
		s := s
		co.jobs.push(func() { s.queue.push(ev) })
	}
	// Failures are reused verbatim by every dependent, never re-wrapped.
	for _, d := range deps {
		d := d
		co.jobs.push(func() { co.emitFailure(d, err) })
	}
}

func (co *Coordinator) emitCancelled(t *Subtask) {
	co.mu.Lock()
	if t.state.isTerminal() {
		co.mu.Unlock()
		return
	}
	t.state = StateCancelled
	key, startedAt := t.key, t.startedAt
	subs := snapshotSubs(t)
	deps := snapshotDeps(t)
	co.mu.Unlock()

	co.recordSubtaskFinish(key, startedAt, apperrors.New(apperrors.KindCancelled, "coordinator.cancelled", nil))
	ev := Event{Kind: EventCancelled}
	for _, s := range subs {
		s := s
		co.jobs.push(func() { s.queue.push(ev) })
	}
	for _, d := range deps {
		d := d
		co.jobs.push(func() { co.emitCancelled(d) })
	}
}

// ─── Cache write-through ───────────────────────────────────────────────────

func (co *Coordinator) maybeCacheWriteRaw(t *Subtask) {
	if co.cache == nil {
		return
	}
	hasProcessors := len(t.req.Processors) > 0
	ws := cache.PlanWrites(co.cache.Policy, hasProcessors)
	if !ws.OriginalRaw || cache.WriteSetsFor(t.req.Options)&cache.Disk == 0 {
		return
	}
	if t.req.Source.IsLocal() && !hasProcessors {
		// Re-encoding a local source's bytes without any processor would
		// only duplicate what's already on disk at the source's own path.
		return
	}
	key := co.cache.MakeOriginalDataCacheKey(t.req)
	co.cache.StoreCachedData(t.ctx, key, t.origResult.Data, cache.Disk)
}

func (co *Coordinator) maybeCacheWrite(t *Subtask, c *core.Container, hasProcessors bool, processors []core.Processor) {
	if co.cache == nil {
		return
	}
	writes := cache.WriteSetsFor(t.req.Options)
	if writes&cache.Memory != 0 {
		co.cache.StoreCachedImage(co.cache.MakeImageCacheKey(t.req, processors), c, cache.Memory)
	}
	if writes&cache.Disk == 0 {
		return
	}
	ws := cache.PlanWrites(co.cache.Policy, hasProcessors)
	if !ws.OriginalEncoded && !ws.ProcessedEncoded {
		return
	}
	enc, ok := co.registry.EncoderFor(c.Type)
	if !ok {
		return
	}
	bytes, err := enc.Encode(t.ctx, c, core.EncodeOptions{})
	if err != nil {
		return
	}
	co.cache.StoreCachedData(t.ctx, co.cache.MakeDataCacheKey(t.req, processors), bytes, cache.Disk)
}

func (co *Coordinator) buildResponse(t *Subtask, c *core.Container) *core.Response {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.buildResponseLocked(t, c)
}

// ─── helpers ────────────────────────────────────────────────────────────────

func snapshotSubs(t *Subtask) []*Subscription {
	out := make([]*Subscription, 0, len(t.subscribers))
	for s := range t.subscribers {
		out = append(out, s)
	}
	return out
}

func snapshotDeps(t *Subtask) []*Subtask {
	out := make([]*Subtask, 0, len(t.dependents))
	for d := range t.dependents {
		out = append(out, d)
	}
	return out
}
