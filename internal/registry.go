package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// SourceRegistry holds one PreloadedSource per feed item registered for
// preload and schedules their preparation on the prefetcher. All methods
// must be called from the playback loop; background completions are posted
// back to it through post.
type SourceRegistry struct {
	logger     *slog.Logger
	loader     MediaLoader
	policy     *PreloadPolicy
	prefetch   *Prefetcher
	post       func(func()) bool
	metrics    *Metrics
	maxRetries int

	ctx      context.Context
	sources  map[ItemKey]*PreloadedSource
	busy     map[*PreloadedSource]bool
	current  int
	progress *rate.Limiter

	// OnReady is called when a source becomes Preloaded or Failed.
	OnReady func(src *PreloadedSource)
	// OnEvent receives readiness and progress events, one per referencing index.
	OnEvent func(Event)
}

// RegistryConfig carries the dependencies of a SourceRegistry.
type RegistryConfig struct {
	Loader     MediaLoader
	Policy     *PreloadPolicy
	Prefetcher *Prefetcher
	// Post runs a function on the playback loop. It returns false when the
	// loop has stopped.
	Post              func(func()) bool
	Metrics           *Metrics
	MaxRetries        int
	ProgressPerSecond float64
}

func NewSourceRegistry(ctx context.Context, cfg RegistryConfig, logger *slog.Logger) *SourceRegistry {
	if logger == nil {
		logger = discardLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	limit := rate.Inf
	if cfg.ProgressPerSecond > 0 {
		limit = rate.Limit(cfg.ProgressPerSecond)
	}
	return &SourceRegistry{
		logger:     logger.With("component", "registry"),
		loader:     cfg.Loader,
		policy:     cfg.Policy,
		prefetch:   cfg.Prefetcher,
		post:       cfg.Post,
		metrics:    cfg.Metrics,
		maxRetries: cfg.MaxRetries,
		ctx:        ctx,
		sources:    make(map[ItemKey]*PreloadedSource),
		busy:       make(map[*PreloadedSource]bool),
		progress:   rate.NewLimiter(limit, 1),
	}
}

// Add registers item at index and starts preparing it. If the item is
// already registered the existing source is returned with index added to
// its references; no second preparation is started.
func (r *SourceRegistry) Add(item FeedItem, index int) *PreloadedSource {
	key := item.Key()
	if src, ok := r.sources[key]; ok {
		src.indices[index] = struct{}{}
		r.applyPriority(src)
		r.schedule(src)
		return src
	}
	src := &PreloadedSource{
		Item:    item,
		Key:     key,
		state:   Preloading,
		indices: map[int]struct{}{index: {}},
	}
	r.sources[key] = src
	r.metrics.RegisteredSources.Set(float64(len(r.sources)))
	r.logger.Debug("registered source", "itemID", item.ID, "index", index)
	r.applyPriority(src)
	r.schedule(src)
	r.emit(src)
	return src
}

// Get returns the source registered for item, or nil.
func (r *SourceRegistry) Get(item FeedItem) *PreloadedSource {
	return r.sources[item.Key()]
}

// Remove cancels any work for item and releases its source. Removing an
// unknown item does nothing.
func (r *SourceRegistry) Remove(item FeedItem) {
	key := item.Key()
	src, ok := r.sources[key]
	if !ok {
		return
	}
	delete(r.sources, key)
	delete(r.busy, src)
	r.prefetch.Cancel(key)
	if src.cancel != nil {
		src.cancel()
		src.cancel = nil
	}
	if src.media != nil {
		if err := src.media.Close(); err != nil {
			r.logger.Warn("closing media", "itemID", item.ID, "error", err)
		}
		src.media = nil
	}
	src.state = Released
	r.emit(src)
	src.indices = map[int]struct{}{}
	r.metrics.RegisteredSources.Set(float64(len(r.sources)))
	r.logger.Debug("removed source", "itemID", item.ID)
}

// DropIndex forgets that index references item without releasing the source.
func (r *SourceRegistry) DropIndex(item FeedItem, index int) {
	if src, ok := r.sources[item.Key()]; ok {
		delete(src.indices, index)
		r.applyPriority(src)
	}
}

// UpdatePriorities re-evaluates the preload target of every source for the
// new focused index and queues buffering where the target grew.
func (r *SourceRegistry) UpdatePriorities(current int) {
	r.current = current
	for _, src := range r.sources {
		r.applyPriority(src)
		r.schedule(src)
	}
}

// Priority returns the preload status of index relative to the focused index.
func (r *SourceRegistry) Priority(index, current int) PreloadStatus {
	return r.policy.Priority(index, current)
}

// Retry re-queues preparation of a failed source if it has retries left.
func (r *SourceRegistry) Retry(item FeedItem) bool {
	src, ok := r.sources[item.Key()]
	if !ok || src.state != Failed || src.retries >= r.maxRetries {
		return false
	}
	src.retries++
	src.state = Preloading
	src.err = nil
	r.logger.Info("retrying source", "itemID", item.ID, "attempt", src.retries)
	r.schedule(src)
	r.emit(src)
	return true
}

// Len returns the number of registered sources.
func (r *SourceRegistry) Len() int { return len(r.sources) }

// Close removes every source.
func (r *SourceRegistry) Close() {
	for _, src := range r.sources {
		r.Remove(src.Item)
	}
}

func (r *SourceRegistry) applyPriority(src *PreloadedSource) {
	st := r.policy.forDistance(src.nearestDistance(r.current))
	if st.Idle {
		src.target = 0
		return
	}
	src.target = st.Target
}

// schedule submits the next job a source needs, if any and none is running.
func (r *SourceRegistry) schedule(src *PreloadedSource) {
	if r.busy[src] {
		return
	}
	var fn PrefetchFunc
	switch {
	case src.state == Preloading:
		fn = r.prepareJob(src, src.target)
	case src.state == Preloaded && src.buffered < src.target && src.buffered < src.Duration():
		fn = r.bufferJob(src, src.target)
	default:
		return
	}
	ctx, cancel := context.WithCancel(r.ctx)
	if !r.prefetch.Submit(ctx, src.Key, fn) {
		// An earlier job for the same item is still running for a source
		// that has been replaced; its completion reschedules this one.
		cancel()
		return
	}
	src.cancel = cancel
	r.busy[src] = true
}

func (r *SourceRegistry) prepareJob(src *PreloadedSource, target time.Duration) PrefetchFunc {
	item := src.Item
	return func(ctx context.Context) func() {
		var (
			media    Media
			buffered time.Duration
			err      = ctx.Err()
		)
		start := time.Now()
		if err == nil {
			media, err = r.loader.Open(ctx, item)
		}
		if err == nil && target > 0 {
			buffered, err = media.BufferTo(ctx, target, r.progressFunc(src))
		}
		r.logger.Debug("prepare finished", "itemID", item.ID, "buffered", buffered,
			"elapsed", time.Since(start), "error", err)
		return func() {
			if !r.post(func() { r.prepareDone(src, media, buffered, err) }) && media != nil {
				_ = media.Close()
			}
		}
	}
}

func (r *SourceRegistry) bufferJob(src *PreloadedSource, target time.Duration) PrefetchFunc {
	media := src.media
	return func(ctx context.Context) func() {
		buffered, err := media.BufferTo(ctx, target, r.progressFunc(src))
		return func() {
			r.post(func() { r.bufferDone(src, buffered, err) })
		}
	}
}

// progressFunc reports buffering progress from the prefetch worker, at most
// at the configured event rate.
func (r *SourceRegistry) progressFunc(src *PreloadedSource) func(time.Duration) {
	return func(b time.Duration) {
		if !r.progress.Allow() {
			return
		}
		r.post(func() {
			if r.sources[src.Key] != src || b <= src.buffered {
				return
			}
			src.buffered = b
			r.emit(src)
		})
	}
}

// finish clears the job bookkeeping of src and reports whether src is still
// the registered source for its item.
func (r *SourceRegistry) finish(src *PreloadedSource) bool {
	current, ok := r.sources[src.Key]
	if ok && current == src {
		delete(r.busy, src)
		src.cancel = nil
		return true
	}
	// src was removed. A replacement may be waiting for the worker.
	if ok {
		r.schedule(current)
	}
	return false
}

func (r *SourceRegistry) prepareDone(src *PreloadedSource, media Media, buffered time.Duration, err error) {
	if !r.finish(src) {
		if media != nil {
			_ = media.Close()
		}
		r.logger.Debug("discarding prepare of removed source", "itemID", src.Item.ID)
		return
	}
	if err != nil {
		if media != nil {
			_ = media.Close()
		}
		r.fail(src, err)
		return
	}
	src.media = media
	src.duration = media.Info().Duration
	if buffered > src.buffered {
		src.buffered = buffered
	}
	src.state = Preloaded
	r.logger.Debug("source preloaded", "itemID", src.Item.ID, "buffered", src.buffered,
		"duration", src.duration)
	r.emit(src)
	if r.OnReady != nil {
		r.OnReady(src)
	}
	r.schedule(src)
}

func (r *SourceRegistry) bufferDone(src *PreloadedSource, buffered time.Duration, err error) {
	if !r.finish(src) {
		return
	}
	if buffered > src.buffered {
		src.buffered = buffered
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn("buffering failed", "itemID", src.Item.ID, "error", err)
		return
	}
	r.emit(src)
	r.schedule(src)
}

func (r *SourceRegistry) fail(src *PreloadedSource, err error) {
	src.state = Failed
	src.err = fmt.Errorf("%w: %s: %w", ErrPrepareFailed, src.Item.ID, err)
	src.buffered = 0
	r.metrics.PrepareFailures.Inc()
	r.logger.Warn("source failed", "itemID", src.Item.ID, "attempt", src.retries, "error", err)
	r.emit(src)
	if r.OnReady != nil {
		r.OnReady(src)
	}
}

func (r *SourceRegistry) emit(src *PreloadedSource) {
	if r.OnEvent == nil {
		return
	}
	for idx := range src.indices {
		r.OnEvent(Event{
			Index:     idx,
			ItemID:    src.Item.ID,
			Ratio:     src.Ratio(),
			Readiness: src.state,
			State:     positionStateOf(src.state),
			Err:       src.err,
		})
	}
}
