package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Snapshot is an immutable view of the engine after a playback loop turn.
type Snapshot struct {
	Focus       int
	Generation  uint64
	Window      []int
	States      map[int]PositionState
	Leased      []int
	LiveHandles int
	Registered  int
	StaleBinds  uint64
	Pending     int
}

// FeedController maps the focused feed position onto preloaded sources and
// leased decoders. Public methods may be called from any goroutine; the
// work is done on the playback loop in call order.
type FeedController struct {
	cfg     EngineConfig
	logger  *slog.Logger
	metrics *Metrics

	items    *ItemWindowCache
	focus    *FocusToken
	loop     *playbackLoop
	prefetch *Prefetcher
	events   *EventBus
	resume   *resumePositions
	loader   MediaLoader
	factory  DecoderEngineFactory
	policy   *PreloadPolicy

	// Owned by the playback loop after Start.
	registry   *SourceRegistry
	pool       *DecoderPool
	window     ManagedWindow
	pending    map[int]uint64
	staleBinds uint64

	snapshot atomic.Pointer[Snapshot]

	mu           sync.Mutex
	started      bool
	closed       bool
	cancel       context.CancelFunc
	group        *errgroup.Group
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewFeedController validates cfg and wires the engine. Nothing runs until Start.
func NewFeedController(cfg EngineConfig, catalog Catalog, loader MediaLoader,
	factory DecoderEngineFactory, logger *slog.Logger) (*FeedController, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = discardLogger()
	}
	items, err := NewItemWindowCache(catalog, cfg.LookBehind, cfg.LookAhead)
	if err != nil {
		return nil, err
	}
	policy, err := NewPreloadPolicy(cfg.Tiers)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	resume, err := newResumePositions(cfg.ResumeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	c := &FeedController{
		cfg:      cfg,
		logger:   logger.With("component", "controller"),
		metrics:  NewMetrics(),
		items:    items,
		loop:     newPlaybackLoop(),
		prefetch: NewPrefetcher(logger),
		events:   NewEventBus(cfg.EventBuffer),
		resume:   resume,
		loader:   loader,
		factory:  factory,
		policy:   policy,
		pending:  make(map[int]uint64),
	}
	c.loop.afterEach = c.publishSnapshot
	c.snapshot.Store(&Snapshot{States: map[int]PositionState{}})
	return c, nil
}

// Metrics returns the engine's instruments.
func (c *FeedController) Metrics() *Metrics { return c.metrics }

// Start launches the playback loop and prefetch worker and registers the
// window [initialIndex, initialIndex+ManagedItemCount). It returns once the
// window is registered. The engine stops when ctx is cancelled or on Shutdown.
func (c *FeedController) Start(ctx context.Context, initialIndex int) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrShutdown
	}
	if c.started {
		c.mu.Unlock()
		return errors.New("controller already started")
	}
	c.started = true
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	c.cancel = cancel
	c.group = g
	c.mu.Unlock()

	c.focus = NewFocusToken(initialIndex)
	c.pool = NewDecoderPool(c.factory, c.cfg.NumberOfPlayers, c.focus, c.metrics, c.logger)
	c.pool.onDetach = c.onDetach
	c.pool.onEvict = c.publishReleased
	c.registry = NewSourceRegistry(gctx, RegistryConfig{
		Loader:            c.loader,
		Policy:            c.policy,
		Prefetcher:        c.prefetch,
		Post:              c.loop.post,
		Metrics:           c.metrics,
		MaxRetries:        c.cfg.MaxPrepareRetries,
		ProgressPerSecond: c.cfg.ProgressEventsPerSecond,
	}, c.logger)
	c.registry.OnReady = c.onSourceReady
	c.registry.OnEvent = c.events.Publish

	g.Go(func() error { return c.loop.run(gctx) })
	g.Go(func() error { return c.prefetch.Run(gctx) })

	c.logger.Info("starting feed", "initialIndex", initialIndex, "catalogLen", c.items.CatalogLen(),
		"players", c.cfg.NumberOfPlayers, "managed", c.cfg.ManagedItemCount)
	return c.loop.do(ctx, func() {
		c.registry.UpdatePriorities(initialIndex)
		c.reconcile(initialIndex, initialIndex+c.cfg.ManagedItemCount-1)
	})
}

// accepting returns ErrNotStarted before Start and ErrShutdown after Shutdown.
func (c *FeedController) accepting() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return ErrShutdown
	case !c.started:
		return ErrNotStarted
	}
	return nil
}

// SetPosition makes index the focused position. It does not wait for the
// change to be applied; use Flush for that.
func (c *FeedController) SetPosition(index int) error {
	if err := c.accepting(); err != nil {
		return err
	}
	if !c.loop.post(func() { c.setPosition(index) }) {
		return ErrShutdown
	}
	return nil
}

// OnFocusAcquired is called when the view for index is attached. It returns
// the decoder leased to index once its source is ready, bound paused for
// neighbours and playing for the focused index. ErrSourceNotReady means the
// source is still preparing; a readiness event follows.
func (c *FeedController) OnFocusAcquired(ctx context.Context, index int) (*DecoderHandle, error) {
	if err := c.accepting(); err != nil {
		return nil, err
	}
	var h *DecoderHandle
	var err error
	if derr := c.loop.do(ctx, func() { h, err = c.acquireView(index) }); derr != nil {
		return nil, derr
	}
	return h, err
}

// OnFocusReleased is called when the view for index is detached. The lease
// for index is released and its playback position remembered.
func (c *FeedController) OnFocusReleased(index int) error {
	if err := c.accepting(); err != nil {
		return err
	}
	if !c.loop.post(func() { c.releaseView(index) }) {
		return ErrShutdown
	}
	return nil
}

// Subscribe returns the event stream and a function that ends the subscription.
func (c *FeedController) Subscribe() (<-chan Event, func()) {
	return c.events.Subscribe()
}

// Snapshot returns the state published after the latest loop turn.
func (c *FeedController) Snapshot() *Snapshot {
	return c.snapshot.Load()
}

// Flush waits until every call made before it has been applied and the
// resulting Snapshot is published.
func (c *FeedController) Flush(ctx context.Context) error {
	if err := c.accepting(); err != nil {
		return err
	}
	return c.loop.do(ctx, c.publishSnapshot)
}

// Shutdown releases every decoder and source, stops the background work and
// ends all event subscriptions. It is safe to call more than once.
func (c *FeedController) Shutdown() error {
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		started := c.started
		c.closed = true
		c.mu.Unlock()
		if !started {
			c.loop.stop()
			c.events.Close()
			return
		}
		cleaned := false
		cleanup := func() {
			c.pool.Close()
			c.registry.Close()
			c.window.clear()
			clear(c.pending)
			cleaned = true
		}
		if err := c.loop.do(context.Background(), cleanup); err != nil && !errors.Is(err, ErrShutdown) {
			c.logger.Warn("shutdown cleanup", "error", err)
		}
		c.cancel()
		c.shutdownErr = c.group.Wait()
		if !cleaned {
			// The loop stopped before cleanup ran; nothing else touches the state now.
			cleanup()
		}
		c.publishSnapshot()
		c.events.Close()
		c.logger.Info("feed stopped", "staleBinds", c.staleBinds)
	})
	return c.shutdownErr
}

func (c *FeedController) setPosition(index int) {
	prev := c.focus.Index()
	gen := c.focus.Advance(index)
	c.metrics.PositionChanges.Inc()
	c.logger.Debug("set position", "index", index, "previous", prev, "generation", gen)

	if prev != index {
		c.releaseLease(prev)
	}

	lo, hi := c.windowFor(index)
	c.registry.UpdatePriorities(index)
	c.reconcile(lo, hi)
	c.focusIndex(index, gen)
}

// windowFor returns the managed range after focusing index. Near an edge,
// or one step past it, the window slides by one position at a time; a jump
// further away recentres.
func (c *FeedController) windowFor(index int) (lo, hi int) {
	size := c.cfg.ManagedItemCount
	margin := c.cfg.EdgeMargin
	front, back, ok := c.window.Bounds()
	if !ok || index < front-1 || index > back+1 {
		lo = index - margin
		return lo, lo + size - 1
	}
	lo, hi = front, back
	for hi-index < margin {
		lo++
		hi++
	}
	for index-lo < margin {
		lo--
		hi--
	}
	return lo, hi
}

// reconcile makes the managed window exactly [lo, hi]. New positions are
// registered before evicted ones are unregistered, so an item present on
// both sides keeps its source.
func (c *FeedController) reconcile(lo, hi int) {
	var evicted []windowSlot
	for {
		front, _, ok := c.window.Bounds()
		if !ok || front >= lo {
			break
		}
		s, _ := c.window.popFront()
		evicted = append(evicted, s)
	}
	for {
		_, back, ok := c.window.Bounds()
		if !ok || back <= hi {
			break
		}
		s, _ := c.window.popBack()
		evicted = append(evicted, s)
	}

	if c.window.Len() == 0 {
		for i, item := range c.items.GetRange(lo, hi+1) {
			c.window.pushBack(c.register(lo+i, item))
		}
	} else {
		front, back, _ := c.window.Bounds()
		for i := front - 1; i >= lo; i-- {
			c.window.pushFront(c.register(i, c.items.Get(i)))
		}
		for i := back + 1; i <= hi; i++ {
			c.window.pushBack(c.register(i, c.items.Get(i)))
		}
	}

	for _, s := range evicted {
		c.unregister(s)
	}
}

func (c *FeedController) register(index int, item FeedItem) windowSlot {
	c.registry.Add(item, index)
	return windowSlot{Index: index, Item: item, Key: item.Key()}
}

func (c *FeedController) unregister(s windowSlot) {
	c.releaseLease(s.Index)
	delete(c.pending, s.Index)
	if c.window.References(s.Key) > 0 {
		c.registry.DropIndex(s.Item, s.Index)
		return
	}
	c.registry.Remove(s.Item)
}

// focusIndex binds the focused index right away if its source is ready,
// otherwise records a pending bind for generation gen.
func (c *FeedController) focusIndex(index int, gen uint64) {
	item := c.items.Get(index)
	src := c.registry.Get(item)
	if src == nil {
		c.logger.Warn("focused item not registered, creating on demand", "index", index, "itemID", item.ID)
		src = c.registry.Add(item, index)
	}
	switch src.State() {
	case Preloaded:
		c.bindFocused(index, src, gen)
	case Failed:
		if c.registry.Retry(item) {
			c.pending[index] = gen
			return
		}
		c.skipFailed(index, src, gen)
	default:
		c.pending[index] = gen
	}
}

func (c *FeedController) bindFocused(index int, src *PreloadedSource, gen uint64) {
	if l, ok := c.pool.Leased(index); ok && l.Source == src {
		// Bound paused as a neighbour; keep its position.
		if err := l.Handle.engine.Play(); err != nil {
			c.logger.Warn("play failed", "index", index, "error", err)
			return
		}
		c.events.Publish(Event{Index: index, ItemID: src.Item.ID, Ratio: src.Ratio(),
			Readiness: src.State(), State: Playing, LeaseID: l.ID, Generation: gen})
		return
	}
	h, err := c.pool.Acquire(index)
	if err != nil {
		c.logger.Error("no decoder for focused index", "index", index, "error", err)
		c.events.Publish(Event{Index: index, ItemID: src.Item.ID, State: PositionFailed,
			Readiness: src.State(), Generation: gen, Err: err})
		return
	}
	err = c.pool.Bind(h, src, c.resume.Lookup(src.Key), gen)
	switch {
	case errors.Is(err, ErrStaleBind):
		c.staleBinds++
		return
	case err != nil:
		c.logger.Warn("bind failed", "index", index, "itemID", src.Item.ID, "error", err)
		c.pool.Release(index)
		return
	}
	c.events.Publish(Event{Index: index, ItemID: src.Item.ID, Ratio: src.Ratio(),
		Readiness: src.State(), State: Playing, LeaseID: h.Lease().ID, Generation: gen})
}

func (c *FeedController) skipFailed(index int, src *PreloadedSource, gen uint64) {
	c.logger.Warn("skipping failed item", "index", index, "itemID", src.Item.ID, "error", src.Err())
	c.events.Publish(Event{Index: index, ItemID: src.Item.ID, Readiness: Failed,
		State: PositionFailed, Generation: gen, Err: src.Err()})
}

// onSourceReady completes pending binds of a source that became Preloaded
// or Failed. Binds recorded for an older generation are dropped.
func (c *FeedController) onSourceReady(src *PreloadedSource) {
	for index := range src.indices {
		gen, ok := c.pending[index]
		if !ok {
			continue
		}
		delete(c.pending, index)
		if !c.focus.IsCurrent(gen) || c.focus.Index() != index {
			c.staleBinds++
			c.metrics.StaleBinds.Inc()
			c.logger.Info("discarding stale bind", "index", index, "itemID", src.Item.ID,
				"generation", gen, "currentGeneration", c.focus.Generation(), "focus", c.focus.Index())
			continue
		}
		switch src.State() {
		case Preloaded:
			c.bindFocused(index, src, gen)
		case Failed:
			if c.registry.Retry(src.Item) {
				c.pending[index] = gen
				continue
			}
			c.skipFailed(index, src, gen)
		}
	}
}

func (c *FeedController) acquireView(index int) (*DecoderHandle, error) {
	if !c.window.Contains(index) {
		return nil, fmt.Errorf("%w: index %d outside managed window", ErrSourceNotReady, index)
	}
	item := c.items.Get(index)
	src := c.registry.Get(item)
	if src == nil {
		c.logger.Warn("view attached for unregistered item, creating on demand", "index", index, "itemID", item.ID)
		c.registry.Add(item, index)
		return nil, ErrSourceNotReady
	}
	if l, ok := c.pool.Leased(index); ok && l.Source != nil {
		return l.Handle, nil
	}
	if src.State() != Preloaded {
		if src.State() == Failed {
			return nil, src.Err()
		}
		return nil, ErrSourceNotReady
	}
	if index == c.focus.Index() {
		delete(c.pending, index)
		c.bindFocused(index, src, c.focus.Generation())
		if l, ok := c.pool.Leased(index); ok && l.Source != nil {
			return l.Handle, nil
		}
		return nil, ErrPoolExhausted
	}
	h, err := c.pool.Acquire(index)
	if err != nil {
		return nil, err
	}
	if err := c.pool.Bind(h, src, c.resume.Lookup(src.Key), c.focus.Generation()); err != nil {
		c.pool.Release(index)
		return nil, err
	}
	c.events.Publish(Event{Index: index, ItemID: item.ID, Ratio: src.Ratio(),
		Readiness: src.State(), State: Paused, LeaseID: h.Lease().ID, Generation: c.focus.Generation()})
	return h, nil
}

func (c *FeedController) releaseView(index int) {
	c.releaseLease(index)
}

// releaseLease returns the decoder leased to index, if any, to the pool.
func (c *FeedController) releaseLease(index int) {
	l, ok := c.pool.Leased(index)
	if !ok {
		return
	}
	c.pool.Release(index)
	c.publishReleased(l)
}

// publishReleased tells subscribers that the lease no longer serves its
// index. It covers evictions as well as releases.
func (c *FeedController) publishReleased(l *DecoderLease) {
	c.events.Publish(Event{Index: l.Index, ItemID: c.items.Get(l.Index).ID, State: PositionReleased,
		LeaseID: l.ID, Generation: c.focus.Generation()})
}

// onDetach remembers where a released or evicted lease stopped.
func (c *FeedController) onDetach(l *DecoderLease, pos time.Duration) {
	c.resume.Remember(l.Source.Key, pos)
	c.logger.Debug("lease detached", "index", l.Index, "itemID", l.Source.Item.ID,
		"lease", l.ID, "position", pos)
}

func (c *FeedController) publishSnapshot() {
	if c.pool == nil {
		return
	}
	s := &Snapshot{
		Focus:       c.focus.Index(),
		Generation:  c.focus.Generation(),
		Window:      c.window.Indices(),
		States:      make(map[int]PositionState, c.window.Len()),
		LiveHandles: c.pool.LiveHandles(),
		Registered:  c.registry.Len(),
		StaleBinds:  c.staleBinds,
		Pending:     c.prefetch.Pending(),
	}
	for _, idx := range s.Window {
		s.States[idx] = c.positionState(idx)
	}
	for idx := range c.pool.leases {
		s.Leased = append(s.Leased, idx)
	}
	slices.Sort(s.Leased)
	c.snapshot.Store(s)
}

func (c *FeedController) positionState(index int) PositionState {
	if l, ok := c.pool.Leased(index); ok && l.Source != nil {
		if l.Handle.engine.Playing() {
			return Playing
		}
		return Paused
	}
	src := c.registry.Get(c.items.Get(index))
	if src == nil {
		return Unregistered
	}
	return positionStateOf(src.State())
}
