package internal

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type focusState struct {
	index      int
	generation uint64
}

// FocusToken holds the single authoritative focused index together with a
// generation that increases on every focus change. Work started for an
// older generation is stale. Only the playback loop advances the token;
// any goroutine may read it.
type FocusToken struct {
	state atomic.Pointer[focusState]
}

func NewFocusToken(index int) *FocusToken {
	t := &FocusToken{}
	t.state.Store(&focusState{index: index})
	return t
}

// Advance moves focus to index and returns the new generation.
func (t *FocusToken) Advance(index int) uint64 {
	gen := t.state.Load().generation + 1
	t.state.Store(&focusState{index: index, generation: gen})
	return gen
}

func (t *FocusToken) Index() int { return t.state.Load().index }

func (t *FocusToken) Generation() uint64 { return t.state.Load().generation }

// IsCurrent reports whether gen is the latest generation.
func (t *FocusToken) IsCurrent(gen uint64) bool { return t.Generation() == gen }

// DecoderHandle wraps one engine owned by the pool.
type DecoderHandle struct {
	id     int
	engine DecoderEngine
	lease  *DecoderLease
}

func (h *DecoderHandle) ID() int { return h.id }

func (h *DecoderHandle) Engine() DecoderEngine { return h.engine }

// Lease returns the current lease, nil if the handle is free.
func (h *DecoderHandle) Lease() *DecoderLease { return h.lease }

// DecoderLease is the assignment of a handle to a feed index.
type DecoderLease struct {
	ID     uuid.UUID
	Index  int
	Handle *DecoderHandle
	// Source is the source bound to the engine, nil until Bind succeeds.
	Source  *PreloadedSource
	Created time.Time

	// Generation is the focus generation the lease was last bound under.
	Generation uint64

	seq uint64
}

// DecoderPool owns at most size decoder handles and leases them to feed
// indices. It is not safe for concurrent use; the playback loop owns it.
type DecoderPool struct {
	logger  *slog.Logger
	factory DecoderEngineFactory
	size    int
	focus   *FocusToken
	metrics *Metrics

	handles []*DecoderHandle
	free    []*DecoderHandle
	leases  map[int]*DecoderLease
	seq     uint64

	// onDetach is called with the playback position of a lease that is
	// released or evicted, before its engine is detached.
	onDetach func(lease *DecoderLease, pos time.Duration)
	// onEvict is called with a lease taken away from its index to serve
	// another one, after it has been detached.
	onEvict func(lease *DecoderLease)
}

func NewDecoderPool(factory DecoderEngineFactory, size int, focus *FocusToken, metrics *Metrics, logger *slog.Logger) *DecoderPool {
	if logger == nil {
		logger = discardLogger()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &DecoderPool{
		logger:  logger.With("component", "decoderpool"),
		factory: factory,
		size:    size,
		focus:   focus,
		metrics: metrics,
		leases:  make(map[int]*DecoderLease),
	}
}

// Acquire returns the handle leased to index, leasing one if needed. A free
// handle is preferred, then a new one while below the pool size, and last
// the lease farthest from focus is evicted. The focused lease is never evicted.
func (p *DecoderPool) Acquire(index int) (*DecoderHandle, error) {
	if l, ok := p.leases[index]; ok {
		return l.Handle, nil
	}
	if n := len(p.free); n > 0 {
		h := p.free[n-1]
		p.free = p.free[:n-1]
		return p.lease(h, index), nil
	}
	if len(p.handles) < p.size {
		engine, err := p.factory.Create()
		if err != nil {
			p.logger.Warn("could not create decoder engine", "index", index, "error", err)
			return nil, fmt.Errorf("%w: %w", ErrPoolExhausted, err)
		}
		h := &DecoderHandle{id: len(p.handles), engine: engine}
		p.handles = append(p.handles, h)
		p.logger.Debug("created decoder", "handle", h.id, "live", len(p.handles))
		return p.lease(h, index), nil
	}
	victim := p.leastRelevant()
	if victim == nil {
		return nil, fmt.Errorf("%w: all %d handles leased to focus", ErrPoolExhausted, len(p.handles))
	}
	h := victim.Handle
	p.logger.Info("evicting decoder lease", "handle", h.id, "fromIndex", victim.Index,
		"toIndex", index, "lease", victim.ID)
	p.detach(victim)
	p.metrics.PoolEvictions.Inc()
	if p.onEvict != nil {
		p.onEvict(victim)
	}
	return p.lease(h, index), nil
}

func (p *DecoderPool) lease(h *DecoderHandle, index int) *DecoderHandle {
	p.seq++
	l := &DecoderLease{
		ID:         uuid.New(),
		Index:      index,
		Handle:     h,
		Created:    time.Now(),
		seq:        p.seq,
		Generation: p.focus.Generation(),
	}
	h.lease = l
	p.leases[index] = l
	p.metrics.LeasedDecoders.Set(float64(len(p.leases)))
	return h
}

// leastRelevant picks the non-focused lease farthest from focus, the older
// one on ties.
func (p *DecoderPool) leastRelevant() *DecoderLease {
	focus := p.focus.Index()
	var victim *DecoderLease
	bestDist := -1
	for idx, l := range p.leases {
		if idx == focus {
			continue
		}
		d := abs(idx - focus)
		if d > bestDist || (d == bestDist && l.seq < victim.seq) {
			victim, bestDist = l, d
		}
	}
	return victim
}

func (p *DecoderPool) detach(l *DecoderLease) {
	h := l.Handle
	if p.onDetach != nil && l.Source != nil {
		p.onDetach(l, h.engine.Position())
	}
	if err := h.engine.Detach(); err != nil {
		p.logger.Warn("detach failed", "handle", h.id, "index", l.Index, "error", err)
	}
	h.lease = nil
	delete(p.leases, l.Index)
	p.metrics.LeasedDecoders.Set(float64(len(p.leases)))
}

// Release detaches the handle leased to index and returns it to the free
// list. It reports whether index held a lease.
func (p *DecoderPool) Release(index int) bool {
	l, ok := p.leases[index]
	if !ok {
		return false
	}
	p.detach(l)
	p.free = append(p.free, l.Handle)
	p.logger.Debug("released decoder", "handle", l.Handle.id, "index", index)
	return true
}

// Bind attaches src to the handle's engine at resume and starts playback if
// the lease is for the focused index. gen is the focus generation the caller
// observed when it decided to bind; if focus has moved on since, the bind is
// discarded and ErrStaleBind returned.
func (p *DecoderPool) Bind(h *DecoderHandle, src *PreloadedSource, resume time.Duration, gen uint64) error {
	l := h.lease
	if l == nil {
		return ErrNotLeased
	}
	if src == nil || src.State() != Preloaded {
		return ErrSourceNotReady
	}
	if !p.focus.IsCurrent(gen) {
		return p.stale(l, gen)
	}
	if err := h.engine.Bind(src, resume); err != nil {
		return fmt.Errorf("bind index %d: %w", l.Index, err)
	}
	l.Source = src
	l.Generation = gen
	if p.focus.Index() != l.Index {
		return nil
	}
	if !p.focus.IsCurrent(gen) {
		return p.stale(l, gen)
	}
	if err := h.engine.Play(); err != nil {
		return fmt.Errorf("play index %d: %w", l.Index, err)
	}
	return nil
}

func (p *DecoderPool) stale(l *DecoderLease, gen uint64) error {
	p.metrics.StaleBinds.Inc()
	p.logger.Info("discarding stale bind", "index", l.Index, "generation", gen,
		"currentGeneration", p.focus.Generation(), "focus", p.focus.Index())
	return fmt.Errorf("%w: index %d generation %d", ErrStaleBind, l.Index, gen)
}

// Pause pauses the engine leased to index, if any.
func (p *DecoderPool) Pause(index int) {
	if l, ok := p.leases[index]; ok {
		if err := l.Handle.engine.Pause(); err != nil {
			p.logger.Warn("pause failed", "index", index, "error", err)
		}
	}
}

// Leased returns the lease held by index.
func (p *DecoderPool) Leased(index int) (*DecoderLease, bool) {
	l, ok := p.leases[index]
	return l, ok
}

// LeaseCount returns the number of leases.
func (p *DecoderPool) LeaseCount() int { return len(p.leases) }

// LiveHandles returns the number of constructed handles.
func (p *DecoderPool) LiveHandles() int { return len(p.handles) }

// Close detaches and releases every engine.
func (p *DecoderPool) Close() {
	for _, l := range p.leases {
		p.detach(l)
	}
	for _, h := range p.handles {
		if err := h.engine.Release(); err != nil {
			p.logger.Warn("release failed", "handle", h.id, "error", err)
		}
	}
	p.handles = nil
	p.free = nil
	p.metrics.LeasedDecoders.Set(0)
}
