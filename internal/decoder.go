package internal

import (
	"fmt"
	"sync"
	"time"
)

// DecoderEngine is one decoder instance. Engines are expensive to create,
// so the pool keeps them and only swaps the bound source.
type DecoderEngine interface {
	// Bind attaches a prepared source, paused at resume.
	Bind(src *PreloadedSource, resume time.Duration) error
	Play() error
	Pause() error
	// Detach stops playback and drops the bound source but keeps the engine usable.
	Detach() error
	// Release frees the engine for good.
	Release() error
	Position() time.Duration
	Playing() bool
}

// DecoderEngineFactory creates decoder engines. Create fails when the
// platform has no decoder instance left.
type DecoderEngineFactory interface {
	Create() (DecoderEngine, error)
}

// SimEngineFactory creates SimEngines. MaxInstances > 0 caps the number of
// live engines, like a device with a fixed number of hardware decoders.
type SimEngineFactory struct {
	MaxInstances int

	mu      sync.Mutex
	live    int
	created int
	now     func() time.Time
}

func NewSimEngineFactory(maxInstances int) *SimEngineFactory {
	return &SimEngineFactory{MaxInstances: maxInstances, now: time.Now}
}

func (f *SimEngineFactory) Create() (DecoderEngine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.MaxInstances > 0 && f.live >= f.MaxInstances {
		return nil, fmt.Errorf("%w: %d of %d in use", ErrCodecUnavailable, f.live, f.MaxInstances)
	}
	f.live++
	f.created++
	now := f.now
	if now == nil {
		now = time.Now
	}
	return &SimEngine{id: f.created, factory: f, now: now}, nil
}

// Live returns the number of engines created and not yet released.
func (f *SimEngineFactory) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live
}

func (f *SimEngineFactory) released() {
	f.mu.Lock()
	f.live--
	f.mu.Unlock()
}

// SimEngine is a software engine that advances the playback position with
// the wall clock. Short clips loop, so the position wraps at the media duration.
type SimEngine struct {
	id      int
	factory *SimEngineFactory
	now     func() time.Time

	mu       sync.Mutex
	src      *PreloadedSource
	duration time.Duration
	base     time.Duration
	started  time.Time
	playing  bool
	released bool
}

func (e *SimEngine) Bind(src *PreloadedSource, resume time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return fmt.Errorf("engine %d: bind after release", e.id)
	}
	if src == nil || src.State() != Preloaded {
		return ErrSourceNotReady
	}
	e.src = src
	e.duration = src.Duration()
	e.base = resume
	e.playing = false
	return nil
}

func (e *SimEngine) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.src == nil {
		return fmt.Errorf("engine %d: play without source", e.id)
	}
	if !e.playing {
		e.playing = true
		e.started = e.now()
	}
	return nil
}

func (e *SimEngine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.playing {
		e.base = e.positionLocked()
		e.playing = false
	}
	return nil
}

func (e *SimEngine) Detach() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.src = nil
	e.playing = false
	e.base = 0
	e.duration = 0
	return nil
}

func (e *SimEngine) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return nil
	}
	e.released = true
	e.src = nil
	e.playing = false
	if e.factory != nil {
		e.factory.released()
	}
	return nil
}

func (e *SimEngine) Position() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positionLocked()
}

func (e *SimEngine) positionLocked() time.Duration {
	pos := e.base
	if e.playing {
		pos += e.now().Sub(e.started)
	}
	if e.duration > 0 {
		pos %= e.duration
	}
	return pos
}

func (e *SimEngine) Playing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing
}
