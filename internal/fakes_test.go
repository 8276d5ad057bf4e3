package internal

import (
	"context"
	"errors"
	"sync"
	"time"
)

// fakeEngine records what the pool and controller do with it.
type fakeEngine struct {
	id int

	mu       sync.Mutex
	bound    *PreloadedSource
	resume   time.Duration
	playing  bool
	plays    []string
	detaches int
	released bool
}

func (e *fakeEngine) Bind(src *PreloadedSource, resume time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bound = src
	e.resume = resume
	e.playing = false
	return nil
}

func (e *fakeEngine) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bound == nil {
		return errors.New("nothing bound")
	}
	e.playing = true
	e.plays = append(e.plays, e.bound.Item.ID)
	return nil
}

func (e *fakeEngine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.playing = false
	return nil
}

func (e *fakeEngine) Detach() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bound = nil
	e.playing = false
	e.detaches++
	return nil
}

func (e *fakeEngine) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.released = true
	return nil
}

func (e *fakeEngine) Position() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resume + 250*time.Millisecond
}

func (e *fakeEngine) Playing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing
}

func (e *fakeEngine) boundID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bound == nil {
		return ""
	}
	return e.bound.Item.ID
}

type fakeEngineFactory struct {
	mu      sync.Mutex
	engines []*fakeEngine
	failAt  int // Create fails once this many engines exist; 0 never fails
}

func (f *fakeEngineFactory) Create() (DecoderEngine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAt > 0 && len(f.engines) >= f.failAt {
		return nil, ErrCodecUnavailable
	}
	e := &fakeEngine{id: len(f.engines)}
	f.engines = append(f.engines, e)
	return e, nil
}

func (f *fakeEngineFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}

// allPlays returns the item IDs every engine was asked to play, in no
// particular order across engines.
func (f *fakeEngineFactory) allPlays() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.engines {
		e.mu.Lock()
		out = append(out, e.plays...)
		e.mu.Unlock()
	}
	return out
}

// fakeMedia buffers instantly up to its duration.
type fakeMedia struct {
	mu       sync.Mutex
	duration time.Duration
	buffered time.Duration
	closed   bool
}

func (m *fakeMedia) Info() MediaInfo {
	return MediaInfo{Duration: m.duration, TimeScale: 1000, Codec: "fake", Fragmented: true}
}

func (m *fakeMedia) Buffered() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffered
}

func (m *fakeMedia) BufferTo(ctx context.Context, target time.Duration, progress func(time.Duration)) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return m.buffered, err
	}
	if target > m.duration {
		target = m.duration
	}
	if target > m.buffered {
		m.buffered = target
		if progress != nil {
			progress(m.buffered)
		}
	}
	return m.buffered, nil
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// fakeLoader opens fakeMedia. Items listed in gates block in Open until
// their gate is closed; items listed in fail return an error.
type fakeLoader struct {
	mu     sync.Mutex
	gates  map[string]chan struct{}
	fail   map[string]int // remaining failures per item ID
	opens  []string
	medias []*fakeMedia
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		gates: make(map[string]chan struct{}),
		fail:  make(map[string]int),
	}
}

// gate makes Open for id block until the returned function is called.
func (l *fakeLoader) gate(id string) func() {
	ch := make(chan struct{})
	l.mu.Lock()
	l.gates[id] = ch
	l.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (l *fakeLoader) failTimes(id string, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail[id] = n
}

func (l *fakeLoader) Open(ctx context.Context, item FeedItem) (Media, error) {
	l.mu.Lock()
	l.opens = append(l.opens, item.ID)
	gate := l.gates[item.ID]
	fail := l.fail[item.ID] > 0
	if fail {
		l.fail[item.ID]--
	}
	l.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("corrupt media")
	}
	m := &fakeMedia{duration: 3 * time.Second}
	l.mu.Lock()
	l.medias = append(l.medias, m)
	l.mu.Unlock()
	return m, nil
}

func (l *fakeLoader) openCount(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, o := range l.opens {
		if o == id {
			n++
		}
	}
	return n
}
