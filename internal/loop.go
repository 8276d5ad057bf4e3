package internal

import (
	"context"
	"sync"
)

// playbackLoop is the single serialized execution context that owns all
// pool and registry state. Posted functions run one at a time in FIFO order.
type playbackLoop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}

	// afterEach runs on the loop after every batch of posted functions.
	afterEach func()
}

func newPlaybackLoop() *playbackLoop {
	return &playbackLoop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// post queues fn without blocking. It returns false once the loop has stopped.
func (l *playbackLoop) post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// do runs fn on the loop and waits for it to finish.
func (l *playbackLoop) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrShutdown
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		// The loop may have run fn right before stopping.
		select {
		case <-finished:
			return nil
		default:
			return ErrShutdown
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run executes posted functions until ctx is cancelled. Functions still
// queued at that point are dropped.
func (l *playbackLoop) run(ctx context.Context) error {
	defer l.stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.wake:
		}
		for {
			if ctx.Err() != nil {
				return nil
			}
			l.mu.Lock()
			if len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()
			fn()
		}
		if l.afterEach != nil {
			l.afterEach()
		}
	}
}

// stop refuses further posts and drops queued functions.
func (l *playbackLoop) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.queue = nil
	close(l.done)
}
