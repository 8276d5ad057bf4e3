package internal

import (
	"context"
	"log/slog"
	"sync"
)

// PrefetchFunc does the background work for one item. It runs on the
// prefetch worker, also when ctx is already cancelled, and returns a
// completion that is invoked once the job is no longer counted as in
// flight, so the completion may submit follow-up work for the same key.
type PrefetchFunc func(ctx context.Context) (complete func())

type prefetchJob struct {
	key ItemKey
	ctx context.Context
	fn  PrefetchFunc
}

// Prefetcher runs prepare and buffer jobs one at a time, in submission order.
//
// Jobs are de-duplicated by ItemKey: a job is refused while another job for
// the same key is queued or running. Running jobs serially keeps concurrent
// prepares from racing on shared decoder capability probing.
type Prefetcher struct {
	logger *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*prefetchJob
	queued   map[ItemKey]*prefetchJob
	inFlight map[ItemKey]bool
	closed   bool
	done     uint64
}

// NewPrefetcher creates an idle prefetcher. Call Run to start the worker.
func NewPrefetcher(logger *slog.Logger) *Prefetcher {
	if logger == nil {
		logger = discardLogger()
	}
	p := &Prefetcher{
		logger:   logger.With("component", "prefetcher"),
		queued:   make(map[ItemKey]*prefetchJob),
		inFlight: make(map[ItemKey]bool),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Submit queues fn for key. It returns false if a job for key is already
// queued or running, or if the prefetcher is closed.
func (p *Prefetcher) Submit(ctx context.Context, key ItemKey, fn PrefetchFunc) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	if _, ok := p.queued[key]; ok || p.inFlight[key] {
		return false
	}
	job := &prefetchJob{key: key, ctx: ctx, fn: fn}
	p.queue = append(p.queue, job)
	p.queued[key] = job
	p.cond.Signal()
	return true
}

// Cancel drops a queued job for key. A running job is not affected; cancel
// its context instead. It reports whether a queued job was dropped.
func (p *Prefetcher) Cancel(key ItemKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.queued[key]
	if !ok {
		return false
	}
	delete(p.queued, key)
	for i, j := range p.queue {
		if j == job {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			break
		}
	}
	return true
}

// Pending returns the number of queued and running jobs.
func (p *Prefetcher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) + len(p.inFlight)
}

// Completed returns the number of jobs that have run.
func (p *Prefetcher) Completed() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Close stops the worker after the running job. Queued jobs are dropped.
func (p *Prefetcher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.queue = nil
	clear(p.queued)
	p.cond.Broadcast()
}

// Run executes jobs until ctx is cancelled or Close is called.
func (p *Prefetcher) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, p.Close)
	defer stop()

	p.logger.Debug("prefetch worker started")
	for {
		job := p.next()
		if job == nil {
			p.logger.Debug("prefetch worker stopped")
			return nil
		}
		complete := job.fn(job.ctx)
		p.mu.Lock()
		delete(p.inFlight, job.key)
		p.done++
		p.mu.Unlock()
		if complete != nil {
			complete()
		}
	}
}

// next blocks until a job is available and marks it as running.
func (p *Prefetcher) next() *prefetchJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		return nil
	}
	job := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	delete(p.queued, job.key)
	p.inFlight[job.key] = true
	return job
}
