package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/walterra/eddoapp-sub009/internal/metrics"
)

// ErrRunnerClosed is returned when work is queued after Shutdown.
var ErrRunnerClosed = errors.New("session runner is shut down")

type job func(ctx context.Context) error

// sessionRunner runs background traversals. Jobs for one session key run one after
// another in submission order; jobs for different keys share a fixed number of slots.
type sessionRunner struct {
	ctx     context.Context
	slots   chan struct{}
	onError func(key string, err error)

	mu     sync.Mutex
	lanes  map[string][]job
	closed bool
	wg     sync.WaitGroup
}

// newSessionRunner creates a runner whose jobs receive ctx. size bounds how many jobs
// run at once. onError, if non-nil, receives job errors and recovered panics.
func newSessionRunner(ctx context.Context, size int, onError func(key string, err error)) *sessionRunner {
	if size <= 0 {
		size = 1
	}
	return &sessionRunner{
		ctx:     ctx,
		slots:   make(chan struct{}, size),
		onError: onError,
		lanes:   make(map[string][]job),
	}
}

// Go queues fn behind any earlier job for key. It never blocks.
func (r *sessionRunner) Go(key string, fn func(ctx context.Context) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRunnerClosed
	}
	r.wg.Add(1)
	metrics.TraversalsQueued.Inc()
	lane, busy := r.lanes[key]
	r.lanes[key] = append(lane, fn)
	if !busy {
		go r.drain(key)
	}
	return nil
}

// drain owns key's lane until it is empty.
func (r *sessionRunner) drain(key string) {
	for {
		r.mu.Lock()
		fn := r.lanes[key][0]
		r.mu.Unlock()

		r.slots <- struct{}{}
		metrics.TraversalsQueued.Dec()
		metrics.TraversalsRunning.Inc()
		r.run(key, fn)
		metrics.TraversalsRunning.Dec()
		<-r.slots

		r.mu.Lock()
		rest := r.lanes[key][1:]
		if len(rest) == 0 {
			delete(r.lanes, key)
		} else {
			r.lanes[key] = rest
		}
		r.mu.Unlock()
		r.wg.Done()
		if len(rest) == 0 {
			return
		}
	}
}

func (r *sessionRunner) run(key string, fn job) {
	defer func() {
		if p := recover(); p != nil {
			metrics.WorkerPanics.Inc()
			r.report(key, fmt.Errorf("traversal panic: %v", p))
		}
	}()
	if err := fn(r.ctx); err != nil {
		r.report(key, err)
	}
}

func (r *sessionRunner) report(key string, err error) {
	if r.onError != nil {
		r.onError(key, err)
	}
}

// Queued returns how many jobs for key have not finished, including a running one.
func (r *sessionRunner) Queued(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lanes[key])
}

// Wait blocks until every queued job has finished.
func (r *sessionRunner) Wait() { r.wg.Wait() }

// Shutdown rejects new jobs and waits for queued ones. Cancel the runner's context
// first to make them finish quickly.
func (r *sessionRunner) Shutdown() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
}
