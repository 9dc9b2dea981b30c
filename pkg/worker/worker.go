// Package worker implements the worker thread base (C3): lifecycle
// (start/pause/stop), a pause predicate, and cooperative wake. Grounded on
// original_source's AbstractThread (src/core/abstractthread.h): a
// goroutine replaces the OS thread, a sync.Cond replaces the condition
// variable, and Stop's channel-close-then-join replaces exit_thread's
// flag-then-join.
package worker

import (
	"sync"
)

// Runner is implemented by a pipeline stage. Run executes one unit of
// work and should return promptly (bounded blocking only, e.g. a queue
// wait with a timeout) so Stop is observed with bounded latency.
// ShouldPause reports whether the worker has nothing to do right now
// (e.g. "no input bound"); a paused worker sleeps on the condition
// variable until Wake is called.
type Runner interface {
	Run()
	ShouldPause() bool
}

// OnPauser is an optional extension a Runner can implement to free
// resources (flush buffers, close transient connections) each time the
// worker is about to wait in the paused state. It is not called on
// shutdown.
type OnPauser interface {
	OnPause()
}

// Worker drives a Runner on a dedicated goroutine following the loop
// documented in spec.md §4.2: while not stopped, if ShouldPause() wait on
// the condition variable, else call Run().
type Worker struct {
	mu      sync.Mutex
	cond    *sync.Cond
	stopped bool
	started bool
	done    chan struct{}

	runner Runner
}

// New creates a Worker for the given Runner. The worker does not start
// running until Start is called.
func New(runner Runner) *Worker {
	w := &Worker{runner: runner, done: make(chan struct{})}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Start launches the worker goroutine. Calling Start more than once is a
// no-op.
func (w *Worker) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	go w.loop()
}

func (w *Worker) loop() {
	defer close(w.done)
	for {
		w.mu.Lock()
		for !w.stopped && w.runner.ShouldPause() {
			if p, ok := w.runner.(OnPauser); ok {
				p.OnPause()
			}
			w.cond.Wait()
		}
		stopped := w.stopped
		w.mu.Unlock()

		if stopped {
			return
		}

		w.runner.Run()
	}
}

// Wake re-evaluates the pause predicate immediately, used after a binding
// change (new input/output attached) instead of waiting for the next
// ShouldPause poll.
func (w *Worker) Wake() {
	w.mu.Lock()
	w.cond.Broadcast()
	w.mu.Unlock()
}

// Stop requests shutdown, wakes the worker if paused, and blocks until the
// goroutine has exited. Safe to call even if Start was never called.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.stopped = true
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.cond.Broadcast()
	w.mu.Unlock()

	<-w.done
}
