// Package stage implements the stage graph (C4): single-input/single-output
// and single-input/multi-output stage shapes that bind queues and run a
// per-stage loop. Grounded on original_source's SingleIOQueue and
// MultiOutputQueue (src/core/singleioqueue.h, src/core/multioutputqueue.h):
// each stage's on_thread_run waits up to 100ms on its input then drains it,
// and get_thread_pause_condition becomes the worker.Runner.ShouldPause
// implementation.
package stage

import (
	"sync"
	"time"

	"github.com/ethan/rtplive-engine/pkg/queue"
	"github.com/ethan/rtplive-engine/pkg/worker"
)

// inputWait is the bounded wait spec.md §4.2/§5 requires so pause and
// shutdown are observed within bounded latency.
const inputWait = 100 * time.Millisecond

// Transform processes one item in place of simple forwarding. A nil
// Transform makes a stage a pure relay.
type Transform[T any] func(T) T

// SISO is a single-input/single-output stage (spec.md §4.3).
type SISO[T any] struct {
	mu        sync.Mutex
	input     *queue.Queue[T]
	output    *queue.Queue[T]
	transform Transform[T]

	w *worker.Worker
}

// NewSISO creates an unbound SISO stage; it pauses until both an input and
// an output are set.
func NewSISO[T any](transform Transform[T]) *SISO[T] {
	s := &SISO[T]{transform: transform}
	s.w = worker.New(s)
	return s
}

// SetInput rebinds the stage's input queue. Per spec.md §4.3, the previous
// input's waiters are woken before the swap so a consumer blocked on the
// old queue observes the rebind rather than stalling.
func (s *SISO[T]) SetInput(q *queue.Queue[T]) {
	s.mu.Lock()
	old := s.input
	s.input = q
	s.mu.Unlock()

	if old != nil {
		old.WakeAll()
	}
	s.w.Wake()
}

// SetOutput rebinds the stage's output queue.
func (s *SISO[T]) SetOutput(q *queue.Queue[T]) {
	s.mu.Lock()
	s.output = q
	s.mu.Unlock()
	s.w.Wake()
}

// Start launches the stage's worker goroutine.
func (s *SISO[T]) Start() { s.w.Start() }

// Stop shuts the stage down, waking any blocked input wait.
func (s *SISO[T]) Stop() {
	s.mu.Lock()
	in := s.input
	s.mu.Unlock()
	if in != nil {
		in.WakeAll()
	}
	s.w.Stop()
}

// ShouldPause implements worker.Runner: a SISO stage pauses if either
// endpoint is unbound (spec.md §4.3).
func (s *SISO[T]) ShouldPause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input == nil || s.output == nil
}

// Run implements worker.Runner.
func (s *SISO[T]) Run() {
	s.mu.Lock()
	in, out, transform := s.input, s.output, s.transform
	s.mu.Unlock()

	if in == nil || out == nil {
		return
	}
	if !in.WaitPush(inputWait) {
		return
	}
	for {
		item, ok := in.Next()
		if !ok {
			return
		}
		if transform != nil {
			item = transform(item)
		}
		out.Push(item)
	}
}

// FanOut splits one item into one value per output when a SIMO stage
// dispatches to N outputs. The default (nil) behavior pushes the same
// value to every output, appropriate for value types; reference-counted
// payloads (e.g. frame.Frame) must supply a FanOut that clones per output.
type FanOut[T any] func(item T, outputs int) []T

// SIMO is a single-input/multi-output stage (spec.md §4.3).
type SIMO[T any] struct {
	mu        sync.Mutex
	input     *queue.Queue[T]
	outputs   []*queue.Queue[T]
	transform Transform[T]
	fanOut    FanOut[T]

	w *worker.Worker
}

// NewSIMO creates an unbound SIMO stage.
func NewSIMO[T any](transform Transform[T], fanOut FanOut[T]) *SIMO[T] {
	s := &SIMO[T]{transform: transform, fanOut: fanOut}
	s.w = worker.New(s)
	return s
}

// SetInput rebinds the stage's input queue, waking the previous one first.
func (s *SIMO[T]) SetInput(q *queue.Queue[T]) {
	s.mu.Lock()
	old := s.input
	s.input = q
	s.mu.Unlock()

	if old != nil {
		old.WakeAll()
	}
	s.w.Wake()
}

// AddOutput attaches a new output queue. The dispatch loop observes the
// current output set on each iteration, so this is safe concurrently with
// Run.
func (s *SIMO[T]) AddOutput(q *queue.Queue[T]) {
	s.mu.Lock()
	s.outputs = append(s.outputs, q)
	s.mu.Unlock()
	s.w.Wake()
}

// RemoveOutput detaches an output queue.
func (s *SIMO[T]) RemoveOutput(q *queue.Queue[T]) {
	s.mu.Lock()
	for i, o := range s.outputs {
		if o == q {
			s.outputs = append(s.outputs[:i], s.outputs[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

// Start launches the stage's worker goroutine.
func (s *SIMO[T]) Start() { s.w.Start() }

// Stop shuts the stage down.
func (s *SIMO[T]) Stop() {
	s.mu.Lock()
	in := s.input
	s.mu.Unlock()
	if in != nil {
		in.WakeAll()
	}
	s.w.Stop()
}

// ShouldPause implements worker.Runner: a SIMO stage pauses if its input is
// unbound or its output set is empty (spec.md §4.3).
func (s *SIMO[T]) ShouldPause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input == nil || len(s.outputs) == 0
}

// Run implements worker.Runner.
func (s *SIMO[T]) Run() {
	s.mu.Lock()
	in, transform, fanOut := s.input, s.transform, s.fanOut
	s.mu.Unlock()

	if in == nil {
		return
	}
	if !in.WaitPush(inputWait) {
		return
	}
	for {
		item, ok := in.Next()
		if !ok {
			return
		}
		if transform != nil {
			item = transform(item)
		}

		s.mu.Lock()
		outs := make([]*queue.Queue[T], len(s.outputs))
		copy(outs, s.outputs)
		s.mu.Unlock()
		if len(outs) == 0 {
			continue
		}

		var fanned []T
		if fanOut != nil {
			fanned = fanOut(item, len(outs))
		} else {
			fanned = make([]T, len(outs))
			for i := range fanned {
				fanned[i] = item
			}
		}
		for i, out := range outs {
			if i < len(fanned) {
				out.Push(fanned[i])
			}
		}
	}
}
