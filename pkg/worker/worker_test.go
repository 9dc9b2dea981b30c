package worker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingRunner struct {
	mu     sync.Mutex
	paused bool
	runs   atomic.Int32
}

func (r *countingRunner) Run() {
	r.runs.Add(1)
	time.Sleep(time.Millisecond)
}

func (r *countingRunner) ShouldPause() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

func (r *countingRunner) setPaused(p bool) {
	r.mu.Lock()
	r.paused = p
	r.mu.Unlock()
}

func TestWorkerRunsUntilPaused(t *testing.T) {
	r := &countingRunner{}
	w := New(r)
	w.Start()

	time.Sleep(20 * time.Millisecond)
	r.setPaused(true)
	w.Wake()

	time.Sleep(10 * time.Millisecond)
	runsAtPause := r.runs.Load()
	time.Sleep(20 * time.Millisecond)
	if r.runs.Load() != runsAtPause {
		t.Fatalf("runner kept running while paused: %d -> %d", runsAtPause, r.runs.Load())
	}

	w.Stop()
}

func TestWorkerStopNeverStarted(t *testing.T) {
	r := &countingRunner{paused: true}
	w := New(r)
	w.Stop()
	if r.runs.Load() != 0 {
		t.Fatalf("expected no runs")
	}
}

func TestWorkerStopIsIdempotent(t *testing.T) {
	r := &countingRunner{}
	w := New(r)
	w.Start()
	time.Sleep(5 * time.Millisecond)
	w.Stop()
	w.Stop()
}
