package engine

import (
	"sync"
	"time"

	"github.com/ethan/rtplive-engine/pkg/external"
	"github.com/ethan/rtplive-engine/pkg/frame"
	"github.com/ethan/rtplive-engine/pkg/logger"
	"github.com/ethan/rtplive-engine/pkg/queue"
	"github.com/ethan/rtplive-engine/pkg/worker"
)

const renderInputWait = 100 * time.Millisecond

// renderSink is the final stage of a peer/media's receive pipeline:
// decoded frames in, Renderer.Show calls out. One worker thread per
// spec.md §5, following the same SISO-shaped loop as stage.SISO but with
// a side-effecting sink instead of an output queue.
type renderSink struct {
	mu       sync.Mutex
	input    *queue.Queue[*frame.Frame]
	renderer external.Renderer
	windowID string
	log      *logger.Logger
	w        *worker.Worker

	lastWidth, lastHeight int
}

func newRenderSink(renderer external.Renderer, windowID string, log *logger.Logger) *renderSink {
	r := &renderSink{renderer: renderer, windowID: windowID, log: log}
	r.w = worker.New(r)
	return r
}

func (r *renderSink) setInput(q *queue.Queue[*frame.Frame]) {
	r.mu.Lock()
	old := r.input
	r.input = q
	r.mu.Unlock()
	if old != nil {
		old.WakeAll()
	}
	r.w.Wake()
}

func (r *renderSink) start() { r.w.Start() }

func (r *renderSink) stop() {
	r.mu.Lock()
	in := r.input
	renderer := r.renderer
	r.mu.Unlock()
	if in != nil {
		in.WakeAll()
	}
	r.w.Stop()
	if renderer != nil {
		renderer.Close()
	}
}

// ShouldPause implements worker.Runner.
func (r *renderSink) ShouldPause() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.input == nil || r.renderer == nil
}

// Run implements worker.Runner.
func (r *renderSink) Run() {
	r.mu.Lock()
	in := r.input
	r.mu.Unlock()
	if in == nil {
		return
	}
	if !in.WaitPush(renderInputWait) {
		return
	}
	for {
		f, ok := in.Next()
		if !ok {
			return
		}
		r.show(f)
	}
}

func (r *renderSink) show(f *frame.Frame) {
	defer f.Release()
	if f.Format.Width != r.lastWidth || f.Format.Height != r.lastHeight {
		if err := r.renderer.Resize(f.Format.Width, f.Format.Height, f.Format.Width, f.Format.Height); err != nil {
			r.log.Warn("renderer resize failed", "err", err)
		}
		r.lastWidth, r.lastHeight = f.Format.Width, f.Format.Height
	}
	if err := r.renderer.Show(r.windowID, f.Format, f.Planes()); err != nil {
		r.log.Warn("renderer show failed", "err", err)
	}
}
