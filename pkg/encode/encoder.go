// Package encode implements the encoder stage (C5): format-change
// detection, codec selection with hardware-to-software fallback, and
// AAC-only audio with automatic resampling. Grounded on
// original_source's encoder stage behavior (src/codec/videoencoder.cpp
// reconfigure-on-format-change pattern, described in spec.md §4.4) and on
// the teacher's worker/queue wiring style in pkg/bridge/bridge.go.
package encode

import (
	"time"

	"github.com/ethan/rtplive-engine/pkg/errs"
	"github.com/ethan/rtplive-engine/pkg/external"
	"github.com/ethan/rtplive-engine/pkg/frame"
	"github.com/ethan/rtplive-engine/pkg/logger"
	"github.com/ethan/rtplive-engine/pkg/queue"
	"github.com/ethan/rtplive-engine/pkg/worker"
)

const inputWait = 100 * time.Millisecond

// CodecFactory builds a CodecEngine for the given format and hardware
// preference. It is responsible for the hardware-init-failed-then-retry-
// software fallback described in spec.md §4.4; the Encoder only observes
// the resulting CodecEngine.UsingHardware().
type CodecFactory func(format frame.Format, hwPref external.HardwarePreference, payloadType frame.PayloadType) (external.CodecEngine, error)

// Resampler adapts an audio frame's sample format/rate/channels to what
// the codec requires. It is consulted only for audio input and only when
// the incoming format mismatches the codec's required format.
type Resampler func(in *frame.Frame, want frame.Format) (*frame.Frame, error)

// Config configures one Encoder instance.
type Config struct {
	PayloadType        frame.PayloadType
	HardwarePreference external.HardwarePreference
	NewCodec           CodecFactory
	Resample           Resampler // audio only; may be nil if never needed
	RequiredAudio      frame.Format
	Logger             *logger.Logger
}

// Encoder is the C5 stage: raw frames in, encoded frames out.
type Encoder struct {
	cfg Config
	log *logger.Logger

	input  *queue.Queue[*frame.Frame]
	output *queue.Queue[*frame.Frame]

	w *worker.Worker

	configured   bool
	format       frame.Format
	codec        external.CodecEngine
	hwPref       external.HardwarePreference
	disabled     bool // context-allocation failure disables encoding until next format change
}

// New creates an unbound Encoder.
func New(cfg Config) *Encoder {
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}
	e := &Encoder{cfg: cfg, log: cfg.Logger.With("category", "codec"), hwPref: cfg.HardwarePreference}
	e.w = worker.New(e)
	return e
}

// SetInput binds the raw-frame input queue.
func (e *Encoder) SetInput(q *queue.Queue[*frame.Frame]) {
	old := e.input
	e.input = q
	if old != nil {
		old.WakeAll()
	}
	e.w.Wake()
}

// SetOutput binds the encoded-frame output queue.
func (e *Encoder) SetOutput(q *queue.Queue[*frame.Frame]) {
	e.output = q
	e.w.Wake()
}

// Start launches the stage.
func (e *Encoder) Start() { e.w.Start() }

// Stop flushes the codec and shuts the stage down.
func (e *Encoder) Stop() {
	if e.input != nil {
		e.input.WakeAll()
	}
	e.w.Stop()
	e.flush()
}

// ShouldPause implements worker.Runner.
func (e *Encoder) ShouldPause() bool {
	return e.input == nil || e.output == nil
}

// OnPause implements worker.OnPauser: flush whenever the stage is about to
// sit idle, per spec.md §4.4's "flush on pause/stop".
func (e *Encoder) OnPause() {
	e.flush()
}

// Run implements worker.Runner.
func (e *Encoder) Run() {
	in, out := e.input, e.output
	if in == nil || out == nil {
		return
	}
	if !in.WaitPush(inputWait) {
		return
	}
	for {
		f, ok := in.Next()
		if !ok {
			return
		}
		e.process(f, out)
	}
}

func (e *Encoder) process(f *frame.Frame, out *queue.Queue[*frame.Frame]) {
	defer f.Release()

	if !e.configured || !e.format.Equals(f.Format) {
		if err := e.reconfigure(f.Format); err != nil {
			e.log.Error("codec reconfigure failed", "err", err)
			// Remember the failed format so later frames of it are dropped
			// without another attempt until the format changes.
			e.format = f.Format
			e.configured = true
			e.disabled = true
			return
		}
	}
	if e.disabled {
		return
	}

	in := f
	if f.Format.Kind == frame.KindAudio && e.cfg.Resample != nil && !f.Format.Equals(e.cfg.RequiredAudio) {
		resampled, err := e.cfg.Resample(f, e.cfg.RequiredAudio)
		if err != nil {
			e.log.Warn("resample failed, dropping frame", "err", errs.Wrap(errs.ResampleFailed, "encoder", err))
			return
		}
		in = resampled
		defer resampled.Release()
	}

	if err := e.codec.Submit(in); err != nil {
		e.log.Warn("codec submit failed, dropping frame", "err", err)
		return
	}
	e.emit(out)
}

func (e *Encoder) reconfigure(format frame.Format) error {
	if e.codec != nil {
		e.codec.Close()
		e.codec = nil
	}
	codec, err := e.cfg.NewCodec(format, e.hwPref, e.cfg.PayloadType)
	if err != nil {
		return errs.Wrap(errs.CodecUnavailable, "reconfigure", err)
	}
	if err := codec.Configure(format, e.hwPref); err != nil {
		return errs.Wrap(errs.HardwareInitFailed, "reconfigure", err)
	}
	if !codec.UsingHardware() && e.hwPref != external.HardwareNone {
		e.log.Warn("encoder fell back to software", "kind", format.Kind)
	}
	e.codec = codec
	e.format = format
	e.configured = true
	e.disabled = false
	return nil
}

func (e *Encoder) emit(out *queue.Queue[*frame.Frame]) {
	packets, err := e.codec.Drain()
	if err != nil {
		e.log.Warn("codec drain failed", "err", err)
		return
	}
	for _, p := range packets {
		p.PayloadType = e.cfg.PayloadType
		out.Push(p)
	}
}

func (e *Encoder) flush() {
	if e.codec == nil || e.output == nil {
		return
	}
	if err := e.codec.Submit(nil); err != nil {
		e.log.Warn("codec flush submit failed", "err", err)
		return
	}
	e.emit(e.output)
}
