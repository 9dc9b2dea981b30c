// Package decode implements the per-peer, per-media decoder stage (C6):
// payload-type dispatch, hardware-to-software fallback that is permanent
// for the remainder of the session, and a software bitstream-parser path.
// Grounded on spec.md §4.5 and on the teacher's depacketizer style in
// pkg/rtp/h264.go and pkg/rtp/aac.go, generalized from RTP-fragment
// reassembly to FEC-block reassembly.
package decode

import (
	"sync/atomic"
	"time"

	"github.com/ethan/rtplive-engine/pkg/errs"
	"github.com/ethan/rtplive-engine/pkg/external"
	"github.com/ethan/rtplive-engine/pkg/frame"
	"github.com/ethan/rtplive-engine/pkg/logger"
	"github.com/ethan/rtplive-engine/pkg/queue"
	"github.com/ethan/rtplive-engine/pkg/worker"
)

const inputWait = 100 * time.Millisecond

// CodecFactory builds a CodecEngine for decoding the given payload type.
type CodecFactory func(payloadType frame.PayloadType, hwPref external.HardwarePreference) (external.CodecEngine, error)

// LinesizeAdapter reshapes decoded planes to what a specific renderer
// requires (spec.md §4.5's "linesizes are adapted to what the renderer can
// consume"). A nil adapter passes planes through unchanged.
type LinesizeAdapter func(planes []frame.Plane, format frame.Format) []frame.Plane

// Config configures one Decoder instance, scoped to a single peer and
// media kind.
type Config struct {
	HardwarePreference external.HardwarePreference
	NewCodec            CodecFactory
	ParserFor           func(payloadType frame.PayloadType) BitstreamParser
	AdaptLinesize       LinesizeAdapter
	Logger              *logger.Logger
}

// Decoder is the C6 stage: FEC-reassembled encoded packets in, raw frames
// to the renderer out.
type Decoder struct {
	cfg Config
	log *logger.Logger

	input  *queue.Queue[*frame.Frame]
	output *queue.Queue[*frame.Frame]

	w *worker.Worker

	payloadType    frame.PayloadType
	hwPref         external.HardwarePreference
	codec          external.CodecEngine
	parser         BitstreamParser
	softwareForced bool // permanent once a hardware failure occurs, spec.md §4.5

	usingHW atomic.Bool // mirrors codec.UsingHardware(), readable off the worker goroutine
}

// UsingHardware reports whether the currently selected codec is hardware-
// backed. Safe to call from any goroutine; used by the status API to
// report each peer's decoder backend.
func (d *Decoder) UsingHardware() bool {
	return d.usingHW.Load()
}

// New creates an unbound Decoder for one peer/media.
func New(cfg Config) *Decoder {
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}
	d := &Decoder{cfg: cfg, log: cfg.Logger.With("category", "codec"), hwPref: cfg.HardwarePreference}
	d.w = worker.New(d)
	return d
}

// SetInput binds the encoded-packet input queue.
func (d *Decoder) SetInput(q *queue.Queue[*frame.Frame]) {
	old := d.input
	d.input = q
	if old != nil {
		old.WakeAll()
	}
	d.w.Wake()
}

// SetOutput binds the decoded-frame output queue.
func (d *Decoder) SetOutput(q *queue.Queue[*frame.Frame]) {
	d.output = q
	d.w.Wake()
}

// Start launches the stage.
func (d *Decoder) Start() { d.w.Start() }

// Stop shuts the stage down and releases the codec.
func (d *Decoder) Stop() {
	if d.input != nil {
		d.input.WakeAll()
	}
	d.w.Stop()
	if d.codec != nil {
		d.codec.Close()
		d.codec = nil
	}
}

// ShouldPause implements worker.Runner.
func (d *Decoder) ShouldPause() bool {
	return d.input == nil || d.output == nil
}

// Run implements worker.Runner.
func (d *Decoder) Run() {
	in, out := d.input, d.output
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
		d.process(f, out)
	}
}

func (d *Decoder) process(f *frame.Frame, out *queue.Queue[*frame.Frame]) {
	defer f.Release()

	if d.codec == nil || d.payloadType != f.PayloadType {
		if err := d.selectCodec(f.PayloadType); err != nil {
			d.log.Error("decoder codec selection failed", "err", err)
			return
		}
	}

	payload := f.Payload()
	if d.parser != nil {
		payload = d.parser.Parse(payload, f.KeyFrame)
	}

	unit := frame.NewFromBytes(f.Format, payload)
	unit.PayloadType = f.PayloadType
	unit.KeyFrame = f.KeyFrame
	unit.PTS, unit.DTS = f.PTS, f.DTS
	defer unit.Release()

	if err := d.codec.Submit(unit); err != nil {
		d.handleSubmitError(err)
		return
	}
	decoded, err := d.codec.Drain()
	if err != nil {
		d.log.Warn("decoder drain failed", "err", err)
		return
	}
	for _, df := range decoded {
		if d.cfg.AdaptLinesize != nil {
			adapted := d.cfg.AdaptLinesize(df.Planes(), df.Format)
			df = frame.New(df.Format, adapted, func() {})
		}
		out.Push(df)
	}
}

func (d *Decoder) handleSubmitError(err error) {
	if d.softwareForced || d.hwPref == external.HardwareNone {
		d.log.Warn("decoder submit failed", "err", err)
		return
	}
	d.log.Warn("hardware decode failed, falling back to software for remainder of session",
		"err", errs.Wrap(errs.HardwareInitFailed, "decode", err))
	d.softwareForced = true
	d.codec.Close()
	d.codec = nil
	if rerr := d.selectCodec(d.payloadType); rerr != nil {
		d.log.Error("software fallback codec selection failed", "err", rerr)
	}
}

func (d *Decoder) selectCodec(payloadType frame.PayloadType) error {
	if d.cfg.NewCodec == nil {
		return errs.Wrap(errs.CodecUnavailable, "decoder", nil)
	}
	hwPref := d.hwPref
	if d.softwareForced {
		hwPref = external.HardwareNone
	}
	codec, err := d.cfg.NewCodec(payloadType, hwPref)
	if err != nil {
		return errs.Wrap(errs.CodecUnavailable, "decoder select", err)
	}
	if d.codec != nil {
		d.codec.Close()
	}
	d.codec = codec
	d.payloadType = payloadType
	d.usingHW.Store(codec.UsingHardware())
	if d.cfg.ParserFor != nil {
		d.parser = d.cfg.ParserFor(payloadType)
	}
	return nil
}
