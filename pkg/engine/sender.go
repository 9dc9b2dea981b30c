package engine

import (
	"sync"
	"time"

	"github.com/ethan/rtplive-engine/pkg/fec"
	"github.com/ethan/rtplive-engine/pkg/frame"
	"github.com/ethan/rtplive-engine/pkg/logger"
	"github.com/ethan/rtplive-engine/pkg/queue"
	"github.com/ethan/rtplive-engine/pkg/rtpnet"
	"github.com/ethan/rtplive-engine/pkg/worker"
)

const sendInputWait = 100 * time.Millisecond

// sendStage is the FEC-encode-and-RTP-send half of one media kind's
// uplink (spec.md §4.11: "encoders -> RTP sender thread"). It owns one
// worker thread, per spec.md §5's "each stage owns exactly one worker
// thread", and is itself a worker.Runner rather than a stage.SISO because
// its output is a network send, not another queue.
type sendStage struct {
	mu      sync.Mutex
	input   *queue.Queue[*frame.Frame]
	fecEnc  *fec.Encoder
	session *rtpnet.Session
	gate    func() bool // reports whether push is currently enabled

	audioClockRate uint32 // 0 for video, sample rate for audio
	kind           frame.Kind
	rtpTimestamp   uint32 // the session's RTP timestamp after the last sent block

	log *logger.Logger
	w   *worker.Worker
}

func newSendStage(fecEnc *fec.Encoder, session *rtpnet.Session, kind frame.Kind, audioClockRate uint32, gate func() bool, log *logger.Logger) *sendStage {
	s := &sendStage{fecEnc: fecEnc, session: session, kind: kind, audioClockRate: audioClockRate, gate: gate, log: log}
	s.w = worker.New(s)
	return s
}

func (s *sendStage) setInput(q *queue.Queue[*frame.Frame]) {
	s.mu.Lock()
	old := s.input
	s.input = q
	s.mu.Unlock()
	if old != nil {
		old.WakeAll()
	}
	s.w.Wake()
}

func (s *sendStage) start() { s.w.Start() }

func (s *sendStage) stop() {
	s.mu.Lock()
	in := s.input
	s.mu.Unlock()
	if in != nil {
		in.WakeAll()
	}
	s.w.Stop()
}

// ShouldPause implements worker.Runner.
func (s *sendStage) ShouldPause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input == nil
}

// Run implements worker.Runner.
func (s *sendStage) Run() {
	s.mu.Lock()
	in := s.input
	s.mu.Unlock()
	if in == nil {
		return
	}
	if !in.WaitPush(sendInputWait) {
		return
	}
	for {
		f, ok := in.Next()
		if !ok {
			return
		}
		s.process(f)
	}
}

func (s *sendStage) process(f *frame.Frame) {
	defer f.Release()

	if s.gate != nil && !s.gate() {
		return
	}
	if s.session == nil || !s.session.IsActive() {
		return
	}

	// The RTP timestamp advances once per source frame, not once per
	// symbol packet: every symbol of one block shares the frame's
	// position in the frame/sample domain (spec.md §6). That shared RTP
	// timestamp is the block timestamp the receiver reassembles by and
	// verifies the metadata checksum against, so it is also the one the
	// block is encoded with. The session starts at zero and advances only
	// by the increments passed to SendEx, which this stage tracks in step.
	tsInc := s.frameTimestampIncrement(f)
	blockTimestamp := s.rtpTimestamp + tsInc
	symbols, err := s.fecEnc.Encode(f.Payload(), blockTimestamp, f.KeyFrame)
	if err != nil {
		s.log.Warn("fec encode failed, dropping frame", "err", err)
		return
	}
	s.rtpTimestamp = blockTimestamp

	for i, sym := range symbols {
		inc := uint32(0)
		if i == 0 {
			inc = tsInc
		}
		if err := s.session.SendEx(sym.Data, false, inc, sym.Index, sym.K, sym.R, sym.F, sym.Checksum); err != nil {
			s.log.Warn("rtp send failed", "err", err)
		}
	}
}

// frameTimestampIncrement resolves spec.md §6's "timestamp increment per
// packet is 1 for video (per-frame domain) and 1/sample_rate for audio"
// for a whole encoded frame rather than a single packet: for video the
// frame-domain counter advances by one tick per frame; for audio it
// advances by the frame's sample count, so the RTP timestamp stays in
// units of samples as RFC 3550 expects. See DESIGN.md for this reading of
// an otherwise dimensionally ambiguous sentence.
func (s *sendStage) frameTimestampIncrement(f *frame.Frame) uint32 {
	if s.kind != frame.KindAudio || s.audioClockRate == 0 {
		return 1
	}
	if f.Format.Channels <= 0 || f.Format.BitsPerSample <= 0 {
		return 1
	}
	bytesPerSample := f.Format.BitsPerSample / 8
	if bytesPerSample <= 0 {
		return 1
	}
	samples := f.Size / (f.Format.Channels * bytesPerSample)
	if samples <= 0 {
		return 1
	}
	return uint32(samples)
}
