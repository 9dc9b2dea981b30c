package engine

import (
	"time"

	"github.com/ethan/rtplive-engine/pkg/decode"
	"github.com/ethan/rtplive-engine/pkg/frame"
	"github.com/ethan/rtplive-engine/pkg/logger"
	"github.com/ethan/rtplive-engine/pkg/queue"
)

// mediaPipeline is one peer's receive chain for one media kind: FEC
// reassembly -> decode -> render (spec.md §4.11's "RTP receiver thread ->
// user manager -> per-user decoder -> per-user renderer sink").
type mediaPipeline struct {
	recv   *recvStage
	dec    *decode.Decoder
	render *renderSink
}

func (e *Engine) newMediaPipeline(mc MediaConfig, queueCapacity int, evictWindow time.Duration, log *logger.Logger) *mediaPipeline {
	if mc.Renderer == nil {
		return nil
	}

	decInput := queue.New[*frame.Frame](queueCapacity)
	decOutput := queue.New[*frame.Frame](queueCapacity)

	recv := newRecvStage(evictWindow, mc.PayloadType, mc.CaptureFormat, decInput, log)

	dec := decode.New(decode.Config{
		HardwarePreference: e.cfg.HardwarePreference,
		NewCodec:           mc.NewDecodeCodec,
		ParserFor:          mc.ParserFor,
		AdaptLinesize:      mc.AdaptLinesize,
		Logger:             log,
	})
	dec.SetInput(decInput)
	dec.SetOutput(decOutput)

	render := newRenderSink(mc.Renderer, mc.WindowID, log)
	render.setInput(decOutput)

	return &mediaPipeline{recv: recv, dec: dec, render: render}
}

func (p *mediaPipeline) start() {
	p.recv.start()
	p.dec.Start()
	p.render.start()
}

func (p *mediaPipeline) stop() {
	p.recv.stop()
	p.dec.Stop()
	p.render.stop()
}

// peerPipeline is the full receive-side state for one remote participant,
// created on join and torn down on leave (spec.md §4.10's join/leave
// events driving per-user resource lifecycle).
type peerPipeline struct {
	name  string
	video *mediaPipeline
	audio *mediaPipeline
}

func (e *Engine) newPeerPipeline(name string) *peerPipeline {
	log := e.log.With("peer", name)
	return &peerPipeline{
		name:  name,
		video: e.newMediaPipeline(e.cfg.Video, e.cfg.QueueCapacity, e.cfg.FECEvictWindow, log.With("category", "fec")),
		audio: e.newMediaPipeline(e.cfg.Audio, e.cfg.QueueCapacity, e.cfg.FECEvictWindow, log.With("category", "fec")),
	}
}

func (p *peerPipeline) start() {
	if p.video != nil {
		p.video.start()
	}
	if p.audio != nil {
		p.audio.start()
	}
}

func (p *peerPipeline) stop() {
	if p.video != nil {
		p.video.stop()
	}
	if p.audio != nil {
		p.audio.stop()
	}
}
