// Package engine implements the engine facade (C12): the single entry
// point a host application drives to join a room, push its own capture
// device onto the network, and receive/decode/render every other
// participant's media. Grounded on the teacher's CameraRelay
// (pkg/relay/relay.go): one struct owning a context/cancel/WaitGroup
// lifecycle, a handful of always-on pipeline stages, and a set of host
// callbacks invoked off the hot path. spec.md §4.11 is the wiring diagram
// this file assembles; §6 is the public API and callback surface it
// exposes.
package engine

import (
	"net"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/ethan/rtplive-engine/pkg/decode"
	"github.com/ethan/rtplive-engine/pkg/encode"
	"github.com/ethan/rtplive-engine/pkg/errs"
	"github.com/ethan/rtplive-engine/pkg/external"
	"github.com/ethan/rtplive-engine/pkg/fec"
	"github.com/ethan/rtplive-engine/pkg/frame"
	"github.com/ethan/rtplive-engine/pkg/logger"
	"github.com/ethan/rtplive-engine/pkg/queue"
	"github.com/ethan/rtplive-engine/pkg/rtpnet"
	"github.com/ethan/rtplive-engine/pkg/user"
)

// MediaConfig configures one media kind's (video or audio) uplink and
// downlink collaborators. A nil Capture disables that kind's uplink; a
// nil Renderer disables every peer's downlink for it.
type MediaConfig struct {
	PayloadType   frame.PayloadType
	CaptureFormat frame.Format

	Capture      external.CaptureDriver
	CaptureID    string
	NewEncodeCodec encode.CodecFactory
	Resample     encode.Resampler
	RequiredAudio frame.Format

	NewDecodeCodec decode.CodecFactory
	ParserFor      func(frame.PayloadType) decode.BitstreamParser
	AdaptLinesize  decode.LinesizeAdapter
	Renderer       external.Renderer
	WindowID       string

	ClockRate uint32 // RTP clock rate; sample rate for audio, 0 uses a flat per-frame tick for video
}

// Config configures one Engine.
type Config struct {
	LocalSSRCVideo uint32
	LocalSSRCAudio uint32
	PortBase       int

	HardwarePreference external.HardwarePreference
	QueueCapacity       int
	FECSymbolSize       int
	FECEvictWindow      time.Duration
	UserIdleWindow      time.Duration

	Video MediaConfig
	Audio MediaConfig

	Logger *logger.Logger

	OnUserJoin         func(name string)
	OnUserLeave        func(name string, reason string)
	OnUploadBandwidth  func(bytesPerSecond, totalBytes uint64)
	OnDownloadBandwidth func(bytesPerSecond, totalBytes uint64)
	OnLocalNetwork     func(jitter float64, fractionLost float64, rttMs float64)
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = logger.Default()
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 32
	}
	if c.FECEvictWindow <= 0 {
		c.FECEvictWindow = 2 * time.Second
	}
	if c.UserIdleWindow <= 0 {
		c.UserIdleWindow = user.DefaultSweepWindow
	}
}

// Engine is the facade described by spec.md §4.11/§6: one local capture ->
// encode -> FEC -> RTP-send uplink per media kind, always running once
// Start is called, gated at the network boundary by room/push state; and
// one RTP-receive -> FEC-reassembly -> decode -> render downlink per
// joined peer, created on join and torn down on leave.
type Engine struct {
	cfg Config
	log *logger.Logger

	videoSession *rtpnet.Session
	audioSession *rtpnet.Session
	users        *user.Manager

	videoCapture *captureLoop
	audioCapture *captureLoop
	videoEncoder *encode.Encoder
	audioEncoder *encode.Encoder
	videoSend    *sendStage
	audioSend    *sendStage

	videoBandwidth *bandwidthSampler
	audioBandwidth *bandwidthSampler

	mu          sync.Mutex
	localName   string
	room        string
	pushEnabled bool
	started     bool
	peers       map[string]*peerPipeline

	uploadSpeedVideo, uploadTotalVideo     uint64
	uploadSpeedAudio, uploadTotalAudio     uint64
	downloadSpeedVideo, downloadTotalVideo uint64
	downloadSpeedAudio, downloadTotalAudio uint64
	lastJitter, lastFractionLost, lastRTT  float64
}

// New constructs an Engine. Start must be called before any media flows;
// JoinRoom must be called before the uplink actually reaches the network
// or any peer's downlink is created.
func New(cfg Config) *Engine {
	cfg.setDefaults()
	e := &Engine{
		cfg:   cfg,
		log:   cfg.Logger,
		peers: make(map[string]*peerPipeline),
	}
	e.users = user.NewWithSweepWindow(cfg.Logger, cfg.UserIdleWindow)
	e.users.OnJoin(e.handleUserJoin)
	e.users.OnLeave(e.handleUserLeave)

	e.videoSession = rtpnet.New(rtpnet.Config{
		LocalSSRC:   cfg.LocalSSRCVideo,
		PayloadType: uint8(cfg.Video.PayloadType),
		ClockRate:   cfg.Video.ClockRate,
		Logger:      cfg.Logger,
		OnRTP:       e.dispatchVideoRTP,
		OnRTCP:      e.dispatchRTCP,
		OnQuality:   e.dispatchVideoQuality,
	})
	e.audioSession = rtpnet.New(rtpnet.Config{
		LocalSSRC:   cfg.LocalSSRCAudio,
		PayloadType: uint8(cfg.Audio.PayloadType),
		ClockRate:   cfg.Audio.ClockRate,
		Logger:      cfg.Logger,
		OnRTP:       e.dispatchAudioRTP,
		OnRTCP:      e.dispatchRTCP,
		OnQuality:   e.dispatchAudioQuality,
	})

	e.videoCapture = e.newUplinkCapture(cfg.Video)
	e.audioCapture = e.newUplinkCapture(cfg.Audio)

	e.videoEncoder = e.newUplinkEncoder(cfg.Video)
	e.audioEncoder = e.newUplinkEncoder(cfg.Audio)

	e.videoSend = newSendStage(fec.NewEncoder(cfg.FECSymbolSize), e.videoSession, frame.KindVideo, 0, e.isPushing, cfg.Logger.With("category", "fec"))
	e.audioSend = newSendStage(fec.NewEncoder(cfg.FECSymbolSize), e.audioSession, frame.KindAudio, cfg.Audio.ClockRate, e.isPushing, cfg.Logger.With("category", "fec"))

	if cfg.Video.Capture != nil {
		encodeIn := queue.New[*frame.Frame](cfg.QueueCapacity)
		sendIn := queue.New[*frame.Frame](cfg.QueueCapacity)
		e.videoCapture.out = encodeIn
		e.videoEncoder.SetInput(encodeIn)
		e.videoEncoder.SetOutput(sendIn)
		e.videoSend.setInput(sendIn)
	}
	if cfg.Audio.Capture != nil {
		encodeIn := queue.New[*frame.Frame](cfg.QueueCapacity)
		sendIn := queue.New[*frame.Frame](cfg.QueueCapacity)
		e.audioCapture.out = encodeIn
		e.audioEncoder.SetInput(encodeIn)
		e.audioEncoder.SetOutput(sendIn)
		e.audioSend.setInput(sendIn)
	}

	e.videoBandwidth = newBandwidthSampler(e.videoSession.BytesSent, e.videoSession.BytesReceived, e.reportUploadVideo, e.reportDownloadVideo)
	e.audioBandwidth = newBandwidthSampler(e.audioSession.BytesSent, e.audioSession.BytesReceived, e.reportUploadAudio, e.reportDownloadAudio)

	return e
}

func (e *Engine) newUplinkCapture(mc MediaConfig) *captureLoop {
	if mc.Capture == nil {
		return newCaptureLoop(nil, "", external.CaptureParams{}, nil, e.log)
	}
	return newCaptureLoop(mc.Capture, mc.CaptureID, external.CaptureParams{Format: mc.CaptureFormat}, nil, e.log)
}

func (e *Engine) newUplinkEncoder(mc MediaConfig) *encode.Encoder {
	return encode.New(encode.Config{
		PayloadType:        mc.PayloadType,
		HardwarePreference: e.cfg.HardwarePreference,
		NewCodec:           mc.NewEncodeCodec,
		Resample:           mc.Resample,
		RequiredAudio:      mc.RequiredAudio,
		Logger:             e.log,
	})
}

// Start launches the always-on capture/encode/FEC-send uplink pipelines.
// Network activity only begins once JoinRoom and EnablePush(true) have
// both been called; Start itself never opens a socket.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	if err := e.videoCapture.start(); err != nil {
		return errs.Wrap(errs.RtpSessionInvalid, "start video capture", err)
	}
	if err := e.audioCapture.start(); err != nil {
		return errs.Wrap(errs.RtpSessionInvalid, "start audio capture", err)
	}
	e.videoEncoder.Start()
	e.audioEncoder.Start()
	e.videoSend.start()
	e.audioSend.start()
	e.videoBandwidth.start()
	e.audioBandwidth.start()
	return nil
}

// Stop tears down every uplink and downlink pipeline and leaves the
// current room, if any.
func (e *Engine) Stop() {
	e.LeaveRoom()

	e.videoBandwidth.stop()
	e.audioBandwidth.stop()
	e.videoSend.stop()
	e.audioSend.stop()
	e.videoEncoder.Stop()
	e.audioEncoder.Stop()
	e.videoCapture.stop()
	e.audioCapture.stop()

	e.mu.Lock()
	e.started = false
	e.mu.Unlock()
}

// SetLocalName sets the identity advertised in this engine's RTCP SDES
// (spec.md §6's set_local_name); it must succeed before JoinRoom.
func (e *Engine) SetLocalName(name string) error {
	if name == "" {
		return errs.Wrap(errs.RtpSessionInvalid, "set local name: empty", nil)
	}
	e.mu.Lock()
	e.localName = name
	e.mu.Unlock()
	e.videoSession.SetLocalName(name)
	e.audioSession.SetLocalName(name)
	return nil
}

// JoinRoom opens both RTP sessions (if not already open) and begins
// advertising the given room name over SDES NOTE (spec.md §6's join_room).
func (e *Engine) JoinRoom(name string) error {
	e.mu.Lock()
	localName := e.localName
	alreadyOpen := e.room != ""
	e.mu.Unlock()
	if localName == "" {
		return errs.Wrap(errs.RtpSessionInvalid, "join room: set_local_name required first", nil)
	}

	if !alreadyOpen {
		if err := e.videoSession.Create(e.cfg.PortBase); err != nil {
			return err
		}
		if err := e.audioSession.Create(e.cfg.PortBase + 2); err != nil {
			return err
		}
		e.users.SetActive(true)
	}

	e.videoSession.SetRoom(name)
	e.audioSession.SetRoom(name)

	e.mu.Lock()
	e.room = name
	e.mu.Unlock()
	return nil
}

// LeaveRoom advertises departure, tears down every peer pipeline, and
// closes both RTP sessions (spec.md §6's leave_room). Peer teardown is
// driven here directly rather than through OnLeave callbacks, since
// user.Manager.SetActive(false) clears its whole user set without
// emitting individual leave events.
func (e *Engine) LeaveRoom() error {
	e.mu.Lock()
	if e.room == "" {
		e.mu.Unlock()
		return nil
	}
	e.room = ""
	peers := e.peers
	e.peers = make(map[string]*peerPipeline)
	e.mu.Unlock()

	for _, p := range peers {
		p.stop()
	}
	e.users.SetActive(false)

	e.videoSession.Bye("leaving room")
	e.audioSession.Bye("leaving room")
	return nil
}

// CurrentRoom returns the currently joined room name, or "" if none.
func (e *Engine) CurrentRoom() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.room
}

// EnablePush gates whether the uplink's encoded frames actually reach the
// network (spec.md §6's enable_push); capture and encode keep running
// regardless so push can be toggled without reconfiguration latency.
func (e *Engine) EnablePush(enabled bool) {
	e.mu.Lock()
	e.pushEnabled = enabled
	e.mu.Unlock()
	e.videoSession.SetPushFlag(enabled)
	e.audioSession.SetPushFlag(enabled)
}

func (e *Engine) isPushing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pushEnabled
}

// IsPushing reports whether the uplink is currently allowed onto the
// network, for the status API.
func (e *Engine) IsPushing() bool {
	return e.isPushing()
}

// PeerStatus summarizes one joined peer's bound SSRCs and decoder
// backend, for the status API's room listing.
type PeerStatus struct {
	Name            string
	VideoSSRC       uint32
	AudioSSRC       uint32
	VideoHardware   bool
	AudioHardware   bool
}

// Status is a point-in-time snapshot of this engine's room membership,
// push state, and network/bandwidth telemetry (SPEC_FULL.md §4.14's
// control/status API).
type Status struct {
	LocalName      string
	Room           string
	Pushing        bool
	LocalSSRCVideo uint32
	LocalSSRCAudio uint32

	UploadSpeedVideo, UploadTotalVideo     uint64
	UploadSpeedAudio, UploadTotalAudio     uint64
	DownloadSpeedVideo, DownloadTotalVideo uint64
	DownloadSpeedAudio, DownloadTotalAudio uint64
	Jitter, FractionLost, RTT              float64

	Peers []PeerStatus
}

// Status assembles a Status snapshot. Safe to call concurrently with any
// other Engine method.
func (e *Engine) Status() Status {
	e.mu.Lock()
	s := Status{
		LocalName:      e.localName,
		Room:           e.room,
		Pushing:        e.pushEnabled,
		LocalSSRCVideo: e.cfg.LocalSSRCVideo,
		LocalSSRCAudio: e.cfg.LocalSSRCAudio,

		UploadSpeedVideo:     e.uploadSpeedVideo,
		UploadTotalVideo:     e.uploadTotalVideo,
		UploadSpeedAudio:     e.uploadSpeedAudio,
		UploadTotalAudio:     e.uploadTotalAudio,
		DownloadSpeedVideo:   e.downloadSpeedVideo,
		DownloadTotalVideo:   e.downloadTotalVideo,
		DownloadSpeedAudio:   e.downloadSpeedAudio,
		DownloadTotalAudio:   e.downloadTotalAudio,
		Jitter:               e.lastJitter,
		FractionLost:         e.lastFractionLost,
		RTT:                  e.lastRTT,
	}
	peers := make(map[string]*peerPipeline, len(e.peers))
	for name, p := range e.peers {
		peers[name] = p
	}
	e.mu.Unlock()

	for _, u := range e.users.All() {
		ps := PeerStatus{Name: u.Name, VideoSSRC: u.VideoSSRC, AudioSSRC: u.AudioSSRC}
		if p, ok := peers[u.Name]; ok {
			if p.video != nil {
				ps.VideoHardware = p.video.dec.UsingHardware()
			}
			if p.audio != nil {
				ps.AudioHardware = p.audio.dec.UsingHardware()
			}
		}
		s.Peers = append(s.Peers, ps)
	}
	return s
}

// SetDestination points the uplink at a specific remote endpoint's video
// and audio ports (spec.md §6's set_destination): video binds portBase,
// audio binds portBase+2, matching JoinRoom's own local bind convention.
func (e *Engine) SetDestination(ip string, portBase int) error {
	if err := e.videoSession.SetDestination(ip, portBase); err != nil {
		return err
	}
	return e.audioSession.SetDestination(ip, portBase+2)
}

func (e *Engine) handleUserJoin(name string) {
	peer := e.newPeerPipeline(name)
	e.mu.Lock()
	e.peers[name] = peer
	e.mu.Unlock()
	peer.start()
	if e.cfg.OnUserJoin != nil {
		e.cfg.OnUserJoin(name)
	}
}

func (e *Engine) handleUserLeave(name string, reason string) {
	e.mu.Lock()
	peer := e.peers[name]
	delete(e.peers, name)
	e.mu.Unlock()
	if peer != nil {
		peer.stop()
	}
	if e.cfg.OnUserLeave != nil {
		e.cfg.OnUserLeave(name, reason)
	}
}

// dispatchRTCP drives the user manager from RTCP SDES/BYE, the only
// membership signal this engine uses (spec.md §4.10).
func (e *Engine) dispatchRTCP(pkts []rtcp.Packet, _ *net.UDPAddr) {
	for _, p := range pkts {
		switch v := p.(type) {
		case *rtcp.SourceDescription:
			for _, chunk := range v.Chunks {
				var name, note string
				for _, item := range chunk.Items {
					switch item.Type {
					case rtcp.SDESCNAME:
						name = item.Text
					case rtcp.SDESNote:
						note = item.Text
					}
				}
				_ = note // room/push carried here are advisory only; membership keys off SDESCNAME + SSRC
				if name != "" {
					e.users.Insert(chunk.Source, name)
				}
			}
		case *rtcp.Goodbye:
			for _, ssrc := range v.Sources {
				e.users.Remove(ssrc, v.Reason)
			}
		}
	}
}

func (e *Engine) dispatchVideoRTP(pkt *rtp.Packet, extIndex uint16, k, r, f, checksum uint16) {
	e.routeRTP(pkt, extIndex, k, r, f, checksum, func(u user.User) uint32 { return u.VideoSSRC }, func(p *peerPipeline) *mediaPipeline { return p.video })
}

func (e *Engine) dispatchAudioRTP(pkt *rtp.Packet, extIndex uint16, k, r, f, checksum uint16) {
	e.routeRTP(pkt, extIndex, k, r, f, checksum, func(u user.User) uint32 { return u.AudioSSRC }, func(p *peerPipeline) *mediaPipeline { return p.audio })
}

func (e *Engine) routeRTP(pkt *rtp.Packet, extIndex, k, r, f, checksum uint16, ssrcOf func(user.User) uint32, mediaOf func(*peerPipeline) *mediaPipeline) {
	u, ok := e.users.Lookup(pkt.SSRC)
	if !ok || ssrcOf(u) != pkt.SSRC {
		return
	}
	e.mu.Lock()
	peer := e.peers[u.Name]
	e.mu.Unlock()
	if peer == nil {
		return
	}
	media := mediaOf(peer)
	if media == nil {
		return
	}
	media.recv.insert(fec.Symbol{
		BlockTimestamp: pkt.Timestamp,
		Index:          extIndex,
		K:              k,
		R:              r,
		F:              f,
		SymbolSize:     len(pkt.Payload),
		Checksum:       checksum,
		Data:           pkt.Payload,
	})
}

func (e *Engine) dispatchVideoQuality(jitter, fractionLost, rttMs float64) {
	e.recordQuality(jitter, fractionLost, rttMs)
	if e.cfg.OnLocalNetwork != nil {
		e.cfg.OnLocalNetwork(jitter, fractionLost, rttMs)
	}
}

func (e *Engine) dispatchAudioQuality(jitter, fractionLost, rttMs float64) {
	e.recordQuality(jitter, fractionLost, rttMs)
	if e.cfg.OnLocalNetwork != nil {
		e.cfg.OnLocalNetwork(jitter, fractionLost, rttMs)
	}
}

func (e *Engine) recordQuality(jitter, fractionLost, rttMs float64) {
	e.mu.Lock()
	e.lastJitter, e.lastFractionLost, e.lastRTT = jitter, fractionLost, rttMs
	e.mu.Unlock()
}

func (e *Engine) reportUploadVideo(speed, total uint64) {
	e.mu.Lock()
	e.uploadSpeedVideo, e.uploadTotalVideo = speed, total
	e.mu.Unlock()
	if e.cfg.OnUploadBandwidth != nil {
		e.cfg.OnUploadBandwidth(speed, total)
	}
}

func (e *Engine) reportDownloadVideo(speed, total uint64) {
	e.mu.Lock()
	e.downloadSpeedVideo, e.downloadTotalVideo = speed, total
	e.mu.Unlock()
	if e.cfg.OnDownloadBandwidth != nil {
		e.cfg.OnDownloadBandwidth(speed, total)
	}
}

func (e *Engine) reportUploadAudio(speed, total uint64) {
	e.mu.Lock()
	e.uploadSpeedAudio, e.uploadTotalAudio = speed, total
	e.mu.Unlock()
	if e.cfg.OnUploadBandwidth != nil {
		e.cfg.OnUploadBandwidth(speed, total)
	}
}

func (e *Engine) reportDownloadAudio(speed, total uint64) {
	e.mu.Lock()
	e.downloadSpeedAudio, e.downloadTotalAudio = speed, total
	e.mu.Unlock()
	if e.cfg.OnDownloadBandwidth != nil {
		e.cfg.OnDownloadBandwidth(speed, total)
	}
}
