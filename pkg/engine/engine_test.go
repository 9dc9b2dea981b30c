package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/ethan/rtplive-engine/pkg/external"
	"github.com/ethan/rtplive-engine/pkg/fec"
	"github.com/ethan/rtplive-engine/pkg/frame"
)

// passthroughCodec is a fake external.CodecEngine that hands back whatever
// it was given, standing in for a real hardware/software backend so the
// engine's wiring can be exercised without one.
type passthroughCodec struct {
	mu      sync.Mutex
	pt      frame.PayloadType
	pending []*frame.Frame
}

func (c *passthroughCodec) Configure(frame.Format, external.HardwarePreference) error { return nil }

func (c *passthroughCodec) Submit(f *frame.Frame) error {
	if f == nil {
		return nil
	}
	c.mu.Lock()
	c.pending = append(c.pending, f.WithPayload(f.Format, f.Payload(), c.pt, f.KeyFrame))
	c.mu.Unlock()
	return nil
}

func (c *passthroughCodec) Drain() ([]*frame.Frame, error) {
	c.mu.Lock()
	out := c.pending
	c.pending = nil
	c.mu.Unlock()
	return out, nil
}

func (c *passthroughCodec) UsingHardware() bool { return false }
func (c *passthroughCodec) Close() error        { return nil }

// noopRenderer records every frame it is shown.
type noopRenderer struct {
	mu    sync.Mutex
	shown []string
}

func (r *noopRenderer) Show(_ string, _ frame.Format, planes []frame.Plane) error {
	r.mu.Lock()
	if len(planes) > 0 {
		r.shown = append(r.shown, string(planes[0].Data))
	}
	r.mu.Unlock()
	return nil
}
func (r *noopRenderer) Resize(int, int, int, int) error { return nil }
func (r *noopRenderer) Close() error                    { return nil }

func testFormat() frame.Format {
	return frame.Format{Kind: frame.KindVideo, Width: 320, Height: 240, PixelFormat: frame.PixelFormatYUV420P}
}

func newTestEngine(t *testing.T) (*Engine, *noopRenderer) {
	t.Helper()
	renderer := &noopRenderer{}
	cfg := Config{
		LocalSSRCVideo: 11,
		LocalSSRCAudio: 12,
		PortBase:       0,
		Video: MediaConfig{
			PayloadType:   frame.PayloadTypeH264,
			CaptureFormat: testFormat(),
			NewDecodeCodec: func(pt frame.PayloadType, _ external.HardwarePreference) (external.CodecEngine, error) {
				return &passthroughCodec{pt: pt}, nil
			},
			Renderer: renderer,
			WindowID: "main",
		},
	}
	return New(cfg), renderer
}

func TestEngineJoinLeaveLifecycle(t *testing.T) {
	e, _ := newTestEngine(t)

	if err := e.SetLocalName(""); err == nil {
		t.Fatal("expected error for empty local name")
	}
	if err := e.JoinRoom("room-a"); err == nil {
		t.Fatal("expected join to fail before set_local_name")
	}

	if err := e.SetLocalName("alice"); err != nil {
		t.Fatalf("set local name: %v", err)
	}
	if e.CurrentRoom() != "" {
		t.Fatalf("expected no room before join")
	}

	e.EnablePush(true)
	if !e.isPushing() {
		t.Fatal("expected push enabled")
	}
	e.EnablePush(false)
	if e.isPushing() {
		t.Fatal("expected push disabled")
	}
}

// TestEngineUserJoinCreatesAndTearsDownPeerPipeline drives the user
// manager directly (as an RTCP SDES/BYE dispatch would) and checks that
// the engine's join/leave callbacks create and destroy exactly one peer
// pipeline, without going through a real network loopback.
func TestEngineUserJoinCreatesAndTearsDownPeerPipeline(t *testing.T) {
	e, _ := newTestEngine(t)
	e.users.SetActive(true)

	const ssrc = uint32(4242)
	e.users.Insert(ssrc, "bob")

	e.mu.Lock()
	peer := e.peers["bob"]
	e.mu.Unlock()
	if peer == nil {
		t.Fatal("expected peer pipeline for bob after join")
	}
	t.Cleanup(peer.stop)
	if peer.video == nil {
		t.Fatal("expected video media pipeline since a renderer was configured")
	}
	if peer.audio != nil {
		t.Fatal("expected no audio media pipeline since no renderer was configured")
	}

	e.users.Remove(ssrc, "bye")

	e.mu.Lock()
	_, stillPresent := e.peers["bob"]
	e.mu.Unlock()
	if stillPresent {
		t.Fatal("expected peer pipeline removed after leave")
	}
}

// TestEngineRoutesRTPToPeerMediaPipeline exercises routeRTP end to end
// (minus the network) by inserting a user and delivering a raw pass-
// through FEC symbol straight into the render pipeline, the same call
// dispatchVideoRTP makes once a real RTP packet's SSRC resolves to a
// known peer.
func TestEngineRoutesRTPToPeerMediaPipeline(t *testing.T) {
	e, renderer := newTestEngine(t)
	e.users.SetActive(true)

	const ssrc = uint32(99)
	e.users.Insert(ssrc, "carol")

	e.mu.Lock()
	peer := e.peers["carol"]
	e.mu.Unlock()
	if peer == nil || peer.video == nil {
		t.Fatal("expected carol's video pipeline to exist")
	}
	t.Cleanup(peer.stop)

	u, ok := e.users.Lookup(ssrc)
	if !ok || u.VideoSSRC != ssrc {
		t.Fatalf("expected lookup to resolve video ssrc, got %+v ok=%v", u, ok)
	}

	payload := []byte("keyframe-payload")
	// Take the block metadata checksum from the sender-side encoder, as a
	// real packet's FEC extension would carry it; Decoder.Decode rejects a
	// block whose checksum does not match its timestamp/K/R/F.
	encoded, err := fec.NewEncoder(0).Encode(payload, 1, true)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	peer.video.recv.insert(fec.Symbol{
		BlockTimestamp: 1,
		Index:          0,
		K:              1,
		R:              0,
		F:              0,
		Checksum:       encoded[0].Checksum,
		SymbolSize:     len(payload),
		Data:           payload,
	})

	waitFor(t, func() bool {
		renderer.mu.Lock()
		defer renderer.mu.Unlock()
		for _, s := range renderer.shown {
			if s == string(payload) {
				return true
			}
		}
		return false
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
