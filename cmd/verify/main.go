// cmd/verify is the loopback verifier: two in-process Engine instances
// bound to adjacent localhost UDP ports join the same room; one pushes a
// 100ms synthetic 48kHz audio burst; the command asserts the other
// observes exactly one join callback and receives decoded frames whose
// summed duration lands within 2ms of 100ms. The synthetic
// capture/codec/renderer below stand in for a real camera, codec, and
// speaker.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ethan/rtplive-engine/pkg/engine"
	"github.com/ethan/rtplive-engine/pkg/external"
	"github.com/ethan/rtplive-engine/pkg/frame"
	"github.com/ethan/rtplive-engine/pkg/logger"
)

const (
	sampleRate    = 48000
	channels      = 1
	bitsPerSample = 16
	burstFrameDur = 20 * time.Millisecond
	burstFrames   = 5 // 5 * 20ms = 100ms total
)

func audioFormat() frame.Format {
	return frame.Format{Kind: frame.KindAudio, SampleRate: sampleRate, Channels: channels, BitsPerSample: bitsPerSample}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "✗ loopback verification failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("✓ loopback verification passed")
}

func run() error {
	log := logger.Default()
	format := audioFormat()

	joins := make(chan string, 4)
	rx := newRecordingRenderer()

	pusher := engine.New(engine.Config{
		LocalSSRCVideo: 1001,
		LocalSSRCAudio: 1002,
		PortBase:       16000,
		Logger:         log.With("role", "pusher"),
		Audio: engine.MediaConfig{
			PayloadType:    frame.PayloadTypeAAC,
			CaptureFormat:  format,
			Capture:        newBurstCapture(format, burstFrames, burstFrameDur),
			NewEncodeCodec: newPassthroughEncodeCodec(),
			ClockRate:      sampleRate,
		},
	})
	receiver := engine.New(engine.Config{
		LocalSSRCVideo: 2001,
		LocalSSRCAudio: 2002,
		PortBase:       16010,
		Logger:         log.With("role", "receiver"),
		Audio: engine.MediaConfig{
			PayloadType:    frame.PayloadTypeAAC,
			NewDecodeCodec: newPassthroughDecodeCodec(format),
			Renderer:       rx,
			ClockRate:      sampleRate,
		},
		OnUserJoin: func(name string) { joins <- name },
	})

	// Join and enable push before starting the pusher's capture loop: the
	// synthetic capture burst begins the instant Start launches it, and
	// sendStage drops (rather than buffers) any frame that arrives while
	// push is disabled.
	if err := receiver.Start(); err != nil {
		return fmt.Errorf("start receiver: %w", err)
	}
	defer receiver.Stop()

	if err := pusher.SetLocalName("alice"); err != nil {
		return fmt.Errorf("pusher set local name: %w", err)
	}
	if err := receiver.SetLocalName("bob"); err != nil {
		return fmt.Errorf("receiver set local name: %w", err)
	}

	const room = "verify-room"
	if err := pusher.JoinRoom(room); err != nil {
		return fmt.Errorf("pusher join room: %w", err)
	}
	if err := receiver.JoinRoom(room); err != nil {
		return fmt.Errorf("receiver join room: %w", err)
	}

	if err := pusher.SetDestination("127.0.0.1", 16010); err != nil {
		return fmt.Errorf("pusher set destination: %w", err)
	}
	if err := receiver.SetDestination("127.0.0.1", 16000); err != nil {
		return fmt.Errorf("receiver set destination: %w", err)
	}

	joinCount, err := waitForJoins(joins, 5*time.Second)
	if err != nil {
		return err
	}
	if joinCount != 1 {
		return fmt.Errorf("expected exactly one join callback, observed %d", joinCount)
	}

	pusher.EnablePush(true)
	if err := pusher.Start(); err != nil {
		return fmt.Errorf("start pusher: %w", err)
	}
	defer pusher.Stop()

	total, err := rx.waitForDuration(100*time.Millisecond, 5*time.Second)
	if err != nil {
		return err
	}

	drift := total - 100*time.Millisecond
	if drift < 0 {
		drift = -drift
	}
	if drift > 2*time.Millisecond {
		return fmt.Errorf("decoded audio duration %s off target 100ms by %s (> 2ms)", total, drift)
	}

	fmt.Printf("  decoded %s of audio (target 100ms, drift %s)\n", total, drift)
	return nil
}

// waitForJoins collects every join callback that arrives within window,
// then returns how many fired. It does not return early on the first
// join: a second, unwanted join within the window must still be caught.
func waitForJoins(joins <-chan string, window time.Duration) (int, error) {
	deadline := time.After(window)
	count := 0
	for {
		select {
		case <-joins:
			count++
		case <-deadline:
			if count == 0 {
				return 0, fmt.Errorf("no join callback observed within %s", window)
			}
			return count, nil
		}
	}
}

// burstCapture is a synthetic external.CaptureDriver emitting a fixed
// number of fixed-duration silent audio frames, then blocking until the
// engine stops it — standing in for a microphone in this in-process test.
type burstCapture struct {
	format   frame.Format
	frameDur time.Duration
	total    int
	emitted  int
	payload  []byte
}

func newBurstCapture(format frame.Format, frames int, frameDur time.Duration) *burstCapture {
	samples := int(float64(format.SampleRate) * frameDur.Seconds())
	payload := make([]byte, samples*format.Channels*(format.BitsPerSample/8))
	return &burstCapture{format: format, frameDur: frameDur, total: frames, payload: payload}
}

func (c *burstCapture) Enumerate(ctx context.Context) ([]external.DeviceInfo, error) { return nil, nil }
func (c *burstCapture) DefaultDevice(ctx context.Context) (string, error)            { return "", nil }
func (c *burstCapture) Open(ctx context.Context, deviceID string, params external.CaptureParams) error {
	return nil
}

func (c *burstCapture) Read(ctx context.Context) (*frame.Frame, error) {
	if c.emitted >= c.total {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	select {
	case <-time.After(c.frameDur):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.emitted++
	f := frame.New(c.format, []frame.Plane{{Data: c.payload, LineSize: len(c.payload)}}, nil)
	f.PTS = int64(c.emitted) * c.frameDur.Microseconds()
	return f, nil
}

func (c *burstCapture) ReadLatest(ctx context.Context) (*frame.Frame, bool) { return nil, false }
func (c *burstCapture) Close() error                                        { return nil }

// passthroughCodec implements external.CodecEngine as an identity
// transform: Submit stores a copy of the payload tagged with a fixed
// format, Drain returns and clears it. Standing in for a real audio
// codec on both the encode and decode sides of this loopback test, which
// exercises FEC/RTP/session plumbing rather than codec behavior.
type passthroughCodec struct {
	format  frame.Format
	pending []*frame.Frame
}

func newPassthroughEncodeCodec() func(format frame.Format, hwPref external.HardwarePreference, payloadType frame.PayloadType) (external.CodecEngine, error) {
	return func(format frame.Format, hwPref external.HardwarePreference, payloadType frame.PayloadType) (external.CodecEngine, error) {
		return &passthroughCodec{format: format}, nil
	}
}

func newPassthroughDecodeCodec(format frame.Format) func(payloadType frame.PayloadType, hwPref external.HardwarePreference) (external.CodecEngine, error) {
	return func(payloadType frame.PayloadType, hwPref external.HardwarePreference) (external.CodecEngine, error) {
		return &passthroughCodec{format: format}, nil
	}
}

func (c *passthroughCodec) Configure(format frame.Format, hwPref external.HardwarePreference) error {
	c.format = format
	return nil
}

func (c *passthroughCodec) Submit(f *frame.Frame) error {
	if f == nil {
		return nil // flush: nothing buffered internally
	}
	payload := append([]byte(nil), f.Payload()...)
	out := frame.NewFromBytes(c.format, payload)
	out.PTS, out.DTS = f.PTS, f.DTS
	out.KeyFrame = true
	c.pending = append(c.pending, out)
	return nil
}

func (c *passthroughCodec) Drain() ([]*frame.Frame, error) {
	out := c.pending
	c.pending = nil
	return out, nil
}

func (c *passthroughCodec) UsingHardware() bool { return false }
func (c *passthroughCodec) Close() error        { return nil }

// recordingRenderer is a synthetic external.Renderer that sums the audio
// duration of every decoded frame it is shown, standing in for a speaker.
type recordingRenderer struct {
	updates chan time.Duration
	total   time.Duration
}

func newRecordingRenderer() *recordingRenderer {
	return &recordingRenderer{updates: make(chan time.Duration, 64)}
}

func (r *recordingRenderer) Show(windowID string, format frame.Format, planes []frame.Plane) error {
	if format.Channels <= 0 || format.BitsPerSample <= 0 || format.SampleRate <= 0 {
		return nil
	}
	bytesPerSample := format.BitsPerSample / 8
	size := 0
	for _, p := range planes {
		size += len(p.Data)
	}
	samples := size / (format.Channels * bytesPerSample)
	r.updates <- time.Duration(samples) * time.Second / time.Duration(format.SampleRate)
	return nil
}

func (r *recordingRenderer) Resize(windowW, windowH, frameW, frameH int) error { return nil }
func (r *recordingRenderer) Close() error                                     { return nil }

// waitForDuration accumulates Show durations until total reaches target
// or window elapses, whichever comes first.
func (r *recordingRenderer) waitForDuration(target time.Duration, window time.Duration) (time.Duration, error) {
	deadline := time.After(window)
	for r.total < target {
		select {
		case d := <-r.updates:
			r.total += d
		case <-deadline:
			return r.total, fmt.Errorf("only decoded %s within %s (wanted at least %s)", r.total, window, target)
		}
	}
	// Drain any further updates that arrive in a short grace window, in
	// case the last burst frame is still mid-flight through FEC/decode.
	grace := time.After(50 * time.Millisecond)
	for {
		select {
		case d := <-r.updates:
			r.total += d
		case <-grace:
			return r.total, nil
		}
	}
}
