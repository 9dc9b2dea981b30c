package engine

import (
	"context"
	"sync"

	"github.com/ethan/rtplive-engine/pkg/external"
	"github.com/ethan/rtplive-engine/pkg/frame"
	"github.com/ethan/rtplive-engine/pkg/logger"
	"github.com/ethan/rtplive-engine/pkg/queue"
)

// captureLoop drains one CaptureDriver into a raw-frame queue on a
// dedicated goroutine, grounded on the teacher's readLoop in
// pkg/relay/relay.go (a context-cancellable goroutine feeding frames into
// the rest of the pipeline, with WaitGroup-joined shutdown).
type captureLoop struct {
	driver   external.CaptureDriver
	deviceID string
	params   external.CaptureParams
	out      *queue.Queue[*frame.Frame]
	log      *logger.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	opened bool
}

func newCaptureLoop(driver external.CaptureDriver, deviceID string, params external.CaptureParams, out *queue.Queue[*frame.Frame], log *logger.Logger) *captureLoop {
	return &captureLoop{driver: driver, deviceID: deviceID, params: params, out: out, log: log}
}

func (c *captureLoop) start() error {
	if c.driver == nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := c.driver.Open(ctx, c.deviceID, c.params); err != nil {
		cancel()
		return err
	}
	c.mu.Lock()
	c.ctx, c.cancel = ctx, cancel
	c.opened = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run()
	return nil
}

func (c *captureLoop) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		f, err := c.driver.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.log.Warn("capture read failed", "err", err)
			continue
		}
		if f == nil {
			continue
		}
		c.out.Push(f)
	}
}

func (c *captureLoop) stop() {
	c.mu.Lock()
	cancel, opened := c.cancel, c.opened
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	if opened {
		if err := c.driver.Close(); err != nil {
			c.log.Warn("capture close failed", "err", err)
		}
	}
}
