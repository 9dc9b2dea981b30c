package engine

import (
	"context"
	"sync"
	"time"

	"github.com/ethan/rtplive-engine/pkg/fec"
	"github.com/ethan/rtplive-engine/pkg/frame"
	"github.com/ethan/rtplive-engine/pkg/logger"
	"github.com/ethan/rtplive-engine/pkg/queue"
)

// recvPumpInterval matches spec.md §5's "drive Sweep periodically (e.g.
// every millisecond)" guidance for the FEC cache's idle sweep.
const recvPumpInterval = time.Millisecond

// recvStage is one peer/media's FEC reassembly pump: symbols arrive via
// insert (called from the RTP session's receive callback), and a
// dedicated goroutine repeatedly drains ready blocks into the decoder
// input queue or evicts a stalled one. Grounded on spec.md §4.7/§4.8 and
// the teacher's pkg/nest/manager.go periodic-loop-with-ctx pattern.
type recvStage struct {
	cache       *fec.Cache
	dec         *fec.Decoder
	payloadType frame.PayloadType
	format      frame.Format
	out         *queue.Queue[*frame.Frame]
	log         *logger.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newRecvStage(evictWindow time.Duration, payloadType frame.PayloadType, format frame.Format, out *queue.Queue[*frame.Frame], log *logger.Logger) *recvStage {
	return &recvStage{
		cache:       fec.NewCache(evictWindow),
		dec:         fec.NewDecoder(),
		payloadType: payloadType,
		format:      format,
		out:         out,
		log:         log,
	}
}

// insert feeds one RTP-extracted FEC symbol into the reassembly cache.
func (r *recvStage) insert(sym fec.Symbol) {
	r.cache.Insert(sym, time.Now())
}

func (r *recvStage) start() {
	r.mu.Lock()
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.mu.Unlock()
	r.wg.Add(1)
	go r.pump()
}

func (r *recvStage) stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

func (r *recvStage) pump() {
	defer r.wg.Done()
	ticker := time.NewTicker(recvPumpInterval)
	defer ticker.Stop()

	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for {
			block, ok := r.cache.TakeReady()
			if !ok {
				break
			}
			r.deliver(block)
		}
		if ts, evicted := r.cache.Sweep(time.Now()); evicted {
			r.log.DebugFEC("fec block evicted after idle timeout", "block_timestamp", ts)
		}
	}
}

func (r *recvStage) deliver(block fec.Block) {
	payload, err := r.dec.Decode(&block)
	if err != nil {
		r.log.DebugFEC("fec decode dropped block", "block_timestamp", block.Timestamp, "err", err)
		return
	}
	f := frame.NewFromBytes(r.format, payload)
	f.PayloadType = r.payloadType
	f.PTS = int64(block.Timestamp)
	r.out.Push(f)
}
