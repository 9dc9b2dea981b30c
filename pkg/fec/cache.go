package fec

import (
	"sort"
	"sync"
	"time"
)

// DefaultEvictWindow is the idle-timeout W from spec.md §4.7.
const DefaultEvictWindow = 10 * time.Millisecond

// Block is a fully- or partially-populated slot array ready for the
// decoder, or ready to be inspected for NeedMore/eviction decisions.
type Block struct {
	Timestamp  uint32
	K, R, F    uint16
	SymbolSize int
	Checksum   uint16
	Slots      [][]byte
	Received   int
	HasRepair  bool
}

type entry struct {
	block      Block
	lastSeenAt time.Time
}

// Cache is the per-peer, per-media FEC reassembly cache (C8). Grounded on
// original_source's FECDecodeCache (src/rtp_network/fec/fecdecodecache.cpp):
// an ordered-by-timestamp map with a restart-on-activity idle timer that
// evicts the oldest pending block when it stalls.
type Cache struct {
	mu          sync.Mutex
	entries     map[uint32]*entry
	minPending  uint32
	minSet      bool
	evictWindow time.Duration
}

// NewCache creates an empty Cache. A non-positive evictWindow falls back
// to DefaultEvictWindow.
func NewCache(evictWindow time.Duration) *Cache {
	if evictWindow <= 0 {
		evictWindow = DefaultEvictWindow
	}
	return &Cache{entries: make(map[uint32]*entry), evictWindow: evictWindow}
}

// Insert deposits one symbol (spec.md §4.7's insert operation). now is
// passed in explicitly so tests can drive eviction deterministically.
func (c *Cache) Insert(sym Symbol, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.minSet && sym.BlockTimestamp < c.minPending {
		return // out-of-range: already evicted or delivered
	}

	e, ok := c.entries[sym.BlockTimestamp]
	if !ok {
		e = &entry{block: Block{
			Timestamp:  sym.BlockTimestamp,
			K:          sym.K,
			R:          sym.R,
			F:          sym.F,
			SymbolSize: sym.SymbolSize,
			Checksum:   sym.Checksum,
			Slots:      make([][]byte, int(sym.K)+int(sym.R)),
		}}
		c.entries[sym.BlockTimestamp] = e
	}

	idx := int(sym.Index)
	if idx < 0 || idx >= len(e.block.Slots) {
		return
	}
	if e.block.Slots[idx] == nil {
		e.block.Slots[idx] = sym.Data
		e.block.Received++
		if idx >= int(e.block.K) {
			e.block.HasRepair = true
		}
	}
	e.lastSeenAt = now
}

// TakeReady returns the lowest-timestamp block if it has received at least
// K symbols, removing it from the cache (spec.md §4.7's take_ready).
func (c *Cache) TakeReady() (Block, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts, ok := c.minTimestampLocked()
	if !ok {
		return Block{}, false
	}
	e := c.entries[ts]
	if e.block.Received < int(e.block.K) {
		return Block{}, false
	}
	delete(c.entries, ts)
	c.minPending = ts + 1
	c.minSet = true
	return e.block, true
}

// Sweep evicts the oldest pending block if it has been idle for the evict
// window (spec.md §4.7's timeout sweep). Returns the evicted timestamp, if
// any. Callers drive this periodically (e.g. every millisecond).
func (c *Cache) Sweep(now time.Time) (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts, ok := c.minTimestampLocked()
	if !ok {
		return 0, false
	}
	e := c.entries[ts]
	if now.Sub(e.lastSeenAt) < c.evictWindow {
		return 0, false
	}
	delete(c.entries, ts)
	c.minPending = ts + 1
	c.minSet = true
	return ts, true
}

// Len reports the number of pending blocks.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) minTimestampLocked() (uint32, bool) {
	if len(c.entries) == 0 {
		return 0, false
	}
	timestamps := make([]uint32, 0, len(c.entries))
	for ts := range c.entries {
		timestamps = append(timestamps, ts)
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })
	return timestamps[0], true
}
