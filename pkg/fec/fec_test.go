package fec

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/ethan/rtplive-engine/pkg/errs"
)

func TestRoundTripLossless(t *testing.T) {
	payload := bytes.Repeat([]byte("the quick brown fox "), 200) // > symbol size
	enc := NewEncoder(256)
	symbols, err := enc.Encode(payload, 1000, false)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	cache := NewCache(10 * time.Millisecond)
	now := time.Now()
	for _, s := range symbols {
		cache.Insert(s, now)
	}

	block, ok := cache.TakeReady()
	if !ok {
		t.Fatalf("expected block ready with all symbols present")
	}

	dec := NewDecoder()
	got, err := dec.Decode(&block)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestRoundTripLossyExactlyK(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 500)
	enc := NewEncoder(1000)
	enc.RateDelta = 0.8
	symbols, err := enc.Encode(payload, 2000, false)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(symbols) < int(symbols[0].K) {
		t.Fatalf("expected at least K symbols")
	}
	k := int(symbols[0].K)

	cache := NewCache(10 * time.Millisecond)
	now := time.Now()
	// deliver exactly K symbols, mixing source and repair
	rand.Shuffle(len(symbols), func(i, j int) { symbols[i], symbols[j] = symbols[j], symbols[i] })
	for _, s := range symbols[:k] {
		cache.Insert(s, now)
	}

	block, ok := cache.TakeReady()
	if !ok {
		t.Fatalf("expected block ready with K symbols delivered")
	}
	dec := NewDecoder()
	got, err := dec.Decode(&block)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("lossy round trip mismatch")
	}
}

func TestFewerThanKNeedsMore(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 4000)
	enc := NewEncoder(1000)
	symbols, err := enc.Encode(payload, 3000, false)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	k := int(symbols[0].K)

	cache := NewCache(time.Second)
	now := time.Now()
	for _, s := range symbols[:k-1] {
		cache.Insert(s, now)
	}

	if _, ok := cache.TakeReady(); ok {
		t.Fatalf("expected no ready block with fewer than K symbols")
	}
}

func TestOrderingDeliversLowerTimestampFirst(t *testing.T) {
	enc := NewEncoder(1000)
	p1 := bytes.Repeat([]byte("a"), 4000)
	p2 := bytes.Repeat([]byte("b"), 4000)

	s1, _ := enc.Encode(p1, 10, false)
	s2, _ := enc.Encode(p2, 20, false)

	cache := NewCache(time.Second)
	now := time.Now()
	for _, s := range s2 {
		cache.Insert(s, now)
	}
	for _, s := range s1 {
		cache.Insert(s, now)
	}

	block, ok := cache.TakeReady()
	if !ok || block.Timestamp != 10 {
		t.Fatalf("expected block with timestamp 10 delivered first, got %+v ok=%v", block, ok)
	}
}

func TestEvictionAdvancesMinimum(t *testing.T) {
	enc := NewEncoder(1000)
	payload := bytes.Repeat([]byte("z"), 4000)
	symbols, _ := enc.Encode(payload, 1, false)

	cache := NewCache(5 * time.Millisecond)
	start := time.Now()
	cache.Insert(symbols[0], start)

	if _, ok := cache.Sweep(start.Add(1 * time.Millisecond)); ok {
		t.Fatalf("should not evict before idle window elapses")
	}

	ts, ok := cache.Sweep(start.Add(15 * time.Millisecond))
	if !ok || ts != 1 {
		t.Fatalf("expected eviction of timestamp 1, got %d ok=%v", ts, ok)
	}

	nextSymbols, _ := enc.Encode(payload, 2, false)
	cache.Insert(nextSymbols[0], start.Add(15*time.Millisecond))
	if cache.Len() != 1 {
		t.Fatalf("expected only the second block pending after eviction")
	}
}

func TestRawPassThroughSmallPayload(t *testing.T) {
	enc := NewEncoder(1300)
	payload := bytes.Repeat([]byte("p"), 1000)
	symbols, err := enc.Encode(payload, 42, false)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(symbols) != 1 || symbols[0].K != 1 || symbols[0].R != 0 || symbols[0].F != 0 {
		t.Fatalf("expected raw pass-through symbol, got %+v", symbols[0])
	}

	cache := NewCache(time.Second)
	cache.Insert(symbols[0], time.Now())
	block, ok := cache.TakeReady()
	if !ok {
		t.Fatalf("expected block ready")
	}
	dec := NewDecoder()
	got, err := dec.Decode(&block)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("pass-through mismatch")
	}
}

// TestEncodeRejectsPayloadNeedingMoreThanMaxSourceSymbols covers a
// keyframe-sized payload whose source symbol count alone exceeds the
// Reed-Solomon shard ceiling: Encode must reject it cleanly rather than
// building an n-length shard slice too short to hold k source shards.
func TestEncodeRejectsPayloadNeedingMoreThanMaxSourceSymbols(t *testing.T) {
	enc := NewEncoder(1200)
	payload := make([]byte, (maxTotalSymbols+1)*1200) // k = 257, one more than fits
	_, err := enc.Encode(payload, 1, true)
	if err == nil {
		t.Fatalf("expected an error for a payload needing more than %d source symbols", maxTotalSymbols)
	}
	if !errs.Is(err, errs.FecPayloadTooLarge) {
		t.Fatalf("expected errs.FecPayloadTooLarge, got %v", err)
	}
}
