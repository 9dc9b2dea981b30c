// cmd/diagnose is the FEC/queue diagnostic tool: it builds one FEC block
// from a synthetic payload, drops a configurable subset of symbols,
// decodes, and reports byte-for-byte success, then runs queue head-drop
// and wake-on-rebind micro-benchmarks against an in-memory queue.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/ethan/rtplive-engine/pkg/fec"
	"github.com/ethan/rtplive-engine/pkg/queue"
)

func main() {
	var (
		payloadSize = flag.Int("payload-size", 64*1024, "synthetic payload size in bytes")
		symbolSize  = flag.Int("symbol-size", fec.DefaultSymbolSize, "FEC symbol size in bytes")
		dropCount   = flag.Int("drop", 2, "number of symbols to simulate as lost")
		keyFrame    = flag.Bool("keyframe", true, "encode as a keyframe block (higher redundancy rate)")
		seed        = flag.Int64("seed", 1, "PRNG seed for the synthetic payload and drop selection")
		queueIters  = flag.Int("queue-iterations", 10000, "iterations for the queue micro-benchmarks")
	)
	flag.Parse()

	fmt.Println("=== FEC block round trip ===")
	ok := runFECTest(*payloadSize, *symbolSize, *dropCount, *keyFrame, *seed)

	fmt.Println("\n=== Queue head-drop benchmark ===")
	runHeadDropBenchmark(*queueIters)

	fmt.Println("\n=== Queue wake-on-rebind benchmark ===")
	runWakeOnRebindBenchmark()

	if !ok {
		os.Exit(1)
	}
}

func runFECTest(payloadSize, symbolSize, dropCount int, keyFrame bool, seed int64) bool {
	rng := rand.New(rand.NewSource(seed))
	payload := make([]byte, payloadSize)
	rng.Read(payload)

	enc := fec.NewEncoder(symbolSize)
	symbols, err := enc.Encode(payload, 90000, keyFrame)
	if err != nil {
		fmt.Printf("✗ encode failed: %v\n", err)
		return false
	}

	k, r := symbols[0].K, symbols[0].R
	fmt.Printf("  payload=%d bytes symbol_size=%d k=%d r=%d total=%d\n",
		payloadSize, symbolSize, k, r, len(symbols))

	drop := selectDrops(rng, len(symbols), dropCount)
	surviving := make([]fec.Symbol, 0, len(symbols)-len(drop))
	for _, sym := range symbols {
		if drop[sym.Index] {
			continue
		}
		surviving = append(surviving, sym)
	}
	fmt.Printf("  dropped %d of %d symbols\n", len(drop), len(symbols))

	cache := fec.NewCache(time.Second)
	now := time.Now()
	for _, sym := range surviving {
		cache.Insert(sym, now)
	}

	block, ready := cache.TakeReady()
	if !ready {
		if len(surviving) < int(k) {
			fmt.Println("✓ decode correctly reported not-enough-symbols (dropped below K)")
			return true
		}
		fmt.Println("✗ block never became ready despite having >= K symbols")
		return false
	}

	decoded, err := fec.NewDecoder().Decode(&block)
	if err != nil {
		fmt.Printf("✗ decode failed: %v\n", err)
		return false
	}

	if !bytes.Equal(decoded, payload) {
		diff := 0
		for i := range payload {
			if i >= len(decoded) || decoded[i] != payload[i] {
				diff++
			}
		}
		fmt.Printf("✗ decoded payload mismatch: %d/%d bytes differ\n", diff, len(payload))
		return false
	}

	fmt.Println("✓ decoded payload matches byte-for-byte")
	return true
}

// selectDrops picks n distinct symbol indices out of total to mark as lost.
func selectDrops(rng *rand.Rand, total, n int) map[uint16]bool {
	if n > total {
		n = total
	}
	order := rng.Perm(total)
	drop := make(map[uint16]bool, n)
	for _, idx := range order[:n] {
		drop[uint16(idx)] = true
	}
	return drop
}

// runHeadDropBenchmark fills a small-capacity queue well past its bound
// and confirms only the newest `capacity` items survive the overflow
// policy, timing the push loop.
func runHeadDropBenchmark(iterations int) {
	const capacity = 16
	q := queue.New[int](capacity)

	dropped := 0
	q.OnDrop(func(int) { dropped++ })

	start := time.Now()
	for i := 0; i < iterations; i++ {
		q.Push(i)
	}
	elapsed := time.Since(start)

	if q.Len() != capacity {
		fmt.Printf("✗ expected queue length %d after overflow, got %d\n", capacity, q.Len())
		return
	}
	wantDropped := iterations - capacity
	if dropped != wantDropped {
		fmt.Printf("✗ expected %d head-dropped items, observed %d\n", wantDropped, dropped)
		return
	}
	last, ok := q.Latest()
	if !ok || last != iterations-1 {
		fmt.Printf("✗ expected newest item %d to survive, got %v (ok=%v)\n", iterations-1, last, ok)
		return
	}

	fmt.Printf("✓ %d pushes into a %d-capacity queue: %d head-dropped, %d/push average\n",
		iterations, capacity, dropped, elapsed/time.Duration(iterations))
}

// runWakeOnRebindBenchmark confirms WakeAll releases a blocked WaitPush
// call without delivering data, within bounded latency — the signal a
// rebind uses to wake readers without a matching push.
func runWakeOnRebindBenchmark() {
	q := queue.New[int](4)
	done := make(chan struct {
		hadData bool
		elapsed time.Duration
	}, 1)

	start := make(chan struct{})
	go func() {
		<-start
		waitStart := time.Now()
		hadData := q.WaitPush(5 * time.Second)
		done <- struct {
			hadData bool
			elapsed time.Duration
		}{hadData, time.Since(waitStart)}
	}()

	close(start)
	time.Sleep(10 * time.Millisecond) // let the waiter enter WaitPush
	q.WakeAll()

	result := <-done
	if result.hadData {
		fmt.Println("✗ WaitPush reported data available after a no-data WakeAll")
		return
	}
	if result.elapsed > 100*time.Millisecond {
		fmt.Printf("✗ WakeAll took %s to release a blocked WaitPush (expected well under 100ms)\n", result.elapsed)
		return
	}
	fmt.Printf("✓ WakeAll released a blocked WaitPush in %s with no data delivered\n", result.elapsed)
}
