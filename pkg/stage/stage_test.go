package stage

import (
	"testing"
	"time"

	"github.com/ethan/rtplive-engine/pkg/queue"
)

func TestSISOPausesUntilBothEndpointsBound(t *testing.T) {
	s := NewSISO[int](nil)
	if !s.ShouldPause() {
		t.Fatalf("expected pause with no endpoints bound")
	}

	in := queue.New[int](10)
	s.SetInput(in)
	if !s.ShouldPause() {
		t.Fatalf("expected pause with only input bound")
	}

	out := queue.New[int](10)
	s.SetOutput(out)
	if s.ShouldPause() {
		t.Fatalf("expected no pause once both endpoints are bound")
	}
}

func TestSISOForwardsWithTransform(t *testing.T) {
	in := queue.New[int](10)
	out := queue.New[int](10)

	s := NewSISO[int](func(v int) int { return v * 2 })
	s.SetInput(in)
	s.SetOutput(out)
	s.Start()
	defer s.Stop()

	in.Push(21)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if v, ok := out.Next(); ok {
			if v != 42 {
				t.Fatalf("got %d, want 42", v)
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("transformed item never arrived on output")
}

func TestSISORebindWakesOldInput(t *testing.T) {
	first := queue.New[int](10)
	second := queue.New[int](10)
	out := queue.New[int](10)

	s := NewSISO[int](nil)
	s.SetInput(first)
	s.SetOutput(out)
	s.Start()
	defer s.Stop()

	s.SetInput(second)
	second.Push(7)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if v, ok := out.Next(); ok {
			if v != 7 {
				t.Fatalf("got %d, want 7", v)
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("item pushed to rebound input never reached output")
}

func TestSIMOPausesUntilOutputsNonEmpty(t *testing.T) {
	s := NewSIMO[int](nil, nil)
	in := queue.New[int](10)
	s.SetInput(in)
	if !s.ShouldPause() {
		t.Fatalf("expected pause with no outputs attached")
	}

	out := queue.New[int](10)
	s.AddOutput(out)
	if s.ShouldPause() {
		t.Fatalf("expected no pause once an output is attached")
	}

	s.RemoveOutput(out)
	if !s.ShouldPause() {
		t.Fatalf("expected pause after removing the only output")
	}
}

func TestSIMOFansOutToAllOutputs(t *testing.T) {
	in := queue.New[int](10)
	outA := queue.New[int](10)
	outB := queue.New[int](10)

	s := NewSIMO[int](nil, nil)
	s.SetInput(in)
	s.AddOutput(outA)
	s.AddOutput(outB)
	s.Start()
	defer s.Stop()

	in.Push(5)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		va, okA := outA.Next()
		vb, okB := outB.Next()
		if okA && okB {
			if va != 5 || vb != 5 {
				t.Fatalf("got %d/%d, want 5/5", va, vb)
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("item never fanned out to both outputs")
}

func TestSIMOCustomFanOut(t *testing.T) {
	in := queue.New[int](10)
	outA := queue.New[int](10)
	outB := queue.New[int](10)

	s := NewSIMO[int](nil, func(item int, outputs int) []int {
		fanned := make([]int, outputs)
		for i := range fanned {
			fanned[i] = item + i
		}
		return fanned
	})
	s.SetInput(in)
	s.AddOutput(outA)
	s.AddOutput(outB)
	s.Start()
	defer s.Stop()

	in.Push(10)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		va, okA := outA.Next()
		vb, okB := outB.Next()
		if okA && okB {
			if va != 10 || vb != 11 {
				t.Fatalf("got %d/%d, want 10/11", va, vb)
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("custom fan-out never reached both outputs")
}
