package user

import (
	"testing"
	"time"
)

func TestJoinEmittedOnce(t *testing.T) {
	m := New(nil)
	m.SetActive(true)
	defer m.SetActive(false)

	var joins []string
	m.OnJoin(func(name string) { joins = append(joins, name) })

	m.Insert(100, "alice")
	m.Insert(200, "alice")

	if len(joins) != 1 || joins[0] != "alice" {
		t.Fatalf("joins = %v, want exactly one \"alice\"", joins)
	}
}

func TestLeaveEmittedOnceAfterBothSSRCsClear(t *testing.T) {
	m := New(nil)
	m.SetActive(true)
	defer m.SetActive(false)

	var leaves []string
	m.OnLeave(func(name, reason string) { leaves = append(leaves, name) })

	m.Insert(100, "alice")
	m.Insert(200, "alice")

	m.Remove(100, "")
	if len(leaves) != 0 {
		t.Fatalf("expected no leave after first BYE, got %v", leaves)
	}

	m.Remove(200, "")
	if len(leaves) != 1 || leaves[0] != "alice" {
		t.Fatalf("leaves = %v, want exactly one \"alice\"", leaves)
	}
}

func TestTwoUserMembershipScenario(t *testing.T) {
	m := New(nil)
	m.SetActive(true)
	defer m.SetActive(false)

	var joins, leaves []string
	m.OnJoin(func(name string) { joins = append(joins, name) })
	m.OnLeave(func(name, reason string) { leaves = append(leaves, name) })

	m.Insert(100, "bob")
	if len(joins) != 1 || joins[0] != "bob" {
		t.Fatalf("expected one join for bob, got %v", joins)
	}

	m.Insert(200, "bob")
	if len(joins) != 1 {
		t.Fatalf("expected no additional join, got %v", joins)
	}

	m.Remove(100, "")
	if len(leaves) != 0 {
		t.Fatalf("expected no leave yet, got %v", leaves)
	}

	m.Remove(200, "")
	if len(leaves) != 1 || leaves[0] != "bob" {
		t.Fatalf("expected one leave for bob, got %v", leaves)
	}
}

func TestSetActiveFalseClearsWithoutLeaveEvents(t *testing.T) {
	m := New(nil)
	m.SetActive(true)

	var leaves []string
	m.OnLeave(func(name, reason string) { leaves = append(leaves, name) })

	m.Insert(100, "carol")
	m.SetActive(false)

	if len(leaves) != 0 {
		t.Fatalf("expected no leave events on SetActive(false), got %v", leaves)
	}
	if _, ok := m.Lookup(100); ok {
		t.Fatalf("expected user cleared after SetActive(false)")
	}
}

func TestAmbiguousSSRCIgnoredBestEffort(t *testing.T) {
	m := New(nil)
	m.SetActive(true)
	defer m.SetActive(false)

	var joins []string
	m.OnJoin(func(name string) { joins = append(joins, name) })

	m.Insert(100, "dave")
	m.Insert(200, "dave")
	m.Insert(300, "dave") // both slots full with different SSRCs

	u, ok := m.Lookup(300)
	if ok {
		t.Fatalf("expected ambiguous SSRC 300 not bound, got %+v", u)
	}
	if len(joins) != 1 {
		t.Fatalf("expected exactly one join despite ambiguous insert, got %v", joins)
	}
}

// TestSweepIdleEvictsStaleBindingAndUnblocksAmbiguousSSRC drives the
// sweep directly (bypassing the real ticker interval) to cover spec.md
// §9's best-effort ambiguous-SSRC recovery: once a user's bindings are
// idle past the window, the sweep evicts them, fires leave, and frees
// the name for a fresh insert that would otherwise have been ignored as
// ambiguous.
func TestSweepIdleEvictsStaleBindingAndUnblocksAmbiguousSSRC(t *testing.T) {
	m := NewWithSweepWindow(nil, time.Millisecond)

	m.mu.Lock()
	m.active = true
	m.mu.Unlock()

	var leaves []string
	m.OnLeave(func(name, reason string) { leaves = append(leaves, name) })

	m.Insert(100, "frank")
	m.Insert(200, "frank") // both slots now bound

	m.sweepIdle(time.Now().Add(time.Hour)) // well past the 1ms window

	if len(leaves) != 1 || leaves[0] != "frank" {
		t.Fatalf("leaves = %v, want exactly one \"frank\"", leaves)
	}
	if _, ok := m.Lookup(100); ok {
		t.Fatalf("expected frank's bindings cleared by the sweep")
	}

	// The name is free again: a fresh pair of SSRCs can claim it instead
	// of being ignored as ambiguous against the now-evicted bindings.
	var joins []string
	m.OnJoin(func(name string) { joins = append(joins, name) })
	m.Insert(300, "frank")
	if len(joins) != 1 || joins[0] != "frank" {
		t.Fatalf("expected frank to rejoin after eviction, got %v", joins)
	}
}

func TestLookupFindsEitherSlot(t *testing.T) {
	m := New(nil)
	m.SetActive(true)
	defer m.SetActive(false)
	m.Insert(100, "erin")
	m.Insert(200, "erin")

	u, ok := m.Lookup(200)
	if !ok || u.Name != "erin" {
		t.Fatalf("expected lookup by second slot to find erin, got %+v ok=%v", u, ok)
	}
}
