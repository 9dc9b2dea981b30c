// Package user implements the user manager (C11): SSRC-to-name binding,
// join/leave-once semantics, and best-effort ambiguous-SSRC recovery.
// Grounded on original_source's RTPUserManager (src/rtp_network/
// rtpusermanager.cpp): find(name) locates-or-creates by name, find(ssrc,
// user) clears a matching slot and garbage-collects a user once both
// slots are zero, and the join callback fires exactly once (when the
// first of a user's two slots is bound, not when the second is).
// Spec.md §9's open question on ambiguous-SSRC handling is resolved here
// as "best effort": the original comment at the failed-insert path
// documents the same silent-restart case and explicitly defers handling
// to the BYE path. A low-frequency sweep backs that up: a user whose
// slots haven't seen a fresh binding in a configurable window is
// assumed gone and evicted, so a peer that restarted with a new SSRC
// before its old one's BYE arrived eventually gets back in rather than
// being locked out of both slots forever.
package user

import (
	"context"
	"sync"
	"time"

	"github.com/ethan/rtplive-engine/pkg/logger"
)

// DefaultSweepWindow is how long a user's bindings may sit idle before
// the sweep evicts them.
const DefaultSweepWindow = 30 * time.Second

// sweepInterval is how often the sweep goroutine checks for idle users.
// Deliberately coarse (spec.md §9's "low-frequency sweep"): this is a
// backstop for the rare ambiguous-SSRC case, not a liveness mechanism.
const sweepInterval = 5 * time.Second

// Kind identifies which of a user's two SSRC slots a media kind occupies.
type Kind int

const (
	KindVideo Kind = iota
	KindAudio
)

// User is one room member, identified by name, with up to two bound SSRCs
// (spec.md §4.10's "at most one user per name; a user holds up to two
// SSRCs").
type User struct {
	Name      string
	VideoSSRC uint32
	AudioSSRC uint32

	lastSeenAt time.Time
}

func (u *User) slotFor(ssrc uint32) *uint32 {
	if u.VideoSSRC == ssrc {
		return &u.VideoSSRC
	}
	if u.AudioSSRC == ssrc {
		return &u.AudioSSRC
	}
	return nil
}

func (u *User) emptySlot() *uint32 {
	if u.VideoSSRC == 0 {
		return &u.VideoSSRC
	}
	if u.AudioSSRC == 0 {
		return &u.AudioSSRC
	}
	return nil
}

func (u *User) bothEmpty() bool {
	return u.VideoSSRC == 0 && u.AudioSSRC == 0
}

// JoinFunc is invoked exactly once per user, when their first SSRC binds.
type JoinFunc func(name string)

// LeaveFunc is invoked exactly once per user, when their last SSRC
// clears. reason is the BYE reason, if any.
type LeaveFunc func(name string, reason string)

// Manager is the process-wide SSRC-to-user registry (spec.md §9's
// "global singleton... represented as a process-wide state object with an
// explicit lifecycle"). Callers construct one at engine start and discard
// it at engine stop; nothing here is accessed via a hidden static.
type Manager struct {
	mu     sync.Mutex
	users  []*User
	active bool

	sweepWindow time.Duration
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	log     *logger.Logger
	onJoin  JoinFunc
	onLeave LeaveFunc
}

// New creates an inactive Manager with DefaultSweepWindow. Callers must
// call SetActive(true) before Insert/Remove have any effect, matching
// the original's room-membership gate.
func New(log *logger.Logger) *Manager {
	return NewWithSweepWindow(log, DefaultSweepWindow)
}

// NewWithSweepWindow creates an inactive Manager whose idle sweep uses
// window instead of DefaultSweepWindow. A non-positive window falls back
// to the default.
func NewWithSweepWindow(log *logger.Logger, window time.Duration) *Manager {
	if log == nil {
		log = logger.Default()
	}
	if window <= 0 {
		window = DefaultSweepWindow
	}
	return &Manager{log: log.With("category", "user"), sweepWindow: window}
}

// OnJoin registers the join callback.
func (m *Manager) OnJoin(fn JoinFunc) { m.mu.Lock(); m.onJoin = fn; m.mu.Unlock() }

// OnLeave registers the leave callback.
func (m *Manager) OnLeave(fn LeaveFunc) { m.mu.Lock(); m.onLeave = fn; m.mu.Unlock() }

// SetActive gates Insert/Remove. Setting it to true starts the idle
// sweep; setting it to false stops the sweep and clears the entire user
// set without individual leave events (spec.md §4.10).
func (m *Manager) SetActive(active bool) {
	m.mu.Lock()
	wasActive := m.active
	m.active = active
	if !active {
		m.users = nil
	}
	cancel := m.cancel
	m.mu.Unlock()

	if active && !wasActive {
		ctx, cancelFn := context.WithCancel(context.Background())
		m.mu.Lock()
		m.cancel = cancelFn
		m.mu.Unlock()
		m.wg.Add(1)
		go m.sweepLoop(ctx)
	} else if !active && wasActive && cancel != nil {
		cancel()
		m.wg.Wait()
	}
}

// sweepLoop evicts users whose bindings have sat idle past sweepWindow,
// on a fixed low-frequency interval, until ctx is cancelled.
func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepIdle(time.Now())
		}
	}
}

// sweepIdle evicts every user last seen before now minus sweepWindow,
// emitting a leave event per eviction (spec.md §9's best-effort
// ambiguous-SSRC recovery: a stale binding frees up its slots for the
// next peer that claims the same name).
func (m *Manager) sweepIdle(now time.Time) {
	m.mu.Lock()
	var evicted []*User
	remaining := m.users[:0]
	for _, u := range m.users {
		if now.Sub(u.lastSeenAt) > m.sweepWindow {
			evicted = append(evicted, u)
			continue
		}
		remaining = append(remaining, u)
	}
	m.users = remaining
	onLeave := m.onLeave
	m.mu.Unlock()

	for _, u := range evicted {
		m.log.Info("evicting idle user", "name", u.Name, "idle_for", now.Sub(u.lastSeenAt))
		if onLeave != nil {
			onLeave(u.Name, "idle sweep")
		}
	}
}

// Insert binds ssrc to name, creating the user if unseen (spec.md §4.10's
// insert operation, driven by RTCP SDES).
func (m *Manager) Insert(ssrc uint32, name string) {
	if name == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return
	}

	u := m.findByNameLocked(name)

	if u.VideoSSRC == ssrc || u.AudioSSRC == ssrc {
		u.lastSeenAt = time.Now()
		return // already bound, nothing to do
	}

	slot := u.emptySlot()
	if slot == nil {
		// Both slots occupied by different SSRCs: likely a peer restart
		// with a fresh SSRC before the old one's BYE arrived. Best
		// effort only (spec.md §9): the stale binding is cleaned up via
		// the BYE path or eviction, not here.
		m.log.Warn("ambiguous SSRC binding ignored", "name", name, "ssrc", ssrc,
			"existing_video", u.VideoSSRC, "existing_audio", u.AudioSSRC)
		return
	}

	u.lastSeenAt = time.Now()
	wasEmpty := u.bothEmpty()
	*slot = ssrc
	if wasEmpty {
		onJoin := m.onJoin
		m.mu.Unlock()
		if onJoin != nil {
			onJoin(name)
		}
		m.mu.Lock()
	}
}

// Remove clears the slot holding ssrc, emitting leave exactly once when
// both slots become zero (spec.md §4.10's remove operation, driven by
// RTCP BYE).
func (m *Manager) Remove(ssrc uint32, reason string) {
	m.mu.Lock()
	if !m.active || len(m.users) == 0 {
		m.mu.Unlock()
		return
	}

	for i, u := range m.users {
		slot := u.slotFor(ssrc)
		if slot == nil {
			continue
		}
		*slot = 0
		if u.bothEmpty() {
			m.users = append(m.users[:i], m.users[i+1:]...)
			name := u.Name
			onLeave := m.onLeave
			m.mu.Unlock()
			if onLeave != nil {
				onLeave(name, reason)
			}
			return
		}
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
}

// Lookup finds the user currently bound to ssrc, used to dispatch a
// validated RTP packet to the right per-user FEC/decoder state.
func (m *Manager) Lookup(ssrc uint32) (User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.VideoSSRC == ssrc || u.AudioSSRC == ssrc {
			return *u, true
		}
	}
	return User{}, false
}

// Names returns every currently bound user's name.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.users))
	for i, u := range m.users {
		names[i] = u.Name
	}
	return names
}

// All returns a snapshot of every currently bound user, for the status
// API's room listing.
func (m *Manager) All() []User {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]User, len(m.users))
	for i, u := range m.users {
		out[i] = *u
	}
	return out
}

func (m *Manager) findByNameLocked(name string) *User {
	for _, u := range m.users {
		if u.Name == name {
			return u
		}
	}
	u := &User{Name: name}
	m.users = append(m.users, u)
	return u
}
