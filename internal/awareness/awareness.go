// Package awareness implements the presence register: a per-peer map of
// ephemeral state (identity, cursor) replicated through small deltas. The
// update encoding follows the y-protocols awareness format so frames can be
// exchanged with browser peers.
package awareness

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/example/doclet/internal/types"
)

// DefaultTimeout is how long a remote entry may go without an update before
// it is considered stale. Local state is renewed every half timeout.
const DefaultTimeout = 30 * time.Second

// Cursor is a selection within the shared text.
type Cursor struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// State is the presence record of one peer.
type State struct {
	User   types.User `json:"user"`
	Cursor *Cursor    `json:"cursor,omitempty"`
}

func (s State) clone() State {
	if s.Cursor != nil {
		c := *s.Cursor
		s.Cursor = &c
	}
	return s
}

// Change lists the peers affected by one mutation of the register.
type Change struct {
	Added   []uint32
	Updated []uint32
	Removed []uint32
}

// Peers returns added, updated and removed peer ids in that order.
func (c Change) Peers() []uint32 {
	out := make([]uint32, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	return append(out, c.Removed...)
}

// Empty reports whether the change touched no peer.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Listener is notified after each mutation of the register.
type Listener func(change Change, origin types.Origin)

type meta struct {
	clock       uint32
	lastUpdated time.Time
}

// Awareness holds the presence states of every known peer. Only the entry
// keyed by PeerID is mutated locally; the rest change through ApplyUpdate.
type Awareness struct {
	mu        sync.Mutex
	peerID    uint32
	states    map[uint32]State
	meta      map[uint32]meta
	listeners map[int]Listener
	nextID    int

	timeout time.Duration
	now     func() time.Time

	stopMu sync.Mutex
	stop   context.CancelFunc
}

// Option configures an Awareness.
type Option func(*Awareness)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Awareness) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Awareness) {
		if now != nil {
			a.now = now
		}
	}
}

// New creates an empty register for the given local peer id.
func New(peerID uint32, opts ...Option) *Awareness {
	a := &Awareness{
		peerID:    peerID,
		states:    make(map[uint32]State),
		meta:      make(map[uint32]meta),
		listeners: make(map[int]Listener),
		timeout:   DefaultTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// PeerID returns the local peer identity.
func (a *Awareness) PeerID() uint32 { return a.peerID }

// OnUpdate registers a listener. The returned function unregisters it.
func (a *Awareness) OnUpdate(listener Listener) func() {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = listener
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.listeners, id)
			a.mu.Unlock()
		})
	}
}

// LocalState returns the local entry, if set.
func (a *Awareness) LocalState() (State, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.states[a.peerID]
	return s.clone(), ok
}

// States returns a copy of every known entry, local included.
func (a *Awareness) States() map[uint32]State {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[uint32]State, len(a.states))
	for id, s := range a.states {
		out[id] = s.clone()
	}
	return out
}

// SetLocalState replaces the local entry. A nil state removes it, which
// peers observe as this client leaving.
func (a *Awareness) SetLocalState(state *State) {
	a.mu.Lock()
	_, hadPrev := a.states[a.peerID]
	clock := uint32(0)
	if m, ok := a.meta[a.peerID]; ok {
		clock = m.clock + 1
	}
	if state == nil {
		delete(a.states, a.peerID)
	} else {
		a.states[a.peerID] = state.clone()
	}
	a.meta[a.peerID] = meta{clock: clock, lastUpdated: a.now()}

	var change Change
	switch {
	case !hadPrev && state != nil:
		change.Added = []uint32{a.peerID}
	case hadPrev && state == nil:
		change.Removed = []uint32{a.peerID}
	case state != nil:
		change.Updated = []uint32{a.peerID}
	}
	listeners := a.listenerSnapshot()
	a.mu.Unlock()

	notify(listeners, change, types.OriginLocal)
}

// SetLocalUser replaces the user field of the local entry, keeping the cursor.
func (a *Awareness) SetLocalUser(user types.User) {
	state, _ := a.LocalState()
	state.User = user
	a.SetLocalState(&state)
}

// SetLocalCursor replaces the cursor field of the local entry.
func (a *Awareness) SetLocalCursor(cursor *Cursor) {
	state, _ := a.LocalState()
	if cursor != nil {
		c := *cursor
		cursor = &c
	}
	state.Cursor = cursor
	a.SetLocalState(&state)
}

// ApplyUpdate merges an encoded update from a peer. Entries only apply when
// their clock is newer than what is known, or equal with a removal of a known
// entry. A peer cannot remove the local entry: the local clock is bumped and
// the entry is reasserted with OriginLocal so it gets re-broadcast.
func (a *Awareness) ApplyUpdate(update []byte, origin types.Origin) error {
	entries, err := DecodeUpdate(update)
	if err != nil {
		return err
	}
	now := a.now()

	a.mu.Lock()
	var change Change
	reassert := false
	for _, e := range entries {
		m, known := a.meta[e.PeerID]
		_, hadPrev := a.states[e.PeerID]
		if known && !(m.clock < e.Clock || (m.clock == e.Clock && e.State == nil && hadPrev)) {
			continue
		}

		clock := e.Clock
		if e.State == nil {
			if e.PeerID == a.peerID && hadPrev {
				clock++
				reassert = true
				a.meta[e.PeerID] = meta{clock: clock, lastUpdated: now}
				continue
			}
			delete(a.states, e.PeerID)
		} else {
			a.states[e.PeerID] = e.State.clone()
		}
		a.meta[e.PeerID] = meta{clock: clock, lastUpdated: now}

		switch {
		case !hadPrev && e.State != nil:
			change.Added = append(change.Added, e.PeerID)
		case hadPrev && e.State == nil:
			change.Removed = append(change.Removed, e.PeerID)
		case e.State != nil:
			change.Updated = append(change.Updated, e.PeerID)
		}
	}
	listeners := a.listenerSnapshot()
	a.mu.Unlock()

	notify(listeners, change, origin)
	if reassert {
		notify(listeners, Change{Updated: []uint32{a.peerID}}, types.OriginLocal)
	}
	return nil
}

// RemoveStates drops the given entries. Removing the local entry bumps its
// clock so the removal wins on peers.
func (a *Awareness) RemoveStates(ids []uint32, origin types.Origin) {
	now := a.now()

	a.mu.Lock()
	var change Change
	for _, id := range ids {
		if _, ok := a.states[id]; !ok {
			continue
		}
		delete(a.states, id)
		if id == a.peerID {
			m := a.meta[id]
			a.meta[id] = meta{clock: m.clock + 1, lastUpdated: now}
		}
		change.Removed = append(change.Removed, id)
	}
	listeners := a.listenerSnapshot()
	a.mu.Unlock()

	notify(listeners, change, origin)
}

// CheckOutdated renews the local entry once half the timeout has elapsed and
// removes remote entries not refreshed within the timeout.
func (a *Awareness) CheckOutdated(now time.Time) {
	a.mu.Lock()
	local, hasLocal := a.states[a.peerID]
	renew := hasLocal && now.Sub(a.meta[a.peerID].lastUpdated) >= a.timeout/2

	var stale []uint32
	for id, m := range a.meta {
		if id == a.peerID {
			continue
		}
		if _, ok := a.states[id]; ok && now.Sub(m.lastUpdated) >= a.timeout {
			stale = append(stale, id)
		}
	}
	a.mu.Unlock()

	if renew {
		a.SetLocalState(&local)
	}
	if len(stale) > 0 {
		slices.Sort(stale)
		a.RemoveStates(stale, types.OriginTimeout)
	}
}

// Start runs CheckOutdated periodically until ctx is done or Close is called.
func (a *Awareness) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.stopMu.Lock()
	if a.stop != nil {
		a.stopMu.Unlock()
		cancel()
		return
	}
	a.stop = cancel
	a.stopMu.Unlock()

	go func() {
		ticker := time.NewTicker(a.timeout / 10)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.CheckOutdated(a.now())
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close stops the staleness loop. It is safe to call more than once.
func (a *Awareness) Close() {
	a.stopMu.Lock()
	defer a.stopMu.Unlock()
	if a.stop != nil {
		a.stop()
	}
}

func (a *Awareness) listenerSnapshot() []Listener {
	ids := make([]int, 0, len(a.listeners))
	for id := range a.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, a.listeners[id])
	}
	return out
}

func notify(listeners []Listener, change Change, origin types.Origin) {
	if change.Empty() {
		return
	}
	for _, l := range listeners {
		l(change, origin)
	}
}
