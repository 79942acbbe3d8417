// Package awareness tracks ephemeral presence: who is in a document, where
// their cursor is and which colour they are drawn with. Nothing here is ever
// persisted or merged into document state.
package awareness

import (
	"context"
	"hash/fnv"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/serroba/scenesync/internal/crdt"
)

// Cursor is a caret position relative to a document node.
type Cursor struct {
	NodeID string `json:"nodeId,omitempty"`
	Offset int    `json:"offset"`
}

// State is one replica's presence.
type State struct {
	ReplicaID crdt.ReplicaID `json:"replicaId"`
	UserID    string         `json:"userId"`
	Name      string         `json:"name,omitempty"`
	Color     string         `json:"color,omitempty"`
	Cursor    *Cursor        `json:"cursor,omitempty"`
	Selection []string       `json:"selection,omitempty"`

	// Clock increases with every update the replica publishes; older
	// updates are discarded.
	Clock uint64 `json:"clock"`

	// Removed announces that the replica left.
	Removed bool `json:"removed,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// EventKind tells subscribers what happened to a state.
type EventKind int

const (
	Updated EventKind = iota
	Removed
)

// Event is delivered to subscribers.
type Event struct {
	Kind  EventKind
	State State
}

var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4",
	"#42d4f4", "#f032e6", "#469990", "#9a6324", "#800000",
}

// ColorFor returns the colour assigned to a user. The same user always gets
// the same colour on every replica.
func ColorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))

	return palette[h.Sum32()%uint32(len(palette))]
}

// Table holds the presence of every replica in one document.
type Table struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	states map[crdt.ReplicaID]State
	subs   map[int]chan Event
	nextID int
}

// Option configures a Table.
type Option func(*Table)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Table) {
		t.now = now
	}
}

// NewTable creates a table that forgets replicas silent for longer than ttl.
func NewTable(ttl time.Duration, opts ...Option) *Table {
	t := &Table{
		ttl:    ttl,
		now:    time.Now,
		states: make(map[crdt.ReplicaID]State),
		subs:   make(map[int]chan Event),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Publish records s without reporting whether it was accepted.
func (t *Table) Publish(s State) {
	t.Apply(s)
}

// Apply records s and reports whether it changed the table. Updates with a
// clock not newer than the stored one are stale and ignored; a Removed
// update deletes the entry.
func (t *Table) Apply(s State) bool {
	if s.ReplicaID == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.states[s.ReplicaID]
	if ok && s.Clock <= current.Clock {
		return false
	}

	if s.Removed {
		if !ok {
			return false
		}

		delete(t.states, s.ReplicaID)
		t.emit(Event{Kind: Removed, State: s})

		return true
	}

	if s.Color == "" {
		s.Color = ColorFor(s.UserID)
	}

	s.UpdatedAt = t.now()
	t.states[s.ReplicaID] = s
	t.emit(Event{Kind: Updated, State: s})

	return true
}

// Touch refreshes the heartbeat of a replica without changing its state.
func (t *Table) Touch(replica crdt.ReplicaID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.states[replica]; ok {
		s.UpdatedAt = t.now()
		t.states[replica] = s
	}
}

// Remove deletes a replica, typically when its session closes.
func (t *Table) Remove(replica crdt.ReplicaID) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.states[replica]
	if !ok {
		return State{}, false
	}

	delete(t.states, replica)

	s.Removed = true
	s.Clock++
	t.emit(Event{Kind: Removed, State: s})

	return s, true
}

// Expire evicts every replica whose last heartbeat is older than the TTL,
// independently of whether its connection is still open.
func (t *Table) Expire() []State {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.ttl)

	var expired []State

	for _, replica := range slices.Sorted(maps.Keys(t.states)) {
		s := t.states[replica]
		if s.UpdatedAt.After(cutoff) {
			continue
		}

		delete(t.states, replica)

		s.Removed = true
		s.Clock++
		expired = append(expired, s)
		t.emit(Event{Kind: Removed, State: s})
	}

	return expired
}

// Get returns the state of one replica.
func (t *Table) Get(replica crdt.ReplicaID) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.states[replica]

	return s, ok
}

// States returns every live state ordered by replica id.
func (t *Table) States() []State {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]State, 0, len(t.states))
	for _, replica := range slices.Sorted(maps.Keys(t.states)) {
		out = append(out, t.states[replica])
	}

	return out
}

// Len returns the number of live states.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.states)
}

// Subscribe returns a channel of presence events and a cancel function.
// Slow subscribers miss events rather than block publishers.
func (t *Table) Subscribe() (<-chan Event, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID
	t.nextID++

	ch := make(chan Event, 64)
	t.subs[id] = ch

	return ch, func() {
		t.mu.Lock()
		defer t.mu.Unlock()

		if sub, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(sub)
		}
	}
}

// Run evicts expired replicas every interval until ctx is done.
func (t *Table) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Expire()
		}
	}
}

// emit must be called with t.mu held.
func (t *Table) emit(e Event) {
	for _, id := range slices.Sorted(maps.Keys(t.subs)) {
		select {
		case t.subs[id] <- e:
		default:
		}
	}
}
