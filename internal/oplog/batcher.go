package oplog

import (
	"sync"

	"github.com/serroba/scenesync/internal/crdt"
)

// Batcher collects operations produced in quick succession so they leave as
// one UPDATE. Producers call Add; a single consumer waits on Ready and calls
// Take.
type Batcher struct {
	mu    sync.Mutex
	ops   []crdt.Operation
	ready chan struct{}
}

// NewBatcher creates an empty batcher.
func NewBatcher() *Batcher {
	return &Batcher{ready: make(chan struct{}, 1)}
}

// Add appends ops and wakes the consumer.
func (b *Batcher) Add(ops ...crdt.Operation) {
	if len(ops) == 0 {
		return
	}

	b.mu.Lock()
	b.ops = append(b.ops, ops...)
	b.mu.Unlock()

	select {
	case b.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled whenever operations are waiting.
func (b *Batcher) Ready() <-chan struct{} {
	return b.ready
}

// Take returns everything collected so far and empties the batcher.
func (b *Batcher) Take() []crdt.Operation {
	b.mu.Lock()
	defer b.mu.Unlock()

	ops := b.ops
	b.ops = nil

	return ops
}

// Len returns the number of waiting operations.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.ops)
}
