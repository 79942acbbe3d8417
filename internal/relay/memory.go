package relay

import (
	"context"
	"sync"
)

// Bus is an in-process relay shared by several nodes. It backs single-node
// deployments and multi-node tests.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[*busSub]struct{}
	closed bool
}

type busSub struct {
	node string
	ch   chan Envelope
	done chan struct{}
	once sync.Once
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[*busSub]struct{})}
}

// Endpoint returns the relay seen by one node.
func (b *Bus) Endpoint(node string) Relay {
	return &busEndpoint{bus: b, node: node}
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true

	for _, subs := range b.subs {
		for s := range subs {
			s.stop()
		}
	}

	b.subs = make(map[string]map[*busSub]struct{})
}

func (s *busSub) stop() {
	s.once.Do(func() {
		close(s.done)
	})
}

type busEndpoint struct {
	bus  *Bus
	node string
}

func (e *busEndpoint) Node() string {
	return e.node
}

func (e *busEndpoint) Publish(ctx context.Context, env Envelope) error {
	env.Node = e.node

	e.bus.mu.RLock()
	if e.bus.closed {
		e.bus.mu.RUnlock()

		return ErrClosed
	}

	targets := make([]*busSub, 0, len(e.bus.subs[env.DocumentID]))
	for s := range e.bus.subs[env.DocumentID] {
		if s.node != e.node {
			targets = append(targets, s)
		}
	}
	e.bus.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- env:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func (e *busEndpoint) Subscribe(_ context.Context, docID string) (Subscription, error) {
	s := &busSub{
		node: e.node,
		ch:   make(chan Envelope, subscriberBuffer),
		done: make(chan struct{}),
	}

	e.bus.mu.Lock()
	if e.bus.closed {
		e.bus.mu.Unlock()

		return Subscription{}, ErrClosed
	}

	if e.bus.subs[docID] == nil {
		e.bus.subs[docID] = make(map[*busSub]struct{})
	}

	e.bus.subs[docID][s] = struct{}{}
	e.bus.mu.Unlock()

	out := make(chan Envelope)

	go func() {
		defer close(out)

		for {
			select {
			case env := <-s.ch:
				select {
				case out <- env:
				case <-s.done:
					return
				}
			case <-s.done:
				return
			}
		}
	}()

	cancel := func() {
		e.bus.mu.Lock()
		delete(e.bus.subs[docID], s)

		if len(e.bus.subs[docID]) == 0 {
			delete(e.bus.subs, docID)
		}
		e.bus.mu.Unlock()

		s.stop()
	}

	return Subscription{Events: out, cancel: cancel}, nil
}
