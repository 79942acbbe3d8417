// Package relay fans room traffic out across server nodes so that clients of
// the same document connected to different nodes still converge.
package relay

import (
	"context"
	"errors"
)

// ErrClosed is returned when publishing on a closed relay.
var ErrClosed = errors.New("relay closed")

// Kind identifies what a relayed envelope carries.
type Kind string

const (
	// KindUpdate carries an encoded operation batch.
	KindUpdate Kind = "update"
	// KindAwareness carries one JSON encoded awareness state.
	KindAwareness Kind = "awareness"
)

// Envelope is one message exchanged between nodes.
type Envelope struct {
	Node       string `json:"node"`
	DocumentID string `json:"documentId"`
	Kind       Kind   `json:"kind"`
	Payload    []byte `json:"payload"`
}

// Subscription delivers envelopes published by other nodes for one document.
type Subscription struct {
	Events <-chan Envelope
	cancel func()
}

// Close stops the subscription and releases its resources.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Relay publishes and receives room traffic. Envelopes a node publishes are
// never delivered back to that node.
type Relay interface {
	Node() string
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, docID string) (Subscription, error)
}

// Channel returns the pub/sub channel name for a document.
func Channel(docID string) string {
	return "collab:doc:" + docID
}

const subscriberBuffer = 256
