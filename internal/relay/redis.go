package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis relays envelopes over Redis pub/sub, one channel per document.
type Redis struct {
	client redis.UniversalClient
	node   string
	logger zerolog.Logger
}

// NewRedis creates a relay for node on top of client.
func NewRedis(client redis.UniversalClient, node string, logger zerolog.Logger) *Redis {
	return &Redis{
		client: client,
		node:   node,
		logger: logger.With().Str("component", "relay").Str("node", node).Logger(),
	}
}

// Node returns the id stamped on published envelopes.
func (r *Redis) Node() string {
	return r.node
}

// Publish sends env to every other node subscribed to its document.
func (r *Redis) Publish(ctx context.Context, env Envelope) error {
	env.Node = r.node

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	return r.client.Publish(ctx, Channel(env.DocumentID), data).Err()
}

// Subscribe listens for envelopes other nodes publish for docID.
func (r *Redis) Subscribe(ctx context.Context, docID string) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, Channel(docID))

	// Wait for the subscription to be confirmed so nothing published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()

		return Subscription{}, fmt.Errorf("subscribe %s: %w", docID, err)
	}

	out := make(chan Envelope, subscriberBuffer)
	done := make(chan struct{})

	var once sync.Once

	go func() {
		defer close(out)

		for msg := range pubsub.Channel() {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Warn().Err(err).Str("doc", docID).Msg("dropping malformed envelope")

				continue
			}

			if env.Node == r.node {
				continue
			}

			select {
			case out <- env:
			case <-done:
				return
			}
		}
	}()

	cancel := func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}

	return Subscription{Events: out, cancel: cancel}, nil
}

// Ensure Redis implements Relay.
var _ Relay = (*Redis)(nil)
