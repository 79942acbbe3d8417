// Package client is the editing side of a document: a local replica that
// applies edits immediately, ships them to the server over a reconnecting
// WebSocket and merges everything the server relays back.
package client

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/serroba/scenesync/internal/awareness"
	"github.com/serroba/scenesync/internal/crdt"
	"github.com/serroba/scenesync/internal/oplog"
	"github.com/serroba/scenesync/internal/ws"
)

// ErrRejected is returned by Save when the server reports an error.
var ErrRejected = errors.New("request rejected")

// BackoffConfig controls reconnect delays.
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64

	// Jitter is the randomization factor applied to every delay.
	Jitter float64
}

// Config configures a Replica.
type Config struct {
	// URL of the WebSocket endpoint, e.g. ws://localhost:8080/ws.
	URL        string
	DocumentID string

	// Token is sent as a bearer token. Header carries anything else the
	// server needs, such as the development user header.
	Token  string
	Header http.Header

	ReplicaID crdt.ReplicaID
	Name      string

	Backoff BackoffConfig

	// Heartbeat is how often presence is re-announced. AwarenessTTL is how
	// long silent peers are kept.
	Heartbeat    time.Duration
	AwarenessTTL time.Duration

	Dialer  *websocket.Dialer
	Logger  zerolog.Logger
	OnError func(ws.ErrorPayload)
}

func (c *Config) defaults() {
	if c.ReplicaID == "" {
		c.ReplicaID = crdt.ReplicaID(uuid.NewString())
	}

	if c.Backoff.InitialInterval <= 0 {
		c.Backoff.InitialInterval = 250 * time.Millisecond
	}

	if c.Backoff.MaxInterval <= 0 {
		c.Backoff.MaxInterval = 10 * time.Second
	}

	if c.Backoff.Multiplier <= 1 {
		c.Backoff.Multiplier = 2
	}

	if c.Backoff.Jitter <= 0 {
		c.Backoff.Jitter = 0.3
	}

	if c.Heartbeat <= 0 {
		c.Heartbeat = 10 * time.Second
	}

	if c.AwarenessTTL <= 0 {
		c.AwarenessTTL = 3 * c.Heartbeat
	}

	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
}

// Replica is a local copy of one document.
//
// Edits are applied locally at once and kept in an outbox until the server
// acknowledges them, so they survive disconnects and are replayed on every
// reconnect.
type Replica struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	engine  *crdt.Engine
	outbox  []crdt.Operation
	changes []crdt.Change
	local   awareness.State

	listenersMu sync.Mutex
	listeners   map[int]func(crdt.Change)
	nextID      int

	presence *awareness.Table
	batcher  *oplog.Batcher
	outbound chan ws.Message

	savesMu sync.Mutex
	saves   []chan saveResult

	syncedOnce sync.Once
	synced     chan struct{}
}

type saveResult struct {
	saved ws.SavedPayload
	err   error
}

// New creates a disconnected replica. Call Run to connect.
func New(cfg Config) *Replica {
	cfg.defaults()

	r := &Replica{
		cfg:       cfg,
		logger:    cfg.Logger.With().Str("doc", cfg.DocumentID).Str("replica", string(cfg.ReplicaID)).Logger(),
		engine:    crdt.NewEngine(cfg.ReplicaID),
		listeners: make(map[int]func(crdt.Change)),
		presence:  awareness.NewTable(cfg.AwarenessTTL),
		batcher:   oplog.NewBatcher(),
		outbound:  make(chan ws.Message, 64),
		synced:    make(chan struct{}),
		local:     awareness.State{ReplicaID: cfg.ReplicaID, Name: cfg.Name},
	}

	r.engine.Subscribe(func(c crdt.Change) {
		r.changes = append(r.changes, c)
	})

	return r
}

// ReplicaID returns the id local operations are stamped with.
func (r *Replica) ReplicaID() crdt.ReplicaID {
	return r.cfg.ReplicaID
}

// Edit applies edit locally and queues it for the server.
func (r *Replica) Edit(edit crdt.Edit) (crdt.Operation, error) {
	r.mu.Lock()

	op, err := r.engine.ApplyLocal(edit)
	if err == nil {
		r.outbox = append(r.outbox, op)
	}

	r.mu.Unlock()

	if err != nil {
		return crdt.Operation{}, err
	}

	r.batcher.Add(op)
	r.dispatch()

	return op, nil
}

// InsertText types text at index inside the text node at path.
func (r *Replica) InsertText(path crdt.Path, index int, text string) ([]crdt.Operation, error) {
	r.mu.Lock()

	ops, err := r.engine.InsertText(path, index, text)
	r.outbox = append(r.outbox, ops...)

	r.mu.Unlock()

	r.batcher.Add(ops...)
	r.dispatch()

	return ops, err
}

// Materialize returns the current document tree.
func (r *Replica) Materialize() crdt.Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.engine.Materialize()
}

// Summary returns the replica's version summary.
func (r *Replica) Summary() crdt.VersionSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.engine.Summary()
}

// Pending returns the number of operations not yet acknowledged.
func (r *Replica) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.outbox)
}

// Subscribe calls fn after every change to the document, local or remote.
// The returned function removes the subscription.
func (r *Replica) Subscribe(fn func(crdt.Change)) func() {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()

	id := r.nextID
	r.nextID++
	r.listeners[id] = fn

	return func() {
		r.listenersMu.Lock()
		defer r.listenersMu.Unlock()

		delete(r.listeners, id)
	}
}

// dispatch delivers queued changes outside the engine lock so listeners can
// read the document.
func (r *Replica) dispatch() {
	r.mu.Lock()
	changes := r.changes
	r.changes = nil
	r.mu.Unlock()

	if len(changes) == 0 {
		return
	}

	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()

	ids := slices.Sorted(maps.Keys(r.listeners))

	for _, c := range changes {
		for _, id := range ids {
			r.listeners[id](c)
		}
	}
}

// Awareness returns the presence of the other replicas in the document.
func (r *Replica) Awareness() *awareness.Table {
	return r.presence
}

// SetPresence updates the local cursor and selection and announces them.
func (r *Replica) SetPresence(cursor *awareness.Cursor, selection []string) {
	r.mu.Lock()
	r.local.Cursor = cursor
	r.local.Selection = selection
	msg, err := r.presenceMessage()
	r.mu.Unlock()

	if err != nil {
		return
	}

	// A dropped announcement is repeated by the next heartbeat.
	select {
	case r.outbound <- msg:
	default:
	}
}

// presenceMessage must be called with r.mu held.
func (r *Replica) presenceMessage() (ws.Message, error) {
	r.local.Clock++

	return ws.NewMessage(ws.KindAwareness, r.cfg.DocumentID, r.local)
}

// Synced is closed once the first sync_state has been applied.
func (r *Replica) Synced() <-chan struct{} {
	return r.synced
}

// Save asks the server for a durable snapshot and waits for it.
func (r *Replica) Save(ctx context.Context) (ws.SavedPayload, error) {
	msg, err := ws.NewMessage(ws.KindSave, r.cfg.DocumentID, nil)
	if err != nil {
		return ws.SavedPayload{}, err
	}

	done := make(chan saveResult, 1)

	r.savesMu.Lock()
	r.saves = append(r.saves, done)
	r.savesMu.Unlock()

	select {
	case r.outbound <- msg:
	case <-ctx.Done():
		r.cancelSave(done)

		return ws.SavedPayload{}, ctx.Err()
	}

	select {
	case res := <-done:
		return res.saved, res.err
	case <-ctx.Done():
		r.cancelSave(done)

		return ws.SavedPayload{}, ctx.Err()
	}
}

func (r *Replica) cancelSave(done chan saveResult) {
	r.savesMu.Lock()
	defer r.savesMu.Unlock()

	r.saves = slices.DeleteFunc(r.saves, func(c chan saveResult) bool { return c == done })
}

func (r *Replica) finishSave(res saveResult) {
	r.savesMu.Lock()
	defer r.savesMu.Unlock()

	if len(r.saves) == 0 {
		return
	}

	r.saves[0] <- res
	r.saves = r.saves[1:]
}

func (r *Replica) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.Backoff.InitialInterval
	b.MaxInterval = r.cfg.Backoff.MaxInterval
	b.Multiplier = r.cfg.Backoff.Multiplier
	b.RandomizationFactor = r.cfg.Backoff.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	return b
}

// Run connects and keeps the replica connected until ctx is done, waiting
// with capped exponential backoff between attempts.
func (r *Replica) Run(ctx context.Context) error {
	b := r.newBackOff()

	go r.presence.Run(ctx, r.cfg.Heartbeat)

	for {
		err := r.connect(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if errors.Is(err, errSessionEstablished) {
			b.Reset()
		}

		delay := b.NextBackOff()
		r.logger.Info().Err(err).Dur("retry_in", delay).Msg("disconnected")

		timer := time.NewTimer(delay)

		select {
		case <-ctx.Done():
			timer.Stop()

			return ctx.Err()
		case <-timer.C:
		}
	}
}

var errSessionEstablished = errors.New("connection lost after sync")

func (r *Replica) dialURL() (string, error) {
	u, err := url.Parse(r.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	q := u.Query()
	q.Set("docId", r.cfg.DocumentID)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// connect runs one connection to completion.
func (r *Replica) connect(ctx context.Context) error {
	target, err := r.dialURL()
	if err != nil {
		return err
	}

	header := http.Header{}
	for k, v := range r.cfg.Header {
		header[k] = slices.Clone(v)
	}

	if r.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+r.cfg.Token)
	}

	conn, resp, err := r.cfg.Dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	defer conn.Close()

	c := &connection{replica: r, conn: conn}

	return c.serve(ctx)
}
