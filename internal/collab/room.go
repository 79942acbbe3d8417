package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/serroba/scenesync/internal/acl"
	"github.com/serroba/scenesync/internal/awareness"
	"github.com/serroba/scenesync/internal/crdt"
	"github.com/serroba/scenesync/internal/oplog"
	"github.com/serroba/scenesync/internal/relay"
	"github.com/serroba/scenesync/internal/storage"
	"github.com/serroba/scenesync/internal/ws"
)

// Common errors.
var (
	ErrRoomClosed = errors.New("room is closed")
)

// trimThreshold is the retained log length above which the room drops
// operations already covered by a stored snapshot.
const trimThreshold = 1024

// member is what the room knows about one joined session.
type member struct {
	replica crdt.ReplicaID
	joined  bool
}

type delivery struct {
	session *Session
	msg     ws.Message
}

// roomConfig holds what a room needs from its manager.
type roomConfig struct {
	docID         string
	replica       crdt.ReplicaID
	persister     *storage.Persister
	relay         relay.Relay
	awarenessTTL  time.Duration
	sweepInterval time.Duration
	logger        zerolog.Logger
}

// Room serializes everything that happens to one open document through a
// single goroutine: joins, leaves, updates, presence and snapshot captures.
// The goroutine owns the room's engine, an observer replica that never edits
// and stands in for an existing member when a new one joins.
type Room struct {
	docID     string
	replica   crdt.ReplicaID
	persister *storage.Persister
	relay     relay.Relay
	sweep     time.Duration
	logger    zerolog.Logger

	engine   *crdt.Engine
	members  map[*Session]*member
	presence *awareness.Table

	joins    chan *Session
	leaves   chan *Session
	incoming chan delivery
	calls    chan func()
	relayOut chan relay.Envelope

	ready   chan struct{}
	done    chan struct{}
	stop    chan struct{}
	stopped sync.Once
	loadErr error

	finalMu sync.Mutex
	final   *storage.Snapshot
}

func newRoom(cfg roomConfig) *Room {
	return &Room{
		docID:     cfg.docID,
		replica:   cfg.replica,
		persister: cfg.persister,
		relay:     cfg.relay,
		sweep:     cfg.sweepInterval,
		logger:    cfg.logger.With().Str("doc", cfg.docID).Logger(),
		members:   make(map[*Session]*member),
		presence:  awareness.NewTable(cfg.awarenessTTL),
		joins:     make(chan *Session),
		leaves:    make(chan *Session),
		incoming:  make(chan delivery, 256),
		calls:     make(chan func()),
		relayOut:  make(chan relay.Envelope, 256),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		stop:      make(chan struct{}),
	}
}

// start loads the document and runs the room loop until close is called.
func (r *Room) start(ctx context.Context) {
	go r.run(ctx)
}

func (r *Room) run(ctx context.Context) {
	defer close(r.done)

	var sub relay.Subscription

	if r.relay != nil {
		var err error

		sub, err = r.relay.Subscribe(ctx, r.docID)
		if err != nil {
			r.logger.Error().Err(err).Msg("relay subscribe failed, running without relay")
		} else {
			defer sub.Close()

			go r.publishLoop()
		}
	}

	if err := r.load(ctx); err != nil {
		r.loadErr = err
		r.logger.Error().Err(err).Msg("load failed")
		close(r.ready)

		return
	}

	close(r.ready)
	r.logger.Info().Int("log", r.engine.LogLen()).Msg("room opened")

	sweep := time.NewTicker(r.sweep)
	defer sweep.Stop()

	for {
		select {
		case s := <-r.joins:
			r.members[s] = &member{}
		case s := <-r.leaves:
			r.handleLeave(s)
		case d := <-r.incoming:
			r.handleMessage(d.session, d.msg)
		case fn := <-r.calls:
			fn()
		case env, ok := <-sub.Events:
			if !ok {
				sub.Events = nil

				continue
			}

			r.handleRelay(env)
		case <-sweep.C:
			r.expirePresence()
			r.trimLog()
		case <-r.stop:
			r.shutdown()

			return
		}
	}
}

func (r *Room) load(ctx context.Context) error {
	if r.persister == nil {
		r.engine = crdt.NewEngine(r.replica)

		return nil
	}

	loaded, err := r.persister.Load(ctx, r.docID)
	if err != nil {
		return err
	}

	engine, err := loaded.Rehydrate(r.replica)

	var gap *crdt.CausalGapError

	switch {
	case errors.As(err, &gap):
		r.logger.Warn().Err(err).Msg("operation log has gaps, continuing with buffered operations")
	case err != nil:
		return err
	}

	r.engine = engine

	return nil
}

// shutdown runs on the room goroutine when the room closes. It captures the
// final state for close to store.
func (r *Room) shutdown() {
	for s := range r.members {
		s.enqueueError(r.docID, ws.ErrorCodeRoomClosed, "document closed")
		s.Shutdown()
	}

	if len(r.engine.Summary()) == 0 {
		return
	}

	snap, err := r.captureNow()
	if err != nil {
		r.logger.Error().Err(err).Msg("final capture failed")

		return
	}

	r.finalMu.Lock()
	r.final = &snap
	r.finalMu.Unlock()
}

// close stops the room and stores its final snapshot.
func (r *Room) close(ctx context.Context) error {
	r.stopped.Do(func() {
		close(r.stop)
	})

	<-r.done

	if r.loadErr != nil || r.persister == nil {
		return nil
	}

	r.finalMu.Lock()
	final := r.final
	r.finalMu.Unlock()

	if final == nil {
		return nil
	}

	_, err := r.persister.Save(ctx, r.docID, func(context.Context) (storage.Snapshot, error) {
		return *final, nil
	})

	r.persister.Forget(r.docID)

	return err
}

// loadFailed reports whether the initial load finished with an error. It
// does not wait for a load still in progress.
func (r *Room) loadFailed() bool {
	select {
	case <-r.ready:
		return r.loadErr != nil
	default:
		return false
	}
}

// awaitReady waits for the initial load.
func (r *Room) awaitReady(ctx context.Context) error {
	select {
	case <-r.ready:
		return r.loadErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) join(ctx context.Context, s *Session) error {
	if err := r.awaitReady(ctx); err != nil {
		return err
	}

	select {
	case r.joins <- s:
		return nil
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) leave(s *Session) {
	select {
	case r.leaves <- s:
	case <-r.done:
	}
}

func (r *Room) deliver(ctx context.Context, s *Session, msg ws.Message) error {
	select {
	case r.incoming <- delivery{session: s, msg: msg}:
		return nil
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the room goroutine and waits for it.
func (r *Room) call(ctx context.Context, fn func()) error {
	if err := r.awaitReady(ctx); err != nil {
		return err
	}

	finished := make(chan struct{})

	select {
	case r.calls <- func() { fn(); close(finished) }:
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-r.done:
		return ErrRoomClosed
	}
}

// post runs fn on the room goroutine without waiting.
func (r *Room) post(fn func()) {
	go func() {
		select {
		case r.calls <- fn:
		case <-r.done:
		}
	}()
}

func (r *Room) handleMessage(s *Session, msg ws.Message) {
	m, ok := r.members[s]
	if !ok {
		return
	}

	if !m.joined && msg.Kind != ws.KindJoin {
		s.enqueueError(r.docID, ws.ErrorCodeInvalidMessage, "join first")

		return
	}

	switch msg.Kind {
	case ws.KindJoin:
		r.handleJoin(s, m, msg)
	case ws.KindUpdate:
		r.handleUpdate(s, msg)
	case ws.KindState:
		r.handleState(s, msg)
	case ws.KindResyncRequest:
		r.sendFullState(s)
	case ws.KindAwareness:
		r.handleAwareness(s, m, msg)
	case ws.KindSave:
		r.handleSave(s)
	default:
		s.enqueueError(r.docID, ws.ErrorCodeInvalidMessage, fmt.Sprintf("unexpected %s message", msg.Kind))
	}
}

func (r *Room) handleJoin(s *Session, m *member, msg ws.Message) {
	var payload ws.JoinPayload
	if err := msg.Decode(&payload); err != nil || payload.ReplicaID == "" {
		s.enqueueError(r.docID, ws.ErrorCodeInvalidMessage, "join needs a replica id")

		return
	}

	m.replica = payload.ReplicaID
	m.joined = true

	state := ws.SyncStatePayload{
		Summary: r.engine.Summary(),
		Peers:   r.presence.States(),
	}

	if ops, ok := r.engine.OpsSince(payload.Summary); ok {
		state.Mode = ws.SyncDelta
		state.Ops = oplog.Encode(ops)
	} else {
		data, err := r.engine.Serialize()
		if err != nil {
			s.enqueueError(r.docID, ws.ErrorCodeInternalError, "serialize state")

			return
		}

		state.Mode = ws.SyncFull
		state.State = data
	}

	r.logger.Debug().
		Str("replica", string(m.replica)).
		Str("mode", string(state.Mode)).
		Msg("member joined")

	s.enqueuePayload(ws.KindSyncState, r.docID, state)
}

func (r *Room) sendFullState(s *Session) {
	data, err := r.engine.Serialize()
	if err != nil {
		s.enqueueError(r.docID, ws.ErrorCodeInternalError, "serialize state")

		return
	}

	s.enqueuePayload(ws.KindSyncState, r.docID, ws.SyncStatePayload{
		Mode:    ws.SyncFull,
		State:   data,
		Summary: r.engine.Summary(),
		Peers:   r.presence.States(),
	})
}

func (r *Room) handleUpdate(s *Session, msg ws.Message) {
	if !s.Role.Allows(acl.ActionWrite) {
		s.enqueueError(r.docID, ws.ErrorCodeAccessDenied, "read-only access")

		return
	}

	var payload ws.UpdatePayload
	if err := msg.Decode(&payload); err != nil {
		s.enqueuePayload(ws.KindResyncRequest, r.docID, r.resyncRequest(ws.ReasonDecode))

		return
	}

	ops, err := oplog.Decode(payload.Ops)
	if err != nil {
		r.logger.Warn().Err(err).Str("session", s.ID).Msg("undecodable update")
		s.enqueuePayload(ws.KindResyncRequest, r.docID, r.resyncRequest(ws.ReasonDecode))

		return
	}

	applied, err := r.engine.ApplyRemoteBatch(ops)

	if len(applied) > 0 {
		r.distribute(s, ops, applied)
		r.publish(relay.KindUpdate, oplog.Encode(applied))
	}

	var gap *crdt.CausalGapError

	switch {
	case errors.As(err, &gap):
		r.logger.Debug().Err(err).Str("session", s.ID).Msg("update has a causal gap")
		s.enqueuePayload(ws.KindResyncRequest, r.docID, r.resyncRequest(ws.ReasonGap))
	case err != nil:
		s.enqueueError(r.docID, ws.ErrorCodeInvalidMessage, err.Error())
	}

	s.enqueuePayload(ws.KindAck, r.docID, ws.AckPayload{Summary: r.engine.Summary()})
}

// resyncRequest carries the room's summary so the member can push whatever
// the room is missing.
func (r *Room) resyncRequest(reason string) ws.ResyncRequestPayload {
	return ws.ResyncRequestPayload{Reason: reason, Summary: r.engine.Summary()}
}

// handleState merges a full state pushed by a member that holds operations
// the room lost, for example after a restart from an older snapshot.
func (r *Room) handleState(s *Session, msg ws.Message) {
	if !s.Role.Allows(acl.ActionWrite) {
		s.enqueueError(r.docID, ws.ErrorCodeAccessDenied, "read-only access")

		return
	}

	var payload ws.SyncStatePayload
	if err := msg.Decode(&payload); err != nil || payload.Mode != ws.SyncFull {
		s.enqueueError(r.docID, ws.ErrorCodeInvalidMessage, "state needs a full snapshot")

		return
	}

	before := r.engine.Summary()

	if err := r.engine.Merge(payload.State); err != nil {
		r.logger.Warn().Err(err).Str("session", s.ID).Msg("rejected pushed state")
		s.enqueueError(r.docID, ws.ErrorCodeInvalidMessage, err.Error())

		return
	}

	if !r.engine.Summary().Equal(before) {
		r.logger.Info().Str("session", s.ID).Msg("merged pushed state")

		// A merge that rebuilt the log leaves full state as the only way to
		// bring the others along.
		if ops, ok := r.engine.OpsSince(before); ok {
			r.distribute(s, ops, ops)
			r.publish(relay.KindUpdate, oplog.Encode(ops))
		} else {
			for other, m := range r.members {
				if other != s && m.joined {
					r.sendFullState(other)
				}
			}

			if r.persister != nil {
				r.persister.Schedule(r.docID, r.capture)
			}
		}
	}

	s.enqueuePayload(ws.KindAck, r.docID, ws.AckPayload{Summary: r.engine.Summary()})
}

// distribute fans newly applied operations out to the other members, logs
// them and schedules a snapshot. The originator also receives any buffered
// operations its batch unblocked.
func (r *Room) distribute(origin *Session, batch, applied []crdt.Operation) {
	update, err := ws.NewMessage(ws.KindUpdate, r.docID, ws.UpdatePayload{Ops: oplog.Encode(applied)})
	if err != nil {
		r.logger.Error().Err(err).Msg("encode update")

		return
	}

	for s, m := range r.members {
		if s == origin || !m.joined {
			continue
		}

		s.Enqueue(update)
	}

	if origin != nil {
		sent := make(map[crdt.OpID]struct{}, len(batch))
		for _, op := range batch {
			sent[op.ID] = struct{}{}
		}

		var extra []crdt.Operation

		for _, op := range applied {
			if _, ok := sent[op.ID]; !ok {
				extra = append(extra, op)
			}
		}

		if len(extra) > 0 {
			origin.enqueuePayload(ws.KindUpdate, r.docID, ws.UpdatePayload{Ops: oplog.Encode(extra)})
		}
	}

	if r.persister != nil {
		r.persister.AppendOperations(r.docID, applied)
		r.persister.Schedule(r.docID, r.capture)
	}
}

func (r *Room) handleAwareness(s *Session, m *member, msg ws.Message) {
	var state awareness.State
	if err := msg.Decode(&state); err != nil {
		s.enqueueError(r.docID, ws.ErrorCodeInvalidMessage, "bad awareness state")

		return
	}

	state.ReplicaID = m.replica
	state.UserID = s.UserID
	state.Removed = false
	state.UpdatedAt = time.Now().UTC()

	if !r.presence.Apply(state) {
		return
	}

	if current, ok := r.presence.Get(m.replica); ok {
		state = current
	}

	r.broadcastAwareness(s, state)

	if data, err := json.Marshal(state); err == nil {
		r.publish(relay.KindAwareness, data)
	}
}

func (r *Room) broadcastAwareness(origin *Session, state awareness.State) {
	msg, err := ws.NewMessage(ws.KindAwareness, r.docID, state)
	if err != nil {
		return
	}

	for s, m := range r.members {
		if s != origin && m.joined {
			s.Enqueue(msg)
		}
	}
}

func (r *Room) handleLeave(s *Session) {
	m, ok := r.members[s]
	if !ok {
		return
	}

	delete(r.members, s)

	if m.replica == "" {
		return
	}

	// Another session may still be using the same replica.
	for _, other := range r.members {
		if other.replica == m.replica {
			return
		}
	}

	state, ok := r.presence.Remove(m.replica)
	if !ok {
		return
	}

	r.announceRemoved(state)
}

func (r *Room) announceRemoved(state awareness.State) {
	state.Clock++
	state.Removed = true
	state.UpdatedAt = time.Now().UTC()

	r.broadcastAwareness(nil, state)

	if data, err := json.Marshal(state); err == nil {
		r.publish(relay.KindAwareness, data)
	}
}

func (r *Room) expirePresence() {
	for _, state := range r.presence.Expire() {
		r.logger.Debug().Str("replica", string(state.ReplicaID)).Msg("presence expired")
		r.announceRemoved(state)
	}
}

// trimLog drops retained operations that a stored snapshot already covers.
func (r *Room) trimLog() {
	if r.persister == nil || r.engine.LogLen() < trimThreshold {
		return
	}

	if last, ok := r.persister.LastSaved(r.docID); ok {
		r.engine.TrimLog(last.VersionSummary)
	}
}

func (r *Room) handleSave(s *Session) {
	if !s.Role.Allows(acl.ActionWrite) {
		s.enqueueError(r.docID, ws.ErrorCodeAccessDenied, "read-only access")

		return
	}

	if r.persister == nil {
		s.enqueueError(r.docID, ws.ErrorCodeInternalError, "persistence disabled")

		return
	}

	snap, err := r.captureNow()
	if err != nil {
		s.enqueueError(r.docID, ws.ErrorCodeInternalError, err.Error())

		return
	}

	snap.Author = s.UserID

	go func() {
		stored, err := r.persister.Save(context.Background(), r.docID, func(context.Context) (storage.Snapshot, error) {
			return snap, nil
		})
		if err != nil {
			s.enqueueError(r.docID, ws.ErrorCodePersistenceFailed, err.Error())

			return
		}

		s.enqueuePayload(ws.KindSaved, r.docID, ws.SavedPayload{
			SnapshotID: stored.ID,
			Summary:    stored.VersionSummary,
			CapturedAt: stored.CapturedAt,
		})
	}()
}

// captureNow serializes the engine. It must run on the room goroutine.
func (r *Room) captureNow() (storage.Snapshot, error) {
	data, err := r.engine.Serialize()
	if err != nil {
		return storage.Snapshot{}, err
	}

	return storage.NewSnapshot(r.docID, data, r.engine.Summary(), ""), nil
}

// capture is the persister's view of the room: it hops onto the room
// goroutine to serialize the engine, or returns the final state once the
// room has closed.
func (r *Room) capture(ctx context.Context) (storage.Snapshot, error) {
	var (
		snap storage.Snapshot
		err  error
	)

	callErr := r.call(ctx, func() {
		snap, err = r.captureNow()
	})
	if errors.Is(callErr, ErrRoomClosed) {
		r.finalMu.Lock()
		defer r.finalMu.Unlock()

		if r.final != nil {
			return *r.final, nil
		}
	}

	if callErr != nil {
		return storage.Snapshot{}, callErr
	}

	return snap, err
}

// reportFailure tells every member that a write gave up.
func (r *Room) reportFailure(err error) {
	r.post(func() {
		for s, m := range r.members {
			if m.joined {
				s.enqueueError(r.docID, ws.ErrorCodePersistenceFailed, err.Error())
			}
		}
	})
}

func (r *Room) handleRelay(env relay.Envelope) {
	switch env.Kind {
	case relay.KindUpdate:
		ops, err := oplog.Decode(env.Payload)
		if err != nil {
			r.logger.Warn().Err(err).Str("node", env.Node).Msg("undecodable relayed update")

			return
		}

		applied, err := r.engine.ApplyRemoteBatch(ops)
		if len(applied) > 0 {
			r.distribute(nil, nil, applied)
		}

		var gap *crdt.CausalGapError
		if errors.As(err, &gap) {
			r.logger.Info().Err(err).Str("node", env.Node).Msg("relayed update has a gap, reloading from storage")
			r.reload()
		}
	case relay.KindAwareness:
		var state awareness.State
		if err := json.Unmarshal(env.Payload, &state); err != nil {
			return
		}

		if r.presence.Apply(state) {
			r.broadcastAwareness(nil, state)
		}
	}
}

// reload merges the stored state into the room in the background and asks
// every member to resync.
func (r *Room) reload() {
	if r.persister == nil {
		return
	}

	go func() {
		loaded, err := r.persister.Load(context.Background(), r.docID)
		if err != nil {
			r.logger.Error().Err(err).Msg("reload failed")

			return
		}

		r.post(func() {
			if loaded.Snapshot != nil {
				if err := r.engine.Merge(loaded.Snapshot.State); err != nil {
					r.logger.Error().Err(err).Msg("merge stored state")

					return
				}
			}

			var gap *crdt.CausalGapError

			if _, err := r.engine.ApplyRemoteBatch(loaded.Ops); errors.As(err, &gap) {
				r.logger.Warn().Err(err).Int("missing", len(gap.Missing)).Msg("stored operations have a causal gap")
			} else if err != nil {
				r.logger.Error().Err(err).Msg("apply stored operations")
			}

			for s, m := range r.members {
				if m.joined {
					s.enqueuePayload(ws.KindResyncRequest, r.docID, r.resyncRequest(ws.ReasonState))
				}
			}
		})
	}()
}

func (r *Room) publish(kind relay.Kind, payload []byte) {
	if r.relay == nil {
		return
	}

	select {
	case r.relayOut <- relay.Envelope{DocumentID: r.docID, Kind: kind, Payload: payload}:
	default:
		r.logger.Warn().Str("kind", string(kind)).Msg("relay queue full, dropping envelope")
	}
}

// publishLoop sends relay envelopes in order, off the room goroutine.
func (r *Room) publishLoop() {
	for {
		select {
		case env := <-r.relayOut:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.relay.Publish(ctx, env); err != nil {
				r.logger.Warn().Err(err).Msg("relay publish failed")
			}
			cancel()
		case <-r.done:
			return
		}
	}
}

// View is a read-only projection of a document.
type View struct {
	DocumentID string              `json:"documentId"`
	Summary    crdt.VersionSummary `json:"summary"`
	Root       crdt.Node           `json:"root"`
	Text       string              `json:"text"`
	Live       bool                `json:"live"`
}

func (r *Room) view(ctx context.Context) (View, error) {
	var v View

	err := r.call(ctx, func() {
		root := r.engine.Materialize()
		v = View{
			DocumentID: r.docID,
			Summary:    r.engine.Summary(),
			Root:       root,
			Text:       root.Text(),
			Live:       true,
		}
	})

	return v, err
}

func (r *Room) presenceStates(ctx context.Context) ([]awareness.State, error) {
	var states []awareness.State

	err := r.call(ctx, func() {
		states = r.presence.States()
	})

	return states, err
}

func (r *Room) save(ctx context.Context, author string) (storage.Snapshot, error) {
	if r.persister == nil {
		return storage.Snapshot{}, errors.New("persistence disabled")
	}

	var (
		snap storage.Snapshot
		err  error
	)

	if callErr := r.call(ctx, func() { snap, err = r.captureNow() }); callErr != nil {
		return storage.Snapshot{}, callErr
	}

	if err != nil {
		return storage.Snapshot{}, err
	}

	snap.Author = author

	return r.persister.Save(ctx, r.docID, func(context.Context) (storage.Snapshot, error) {
		return snap, nil
	})
}

// memberCount reports how many sessions are attached, joined or not.
func (r *Room) memberCount(ctx context.Context) (int, error) {
	var n int

	err := r.call(ctx, func() { n = len(r.members) })

	return n, err
}
