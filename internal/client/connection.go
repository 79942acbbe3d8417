package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/serroba/scenesync/internal/awareness"
	"github.com/serroba/scenesync/internal/crdt"
	"github.com/serroba/scenesync/internal/oplog"
	"github.com/serroba/scenesync/internal/ws"
)

const writeTimeout = 10 * time.Second

// maxDeltaResyncs is how many resync requests in a row are answered with
// operations before the replica falls back to pushing its full state.
const maxDeltaResyncs = 2

// connection is one live WebSocket session. Only serve writes to conn.
type connection struct {
	replica *Replica
	conn    *websocket.Conn
	synced  bool

	// Resync requests from the server are answered at once the first time
	// and then with growing delays until an ack shows the server caught up.
	resyncs       int
	resyncBackoff *backoff.ExponentialBackOff
	resyncTimer   *time.Timer
	resyncAt      <-chan time.Time
	resyncSummary crdt.VersionSummary
}

func (c *connection) serve(ctx context.Context) error {
	r := c.replica

	inbound := make(chan ws.Message)
	readErr := make(chan error, 1)
	stop := make(chan struct{})

	defer close(stop)

	go func() {
		for {
			var msg ws.Message
			if err := c.conn.ReadJSON(&msg); err != nil {
				readErr <- err

				return
			}

			select {
			case inbound <- msg:
			case <-stop:
				return
			}
		}
	}()

	// Everything queued while offline is in the outbox and goes out with the
	// join.
	r.batcher.Take()

	if err := c.join(); err != nil {
		return err
	}

	heartbeat := time.NewTicker(r.cfg.Heartbeat)
	defer heartbeat.Stop()

	c.resyncBackoff = r.newBackOff()

	defer func() {
		if c.resyncTimer != nil {
			c.resyncTimer.Stop()
		}
	}()

	for {
		var err error

		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))

			return ctx.Err()
		case err = <-readErr:
			return c.lost(err)
		case msg := <-inbound:
			err = c.handle(msg)
		case <-r.batcher.Ready():
			if ops := r.batcher.Take(); len(ops) > 0 {
				err = c.write(ws.KindUpdate, ws.UpdatePayload{Ops: oplog.Encode(ops)})
			}
		case msg := <-r.outbound:
			err = c.send(msg)
		case <-heartbeat.C:
			err = c.announce()
		case <-c.resyncAt:
			c.resyncAt = nil
			err = c.reconcile()
		}

		if err != nil {
			return c.lost(err)
		}
	}
}

// lost marks errors that ended a connection which had synced, so Run resets
// its backoff.
func (c *connection) lost(err error) error {
	if c.synced {
		return fmt.Errorf("%w: %w", errSessionEstablished, err)
	}

	return err
}

func (c *connection) send(msg ws.Message) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}

	return c.conn.WriteJSON(msg)
}

func (c *connection) write(kind ws.Kind, payload any) error {
	msg, err := ws.NewMessage(kind, c.replica.cfg.DocumentID, payload)
	if err != nil {
		return err
	}

	return c.send(msg)
}

// join announces the replica and replays every unacknowledged operation.
func (c *connection) join() error {
	r := c.replica

	r.mu.Lock()
	join := ws.JoinPayload{ReplicaID: r.cfg.ReplicaID, Summary: r.engine.Summary(), Name: r.cfg.Name}
	outbox := append([]crdt.Operation(nil), r.outbox...)
	r.mu.Unlock()

	if err := c.write(ws.KindJoin, join); err != nil {
		return err
	}

	if len(outbox) > 0 {
		if err := c.write(ws.KindUpdate, ws.UpdatePayload{Ops: oplog.Encode(outbox)}); err != nil {
			return err
		}
	}

	return c.announce()
}

func (c *connection) announce() error {
	r := c.replica

	r.mu.Lock()
	msg, err := r.presenceMessage()
	r.mu.Unlock()

	if err != nil {
		return err
	}

	return c.send(msg)
}

func (c *connection) requestResync(reason string) error {
	c.replica.logger.Warn().Str("reason", reason).Msg("requesting resync")

	return c.write(ws.KindResyncRequest, ws.ResyncRequestPayload{Reason: reason})
}

func (c *connection) handle(msg ws.Message) error {
	r := c.replica

	switch msg.Kind {
	case ws.KindSyncState:
		var state ws.SyncStatePayload
		if err := msg.Decode(&state); err != nil {
			return c.requestResync(ws.ReasonDecode)
		}

		return c.applySync(state)

	case ws.KindUpdate:
		var payload ws.UpdatePayload
		if err := msg.Decode(&payload); err != nil {
			return c.requestResync(ws.ReasonDecode)
		}

		return c.applyOps(payload.Ops)

	case ws.KindAck:
		var ack ws.AckPayload
		if err := msg.Decode(&ack); err != nil {
			return nil
		}

		if r.acknowledge(ack.Summary) {
			c.caughtUp()
		}

	case ws.KindResyncRequest:
		var req ws.ResyncRequestPayload
		_ = msg.Decode(&req)

		return c.scheduleResync(req)

	case ws.KindAwareness:
		var state awareness.State
		if err := msg.Decode(&state); err != nil || state.ReplicaID == r.cfg.ReplicaID {
			return nil
		}

		r.presence.Apply(state)

	case ws.KindSaved:
		var saved ws.SavedPayload
		if err := msg.Decode(&saved); err == nil {
			r.finishSave(saveResult{saved: saved})
		}

	case ws.KindError:
		var payload ws.ErrorPayload
		if err := msg.Decode(&payload); err != nil {
			return nil
		}

		r.logger.Warn().Str("code", payload.Code).Str("message", payload.Message).Msg("server error")

		switch payload.Code {
		case ws.ErrorCodePersistenceFailed, ws.ErrorCodeAccessDenied, ws.ErrorCodeInternalError:
			r.finishSave(saveResult{err: fmt.Errorf("%w: %s", ErrRejected, payload.Message)})
		}

		if r.cfg.OnError != nil {
			r.cfg.OnError(payload)
		}

		if payload.Code == ws.ErrorCodeRoomClosed {
			return errors.New("room closed by server")
		}

	default:
		r.logger.Debug().Str("kind", string(msg.Kind)).Msg("ignoring message")
	}

	return nil
}

func (c *connection) applySync(state ws.SyncStatePayload) error {
	r := c.replica

	switch state.Mode {
	case ws.SyncDelta:
		if err := c.applyOps(state.Ops); err != nil {
			return err
		}
	case ws.SyncFull:
		r.mu.Lock()
		err := r.engine.Merge(state.State)
		r.mu.Unlock()

		r.dispatch()

		if err != nil {
			return fmt.Errorf("merge full state: %w", err)
		}
	default:
		return c.requestResync(ws.ReasonState)
	}

	for _, peer := range state.Peers {
		if peer.ReplicaID != r.cfg.ReplicaID {
			r.presence.Apply(peer)
		}
	}

	// A server that restarted from an older snapshot is behind us.
	if err := c.pushMissing(state.Summary, pushQueued); err != nil {
		return err
	}

	c.synced = true
	r.syncedOnce.Do(func() { close(r.synced) })

	return nil
}

func (c *connection) applyOps(data []byte) error {
	r := c.replica

	ops, err := oplog.Decode(data)
	if err != nil {
		r.logger.Warn().Err(err).Msg("undecodable batch")

		return c.requestResync(ws.ReasonDecode)
	}

	r.mu.Lock()
	_, err = r.engine.ApplyRemoteBatch(ops)
	r.mu.Unlock()

	r.dispatch()

	var gap *crdt.CausalGapError

	switch {
	case errors.As(err, &gap):
		return c.requestResync(ws.ReasonGap)
	case err != nil:
		r.logger.Warn().Err(err).Msg("rejected remote operations")
	}

	return nil
}

// scheduleResync answers a server resync request. Requests arriving while
// one is already scheduled only update the summary to push against. A
// missing summary means the server holds nothing.
func (c *connection) scheduleResync(req ws.ResyncRequestPayload) error {
	c.resyncSummary = req.Summary

	if c.resyncAt != nil {
		return nil
	}

	c.resyncs++

	if c.resyncs == 1 {
		return c.reconcile()
	}

	delay := c.resyncBackoff.NextBackOff()
	c.replica.logger.Warn().Str("reason", req.Reason).Int("attempt", c.resyncs).Dur("retry_in", delay).Msg("server resync delayed")

	if c.resyncTimer == nil {
		c.resyncTimer = time.NewTimer(delay)
	} else {
		c.resyncTimer.Reset(delay)
	}

	c.resyncAt = c.resyncTimer.C

	return nil
}

// reconcile pushes what the server is missing and rejoins so the server
// answers with what we are missing.
func (c *connection) reconcile() error {
	mode := pushAll
	if c.resyncs > maxDeltaResyncs {
		mode = pushFull
	}

	if err := c.pushMissing(c.resyncSummary, mode); err != nil {
		return err
	}

	return c.join()
}

type pushMode int

const (
	pushAll    pushMode = iota // every operation beyond the summary
	pushQueued                 // same, minus the outbox the join already replays
	pushFull                   // the whole state
)

// pushMissing sends every operation the holder of summary has not seen. When
// the log no longer reaches back that far the whole state is sent instead.
func (c *connection) pushMissing(summary crdt.VersionSummary, mode pushMode) error {
	r := c.replica

	r.mu.Lock()

	if summary.Dominates(r.engine.Summary()) {
		r.mu.Unlock()

		return nil
	}

	ops, ok := r.engine.OpsSince(summary)

	var (
		state []byte
		err   error
	)

	if !ok || mode == pushFull {
		state, err = r.engine.Serialize()
	}

	if mode == pushQueued && len(r.outbox) > 0 {
		queued := make(map[crdt.OpID]struct{}, len(r.outbox))
		for _, op := range r.outbox {
			queued[op.ID] = struct{}{}
		}

		ops = slices.DeleteFunc(ops, func(op crdt.Operation) bool {
			_, ok := queued[op.ID]

			return ok
		})
	}

	current := r.engine.Summary()
	r.mu.Unlock()

	if err != nil {
		return fmt.Errorf("serialize state: %w", err)
	}

	if state != nil {
		r.logger.Info().Msg("pushing full state")

		return c.write(ws.KindState, ws.SyncStatePayload{Mode: ws.SyncFull, State: state, Summary: current})
	}

	if len(ops) == 0 {
		return nil
	}

	r.logger.Info().Int("ops", len(ops)).Msg("pushing missing operations")

	return c.write(ws.KindUpdate, ws.UpdatePayload{Ops: oplog.Encode(ops)})
}

// caughtUp clears the resync state once the server holds everything we do.
func (c *connection) caughtUp() {
	c.resyncs = 0
	c.resyncBackoff.Reset()

	if c.resyncAt != nil {
		c.resyncTimer.Stop()
		c.resyncAt = nil
	}
}

// acknowledge drops outbox entries the server has integrated and reports
// whether summary covers everything this replica holds.
func (r *Replica) acknowledge(summary crdt.VersionSummary) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.outbox[:0]

	for _, op := range r.outbox {
		if !summary.Covers(op.ID) {
			kept = append(kept, op)
		}
	}

	r.outbox = kept

	return summary.Dominates(r.engine.Summary())
}
