package client_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serroba/scenesync/internal/client"
	"github.com/serroba/scenesync/internal/crdt"
	"github.com/serroba/scenesync/internal/oplog"
	"github.com/serroba/scenesync/internal/ws"
)

// scriptedServer accepts WebSocket connections and hands them to the test,
// which then plays the server side message by message.
func scriptedServer(t *testing.T) (string, <-chan *websocket.Conn) {
	t.Helper()

	conns := make(chan *websocket.Conn, 4)
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		conns <- conn
	}))
	t.Cleanup(server.Close)

	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws", conns
}

func scriptedReplica(url string, backoff client.BackoffConfig) *client.Replica {
	return client.New(client.Config{
		URL:        url,
		DocumentID: testDocID,
		ReplicaID:  "alice-laptop",
		Backoff:    backoff,
		Heartbeat:  time.Minute,
		Logger:     zerolog.Nop(),
	})
}

func accept(t *testing.T, conns <-chan *websocket.Conn) *websocket.Conn {
	t.Helper()

	select {
	case conn := <-conns:
		t.Cleanup(func() { _ = conn.Close() })

		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("replica never connected")

		return nil
	}
}

// readKind returns the next message of the given kind, skipping others.
func readKind(t *testing.T, conn *websocket.Conn, kind ws.Kind) ws.Message {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	for {
		var msg ws.Message
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %s", kind)

		if msg.Kind == kind {
			return msg
		}
	}
}

// countKind counts messages of the given kind until window passes.
func countKind(t *testing.T, conn *websocket.Conn, kind ws.Kind, window time.Duration) int {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(window)))

	n := 0

	for {
		var msg ws.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return n
		}

		if msg.Kind == kind {
			n++
		}
	}
}

func writeMsg(t *testing.T, conn *websocket.Conn, kind ws.Kind, payload any) {
	t.Helper()

	msg, err := ws.NewMessage(kind, testDocID, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(msg))
}

// typedBy returns the operations of a peer creating a text node and typing
// text into it.
func typedBy(t *testing.T, peer *crdt.Engine, text string) []crdt.Operation {
	t.Helper()

	op, err := peer.ApplyLocal(crdt.InsertNode(nil, 0, crdt.KindText, "", nil))
	require.NoError(t, err)

	typed, err := peer.InsertText(crdt.Path{0}, 0, text)
	require.NoError(t, err)

	return append([]crdt.Operation{op}, typed...)
}

// connectedWithEdits starts a replica holding text, lets it join the scripted
// server and acknowledges its outbox.
func connectedWithEdits(t *testing.T, backoff client.BackoffConfig, text string) (*client.Replica, *websocket.Conn) {
	t.Helper()

	url, conns := scriptedServer(t)
	r := scriptedReplica(url, backoff)

	_, err := r.Edit(crdt.InsertNode(nil, 0, crdt.KindText, "", nil))
	require.NoError(t, err)

	_, err = r.InsertText(crdt.Path{0}, 0, text)
	require.NoError(t, err)

	run(t, r)

	conn := accept(t, conns)
	readKind(t, conn, ws.KindJoin)
	readKind(t, conn, ws.KindUpdate)

	writeMsg(t, conn, ws.KindSyncState, ws.SyncStatePayload{Mode: ws.SyncDelta, Ops: oplog.Encode(nil), Summary: r.Summary()})
	writeMsg(t, conn, ws.KindAck, ws.AckPayload{Summary: r.Summary()})

	require.Eventually(t, func() bool {
		return r.Pending() == 0
	}, 2*time.Second, 5*time.Millisecond)

	return r, conn
}

func TestReplica_GapFromServerRequestsResync(t *testing.T) {
	t.Parallel()

	url, conns := scriptedServer(t)
	r := scriptedReplica(url, client.BackoffConfig{InitialInterval: 10 * time.Millisecond})
	run(t, r)

	conn := accept(t, conns)
	readKind(t, conn, ws.KindJoin)

	peer := crdt.NewEngine("peer")
	ops := typedBy(t, peer, "ab")

	// The delta skips the text node and its first character.
	writeMsg(t, conn, ws.KindSyncState, ws.SyncStatePayload{
		Mode:    ws.SyncDelta,
		Ops:     oplog.Encode(ops[2:]),
		Summary: peer.Summary(),
	})

	var req ws.ResyncRequestPayload
	require.NoError(t, readKind(t, conn, ws.KindResyncRequest).Decode(&req))
	assert.Equal(t, ws.ReasonGap, req.Reason)

	state, err := peer.Serialize()
	require.NoError(t, err)

	writeMsg(t, conn, ws.KindSyncState, ws.SyncStatePayload{Mode: ws.SyncFull, State: state, Summary: peer.Summary()})

	require.Eventually(t, func() bool {
		return textOf(r) == "ab"
	}, 2*time.Second, 5*time.Millisecond)

	// A relayed update with a hole is reported the same way.
	more, err := peer.InsertText(crdt.Path{0}, 2, "cd")
	require.NoError(t, err)

	writeMsg(t, conn, ws.KindUpdate, ws.UpdatePayload{Ops: oplog.Encode(more[1:])})

	require.NoError(t, readKind(t, conn, ws.KindResyncRequest).Decode(&req))
	assert.Equal(t, ws.ReasonGap, req.Reason)
	assert.Equal(t, "ab", textOf(r))

	writeMsg(t, conn, ws.KindUpdate, ws.UpdatePayload{Ops: oplog.Encode(more)})

	require.Eventually(t, func() bool {
		return textOf(r) == "abcd"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReplica_ServerResyncPushesMissingOperations(t *testing.T) {
	t.Parallel()

	r, conn := connectedWithEdits(t, client.BackoffConfig{InitialInterval: 10 * time.Millisecond}, "xyz")

	// The server lost every acknowledged operation.
	writeMsg(t, conn, ws.KindResyncRequest, ws.ResyncRequestPayload{Reason: ws.ReasonGap})

	var update ws.UpdatePayload
	require.NoError(t, readKind(t, conn, ws.KindUpdate).Decode(&update))

	ops, err := oplog.Decode(update.Ops)
	require.NoError(t, err)
	assert.Len(t, ops, 4)

	var join ws.JoinPayload
	require.NoError(t, readKind(t, conn, ws.KindJoin).Decode(&join))
	assert.True(t, join.Summary.Equal(r.Summary()))
}

func TestReplica_ResyncOnlyPushesWhatServerLacks(t *testing.T) {
	t.Parallel()

	r, conn := connectedWithEdits(t, client.BackoffConfig{InitialInterval: 10 * time.Millisecond}, "xyz")

	// The server kept the text node and the first character.
	known := r.Summary()
	known[r.ReplicaID()] = 2

	writeMsg(t, conn, ws.KindResyncRequest, ws.ResyncRequestPayload{Reason: ws.ReasonGap, Summary: known})

	var update ws.UpdatePayload
	require.NoError(t, readKind(t, conn, ws.KindUpdate).Decode(&update))

	ops, err := oplog.Decode(update.Ops)
	require.NoError(t, err)
	require.Len(t, ops, 2)

	for _, op := range ops {
		assert.False(t, known.Covers(op.ID))
	}
}

func TestReplica_RepeatedServerResyncsBackOff(t *testing.T) {
	t.Parallel()

	_, conn := connectedWithEdits(t, client.BackoffConfig{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     time.Second,
	}, "x")

	for range 20 {
		writeMsg(t, conn, ws.KindResyncRequest, ws.ResyncRequestPayload{Reason: ws.ReasonGap})
	}

	joins := countKind(t, conn, ws.KindJoin, 400*time.Millisecond)
	assert.GreaterOrEqual(t, joins, 1)
	assert.LessOrEqual(t, joins, 3)
}

func TestReplica_PersistentResyncFallsBackToFullState(t *testing.T) {
	t.Parallel()

	r, conn := connectedWithEdits(t, client.BackoffConfig{InitialInterval: 10 * time.Millisecond}, "xyz")

	for range 2 {
		writeMsg(t, conn, ws.KindResyncRequest, ws.ResyncRequestPayload{Reason: ws.ReasonGap})
		readKind(t, conn, ws.KindUpdate)
		readKind(t, conn, ws.KindJoin)
	}

	writeMsg(t, conn, ws.KindResyncRequest, ws.ResyncRequestPayload{Reason: ws.ReasonGap})

	var state ws.SyncStatePayload
	require.NoError(t, readKind(t, conn, ws.KindState).Decode(&state))
	assert.Equal(t, ws.SyncFull, state.Mode)
	assert.True(t, state.Summary.Equal(r.Summary()))

	restored, err := crdt.Deserialize("server", state.State)
	require.NoError(t, err)
	assert.Equal(t, "xyz", restored.Materialize().Text())
	readKind(t, conn, ws.KindJoin)

	// An ack covering everything ends the escalation.
	writeMsg(t, conn, ws.KindAck, ws.AckPayload{Summary: r.Summary()})

	writeMsg(t, conn, ws.KindResyncRequest, ws.ResyncRequestPayload{Reason: ws.ReasonGap})
	readKind(t, conn, ws.KindUpdate)
}
