package ws_test

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serroba/scenesync/internal/crdt"
	"github.com/serroba/scenesync/internal/ws"
)

const testDocID = "doc1"

// mockConn is a test double for ws.Conn.
type mockConn struct {
	mu       sync.Mutex
	messages []ws.Message
	closed   int

	// For ReadJSON simulation
	incoming chan any
}

func newMockConn() *mockConn {
	return &mockConn{
		incoming: make(chan any, 10),
	}
}

func (m *mockConn) WriteJSON(v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	var msg ws.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}

	m.messages = append(m.messages, msg)

	return nil
}

func (m *mockConn) ReadJSON(v any) error {
	in, ok := <-m.incoming
	if !ok {
		return io.EOF
	}

	data, err := json.Marshal(in)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, v)
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed++

	return nil
}

func (m *mockConn) Messages() []ws.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]ws.Message(nil), m.messages...)
}

func TestClient_SendPayload(t *testing.T) {
	t.Parallel()

	conn := newMockConn()
	client := ws.NewClient("c1", "user1", conn)

	summary := crdt.VersionSummary{"a": 3}
	require.NoError(t, client.SendPayload(ws.KindAck, testDocID, ws.AckPayload{Summary: summary}))

	messages := conn.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, ws.KindAck, messages[0].Kind)
	assert.Equal(t, testDocID, messages[0].DocumentID)

	var ack ws.AckPayload
	require.NoError(t, messages[0].Decode(&ack))
	assert.Equal(t, summary, ack.Summary)
}

func TestClient_SendError(t *testing.T) {
	t.Parallel()

	conn := newMockConn()
	client := ws.NewClient("c1", "user1", conn)

	require.NoError(t, client.SendError(testDocID, ws.ErrorCodeAccessDenied, "not allowed"))

	messages := conn.Messages()
	require.Len(t, messages, 1)

	if messages[0].Kind != ws.KindError {
		t.Errorf("expected error kind, got %s", messages[0].Kind)
	}

	var payload ws.ErrorPayload
	require.NoError(t, messages[0].Decode(&payload))
	assert.Equal(t, ws.ErrorCodeAccessDenied, payload.Code)
}

func TestClient_Receive(t *testing.T) {
	t.Parallel()

	conn := newMockConn()
	client := ws.NewClient("c1", "user1", conn)

	join, err := ws.NewMessage(ws.KindJoin, testDocID, ws.JoinPayload{
		ReplicaID: "tab-1",
		Summary:   crdt.VersionSummary{"tab-1": 2},
	})
	require.NoError(t, err)

	conn.incoming <- join

	msg, err := client.Receive()
	require.NoError(t, err)
	assert.Equal(t, ws.KindJoin, msg.Kind)

	var payload ws.JoinPayload
	require.NoError(t, msg.Decode(&payload))
	assert.Equal(t, crdt.ReplicaID("tab-1"), payload.ReplicaID)
	assert.Equal(t, uint64(2), payload.Summary["tab-1"])
}

func TestClient_ReceiveUnknownKind(t *testing.T) {
	t.Parallel()

	conn := newMockConn()
	client := ws.NewClient("c1", "user1", conn)

	conn.incoming <- map[string]string{"kind": "operation", "documentId": testDocID}

	msg, err := client.Receive()
	require.True(t, errors.Is(err, ws.ErrUnknownKind))
	assert.Equal(t, testDocID, msg.DocumentID)
}

func TestClient_ReceiveClosed(t *testing.T) {
	t.Parallel()

	conn := newMockConn()
	client := ws.NewClient("c1", "user1", conn)

	close(conn.incoming)

	_, err := client.Receive()
	require.ErrorIs(t, err, io.EOF)
}

func TestClient_CloseOnce(t *testing.T) {
	t.Parallel()

	conn := newMockConn()
	client := ws.NewClient("c1", "user1", conn)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	if conn.closed != 1 {
		t.Errorf("expected one close, got %d", conn.closed)
	}
}

func TestClient_ConcurrentSend(t *testing.T) {
	t.Parallel()

	conn := newMockConn()
	client := ws.NewClient("c1", "user1", conn)

	var wg sync.WaitGroup

	for range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_ = client.SendPayload(ws.KindAwareness, testDocID, nil)
		}()
	}

	wg.Wait()

	assert.Len(t, conn.Messages(), 20)
}

func TestMessage_NewMessageWithoutPayload(t *testing.T) {
	t.Parallel()

	msg, err := ws.NewMessage(ws.KindSave, testDocID, nil)
	require.NoError(t, err)
	assert.Empty(t, msg.Payload)

	var v ws.SavedPayload
	require.NoError(t, msg.Decode(&v))
}

func TestKind_Valid(t *testing.T) {
	t.Parallel()

	for _, k := range []ws.Kind{
		ws.KindJoin, ws.KindUpdate, ws.KindSave, ws.KindState, ws.KindResyncRequest,
		ws.KindSyncState, ws.KindAck, ws.KindSaved, ws.KindError, ws.KindAwareness,
	} {
		assert.True(t, k.Valid(), k)
	}

	assert.False(t, ws.Kind("broadcast").Valid())
}
