package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serroba/scenesync/internal/acl"
	"github.com/serroba/scenesync/internal/api"
	"github.com/serroba/scenesync/internal/collab"
	"github.com/serroba/scenesync/internal/crdt"
	"github.com/serroba/scenesync/internal/identity"
	"github.com/serroba/scenesync/internal/oplog"
	"github.com/serroba/scenesync/internal/storage"
	"github.com/serroba/scenesync/internal/worker"
	"github.com/serroba/scenesync/internal/ws"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	server   *httptest.Server
	handler  http.Handler
	checker  *acl.Checker
	verifier *identity.Verifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	pool := worker.NewPool(2, 16, zerolog.Nop())
	persister := storage.NewPersister(storage.PersisterConfig{
		Store:    storage.NewMemoryStore(),
		Pool:     pool,
		Debounce: 10 * time.Millisecond,
		Logger:   zerolog.Nop(),
	})

	manager := collab.NewManager(collab.ManagerConfig{
		Persister:     persister,
		Node:          "test",
		GracePeriod:   time.Minute,
		AwarenessTTL:  time.Minute,
		SweepInterval: time.Second,
		Logger:        zerolog.Nop(),
	})

	checker := acl.NewChecker(acl.NewMemoryStore())
	verifier := identity.NewVerifier([]byte(testSecret), identity.WithDevHeader(true))

	handler := api.NewServer(api.ServerConfig{
		Manager:        manager,
		Checker:        checker,
		Verifier:       verifier,
		AllowedOrigins: []string{"*"},
		SendBuffer:     64,
		Logger:         zerolog.Nop(),
	}).Handler()

	server := httptest.NewServer(handler)

	t.Cleanup(func() {
		server.Close()
		_ = manager.CloseAll(context.Background())
		_ = pool.Shutdown(context.Background())
	})

	return &fixture{server: server, handler: handler, checker: checker, verifier: verifier}
}

func (f *fixture) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader

	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	if user != "" {
		req.Header.Set(identity.DevHeader, user)
	}

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	return rec
}

// dial opens a WebSocket for user and joins docID with an empty replica.
func (f *fixture) dial(t *testing.T, docID, user string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?docId=" + docID
	header := http.Header{identity.DevHeader: []string{user}}

	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)

	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func writeMessage(t *testing.T, conn *websocket.Conn, kind ws.Kind, docID string, payload any) {
	t.Helper()

	msg, err := ws.NewMessage(kind, docID, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(msg))
}

func readUntil(t *testing.T, conn *websocket.Conn, kind ws.Kind) ws.Message {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	for {
		var msg ws.Message
		require.NoError(t, conn.ReadJSON(&msg))

		if msg.Kind == kind {
			return msg
		}
	}
}

// writeScript joins docID over conn and types text into a fresh text node.
func writeScript(t *testing.T, conn *websocket.Conn, docID, replica, text string) {
	t.Helper()

	engine := crdt.NewEngine(crdt.ReplicaID(replica))

	writeMessage(t, conn, ws.KindJoin, docID, ws.JoinPayload{ReplicaID: engine.Replica(), Summary: engine.Summary()})
	readUntil(t, conn, ws.KindSyncState)

	op, err := engine.ApplyLocal(crdt.InsertNode(nil, 0, crdt.KindText, "", nil))
	require.NoError(t, err)

	ops, err := engine.InsertText(crdt.Path{0}, 0, text)
	require.NoError(t, err)

	writeMessage(t, conn, ws.KindUpdate, docID, ws.UpdatePayload{Ops: oplog.Encode(append([]crdt.Operation{op}, ops...))})
	readUntil(t, conn, ws.KindAck)
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestServer_RequiresIdentity(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/documents/doc1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())
}

func TestServer_BearerToken(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.checker.Store().Grant(context.Background(), "doc1", "alice", acl.Owner))

	token, err := f.verifier.Issue("alice", time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/documents/doc1/collaborators", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"userId":"alice"`)
	assert.Contains(t, rec.Body.String(), `"role":"owner"`)
}

func TestServer_UnknownDocument(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/documents/missing", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/documents/missing/save", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_WebSocketRequiresDocID(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/ws", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_WebSocketDeniedWithoutAccess(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.checker.Store().Grant(context.Background(), "doc1", "alice", acl.Owner))

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?docId=doc1"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{identity.DevHeader: []string{"mallory"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestServer_EditShareAndSave(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	conn := f.dial(t, "doc1", "alice")
	writeScript(t, conn, "doc1", "alice-1", "FADE IN:")

	rec := f.do(t, http.MethodGet, "/documents/doc1", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var view collab.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "FADE IN:", view.Text)
	assert.True(t, view.Live)

	// Bob has no grant yet.
	rec = f.do(t, http.MethodGet, "/documents/doc1", "bob", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPut, "/documents/doc1/collaborators", "alice",
		map[string]string{"userId": "bob", "role": "viewer"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/documents/doc1", "bob", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/documents/doc1/save", "bob", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Viewers cannot share.
	rec = f.do(t, http.MethodPut, "/documents/doc1/collaborators", "bob",
		map[string]string{"userId": "carol", "role": "editor"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/documents/doc1/save", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var saved api.SaveDocumentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &saved))
	assert.NotEmpty(t, saved.SnapshotID)
	assert.Equal(t, uint64(9), saved.Summary["alice-1"])
}

func TestServer_ShareValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.checker.Store().Grant(context.Background(), "doc1", "alice", acl.Owner))

	tests := []struct {
		name string
		body any
	}{
		{name: "missing user", body: map[string]string{"role": "editor"}},
		{name: "missing role", body: map[string]string{"userId": "bob"}},
		{name: "unknown role", body: map[string]string{"userId": "bob", "role": "admin"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPut, "/documents/doc1/collaborators", "alice", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestServer_Presence(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	conn := f.dial(t, "doc1", "alice")
	writeScript(t, conn, "doc1", "alice-1", "x")
	writeMessage(t, conn, ws.KindAwareness, "doc1", map[string]any{"name": "Alice", "clock": 1})

	require.Eventually(t, func() bool {
		rec := f.do(t, http.MethodGet, "/documents/doc1/presence", "alice", nil)

		return rec.Code == http.StatusOK && strings.Contains(rec.Body.String(), `"name":"Alice"`)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_CORSPreflight(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	req := httptest.NewRequest(http.MethodOptions, "/documents/doc1", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Less(t, rec.Code, 300)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
