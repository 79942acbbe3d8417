// Package collab hosts documents being edited: one Room per open document,
// fed by the Sessions of its connected clients.
package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/serroba/scenesync/internal/awareness"
	"github.com/serroba/scenesync/internal/crdt"
	"github.com/serroba/scenesync/internal/relay"
	"github.com/serroba/scenesync/internal/storage"
	"github.com/serroba/scenesync/internal/ws"
)

// ErrDocumentNotFound is returned for documents that are neither open nor
// stored.
var ErrDocumentNotFound = errors.New("document not found")

// roomEntry tracks one room and the sessions holding it open. A room with no
// sessions lingers for the grace period before it is closed.
type roomEntry struct {
	room  *Room
	refs  int
	timer *time.Timer
}

// Manager manages the rooms of all open documents.
type Manager struct {
	mu    sync.Mutex
	rooms map[string]*roomEntry
	ctx   context.Context
	stop  context.CancelFunc

	persister     *storage.Persister
	relay         relay.Relay
	replica       crdt.ReplicaID
	grace         time.Duration
	awarenessTTL  time.Duration
	sweepInterval time.Duration
	logger        zerolog.Logger
}

// ManagerConfig holds configuration for creating a manager.
type ManagerConfig struct {
	Persister *storage.Persister
	Relay     relay.Relay

	// Node names this server; rooms use it for their observer replica id.
	Node string

	GracePeriod   time.Duration
	AwarenessTTL  time.Duration
	SweepInterval time.Duration
	Logger        zerolog.Logger
}

// NewManager creates a new room manager.
func NewManager(cfg ManagerConfig) *Manager {
	node := cfg.Node
	if node == "" {
		node = "local"
	}

	ttl := cfg.AwarenessTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = 5 * time.Second
	}

	ctx, stop := context.WithCancel(context.Background())

	return &Manager{
		rooms:         make(map[string]*roomEntry),
		ctx:           ctx,
		stop:          stop,
		persister:     cfg.Persister,
		relay:         cfg.Relay,
		replica:       crdt.ReplicaID("server/" + node),
		grace:         cfg.GracePeriod,
		awarenessTTL:  ttl,
		sweepInterval: sweep,
		logger:        cfg.Logger.With().Str("component", "collab").Logger(),
	}
}

// acquire returns the room for docID, opening it if needed, and holds it
// open until release.
func (m *Manager) acquire(docID string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.rooms[docID]
	if !ok {
		room := newRoom(roomConfig{
			docID:         docID,
			replica:       m.replica,
			persister:     m.persister,
			relay:         m.relay,
			awarenessTTL:  m.awarenessTTL,
			sweepInterval: m.sweepInterval,
			logger:        m.logger,
		})
		room.start(m.ctx)

		entry = &roomEntry{room: room}
		m.rooms[docID] = entry
	}

	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}

	entry.refs++

	return entry.room
}

func (m *Manager) release(docID string, room *Room) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.rooms[docID]
	if !ok || entry.room != room {
		return
	}

	entry.refs--
	if entry.refs > 0 {
		return
	}

	if room.loadFailed() {
		delete(m.rooms, docID)

		return
	}

	entry.timer = time.AfterFunc(m.grace, func() {
		m.expire(docID, room)
	})
}

// expire closes a room whose grace period ran out without a new session.
func (m *Manager) expire(docID string, room *Room) {
	m.mu.Lock()

	entry, ok := m.rooms[docID]
	if !ok || entry.room != room || entry.refs > 0 {
		m.mu.Unlock()

		return
	}

	delete(m.rooms, docID)
	m.mu.Unlock()

	if err := room.close(context.Background()); err != nil {
		m.logger.Error().Err(err).Str("doc", docID).Msg("final snapshot failed")
	}

	m.logger.Info().Str("doc", docID).Msg("room closed")
}

// Serve attaches s to the document's room and pumps its messages until the
// connection ends.
func (m *Manager) Serve(ctx context.Context, docID string, s *Session) error {
	room := m.acquire(docID)
	defer m.release(docID, room)
	defer s.Close()

	if err := room.join(ctx, s); err != nil {
		s.client.SendError(docID, ws.ErrorCodeInternalError, "document unavailable")

		return err
	}

	defer room.leave(s)

	go s.writeLoop()

	for {
		msg, err := s.client.Receive()

		switch {
		case errors.Is(err, ws.ErrUnknownKind):
			s.enqueueError(docID, ws.ErrorCodeInvalidMessage, err.Error())

			continue
		case err != nil:
			select {
			case <-s.Done():
				return nil
			default:
				return err
			}
		}

		if msg.DocumentID != "" && msg.DocumentID != docID {
			s.enqueueError(docID, ws.ErrorCodeInvalidMessage, "wrong document")

			continue
		}

		if err := room.deliver(ctx, s, msg); err != nil {
			return err
		}
	}
}

func (m *Manager) liveRoom(docID string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.rooms[docID]; ok {
		return entry.room
	}

	return nil
}

// View returns the current content of a document, from its room when open
// and from storage otherwise.
func (m *Manager) View(ctx context.Context, docID string) (View, error) {
	if room := m.liveRoom(docID); room != nil {
		v, err := room.view(ctx)
		if !errors.Is(err, ErrRoomClosed) {
			return v, err
		}
	}

	if m.persister == nil {
		return View{}, ErrDocumentNotFound
	}

	loaded, err := m.persister.Load(ctx, docID)
	if err != nil {
		return View{}, err
	}

	if loaded.Snapshot == nil && len(loaded.Ops) == 0 {
		return View{}, ErrDocumentNotFound
	}

	engine, err := loaded.Rehydrate(m.replica)

	var gap *crdt.CausalGapError
	if err != nil && !errors.As(err, &gap) {
		return View{}, err
	}

	root := engine.Materialize()

	return View{
		DocumentID: docID,
		Summary:    engine.Summary(),
		Root:       root,
		Text:       root.Text(),
	}, nil
}

// Save stores a snapshot of an open document and returns it once durable.
// For a document that is not open it returns the latest stored snapshot.
func (m *Manager) Save(ctx context.Context, docID, author string) (storage.Snapshot, error) {
	if room := m.liveRoom(docID); room != nil {
		snap, err := room.save(ctx, author)
		if !errors.Is(err, ErrRoomClosed) {
			return snap, err
		}
	}

	if m.persister == nil {
		return storage.Snapshot{}, ErrDocumentNotFound
	}

	loaded, err := m.persister.Load(ctx, docID)
	if err != nil {
		return storage.Snapshot{}, err
	}

	if loaded.Snapshot == nil {
		return storage.Snapshot{}, ErrDocumentNotFound
	}

	snap := *loaded.Snapshot
	snap.State = nil

	return snap, nil
}

// Presence lists who is in a document. Closed documents have nobody.
func (m *Manager) Presence(ctx context.Context, docID string) ([]awareness.State, error) {
	room := m.liveRoom(docID)
	if room == nil {
		return nil, nil
	}

	states, err := room.presenceStates(ctx)
	if errors.Is(err, ErrRoomClosed) {
		return nil, nil
	}

	return states, err
}

// Members reports how many sessions are attached to a document.
func (m *Manager) Members(ctx context.Context, docID string) int {
	room := m.liveRoom(docID)
	if room == nil {
		return 0
	}

	n, err := room.memberCount(ctx)
	if err != nil {
		return 0
	}

	return n
}

// PersistenceFailed tells the members of docID that a write gave up. It is
// the persister's failure callback.
func (m *Manager) PersistenceFailed(docID string, err error) {
	m.logger.Error().Err(err).Str("doc", docID).Msg("persistence failed")

	if room := m.liveRoom(docID); room != nil {
		room.reportFailure(err)
	}
}

// RoomCount returns the number of open rooms, including rooms in their
// grace period.
func (m *Manager) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.rooms)
}

// CloseAll closes every room and stores final snapshots.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	rooms := make(map[string]*Room, len(m.rooms))

	for docID, entry := range m.rooms {
		if entry.timer != nil {
			entry.timer.Stop()
		}

		rooms[docID] = entry.room
	}

	m.rooms = make(map[string]*roomEntry)
	m.mu.Unlock()

	var errs []error

	for docID, room := range rooms {
		if err := room.close(ctx); err != nil {
			errs = append(errs, err)
			m.logger.Error().Err(err).Str("doc", docID).Msg("final snapshot failed")
		}
	}

	m.stop()

	return errors.Join(errs...)
}
