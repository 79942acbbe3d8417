package storage

import (
	"context"
	"sync"

	"github.com/serroba/scenesync/internal/crdt"
)

// documentData holds all persisted data for a single document.
type documentData struct {
	snapshot   *Snapshot
	operations map[crdt.OpID]crdt.Operation
}

// MemoryStore is an in-memory implementation of the Store interface.
// Useful for testing and development.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*documentData
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]*documentData),
	}
}

func (m *MemoryStore) doc(docID string) *documentData {
	doc, ok := m.docs[docID]
	if !ok {
		doc = &documentData{operations: make(map[crdt.OpID]crdt.Operation)}
		m.docs[docID] = doc
	}

	return doc
}

// Get retrieves the latest snapshot for a document.
func (m *MemoryStore) Get(_ context.Context, docID string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, exists := m.docs[docID]
	if !exists || doc.snapshot == nil {
		return Snapshot{}, ErrSnapshotNotFound
	}

	snap := *doc.snapshot
	snap.State = append([]byte(nil), snap.State...)
	snap.VersionSummary = snap.VersionSummary.Clone()

	return snap, nil
}

// Put stores a snapshot and prunes the operations it covers.
func (m *MemoryStore) Put(_ context.Context, snap Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap.State = append([]byte(nil), snap.State...)
	snap.VersionSummary = snap.VersionSummary.Clone()

	doc := m.doc(snap.DocumentID)
	doc.snapshot = &snap

	// Prune operations that are now covered by the snapshot
	for id := range doc.operations {
		if snap.VersionSummary.Covers(id) {
			delete(doc.operations, id)
		}
	}

	return nil
}

// AppendOperations adds operations to the document's operation log.
func (m *MemoryStore) AppendOperations(_ context.Context, docID string, ops []crdt.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc := m.doc(docID)

	for _, op := range ops {
		if doc.snapshot != nil && doc.snapshot.VersionSummary.Covers(op.ID) {
			continue
		}

		doc.operations[op.ID] = op
	}

	return nil
}

// LoadOperations returns the logged operations not covered by since.
func (m *MemoryStore) LoadOperations(_ context.Context, docID string, since crdt.VersionSummary) ([]crdt.Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, exists := m.docs[docID]
	if !exists {
		return nil, nil
	}

	ops := make([]crdt.Operation, 0, len(doc.operations))
	for _, op := range doc.operations {
		ops = append(ops, op)
	}

	return uncovered(ops, since), nil
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
