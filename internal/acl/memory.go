package acl

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

// MemoryStore is an in-memory implementation of the Store interface.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]map[string]Role
}

// NewMemoryStore creates a new in-memory permission store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]map[string]Role),
	}
}

// Grant gives a user a specific role on a document.
func (m *MemoryStore) Grant(_ context.Context, docID, userID string, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.docs[docID] == nil {
		m.docs[docID] = make(map[string]Role)
	}

	m.docs[docID][userID] = role

	return nil
}

// Revoke removes a user's permission on a document.
func (m *MemoryStore) Revoke(_ context.Context, docID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.docs[docID][userID]; !exists {
		return ErrPermissionNotFound
	}

	delete(m.docs[docID], userID)

	return nil
}

// GetRole returns the user's role for a document.
func (m *MemoryStore) GetRole(_ context.Context, docID, userID string) (Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	role, exists := m.docs[docID][userID]
	if !exists {
		return 0, ErrPermissionNotFound
	}

	return role, nil
}

// ListPermissions returns all permissions for a document.
func (m *MemoryStore) ListPermissions(_ context.Context, docID string) ([]Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Permission, 0, len(m.docs[docID]))

	for userID, role := range m.docs[docID] {
		result = append(result, Permission{DocID: docID, UserID: userID, Role: role})
	}

	slices.SortFunc(result, func(a, b Permission) int {
		return cmp.Compare(a.UserID, b.UserID)
	})

	return result, nil
}

// Claim makes userID the owner of an unclaimed document.
func (m *MemoryStore) Claim(_ context.Context, docID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.docs[docID]) > 0 {
		return false, nil
	}

	m.docs[docID] = map[string]Role{userID: Owner}

	return true, nil
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
