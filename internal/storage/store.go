package storage

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/serroba/scenesync/internal/crdt"
)

// Common errors.
var (
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrInvalidSnapshot  = errors.New("invalid snapshot")
)

// Snapshot represents a point-in-time capture of a document's replicated
// state.
type Snapshot struct {
	ID             string              `json:"id"`
	DocumentID     string              `json:"documentId"`
	SchemaVersion  int                 `json:"schemaVersion"`
	State          []byte              `json:"state"`
	VersionSummary crdt.VersionSummary `json:"versionSummary"`
	CapturedAt     time.Time           `json:"capturedAt"`
	Author         string              `json:"author,omitempty"`
}

// NewSnapshot stamps a fresh snapshot id and capture time.
func NewSnapshot(docID string, state []byte, summary crdt.VersionSummary, author string) Snapshot {
	return Snapshot{
		ID:             ksuid.New().String(),
		DocumentID:     docID,
		SchemaVersion:  crdt.StateSchemaVersion,
		State:          state,
		VersionSummary: summary.Clone(),
		CapturedAt:     time.Now().UTC(),
		Author:         author,
	}
}

// Validate checks the fields every backend relies on.
func (s Snapshot) Validate() error {
	switch {
	case s.DocumentID == "":
		return fmt.Errorf("%w: missing document id", ErrInvalidSnapshot)
	case s.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidSnapshot)
	case len(s.State) == 0:
		return fmt.Errorf("%w: empty state", ErrInvalidSnapshot)
	default:
		return nil
	}
}

// Store defines the interface for persisting document state.
// Implementations can use in-memory storage, databases, or other backends.
type Store interface {
	// Get retrieves the latest snapshot for a document.
	// Returns ErrSnapshotNotFound if the document has none.
	Get(ctx context.Context, docID string) (Snapshot, error)

	// Put stores a snapshot as the latest for its document and prunes the
	// logged operations it covers.
	Put(ctx context.Context, snap Snapshot) error

	// AppendOperations adds operations to the document's operation log.
	// Appending an operation that is already logged is a no-op.
	AppendOperations(ctx context.Context, docID string, ops []crdt.Operation) error

	// LoadOperations returns the logged operations not covered by since,
	// ordered by clock.
	LoadOperations(ctx context.Context, docID string, since crdt.VersionSummary) ([]crdt.Operation, error)
}

// sortOps orders operations by clock, then replica, so that causal
// predecessors come first.
func sortOps(ops []crdt.Operation) {
	slices.SortFunc(ops, func(a, b crdt.Operation) int {
		if c := cmp.Compare(a.ID.Clock, b.ID.Clock); c != 0 {
			return c
		}

		return cmp.Compare(a.ID.Replica, b.ID.Replica)
	})
}

// uncovered filters ops down to those since does not include.
func uncovered(ops []crdt.Operation, since crdt.VersionSummary) []crdt.Operation {
	var out []crdt.Operation

	for _, op := range ops {
		if !since.Covers(op.ID) {
			out = append(out, op)
		}
	}

	sortOps(out)

	return out
}
