package storage

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/serroba/scenesync/internal/crdt"
)

var (
	bucketSnapshots  = []byte("snapshots")
	bucketOperations = []byte("operations")
)

// BoltStore keeps snapshots and operation logs in an embedded bbolt file.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (or creates) the database file at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSnapshots, bucketOperations} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// DB returns the underlying database so other stores can share the file.
func (s *BoltStore) DB() *bolt.DB {
	return s.db
}

// Close releases the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Get retrieves the latest snapshot for a document.
func (s *BoltStore) Get(_ context.Context, docID string) (Snapshot, error) {
	var (
		snap Snapshot
		err  error
	)

	viewErr := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSnapshots).Get([]byte(docID))
		if data == nil {
			return ErrSnapshotNotFound
		}

		snap, err = unmarshalSnapshot(data)

		return err
	})

	return snap, viewErr
}

// Put stores a snapshot and prunes the operations it covers in the same
// transaction.
func (s *BoltStore) Put(_ context.Context, snap Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}

	data, err := marshalSnapshot(snap)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSnapshots).Put([]byte(snap.DocumentID), data); err != nil {
			return err
		}

		ops := tx.Bucket(bucketOperations).Bucket([]byte(snap.DocumentID))
		if ops == nil {
			return nil
		}

		var covered [][]byte

		err := ops.ForEach(func(k, _ []byte) error {
			id, err := crdt.ParseOpID(string(k))
			if err != nil {
				return err
			}

			if snap.VersionSummary.Covers(id) {
				covered = append(covered, append([]byte(nil), k...))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range covered {
			if err := ops.Delete(k); err != nil {
				return err
			}
		}

		return nil
	})
}

// AppendOperations adds operations to the document's operation log.
func (s *BoltStore) AppendOperations(_ context.Context, docID string, ops []crdt.Operation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.Bucket(bucketOperations).CreateBucketIfNotExists([]byte(docID))
		if err != nil {
			return err
		}

		for _, op := range ops {
			if err := bucket.Put([]byte(op.ID.String()), marshalOp(op)); err != nil {
				return err
			}
		}

		return nil
	})
}

// LoadOperations returns the logged operations not covered by since.
func (s *BoltStore) LoadOperations(_ context.Context, docID string, since crdt.VersionSummary) ([]crdt.Operation, error) {
	var ops []crdt.Operation

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketOperations).Bucket([]byte(docID))
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(_, v []byte) error {
			op, err := unmarshalOp(v)
			if err != nil {
				return err
			}

			ops = append(ops, op)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return uncovered(ops, since), nil
}

// Ensure BoltStore implements Store.
var _ Store = (*BoltStore)(nil)
