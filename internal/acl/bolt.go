package acl

import (
	"context"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var bucketPermissions = []byte("permissions")

// BoltStore keeps permissions in a bbolt file, one nested bucket per document
// mapping user id to role name. It shares the file with the snapshot store.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates the permissions bucket in db if needed.
func NewBoltStore(db *bolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPermissions)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create permissions bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Grant gives a user a specific role on a document.
func (s *BoltStore) Grant(_ context.Context, docID, userID string, role Role) error {
	value, err := role.MarshalText()
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		doc, err := tx.Bucket(bucketPermissions).CreateBucketIfNotExists([]byte(docID))
		if err != nil {
			return err
		}

		return doc.Put([]byte(userID), value)
	})
}

// Revoke removes a user's permission on a document.
func (s *BoltStore) Revoke(_ context.Context, docID, userID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		doc := tx.Bucket(bucketPermissions).Bucket([]byte(docID))
		if doc == nil || doc.Get([]byte(userID)) == nil {
			return ErrPermissionNotFound
		}

		return doc.Delete([]byte(userID))
	})
}

// GetRole returns the user's role for a document.
func (s *BoltStore) GetRole(_ context.Context, docID, userID string) (Role, error) {
	var role Role

	err := s.db.View(func(tx *bolt.Tx) error {
		doc := tx.Bucket(bucketPermissions).Bucket([]byte(docID))
		if doc == nil {
			return ErrPermissionNotFound
		}

		value := doc.Get([]byte(userID))
		if value == nil {
			return ErrPermissionNotFound
		}

		return role.UnmarshalText(value)
	})

	return role, err
}

// ListPermissions returns all permissions for a document. Keys are kept in
// byte order, which is the user id order.
func (s *BoltStore) ListPermissions(_ context.Context, docID string) ([]Permission, error) {
	result := []Permission{}

	err := s.db.View(func(tx *bolt.Tx) error {
		doc := tx.Bucket(bucketPermissions).Bucket([]byte(docID))
		if doc == nil {
			return nil
		}

		return doc.ForEach(func(k, v []byte) error {
			var role Role
			if err := role.UnmarshalText(v); err != nil {
				return err
			}

			result = append(result, Permission{DocID: docID, UserID: string(k), Role: role})

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Claim makes userID the owner of an unclaimed document. bbolt runs one
// write transaction at a time, so the check and the write cannot interleave.
func (s *BoltStore) Claim(_ context.Context, docID, userID string) (bool, error) {
	owner, err := Owner.MarshalText()
	if err != nil {
		return false, err
	}

	claimed := false

	err = s.db.Update(func(tx *bolt.Tx) error {
		doc, err := tx.Bucket(bucketPermissions).CreateBucketIfNotExists([]byte(docID))
		if err != nil {
			return err
		}

		if k, _ := doc.Cursor().First(); k != nil {
			return nil
		}

		claimed = true

		return doc.Put([]byte(userID), owner)
	})

	return claimed, err
}

// Ensure BoltStore implements Store.
var _ Store = (*BoltStore)(nil)
