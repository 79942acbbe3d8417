package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/serroba/scenesync/internal/crdt"
)

// RedisStore keeps the latest snapshot in a string key and the operation log
// in a hash keyed by operation id.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store using keys under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "scenesync"
	}

	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) snapshotKey(docID string) string {
	return fmt.Sprintf("%s:doc:%s:snapshot", s.prefix, docID)
}

func (s *RedisStore) opsKey(docID string) string {
	return fmt.Sprintf("%s:doc:%s:ops", s.prefix, docID)
}

// Get retrieves the latest snapshot for a document.
func (s *RedisStore) Get(ctx context.Context, docID string) (Snapshot, error) {
	data, err := s.client.Get(ctx, s.snapshotKey(docID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, ErrSnapshotNotFound
	}

	if err != nil {
		return Snapshot{}, err
	}

	return unmarshalSnapshot(data)
}

// Put stores a snapshot and prunes the operations it covers.
func (s *RedisStore) Put(ctx context.Context, snap Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}

	data, err := marshalSnapshot(snap)
	if err != nil {
		return err
	}

	fields, err := s.client.HKeys(ctx, s.opsKey(snap.DocumentID)).Result()
	if err != nil {
		return err
	}

	var covered []string

	for _, field := range fields {
		id, err := crdt.ParseOpID(field)
		if err != nil {
			return err
		}

		if snap.VersionSummary.Covers(id) {
			covered = append(covered, field)
		}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.snapshotKey(snap.DocumentID), data, 0)

		if len(covered) > 0 {
			pipe.HDel(ctx, s.opsKey(snap.DocumentID), covered...)
		}

		return nil
	})

	return err
}

// AppendOperations adds operations to the document's operation log.
func (s *RedisStore) AppendOperations(ctx context.Context, docID string, ops []crdt.Operation) error {
	if len(ops) == 0 {
		return nil
	}

	values := make([]any, 0, 2*len(ops))
	for _, op := range ops {
		values = append(values, op.ID.String(), marshalOp(op))
	}

	return s.client.HSet(ctx, s.opsKey(docID), values...).Err()
}

// LoadOperations returns the logged operations not covered by since.
func (s *RedisStore) LoadOperations(ctx context.Context, docID string, since crdt.VersionSummary) ([]crdt.Operation, error) {
	entries, err := s.client.HGetAll(ctx, s.opsKey(docID)).Result()
	if err != nil {
		return nil, err
	}

	ops := make([]crdt.Operation, 0, len(entries))

	for _, v := range entries {
		op, err := unmarshalOp([]byte(v))
		if err != nil {
			return nil, err
		}

		ops = append(ops, op)
	}

	return uncovered(ops, since), nil
}

// Ensure RedisStore implements Store.
var _ Store = (*RedisStore)(nil)
