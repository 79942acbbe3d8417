package acl

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// claimScript grants ownership only while the document has no permissions.
var claimScript = redis.NewScript(`
if redis.call("HLEN", KEYS[1]) == 0 then
	redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
	return 1
end
return 0
`)

// RedisStore keeps each document's permissions in one hash of user id to
// role.
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

func (s *RedisStore) key(docID string) string {
	return fmt.Sprintf("%s:doc:%s:acl", s.prefix, docID)
}

// Grant gives a user a specific role on a document.
func (s *RedisStore) Grant(ctx context.Context, docID, userID string, role Role) error {
	return s.client.HSet(ctx, s.key(docID), userID, int(role)).Err()
}

// Revoke removes a user's permission on a document.
func (s *RedisStore) Revoke(ctx context.Context, docID, userID string) error {
	n, err := s.client.HDel(ctx, s.key(docID), userID).Result()
	if err != nil {
		return err
	}

	if n == 0 {
		return ErrPermissionNotFound
	}

	return nil
}

// GetRole returns the user's role for a document.
func (s *RedisStore) GetRole(ctx context.Context, docID, userID string) (Role, error) {
	v, err := s.client.HGet(ctx, s.key(docID), userID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrPermissionNotFound
	}

	if err != nil {
		return 0, err
	}

	return parseStoredRole(v)
}

// ListPermissions returns all permissions for a document.
func (s *RedisStore) ListPermissions(ctx context.Context, docID string) ([]Permission, error) {
	entries, err := s.client.HGetAll(ctx, s.key(docID)).Result()
	if err != nil {
		return nil, err
	}

	result := make([]Permission, 0, len(entries))

	for userID, v := range entries {
		role, err := parseStoredRole(v)
		if err != nil {
			return nil, err
		}

		result = append(result, Permission{DocID: docID, UserID: userID, Role: role})
	}

	slices.SortFunc(result, func(a, b Permission) int {
		return cmp.Compare(a.UserID, b.UserID)
	})

	return result, nil
}

// Claim makes userID the owner of an unclaimed document.
func (s *RedisStore) Claim(ctx context.Context, docID, userID string) (bool, error) {
	n, err := claimScript.Run(ctx, s.client, []string{s.key(docID)}, userID, int(Owner)).Int()
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

func parseStoredRole(v string) (Role, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n < int(Viewer) || n > int(Owner) {
		return 0, fmt.Errorf("%w: stored value %q", ErrUnknownRole, v)
	}

	return Role(n), nil
}

// Ensure RedisStore implements Store.
var _ Store = (*RedisStore)(nil)
