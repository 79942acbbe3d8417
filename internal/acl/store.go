package acl

import (
	"context"
	"errors"
)

// Common errors.
var (
	ErrPermissionNotFound = errors.New("permission not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrUnknownRole        = errors.New("unknown role")
)

// Store defines the interface for persisting document permissions.
type Store interface {
	// Grant gives a user a specific role on a document.
	// If the user already has a permission, it is replaced.
	Grant(ctx context.Context, docID, userID string, role Role) error

	// Revoke removes a user's permission on a document.
	// Returns ErrPermissionNotFound if no permission exists.
	Revoke(ctx context.Context, docID, userID string) error

	// GetRole returns the user's role for a document.
	// Returns ErrPermissionNotFound if no permission exists.
	GetRole(ctx context.Context, docID, userID string) (Role, error)

	// ListPermissions returns all permissions for a document, ordered by
	// user id.
	ListPermissions(ctx context.Context, docID string) ([]Permission, error)

	// Claim makes userID the owner of docID if nobody holds a permission on
	// it yet, and reports whether it did.
	Claim(ctx context.Context, docID, userID string) (bool, error)
}
