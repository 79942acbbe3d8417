package acl

import (
	"context"
	"errors"
	"fmt"
)

// Action represents an operation a user wants to perform.
type Action int

const (
	ActionRead Action = iota
	ActionWrite
	ActionShare
)

// String returns the string representation of the action.
func (a Action) String() string {
	switch a {
	case ActionRead:
		return "read"
	case ActionWrite:
		return "write"
	case ActionShare:
		return "share"
	default:
		return "unknown"
	}
}

// Checker validates user permissions for document operations.
type Checker struct {
	store Store
}

// NewChecker creates a new permission checker.
func NewChecker(store Store) *Checker {
	return &Checker{store: store}
}

// Store returns the permission store behind the checker.
func (c *Checker) Store() Store {
	return c.store
}

// CanPerform checks if a user can perform an action on a document.
func (c *Checker) CanPerform(ctx context.Context, docID, userID string, action Action) (bool, error) {
	role, err := c.store.GetRole(ctx, docID, userID)
	if err != nil {
		if errors.Is(err, ErrPermissionNotFound) {
			return false, nil
		}

		return false, err
	}

	return role.Allows(action), nil
}

// RequirePermission checks permission and returns an error if denied.
func (c *Checker) RequirePermission(ctx context.Context, docID, userID string, action Action) error {
	allowed, err := c.CanPerform(ctx, docID, userID, action)
	if err != nil {
		return err
	}

	if !allowed {
		return fmt.Errorf("%w: %s cannot %s %s", ErrAccessDenied, userID, action, docID)
	}

	return nil
}

// Open is checked when a user opens a document. The first user to open a
// document nobody has access to becomes its owner.
func (c *Checker) Open(ctx context.Context, docID, userID string) (Role, error) {
	if _, err := c.store.Claim(ctx, docID, userID); err != nil {
		return 0, err
	}

	role, err := c.store.GetRole(ctx, docID, userID)
	if errors.Is(err, ErrPermissionNotFound) {
		return 0, fmt.Errorf("%w: %s cannot read %s", ErrAccessDenied, userID, docID)
	}

	return role, err
}

// Share lets an owner grant role on docID to another user.
func (c *Checker) Share(ctx context.Context, docID, ownerID, userID string, role Role) error {
	if err := c.RequirePermission(ctx, docID, ownerID, ActionShare); err != nil {
		return err
	}

	return c.store.Grant(ctx, docID, userID, role)
}
