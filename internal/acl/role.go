package acl

import "fmt"

// Role represents a user's access level for a document.
type Role int

const (
	// Viewer can join a room and follow edits.
	Viewer Role = iota
	// Editor can also send updates and request saves.
	Editor
	// Owner can also grant roles to collaborators.
	Owner
)

// String returns the string representation of the role.
func (r Role) String() string {
	switch r {
	case Viewer:
		return "viewer"
	case Editor:
		return "editor"
	case Owner:
		return "owner"
	default:
		return "unknown"
	}
}

// ParseRole is the inverse of Role.String.
func ParseRole(s string) (Role, error) {
	switch s {
	case "viewer":
		return Viewer, nil
	case "editor":
		return Editor, nil
	case "owner":
		return Owner, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
}

// MarshalText encodes the role by name.
func (r Role) MarshalText() ([]byte, error) {
	if r < Viewer || r > Owner {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRole, int(r))
	}

	return []byte(r.String()), nil
}

// UnmarshalText decodes a role name.
func (r *Role) UnmarshalText(text []byte) error {
	role, err := ParseRole(string(text))
	if err != nil {
		return err
	}

	*r = role

	return nil
}

// Allows reports whether the role may perform action.
func (r Role) Allows(action Action) bool {
	switch action {
	case ActionRead:
		return r >= Viewer
	case ActionWrite:
		return r >= Editor
	case ActionShare:
		return r >= Owner
	default:
		return false
	}
}

// Permission represents a user's access to a specific document.
type Permission struct {
	DocID  string `json:"documentId"`
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}
