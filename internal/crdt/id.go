package crdt

import (
	"fmt"
	"strconv"
	"strings"
)

// ReplicaID identifies one editing replica (one browser tab, one server room).
type ReplicaID string

// OpID is the causal stamp of an operation: the replica that generated it and
// that replica's Lamport clock at generation time.
type OpID struct {
	Replica ReplicaID
	Clock   uint64
}

// NodeID identifies a document node by the insert operation that created it.
type NodeID = OpID

// RootID is the implicit root container of every document.
var RootID = NodeID{}

// IsZero reports whether the id is the zero value (the root, or "no anchor").
func (id OpID) IsZero() bool {
	return id.Replica == "" && id.Clock == 0
}

// Precedes is the total order used for every tie-break: the higher clock
// comes first, equal clocks fall back to the lower replica id.
func (id OpID) Precedes(other OpID) bool {
	if id.Clock != other.Clock {
		return id.Clock > other.Clock
	}

	return id.Replica < other.Replica
}

// String renders the id as "replica@clock".
func (id OpID) String() string {
	if id.IsZero() {
		return ""
	}

	return string(id.Replica) + "@" + strconv.FormatUint(id.Clock, 10)
}

// MarshalText implements encoding.TextMarshaler.
func (id OpID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *OpID) UnmarshalText(text []byte) error {
	parsed, err := ParseOpID(string(text))
	if err != nil {
		return err
	}

	*id = parsed

	return nil
}

// ParseOpID parses the "replica@clock" form produced by String.
func ParseOpID(s string) (OpID, error) {
	if s == "" {
		return OpID{}, nil
	}

	at := strings.LastIndexByte(s, '@')
	if at <= 0 {
		return OpID{}, fmt.Errorf("crdt: malformed op id %q", s)
	}

	clock, err := strconv.ParseUint(s[at+1:], 10, 64)
	if err != nil {
		return OpID{}, fmt.Errorf("crdt: malformed op id %q: %w", s, err)
	}

	return OpID{Replica: ReplicaID(s[:at]), Clock: clock}, nil
}
