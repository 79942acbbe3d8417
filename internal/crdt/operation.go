package crdt

// OpKind is the structural effect of an operation.
type OpKind int

const (
	// Insert creates a node inside a container, right after an anchor sibling.
	Insert OpKind = iota + 1
	// Delete tombstones a node; its attributes and subtree are discarded.
	Delete
	// Update writes (or removes) one attribute register of a node.
	Update
)

// String returns the string representation of the kind.
func (k OpKind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Delete:
		return "delete"
	case Update:
		return "update"
	default:
		return "unknown"
	}
}

// Well-known node kinds used by the script and whiteboard editors.
const (
	KindRoot  = "root"
	KindText  = "text"
	KindChar  = "char"
	KindShape = "shape"
)

// Payload carries the kind-specific data of an operation.
type Payload struct {
	// Insert
	NodeKind string            `json:"nodeKind,omitempty"`
	Value    string            `json:"value,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty"`

	// Update
	Key    string `json:"key,omitempty"`
	Remove bool   `json:"remove,omitempty"`
}

// Operation is one immutable, causally stamped edit exchanged between
// replicas.
//
// For inserts Target is the container and Anchor the sibling the new node
// follows (zero for the head of the container). For deletes and updates
// Target is the affected node.
type Operation struct {
	ID        OpID    `json:"id"`
	Kind      OpKind  `json:"kind"`
	Target    NodeID  `json:"target"`
	Anchor    NodeID  `json:"anchor,omitempty"`
	Payload   Payload `json:"payload"`
	DependsOn []OpID  `json:"dependsOn,omitempty"`
}

// Result describes what ApplyRemote did with an operation.
type Result int

const (
	// Applied means the operation was integrated into the state.
	Applied Result = iota
	// Skipped means the operation was already integrated.
	Skipped
	// Pending means the operation waits for an unseen dependency.
	Pending
)

// String returns the string representation of the result.
func (r Result) String() string {
	switch r {
	case Applied:
		return "applied"
	case Skipped:
		return "skipped"
	case Pending:
		return "pending"
	default:
		return "unknown"
	}
}
