package crdt

import (
	"maps"
	"strings"
)

// Node is the plain, read-only projection of a document element handed to
// the UI: a script is a "text" node of "char" children, a whiteboard is a
// list of "shape" nodes with attributes.
type Node struct {
	ID       NodeID            `json:"id"`
	Kind     string            `json:"kind"`
	Value    string            `json:"value,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Children []Node            `json:"children,omitempty"`
}

// Text concatenates the values of all descendants in document order.
func (n Node) Text() string {
	var b strings.Builder

	n.writeText(&b)

	return b.String()
}

func (n Node) writeText(b *strings.Builder) {
	for _, child := range n.Children {
		b.WriteString(child.Value)
		child.writeText(b)
	}
}

// At returns the node found by following path from n.
func (n Node) At(path Path) (Node, bool) {
	current := n

	for _, index := range path {
		if index < 0 || index >= len(current.Children) {
			return Node{}, false
		}

		current = current.Children[index]
	}

	return current, true
}

// Materialize projects the current state into a Node tree. It has no side
// effects.
func (e *Engine) Materialize() Node {
	return e.project(e.nodes[RootID])
}

func (e *Engine) project(n *node) Node {
	out := Node{
		ID:    n.id,
		Kind:  n.kind,
		Value: n.value,
	}

	for key, reg := range n.attrs {
		if reg.removed {
			continue
		}

		if out.Attrs == nil {
			out.Attrs = make(map[string]string, len(n.attrs))
		}

		out.Attrs[key] = reg.value
	}

	for _, id := range e.visibleChildren(n.id) {
		out.Children = append(out.Children, e.project(e.nodes[id]))
	}

	return out
}

// Equal reports whether two projections carry the same content.
func (n Node) Equal(other Node) bool {
	if n.ID != other.ID || n.Kind != other.Kind || n.Value != other.Value {
		return false
	}

	if !maps.Equal(n.Attrs, other.Attrs) || len(n.Children) != len(other.Children) {
		return false
	}

	for i := range n.Children {
		if !n.Children[i].Equal(other.Children[i]) {
			return false
		}
	}

	return true
}
