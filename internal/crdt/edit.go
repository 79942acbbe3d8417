package crdt

// Path addresses a node by visible child indices starting at the root.
// The empty path is the root itself.
type Path []int

// Edit is a structural change expressed in the coordinates the UI sees.
type Edit struct {
	Kind OpKind

	// Path is the container for inserts and the affected node otherwise.
	Path Path

	// Index is the visible position inside the container (inserts only).
	Index int

	NodeKind string
	Value    string
	Attrs    map[string]string

	Key    string
	Remove bool
}

// InsertNode inserts a node of the given kind at index inside the container
// found at path.
func InsertNode(path Path, index int, kind, value string, attrs map[string]string) Edit {
	return Edit{Kind: Insert, Path: path, Index: index, NodeKind: kind, Value: value, Attrs: attrs}
}

// DeleteNode removes the node found at path.
func DeleteNode(path Path) Edit {
	return Edit{Kind: Delete, Path: path}
}

// SetAttr writes value into the key register of the node found at path.
func SetAttr(path Path, key, value string) Edit {
	return Edit{Kind: Update, Path: path, Key: key, Value: value}
}

// RemoveAttr clears the key register of the node found at path.
func RemoveAttr(path Path, key string) Edit {
	return Edit{Kind: Update, Path: path, Key: key, Remove: true}
}
