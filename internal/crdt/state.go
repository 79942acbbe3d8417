package crdt

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// StateSchemaVersion is written into every serialized state.
const StateSchemaVersion = 1

type stateDoc struct {
	SchemaVersion int            `json:"schemaVersion"`
	Summary       VersionSummary `json:"summary"`
	Nodes         []nodeState    `json:"nodes"`
}

type nodeState struct {
	ID        NodeID      `json:"id"`
	Container NodeID      `json:"container"`
	Anchor    NodeID      `json:"anchor"`
	Kind      string      `json:"kind"`
	Value     string      `json:"value,omitempty"`
	Deleted   bool        `json:"deleted,omitempty"`
	Attrs     []attrState `json:"attrs,omitempty"`
}

type attrState struct {
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"`
	Removed bool   `json:"removed,omitempty"`
	By      OpID   `json:"by"`
}

// compareIDs orders by clock, then replica. Causal predecessors always have a
// lower Lamport clock, so this order lists containers and anchors first.
func compareIDs(a, b OpID) int {
	switch {
	case a.Clock < b.Clock:
		return -1
	case a.Clock > b.Clock:
		return 1
	default:
		return strings.Compare(string(a.Replica), string(b.Replica))
	}
}

// Serialize captures the full replicated state, tombstones included, in a
// deterministic byte form.
func (e *Engine) Serialize() ([]byte, error) {
	doc := stateDoc{
		SchemaVersion: StateSchemaVersion,
		Summary:       e.summary.Clone(),
	}

	ids := slices.SortedFunc(maps.Keys(e.nodes), compareIDs)
	for _, id := range ids {
		n := e.nodes[id]

		rec := nodeState{
			ID:        n.id,
			Container: n.container,
			Anchor:    n.anchor,
			Kind:      n.kind,
			Value:     n.value,
			Deleted:   n.deleted,
		}

		for _, key := range slices.Sorted(maps.Keys(n.attrs)) {
			reg := n.attrs[key]
			rec.Attrs = append(rec.Attrs, attrState{Key: key, Value: reg.value, Removed: reg.removed, By: reg.by})
		}

		doc.Nodes = append(doc.Nodes, rec)
	}

	return json.Marshal(doc)
}

// Deserialize rebuilds a replica from serialized state. Operations newer than
// the state's summary can be replayed on the result with ApplyRemote.
func Deserialize(replica ReplicaID, data []byte) (*Engine, error) {
	e := NewEngine(replica)

	if err := e.Merge(data); err != nil {
		return nil, err
	}

	return e, nil
}

// Merge folds another replica's serialized state into this one. Merging is a
// union of nodes: tombstones win, registers keep their LWW winner, summaries
// take the per-replica maximum. It is commutative, associative and idempotent.
func (e *Engine) Merge(data []byte) error {
	var doc stateDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedState, err)
	}

	if doc.SchemaVersion != StateSchemaVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedData, doc.SchemaVersion)
	}

	slices.SortFunc(doc.Nodes, func(a, b nodeState) int { return compareIDs(a.ID, b.ID) })

	if err := e.checkClosed(doc); err != nil {
		return err
	}

	for _, rec := range doc.Nodes {
		n, ok := e.nodes[rec.ID]
		if !ok {
			n = &node{
				id:        rec.ID,
				container: rec.Container,
				anchor:    rec.Anchor,
				kind:      rec.Kind,
				value:     rec.Value,
			}
			e.nodes[n.id] = n
			e.link(n)
		}

		if rec.Deleted {
			n.deleted = true
			n.attrs = nil
		}

		if n.deleted {
			continue
		}

		for _, a := range rec.Attrs {
			n.setRegister(a.Key, register{value: a.Value, removed: a.Removed, by: a.By})
		}
	}

	for replica, clock := range doc.Summary {
		if clock > e.summary[replica] {
			// The log has none of the operations this state adds.
			e.horizon.Observe(OpID{Replica: replica, Clock: clock})
		}
	}

	e.summary.Merge(doc.Summary)

	if highest := e.summary.Max(); highest > e.clock {
		e.clock = highest
	}

	if own := e.summary[e.replica]; own > e.last.Clock {
		e.last = OpID{Replica: e.replica, Clock: own}
	}

	e.drain()
	e.notify(ChangeMerged, nil)

	return nil
}

// checkClosed verifies that every new node refers to nodes that exist locally
// or arrive in the same state, before anything is mutated.
func (e *Engine) checkClosed(doc stateDoc) error {
	known := make(map[NodeID]bool, len(doc.Nodes))

	for _, rec := range doc.Nodes {
		if rec.ID.IsZero() {
			if rec.Kind != KindRoot {
				return fmt.Errorf("%w: root record has kind %q", ErrMalformedState, rec.Kind)
			}

			continue
		}

		if _, ok := e.nodes[rec.ID]; !ok {
			for _, ref := range []NodeID{rec.Container, rec.Anchor} {
				if ref.IsZero() || known[ref] {
					continue
				}

				if _, ok := e.nodes[ref]; !ok {
					return fmt.Errorf("%w: node %s refers to unknown %s", ErrMalformedState, rec.ID, ref)
				}
			}
		}

		if !doc.Summary.Covers(rec.ID) {
			return fmt.Errorf("%w: node %s is not covered by the summary", ErrMalformedState, rec.ID)
		}

		known[rec.ID] = true
	}

	return nil
}
