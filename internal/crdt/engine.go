package crdt

import (
	"fmt"
	"maps"
	"slices"
	"sort"
)

// register is one last-writer-wins attribute slot.
type register struct {
	value   string
	removed bool
	by      OpID
}

// node is the replicated record behind every document element. Nodes are
// never removed, deleted ones stay behind as tombstones so later inserts can
// still anchor on them.
type node struct {
	id        NodeID
	container NodeID
	anchor    NodeID
	kind      string
	value     string
	deleted   bool
	attrs     map[string]register
}

// seqKey addresses the ordered successors of an anchor inside one container.
// The zero anchor is the head of the container.
type seqKey struct {
	container NodeID
	anchor    NodeID
}

// ChangeOrigin tells subscribers where a change came from.
type ChangeOrigin int

const (
	ChangeLocal ChangeOrigin = iota
	ChangeRemote
	ChangeMerged
)

// Change is delivered to subscribers after the state changed.
type Change struct {
	Origin ChangeOrigin
	Ops    []Operation
}

// Engine is one replica's view of a replicated document tree.
//
// Children of a container form an RGA sequence: every inserted node follows
// an anchor sibling, and nodes sharing an anchor are ordered by OpID.Precedes.
// Attributes are LWW registers. Deletes always win over concurrent edits.
//
// An Engine is not safe for concurrent use; its owner serializes access.
type Engine struct {
	replica ReplicaID
	clock   uint64
	last    OpID

	nodes   map[NodeID]*node
	seq     map[seqKey][]NodeID
	summary VersionSummary

	// log holds integrated operations in causal order. horizon marks, per
	// replica, the clock up to which the log is known to be incomplete.
	log     []Operation
	horizon VersionSummary

	pending map[OpID]Operation

	listeners    map[int]func(Change)
	nextListener int
}

// NewEngine creates an empty document for the given replica.
func NewEngine(replica ReplicaID) *Engine {
	e := &Engine{
		replica:   replica,
		nodes:     make(map[NodeID]*node),
		seq:       make(map[seqKey][]NodeID),
		summary:   make(VersionSummary),
		horizon:   make(VersionSummary),
		pending:   make(map[OpID]Operation),
		listeners: make(map[int]func(Change)),
	}
	e.nodes[RootID] = &node{kind: KindRoot}

	return e
}

// Replica returns the replica id this engine stamps local operations with.
func (e *Engine) Replica() ReplicaID {
	return e.replica
}

// Clock returns the current Lamport clock.
func (e *Engine) Clock() uint64 {
	return e.clock
}

// Summary returns a copy of the version summary.
func (e *Engine) Summary() VersionSummary {
	return e.summary.Clone()
}

// PendingCount returns the number of buffered operations waiting for
// dependencies.
func (e *Engine) PendingCount() int {
	return len(e.pending)
}

// LogLen returns the number of operations retained for delta sync.
func (e *Engine) LogLen() int {
	return len(e.log)
}

// Subscribe registers fn to be called after every state change. The returned
// function removes the subscription.
func (e *Engine) Subscribe(fn func(Change)) func() {
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = fn

	return func() {
		delete(e.listeners, id)
	}
}

func (e *Engine) notify(origin ChangeOrigin, ops []Operation) {
	change := Change{Origin: origin, Ops: ops}

	ids := slices.Sorted(maps.Keys(e.listeners))
	for _, id := range ids {
		if fn, ok := e.listeners[id]; ok {
			fn(change)
		}
	}
}

// ApplyLocal turns a UI edit into an operation stamped with the next clock,
// applies it and returns it for broadcast.
func (e *Engine) ApplyLocal(edit Edit) (Operation, error) {
	op, err := e.prepare(edit)
	if err != nil {
		return Operation{}, err
	}

	e.clock++
	op.ID = OpID{Replica: e.replica, Clock: e.clock}
	op.DependsOn = e.dependencies(op)

	e.integrate(op)
	e.notify(ChangeLocal, []Operation{op})

	return op, nil
}

// InsertText inserts text at index inside the text container at path, one
// char node per rune, each anchored on the previous one so the run stays
// contiguous under concurrent edits.
func (e *Engine) InsertText(path Path, index int, text string) ([]Operation, error) {
	var ops []Operation

	for i, r := range []rune(text) {
		op, err := e.ApplyLocal(InsertNode(path, index+i, KindChar, string(r), nil))
		if err != nil {
			return ops, err
		}

		ops = append(ops, op)
	}

	return ops, nil
}

// prepare validates an edit against the current state and resolves its path
// into node ids.
func (e *Engine) prepare(edit Edit) (Operation, error) {
	target, err := e.resolve(edit.Path)
	if err != nil {
		return Operation{}, err
	}

	switch edit.Kind {
	case Insert:
		if edit.NodeKind == "" || edit.NodeKind == KindRoot {
			return Operation{}, fmt.Errorf("%w: insert needs a node kind", ErrInvalidEdit)
		}

		visible := e.visibleChildren(target)
		if edit.Index < 0 || edit.Index > len(visible) {
			return Operation{}, fmt.Errorf("%w: %d not in [0,%d]", ErrInvalidIndex, edit.Index, len(visible))
		}

		var anchor NodeID
		if edit.Index > 0 {
			anchor = visible[edit.Index-1]
		}

		return Operation{
			Kind:   Insert,
			Target: target,
			Anchor: anchor,
			Payload: Payload{
				NodeKind: edit.NodeKind,
				Value:    edit.Value,
				Attrs:    maps.Clone(edit.Attrs),
			},
		}, nil
	case Delete:
		if len(edit.Path) == 0 {
			return Operation{}, fmt.Errorf("%w: the root cannot be deleted", ErrInvalidEdit)
		}

		return Operation{Kind: Delete, Target: target}, nil
	case Update:
		if edit.Key == "" {
			return Operation{}, fmt.Errorf("%w: update needs a key", ErrInvalidEdit)
		}

		payload := Payload{Key: edit.Key, Remove: edit.Remove}
		if !edit.Remove {
			payload.Value = edit.Value
		}

		return Operation{Kind: Update, Target: target, Payload: payload}, nil
	default:
		return Operation{}, fmt.Errorf("%w: unknown kind %d", ErrInvalidEdit, edit.Kind)
	}
}

// resolve walks visible children from the root.
func (e *Engine) resolve(path Path) (NodeID, error) {
	current := RootID

	for depth, index := range path {
		visible := e.visibleChildren(current)
		if index < 0 || index >= len(visible) {
			return NodeID{}, fmt.Errorf("%w: index %d at depth %d", ErrInvalidPath, index, depth)
		}

		current = visible[index]
	}

	return current, nil
}

// dependencies lists the causal predecessors of a freshly stamped local op:
// this replica's previous op and every node the op refers to.
func (e *Engine) dependencies(op Operation) []OpID {
	var deps []OpID

	add := func(id OpID) {
		if id.IsZero() || id == op.ID || slices.Contains(deps, id) {
			return
		}

		deps = append(deps, id)
	}

	add(e.last)
	add(op.Target)
	add(op.Anchor)

	return deps
}

// ApplyRemote integrates an operation produced by another replica. Already
// covered operations are skipped; operations with unseen dependencies are
// buffered and reported with a *CausalGapError.
func (e *Engine) ApplyRemote(op Operation) (Result, error) {
	if e.summary.Covers(op.ID) {
		return Skipped, nil
	}

	if err := e.validate(op); err != nil {
		return Skipped, err
	}

	if missing := e.missing(op); len(missing) > 0 {
		e.pending[op.ID] = op

		return Pending, &CausalGapError{Ops: []OpID{op.ID}, Missing: missing}
	}

	e.integrate(op)

	applied := append([]Operation{op}, e.drain()...)
	e.notify(ChangeRemote, applied)

	return Applied, nil
}

// ApplyRemoteBatch integrates a batch in any order. It returns the operations
// that were newly integrated (including previously buffered ones the batch
// unblocked) and a *CausalGapError for batch members still waiting.
func (e *Engine) ApplyRemoteBatch(ops []Operation) ([]Operation, error) {
	var (
		queued  []OpID
		invalid error
	)

	for _, op := range ops {
		if e.summary.Covers(op.ID) {
			continue
		}

		if err := e.validate(op); err != nil {
			invalid = err

			continue
		}

		if _, ok := e.pending[op.ID]; !ok {
			e.pending[op.ID] = op
		}

		queued = append(queued, op.ID)
	}

	applied := e.drain()
	if len(applied) > 0 {
		e.notify(ChangeRemote, applied)
	}

	gap := &CausalGapError{}

	for _, id := range queued {
		op, ok := e.pending[id]
		if !ok || slices.Contains(gap.Ops, id) {
			continue
		}

		gap.Ops = append(gap.Ops, id)

		for _, m := range e.missing(op) {
			if !slices.Contains(gap.Missing, m) {
				gap.Missing = append(gap.Missing, m)
			}
		}
	}

	if len(gap.Ops) > 0 {
		return applied, gap
	}

	return applied, invalid
}

// validate rejects operations that could never be integrated safely.
func (e *Engine) validate(op Operation) error {
	if op.ID.Replica == "" || op.ID.Clock == 0 {
		return fmt.Errorf("%w: operation without origin", ErrInvalidEdit)
	}

	switch op.Kind {
	case Insert:
		if op.Payload.NodeKind == "" || op.Payload.NodeKind == KindRoot {
			return fmt.Errorf("%w: insert %s without node kind", ErrInvalidEdit, op.ID)
		}
	case Delete:
		if op.Target.IsZero() {
			return fmt.Errorf("%w: delete %s targets the root", ErrInvalidEdit, op.ID)
		}
	case Update:
		if op.Payload.Key == "" {
			return fmt.Errorf("%w: update %s without key", ErrInvalidEdit, op.ID)
		}
	default:
		return fmt.Errorf("%w: operation %s has kind %d", ErrInvalidEdit, op.ID, op.Kind)
	}

	// Every op after an origin's first must chain to its predecessor,
	// otherwise the per-replica summary would skip over a hole.
	chained := false

	for _, dep := range op.DependsOn {
		if dep.Replica == op.ID.Replica {
			if dep.Clock >= op.ID.Clock {
				return fmt.Errorf("%w: %s depends on its own future %s", ErrInvalidEdit, op.ID, dep)
			}

			chained = true
		}
	}

	if !chained && e.summary[op.ID.Replica] > 0 {
		return fmt.Errorf("%w: %s does not chain to earlier operations of its replica", ErrInvalidEdit, op.ID)
	}

	return nil
}

// missing returns the dependencies (declared or structural) not yet seen.
func (e *Engine) missing(op Operation) []OpID {
	var out []OpID

	for _, dep := range op.DependsOn {
		if !e.summary.Covers(dep) && !slices.Contains(out, dep) {
			out = append(out, dep)
		}
	}

	refs := []NodeID{op.Target}
	if op.Kind == Insert {
		refs = append(refs, op.Anchor)
	}

	for _, ref := range refs {
		if ref.IsZero() {
			continue
		}

		if _, ok := e.nodes[ref]; !ok && !slices.Contains(out, ref) {
			out = append(out, ref)
		}
	}

	return out
}

// drain integrates every buffered operation whose dependencies are now met.
func (e *Engine) drain() []Operation {
	var applied []Operation

	for progress := true; progress && len(e.pending) > 0; {
		progress = false

		ids := slices.SortedFunc(maps.Keys(e.pending), compareIDs)

		for _, id := range ids {
			op := e.pending[id]

			if e.summary.Covers(id) {
				delete(e.pending, id)

				continue
			}

			if len(e.missing(op)) > 0 {
				continue
			}

			delete(e.pending, id)
			e.integrate(op)
			applied = append(applied, op)
			progress = true
		}
	}

	return applied
}

// integrate mutates the state. Callers guarantee dependencies are present.
func (e *Engine) integrate(op Operation) {
	switch op.Kind {
	case Insert:
		n := &node{
			id:        op.ID,
			container: op.Target,
			anchor:    op.Anchor,
			kind:      op.Payload.NodeKind,
			value:     op.Payload.Value,
		}

		for key, value := range op.Payload.Attrs {
			n.setRegister(key, register{value: value, by: op.ID})
		}

		e.nodes[n.id] = n
		e.link(n)
	case Delete:
		n := e.nodes[op.Target]
		n.deleted = true
		n.attrs = nil
	case Update:
		n := e.nodes[op.Target]
		if !n.deleted {
			n.setRegister(op.Payload.Key, register{
				value:   op.Payload.Value,
				removed: op.Payload.Remove,
				by:      op.ID,
			})
		}
	}

	e.summary.Observe(op.ID)

	if op.ID.Replica == e.replica && op.ID.Clock > e.last.Clock {
		e.last = op.ID
	}

	if op.ID.Clock > e.clock {
		e.clock = op.ID.Clock
	}

	e.log = append(e.log, op)
}

// setRegister keeps the winning write for key.
func (n *node) setRegister(key string, reg register) {
	if n.attrs == nil {
		n.attrs = make(map[string]register)
	}

	current, ok := n.attrs[key]
	if !ok || reg.by.Precedes(current.by) {
		n.attrs[key] = reg
	}
}

// link places n among the successors of its anchor.
func (e *Engine) link(n *node) {
	key := seqKey{container: n.container, anchor: n.anchor}
	siblings := e.seq[key]

	pos := sort.Search(len(siblings), func(i int) bool {
		return n.id.Precedes(siblings[i])
	})

	e.seq[key] = slices.Insert(siblings, pos, n.id)
}

// walk visits every node of a container in sequence order, tombstones
// included.
func (e *Engine) walk(container NodeID, visit func(*node)) {
	type frame struct {
		ids []NodeID
		i   int
	}

	stack := []frame{{ids: e.seq[seqKey{container: container}]}}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.i >= len(top.ids) {
			stack = stack[:len(stack)-1]

			continue
		}

		id := top.ids[top.i]
		top.i++

		visit(e.nodes[id])

		if next := e.seq[seqKey{container: container, anchor: id}]; len(next) > 0 {
			stack = append(stack, frame{ids: next})
		}
	}
}

// visibleChildren returns the live children of a container in order.
func (e *Engine) visibleChildren(container NodeID) []NodeID {
	var out []NodeID

	e.walk(container, func(n *node) {
		if !n.deleted {
			out = append(out, n.id)
		}
	})

	return out
}

// OpsSince returns the retained operations not covered by since, in causal
// order. It reports false when the log was trimmed or rebuilt from a state
// that since does not already include; the caller must then send full state.
func (e *Engine) OpsSince(since VersionSummary) ([]Operation, bool) {
	if !since.Dominates(e.horizon) {
		return nil, false
	}

	var out []Operation

	for _, op := range e.log {
		if !since.Covers(op.ID) {
			out = append(out, op)
		}
	}

	return out, true
}

// TrimLog drops retained operations covered by upTo. Peers behind upTo will be
// served full state afterwards.
func (e *Engine) TrimLog(upTo VersionSummary) {
	kept := e.log[:0]

	for _, op := range e.log {
		if !upTo.Covers(op.ID) {
			kept = append(kept, op)
		}
	}

	clear(e.log[len(kept):])
	e.log = kept

	for replica, clock := range upTo {
		if clock > e.summary[replica] {
			clock = e.summary[replica]
		}

		e.horizon.Observe(OpID{Replica: replica, Clock: clock})
	}
}
