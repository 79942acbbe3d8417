package crdt_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serroba/scenesync/internal/crdt"
)

func TestState_SerializeDeserialize(t *testing.T) {
	t.Parallel()

	engines := newTextReplicas(t, "a")
	a := engines[0]

	_, err := a.InsertText(crdt.Path{0}, 0, "scene 1")
	require.NoError(t, err)

	_, err = a.ApplyLocal(crdt.DeleteNode(crdt.Path{0, 5}))
	require.NoError(t, err)

	_, err = a.ApplyLocal(crdt.InsertNode(nil, 1, crdt.KindShape, "", map[string]string{"x": "4"}))
	require.NoError(t, err)

	data, err := a.Serialize()
	require.NoError(t, err)

	restored, err := crdt.Deserialize("b", data)
	require.NoError(t, err)

	assert.True(t, a.Materialize().Equal(restored.Materialize()))
	assert.Equal(t, "scene1", restored.Materialize().Children[0].Text())
	assert.True(t, a.Summary().Equal(restored.Summary()))
	assert.GreaterOrEqual(t, restored.Clock(), a.Clock())

	again, err := restored.Serialize()
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(again))
}

func TestState_ReplayAfterSnapshotMatchesLiveState(t *testing.T) {
	t.Parallel()

	engines := newTextReplicas(t, "a", "b")
	a, b := engines[0], engines[1]

	_, err := a.InsertText(crdt.Path{0}, 0, "INT. HOUSE")
	require.NoError(t, err)
	syncAll(t, a, b)

	snapshot, err := b.Serialize()
	require.NoError(t, err)

	checkpoint := b.Summary()

	_, err = a.InsertText(crdt.Path{0}, 10, " - NIGHT")
	require.NoError(t, err)

	_, err = b.ApplyLocal(crdt.DeleteNode(crdt.Path{0, 0}))
	require.NoError(t, err)
	syncAll(t, a, b)

	tail, ok := a.OpsSince(checkpoint)
	require.True(t, ok)

	restored, err := crdt.Deserialize("server", snapshot)
	require.NoError(t, err)

	_, err = restored.ApplyRemoteBatch(tail)
	require.NoError(t, err)

	assert.True(t, a.Materialize().Equal(restored.Materialize()))
	assert.Equal(t, "NT. HOUSE - NIGHT", restored.Materialize().Text())
}

func TestState_MergeIsCommutativeAndIdempotent(t *testing.T) {
	t.Parallel()

	engines := newTextReplicas(t, "a", "b")
	a, b := engines[0], engines[1]

	_, err := a.InsertText(crdt.Path{0}, 0, "left")
	require.NoError(t, err)

	_, err = b.InsertText(crdt.Path{0}, 0, "right")
	require.NoError(t, err)

	_, err = b.ApplyLocal(crdt.InsertNode(nil, 0, crdt.KindShape, "", map[string]string{"fill": "blue"}))
	require.NoError(t, err)

	stateA, err := a.Serialize()
	require.NoError(t, err)

	stateB, err := b.Serialize()
	require.NoError(t, err)

	require.NoError(t, a.Merge(stateB))
	require.NoError(t, b.Merge(stateA))

	assert.True(t, a.Materialize().Equal(b.Materialize()))
	assert.True(t, a.Summary().Equal(b.Summary()))

	before := a.Materialize()
	require.NoError(t, a.Merge(stateB))
	require.NoError(t, a.Merge(stateA))
	assert.True(t, before.Equal(a.Materialize()))
}

func TestState_MergeRaisesDeltaHorizon(t *testing.T) {
	t.Parallel()

	engines := newTextReplicas(t, "a", "b")
	a, b := engines[0], engines[1]

	_, err := a.InsertText(crdt.Path{0}, 0, "abc")
	require.NoError(t, err)

	state, err := a.Serialize()
	require.NoError(t, err)
	require.NoError(t, b.Merge(state))

	// b learned a's edits as state, so it cannot replay them as operations.
	_, ok := b.OpsSince(crdt.VersionSummary{})
	assert.False(t, ok)

	ops, ok := b.OpsSince(a.Summary())
	assert.True(t, ok)
	assert.Empty(t, ops)
}

func TestState_LocalEditsAfterMergeChain(t *testing.T) {
	t.Parallel()

	engines := newTextReplicas(t, "a", "b")
	a, b := engines[0], engines[1]

	_, err := a.InsertText(crdt.Path{0}, 0, "abc")
	require.NoError(t, err)

	state, err := a.Serialize()
	require.NoError(t, err)

	// A reloaded tab of replica a picks up where the state left off.
	reloaded, err := crdt.Deserialize("a", state)
	require.NoError(t, err)

	ops, err := reloaded.InsertText(crdt.Path{0}, 3, "d")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), ops[0].ID.Clock)

	syncAll(t, a, b)

	_, err = b.ApplyRemoteBatch(ops)
	require.NoError(t, err)
	assert.Equal(t, "abcd", b.Materialize().Text())
}

func TestState_RejectsUnsupportedAndMalformedData(t *testing.T) {
	t.Parallel()

	e := crdt.NewEngine("a")

	err := e.Merge([]byte(`{"schemaVersion":99,"summary":{},"nodes":[]}`))
	require.ErrorIs(t, err, crdt.ErrUnsupportedData)

	err = e.Merge([]byte(`not json`))
	require.ErrorIs(t, err, crdt.ErrMalformedState)

	orphan := `{"schemaVersion":1,"summary":{"x":2},"nodes":[` +
		`{"id":"","container":"","anchor":"","kind":"root"},` +
		`{"id":"x@2","container":"x@1","anchor":"","kind":"char","value":"q"}]}`
	err = e.Merge([]byte(orphan))
	require.ErrorIs(t, err, crdt.ErrMalformedState)

	uncovered := `{"schemaVersion":1,"summary":{},"nodes":[` +
		`{"id":"x@1","container":"","anchor":"","kind":"shape"}]}`
	_, err = crdt.Deserialize("a", []byte(uncovered))
	require.ErrorIs(t, err, crdt.ErrMalformedState)

	// Nothing was applied by the failed merges.
	assert.Empty(t, e.Materialize().Children)
	assert.Empty(t, e.Summary())
}
