package crdt

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func syncDocs(t *testing.T, a, b *Doc) {
	t.Helper()
	toB, err := EncodeStateAsUpdate(a, EncodeStateVector(b))
	require.NoError(t, err)
	require.NoError(t, ApplyUpdate(b, toB, "peer"))
	toA, err := EncodeStateAsUpdate(b, EncodeStateVector(a))
	require.NoError(t, err)
	require.NoError(t, ApplyUpdate(a, toA, "peer"))
}

func collectUpdates(d *Doc) *[][]byte {
	var updates [][]byte
	d.OnUpdate(func(update []byte, origin any, local bool) {
		updates = append(updates, update)
	})
	return &updates
}

func TestConcurrentWritesConverge(t *testing.T) {
	a := NewDoc(WithClientID(1))
	b := NewDoc(WithClientID(2))

	require.NoError(t, a.GetMap("root").Set("k", "from-a"))
	require.NoError(t, b.GetMap("root").Set("k", "from-b"))
	require.NoError(t, a.GetMap("root").Set("only-a", true))

	syncDocs(t, a, b)

	assert.Equal(t, a.ToJSON(), b.ToJSON())
	got, ok := a.GetMap("root").Get("k")
	require.True(t, ok)
	assert.Equal(t, "from-b", got)
}

func TestLaterWriteWinsAfterSync(t *testing.T) {
	a := NewDoc(WithClientID(2))
	b := NewDoc(WithClientID(1))

	require.NoError(t, a.GetMap("root").Set("k", 1))
	syncDocs(t, a, b)
	require.NoError(t, b.GetMap("root").Set("k", 2))
	syncDocs(t, a, b)

	got, _ := a.GetMap("root").Get("k")
	assert.Equal(t, float64(2), got)
	assert.Equal(t, a.ToJSON(), b.ToJSON())
}

func TestOutOfOrderUpdatesWaitForDependencies(t *testing.T) {
	a := NewDoc(WithClientID(1))
	updates := collectUpdates(a)

	node := a.GetMap("root").SetMap("n")
	require.NoError(t, node.Set("x", 1))
	require.Len(t, *updates, 2)

	b := NewDoc(WithClientID(2))
	require.NoError(t, ApplyUpdate(b, (*updates)[1], nil))
	assert.False(t, b.GetMap("root").Has("n"))

	require.NoError(t, ApplyUpdate(b, (*updates)[0], nil))
	assert.Equal(t, map[string]any{"n": map[string]any{"x": float64(1)}}, b.GetMap("root").ToJSON())
}

func TestDeleteArrivingBeforeInsert(t *testing.T) {
	a := NewDoc(WithClientID(1))
	updates := collectUpdates(a)

	root := a.GetMap("root")
	require.NoError(t, root.Set("k", "v"))
	root.Delete("k")
	require.Len(t, *updates, 2)

	b := NewDoc(WithClientID(2))
	require.NoError(t, ApplyUpdate(b, (*updates)[1], nil))
	require.NoError(t, ApplyUpdate(b, (*updates)[0], nil))
	assert.False(t, b.GetMap("root").Has("k"))
	assert.Equal(t, a.ToJSON(), b.ToJSON())
}

func TestWideDeleteRangeCoversOnlyKnownAndLaterItems(t *testing.T) {
	src := NewDoc(WithClientID(7))
	root := src.GetMap("root")
	for _, k := range []string{"k0", "k1", "k2"} {
		require.NoError(t, root.Set(k, k))
	}
	require.Len(t, src.store[7], 3)
	full, err := EncodeStateAsUpdate(src, nil)
	require.NoError(t, err)

	d := NewDoc(WithClientID(1))
	require.NoError(t, ApplyUpdate(d, full, nil))

	wide := mustMarshal(wireUpdate{Deletes: []deleteRange{{Client: 7, Clock: 1, Len: 1 << 40}}})
	start := time.Now()
	require.NoError(t, ApplyUpdate(d, wide, nil))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, map[string]any{"k0": "k0"}, d.GetMap("root").ToJSON())
	require.Len(t, d.pendingDeletes, 1)
	assert.Equal(t, deleteRange{Client: 7, Clock: 3, Len: 1<<40 - 2}, d.pendingDeletes[0])

	// A later item of client 7 falls inside the pending range.
	require.NoError(t, root.Set("k3", "k3"))
	later, err := EncodeStateAsUpdate(src, EncodeStateVector(d))
	require.NoError(t, err)
	require.NoError(t, ApplyUpdate(d, later, nil))
	assert.False(t, d.GetMap("root").Has("k3"))

	merged, err := MergeUpdates(full, wide)
	require.NoError(t, err)
	fresh := NewDoc(WithClientID(2))
	require.NoError(t, ApplyUpdate(fresh, merged, nil))
	assert.Equal(t, map[string]any{"k0": "k0"}, fresh.GetMap("root").ToJSON())
}

func TestOverflowingDeleteRangeIsRejected(t *testing.T) {
	bad := mustMarshal(wireUpdate{Deletes: []deleteRange{{Client: 7, Clock: math.MaxUint64, Len: 2}}})
	assert.ErrorIs(t, ApplyUpdate(NewDoc(), bad, nil), ErrMalformedUpdate)
	_, err := MergeUpdates(bad)
	assert.ErrorIs(t, err, ErrMalformedUpdate)
}

func TestApplyingAnUpdateTwiceIsIdempotent(t *testing.T) {
	a := NewDoc(WithClientID(1))
	require.NoError(t, a.GetMap("root").Set("k", "v"))
	full, err := EncodeStateAsUpdate(a, nil)
	require.NoError(t, err)

	b := NewDoc(WithClientID(2))
	updates := collectUpdates(b)
	require.NoError(t, ApplyUpdate(b, full, nil))
	require.NoError(t, ApplyUpdate(b, full, nil))

	assert.Len(t, *updates, 1)
	assert.Equal(t, a.ToJSON(), b.ToJSON())
}

func TestDeepObserverEvents(t *testing.T) {
	doc := NewDoc(WithClientID(1))
	root := doc.GetMap("root")

	var batches [][]*MapEvent
	root.ObserveDeep(func(events []*MapEvent, tx *Transaction) {
		batches = append(batches, events)
	})

	var node *Map
	doc.Transact(func(tx *Transaction) {
		node = root.SetMap("n")
		require.NoError(t, node.Set("x", 1))
	}, nil)
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Same(t, root, batches[0][0].Target)
	assert.Equal(t, ActionAdd, batches[0][0].Keys["n"].Action)

	require.NoError(t, node.Set("x", 2))
	require.Len(t, batches, 2)
	evt := batches[1][0]
	assert.Same(t, node, evt.Target)
	assert.Equal(t, []string{"n"}, evt.Target.Path())
	assert.Equal(t, KeyChange{Action: ActionUpdate, OldValue: float64(1)}, evt.Keys["x"])

	root.Delete("n")
	require.Len(t, batches, 3)
	require.Len(t, batches[2], 1)
	assert.Equal(t, ActionDelete, batches[2][0].Keys["n"].Action)
	assert.Equal(t, map[string]any{"x": float64(2)}, batches[2][0].Keys["n"].OldValue)
}

func TestUpdateHandlerReportsOrigin(t *testing.T) {
	a := NewDoc(WithClientID(1))
	require.NoError(t, a.GetMap("root").Set("k", "v"))
	full, err := EncodeStateAsUpdate(a, nil)
	require.NoError(t, err)

	b := NewDoc(WithClientID(2))
	var gotOrigin any
	gotLocal := true
	b.OnUpdate(func(update []byte, origin any, local bool) {
		gotOrigin, gotLocal = origin, local
	})
	require.NoError(t, ApplyUpdate(b, full, "relay"))
	assert.Equal(t, "relay", gotOrigin)
	assert.False(t, gotLocal)
}

func TestUntypedRootsAreReportedUnknown(t *testing.T) {
	a := NewDoc(WithClientID(1))
	require.NoError(t, a.GetMap("root").Set("k", "v"))
	full, err := EncodeStateAsUpdate(a, nil)
	require.NoError(t, err)

	b := NewDoc(WithClientID(2))
	require.NoError(t, ApplyUpdate(b, full, nil))
	assert.Equal(t, map[string]ShareKind{"root": KindUnknown}, b.Share())
	assert.Equal(t, map[string]any{"root": map[string]any{"k": "v"}}, b.ToJSON())

	b.GetMap("root")
	assert.Equal(t, KindMap, b.Share()["root"])
}

func TestStateVectorFromUpdate(t *testing.T) {
	a := NewDoc(WithClientID(7))
	root := a.GetMap("root")
	require.NoError(t, root.Set("a", 1))
	require.NoError(t, root.Set("b", 2))

	full, err := EncodeStateAsUpdate(a, nil)
	require.NoError(t, err)
	fromUpdate, err := EncodeStateVectorFromUpdate(full)
	require.NoError(t, err)

	want, err := DecodeStateVector(EncodeStateVector(a))
	require.NoError(t, err)
	got, err := DecodeStateVector(fromUpdate)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestMergeUpdatesMatchesFullState(t *testing.T) {
	a := NewDoc(WithClientID(1))
	updates := collectUpdates(a)
	root := a.GetMap("root")
	require.NoError(t, root.Set("a", 1))
	require.NoError(t, root.Set("b", 2))
	root.Delete("a")

	merged, err := MergeUpdates(*updates...)
	require.NoError(t, err)

	b := NewDoc(WithClientID(2))
	require.NoError(t, ApplyUpdate(b, merged, nil))
	assert.Equal(t, a.ToJSON(), b.ToJSON())
}

func TestMalformedUpdateIsRejected(t *testing.T) {
	err := ApplyUpdate(NewDoc(), []byte{0xff, 0x00}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedUpdate)
}
