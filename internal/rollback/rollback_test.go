package rollback

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treesync/internal/crdt"
)

func snapshotOf(t *testing.T, doc *crdt.Doc) []byte {
	t.Helper()
	b, err := crdt.EncodeStateAsUpdate(doc, nil)
	require.NoError(t, err)
	return b
}

func TestReverseUpdateRestoresSnapshotContent(t *testing.T) {
	live := crdt.NewDoc(crdt.WithClientID(1))
	ds := live.GetMap("datasource")
	require.NoError(t, ds.Set("title", "first"))
	rec := ds.SetMap("a")
	require.NoError(t, rec.Set("id", "a"))
	require.NoError(t, rec.SetMap("children").Set("b", 1))

	snapshot := snapshotOf(t, live)
	want := live.Content()

	require.NoError(t, ds.Set("title", "second"))
	ds.Delete("a")
	require.NoError(t, ds.SetMap("c").Set("id", "c"))
	require.NotEqual(t, want, live.Content())

	var origins []any
	live.OnUpdate(func(_ []byte, origin any, _ bool) { origins = append(origins, origin) })

	changed, err := ReverseUpdate(live, snapshot)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, want, live.Content())
	require.Len(t, origins, 1)
	assert.True(t, IsReverseOrigin(origins[0]))

	changed, err = ReverseUpdate(live, snapshot)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, origins, 1)
}

func TestReverseUpdateReachesPeers(t *testing.T) {
	live := crdt.NewDoc(crdt.WithClientID(1))
	peer := crdt.NewDoc(crdt.WithClientID(2))
	peer.GetMap("datasource")
	live.OnUpdate(func(update []byte, _ any, _ bool) {
		require.NoError(t, crdt.ApplyUpdate(peer, update, nil))
	})

	ds := live.GetMap("datasource")
	require.NoError(t, ds.Set("k", "before"))
	snapshot := snapshotOf(t, live)
	require.NoError(t, ds.Set("k", "after"))
	require.NoError(t, ds.Set("extra", true))

	_, err := ReverseUpdate(live, snapshot)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"datasource": map[string]any{"k": "before"}}, peer.Content())
}

func TestReverseUpdateRejectsUntypedRoots(t *testing.T) {
	source := crdt.NewDoc(crdt.WithClientID(1))
	require.NoError(t, source.GetMap("other").Set("k", "v"))

	live := crdt.NewDoc(crdt.WithClientID(2))
	require.NoError(t, live.GetMap("datasource").Set("k", "v"))
	snapshot := snapshotOf(t, live)
	require.NoError(t, crdt.ApplyUpdate(live, snapshotOf(t, source), nil))

	_, err := ReverseUpdate(live, snapshot)
	assert.ErrorIs(t, err, crdt.ErrUnknownShareType)
	assert.Equal(t, "v", live.ToJSON()["other"].(map[string]any)["k"])
}

func TestMaterializedDocumentNeedsKnownRoots(t *testing.T) {
	source := crdt.NewDoc(crdt.WithClientID(1))
	ds := source.GetMap("datasource")
	require.NoError(t, ds.Set("k", "before"))
	snapshot := snapshotOf(t, source)
	want := source.Content()
	require.NoError(t, ds.Set("k", "after"))
	current := snapshotOf(t, source)

	untyped, err := CreateSnapshotDocument(current)
	require.NoError(t, err)
	_, err = ReverseUpdate(untyped, snapshot)
	assert.ErrorIs(t, err, crdt.ErrUnknownShareType)

	live, err := CreateSnapshotDocument(current, "datasource")
	require.NoError(t, err)
	assert.Equal(t, crdt.KindMap, live.Share()["datasource"])
	changed, err := ReverseUpdate(live, snapshot)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, want, live.Content())
}

func TestReverseUpdateRejectsGarbage(t *testing.T) {
	live := crdt.NewDoc(crdt.WithClientID(1))
	_, err := ReverseUpdate(live, []byte("not an update"))
	assert.ErrorIs(t, err, crdt.ErrMalformedUpdate)
}

func TestCollectMetadata(t *testing.T) {
	doc := crdt.NewDoc(crdt.WithClientID(1))
	doc.GetMap("datasource")
	share, err := CollectMetadata(doc)
	require.NoError(t, err)
	assert.Equal(t, map[string]crdt.ShareKind{"datasource": crdt.KindMap}, share)
}
