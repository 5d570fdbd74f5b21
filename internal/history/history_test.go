package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treesync/internal/crdt"
	"treesync/internal/scheduler"
	"treesync/internal/storage"
)

func encode(t *testing.T, doc *crdt.Doc) []byte {
	t.Helper()
	b, err := crdt.EncodeStateAsUpdate(doc, nil)
	require.NoError(t, err)
	return b
}

func docWith(t *testing.T, client uint64, title string) *crdt.Doc {
	t.Helper()
	doc := crdt.NewDoc(crdt.WithClientID(client))
	require.NoError(t, doc.GetMap("datasource").Set("title", title))
	return doc
}

func newManager(t *testing.T, store *storage.MemoryStore, opts Options) *Manager {
	t.Helper()
	opts.Blobs = store
	opts.Lists = store
	if opts.Scope == "" {
		opts.Scope = "doc-1"
	}
	m, err := New(context.Background(), opts)
	require.NoError(t, err)
	return m
}

func TestUnshiftDeduplicatesByContent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	m := newManager(t, store, Options{Now: func() time.Time { return time.UnixMilli(1000) }})

	first, err := m.Unshift(ctx, encode(t, docWith(t, 1, "a")), "first")
	require.NoError(t, err)

	// Same content written by another client encodes differently.
	again, err := m.Unshift(ctx, encode(t, docWith(t, 2, "a")), "again")
	require.NoError(t, err)
	assert.Equal(t, first.Hash, again.Hash)
	assert.Equal(t, "first", again.Note)
	require.Len(t, m.List(), 1)
	remote, ok := m.Remote()
	require.True(t, ok)
	assert.Equal(t, first.Hash, remote.Hash)

	second, err := m.Unshift(ctx, encode(t, docWith(t, 1, "b")), "second")
	require.NoError(t, err)
	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, second.Hash, list[0].Hash)
	assert.Equal(t, first.Hash, list[1].Hash)
	assert.Equal(t, int64(1000), list[0].CreateDate)

	remote, ok = m.Remote()
	require.True(t, ok)
	assert.Equal(t, second.Hash, remote.Hash)

	// Re-listing older content leaves the remote pointer where it was.
	repeat, err := m.Unshift(ctx, encode(t, docWith(t, 3, "a")), "repeat")
	require.NoError(t, err)
	assert.Equal(t, first.Hash, repeat.Hash)
	remote, _ = m.Remote()
	assert.Equal(t, second.Hash, remote.Hash)
	require.Len(t, m.List(), 2)

	persisted, err := store.GetList(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, list, persisted.Items)
	_, err = store.Get(ctx, "doc-1-"+second.Hash)
	require.NoError(t, err)
}

func TestNewLoadsPersistedList(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	m := newManager(t, store, Options{})
	item, err := m.Unshift(ctx, encode(t, docWith(t, 1, "a")), "saved")
	require.NoError(t, err)

	reloaded := newManager(t, store, Options{})
	require.Len(t, reloaded.List(), 1)
	assert.Equal(t, item.Hash, reloaded.List()[0].Hash)

	data, err := reloaded.GetSnapshot(ctx, item.Hash)
	require.NoError(t, err)
	doc := crdt.NewDoc()
	require.NoError(t, crdt.ApplyUpdate(doc, data, nil))
	assert.Equal(t, map[string]any{"datasource": map[string]any{"title": "a"}}, doc.Content())

	other := newManager(t, store, Options{Scope: "doc-2"})
	assert.Empty(t, other.List())
}

func TestSyncPointers(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, storage.NewMemoryStore(), Options{})
	assert.True(t, m.IsSynced())
	assert.False(t, m.IsLocalInList())

	a := encode(t, docWith(t, 1, "a"))
	b := encode(t, docWith(t, 1, "b"))

	_, err := m.UpdateRemote(a)
	require.NoError(t, err)
	_, err = m.UpdateLocal(b)
	require.NoError(t, err)
	assert.False(t, m.IsSynced())
	assert.False(t, m.IsLocalInList())

	_, err = m.Unshift(ctx, b, "")
	require.NoError(t, err)
	assert.True(t, m.IsSynced())
	assert.True(t, m.IsLocalInList())

	_, err = m.UpdateRemote(a)
	require.NoError(t, err)
	assert.False(t, m.IsSynced())
	assert.True(t, m.IsLocalInList())

	// The remote state is cached even though it was never listed.
	data, err := m.GetSnapshot(ctx, mustDigest(t, a))
	require.NoError(t, err)
	assert.Equal(t, a, data)
}

func TestGetSnapshotNotFound(t *testing.T) {
	m := newManager(t, storage.NewMemoryStore(), Options{})
	_, err := m.GetSnapshot(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrSnapshotNotFound), "got %v", err)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	m := newManager(t, store, Options{})
	item, err := m.Unshift(ctx, encode(t, docWith(t, 1, "a")), "")
	require.NoError(t, err)

	require.NoError(t, m.Remove(ctx, item.Hash))
	assert.Empty(t, m.List())
	_, err = m.GetSnapshot(ctx, item.Hash)
	assert.True(t, errors.Is(err, ErrSnapshotNotFound))

	err = m.Remove(ctx, item.Hash)
	assert.True(t, errors.Is(err, ErrSnapshotNotFound))
}

func TestTrackLocalIsDebounced(t *testing.T) {
	now := time.UnixMilli(0)
	clock := func() time.Time { return now }
	sched := scheduler.New(scheduler.WithClock(clock))
	m := newManager(t, storage.NewMemoryStore(), Options{Scheduler: sched, LocalDelay: time.Second, Now: clock})

	doc := docWith(t, 1, "a")
	calls := 0
	track := func() ([]byte, error) {
		calls++
		return crdt.EncodeStateAsUpdate(doc, nil)
	}

	m.TrackLocal(track)
	now = now.Add(500 * time.Millisecond)
	require.NoError(t, doc.GetMap("datasource").Set("title", "b"))
	m.TrackLocal(track)

	now = now.Add(900 * time.Millisecond)
	assert.Equal(t, 0, sched.Tick())
	_, ok := m.Local()
	assert.False(t, ok)

	now = now.Add(100 * time.Millisecond)
	assert.Equal(t, 1, sched.Tick())
	assert.Equal(t, 1, calls)
	local, ok := m.Local()
	require.True(t, ok)
	assert.Equal(t, mustDigest(t, encode(t, doc)), local.Hash)
}

func TestContentDigestRejectsGarbage(t *testing.T) {
	_, err := ContentDigest([]byte("not an update"))
	assert.True(t, errors.Is(err, crdt.ErrMalformedUpdate), "got %v", err)
}

func mustDigest(t *testing.T, data []byte) string {
	t.Helper()
	hash, err := ContentDigest(data)
	require.NoError(t, err)
	return hash
}
