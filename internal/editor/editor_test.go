package editor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treesync/internal/history"
	"treesync/internal/relay"
	"treesync/internal/storage"
	"treesync/internal/tree"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newScope(t *testing.T, name string, client uint64, c *clock, blobs storage.BlobStore) *Scope {
	t.Helper()
	s, err := NewScope(context.Background(), Options{
		Name:               name,
		ClientID:           client,
		Blobs:              blobs,
		Now:                c.Now,
		CaptureTimeout:     500 * time.Millisecond,
		GCDelay:            time.Second,
		LocalSnapshotDelay: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestScopeSnapshotAndRollback(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.UnixMilli(0)}
	s := newScope(t, "doc", 1, c, storage.NewMemoryStore())

	_, err := s.Tree.CreateNode(tree.CreateParams{ID: "n", Properties: map[string]any{"v": 1}})
	require.NoError(t, err)
	item, err := s.Snapshot(ctx, "first")
	require.NoError(t, err)
	assert.Len(t, s.History.List(), 1)

	require.NoError(t, s.Tree.UpdateNodeProperty("n", "v", 2))
	s.Tick()

	changed, err := s.RollbackTo(ctx, item.Hash)
	require.NoError(t, err)
	assert.True(t, changed)
	v, ok := s.Tree.Property("n", "v")
	require.True(t, ok)
	assert.EqualValues(t, 1, v)

	_, err = s.RollbackTo(ctx, "missing")
	assert.True(t, errors.Is(err, history.ErrSnapshotNotFound))
}

func TestScopeTracksLocalState(t *testing.T) {
	c := &clock{now: time.UnixMilli(0)}
	s := newScope(t, "doc", 1, c, storage.NewMemoryStore())
	require.NoError(t, s.MarkSaved())
	assert.True(t, s.History.IsSynced())

	_, err := s.Tree.CreateNode(tree.CreateParams{ID: "n"})
	require.NoError(t, err)
	s.Tick()
	assert.True(t, s.History.IsSynced())

	c.Advance(time.Second)
	s.Tick()
	assert.False(t, s.History.IsSynced())
	assert.False(t, s.History.IsLocalInList())

	require.NoError(t, s.MarkSaved())
	assert.True(t, s.History.IsSynced())
}

func TestRegistryActivateMergesReshownScope(t *testing.T) {
	c := &clock{now: time.UnixMilli(0)}
	blobs := storage.NewMemoryStore()
	reg := NewRegistry()
	a := newScope(t, "a", 1, c, blobs)
	b := newScope(t, "b", 2, c, blobs)
	require.NoError(t, reg.Add(a))
	require.NoError(t, reg.Add(b))
	assert.Error(t, reg.Add(a))
	assert.Equal(t, []string{"a", "b"}, reg.Names())

	_, ok := reg.Active()
	assert.False(t, ok)

	_, err := reg.Activate("a")
	require.NoError(t, err)
	_, err = a.Tree.CreateNode(tree.CreateParams{ID: "n"})
	require.NoError(t, err)
	a.Tick()
	c.Advance(time.Second)
	require.NoError(t, a.Tree.UpdateNodeProperty("n", "v", 2))
	a.Tick()
	c.Advance(time.Second)

	_, err = reg.Activate("b")
	require.NoError(t, err)
	active, ok := reg.Active()
	require.True(t, ok)
	assert.Equal(t, "b", active.Name)

	_, err = reg.Activate("a")
	require.NoError(t, err)
	require.NoError(t, a.Tree.UpdateNodeProperty("n", "v", 3))
	a.Tick()

	require.True(t, a.Engine.Undo())
	_, ok = a.Tree.Property("n", "v")
	assert.False(t, ok)
	assert.True(t, a.Tree.Has("n"))

	_, err = reg.Activate("missing")
	assert.True(t, errors.Is(err, ErrScopeNotFound))

	reg.Remove("a")
	_, ok = reg.Active()
	assert.False(t, ok)
}

func TestScopesConnectedThroughRelay(t *testing.T) {
	s := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &clock{now: time.UnixMilli(100)}
	a := newScope(t, "doc", 1, c, storage.NewMemoryStore())
	b := newScope(t, "doc", 2, c, storage.NewMemoryStore())

	// Edits made before connecting travel with the connect handshake.
	_, err := a.Tree.CreateNode(tree.CreateParams{ID: "early-a"})
	require.NoError(t, err)
	a.Tick()
	_, err = b.Tree.CreateNode(tree.CreateParams{ID: "early-b"})
	require.NoError(t, err)
	b.Tick()

	clientA := redis.NewClient(&redis.Options{Addr: s.Addr()})
	clientB := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer clientA.Close()
	defer clientB.Close()
	require.NoError(t, a.Connect(ctx, relay.New(clientA, "doc", nil)))
	require.NoError(t, b.Connect(ctx, relay.New(clientB, "doc", nil)))

	require.Eventually(t, func() bool {
		return a.Tree.Has("early-b") && b.Tree.Has("early-a")
	}, time.Second, 10*time.Millisecond)

	_, err = a.Tree.CreateNode(tree.CreateParams{ID: "n", Properties: map[string]any{"title": "hi"}})
	require.NoError(t, err)
	a.Tick()

	require.Eventually(t, func() bool { return b.Tree.Has("n") }, time.Second, 10*time.Millisecond)
	title, ok := b.Tree.Property("n", "title")
	require.True(t, ok)
	assert.Equal(t, "hi", title)

	for _, sc := range []*Scope{a, b} {
		root := sc.Tree.Root()
		assert.ElementsMatch(t, []string{"early-a", "early-b", "n"}, root.Children)
	}

	a.Awareness.Focus("n")
	require.Eventually(t, func() bool { return b.Awareness.IsLocked("n") }, time.Second, 10*time.Millisecond)
}
