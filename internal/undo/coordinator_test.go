package undo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treesync/internal/crdt"
	"treesync/internal/tree"
)

func TestCoordinatorPublishesStateChanges(t *testing.T) {
	doc := crdt.NewDoc(crdt.WithClientID(1))
	root := doc.GetMap("datasource")
	bus := tree.NewBus()

	notices := 0
	bus.Subscribe(tree.KindUndoStateChanged, func(tree.Event) { notices++ })

	c := New([]*crdt.Map{root}, Options{CaptureTimeout: time.Second, Bus: bus})
	var states []State
	c.OnChange(func(s State) { states = append(states, s) })

	require.NoError(t, root.Set("k", "v"))
	assert.True(t, c.CanUndo())

	require.True(t, c.Undo())
	assert.False(t, root.Has("k"))
	require.True(t, c.Redo())
	assert.True(t, root.Has("k"))

	c.Clear()
	assert.Equal(t, State{}, c.State())

	assert.Equal(t, []State{
		{CanUndo: true},
		{CanRedo: true},
		{CanUndo: true},
		{},
	}, states)
	assert.Equal(t, 4, notices)
}

func TestCoordinatorRecognizesItsOrigin(t *testing.T) {
	doc := crdt.NewDoc(crdt.WithClientID(1))
	root := doc.GetMap("datasource")
	c := New([]*crdt.Map{root}, Options{})
	other := New([]*crdt.Map{root}, Options{})

	var origins []any
	doc.OnUpdate(func(_ []byte, origin any, _ bool) { origins = append(origins, origin) })

	require.NoError(t, root.Set("k", "v"))
	c.Undo()
	require.Len(t, origins, 2)
	assert.True(t, c.IsOrigin(origins[1]))
	assert.False(t, other.IsOrigin(origins[1]))
	assert.False(t, c.IsOrigin(nil))
	assert.False(t, c.Undo())
}
