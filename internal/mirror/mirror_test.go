package mirror

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treesync/internal/crdt"
	"treesync/internal/tree"
)

func newDatasource() *crdt.Map {
	return crdt.NewDoc(crdt.WithClientID(1)).GetMap("datasource")
}

func TestRecordRoundTrip(t *testing.T) {
	ds := newDatasource()
	po := NodePO{
		ID:         "a",
		Type:       "box",
		Parent:     RootID,
		Locked:     true,
		Children:   []string{"c2", "c1"},
		Properties: map[string]any{"title": "hello", "size": map[string]any{"w": float64(10)}},
	}

	_, err := ToRecord(ds, po)
	require.NoError(t, err)

	got := FromRecord(ds.GetMap("a"))
	assert.Equal(t, po.ID, got.ID)
	assert.Equal(t, po.Type, got.Type)
	assert.Equal(t, po.Parent, got.Parent)
	assert.Equal(t, po.Locked, got.Locked)
	assert.ElementsMatch(t, po.Children, got.Children)
	assert.Equal(t, po.Properties, got.Properties)
}

func TestUpdatePropertyCopiesValue(t *testing.T) {
	ds := newDatasource()
	rec, err := ToRecord(ds, NodePO{ID: "a"})
	require.NoError(t, err)

	value := map[string]any{"k": "v"}
	require.NoError(t, rec.UpdateProperty("obj", value))
	value["k"] = "mutated"

	got, _ := rec.Property("obj")
	assert.Equal(t, map[string]any{"k": "v"}, got)
}

func TestReservedPropertiesAreNeverDeleted(t *testing.T) {
	ds := newDatasource()
	rec, err := ToRecord(ds, NodePO{ID: "a", Type: "box"})
	require.NoError(t, err)

	rec.DeleteProperty(MarkerProperties)
	rec.DeleteProperty(PropertyType)
	assert.Equal(t, "box", rec.Type())
	assert.Equal(t, ShapeProperties, Classify(rec.Map().GetMap(FieldProperties)))
}

func TestReservedNodePropertiesNeverReachTheRecord(t *testing.T) {
	ds := newDatasource()
	_, err := ToRecord(ds, NodePO{
		ID:         "a",
		Type:       "box",
		Properties: map[string]any{PropertyType: "circle", MarkerNode: false, "title": "t"},
	})
	require.NoError(t, err)
	rec := Lookup(ds, "a")
	require.NotNil(t, rec)
	assert.Equal(t, "box", rec.Type())
	assert.Equal(t, map[string]any{"title": "t"}, rec.Properties())

	node := &tree.Node{
		ID:         "a",
		Type:       "box",
		Properties: map[string]any{PropertyType: "circle", "title": "t"},
	}
	assert.Empty(t, Diff(node, rec))

	err = rec.UpdateProperty(PropertyType, "circle")
	assert.ErrorIs(t, err, ErrReservedKey)
	err = Apply(ds, Task{Kind: TaskUpdateProperty, NodeID: "a", Key: MarkerProperties, Value: false})
	assert.ErrorIs(t, err, ErrReservedKey)
	assert.Equal(t, "box", rec.Type())
	assert.Equal(t, ShapeProperties, Classify(rec.Map().GetMap(FieldProperties)))
}

func TestClassify(t *testing.T) {
	ds := newDatasource()
	require.NoError(t, BuildEmpty(ds))
	rec, err := ToRecord(ds, NodePO{ID: "a", Children: []string{"b"}})
	require.NoError(t, err)

	assert.Equal(t, ShapeRootIndex, Classify(ds))
	assert.Equal(t, ShapeNode, Classify(rec.Map()))
	assert.Equal(t, ShapeProperties, Classify(rec.Map().GetMap(FieldProperties)))
	assert.Equal(t, ShapeChildren, Classify(rec.Map().GetMap(FieldChildren)))
}

func TestDiffAndApplyConverge(t *testing.T) {
	ds := newDatasource()
	created, err := ToRecord(ds, NodePO{
		ID:         "a",
		Parent:     "old",
		Children:   []string{"x", "y"},
		Properties: map[string]any{"keep": 1, "stale": true, "change": "before"},
	})
	require.NoError(t, err)
	require.NoError(t, created.Map().GetMap(FieldProperties).Set("__internal", float64(1)))

	node := &tree.Node{
		ID:         "a",
		Parent:     RootID,
		Locked:     true,
		Children:   []string{"y", "z"},
		Properties: map[string]any{"keep": float64(1), "change": "after", "new": []any{"v"}},
	}

	tasks := Diff(node, Lookup(ds, "a"))
	kinds := make(map[TaskKind]int)
	for _, task := range tasks {
		kinds[task.Kind]++
	}
	assert.Equal(t, map[TaskKind]int{
		TaskSetParent:      1,
		TaskSetLocked:      1,
		TaskAddChild:       1,
		TaskRemoveChild:    1,
		TaskUpdateProperty: 2,
		TaskDeleteProperty: 1,
	}, kinds)

	for _, task := range tasks {
		require.NoError(t, Apply(ds, task))
	}
	assert.Empty(t, Diff(node, Lookup(ds, "a")))

	rec := Lookup(ds, "a")
	got, ok := rec.Property("__internal")
	require.True(t, ok)
	assert.Equal(t, float64(1), got)
}

func TestApplyCreateAndDeleteRecord(t *testing.T) {
	ds := newDatasource()
	require.NoError(t, Apply(ds, Task{Kind: TaskCreateRecord, NodeID: "a", Value: NodePO{ID: "a"}}))
	assert.NotNil(t, Lookup(ds, "a"))

	require.NoError(t, Apply(ds, Task{Kind: TaskDeleteRecord, NodeID: "a"}))
	assert.Nil(t, Lookup(ds, "a"))

	assert.Error(t, Apply(ds, Task{Kind: TaskAddChild, NodeID: "missing", Key: "x"}))
}

func TestBuildRepresentation(t *testing.T) {
	ds := newDatasource()
	built, err := Build(ds, Representation{
		Nodes: []BuildNode{
			{ID: "{a}", Name: "A", Children: []BuildNode{{ID: "[fixed]", Name: "child"}}},
			{ID: "{b}", Name: "B", Properties: map[string]any{"color": "red"}},
		},
		Edges: []BuildEdge{
			{Name: "link", Source: Terminal{Cell: "{a}"}, Target: Terminal{Cell: "{b}", Port: "in"}},
		},
	})
	require.NoError(t, err)
	require.Len(t, built.Nodes, 2)
	require.Len(t, built.Edges, 1)

	root := Lookup(ds, RootID)
	require.NotNil(t, root)
	assert.ElementsMatch(t, append(append([]string(nil), built.Nodes...), built.Edges...), root.Children())

	a := Lookup(ds, built.IDs["a"])
	require.NotNil(t, a)
	assert.Equal(t, []string{"fixed"}, a.Children())
	assert.Equal(t, built.IDs["a"], Lookup(ds, "fixed").Parent())

	edge := Lookup(ds, built.Edges[0])
	assert.Equal(t, "edge", edge.Type())
	target, _ := edge.Property("target")
	assert.Equal(t, map[string]any{"cell": built.IDs["b"], "port": "in"}, target)
}

func TestBuildRejectsUnknownReferences(t *testing.T) {
	ds := newDatasource()
	_, err := Build(ds, Representation{
		Edges: []BuildEdge{{Name: "dangling", Source: Terminal{Cell: "{nope}"}, Target: Terminal{Cell: "[x]"}}},
	})
	assert.ErrorIs(t, err, ErrInvalidBuildID)
	assert.Empty(t, ds.Keys())

	_, err = Build(ds, Representation{Nodes: []BuildNode{{ID: "plain"}}})
	assert.ErrorIs(t, err, ErrInvalidBuildID)
}
