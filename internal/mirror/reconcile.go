package mirror

import (
	"fmt"
	"sort"

	"github.com/cockroachdb/errors"

	"treesync/internal/crdt"
	"treesync/internal/jsonval"
	"treesync/internal/tree"
)

// TaskKind names one corrective write produced by reconciliation.
type TaskKind string

const (
	TaskCreateRecord   TaskKind = "create-record"
	TaskDeleteRecord   TaskKind = "delete-record"
	TaskSetParent      TaskKind = "set-parent"
	TaskSetLocked      TaskKind = "set-locked"
	TaskAddChild       TaskKind = "add-child"
	TaskRemoveChild    TaskKind = "remove-child"
	TaskUpdateProperty TaskKind = "update-property"
	TaskDeleteProperty TaskKind = "delete-property"
)

// Task is one write that brings a record closer to its tree node.
type Task struct {
	Kind   TaskKind
	NodeID string
	// Key is the child id or property key the task touches.
	Key   string
	Value any
}

func (t Task) String() string {
	if t.Key == "" {
		return fmt.Sprintf("%s %s", t.Kind, t.NodeID)
	}
	return fmt.Sprintf("%s %s -> %s", t.Kind, t.NodeID, t.Key)
}

// Diff compares a tree node with its record and lists the writes that make
// the record match the node. Reserved keys never produce a task.
func Diff(node *tree.Node, rec *Record) []Task {
	var tasks []Task

	if node.Parent != rec.Parent() {
		tasks = append(tasks, Task{Kind: TaskSetParent, NodeID: node.ID, Value: node.Parent})
	}
	if node.Locked != rec.Locked() {
		tasks = append(tasks, Task{Kind: TaskSetLocked, NodeID: node.ID, Value: node.Locked})
	}

	recordChildren := rec.Children()
	for _, child := range difference(node.Children, recordChildren) {
		tasks = append(tasks, Task{Kind: TaskAddChild, NodeID: node.ID, Key: child})
	}
	for _, child := range difference(recordChildren, node.Children) {
		tasks = append(tasks, Task{Kind: TaskRemoveChild, NodeID: node.ID, Key: child})
	}

	keys := make([]string, 0, len(node.Properties))
	for key := range node.Properties {
		if IsReserved(key) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		want := node.Properties[key]
		got, ok := rec.Property(key)
		if !ok || !jsonval.Equal(want, got) {
			tasks = append(tasks, Task{Kind: TaskUpdateProperty, NodeID: node.ID, Key: key, Value: jsonval.Clone(want)})
		}
	}
	for _, key := range rec.PropertyKeys() {
		if IsReserved(key) {
			continue
		}
		if _, ok := node.Properties[key]; !ok {
			tasks = append(tasks, Task{Kind: TaskDeleteProperty, NodeID: node.ID, Key: key})
		}
	}
	return tasks
}

// Apply performs t against datasource. Create tasks carry a NodePO value.
func Apply(datasource *crdt.Map, t Task) error {
	switch t.Kind {
	case TaskCreateRecord:
		po, ok := t.Value.(NodePO)
		if !ok {
			return errors.Newf("task %s carries %T, want NodePO", t, t.Value)
		}
		_, err := ToRecord(datasource, po)
		return err
	case TaskDeleteRecord:
		datasource.Delete(t.NodeID)
		return nil
	}

	rec := Lookup(datasource, t.NodeID)
	if rec == nil {
		return errors.Newf("task %s: no record for %s", t.Kind, t.NodeID)
	}
	switch t.Kind {
	case TaskSetParent:
		parent, _ := t.Value.(string)
		rec.SetParent(parent)
	case TaskSetLocked:
		locked, _ := t.Value.(bool)
		rec.SetLocked(locked)
	case TaskAddChild:
		rec.AddChild(t.Key)
	case TaskRemoveChild:
		rec.RemoveChild(t.Key)
	case TaskUpdateProperty:
		return rec.UpdateProperty(t.Key, t.Value)
	case TaskDeleteProperty:
		rec.DeleteProperty(t.Key)
	default:
		return errors.Newf("unknown task kind %q", t.Kind)
	}
	return nil
}

// difference returns the members of a missing from b, in a's order.
func difference(a, b []string) []string {
	in := make(map[string]struct{}, len(b))
	for _, v := range b {
		in[v] = struct{}{}
	}
	var out []string
	for _, v := range a {
		if _, ok := in[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}
