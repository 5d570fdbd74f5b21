// Package tree holds the application-facing node graph.
//
// Nodes live in an arena keyed by id. A node owns its children by id and
// points at its parent by id, so removing a node never leaves a pointer that
// keeps it alive.
package tree

import (
	"github.com/cockroachdb/errors"

	"treesync/internal/jsonval"
)

// RootID is the reserved id of the node every attached node descends from.
const RootID = "__ROOT__"

var (
	ErrNodeNotFound  = errors.New("node not found")
	ErrNodeExists    = errors.New("node already exists")
	ErrRootImmutable = errors.New("root node cannot be changed")
	ErrInvalidMove   = errors.New("node cannot be moved below itself")
)

type Node struct {
	ID         string
	Type       string
	Parent     string
	Children   []string
	Properties map[string]any
	Locked     bool
}

func (n *Node) clone() *Node {
	out := *n
	out.Children = append([]string(nil), n.Children...)
	out.Properties = cloneProperties(n.Properties)
	return &out
}

// HasChild reports whether id is among n's children.
func (n *Node) HasChild(id string) bool {
	return indexOf(n.Children, id) >= 0
}

func cloneProperties(props map[string]any) map[string]any {
	if props == nil {
		return map[string]any{}
	}
	return jsonval.Clone(props).(map[string]any)
}

func indexOf(list []string, id string) int {
	for i, candidate := range list {
		if candidate == id {
			return i
		}
	}
	return -1
}

func without(list []string, id string) []string {
	i := indexOf(list, id)
	if i < 0 {
		return list
	}
	out := make([]string, 0, len(list)-1)
	out = append(out, list[:i]...)
	return append(out, list[i+1:]...)
}
