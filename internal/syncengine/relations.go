package syncengine

import (
	"github.com/cockroachdb/errors"

	"treesync/internal/tree"
)

type relationKind uint8

const (
	relationRemove relationKind = iota
	relationAdd
)

type relation struct {
	kind   relationKind
	parent string
	child  string
}

// relations collects parent/child changes implied by one document change
// batch. A node's parent field and its parent's children set can both imply
// the same change, so entries are deduplicated. Node removals wait until the
// relations are applied so a child moved out of a removed node survives.
type relations struct {
	seen    map[relation]struct{}
	order   []relation
	removed []string
}

func newRelations() *relations {
	return &relations{seen: make(map[relation]struct{})}
}

func (r *relations) add(parent, child string) {
	r.put(relation{kind: relationAdd, parent: parent, child: child})
}

func (r *relations) remove(parent, child string) {
	r.put(relation{kind: relationRemove, parent: parent, child: child})
}

func (r *relations) removeNode(id string) {
	r.removed = append(r.removed, id)
}

func (r *relations) put(rel relation) {
	if rel.parent == "" || rel.child == "" {
		return
	}
	if _, ok := r.seen[rel]; ok {
		return
	}
	r.seen[rel] = struct{}{}
	r.order = append(r.order, rel)
}

// flushRelations applies removals before additions, then removes nodes.
func (e *Engine) flushRelations(mut *tree.Mutator, r *relations) {
	for _, kind := range []relationKind{relationRemove, relationAdd} {
		for _, rel := range r.order {
			if rel.kind != kind {
				continue
			}
			e.applyRelation(mut, rel)
		}
	}
	for _, id := range r.removed {
		if !e.tree.Has(id) {
			continue
		}
		if err := mut.RemoveNode(id); err != nil {
			e.log.Warnw("remove node", "node", id, "error", err)
		}
	}
	r.order = nil
	r.removed = nil
	r.seen = make(map[relation]struct{})
}

func (e *Engine) applyRelation(mut *tree.Mutator, rel relation) {
	parentFound, childFound := e.tree.Has(rel.parent), e.tree.Has(rel.child)
	if rel.kind == relationRemove {
		if !parentFound || !childFound {
			e.log.Debugw("remove child: node already gone", "parent", rel.parent, "child", rel.child)
			return
		}
		if err := mut.RemoveChild(rel.parent, rel.child); err != nil {
			e.log.Warnw("remove child", "parent", rel.parent, "child", rel.child, "error", err)
		}
		return
	}
	if !parentFound || !childFound {
		e.log.Warnw("add child: node missing", "parent", rel.parent, "child", rel.child,
			"parentFound", parentFound, "childFound", childFound)
		return
	}
	err := mut.AppendChild(rel.parent, rel.child)
	if err == nil {
		return
	}
	e.log.Warnw("add child", "parent", rel.parent, "child", rel.child, "error", err)
	if !errors.Is(err, tree.ErrInvalidMove) {
		return
	}
	// Concurrent moves can ask for a cycle. The removal half of the move has
	// already run, so keep the child reachable until ForceSync settles it.
	if n, ok := e.tree.Node(rel.child); ok && n.Parent == "" {
		if err := mut.AppendChild(tree.RootID, rel.child); err != nil {
			e.log.Warnw("reattach to root", "child", rel.child, "error", err)
		}
	}
}
