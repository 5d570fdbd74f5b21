package syncengine

import (
	"sort"

	"treesync/internal/crdt"
	"treesync/internal/jsonval"
	"treesync/internal/mirror"
	"treesync/internal/rollback"
	"treesync/internal/tree"
)

// accepts reports whether changes made in tx must be imported into the tree.
func (e *Engine) accepts(tx *crdt.Transaction) bool {
	if !tx.Local {
		return true
	}
	return e.undo.IsOrigin(tx.Origin) || rollback.IsReverseOrigin(tx.Origin)
}

func (e *Engine) pull(events []*crdt.MapEvent, tx *crdt.Transaction) {
	if !e.accepts(tx) {
		return
	}
	mut := e.tree.From(PullOrigin)
	rel := newRelations()
	for _, evt := range events {
		switch shape := mirror.Classify(evt.Target); shape {
		case mirror.ShapeRootIndex:
			e.pullRootIndex(mut, rel, evt)
		case mirror.ShapeNode:
			e.pullNode(mut, rel, evt)
		case mirror.ShapeProperties:
			e.pullProperties(mut, evt)
		case mirror.ShapeChildren:
			e.pullChildren(rel, evt)
		default:
			e.log.Debugw("ignored change", "path", evt.Target.Path())
		}
	}
	e.flushRelations(mut, rel)
}

func (e *Engine) pullRootIndex(mut *tree.Mutator, rel *relations, evt *crdt.MapEvent) {
	for _, id := range sortedKeys(evt.Keys) {
		change := evt.Keys[id]
		if change.Action == crdt.ActionDelete {
			if id != tree.RootID {
				rel.removeNode(id)
			}
			continue
		}
		e.importRecord(mut, rel, id)
	}
}

// importRecord makes the tree node id match its record, creating the node
// when needed. Relations are queued.
func (e *Engine) importRecord(mut *tree.Mutator, rel *relations, id string) {
	rec := mirror.Lookup(e.ds, id)
	if rec == nil {
		return
	}
	po := rec.ToNodePO()

	node, exists := e.tree.Node(id)
	if !exists {
		if _, err := mut.CreateNode(tree.CreateParams{
			ID:         id,
			Type:       po.Type,
			Properties: po.Properties,
			Detached:   true,
		}); err != nil {
			e.log.Warnw("create node", "node", id, "error", err)
			return
		}
		if po.Locked {
			e.setLocked(mut, id, true)
		}
	} else {
		e.syncProperties(mut, node, po.Properties)
		if node.Locked != po.Locked {
			e.setLocked(mut, id, po.Locked)
		}
		if node.Parent != "" && node.Parent != po.Parent {
			rel.remove(node.Parent, id)
		}
		wanted := make(map[string]struct{}, len(po.Children))
		for _, child := range po.Children {
			wanted[child] = struct{}{}
		}
		for _, child := range node.Children {
			if _, ok := wanted[child]; !ok {
				rel.remove(id, child)
			}
		}
	}

	if po.Parent != "" {
		rel.add(po.Parent, id)
	}
	for _, child := range po.Children {
		rel.add(id, child)
	}
}

func (e *Engine) syncProperties(mut *tree.Mutator, node *tree.Node, props map[string]any) {
	for _, key := range sortedKeys(props) {
		if current, ok := node.Properties[key]; ok && jsonval.Equal(current, props[key]) {
			continue
		}
		e.updateProperty(mut, node.ID, key, props[key])
	}
	for _, key := range sortedKeys(node.Properties) {
		if _, ok := props[key]; !ok {
			e.deleteProperty(mut, node.ID, key)
		}
	}
}

func (e *Engine) pullNode(mut *tree.Mutator, rel *relations, evt *crdt.MapEvent) {
	rec := mirror.Wrap(evt.Target)
	id := evt.Target.Key()
	for _, key := range sortedKeys(evt.Keys) {
		change := evt.Keys[key]
		switch key {
		case mirror.FieldParent:
			if old, _ := change.OldValue.(string); old != "" && change.Action != crdt.ActionAdd {
				rel.remove(old, id)
			}
			if parent := rec.Parent(); parent != "" {
				rel.add(parent, id)
			}
		case mirror.FieldLocked:
			if node, ok := e.tree.Node(id); ok && node.Locked != rec.Locked() {
				e.setLocked(mut, id, rec.Locked())
			}
		case mirror.FieldChildren, mirror.FieldProperties:
			if change.Action != crdt.ActionDelete {
				e.importRecord(mut, rel, id)
			}
		}
	}
}

func (e *Engine) pullProperties(mut *tree.Mutator, evt *crdt.MapEvent) {
	record := evt.Target.Parent()
	if record == nil {
		return
	}
	id := record.Key()
	if !e.tree.Has(id) {
		e.log.Debugw("property change for unknown node", "node", id)
		return
	}
	for _, key := range sortedKeys(evt.Keys) {
		if mirror.IsReserved(key) {
			continue
		}
		if evt.Keys[key].Action == crdt.ActionDelete {
			e.deleteProperty(mut, id, key)
			continue
		}
		value, ok := evt.Target.Get(key)
		if !ok {
			continue
		}
		if m, isMap := value.(*crdt.Map); isMap {
			value = m.ToJSON()
		}
		e.updateProperty(mut, id, key, value)
	}
}

func (e *Engine) pullChildren(rel *relations, evt *crdt.MapEvent) {
	record := evt.Target.Parent()
	if record == nil {
		return
	}
	parent := record.Key()
	for _, child := range sortedKeys(evt.Keys) {
		if evt.Keys[child].Action == crdt.ActionDelete {
			rel.remove(parent, child)
			continue
		}
		rel.add(parent, child)
	}
}

func (e *Engine) updateProperty(mut *tree.Mutator, id, key string, value any) {
	if err := mut.UpdateNodeProperty(id, key, value); err != nil {
		e.log.Warnw("update property", "node", id, "key", key, "error", err)
	}
}

func (e *Engine) deleteProperty(mut *tree.Mutator, id, key string) {
	if err := mut.DeleteNodeProperty(id, key); err != nil {
		e.log.Warnw("delete property", "node", id, "key", key, "error", err)
	}
}

func (e *Engine) setLocked(mut *tree.Mutator, id string, locked bool) {
	var err error
	if locked {
		err = mut.Lock(id)
	} else {
		err = mut.Unlock(id)
	}
	if err != nil {
		e.log.Warnw("set locked", "node", id, "locked", locked, "error", err)
	}
}

// hydrate imports every record already in the document.
func (e *Engine) hydrate() {
	mut := e.tree.From(PullOrigin)
	rel := newRelations()
	for _, id := range mirror.RecordIDs(e.ds) {
		e.importRecord(mut, rel, id)
	}
	e.flushRelations(mut, rel)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
