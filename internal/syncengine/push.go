package syncengine

import (
	"treesync/internal/jsonval"
	"treesync/internal/mirror"
	"treesync/internal/tree"
)

// push turns tree events into queued document writes.
func (e *Engine) push(evt tree.Event) {
	if evt.Origin() == PullOrigin {
		return
	}
	switch evt := evt.(type) {
	case tree.NodeCreated:
		e.AddNode(mirror.FromNode(evt.Node))
	case tree.NodeRemoved:
		e.RemoveNode(evt.Node.ID)
	case tree.NodeAppendChild:
		e.AddChild(evt.Parent, evt.Child)
	case tree.NodeRemoveChild:
		e.RemoveChild(evt.Parent, evt.Child)
	case tree.NodeUpdateProperty:
		key := tree.TopKey(evt.Path)
		if key == evt.Path {
			e.UpdateProperty(evt.NodeID, key, evt.Value)
			return
		}
		e.syncPropertyKey(evt.NodeID, key)
	case tree.NodeDeleteProperty:
		key := tree.TopKey(evt.Path)
		if key == evt.Path {
			e.DeleteNodeProperty(evt.NodeID, key)
			return
		}
		e.syncPropertyKey(evt.NodeID, key)
	case tree.NodeLocked:
		e.LockNode(evt.NodeID)
	case tree.NodeUnlocked:
		e.UnlockNode(evt.NodeID)
	}
}

// syncPropertyKey writes the current value of a top-level property after a
// nested change.
func (e *Engine) syncPropertyKey(id, key string) {
	if value, ok := e.tree.Property(id, key); ok {
		e.UpdateProperty(id, key, value)
		return
	}
	e.DeleteNodeProperty(id, key)
}

func (e *Engine) enqueue(op func()) {
	e.qmu.Lock()
	e.queue = append(e.queue, op)
	e.qmu.Unlock()
	e.sched.ScheduleOnce(FlushTaskKey, 0, e.Flush)
}

// AddNode writes the record of a node. An existing record is corrected in
// place.
func (e *Engine) AddNode(po mirror.NodePO) {
	e.enqueue(func() {
		rec := mirror.Lookup(e.ds, po.ID)
		if rec == nil {
			if _, err := mirror.ToRecord(e.ds, po); err != nil {
				e.log.Warnw("write record", "node", po.ID, "error", err)
			}
			return
		}
		node := &tree.Node{
			ID:         po.ID,
			Type:       po.Type,
			Parent:     po.Parent,
			Children:   po.Children,
			Properties: po.Properties,
			Locked:     po.Locked,
		}
		e.applyTasks(mirror.Diff(node, rec))
	})
}

func (e *Engine) RemoveNode(id string) {
	if id == tree.RootID {
		return
	}
	e.enqueue(func() {
		if e.ds.Has(id) {
			e.ds.Delete(id)
		}
	})
}

// AddChild records child under parent. Missing records are logged and the
// call is a no-op.
func (e *Engine) AddChild(parent, child string) {
	e.enqueue(func() {
		parentRec, childRec := e.relationRecords("add child", parent, child)
		if parentRec == nil || childRec == nil {
			return
		}
		parentRec.AddChild(child)
		childRec.SetParent(parent)
	})
}

func (e *Engine) RemoveChild(parent, child string) {
	e.enqueue(func() {
		parentRec, childRec := e.relationRecords("remove child", parent, child)
		if parentRec == nil || childRec == nil {
			return
		}
		parentRec.RemoveChild(child)
		if childRec.Parent() == parent {
			childRec.SetParent("")
		}
	})
}

func (e *Engine) relationRecords(op, parent, child string) (*mirror.Record, *mirror.Record) {
	parentRec := mirror.Lookup(e.ds, parent)
	childRec := mirror.Lookup(e.ds, child)
	if parentRec == nil || childRec == nil {
		e.log.Warnw(op+": record missing", "parent", parent, "child", child,
			"parentFound", parentRec != nil, "childFound", childRec != nil)
	}
	return parentRec, childRec
}

// UpdateProperty stores value under a top-level property key.
func (e *Engine) UpdateProperty(id, key string, value any) {
	if mirror.IsReserved(key) {
		return
	}
	e.enqueue(func() {
		rec := e.record("update property", id)
		if rec == nil {
			return
		}
		if current, ok := rec.Property(key); ok && jsonval.Equal(current, value) {
			return
		}
		if err := rec.UpdateProperty(key, value); err != nil {
			e.log.Warnw("update property", "node", id, "key", key, "error", err)
		}
	})
}

func (e *Engine) DeleteNodeProperty(id, key string) {
	e.enqueue(func() {
		if rec := e.record("delete property", id); rec != nil {
			rec.DeleteProperty(key)
		}
	})
}

func (e *Engine) LockNode(id string) {
	e.enqueue(func() {
		if rec := e.record("lock", id); rec != nil {
			rec.SetLocked(true)
		}
	})
}

func (e *Engine) UnlockNode(id string) {
	e.enqueue(func() {
		if rec := e.record("unlock", id); rec != nil {
			rec.SetLocked(false)
		}
	})
}

func (e *Engine) record(op, id string) *mirror.Record {
	rec := mirror.Lookup(e.ds, id)
	if rec == nil {
		e.log.Warnw(op+": record missing", "node", id)
	}
	return rec
}

func (e *Engine) applyTasks(tasks []mirror.Task) int {
	applied := 0
	for _, task := range tasks {
		if err := mirror.Apply(e.ds, task); err != nil {
			e.log.Warnw("apply task", "task", task.String(), "error", err)
			continue
		}
		applied++
	}
	return applied
}
