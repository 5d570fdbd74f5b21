package syncengine

import (
	"context"

	"treesync/internal/crdt"
	"treesync/internal/mirror"
	"treesync/internal/tree"
)

// ForceSync reconciles the mirror with the tree and returns how many
// corrective writes it made. Dangling nodes are removed from the tree,
// missing records are created, records without a node are deleted and every
// other record is diffed against its node. The writes land as one
// transaction merged into the current undo step.
func (e *Engine) ForceSync(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushLocked()

	removed := e.removeDangling()
	tasks := e.plan()
	if len(tasks) == 0 {
		if removed > 0 {
			e.log.Infow("reconciled", "dangling", removed, "tasks", 0)
		}
		return 0, nil
	}

	var applied int
	e.undo.MergeCapturing()
	e.doc.Transact(func(*crdt.Transaction) {
		applied = e.applyTasks(tasks)
	}, nil)
	e.undo.MergeCapturing()

	e.log.Infow("reconciled", "dangling", removed, "tasks", len(tasks), "applied", applied)
	return applied, nil
}

func (e *Engine) removeDangling() int {
	mut := e.tree.From(PullOrigin)
	removed := 0
	for _, n := range e.index.DangleNodes() {
		if !e.tree.Has(n.ID) {
			continue
		}
		if err := mut.RemoveNode(n.ID); err != nil {
			e.log.Warnw("remove dangling node", "node", n.ID, "error", err)
			continue
		}
		removed++
	}
	return removed
}

func (e *Engine) plan() []mirror.Task {
	var tasks []mirror.Task
	live := make(map[string]struct{})
	for _, node := range e.tree.Nodes() {
		live[node.ID] = struct{}{}
		rec := mirror.Lookup(e.ds, node.ID)
		if rec == nil {
			tasks = append(tasks, mirror.Task{Kind: mirror.TaskCreateRecord, NodeID: node.ID, Value: mirror.FromNode(node)})
			continue
		}
		tasks = append(tasks, mirror.Diff(node, rec)...)
	}
	for _, id := range mirror.RecordIDs(e.ds) {
		if _, ok := live[id]; ok || id == tree.RootID {
			continue
		}
		tasks = append(tasks, mirror.Task{Kind: mirror.TaskDeleteRecord, NodeID: id})
	}
	return tasks
}
