// Package index answers id lookups over the node tree and finds nodes that
// lost their place in it.
package index

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"treesync/internal/scheduler"
	"treesync/internal/tree"
)

// GCTaskKey is the scheduler key of the pending-removal collector.
const GCTaskKey = "index-gc"

type Index struct {
	store   *tree.Store
	sched   *scheduler.Scheduler
	gcDelay time.Duration
	log     *zap.SugaredLogger

	mu      sync.Mutex
	removed map[string]*tree.Node

	unsubscribe []func()
}

func New(store *tree.Store, sched *scheduler.Scheduler, gcDelay time.Duration, log *zap.SugaredLogger) *Index {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ix := &Index{
		store:   store,
		sched:   sched,
		gcDelay: gcDelay,
		log:     log,
		removed: make(map[string]*tree.Node),
	}
	bus := store.Bus()
	ix.unsubscribe = append(ix.unsubscribe,
		tree.On(bus, ix.onRemoved),
		tree.On(bus, ix.onCreated),
	)
	return ix
}

func (ix *Index) onRemoved(evt tree.NodeRemoved) {
	ix.mu.Lock()
	ix.removed[evt.Node.ID] = evt.Node
	ix.mu.Unlock()
	ix.sched.Schedule(GCTaskKey, ix.gcDelay, func() { ix.Collect() })
}

func (ix *Index) onCreated(evt tree.NodeCreated) {
	ix.mu.Lock()
	delete(ix.removed, evt.Node.ID)
	ix.mu.Unlock()
}

// NodeByID returns the live node with id, or a node removed recently enough
// that it has not been collected yet.
func (ix *Index) NodeByID(id string) (*tree.Node, bool) {
	if n, ok := ix.store.Node(id); ok {
		return n, true
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	n, ok := ix.removed[id]
	return n, ok
}

// Nodes returns every live node.
func (ix *Index) Nodes() []*tree.Node {
	return ix.store.Nodes()
}

// DangleNodes returns the nodes that have no parent, are not the root and are
// not listed as a child of any node.
func (ix *Index) DangleNodes() []*tree.Node {
	nodes := ix.store.Nodes()
	listed := make(map[string]struct{})
	for _, n := range nodes {
		for _, child := range n.Children {
			listed[child] = struct{}{}
		}
	}
	var out []*tree.Node
	for _, n := range nodes {
		if n.ID == tree.RootID || n.Parent != "" {
			continue
		}
		if _, ok := listed[n.ID]; ok {
			continue
		}
		out = append(out, n)
	}
	return out
}

// Pending lists the ids awaiting collection.
func (ix *Index) Pending() []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ids := make([]string, 0, len(ix.removed))
	for id := range ix.removed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Collect drops every pending removal and returns how many were dropped.
func (ix *Index) Collect() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	n := len(ix.removed)
	if n > 0 {
		ix.log.Debugw("collected removed nodes", "count", n)
	}
	ix.removed = make(map[string]*tree.Node)
	return n
}

// Close stops following the tree.
func (ix *Index) Close() {
	for _, fn := range ix.unsubscribe {
		fn()
	}
	ix.unsubscribe = nil
	ix.sched.Cancel(GCTaskKey)
}
