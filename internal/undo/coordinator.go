// Package undo exposes a per-user undo/redo stack over the mirrored subtree.
package undo

import (
	"time"

	"treesync/internal/crdt"
	"treesync/internal/tree"
)

// State is the derived availability of undo and redo.
type State struct {
	CanUndo bool
	CanRedo bool
}

type Options struct {
	CaptureTimeout time.Duration
	Now            func() time.Time
	// Bus receives a KindUndoStateChanged notice whenever State changes.
	Bus *tree.Bus
}

// Coordinator wraps the document's undo manager. It is not safe for
// concurrent use; the sync engine serializes calls.
type Coordinator struct {
	um        *crdt.UndoManager
	bus       *tree.Bus
	state     State
	listeners map[int]func(State)
	nextID    int
}

func New(scope []*crdt.Map, opts Options) *Coordinator {
	c := &Coordinator{
		um: crdt.NewUndoManager(scope, crdt.UndoOptions{
			CaptureTimeout: opts.CaptureTimeout,
			Now:            opts.Now,
		}),
		bus:       opts.Bus,
		listeners: make(map[int]func(State)),
	}
	c.um.OnStackItemAdded(func(crdt.StackEvent) { c.refresh() })
	c.um.OnStackItemPopped(func(crdt.StackEvent) { c.refresh() })
	return c
}

// Origin is the transaction origin undo and redo write with.
func (c *Coordinator) Origin() any {
	return c.um
}

func (c *Coordinator) IsOrigin(origin any) bool {
	um, ok := origin.(*crdt.UndoManager)
	return ok && um == c.um
}

// Undo reverts the latest step and reports whether anything changed.
func (c *Coordinator) Undo() bool {
	changed := c.um.Undo() != nil
	c.refresh()
	return changed
}

func (c *Coordinator) Redo() bool {
	changed := c.um.Redo() != nil
	c.refresh()
	return changed
}

func (c *Coordinator) CanUndo() bool { return c.state.CanUndo }
func (c *Coordinator) CanRedo() bool { return c.state.CanRedo }

func (c *Coordinator) State() State {
	return c.state
}

// StopCapturing forces the next change into a new step.
func (c *Coordinator) StopCapturing() {
	c.um.StopCapturing()
}

// MergeCapturing lets the next change within the capture window join the
// latest step, so corrective writes do not show up as steps of their own.
func (c *Coordinator) MergeCapturing() {
	c.um.MergeCapturing()
}

func (c *Coordinator) Clear() {
	c.um.Clear()
	c.refresh()
}

// OnChange registers fn for State changes and returns its unsubscribe func.
func (c *Coordinator) OnChange(fn func(State)) func() {
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	return func() { delete(c.listeners, id) }
}

func (c *Coordinator) Destroy() {
	c.um.Destroy()
	c.listeners = make(map[int]func(State))
}

func (c *Coordinator) refresh() {
	next := State{CanUndo: c.um.CanUndo(), CanRedo: c.um.CanRedo()}
	if next == c.state {
		return
	}
	c.state = next
	for _, fn := range c.listeners {
		fn(next)
	}
	if c.bus != nil {
		c.bus.Publish(tree.NewNotice(tree.KindUndoStateChanged, c.um))
	}
}
