package crdt

import (
	"reflect"
	"slices"
	"time"
)

// StackItem is one undoable step: the operations it inserted and the ones it
// deleted.
type StackItem struct {
	insertions map[ID]struct{}
	deletions  map[ID]struct{}
}

func newStackItem() *StackItem {
	return &StackItem{insertions: make(map[ID]struct{}), deletions: make(map[ID]struct{})}
}

func (s *StackItem) merge(other *StackItem) {
	for id := range other.insertions {
		s.insertions[id] = struct{}{}
	}
	for id := range other.deletions {
		s.deletions[id] = struct{}{}
	}
}

// StackKind tells which stack a StackEvent refers to.
type StackKind string

const (
	StackUndo StackKind = "undo"
	StackRedo StackKind = "redo"
)

type StackEvent struct {
	Item   *StackItem
	Kind   StackKind
	Origin any
}

type UndoOptions struct {
	// CaptureTimeout merges changes closer together than this into one step.
	CaptureTimeout time.Duration
	// TrackedOrigins lists transaction origins that produce undo steps. The
	// default tracks transactions without an origin.
	TrackedOrigins []any
	Now            func() time.Time
}

// UndoManager records local changes to a set of root maps and reverts them.
type UndoManager struct {
	doc            *Doc
	scope          []*Map
	tracked        map[any]struct{}
	captureTimeout time.Duration
	now            func() time.Time

	undoStack  []*StackItem
	redoStack  []*StackItem
	undoing    bool
	redoing    bool
	lastChange time.Time

	added  []func(StackEvent)
	popped []func(StackEvent)

	unsubscribe func()
}

func NewUndoManager(scope []*Map, opts UndoOptions) *UndoManager {
	um := &UndoManager{
		scope:          scope,
		tracked:        make(map[any]struct{}),
		captureTimeout: opts.CaptureTimeout,
		now:            opts.Now,
	}
	if len(scope) > 0 {
		um.doc = scope[0].doc
	}
	if um.now == nil {
		um.now = time.Now
	}
	if len(opts.TrackedOrigins) == 0 {
		um.tracked[nil] = struct{}{}
	}
	for _, origin := range opts.TrackedOrigins {
		if hashable(origin) {
			um.tracked[origin] = struct{}{}
		}
	}
	um.tracked[um] = struct{}{}
	if um.doc != nil {
		um.unsubscribe = um.doc.onAfterTransaction(um.afterTransaction)
	}
	return um
}

func hashable(v any) bool {
	return v == nil || reflect.TypeOf(v).Comparable()
}

func (um *UndoManager) isTracked(origin any) bool {
	if !hashable(origin) {
		return false
	}
	_, ok := um.tracked[origin]
	return ok
}

func (um *UndoManager) inScope(it *item) bool {
	parent := um.doc.resolveParent(it.parent)
	if parent == nil {
		return false
	}
	for _, m := range um.scope {
		if isAncestor(m, parent) {
			return true
		}
	}
	return false
}

func (um *UndoManager) afterTransaction(tx *Transaction) {
	if !um.isTracked(tx.Origin) {
		return
	}
	entry := newStackItem()
	for _, it := range tx.inserted {
		if um.inScope(it) {
			entry.insertions[it.id] = struct{}{}
		}
	}
	for _, it := range tx.deleted {
		if um.inScope(it) {
			entry.deletions[it.id] = struct{}{}
		}
	}
	if len(entry.insertions) == 0 && len(entry.deletions) == 0 {
		return
	}

	undoing, redoing := um.undoing, um.redoing
	stack := &um.undoStack
	if undoing {
		stack = &um.redoStack
		um.StopCapturing()
	} else if !redoing {
		um.redoStack = nil
	}

	now := um.now()
	if !undoing && !redoing && len(*stack) > 0 && !um.lastChange.IsZero() && now.Sub(um.lastChange) < um.captureTimeout {
		(*stack)[len(*stack)-1].merge(entry)
	} else {
		*stack = append(*stack, entry)
		kind := StackUndo
		if undoing {
			kind = StackRedo
		}
		for _, fn := range slices.Clone(um.added) {
			fn(StackEvent{Item: entry, Kind: kind, Origin: tx.Origin})
		}
	}
	if !undoing && !redoing {
		um.lastChange = now
	}
}

// Undo reverts the most recent step. It returns nil when nothing changed.
func (um *UndoManager) Undo() *StackItem {
	um.undoing = true
	defer func() { um.undoing = false }()
	return um.pop(&um.undoStack, StackUndo)
}

// Redo reapplies the most recently undone step.
func (um *UndoManager) Redo() *StackItem {
	um.redoing = true
	defer func() { um.redoing = false }()
	return um.pop(&um.redoStack, StackRedo)
}

// StopCapturing makes the next change start a new step.
func (um *UndoManager) StopCapturing() {
	um.lastChange = time.Time{}
}

// MergeCapturing makes the next change within the capture timeout join the
// current step.
func (um *UndoManager) MergeCapturing() {
	um.lastChange = um.now()
}

func (um *UndoManager) Clear() {
	um.undoStack = nil
	um.redoStack = nil
}

func (um *UndoManager) CanUndo() bool {
	return len(um.undoStack) > 0
}

func (um *UndoManager) CanRedo() bool {
	return len(um.redoStack) > 0
}

func (um *UndoManager) UndoDepth() int {
	return len(um.undoStack)
}

func (um *UndoManager) RedoDepth() int {
	return len(um.redoStack)
}

func (um *UndoManager) OnStackItemAdded(fn func(StackEvent)) {
	um.added = append(um.added, fn)
}

func (um *UndoManager) OnStackItemPopped(fn func(StackEvent)) {
	um.popped = append(um.popped, fn)
}

// Destroy detaches um from its document.
func (um *UndoManager) Destroy() {
	if um.unsubscribe != nil {
		um.unsubscribe()
		um.unsubscribe = nil
	}
	um.Clear()
}

func (um *UndoManager) pop(stack *[]*StackItem, kind StackKind) *StackItem {
	if um.doc == nil {
		return nil
	}
	var result *StackItem
	um.doc.Transact(func(tx *Transaction) {
		for len(*stack) > 0 && result == nil {
			entry := (*stack)[len(*stack)-1]
			*stack = (*stack)[:len(*stack)-1]

			var toDelete []*item
			for _, id := range sortedIDs(entry.insertions) {
				it := um.doc.getItem(id)
				if it == nil {
					continue
				}
				it = um.followRedone(it)
				if !it.deleted && um.inScope(it) {
					toDelete = append(toDelete, it)
				}
			}
			toRedo := make(map[*item]struct{})
			var redoOrder []*item
			for _, id := range sortedIDs(entry.deletions) {
				if _, inserted := entry.insertions[id]; inserted {
					continue
				}
				it := um.doc.getItem(id)
				if it == nil || !um.inScope(it) {
					continue
				}
				toRedo[it] = struct{}{}
				redoOrder = append(redoOrder, it)
			}

			changed := false
			for _, it := range redoOrder {
				if um.redoItem(tx, it, toRedo, entry.insertions) != nil {
					changed = true
				}
			}
			for i := len(toDelete) - 1; i >= 0; i-- {
				if !toDelete[i].deleted {
					um.doc.deleteItem(tx, toDelete[i])
					changed = true
				}
			}
			if changed {
				result = entry
			}
		}
	}, um)

	if result != nil {
		for _, fn := range slices.Clone(um.popped) {
			fn(StackEvent{Item: result, Kind: kind, Origin: um})
		}
	}
	return result
}

func (um *UndoManager) followRedone(it *item) *item {
	for it.redone != nil {
		next := um.doc.getItem(*it.redone)
		if next == nil {
			break
		}
		it = next
	}
	return it
}

// redoItem restores a deleted item by inserting a copy of it. Nested maps are
// restored empty; their entries are restored individually and follow the
// redone chain of their parent.
func (um *UndoManager) redoItem(tx *Transaction, it *item, toRedo map[*item]struct{}, insertions map[ID]struct{}) *item {
	if it.redone != nil {
		return um.doc.getItem(*it.redone)
	}
	ref := it.parent
	if it.parent.item != nil {
		parentItem := um.doc.getItem(*it.parent.item)
		if parentItem == nil {
			return nil
		}
		if parentItem.deleted {
			if parentItem.redone == nil {
				if _, ok := toRedo[parentItem]; !ok {
					return nil
				}
				if um.redoItem(tx, parentItem, toRedo, insertions) == nil {
					return nil
				}
			}
			parentItem = um.followRedone(parentItem)
		}
		ref = itemRef(parentItem.id)
	}
	parent := um.doc.resolveParent(ref)
	if parent == nil {
		return nil
	}

	// a live write by another replica made after it wins over the restore
	for _, other := range parent.entries[it.key] {
		if other == it || other.deleted || !other.after(it) {
			continue
		}
		if _, ok := insertions[other.id]; ok {
			continue
		}
		if other.id.Client != um.doc.clientID {
			return nil
		}
	}

	um.doc.lamport++
	restored := &item{
		id:      ID{Client: um.doc.clientID, Clock: um.doc.state[um.doc.clientID]},
		lamport: um.doc.lamport,
		parent:  ref,
		key:     it.key,
		kind:    it.kind,
		value:   it.value,
	}
	redone := restored.id
	it.redone = &redone
	um.doc.integrate(tx, restored)
	return restored
}

func itemRef(id ID) parentRef {
	return parentRef{item: &id}
}

func sortedIDs(set map[ID]struct{}) []ID {
	ids := make([]ID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}
