// Package crdt is the replicated document primitive the sync engine builds on.
//
// A Doc holds named root maps. Every write creates an item identified by
// (client, clock); concurrent writes to the same key resolve by Lamport order,
// so replicas that have seen the same items converge regardless of delivery
// order. Updates, state vectors and an undo manager follow the shape of the
// Yjs API the engine was designed against.
//
// A Doc is not safe for concurrent use. Callers serialize access.
package crdt

import (
	"crypto/rand"
	"encoding/binary"
	"sort"

	"github.com/cockroachdb/errors"
)

// ShareKind is the structural type of a root collection.
type ShareKind uint8

const (
	// KindUnknown marks a root that received items but was never accessed
	// through a typed getter, so its structure cannot be inferred.
	KindUnknown ShareKind = iota
	KindMap
)

func (k ShareKind) String() string {
	switch k {
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

var (
	ErrUnknownShareType = errors.New("unknown share type")
	ErrMalformedUpdate  = errors.New("malformed update")
)

type rootEntry struct {
	kind ShareKind
	m    *Map
}

// UpdateHandler receives the incremental update produced by a transaction.
type UpdateHandler func(update []byte, origin any, local bool)

type deepObserver struct {
	target *Map
	fn     func(events []*MapEvent, tx *Transaction)
}

type Doc struct {
	clientID uint64
	lamport  uint64

	state map[uint64]uint64
	store map[uint64][]*item
	roots map[string]*rootEntry

	pending map[uint64]map[uint64]*wireItem
	// pendingDeletes holds delete ranges not yet covered by integrated items.
	pendingDeletes []deleteRange

	txn *Transaction

	observers      []*deepObserver
	afterTxn       []*afterTxnHook
	updateHandlers []*updateHook
}

type afterTxnHook struct {
	fn func(tx *Transaction)
}

type updateHook struct {
	fn UpdateHandler
}

// Option configures a Doc.
type Option func(*Doc)

// WithClientID pins the replica identifier. Tests use it for determinism.
func WithClientID(id uint64) Option {
	return func(d *Doc) {
		d.clientID = id
	}
}

func NewDoc(opts ...Option) *Doc {
	d := &Doc{
		state:   make(map[uint64]uint64),
		store:   make(map[uint64][]*item),
		roots:   make(map[string]*rootEntry),
		pending: make(map[uint64]map[uint64]*wireItem),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.clientID == 0 {
		d.clientID = randomClientID()
	}
	return d
}

func randomClientID() uint64 {
	var buf [8]byte
	for {
		_, _ = rand.Read(buf[:])
		// keep ids within the float64-exact range so they survive JSON transports
		id := binary.BigEndian.Uint64(buf[:]) & (1<<53 - 1)
		if id != 0 {
			return id
		}
	}
}

func (d *Doc) ClientID() uint64 {
	return d.clientID
}

// GetMap returns the root map with the given name, typing it as a map.
func (d *Doc) GetMap(name string) *Map {
	entry := d.root(name)
	entry.kind = KindMap
	return entry.m
}

// Share reports every root collection and its structural type.
func (d *Doc) Share() map[string]ShareKind {
	out := make(map[string]ShareKind, len(d.roots))
	for name, entry := range d.roots {
		out[name] = entry.kind
	}
	return out
}

// ToJSON renders the visible content of every root.
func (d *Doc) ToJSON() map[string]any {
	out := make(map[string]any, len(d.roots))
	for _, name := range d.rootNames() {
		out[name] = d.roots[name].m.ToJSON()
	}
	return out
}

// Content is ToJSON without empty roots, so a root that was only declared
// does not make two replicas with the same data look different.
func (d *Doc) Content() map[string]any {
	out := d.ToJSON()
	for name, value := range out {
		if m, ok := value.(map[string]any); ok && len(m) == 0 {
			delete(out, name)
		}
	}
	return out
}

// Transact runs fn inside a local transaction. A call made while another
// transaction is open joins it.
func (d *Doc) Transact(fn func(tx *Transaction), origin any) {
	if d.txn != nil {
		fn(d.txn)
		return
	}
	d.run(fn, origin, true)
}

func (d *Doc) observeDeep(target *Map, fn func(events []*MapEvent, tx *Transaction)) func() {
	obs := &deepObserver{target: target, fn: fn}
	d.observers = append(d.observers, obs)
	return func() {
		for i, candidate := range d.observers {
			if candidate == obs {
				d.observers = append(d.observers[:i], d.observers[i+1:]...)
				return
			}
		}
	}
}

// OnUpdate registers fn to receive each transaction's incremental update.
func (d *Doc) OnUpdate(fn UpdateHandler) func() {
	hook := &updateHook{fn: fn}
	d.updateHandlers = append(d.updateHandlers, hook)
	return func() {
		for i, candidate := range d.updateHandlers {
			if candidate == hook {
				d.updateHandlers = append(d.updateHandlers[:i], d.updateHandlers[i+1:]...)
				return
			}
		}
	}
}

func (d *Doc) onAfterTransaction(fn func(tx *Transaction)) func() {
	hook := &afterTxnHook{fn: fn}
	d.afterTxn = append(d.afterTxn, hook)
	return func() {
		for i, candidate := range d.afterTxn {
			if candidate == hook {
				d.afterTxn = append(d.afterTxn[:i], d.afterTxn[i+1:]...)
				return
			}
		}
	}
}

func (d *Doc) run(fn func(tx *Transaction), origin any, local bool) {
	tx := newTransaction(d, origin, local)
	d.txn = tx
	func() {
		defer func() { d.txn = nil }()
		fn(tx)
	}()
	d.commit(tx)
}

func (d *Doc) commit(tx *Transaction) {
	events := tx.events()
	if len(events) > 0 {
		observers := append([]*deepObserver(nil), d.observers...)
		for _, obs := range observers {
			var batch []*MapEvent
			for _, evt := range events {
				if isAncestor(obs.target, evt.Target) {
					batch = append(batch, evt)
				}
			}
			if len(batch) > 0 {
				obs.fn(batch, tx)
			}
		}
	}

	for _, hook := range append([]*afterTxnHook(nil), d.afterTxn...) {
		hook.fn(tx)
	}

	if len(tx.inserted) == 0 && len(tx.deleted) == 0 {
		return
	}
	if len(d.updateHandlers) == 0 {
		return
	}
	update := tx.encodeUpdate()
	for _, hook := range append([]*updateHook(nil), d.updateHandlers...) {
		hook.fn(update, tx.Origin, tx.Local)
	}
}

func (d *Doc) root(name string) *rootEntry {
	entry, ok := d.roots[name]
	if !ok {
		entry = &rootEntry{kind: KindUnknown, m: newMap(d, nil, name)}
		d.roots[name] = entry
	}
	return entry
}

func (d *Doc) rootNames() []string {
	names := make([]string, 0, len(d.roots))
	for name := range d.roots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Doc) getItem(id ID) *item {
	items := d.store[id.Client]
	if id.Clock < uint64(len(items)) {
		return items[id.Clock]
	}
	return nil
}

func (d *Doc) resolveParent(ref parentRef) *Map {
	if ref.item == nil {
		return d.root(ref.root).m
	}
	parent := d.getItem(*ref.item)
	if parent == nil {
		return nil
	}
	return parent.typ
}

// localInsert creates a new item owned by this replica at m[key]. The item
// carries the highest Lamport time seen so far, so it replaces the visible value.
func (d *Doc) localInsert(tx *Transaction, m *Map, key string, kind contentKind, value any) *item {
	d.lamport++
	it := &item{
		id:      ID{Client: d.clientID, Clock: d.state[d.clientID]},
		lamport: d.lamport,
		parent:  m.ref(),
		key:     key,
		kind:    kind,
		value:   value,
	}
	d.integrate(tx, it)
	return it
}

// integrate adds it to the store and to its parent map. Every item under the
// same key that does not win is tombstoned, so at most one item per key is
// live on every replica regardless of arrival order.
func (d *Doc) integrate(tx *Transaction, it *item) {
	if it.kind == contentMap && it.typ == nil {
		it.typ = newMap(d, it, "")
	}
	d.store[it.id.Client] = append(d.store[it.id.Client], it)
	d.state[it.id.Client] = it.id.Clock + 1
	if it.lamport > d.lamport {
		d.lamport = it.lamport
	}
	tx.inserted = append(tx.inserted, it)

	parent := d.resolveParent(it.parent)
	if parent == nil {
		// parent is not a map; keep the clock slot but never expose the item
		it.deleted = true
		tx.deleted = append(tx.deleted, it)
		return
	}
	tx.noteChange(parent, it.key)
	parent.entries[it.key] = append(parent.entries[it.key], it)

	if parent.item != nil && parent.item.deleted {
		d.deleteItem(tx, it)
		return
	}
	winner := parent.winner(it.key)
	for _, other := range parent.entries[it.key] {
		if other != winner {
			d.deleteItem(tx, other)
		}
	}
}

func (d *Doc) deleteItem(tx *Transaction, it *item) {
	if it.deleted {
		return
	}
	if parent := d.resolveParent(it.parent); parent != nil {
		tx.noteChange(parent, it.key)
	}
	it.deleted = true
	tx.deleted = append(tx.deleted, it)

	if it.typ == nil {
		return
	}
	keys := make([]string, 0, len(it.typ.entries))
	for key := range it.typ.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		for _, child := range it.typ.entries[key] {
			d.deleteItem(tx, child)
		}
	}
}

func isAncestor(ancestor, m *Map) bool {
	for current := m; current != nil; current = current.Parent() {
		if current == ancestor {
			return true
		}
	}
	return false
}
