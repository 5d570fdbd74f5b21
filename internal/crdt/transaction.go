package crdt

import (
	"sort"
	"strings"
)

// Action describes how a key changed within one transaction.
type Action string

const (
	ActionAdd    Action = "add"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

type KeyChange struct {
	Action   Action
	OldValue any
}

// MapEvent lists the keys of Target that changed in one transaction.
type MapEvent struct {
	Target *Map
	Keys   map[string]KeyChange
}

// Transaction groups changes that are observed and encoded together.
type Transaction struct {
	Origin any
	// Local is false for transactions that applied a remote update.
	Local bool

	doc         *Doc
	beforeState map[uint64]uint64
	inserted    []*item
	deleted     []*item
	changed     map[*Map]map[string]*keySnapshot
	order       []*Map
}

type keySnapshot struct {
	old      *item
	oldValue any
}

func newTransaction(d *Doc, origin any, local bool) *Transaction {
	before := make(map[uint64]uint64, len(d.state))
	for client, clock := range d.state {
		before[client] = clock
	}
	return &Transaction{
		Origin:      origin,
		Local:       local,
		doc:         d,
		beforeState: before,
		changed:     make(map[*Map]map[string]*keySnapshot),
	}
}

func (tx *Transaction) Doc() *Doc {
	return tx.doc
}

func (tx *Transaction) createdHere(it *item) bool {
	return it.id.Clock >= tx.beforeState[it.id.Client]
}

// noteChange records the visible value of m[key] before the first change in
// this transaction.
func (tx *Transaction) noteChange(m *Map, key string) {
	if m.item != nil && tx.createdHere(m.item) {
		return
	}
	keys, ok := tx.changed[m]
	if !ok {
		keys = make(map[string]*keySnapshot)
		tx.changed[m] = keys
		tx.order = append(tx.order, m)
	}
	if _, seen := keys[key]; seen {
		return
	}
	snap := &keySnapshot{old: m.current(key)}
	if snap.old != nil {
		snap.oldValue = snap.old.json()
	}
	keys[key] = snap
}

func (tx *Transaction) events() []*MapEvent {
	var events []*MapEvent
	for _, m := range tx.order {
		if m.Deleted() {
			continue
		}
		evt := &MapEvent{Target: m, Keys: make(map[string]KeyChange)}
		for key, snap := range tx.changed[m] {
			now := m.current(key)
			switch {
			case snap.old == now:
				continue
			case snap.old == nil:
				evt.Keys[key] = KeyChange{Action: ActionAdd}
			case now == nil:
				evt.Keys[key] = KeyChange{Action: ActionDelete, OldValue: snap.oldValue}
			default:
				evt.Keys[key] = KeyChange{Action: ActionUpdate, OldValue: snap.oldValue}
			}
		}
		if len(evt.Keys) > 0 {
			events = append(events, evt)
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		pi, pj := events[i].Target.Path(), events[j].Target.Path()
		if len(pi) != len(pj) {
			return len(pi) < len(pj)
		}
		if ri, rj := rootName(events[i].Target), rootName(events[j].Target); ri != rj {
			return ri < rj
		}
		return strings.Join(pi, "\x00") < strings.Join(pj, "\x00")
	})
	return events
}

func (tx *Transaction) encodeUpdate() []byte {
	return encodeWire(toWireItems(tx.inserted), idRanges(itemIDs(tx.deleted)))
}

func rootName(m *Map) string {
	for m.item != nil {
		parent := m.Parent()
		if parent == nil {
			return ""
		}
		m = parent
	}
	return m.name
}
