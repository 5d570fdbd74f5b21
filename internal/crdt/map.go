package crdt

import (
	"sort"

	"treesync/internal/jsonval"
)

// Map is a last-writer-wins map shared between replicas. Values are either
// JSON-compatible values or nested maps.
type Map struct {
	doc     *Doc
	item    *item
	name    string
	entries map[string][]*item
}

func newMap(doc *Doc, it *item, name string) *Map {
	return &Map{doc: doc, item: it, name: name, entries: make(map[string][]*item)}
}

func (m *Map) Doc() *Doc {
	return m.doc
}

// IsRoot reports whether m is a top-level collection of its document.
func (m *Map) IsRoot() bool {
	return m.item == nil
}

// Key is the key m is stored under in its parent, or the root name.
func (m *Map) Key() string {
	if m.item == nil {
		return m.name
	}
	return m.item.key
}

// Parent returns the map containing m, or nil for a root.
func (m *Map) Parent() *Map {
	if m.item == nil {
		return nil
	}
	return m.doc.resolveParent(m.item.parent)
}

// Path lists the keys leading from the root collection to m.
func (m *Map) Path() []string {
	var path []string
	for current := m; current != nil && current.item != nil; current = current.Parent() {
		path = append([]string{current.item.key}, path...)
	}
	return path
}

// Deleted reports whether m has been removed from its parent.
func (m *Map) Deleted() bool {
	return m.item != nil && m.item.deleted
}

func (m *Map) ref() parentRef {
	if m.item == nil {
		return parentRef{root: m.name}
	}
	id := m.item.id
	return parentRef{item: &id}
}

func (m *Map) winner(key string) *item {
	var best *item
	for _, it := range m.entries[key] {
		if best == nil || it.after(best) {
			best = it
		}
	}
	return best
}

func (m *Map) current(key string) *item {
	it := m.winner(key)
	if it == nil || it.deleted {
		return nil
	}
	return it
}

// Set stores a JSON-compatible value under key.
func (m *Map) Set(key string, value any) error {
	normalized, err := jsonval.Normalize(value)
	if err != nil {
		return err
	}
	m.doc.Transact(func(tx *Transaction) {
		m.doc.localInsert(tx, m, key, contentAny, normalized)
	}, nil)
	return nil
}

// SetMap stores a new empty nested map under key and returns it.
func (m *Map) SetMap(key string) *Map {
	var it *item
	m.doc.Transact(func(tx *Transaction) {
		it = m.doc.localInsert(tx, m, key, contentMap, nil)
	}, nil)
	return it.typ
}

// Get returns the value under key. Nested maps are returned as *Map.
func (m *Map) Get(key string) (any, bool) {
	it := m.current(key)
	if it == nil {
		return nil, false
	}
	if it.kind == contentMap {
		return it.typ, true
	}
	return jsonval.Clone(it.value), true
}

// GetMap returns the nested map under key, or nil when key holds no map.
func (m *Map) GetMap(key string) *Map {
	it := m.current(key)
	if it == nil || it.kind != contentMap {
		return nil
	}
	return it.typ
}

func (m *Map) Has(key string) bool {
	return m.current(key) != nil
}

func (m *Map) Delete(key string) {
	it := m.current(key)
	if it == nil {
		return
	}
	m.doc.Transact(func(tx *Transaction) {
		m.doc.deleteItem(tx, it)
	}, nil)
}

// Keys returns the visible keys in sorted order.
func (m *Map) Keys() []string {
	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		if m.current(key) != nil {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func (m *Map) Len() int {
	n := 0
	for key := range m.entries {
		if m.current(key) != nil {
			n++
		}
	}
	return n
}

// ToJSON renders the visible content of m and its nested maps.
func (m *Map) ToJSON() map[string]any {
	out := make(map[string]any)
	for key := range m.entries {
		it := m.current(key)
		if it == nil {
			continue
		}
		out[key] = it.json()
	}
	return out
}

// ObserveDeep calls fn after every transaction that changed m or any map
// below it. The returned func unregisters the observer.
func (m *Map) ObserveDeep(fn func(events []*MapEvent, tx *Transaction)) func() {
	return m.doc.observeDeep(m, fn)
}

func (it *item) json() any {
	if it.kind == contentMap {
		return it.typ.ToJSON()
	}
	return jsonval.Clone(it.value)
}
