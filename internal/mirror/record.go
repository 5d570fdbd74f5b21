// Package mirror maps tree nodes to their records in the shared document.
//
// The document holds one flat map, the datasource, from node id to node
// record. A record is a map with the fields id, parent, locked, a children
// map used as a set and a properties map. Structural markers are stored as
// keys with the reserved "__" prefix so the three kinds of maps can be told
// apart by their content.
package mirror

import (
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"treesync/internal/crdt"
	"treesync/internal/jsonval"
	"treesync/internal/tree"
)

const (
	MarkerNode       = "__NODE__"
	MarkerProperties = "__PROPERTY__"
	RootID           = tree.RootID

	// ReservedPrefix marks keys that are structure, not user data.
	ReservedPrefix = "__"

	PropertyType = "__node_type__"
	PropertyName = "__node_name__"

	FieldID         = "id"
	FieldParent     = "parent"
	FieldLocked     = "locked"
	FieldChildren   = "children"
	FieldProperties = "properties"
)

// ErrReservedKey is returned when a write targets a structural marker.
var ErrReservedKey = errors.New("reserved property key")

// IsReserved reports whether key is a structural marker. Every check for
// reserved keys goes through here.
func IsReserved(key string) bool {
	return strings.HasPrefix(key, ReservedPrefix)
}

// isMarker reports keys that decide a record's shape or type.
func isMarker(key string) bool {
	return key == MarkerNode || key == MarkerProperties || key == PropertyType
}

// NodePO is the plain form of a node as stored in a record.
type NodePO struct {
	ID         string
	Type       string
	Parent     string
	Locked     bool
	Children   []string
	Properties map[string]any
}

// FromNode copies a tree node into its plain form.
func FromNode(n *tree.Node) NodePO {
	return NodePO{
		ID:         n.ID,
		Type:       n.Type,
		Parent:     n.Parent,
		Locked:     n.Locked,
		Children:   append([]string(nil), n.Children...),
		Properties: jsonval.Clone(n.Properties).(map[string]any),
	}
}

// Record wraps the document map holding one node.
type Record struct {
	m *crdt.Map
}

// Wrap treats m as a node record.
func Wrap(m *crdt.Map) *Record {
	if m == nil {
		return nil
	}
	return &Record{m: m}
}

// Lookup returns the record for id, or nil when the datasource has none.
func Lookup(datasource *crdt.Map, id string) *Record {
	m := datasource.GetMap(id)
	if m == nil || !m.Has(MarkerNode) {
		return nil
	}
	return &Record{m: m}
}

// ToRecord writes po into datasource, replacing any record with the same id.
// Property values are copied.
func ToRecord(datasource *crdt.Map, po NodePO) (*Record, error) {
	props, err := jsonval.Normalize(po.Properties)
	if err != nil {
		return nil, errors.Wrapf(err, "normalize properties of %s", po.ID)
	}
	propMap, _ := props.(map[string]any)

	var rec *Record
	datasource.Doc().Transact(func(tx *crdt.Transaction) {
		m := datasource.SetMap(po.ID)
		rec = &Record{m: m}
		mustSet(m, MarkerNode, true)
		mustSet(m, FieldID, po.ID)
		if po.Parent != "" {
			mustSet(m, FieldParent, po.Parent)
		}
		mustSet(m, FieldLocked, po.Locked)

		children := m.SetMap(FieldChildren)
		for _, child := range po.Children {
			mustSet(children, child, 1)
		}

		properties := m.SetMap(FieldProperties)
		for key, value := range propMap {
			if isMarker(key) {
				continue
			}
			mustSet(properties, key, value)
		}
		mustSet(properties, MarkerProperties, true)
		if po.Type != "" {
			mustSet(properties, PropertyType, po.Type)
		}
	}, nil)
	return rec, nil
}

// FromRecord reads the plain form of a record map.
func FromRecord(m *crdt.Map) NodePO {
	return Wrap(m).ToNodePO()
}

// mustSet writes an already normalized value, which cannot fail.
func mustSet(m *crdt.Map, key string, value any) {
	if err := m.Set(key, value); err != nil {
		panic(err)
	}
}

func (r *Record) Map() *crdt.Map {
	return r.m
}

func (r *Record) ID() string {
	return r.str(FieldID)
}

func (r *Record) Parent() string {
	return r.str(FieldParent)
}

func (r *Record) Locked() bool {
	v, _ := r.m.Get(FieldLocked)
	locked, _ := v.(bool)
	return locked
}

func (r *Record) Type() string {
	props := r.m.GetMap(FieldProperties)
	if props == nil {
		return ""
	}
	v, _ := props.Get(PropertyType)
	s, _ := v.(string)
	return s
}

// Children lists child ids in sorted order.
func (r *Record) Children() []string {
	children := r.m.GetMap(FieldChildren)
	if children == nil {
		return nil
	}
	return children.Keys()
}

func (r *Record) HasChild(id string) bool {
	children := r.m.GetMap(FieldChildren)
	return children != nil && children.Has(id)
}

// Properties returns the user properties, without reserved keys.
func (r *Record) Properties() map[string]any {
	out := make(map[string]any)
	props := r.m.GetMap(FieldProperties)
	if props == nil {
		return out
	}
	for _, key := range props.Keys() {
		if IsReserved(key) {
			continue
		}
		out[key], _ = props.Get(key)
	}
	return out
}

// Property returns one user property.
func (r *Record) Property(key string) (any, bool) {
	props := r.m.GetMap(FieldProperties)
	if props == nil {
		return nil, false
	}
	return props.Get(key)
}

// PropertyKeys lists every key of the properties map, reserved ones included.
func (r *Record) PropertyKeys() []string {
	props := r.m.GetMap(FieldProperties)
	if props == nil {
		return nil
	}
	return props.Keys()
}

func (r *Record) AddChild(id string) {
	children := r.ensure(FieldChildren)
	if !children.Has(id) {
		mustSet(children, id, 1)
	}
}

func (r *Record) RemoveChild(id string) {
	children := r.m.GetMap(FieldChildren)
	if children != nil && children.Has(id) {
		children.Delete(id)
	}
}

// SetParent points the record at parent. An empty parent clears it.
func (r *Record) SetParent(parent string) {
	if parent == "" {
		r.m.Delete(FieldParent)
		return
	}
	if r.Parent() != parent {
		mustSet(r.m, FieldParent, parent)
	}
}

func (r *Record) SetLocked(locked bool) {
	if r.Locked() != locked || !r.m.Has(FieldLocked) {
		mustSet(r.m, FieldLocked, locked)
	}
}

// UpdateProperty stores a copy of value under key. Reserved keys are
// refused.
func (r *Record) UpdateProperty(key string, value any) error {
	if IsReserved(key) {
		return errors.Wrapf(ErrReservedKey, "update %q on %s", key, r.ID())
	}
	return r.ensure(FieldProperties).Set(key, jsonval.Clone(value))
}

// DeleteProperty removes a user property. Reserved keys are left alone.
func (r *Record) DeleteProperty(key string) {
	if IsReserved(key) {
		return
	}
	props := r.m.GetMap(FieldProperties)
	if props != nil && props.Has(key) {
		props.Delete(key)
	}
}

func (r *Record) ToNodePO() NodePO {
	return NodePO{
		ID:         r.ID(),
		Type:       r.Type(),
		Parent:     r.Parent(),
		Locked:     r.Locked(),
		Children:   r.Children(),
		Properties: r.Properties(),
	}
}

func (r *Record) ensure(field string) *crdt.Map {
	m := r.m.GetMap(field)
	if m == nil {
		m = r.m.SetMap(field)
		if field == FieldProperties {
			mustSet(m, MarkerProperties, true)
		}
	}
	return m
}

func (r *Record) str(field string) string {
	v, _ := r.m.Get(field)
	s, _ := v.(string)
	return s
}

// RecordIDs lists the ids of every node record in datasource.
func RecordIDs(datasource *crdt.Map) []string {
	var ids []string
	for _, key := range datasource.Keys() {
		if m := datasource.GetMap(key); m != nil && m.Has(MarkerNode) {
			ids = append(ids, key)
		}
	}
	sort.Strings(ids)
	return ids
}
