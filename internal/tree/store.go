package tree

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"treesync/internal/jsonval"
	"treesync/internal/util"
)

// Store is the node arena. Mutations publish events on the store's bus after
// the store lock is released.
type Store struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	bus   *Bus
}

func NewStore(bus *Bus) *Store {
	if bus == nil {
		bus = NewBus()
	}
	return &Store{
		nodes: map[string]*Node{RootID: {ID: RootID, Properties: map[string]any{}}},
		bus:   bus,
	}
}

func (s *Store) Bus() *Bus {
	return s.bus
}

// Node returns a copy of the node with the given id.
func (s *Store) Node(id string) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, false
	}
	return n.clone(), true
}

func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[id]
	return ok
}

// Nodes returns copies of every node, sorted by id.
func (s *Store) Nodes() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Root() *Node {
	root, _ := s.Node(RootID)
	return root
}

// Property reads the value at path on node id.
func (s *Store) Property(id, path string) (any, bool) {
	segments, err := ParsePath(path)
	if err != nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, false
	}
	value, ok := getPath(n.Properties, segments)
	return jsonval.Clone(value), ok
}

// From returns a Mutator whose events carry origin.
func (s *Store) From(origin any) *Mutator {
	return &Mutator{store: s, origin: origin}
}

func (s *Store) CreateNode(p CreateParams) (string, error) { return s.From(nil).CreateNode(p) }
func (s *Store) RemoveNode(id string) error                { return s.From(nil).RemoveNode(id) }
func (s *Store) MoveNode(id, parent string) error          { return s.From(nil).MoveNode(id, parent) }
func (s *Store) AppendChild(parent, child string) error {
	return s.From(nil).AppendChild(parent, child)
}
func (s *Store) RemoveChild(parent, child string) error {
	return s.From(nil).RemoveChild(parent, child)
}
func (s *Store) Lock(id string) error   { return s.From(nil).Lock(id) }
func (s *Store) Unlock(id string) error { return s.From(nil).Unlock(id) }

func (s *Store) UpdateNodeProperty(id, path string, value any) error {
	return s.From(nil).UpdateNodeProperty(id, path, value)
}

func (s *Store) DeleteNodeProperty(id, path string) error {
	return s.From(nil).DeleteNodeProperty(id, path)
}

type CreateParams struct {
	// ID is generated when empty.
	ID         string
	Type       string
	Properties map[string]any
	// Parent defaults to the root.
	Parent string
	// Detached creates the node without attaching it anywhere.
	Detached bool
}

// Mutator applies commands to a Store on behalf of one origin.
type Mutator struct {
	store  *Store
	origin any
	events []Event
}

func (m *Mutator) meta() meta {
	return meta{origin: m.origin}
}

// apply runs fn under the store lock and publishes what it recorded.
func (m *Mutator) apply(fn func() error) error {
	s := m.store
	s.mu.Lock()
	m.events = nil
	err := fn()
	events := m.events
	m.events = nil
	s.mu.Unlock()

	for _, evt := range events {
		s.bus.Publish(evt)
	}
	return err
}

func (m *Mutator) emit(evt Event) {
	m.events = append(m.events, evt)
}

func (m *Mutator) get(id string) (*Node, error) {
	n, ok := m.store.nodes[id]
	if !ok {
		return nil, errors.Wrapf(ErrNodeNotFound, "node %s", id)
	}
	return n, nil
}

func (m *Mutator) CreateNode(p CreateParams) (string, error) {
	id := p.ID
	if id == "" {
		id = util.NewID("")
	}
	props, err := jsonval.Normalize(p.Properties)
	if err != nil {
		return "", errors.Wrapf(err, "normalize properties of %s", id)
	}
	propMap, _ := props.(map[string]any)
	if propMap == nil {
		propMap = map[string]any{}
	}

	err = m.apply(func() error {
		if _, exists := m.store.nodes[id]; exists {
			return errors.Wrapf(ErrNodeExists, "node %s", id)
		}
		parentID := p.Parent
		if parentID == "" {
			parentID = RootID
		}
		if !p.Detached {
			if _, err := m.get(parentID); err != nil {
				return err
			}
		}
		n := &Node{ID: id, Type: p.Type, Properties: propMap}
		m.store.nodes[id] = n
		m.emit(NodeCreated{meta: m.meta(), Node: n.clone()})
		if !p.Detached {
			return m.appendChild(parentID, id)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// RemoveNode removes id and its descendants, children first.
func (m *Mutator) RemoveNode(id string) error {
	if id == RootID {
		return ErrRootImmutable
	}
	return m.apply(func() error {
		if _, err := m.get(id); err != nil {
			return err
		}
		m.removeSubtree(id, make(map[string]bool))
		return nil
	})
}

func (m *Mutator) removeSubtree(id string, seen map[string]bool) {
	n, ok := m.store.nodes[id]
	if !ok || seen[id] {
		return
	}
	seen[id] = true
	for _, child := range append([]string(nil), n.Children...) {
		m.removeSubtree(child, seen)
	}
	if n.Parent != "" {
		m.removeChild(n.Parent, id)
	}
	delete(m.store.nodes, id)
	m.emit(NodeRemoved{meta: m.meta(), Node: n.clone()})
}

// MoveNode reattaches id below parent. An empty parent means the root.
func (m *Mutator) MoveNode(id, parent string) error {
	if id == RootID {
		return ErrRootImmutable
	}
	if parent == "" {
		parent = RootID
	}
	return m.apply(func() error {
		n, err := m.get(id)
		if err != nil {
			return err
		}
		if _, err := m.get(parent); err != nil {
			return err
		}
		if n.Parent == parent {
			return nil
		}
		return m.appendChild(parent, id)
	})
}

// AppendChild attaches child to parent, detaching it from any other parent.
// Attaching an existing child again is a no-op.
func (m *Mutator) AppendChild(parent, child string) error {
	return m.apply(func() error {
		return m.appendChild(parent, child)
	})
}

func (m *Mutator) appendChild(parentID, childID string) error {
	if childID == RootID {
		return ErrRootImmutable
	}
	parent, err := m.get(parentID)
	if err != nil {
		return err
	}
	child, err := m.get(childID)
	if err != nil {
		return err
	}
	if child.Parent == parentID && parent.HasChild(childID) {
		return nil
	}
	if m.isAncestor(childID, parentID) {
		return errors.Wrapf(ErrInvalidMove, "attach %s below %s", childID, parentID)
	}
	if child.Parent != "" && child.Parent != parentID {
		m.removeChild(child.Parent, childID)
	}
	if !parent.HasChild(childID) {
		parent.Children = append(parent.Children, childID)
	}
	child.Parent = parentID
	m.emit(NodeAppendChild{meta: m.meta(), Parent: parentID, Child: childID})
	return nil
}

// isAncestor reports whether id is node or one of its ancestors. The walk
// stops at a missing node or at a node it has already visited.
func (m *Mutator) isAncestor(id, node string) bool {
	seen := make(map[string]bool)
	for cursor := node; cursor != "" && !seen[cursor]; {
		if cursor == id {
			return true
		}
		seen[cursor] = true
		n, ok := m.store.nodes[cursor]
		if !ok {
			return false
		}
		cursor = n.Parent
	}
	return false
}

// RemoveChild detaches child from parent. Detaching a node that is not a
// child of parent is a no-op.
func (m *Mutator) RemoveChild(parent, child string) error {
	return m.apply(func() error {
		if _, err := m.get(parent); err != nil {
			return err
		}
		if _, err := m.get(child); err != nil {
			return err
		}
		m.removeChild(parent, child)
		return nil
	})
}

func (m *Mutator) removeChild(parentID, childID string) {
	parent, ok := m.store.nodes[parentID]
	var changed bool
	if ok && parent.HasChild(childID) {
		parent.Children = without(parent.Children, childID)
		changed = true
	}
	if child, ok := m.store.nodes[childID]; ok && child.Parent == parentID {
		child.Parent = ""
		changed = true
	}
	if changed {
		m.emit(NodeRemoveChild{meta: m.meta(), Parent: parentID, Child: childID})
	}
}

// UpdateNodeProperty sets the value at path. Writing an equal value is a no-op.
func (m *Mutator) UpdateNodeProperty(id, path string, value any) error {
	segments, err := ParsePath(path)
	if err != nil {
		return err
	}
	normalized, err := jsonval.Normalize(value)
	if err != nil {
		return errors.Wrapf(err, "normalize %s.%s", id, path)
	}
	return m.apply(func() error {
		n, err := m.get(id)
		if err != nil {
			return err
		}
		if current, ok := getPath(n.Properties, segments); ok && jsonval.Equal(current, normalized) {
			return nil
		}
		n.Properties = setPath(n.Properties, segments, normalized)
		m.emit(NodeUpdateProperty{meta: m.meta(), NodeID: id, Path: path, Value: jsonval.Clone(normalized)})
		return nil
	})
}

func (m *Mutator) DeleteNodeProperty(id, path string) error {
	segments, err := ParsePath(path)
	if err != nil {
		return err
	}
	return m.apply(func() error {
		n, err := m.get(id)
		if err != nil {
			return err
		}
		if deletePath(n.Properties, segments) {
			m.emit(NodeDeleteProperty{meta: m.meta(), NodeID: id, Path: path})
		}
		return nil
	})
}

func (m *Mutator) Lock(id string) error {
	return m.setLocked(id, true)
}

func (m *Mutator) Unlock(id string) error {
	return m.setLocked(id, false)
}

func (m *Mutator) setLocked(id string, locked bool) error {
	return m.apply(func() error {
		n, err := m.get(id)
		if err != nil {
			return err
		}
		if n.Locked == locked {
			return nil
		}
		n.Locked = locked
		if locked {
			m.emit(NodeLocked{meta: m.meta(), NodeID: id})
		} else {
			m.emit(NodeUnlocked{meta: m.meta(), NodeID: id})
		}
		return nil
	})
}
