package tree

// Kind names a domain event.
type Kind string

const (
	KindNodeCreated        Kind = "NODE_CREATED"
	KindNodeRemoved        Kind = "NODE_REMOVED"
	KindNodeAppendChild    Kind = "NODE_APPEND_CHILD"
	KindNodeRemoveChild    Kind = "NODE_REMOVE_CHILD"
	KindNodeUpdateProperty Kind = "NODE_UPDATE_PROPERTY"
	KindNodeDeleteProperty Kind = "NODE_DELETE_PROPERTY"
	KindNodeLocked         Kind = "NODE_LOCKED"
	KindNodeUnlocked       Kind = "NODE_UNLOCKED"

	KindUndoStateChanged Kind = "UNDO_STATE_CHANGED"
)

// Event is a domain event. The concrete types below are the only
// implementations.
type Event interface {
	Kind() Kind
	// Origin is the value passed to Store.From by whoever caused the change.
	Origin() any
	event()
}

type meta struct {
	origin any
}

func (m meta) Origin() any { return m.origin }
func (meta) event()        {}

type NodeCreated struct {
	meta
	Node *Node
}

type NodeRemoved struct {
	meta
	Node *Node
}

type NodeAppendChild struct {
	meta
	Parent string
	Child  string
}

type NodeRemoveChild struct {
	meta
	Parent string
	Child  string
}

type NodeUpdateProperty struct {
	meta
	NodeID string
	Path   string
	Value  any
}

type NodeDeleteProperty struct {
	meta
	NodeID string
	Path   string
}

type NodeLocked struct {
	meta
	NodeID string
}

type NodeUnlocked struct {
	meta
	NodeID string
}

// Notice is an event without payload.
type Notice struct {
	meta
	Name Kind
}

// NewNotice builds a payload-less event for publishing on a Bus.
func NewNotice(name Kind, origin any) Notice {
	return Notice{meta: meta{origin: origin}, Name: name}
}

func (NodeCreated) Kind() Kind        { return KindNodeCreated }
func (NodeRemoved) Kind() Kind        { return KindNodeRemoved }
func (NodeAppendChild) Kind() Kind    { return KindNodeAppendChild }
func (NodeRemoveChild) Kind() Kind    { return KindNodeRemoveChild }
func (NodeUpdateProperty) Kind() Kind { return KindNodeUpdateProperty }
func (NodeDeleteProperty) Kind() Kind { return KindNodeDeleteProperty }
func (NodeLocked) Kind() Kind         { return KindNodeLocked }
func (NodeUnlocked) Kind() Kind       { return KindNodeUnlocked }
func (n Notice) Kind() Kind           { return n.Name }
