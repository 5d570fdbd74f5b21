package crdt

import "fmt"

// ID identifies one operation: the replica that created it and its position in
// that replica's clock.
type ID struct {
	Client uint64 `cbor:"1,keyasint"`
	Clock  uint64 `cbor:"2,keyasint"`
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Client, id.Clock)
}

type contentKind uint8

const (
	contentAny contentKind = iota + 1
	contentMap
)

// parentRef points at a root by name or at the item holding a nested map.
type parentRef struct {
	root string
	item *ID
}

type item struct {
	id      ID
	lamport uint64
	parent  parentRef
	key     string
	kind    contentKind
	value   any
	typ     *Map
	deleted bool
	// redone is the item that replaced this one when an undo restored it.
	redone *ID
}

// after reports whether it wins over other for the same key.
func (it *item) after(other *item) bool {
	if it.lamport != other.lamport {
		return it.lamport > other.lamport
	}
	return it.id.Client > other.id.Client
}
