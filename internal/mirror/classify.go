package mirror

import "treesync/internal/crdt"

// Shape is the structural role of a map inside the datasource.
type Shape int

const (
	ShapeUnknown Shape = iota
	ShapeRootIndex
	ShapeNode
	ShapeProperties
	ShapeChildren
)

func (s Shape) String() string {
	switch s {
	case ShapeRootIndex:
		return "root-index"
	case ShapeNode:
		return "node"
	case ShapeProperties:
		return "properties"
	case ShapeChildren:
		return "children"
	default:
		return "unknown"
	}
}

// Classify tells which kind of datasource map m is from its marker keys.
func Classify(m *crdt.Map) Shape {
	switch {
	case m.Has(MarkerNode):
		return ShapeNode
	case m.Has(MarkerProperties):
		return ShapeProperties
	case m.Has(RootID) || m.IsRoot():
		return ShapeRootIndex
	}
	if parent := m.Parent(); parent != nil && m.Key() == FieldChildren && parent.Has(MarkerNode) {
		return ShapeChildren
	}
	return ShapeUnknown
}
