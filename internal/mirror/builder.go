package mirror

import (
	"strings"

	"github.com/cockroachdb/errors"

	"treesync/internal/crdt"
	"treesync/internal/util"
)

var ErrInvalidBuildID = errors.New("invalid build id")

// Representation describes a document as nested nodes plus edges between
// them. Ids are written "{name}" for a generated id that later entries can
// refer to by name, or "[raw]" for a literal id.
type Representation struct {
	Nodes []BuildNode `json:"nodes"`
	Edges []BuildEdge `json:"edges"`
}

type BuildNode struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Type       string         `json:"type,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	// PropertiesFunc is used instead of Properties when set.
	PropertiesFunc func(h *IDHelper) (map[string]any, error) `json:"-"`
	Children       []BuildNode                               `json:"children,omitempty"`
}

type Terminal struct {
	Cell string `json:"cell"`
	Port string `json:"port,omitempty"`
}

type BuildEdge struct {
	Name           string                                    `json:"name"`
	Source         Terminal                                  `json:"source"`
	Target         Terminal                                  `json:"target"`
	Properties     map[string]any                            `json:"properties,omitempty"`
	PropertiesFunc func(h *IDHelper) (map[string]any, error) `json:"-"`
}

// IDHelper hands out generated ids by name.
type IDHelper struct {
	ids map[string]string
}

func newIDHelper() *IDHelper {
	return &IDHelper{ids: make(map[string]string)}
}

func (h *IDHelper) Has(name string) bool {
	_, ok := h.ids[name]
	return ok
}

// GetOrCreate returns the id for name, generating one on first use. An empty
// name always generates a fresh id.
func (h *IDHelper) GetOrCreate(name string) string {
	if name == "" {
		return util.NewID("")
	}
	if id, ok := h.ids[name]; ok {
		return id
	}
	id := util.NewID("")
	h.ids[name] = id
	return id
}

func (h *IDHelper) Get(name string) (string, error) {
	id, ok := h.ids[name]
	if !ok {
		return "", errors.Wrapf(ErrInvalidBuildID, "id not found: %s", name)
	}
	return id, nil
}

// Built reports the ids a Build call wrote.
type Built struct {
	Nodes []string
	Edges []string
	IDs   map[string]string
}

// Build writes rep into datasource as node records under a fresh root record.
// Nothing is written when rep is invalid.
func Build(datasource *crdt.Map, rep Representation) (*Built, error) {
	b := &builder{helper: newIDHelper()}
	var top []string
	for _, n := range rep.Nodes {
		id, err := b.node(n, RootID)
		if err != nil {
			return nil, err
		}
		top = append(top, id)
	}
	built := &Built{Nodes: append([]string(nil), top...)}
	for _, e := range rep.Edges {
		id, err := b.edge(e)
		if err != nil {
			return nil, err
		}
		top = append(top, id)
		built.Edges = append(built.Edges, id)
	}
	b.records = append(b.records, NodePO{
		ID:       RootID,
		Children: top,
		Properties: map[string]any{
			PropertyName: RootID,
		},
		Type: "node",
	})

	var err error
	datasource.Doc().Transact(func(tx *crdt.Transaction) {
		for _, po := range b.records {
			if _, err = ToRecord(datasource, po); err != nil {
				return
			}
		}
	}, nil)
	if err != nil {
		return nil, err
	}
	built.IDs = b.helper.ids
	return built, nil
}

// BuildEmpty writes a document holding only the root record.
func BuildEmpty(datasource *crdt.Map) error {
	_, err := Build(datasource, Representation{})
	return err
}

type builder struct {
	helper  *IDHelper
	records []NodePO
}

func (b *builder) resolve(raw string, mustExist bool) (string, error) {
	switch {
	case len(raw) >= 2 && strings.HasPrefix(raw, "{") && strings.HasSuffix(raw, "}"):
		name := raw[1 : len(raw)-1]
		if mustExist {
			return b.helper.Get(name)
		}
		return b.helper.GetOrCreate(name), nil
	case len(raw) >= 2 && strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]"):
		return raw[1 : len(raw)-1], nil
	default:
		return "", errors.Wrapf(ErrInvalidBuildID, "%q must be {name} or [raw]", raw)
	}
}

func (b *builder) properties(static map[string]any, fn func(*IDHelper) (map[string]any, error)) (map[string]any, error) {
	if fn != nil {
		return fn(b.helper)
	}
	return static, nil
}

func (b *builder) node(n BuildNode, parent string) (string, error) {
	id, err := b.resolve(n.ID, false)
	if err != nil {
		return "", err
	}
	props, err := b.properties(n.Properties, n.PropertiesFunc)
	if err != nil {
		return "", errors.Wrapf(err, "properties of %s", n.Name)
	}
	var children []string
	for _, child := range n.Children {
		childID, err := b.node(child, id)
		if err != nil {
			return "", err
		}
		children = append(children, childID)
	}

	merged := map[string]any{PropertyName: n.Name}
	for key, value := range props {
		merged[key] = value
	}
	typ := n.Type
	if typ == "" {
		typ = "node"
	}
	b.records = append(b.records, NodePO{ID: id, Type: typ, Parent: parent, Children: children, Properties: merged})
	return id, nil
}

func (b *builder) edge(e BuildEdge) (string, error) {
	source, err := b.terminal(e.Source)
	if err != nil {
		return "", err
	}
	target, err := b.terminal(e.Target)
	if err != nil {
		return "", err
	}
	props, err := b.properties(e.Properties, e.PropertiesFunc)
	if err != nil {
		return "", errors.Wrapf(err, "properties of %s", e.Name)
	}
	merged := map[string]any{
		PropertyName: e.Name,
		"source":     source,
		"target":     target,
	}
	for key, value := range props {
		merged[key] = value
	}
	id := b.helper.GetOrCreate("")
	b.records = append(b.records, NodePO{ID: id, Type: "edge", Parent: RootID, Properties: merged})
	return id, nil
}

func (b *builder) terminal(t Terminal) (map[string]any, error) {
	cell, err := b.resolve(t.Cell, true)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"cell": cell}
	if t.Port != "" {
		out["port"] = t.Port
	}
	return out, nil
}
