package tree

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"treesync/internal/jsonval"
)

var ErrInvalidPath = errors.New("invalid property path")

// Segment is one step of a property path: a map key or an array index.
type Segment struct {
	Key     string
	Index   int
	IsIndex bool
}

// ParsePath splits a path of the form "style.border[0].width".
func ParsePath(path string) ([]Segment, error) {
	if path == "" {
		return nil, errors.Wrap(ErrInvalidPath, "empty path")
	}
	var segments []Segment
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return nil, errors.Wrapf(ErrInvalidPath, "%q has an empty segment", path)
		}
		key := part
		var indexes []int
		if open := strings.IndexByte(part, '['); open >= 0 {
			key = part[:open]
			rest := part[open:]
			for rest != "" {
				end := strings.IndexByte(rest, ']')
				if rest[0] != '[' || end < 0 {
					return nil, errors.Wrapf(ErrInvalidPath, "%q has an unterminated index", path)
				}
				n, err := strconv.Atoi(rest[1:end])
				if err != nil || n < 0 {
					return nil, errors.Wrapf(ErrInvalidPath, "%q has a bad index %q", path, rest[1:end])
				}
				indexes = append(indexes, n)
				rest = rest[end+1:]
			}
		}
		if key != "" {
			segments = append(segments, Segment{Key: key})
		} else if len(segments) == 0 {
			return nil, errors.Wrapf(ErrInvalidPath, "%q must start with a key", path)
		}
		for _, n := range indexes {
			segments = append(segments, Segment{Index: n, IsIndex: true})
		}
	}
	return segments, nil
}

// TopKey returns the property key a path starts with.
func TopKey(path string) string {
	end := strings.IndexAny(path, ".[")
	if end < 0 {
		return path
	}
	return path[:end]
}

func getPath(props map[string]any, segments []Segment) (any, bool) {
	var current any = props
	for _, seg := range segments {
		switch container := current.(type) {
		case map[string]any:
			if seg.IsIndex {
				return nil, false
			}
			next, ok := container[seg.Key]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			if !seg.IsIndex || seg.Index >= len(container) {
				return nil, false
			}
			current = container[seg.Index]
		default:
			return nil, false
		}
	}
	return current, true
}

// setPath writes value at segments, creating intermediate maps and arrays.
func setPath(props map[string]any, segments []Segment, value any) map[string]any {
	return setIn(props, segments, value).(map[string]any)
}

func setIn(container any, segments []Segment, value any) any {
	if len(segments) == 0 {
		return jsonval.Clone(value)
	}
	seg := segments[0]
	if seg.IsIndex {
		list, _ := container.([]any)
		for len(list) <= seg.Index {
			list = append(list, nil)
		}
		list[seg.Index] = setIn(list[seg.Index], segments[1:], value)
		return list
	}
	m, ok := container.(map[string]any)
	if !ok {
		m = make(map[string]any)
	}
	m[seg.Key] = setIn(m[seg.Key], segments[1:], value)
	return m
}

// deletePath removes the value at segments. It reports whether anything was
// removed.
func deletePath(props map[string]any, segments []Segment) bool {
	parentSegs, last := segments[:len(segments)-1], segments[len(segments)-1]
	parent, ok := getPath(props, parentSegs)
	if !ok {
		return false
	}
	switch container := parent.(type) {
	case map[string]any:
		if last.IsIndex {
			return false
		}
		if _, ok := container[last.Key]; !ok {
			return false
		}
		delete(container, last.Key)
		return true
	case []any:
		if !last.IsIndex || last.Index >= len(container) {
			return false
		}
		trimmed := append(container[:last.Index:last.Index], container[last.Index+1:]...)
		if len(parentSegs) == 0 {
			return false
		}
		setPath(props, parentSegs, trimmed)
		return true
	default:
		return false
	}
}
