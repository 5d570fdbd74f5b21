// Package jsonval normalizes, clones and compares JSON-compatible values.
//
// Node properties and document map entries are stored in their decoded JSON
// shape (map[string]any, []any, float64, string, bool, nil) so that a value
// written on one replica compares equal to the same value read back on another.
package jsonval

import (
	"encoding/json"
	"reflect"

	"github.com/cockroachdb/errors"
)

// Normalize converts v into its decoded JSON shape.
func Normalize(v any) (any, error) {
	if isNormalized(v) {
		return Clone(v), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal value")
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrap(err, "unmarshal value")
	}
	return out, nil
}

// MustNormalize is Normalize for values known to be JSON-encodable.
func MustNormalize(v any) any {
	out, err := Normalize(v)
	if err != nil {
		panic(err)
	}
	return out
}

// Clone deep-copies a normalized value. Values of other shapes are returned as is.
func Clone(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, value := range typed {
			out[key] = Clone(value)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, value := range typed {
			out[i] = Clone(value)
		}
		return out
	default:
		return v
	}
}

// Equal reports whether a and b encode to the same JSON value.
func Equal(a, b any) bool {
	na, err := Normalize(a)
	if err != nil {
		return false
	}
	nb, err := Normalize(b)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(na, nb)
}

func isNormalized(v any) bool {
	switch typed := v.(type) {
	case nil, string, bool, float64:
		return true
	case map[string]any:
		for _, value := range typed {
			if !isNormalized(value) {
				return false
			}
		}
		return true
	case []any:
		for _, value := range typed {
			if !isNormalized(value) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
