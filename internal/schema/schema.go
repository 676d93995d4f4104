// Package schema models ontology schemas as generic JSON-like trees.
//
// A tree value is one of: map[string]any, []any, string, json.Number,
// bool, nil, or time.Time. The merge engine diffs and merges these
// trees without knowing the schema language; the audit store hashes
// them. Both rely on the canonical encoding in canonical.go.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Entity kinds recognized in schema trees. The tree's top level maps
// kind -> entity id -> attributes. These double as lock resource types.
const (
	KindObjectType   = "object_type"
	KindLinkType     = "link_type"
	KindProperty     = "property"
	KindInterface    = "interface"
	KindActionType   = "action_type"
	KindFunctionType = "function_type"
	KindDataType     = "data_type"
)

// Kinds returns all entity kinds in declaration order.
func Kinds() []string {
	return []string{
		KindObjectType,
		KindLinkType,
		KindProperty,
		KindInterface,
		KindActionType,
		KindFunctionType,
		KindDataType,
	}
}

// Parse decodes JSON into a tree. Numbers are kept as json.Number and
// normalized so that 1.0 and 1 compare equal everywhere downstream.
func Parse(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("schema: parse: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("schema: parse: trailing data after document")
	}
	return Normalize(v), nil
}

// MustParse is Parse for tests and literals; it panics on bad input.
func MustParse(data string) any {
	v, err := Parse([]byte(data))
	if err != nil {
		panic(err)
	}
	return v
}

// Normalize rewrites every numeric leaf into its canonical json.Number
// form. Maps and slices are normalized in place.
func Normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = Normalize(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = Normalize(e)
		}
		return t
	case json.Number:
		return normalizeNumber(t)
	case int:
		return json.Number(strconv.FormatInt(int64(t), 10))
	case int64:
		return json.Number(strconv.FormatInt(t, 10))
	case float64:
		return normalizeFloat(t)
	default:
		return v
	}
}

func normalizeNumber(n json.Number) json.Number {
	s := n.String()
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return json.Number(strconv.FormatInt(i, 10))
	}
	f, err := n.Float64()
	if err != nil {
		return n
	}
	return normalizeFloat(f)
}

func normalizeFloat(f float64) json.Number {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return json.Number(strconv.FormatInt(int64(f), 10))
	}
	return json.Number(strconv.FormatFloat(f, 'g', -1, 64))
}

// Clone returns a deep copy of a tree. Scalars are shared (immutable).
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Clone(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Clone(e)
		}
		return out
	default:
		return v
	}
}

// Equal reports deep equality of two trees with numbers compared in
// normalized form.
func Equal(a, b any) bool {
	if an, ok := asNumber(a); ok {
		bn, ok := asNumber(b)
		return ok && an == bn
	}
	switch at := a.(type) {
	case nil:
		return b == nil
	case bool:
		bt, ok := b.(bool)
		return ok && at == bt
	case string:
		bt, ok := b.(string)
		return ok && at == bt
	case time.Time:
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	case map[string]any:
		bt, ok := b.(map[string]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for k, av := range at {
			bv, ok := bt[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	case []any:
		bt, ok := b.([]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for i := range at {
			if !Equal(at[i], bt[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func asNumber(v any) (json.Number, bool) {
	switch t := v.(type) {
	case json.Number:
		return normalizeNumber(t), true
	case int:
		return json.Number(strconv.FormatInt(int64(t), 10)), true
	case int64:
		return json.Number(strconv.FormatInt(t, 10)), true
	case float64:
		return normalizeFloat(t), true
	default:
		return "", false
	}
}

// IsMap reports whether v is a mapping node.
func IsMap(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}

// IsList reports whether v is a sequence node.
func IsList(v any) bool {
	_, ok := v.([]any)
	return ok
}

// TypeName returns a stable name for a node's shape, used in conflict
// reporting: "mapping", "sequence", "string", "number", "boolean",
// "null", "timestamp".
func TypeName(v any) string {
	if _, ok := asNumber(v); ok {
		return "number"
	}
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case time.Time:
		return "timestamp"
	case map[string]any:
		return "mapping"
	case []any:
		return "sequence"
	default:
		return fmt.Sprintf("%T", v)
	}
}
