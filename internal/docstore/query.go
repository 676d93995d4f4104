package docstore

import (
	"encoding/json"
)

// Query selects documents from one collection. It is deliberately a
// small struct, not a query language: equality terms, membership
// terms, ordered comparisons on top-level fields, one sort key.
type Query struct {
	Collection string

	// Eq filters on field == value.
	Eq map[string]any

	// In filters on field ∈ values.
	In map[string][]any

	// Ranges filters on ordered comparisons.
	Ranges []Range

	// OrderBy names the sort field; empty means backend order.
	OrderBy string
	Desc    bool

	Limit  int
	Offset int
}

// Range is an ordered comparison on a top-level field.
type Range struct {
	Field string
	Op    string // one of "<", "<=", ">", ">="
	Value any
}

// Iterator walks query results in sql.Rows style.
type Iterator interface {
	Next() bool
	Doc() Document
	Err() error
	Close() error
}

// All drains an iterator into a slice and closes it.
func All(it Iterator) ([]Document, error) {
	defer it.Close()
	var docs []Document
	for it.Next() {
		docs = append(docs, it.Doc())
	}
	return docs, it.Err()
}

// Matches reports whether doc satisfies every filter term. Backends
// without native filtering (and adapters with residual terms) use it.
func (q Query) Matches(doc Document) bool {
	for f, want := range q.Eq {
		if CompareValues(doc[f], want) != 0 {
			return false
		}
	}
	for f, set := range q.In {
		hit := false
		for _, want := range set {
			if CompareValues(doc[f], want) == 0 {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	for _, r := range q.Ranges {
		c := CompareValues(doc[r.Field], r.Value)
		switch r.Op {
		case "<":
			if c >= 0 {
				return false
			}
		case "<=":
			if c > 0 {
				return false
			}
		case ">":
			if c <= 0 {
				return false
			}
		case ">=":
			if c < 0 {
				return false
			}
		}
	}
	return true
}

// Less orders two documents by the query's sort key.
func (q Query) Less(a, b Document) bool {
	c := CompareValues(a[q.OrderBy], b[q.OrderBy])
	if q.Desc {
		return c > 0
	}
	return c < 0
}

// CompareValues orders two scalar document values. Numbers compare
// numerically across int/float/json.Number forms; strings and bools
// compare naturally; nil sorts first; mismatched types compare by
// type name so the order is at least total.
func CompareValues(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			switch {
			case as < bs:
				return -1
			case as > bs:
				return 1
			default:
				return 0
			}
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ab == bb:
				return 0
			case !ab:
				return -1
			default:
				return 1
			}
		}
	}
	at, bt := typeRank(a), typeRank(b)
	switch {
	case at < bt:
		return -1
	case at > bt:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func typeRank(v any) int {
	switch v.(type) {
	case bool:
		return 1
	case int, int64, float64, json.Number:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}

// sliceIterator adapts an in-memory result set to Iterator.
type sliceIterator struct {
	docs []Document
	pos  int
}

// NewSliceIterator wraps already-materialized results.
func NewSliceIterator(docs []Document) Iterator {
	return &sliceIterator{docs: docs, pos: -1}
}

func (s *sliceIterator) Next() bool {
	if s.pos+1 >= len(s.docs) {
		return false
	}
	s.pos++
	return true
}

func (s *sliceIterator) Doc() Document { return s.docs[s.pos] }
func (s *sliceIterator) Err() error    { return nil }
func (s *sliceIterator) Close() error  { return nil }

// ApplyWindow slices docs by the query's offset/limit after sorting.
func (q Query) ApplyWindow(docs []Document) []Document {
	if q.Offset > 0 {
		if q.Offset >= len(docs) {
			return nil
		}
		docs = docs[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(docs) {
		docs = docs[:q.Limit]
	}
	return docs
}
