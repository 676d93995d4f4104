package dolt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ontoforge/oms/internal/docstore"
)

// encodeDoc serializes a document for the doc column. The id lives in
// both the JSON and the primary key column; the column is
// authoritative on the way back out.
func encodeDoc(doc docstore.Document) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return raw, nil
}

// decodeDoc parses a doc column value. Numbers come back as
// json.Number so int64 fields survive the round trip without float
// truncation.
func decodeDoc(id string, raw []byte) (docstore.Document, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc docstore.Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", id, err)
	}
	doc[docstore.IDField] = id
	return doc, nil
}

// columnValue normalizes a document field for use as a driver
// argument. Bools become 0/1 for TINYINT columns and json.Number
// collapses to a concrete numeric type.
func columnValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case bool:
		if t {
			return int64(1)
		}
		return int64(0)
	case int:
		return int64(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		return v
	}
}

// selectPlan is a compiled query: the SQL carries every term that maps
// onto an extracted column, residual holds the rest for in-Go
// filtering, and the window/sort flags say which steps could not be
// pushed down.
type selectPlan struct {
	sql      string
	args     []any
	residual docstore.Query
	filter   bool
	postSort bool
	window   bool
}

// compileSelect lowers a docstore query onto one collection table.
// Limit and offset move into the SQL only when every filter and the
// ordering were pushed down; otherwise rows are windowed after the
// residual pass.
func compileSelect(t *table, q docstore.Query) selectPlan {
	where, args, residual, filter := compileWhere(t, q)

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT `id`, `doc` FROM `%s`", t.spec.name)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}

	plan := selectPlan{residual: residual, filter: filter}

	if q.OrderBy != "" {
		if col, ok := t.cols[q.OrderBy]; ok {
			dir := ""
			if q.Desc {
				dir = " DESC"
			}
			fmt.Fprintf(&b, " ORDER BY `%s`%s, `id`", col, dir)
		} else {
			plan.postSort = true
		}
	} else {
		b.WriteString(" ORDER BY `id`")
	}

	if q.Limit > 0 || q.Offset > 0 {
		if plan.filter || plan.postSort {
			plan.window = true
		} else {
			switch {
			case q.Limit > 0 && q.Offset > 0:
				fmt.Fprintf(&b, " LIMIT %d OFFSET %d", q.Limit, q.Offset)
			case q.Limit > 0:
				fmt.Fprintf(&b, " LIMIT %d", q.Limit)
			default:
				// MySQL has no bare OFFSET.
				fmt.Fprintf(&b, " LIMIT 18446744073709551615 OFFSET %d", q.Offset)
			}
		}
	}

	plan.sql = b.String()
	plan.args = args
	return plan
}

// compileCount lowers a count. Counts ignore ordering and windows, so
// a fully pushed-down filter becomes a plain COUNT(*).
func compileCount(t *table, q docstore.Query) (string, []any, docstore.Query, bool) {
	where, args, residual, filter := compileWhere(t, q)
	var b strings.Builder
	if filter {
		fmt.Fprintf(&b, "SELECT `id`, `doc` FROM `%s`", t.spec.name)
	} else {
		fmt.Fprintf(&b, "SELECT COUNT(*) FROM `%s`", t.spec.name)
	}
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	return b.String(), args, residual, filter
}

func compileWhere(t *table, q docstore.Query) (where []string, args []any, residual docstore.Query, filter bool) {
	for _, f := range sortedKeys(q.Eq) {
		v := q.Eq[f]
		col, ok := t.cols[f]
		if !ok {
			if residual.Eq == nil {
				residual.Eq = map[string]any{}
			}
			residual.Eq[f] = v
			filter = true
			continue
		}
		if v == nil {
			where = append(where, fmt.Sprintf("`%s` IS NULL", col))
			continue
		}
		where = append(where, fmt.Sprintf("`%s` = ?", col))
		args = append(args, columnValue(v))
	}

	for _, f := range sortedInKeys(q.In) {
		set := q.In[f]
		if len(set) == 0 {
			// An empty membership set matches nothing.
			where = append(where, "1 = 0")
			continue
		}
		col, ok := t.cols[f]
		if ok {
			for _, v := range set {
				if v == nil {
					ok = false
					break
				}
			}
		}
		if !ok {
			if residual.In == nil {
				residual.In = map[string][]any{}
			}
			residual.In[f] = set
			filter = true
			continue
		}
		ph := make([]string, len(set))
		for i, v := range set {
			ph[i] = "?"
			args = append(args, columnValue(v))
		}
		where = append(where, fmt.Sprintf("`%s` IN (%s)", col, strings.Join(ph, ", ")))
	}

	for _, r := range q.Ranges {
		col, ok := t.cols[r.Field]
		if !ok || r.Value == nil || !validRangeOp(r.Op) {
			residual.Ranges = append(residual.Ranges, r)
			filter = true
			continue
		}
		where = append(where, fmt.Sprintf("`%s` %s ?", col, r.Op))
		args = append(args, columnValue(r.Value))
	}

	return where, args, residual, filter
}

func validRangeOp(op string) bool {
	switch op {
	case "<", "<=", ">", ">=":
		return true
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedInKeys(m map[string][]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sortDocs orders results the way the in-memory store does: by the
// requested field, then ascending id as a deterministic tie-break.
func sortDocs(docs []docstore.Document, q docstore.Query) {
	sort.SliceStable(docs, func(i, j int) bool {
		if q.OrderBy != "" {
			c := docstore.CompareValues(docs[i][q.OrderBy], docs[j][q.OrderBy])
			if c != 0 {
				if q.Desc {
					return c > 0
				}
				return c < 0
			}
		}
		return docs[i].ID() < docs[j].ID()
	})
}

// columnArgs extracts the indexed column values for an insert or
// replace, in spec order.
func columnArgs(t *table, doc docstore.Document) []any {
	args := make([]any, 0, len(t.spec.cols))
	for _, c := range t.spec.cols {
		args = append(args, columnValue(doc[c.name]))
	}
	return args
}
