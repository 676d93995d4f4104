package merge

import (
	"sort"

	"github.com/ontoforge/oms/internal/schema"
)

// ChangeKind labels one diff entry.
type ChangeKind string

const (
	ChangeAdd       ChangeKind = "add"
	ChangeRemove    ChangeKind = "remove"
	ChangeModify    ChangeKind = "modify"
	ChangeTypeShift ChangeKind = "type_change"
)

// Change is one entry in a diff: what happened to the node at a path.
type Change struct {
	Kind ChangeKind `json:"kind"`
	Old  any        `json:"old,omitempty"`
	New  any        `json:"new,omitempty"`
}

// Diff compares two trees under the default configuration and returns
// a path-keyed change map. Pure; neither input is modified.
func Diff(oldTree, newTree any) map[string]Change {
	cfg := DefaultConfig()
	return DiffWithConfig(oldTree, newTree, &cfg)
}

// DiffWithConfig compares two trees with explicit tuning for the
// ignore set and sequence matching.
func DiffWithConfig(oldTree, newTree any, cfg *Config) map[string]Change {
	c := cfg.withDefaults()
	out := make(map[string]Change)
	diffNode(&c, "", oldTree, newTree, out)
	return out
}

func diffNode(cfg *Config, path string, old, new any, out map[string]Change) {
	if schema.Equal(old, new) {
		return
	}
	if schema.TypeName(old) != schema.TypeName(new) {
		out[path] = Change{Kind: ChangeTypeShift, Old: old, New: new}
		return
	}
	switch o := old.(type) {
	case map[string]any:
		diffMap(cfg, path, o, new.(map[string]any), out)
	case []any:
		diffList(cfg, path, o, new.([]any), out)
	default:
		out[path] = Change{Kind: ChangeModify, Old: old, New: new}
	}
}

func diffMap(cfg *Config, path string, old, new map[string]any, out map[string]Change) {
	for _, k := range sortedKeyUnion(old, new) {
		if cfg.ignored(k) {
			continue
		}
		ov, inOld := old[k]
		nv, inNew := new[k]
		child := schema.ChildPath(path, k)
		switch {
		case inOld && !inNew:
			out[child] = Change{Kind: ChangeRemove, Old: ov}
		case !inOld && inNew:
			out[child] = Change{Kind: ChangeAdd, New: nv}
		default:
			diffNode(cfg, child, ov, nv, out)
		}
	}
}

func diffList(cfg *Config, path string, old, new []any, out map[string]Change) {
	oldIDs, oldOK := listIDs(cfg, old)
	newIDs, newOK := listIDs(cfg, new)
	if cfg.ListMode == ListByID && oldOK && newOK {
		oldIdx := make(map[string]int, len(old))
		for i, id := range oldIDs {
			oldIdx[id] = i
		}
		newIdx := make(map[string]int, len(new))
		for i, id := range newIDs {
			newIdx[id] = i
		}
		for i, id := range oldIDs {
			j, ok := newIdx[id]
			if !ok {
				out[schema.ElemPath(path, i)] = Change{Kind: ChangeRemove, Old: old[i]}
				continue
			}
			diffNode(cfg, schema.ElemPath(path, i), old[i], new[j], out)
		}
		for j, id := range newIDs {
			if _, ok := oldIdx[id]; !ok {
				out[schema.ElemPath(path, j)] = Change{Kind: ChangeAdd, New: new[j]}
			}
		}
		return
	}

	n := len(old)
	if len(new) > n {
		n = len(new)
	}
	for i := 0; i < n; i++ {
		child := schema.ElemPath(path, i)
		switch {
		case i >= len(new):
			out[child] = Change{Kind: ChangeRemove, Old: old[i]}
		case i >= len(old):
			out[child] = Change{Kind: ChangeAdd, New: new[i]}
		default:
			diffNode(cfg, child, old[i], new[i], out)
		}
	}
}

// listIDs extracts one id per element. The bool reports whether every
// element yielded a distinct id; anything less falls back to
// positional matching.
func listIDs(cfg *Config, list []any) ([]string, bool) {
	ids := make([]string, len(list))
	seen := make(map[string]bool, len(list))
	for i, e := range list {
		m, ok := e.(map[string]any)
		if !ok {
			return nil, false
		}
		id := ""
		for _, f := range cfg.IDFields {
			if s, ok := m[f].(string); ok && s != "" {
				id = s
				break
			}
		}
		if id == "" || seen[id] {
			return nil, false
		}
		seen[id] = true
		ids[i] = id
	}
	return ids, true
}

func sortedKeyUnion(a, b map[string]any) []string {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, dup := a[k]; !dup {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
