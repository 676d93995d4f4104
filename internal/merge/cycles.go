package merge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ontoforge/oms/internal/schema"
)

// Post-merge structural checks. Name collisions and reference cycles
// only exist once both sides' additions land in the same tree, so the
// three-way walk cannot classify them; they are scanned on the result.

// nameCollisions reports distinct entities of one kind sharing a
// display name. The conflict anchors at the second colliding entity in
// id order so a rename suggestion always points somewhere concrete.
func nameCollisions(tree any) []*Conflict {
	root, ok := tree.(map[string]any)
	if !ok {
		return nil
	}
	var out []*Conflict
	for _, kind := range schema.Kinds() {
		entities, ok := root[kind].(map[string]any)
		if !ok {
			continue
		}
		byName := make(map[string][]string)
		for _, id := range sortedKeys(entities) {
			attrs, ok := entities[id].(map[string]any)
			if !ok {
				continue
			}
			name, ok := attrs["name"].(string)
			if !ok || name == "" {
				continue
			}
			byName[name] = append(byName[name], id)
		}
		names := make([]string, 0, len(byName))
		for name := range byName {
			if len(byName[name]) > 1 {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		for _, name := range names {
			ids := byName[name]
			path := kind + "." + ids[1] + ".name"
			out = append(out, &Conflict{
				ID:          conflictID(path, ConflictNameCollision),
				Type:        ConflictNameCollision,
				Severity:    SeverityError,
				Path:        path,
				SourceValue: name,
				TargetValue: name,
				SuggestedResolution: fmt.Sprintf("%s name %q is shared by %s; rename all but one",
					kind, name, strings.Join(ids, ", ")),
			})
		}
	}
	return out
}

// circularDependency reports a reference cycle in the merged tree, or
// nil. The graph has one node per entity and one edge per ref-typed
// property whose target exists. A single conflict covers the whole
// tree because the cycle belongs to the graph, not to any one node.
func circularDependency(tree any) *Conflict {
	refs, entities := collectRefs(tree)

	edges := make(map[string][]string)
	for _, r := range refs {
		if entities[r.to] {
			edges[r.from] = append(edges[r.from], r.to)
		}
	}
	for from := range edges {
		sort.Strings(edges[from])
	}

	nodes := make([]string, 0, len(entities))
	for id := range entities {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		stack = append(stack, id)
		for _, next := range edges[id] {
			switch color[next] {
			case white:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			case gray:
				// Back edge: the cycle is the stack from next onward.
				for i, s := range stack {
					if s == next {
						return append(append([]string(nil), stack[i:]...), next)
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range nodes {
		if color[id] != white {
			continue
		}
		stack = stack[:0]
		if cycle := visit(id); cycle != nil {
			return &Conflict{
				ID:       conflictID("", ConflictCircularDependency),
				Type:     ConflictCircularDependency,
				Severity: SeverityBlock,
				Path:     "",
				SuggestedResolution: fmt.Sprintf("break the reference cycle %s",
					strings.Join(cycle, " -> ")),
			}
		}
	}
	return nil
}

// ReferentialIntegrity is the default post-merge validator: every
// ref-typed property must point at an entity present in the tree.
func ReferentialIntegrity(tree any) []string {
	refs, entities := collectRefs(tree)
	var warnings []string
	for _, r := range refs {
		if !entities[r.to] {
			warnings = append(warnings,
				fmt.Sprintf("referential integrity: %s references unknown entity %q", r.path, r.to))
		}
	}
	sort.Strings(warnings)
	return warnings
}

// refSite is one ref-typed property occurrence.
type refSite struct {
	from string
	to   string
	path string
}

// collectRefs walks the tree's kind -> id -> attributes layout and
// returns every ref-typed property plus the set of entity ids. A ref
// names its target in "target", with "ref" as the legacy spelling.
func collectRefs(tree any) ([]refSite, map[string]bool) {
	root, ok := tree.(map[string]any)
	if !ok {
		return nil, nil
	}
	entities := make(map[string]bool)
	var refs []refSite

	for _, kind := range schema.Kinds() {
		kindEntities, ok := root[kind].(map[string]any)
		if !ok {
			continue
		}
		for _, id := range sortedKeys(kindEntities) {
			entities[id] = true
			attrs, ok := kindEntities[id].(map[string]any)
			if !ok {
				continue
			}
			base := kind + "." + id + ".properties"
			switch props := attrs["properties"].(type) {
			case map[string]any:
				for _, pname := range sortedKeys(props) {
					if to, ok := refTarget(props[pname]); ok {
						refs = append(refs, refSite{from: id, to: to, path: base + "." + pname})
					}
				}
			case []any:
				for i, p := range props {
					if to, ok := refTarget(p); ok {
						refs = append(refs, refSite{from: id, to: to, path: schema.ElemPath(base, i)})
					}
				}
			}
		}
	}
	return refs, entities
}

func refTarget(prop any) (string, bool) {
	m, ok := prop.(map[string]any)
	if !ok {
		return "", false
	}
	if t, _ := m["type"].(string); t != "ref" {
		return "", false
	}
	if to, ok := m["target"].(string); ok && to != "" {
		return to, true
	}
	if to, ok := m["ref"].(string); ok && to != "" {
		return to, true
	}
	return "", false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
