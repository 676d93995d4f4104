package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// Paths address tree nodes with dot notation for map keys and brackets
// for sequence indices, e.g. "object_type.Person.properties[2].type".
// The empty path addresses the root.

// ChildPath appends a map key to a path.
func ChildPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

// ElemPath appends a sequence index to a path.
func ElemPath(parent string, i int) string {
	return parent + "[" + strconv.Itoa(i) + "]"
}

type pathSeg struct {
	key   string
	index int
	isIdx bool
}

func parsePath(path string) ([]pathSeg, error) {
	if path == "" {
		return nil, nil
	}
	var segs []pathSeg
	i := 0
	for i < len(path) {
		switch path[i] {
		case '.':
			i++
		case '[':
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("schema: unterminated index in path %q", path)
			}
			idx, err := strconv.Atoi(path[i+1 : i+end])
			if err != nil {
				return nil, fmt.Errorf("schema: bad index in path %q: %w", path, err)
			}
			segs = append(segs, pathSeg{index: idx, isIdx: true})
			i += end + 1
		default:
			end := strings.IndexAny(path[i:], ".[")
			if end < 0 {
				segs = append(segs, pathSeg{key: path[i:]})
				i = len(path)
			} else {
				segs = append(segs, pathSeg{key: path[i : i+end]})
				i += end
			}
		}
	}
	return segs, nil
}

// Get returns the node at path, or (nil, false) when any segment is
// missing or of the wrong shape.
func Get(tree any, path string) (any, bool) {
	segs, err := parsePath(path)
	if err != nil {
		return nil, false
	}
	cur := tree
	for _, s := range segs {
		if s.isIdx {
			list, ok := cur.([]any)
			if !ok || s.index < 0 || s.index >= len(list) {
				return nil, false
			}
			cur = list[s.index]
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[s.key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set writes value at path, creating intermediate maps for missing key
// segments. Sequence segments must already exist. The root path is not
// settable.
func Set(tree any, path string, value any) error {
	segs, err := parsePath(path)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return fmt.Errorf("schema: cannot set the root path")
	}
	cur := tree
	for i, s := range segs[:len(segs)-1] {
		if s.isIdx {
			list, ok := cur.([]any)
			if !ok || s.index < 0 || s.index >= len(list) {
				return fmt.Errorf("schema: path %q: no sequence at segment %d", path, i)
			}
			cur = list[s.index]
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return fmt.Errorf("schema: path %q: no mapping at segment %d", path, i)
		}
		next, ok := m[s.key]
		if !ok {
			next = map[string]any{}
			m[s.key] = next
		}
		cur = next
	}
	last := segs[len(segs)-1]
	if last.isIdx {
		list, ok := cur.([]any)
		if !ok || last.index < 0 || last.index >= len(list) {
			return fmt.Errorf("schema: path %q: no sequence at final segment", path)
		}
		list[last.index] = value
		return nil
	}
	m, ok := cur.(map[string]any)
	if !ok {
		return fmt.Errorf("schema: path %q: no mapping at final segment", path)
	}
	m[last.key] = value
	return nil
}

// Delete removes the node at path. Missing paths are a no-op. Deleting
// a sequence element shifts the remainder left.
func Delete(tree any, path string) error {
	segs, err := parsePath(path)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return fmt.Errorf("schema: cannot delete the root path")
	}
	parentPath := segs[:len(segs)-1]
	cur := tree
	for _, s := range parentPath {
		if s.isIdx {
			list, ok := cur.([]any)
			if !ok || s.index < 0 || s.index >= len(list) {
				return nil
			}
			cur = list[s.index]
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[s.key]
		if !ok {
			return nil
		}
	}
	last := segs[len(segs)-1]
	if last.isIdx {
		// Shifting requires rewriting the parent's reference; callers
		// that need positional deletes replace the whole sequence.
		return fmt.Errorf("schema: positional delete not supported at %q", path)
	}
	if m, ok := cur.(map[string]any); ok {
		delete(m, last.key)
	}
	return nil
}
