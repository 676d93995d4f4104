package merge

// Safe widenings: the new type's value set is a superset of the old
// one's, so existing data needs no migration. Everything else is a
// narrowing or a lateral move and needs a human.
var typeWidenings = map[string][]string{
	"int":     {"float", "long"},
	"float":   {"double"},
	"string":  {"text"},
	"boolean": {"int"},
}

var cardinalityWidenings = map[string][]string{
	"ONE_TO_ONE": {"ONE_TO_MANY", "MANY_TO_MANY"},
}

// widensTo reports whether from -> to is a safe primitive type
// widening. Transitive steps count: int -> float -> double.
func widensTo(from, to string) bool {
	return reachable(typeWidenings, from, to)
}

// widensCardinality reports whether from -> to is a safe cardinality
// widening. The reverse direction loses data and is never safe.
func widensCardinality(from, to string) bool {
	return reachable(cardinalityWidenings, from, to)
}

func reachable(table map[string][]string, from, to string) bool {
	if from == to {
		return false
	}
	seen := map[string]bool{from: true}
	frontier := []string{from}
	for len(frontier) > 0 {
		next := frontier[:0]
		for _, t := range frontier {
			for _, w := range table[t] {
				if w == to {
					return true
				}
				if !seen[w] {
					seen[w] = true
					next = append(next, w)
				}
			}
		}
		frontier = next
	}
	return false
}

// widerOf picks the wider of two diverged values when one is a safe
// widening of the other. The bool reports whether they are related at
// all.
func widerOf(table map[string][]string, a, b string) (string, bool) {
	if reachable(table, a, b) {
		return b, true
	}
	if reachable(table, b, a) {
		return a, true
	}
	return "", false
}

// completeness scores a value for the ADD_ADD "prefer the more
// complete version" rule: more fields, longer sequence, longer string.
// Scalars all score one.
func completeness(v any) int {
	switch t := v.(type) {
	case map[string]any:
		return len(t)
	case []any:
		return len(t)
	case string:
		return len(t)
	case nil:
		return 0
	default:
		return 1
	}
}

// moreComplete picks between two both-added values. Ties and
// incomparable shapes keep the source side, so the choice is stable.
func moreComplete(source, target any) any {
	if completeness(target) > completeness(source) {
		return target
	}
	return source
}

// widenResolution inspects a diverged leaf keyed by "type" or
// "cardinality" and, when one side safely widens the other, returns
// the wider value.
func widenResolution(key string, source, target any) (any, bool) {
	ss, sok := source.(string)
	ts, tok := target.(string)
	if !sok || !tok {
		return nil, false
	}
	switch key {
	case "type":
		if w, ok := widerOf(typeWidenings, ss, ts); ok {
			return w, true
		}
	case "cardinality":
		if w, ok := widerOf(cardinalityWidenings, ss, ts); ok {
			return w, true
		}
	}
	return nil, false
}

// oneSidedWiden reports whether a clean (one side only) change is a
// safe widening, so the engine can count it as auto-resolved even
// though no conflict was emitted.
func oneSidedWiden(key string, old, new any) bool {
	os, ook := old.(string)
	ns, nok := new.(string)
	if !ook || !nok {
		return false
	}
	switch key {
	case "type":
		return widensTo(os, ns)
	case "cardinality":
		return widensCardinality(os, ns)
	default:
		return false
	}
}

// countWidenings counts safe widenings of type/cardinality leaves
// between two versions of a subtree. Used when a one-sided change is
// applied wholesale and the per-leaf walk is skipped.
func countWidenings(cfg *Config, old, new any) int {
	switch o := old.(type) {
	case map[string]any:
		n, ok := new.(map[string]any)
		if !ok {
			return 0
		}
		total := 0
		for k, ov := range o {
			if cfg.ignored(k) {
				continue
			}
			nv, ok := n[k]
			if !ok {
				continue
			}
			if oneSidedWiden(k, ov, nv) {
				total++
				continue
			}
			total += countWidenings(cfg, ov, nv)
		}
		return total
	case []any:
		n, ok := new.([]any)
		if !ok {
			return 0
		}
		total := 0
		for i := 0; i < len(o) && i < len(n); i++ {
			total += countWidenings(cfg, o[i], n[i])
		}
		return total
	default:
		return 0
	}
}
