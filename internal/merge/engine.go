package merge

import (
	"fmt"
	"sort"
	"time"

	"github.com/ontoforge/oms/internal/schema"
)

// Engine performs three-way merges under a fixed configuration.
// Engines are stateless and safe for concurrent use.
type Engine struct {
	cfg Config
}

// NewEngine builds an engine. Zero-valued cfg fields fall back to the
// defaults; unknown strategies fall back to AUTO.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults()}
}

// Merge merges source and target against their lowest common ancestor
// base. It never returns an error: blockers surface as Status blocked,
// an impossible fast-forward as Status failed.
func (e *Engine) Merge(base, source, target any) *Result {
	start := time.Now()

	// Inputs are cloned and normalized up front so the result never
	// aliases caller data and 1 == 1.0 throughout.
	base = schema.Normalize(schema.Clone(base))
	source = schema.Normalize(schema.Clone(source))
	target = schema.Normalize(schema.Clone(target))

	res := e.mergeTrees(base, source, target)
	res.DurationMS = time.Since(start).Milliseconds()
	return res
}

func (e *Engine) mergeTrees(base, source, target any) *Result {
	switch e.cfg.Strategy {
	case StrategyOurs:
		return e.takeWhole(base, source, target, source)
	case StrategyTheirs:
		return e.takeWhole(base, source, target, target)
	case StrategyFastForward:
		return e.fastForward(base, source, target)
	}

	// Other strategies need no explicit fast-forward branch: when one
	// side is unchanged since the ancestor the walk takes the other
	// side verbatim without entering conflict detection.

	auto := e.cfg.Strategy == StrategyAuto ||
		e.cfg.Strategy == StrategySquash ||
		e.cfg.Strategy == StrategyRebase

	w := &walker{cfg: &e.cfg, autoResolve: auto}
	merged := w.merge("", "", walkCtx{}, present(base), present(source), present(target))

	conflicts := w.conflicts
	if collisions := nameCollisions(merged.v); len(collisions) > 0 {
		conflicts = append(conflicts, collisions...)
		w.found += len(collisions)
	}
	if c := circularDependency(merged.v); c != nil {
		conflicts = append(conflicts, c)
		w.found++
	}
	sortConflicts(conflicts)

	var warnings []string
	for _, v := range e.cfg.Validators {
		warnings = append(warnings, v(merged.v)...)
	}

	res := &Result{
		Status:       StatusSuccess,
		Strategy:     e.cfg.Strategy,
		Merged:       merged.v,
		Conflicts:    conflicts,
		AutoResolved: w.resolved,
		Warnings:     warnings,
		Statistics: Statistics{
			SourceChanges:  len(DiffWithConfig(base, source, &e.cfg)),
			TargetChanges:  len(DiffWithConfig(base, target, &e.cfg)),
			Added:          w.added,
			Removed:        w.removed,
			Modified:       w.modified,
			ConflictsFound: w.found,
			AutoResolved:   w.resolved,
		},
	}
	if res.Conflicts == nil {
		res.Conflicts = []*Conflict{}
	}

	switch {
	case hasBlocker(res.Conflicts):
		res.Status = StatusBlocked
	case e.cfg.StrictMode && res.Statistics.ConflictsFound > 0:
		res.Status = StatusFailed
	case len(res.Conflicts) > 0:
		res.Status = StatusPartial
	case e.cfg.DryRun:
		res.Status = StatusDryRunSuccess
	}
	return res
}

// fastForward succeeds only when one side is unchanged since the
// ancestor, so the other side IS the merge. Anything else fails.
func (e *Engine) fastForward(base, source, target any) *Result {
	if schema.Equal(base, source) {
		return &Result{
			Status:    StatusFastForward,
			Strategy:  StrategyFastForward,
			Merged:    target,
			Conflicts: []*Conflict{},
			Statistics: Statistics{
				TargetChanges: len(DiffWithConfig(base, target, &e.cfg)),
			},
		}
	}
	if schema.Equal(base, target) {
		return &Result{
			Status:    StatusFastForward,
			Strategy:  StrategyFastForward,
			Merged:    source,
			Conflicts: []*Conflict{},
			Statistics: Statistics{
				SourceChanges: len(DiffWithConfig(base, source, &e.cfg)),
			},
		}
	}
	return &Result{
		Status:    StatusFailed,
		Strategy:  StrategyFastForward,
		Conflicts: []*Conflict{},
		Warnings:  []string{"not fast-forwardable: both sides diverged from the common ancestor"},
		Statistics: Statistics{
			SourceChanges: len(DiffWithConfig(base, source, &e.cfg)),
			TargetChanges: len(DiffWithConfig(base, target, &e.cfg)),
		},
	}
}

func (e *Engine) takeWhole(base, source, target, winner any) *Result {
	status := StatusSuccess
	if e.cfg.DryRun {
		status = StatusDryRunSuccess
	}
	return &Result{
		Status:    status,
		Strategy:  e.cfg.Strategy,
		Merged:    winner,
		Conflicts: []*Conflict{},
		Statistics: Statistics{
			SourceChanges: len(DiffWithConfig(base, source, &e.cfg)),
			TargetChanges: len(DiffWithConfig(base, target, &e.cfg)),
		},
	}
}

func hasBlocker(conflicts []*Conflict) bool {
	for _, c := range conflicts {
		if c.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// Analysis summarizes mergeability without producing a merged tree
// for the caller.
type Analysis struct {
	SourceChanges  int                  `json:"source_changes"`
	TargetChanges  int                  `json:"target_changes"`
	Conflicts      int                  `json:"conflicts"`
	AutoResolvable int                  `json:"auto_resolvable"`
	ByType         map[ConflictType]int `json:"by_type"`
	BySeverity     map[string]int       `json:"by_severity"`
}

// AnalyzeConflicts classifies the divergence between source and target
// without resolving anything, so callers can preview a merge.
func (e *Engine) AnalyzeConflicts(base, source, target any) *Analysis {
	raw := e.cfg
	raw.Strategy = StrategyManual
	raw.DryRun = true
	res := NewEngine(raw).Merge(base, source, target)

	a := &Analysis{
		SourceChanges: res.Statistics.SourceChanges,
		TargetChanges: res.Statistics.TargetChanges,
		Conflicts:     len(res.Conflicts),
		ByType:        make(map[ConflictType]int),
		BySeverity:    make(map[string]int),
	}
	for _, c := range res.Conflicts {
		a.ByType[c.Type]++
		a.BySeverity[c.Severity.String()]++
		if c.AutoResolvable {
			a.AutoResolvable++
		}
	}
	return a
}

// node is a tree value plus presence, so deletions are distinguishable
// from stored nulls during the walk.
type node struct {
	v  any
	ok bool
}

func present(v any) node { return node{v: v, ok: true} }
func absent() node       { return node{} }

// walkCtx carries where in the schema the walk currently is, for
// conflict types that depend on position (interface operations).
type walkCtx struct {
	topKind      string
	inOperations bool
}

type walker struct {
	cfg         *Config
	autoResolve bool

	conflicts []*Conflict
	found     int
	resolved  int
	added     int
	removed   int
	modified  int
}

// merge reconciles one node. key is the map key this node sits under
// ("" at the root and for sequence elements); an absent return means
// the node is omitted from the merged tree.
func (w *walker) merge(path, key string, ctx walkCtx, base, source, target node) node {
	// Identical outcome on both sides, including both deleted.
	if source.ok && target.ok && schema.Equal(source.v, target.v) {
		if !base.ok || !schema.Equal(base.v, source.v) {
			if base.ok {
				w.modified++
			} else {
				w.added++
			}
		}
		return source
	}
	if !source.ok && !target.ok {
		if base.ok {
			w.removed++
		}
		return absent()
	}

	sourceChanged := changed(base, source)
	targetChanged := changed(base, target)
	if !sourceChanged {
		return w.applySide(key, base, target)
	}
	if !targetChanged {
		return w.applySide(key, base, source)
	}

	// Both sides changed, differently. Containers of the same shape
	// are merged member-wise; everything else is a conflict.
	if source.ok && target.ok {
		if sm, ok := source.v.(map[string]any); ok {
			if tm, ok := target.v.(map[string]any); ok {
				bm, _ := base.v.(map[string]any)
				return present(w.mergeMap(path, ctx, bm, sm, tm))
			}
		}
		if sl, ok := source.v.([]any); ok {
			if tl, ok := target.v.([]any); ok {
				bl, _ := base.v.([]any)
				return present(w.mergeList(path, ctx, bl, sl, tl))
			}
		}
	}
	return w.conflict(path, key, ctx, base, source, target)
}

func changed(base, side node) bool {
	if base.ok != side.ok {
		return true
	}
	return base.ok && !schema.Equal(base.v, side.v)
}

// applySide takes the only changed side's value, tracking statistics
// and counting clean safe widenings as resolutions. Widenings inside a
// taken subtree count too: the subtree is applied wholesale, but each
// widened leaf is still a resolution the policy performed.
func (w *walker) applySide(key string, base, side node) node {
	switch {
	case !side.ok:
		if base.ok {
			w.removed++
		}
		return absent()
	case !base.ok:
		w.added++
	default:
		w.modified++
		if w.autoResolve && !w.cfg.DisableWidening {
			if oneSidedWiden(key, base.v, side.v) {
				w.resolved++
			} else {
				w.resolved += countWidenings(w.cfg, base.v, side.v)
			}
		}
	}
	return side
}

func (w *walker) mergeMap(path string, ctx walkCtx, base, source, target map[string]any) map[string]any {
	out := make(map[string]any, len(source))
	for _, k := range sortedKeyUnion3(base, source, target) {
		bv, inB := base[k]
		sv, inS := source[k]
		tv, inT := target[k]

		if w.cfg.ignored(k) {
			// Bookkeeping keys pass through untouched, source first.
			switch {
			case inS:
				out[k] = sv
			case inT:
				out[k] = tv
			case inB:
				out[k] = bv
			}
			continue
		}

		childCtx := ctx
		if path == "" {
			childCtx.topKind = k
		}
		if k == "operations" {
			childCtx.inOperations = true
		}

		res := w.merge(schema.ChildPath(path, k), k, childCtx,
			node{bv, inB}, node{sv, inS}, node{tv, inT})
		if res.ok {
			out[k] = res.v
		}
	}
	return out
}

func (w *walker) mergeList(path string, ctx walkCtx, base, source, target []any) []any {
	if w.cfg.ListMode == ListByID {
		baseIDs, bOK := listIDs(w.cfg, base)
		sourceIDs, sOK := listIDs(w.cfg, source)
		targetIDs, tOK := listIDs(w.cfg, target)
		if bOK && sOK && tOK {
			return w.mergeListByID(path, ctx, base, source, target, baseIDs, sourceIDs, targetIDs)
		}
	}

	n := len(base)
	if len(source) > n {
		n = len(source)
	}
	if len(target) > n {
		n = len(target)
	}
	out := make([]any, 0, n)
	for i := 0; i < n; i++ {
		res := w.merge(schema.ElemPath(path, i), "", ctx,
			elemAt(base, i), elemAt(source, i), elemAt(target, i))
		if res.ok {
			out = append(out, res.v)
		}
	}
	return out
}

func elemAt(list []any, i int) node {
	if i < len(list) {
		return present(list[i])
	}
	return absent()
}

// mergeListByID reconciles sequences element-wise by identity. Order:
// ancestor elements first in ancestor order, then source additions,
// then target additions, each in their own order.
func (w *walker) mergeListByID(path string, ctx walkCtx, base, source, target []any, baseIDs, sourceIDs, targetIDs []string) []any {
	type slot struct {
		n   node
		idx int
	}
	index := func(list []any, ids []string) map[string]slot {
		m := make(map[string]slot, len(list))
		for i, id := range ids {
			m[id] = slot{n: present(list[i]), idx: i}
		}
		return m
	}
	bm := index(base, baseIDs)
	sm := index(source, sourceIDs)
	tm := index(target, targetIDs)

	order := make([]string, 0, len(baseIDs))
	seen := make(map[string]bool, len(baseIDs))
	for _, id := range baseIDs {
		order = append(order, id)
		seen[id] = true
	}
	for _, id := range sourceIDs {
		if !seen[id] {
			order = append(order, id)
			seen[id] = true
		}
	}
	for _, id := range targetIDs {
		if !seen[id] {
			order = append(order, id)
			seen[id] = true
		}
	}

	out := make([]any, 0, len(order))
	for _, id := range order {
		b, s, t := bm[id], sm[id], tm[id]
		idx := b.idx
		if !b.n.ok {
			if s.n.ok {
				idx = s.idx
			} else {
				idx = t.idx
			}
		}
		res := w.merge(schema.ElemPath(path, idx), "", ctx, b.n, s.n, t.n)
		if res.ok {
			out = append(out, res.v)
		}
	}
	return out
}

// conflict classifies a leaf divergence and either resolves it or
// records it, returning the value the merged tree carries at the path.
func (w *walker) conflict(path, key string, ctx walkCtx, base, source, target node) node {
	c := w.classify(path, key, ctx, base, source, target)
	w.found++

	if w.autoResolve {
		if r, ok := w.cfg.Resolvers[c.Type]; ok {
			if v, handled := r(c); handled {
				w.resolved++
				return present(v)
			}
		}
		if c.AutoResolvable {
			w.resolved++
			return present(w.resolve(key, c))
		}
	}

	w.conflicts = append(w.conflicts, c)
	// The draft tree keeps the source value where it exists so manual
	// resolution has something concrete to rewrite.
	switch {
	case source.ok:
		return source
	case target.ok:
		return target
	default:
		return base
	}
}

func (w *walker) classify(path, key string, ctx walkCtx, base, source, target node) *Conflict {
	c := &Conflict{Path: path}
	if base.ok {
		c.BaseValue = base.v
	}
	if source.ok {
		c.SourceValue = source.v
	}
	if target.ok {
		c.TargetValue = target.v
	}

	switch {
	case !base.ok:
		c.Type = ConflictAddAdd
		c.Severity = SeverityWarn
		c.SuggestedResolution = "keep the more complete of the two added values"
	case !source.ok || !target.ok:
		c.Type = ConflictDeleteModify
		c.Severity = SeverityError
		if source.ok {
			c.SuggestedResolution = "deleted in target, modified in source"
		} else {
			c.SuggestedResolution = "deleted in source, modified in target"
		}
	case ctx.topKind == schema.KindInterface && ctx.inOperations:
		c.Type = ConflictInterfaceMismatch
		c.Severity = SeverityError
		c.SuggestedResolution = "operation signatures diverged; align parameter and return types"
	case key == "type":
		c.Type = ConflictTypeChange
		c.Severity = SeverityError
		if wider, ok := w.widen(key, source.v, target.v); ok {
			c.Severity = SeverityWarn
			c.SuggestedResolution = fmt.Sprintf("widen to %v", wider)
		}
	case key == "cardinality":
		c.Type = ConflictCardinality
		c.Severity = SeverityError
		if wider, ok := w.widen(key, source.v, target.v); ok {
			c.Severity = SeverityInfo
			c.SuggestedResolution = fmt.Sprintf("widen to %v", wider)
		}
	case schema.TypeName(source.v) != schema.TypeName(target.v):
		c.Type = ConflictTypeChange
		c.Severity = SeverityError
	case key == "required" || key == "unique":
		c.Type = ConflictModifyModify
		c.Severity = SeverityError
	case constraintFields[key]:
		c.Type = ConflictConstraint
		c.Severity = SeverityWarn
		c.SuggestedResolution = "constraint bounds diverged; pick the intersection manually"
	default:
		c.Type = ConflictModifyModify
		c.Severity = SeverityWarn
	}

	c.ID = conflictID(path, c.Type)
	c.AutoResolvable = w.resolvable(key, c) && c.Severity <= w.cfg.Threshold
	return c
}

// widen applies widenResolution unless widening is configured off.
func (w *walker) widen(key string, source, target any) (any, bool) {
	if w.cfg.DisableWidening {
		return nil, false
	}
	return widenResolution(key, source, target)
}

// resolvable reports whether a built-in resolution rule exists for the
// conflict, independent of the severity gate.
func (w *walker) resolvable(key string, c *Conflict) bool {
	switch c.Type {
	case ConflictAddAdd:
		return true
	case ConflictTypeChange, ConflictCardinality:
		_, ok := w.widen(key, c.SourceValue, c.TargetValue)
		return ok
	default:
		return false
	}
}

// resolve applies the built-in rule for an auto-resolvable conflict.
func (w *walker) resolve(key string, c *Conflict) any {
	switch c.Type {
	case ConflictAddAdd:
		return moreComplete(c.SourceValue, c.TargetValue)
	case ConflictTypeChange, ConflictCardinality:
		wider, _ := w.widen(key, c.SourceValue, c.TargetValue)
		return wider
	default:
		return c.SourceValue
	}
}

// constraintFields are property bounds where diverged values mean the
// constraint sets may no longer intersect.
var constraintFields = map[string]bool{
	"min":        true,
	"max":        true,
	"minimum":    true,
	"maximum":    true,
	"min_length": true,
	"max_length": true,
	"min_items":  true,
	"max_items":  true,
	"pattern":    true,
	"precision":  true,
	"scale":      true,
}

func sortedKeyUnion3(a, b, c map[string]any) []string {
	seen := make(map[string]bool, len(a)+len(b)+len(c))
	var keys []string
	for _, m := range []map[string]any{a, b, c} {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}
