package merge

import (
	"bytes"
	"errors"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/ontoforge/oms/internal/schema"
)

// prop builds a tree holding a single property entity, the smallest
// shape that exercises leaf classification.
func prop(attrs string) any {
	return schema.MustParse(`{"property": {"p1": ` + attrs + `}}`)
}

// getStr reads a string leaf or fails the test.
func getStr(t *testing.T, tree any, path string) string {
	t.Helper()
	v, ok := schema.Get(tree, path)
	if !ok {
		t.Fatalf("path %q missing from merged tree", path)
	}
	s, ok := v.(string)
	if !ok {
		t.Fatalf("path %q = %v (%T), want string", path, v, v)
	}
	return s
}

func TestAutoResolvesOneSidedWidening(t *testing.T) {
	base := prop(`{"type": "string"}`)
	source := prop(`{"type": "text"}`)
	target := prop(`{"type": "string"}`)

	res := NewEngine(DefaultConfig()).Merge(base, source, target)

	if res.Status != StatusSuccess {
		t.Fatalf("status = %q, want %q", res.Status, StatusSuccess)
	}
	if len(res.Conflicts) != 0 {
		t.Fatalf("conflicts = %v, want none", res.Conflicts)
	}
	if res.AutoResolved != 1 {
		t.Fatalf("auto resolved = %d, want 1", res.AutoResolved)
	}
	if got := getStr(t, res.Merged, "property.p1.type"); got != "text" {
		t.Errorf("merged type = %q, want %q", got, "text")
	}
	if res.Statistics.SourceChanges != 1 || res.Statistics.TargetChanges != 0 {
		t.Errorf("changes = %d/%d, want 1/0",
			res.Statistics.SourceChanges, res.Statistics.TargetChanges)
	}
}

func TestCircularDependencyBlocksMerge(t *testing.T) {
	base := schema.MustParse(`{"object_type": {
		"Person": {"properties": {}},
		"Organization": {"properties": {}}
	}}`)
	source := schema.MustParse(`{"object_type": {
		"Person": {"properties": {"org": {"type": "ref", "target": "Organization"}}},
		"Organization": {"properties": {}}
	}}`)
	target := schema.MustParse(`{"object_type": {
		"Person": {"properties": {}},
		"Organization": {"properties": {"owner": {"type": "ref", "target": "Person"}}}
	}}`)

	res := NewEngine(DefaultConfig()).Merge(base, source, target)

	if res.Status != StatusBlocked {
		t.Fatalf("status = %q, want %q", res.Status, StatusBlocked)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("got %d conflicts, want 1: %v", len(res.Conflicts), res.Conflicts)
	}
	c := res.Conflicts[0]
	if c.Type != ConflictCircularDependency {
		t.Errorf("type = %q, want %q", c.Type, ConflictCircularDependency)
	}
	if c.Path != "" {
		t.Errorf("path = %q, want root", c.Path)
	}
	if c.Severity != SeverityBlock {
		t.Errorf("severity = %v, want %v", c.Severity, SeverityBlock)
	}
	if !strings.Contains(c.SuggestedResolution, "Organization -> Person -> Organization") {
		t.Errorf("suggestion %q does not name the cycle", c.SuggestedResolution)
	}
}

func TestIdenticalChangesMergeCleanly(t *testing.T) {
	base := prop(`{"description": "old"}`)
	source := prop(`{"description": "new"}`)
	target := prop(`{"description": "new"}`)

	res := NewEngine(DefaultConfig()).Merge(base, source, target)

	if res.Status != StatusSuccess {
		t.Fatalf("status = %q, want %q", res.Status, StatusSuccess)
	}
	if len(res.Conflicts) != 0 {
		t.Fatalf("conflicts = %v, want none", res.Conflicts)
	}
	if got := getStr(t, res.Merged, "property.p1.description"); got != "new" {
		t.Errorf("merged description = %q, want %q", got, "new")
	}
}

func TestUnchangedSideTakenVerbatim(t *testing.T) {
	base := prop(`{"description": "old"}`)
	changed := prop(`{"description": "new", "required": true}`)

	// Target unchanged: result is the source tree.
	res := NewEngine(DefaultConfig()).Merge(base, changed, base)
	if res.Status != StatusSuccess {
		t.Fatalf("status = %q, want %q", res.Status, StatusSuccess)
	}
	if !schema.Equal(res.Merged, changed) {
		t.Errorf("merged tree is not the source tree")
	}

	// Source unchanged: result is the target tree.
	res = NewEngine(DefaultConfig()).Merge(base, base, changed)
	if res.Status != StatusSuccess {
		t.Fatalf("status = %q, want %q", res.Status, StatusSuccess)
	}
	if !schema.Equal(res.Merged, changed) {
		t.Errorf("merged tree is not the target tree")
	}
}

func TestFastForwardStrategy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = StrategyFastForward
	base := prop(`{"description": "old"}`)
	changed := prop(`{"description": "new"}`)

	res := NewEngine(cfg).Merge(base, base, changed)
	if res.Status != StatusFastForward {
		t.Fatalf("status = %q, want %q", res.Status, StatusFastForward)
	}
	if !schema.Equal(res.Merged, changed) {
		t.Errorf("merged tree is not the changed side")
	}

	res = NewEngine(cfg).Merge(base, changed, base)
	if res.Status != StatusFastForward {
		t.Fatalf("status = %q, want %q", res.Status, StatusFastForward)
	}
	if !schema.Equal(res.Merged, changed) {
		t.Errorf("merged tree is not the changed side")
	}

	// Both diverged: a fast-forward is impossible.
	other := prop(`{"description": "other"}`)
	res = NewEngine(cfg).Merge(base, changed, other)
	if res.Status != StatusFailed {
		t.Fatalf("status = %q, want %q", res.Status, StatusFailed)
	}
	if len(res.Warnings) == 0 || !strings.Contains(res.Warnings[0], "not fast-forwardable") {
		t.Errorf("warnings = %v, want a not-fast-forwardable warning", res.Warnings)
	}
}

func TestOursAndTheirsTakeWholeSides(t *testing.T) {
	base := prop(`{"description": "base"}`)
	source := prop(`{"description": "source"}`)
	target := prop(`{"description": "target"}`)

	cfg := DefaultConfig()
	cfg.Strategy = StrategyOurs
	res := NewEngine(cfg).Merge(base, source, target)
	if res.Status != StatusSuccess {
		t.Fatalf("ours: status = %q, want %q", res.Status, StatusSuccess)
	}
	if !schema.Equal(res.Merged, source) {
		t.Errorf("ours: merged tree is not the source tree")
	}

	cfg.Strategy = StrategyTheirs
	res = NewEngine(cfg).Merge(base, source, target)
	if !schema.Equal(res.Merged, target) {
		t.Errorf("theirs: merged tree is not the target tree")
	}
}

func TestConflictClassification(t *testing.T) {
	tests := []struct {
		name           string
		base           string
		source         string
		target         string
		wantPath       string
		wantType       ConflictType
		wantSeverity   Severity
		wantResolvable bool
	}{
		{
			name:           "both added different values",
			base:           `{}`,
			source:         `{"description": "a"}`,
			target:         `{"description": "bb"}`,
			wantPath:       "property.p1.description",
			wantType:       ConflictAddAdd,
			wantSeverity:   SeverityWarn,
			wantResolvable: true,
		},
		{
			name:           "deleted in source, modified in target",
			base:           `{"description": "x"}`,
			source:         `{}`,
			target:         `{"description": "y"}`,
			wantPath:       "property.p1.description",
			wantType:       ConflictDeleteModify,
			wantSeverity:   SeverityError,
			wantResolvable: false,
		},
		{
			name:           "type widened on both sides",
			base:           `{"type": "int"}`,
			source:         `{"type": "float"}`,
			target:         `{"type": "double"}`,
			wantPath:       "property.p1.type",
			wantType:       ConflictTypeChange,
			wantSeverity:   SeverityWarn,
			wantResolvable: true,
		},
		{
			name:           "unrelated type change",
			base:           `{"type": "int"}`,
			source:         `{"type": "string"}`,
			target:         `{"type": "boolean"}`,
			wantPath:       "property.p1.type",
			wantType:       ConflictTypeChange,
			wantSeverity:   SeverityError,
			wantResolvable: false,
		},
		{
			name:           "cardinality divergence with a safe widening",
			base:           `{"cardinality": "MANY_TO_MANY"}`,
			source:         `{"cardinality": "ONE_TO_ONE"}`,
			target:         `{"cardinality": "ONE_TO_MANY"}`,
			wantPath:       "property.p1.cardinality",
			wantType:       ConflictCardinality,
			wantSeverity:   SeverityInfo,
			wantResolvable: true,
		},
		{
			name:           "cardinality divergence without a widening",
			base:           `{"cardinality": "ONE_TO_ONE"}`,
			source:         `{"cardinality": "ONE_TO_MANY"}`,
			target:         `{"cardinality": "MANY_TO_MANY"}`,
			wantPath:       "property.p1.cardinality",
			wantType:       ConflictCardinality,
			wantSeverity:   SeverityError,
			wantResolvable: false,
		},
		{
			name:           "node shape changed",
			base:           `{"default": "x"}`,
			source:         `{"default": ["x"]}`,
			target:         `{"default": "y"}`,
			wantPath:       "property.p1.default",
			wantType:       ConflictTypeChange,
			wantSeverity:   SeverityError,
			wantResolvable: false,
		},
		{
			name:           "required flag diverged",
			base:           `{"required": "NONE"}`,
			source:         `{"required": "ALWAYS"}`,
			target:         `{"required": "ON_CREATE"}`,
			wantPath:       "property.p1.required",
			wantType:       ConflictModifyModify,
			wantSeverity:   SeverityError,
			wantResolvable: false,
		},
		{
			name:           "constraint bounds diverged",
			base:           `{"max_length": 64}`,
			source:         `{"max_length": 128}`,
			target:         `{"max_length": 256}`,
			wantPath:       "property.p1.max_length",
			wantType:       ConflictConstraint,
			wantSeverity:   SeverityWarn,
			wantResolvable: false,
		},
		{
			name:           "plain double modify",
			base:           `{"description": "a"}`,
			source:         `{"description": "b"}`,
			target:         `{"description": "c"}`,
			wantPath:       "property.p1.description",
			wantType:       ConflictModifyModify,
			wantSeverity:   SeverityWarn,
			wantResolvable: false,
		},
	}

	cfg := DefaultConfig()
	cfg.Strategy = StrategyManual
	eng := NewEngine(cfg)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := eng.Merge(prop(tt.base), prop(tt.source), prop(tt.target))
			if len(res.Conflicts) != 1 {
				t.Fatalf("got %d conflicts, want 1: %v", len(res.Conflicts), res.Conflicts)
			}
			c := res.Conflicts[0]
			if c.Path != tt.wantPath {
				t.Errorf("path = %q, want %q", c.Path, tt.wantPath)
			}
			if c.Type != tt.wantType {
				t.Errorf("type = %q, want %q", c.Type, tt.wantType)
			}
			if c.Severity != tt.wantSeverity {
				t.Errorf("severity = %v, want %v", c.Severity, tt.wantSeverity)
			}
			if c.AutoResolvable != tt.wantResolvable {
				t.Errorf("auto_resolvable = %v, want %v", c.AutoResolvable, tt.wantResolvable)
			}
			if c.AutoResolvable && c.Severity > cfg.Threshold {
				t.Errorf("auto_resolvable conflict above threshold: severity %v", c.Severity)
			}
			if !strings.HasPrefix(c.ID, "c-") {
				t.Errorf("conflict id %q lacks the c- prefix", c.ID)
			}
			if res.AutoResolved != 0 {
				t.Errorf("manual strategy resolved %d conflicts", res.AutoResolved)
			}
		})
	}
}

func TestAddAddPrefersMoreComplete(t *testing.T) {
	base := prop(`{}`)
	source := prop(`{"description": "short"}`)
	target := prop(`{"description": "a much longer description"}`)

	res := NewEngine(DefaultConfig()).Merge(base, source, target)

	if res.Status != StatusSuccess {
		t.Fatalf("status = %q, want %q", res.Status, StatusSuccess)
	}
	if len(res.Conflicts) != 0 {
		t.Fatalf("conflicts = %v, want none", res.Conflicts)
	}
	if res.AutoResolved != 1 {
		t.Errorf("auto resolved = %d, want 1", res.AutoResolved)
	}
	if got := getStr(t, res.Merged, "property.p1.description"); got != "a much longer description" {
		t.Errorf("merged description = %q, want the longer value", got)
	}
}

func TestBothSidedWideningResolvesToWidest(t *testing.T) {
	base := prop(`{"type": "int"}`)
	source := prop(`{"type": "float"}`)
	target := prop(`{"type": "double"}`)

	res := NewEngine(DefaultConfig()).Merge(base, source, target)

	if res.Status != StatusSuccess {
		t.Fatalf("status = %q, want %q", res.Status, StatusSuccess)
	}
	if got := getStr(t, res.Merged, "property.p1.type"); got != "double" {
		t.Errorf("merged type = %q, want %q", got, "double")
	}
	if res.AutoResolved != 1 || res.Statistics.ConflictsFound != 1 {
		t.Errorf("resolved/found = %d/%d, want 1/1",
			res.AutoResolved, res.Statistics.ConflictsFound)
	}
}

func TestDisabledWideningLeavesTypeConflict(t *testing.T) {
	base := prop(`{"type": "int"}`)
	source := prop(`{"type": "float"}`)
	target := prop(`{"type": "double"}`)

	cfg := DefaultConfig()
	cfg.DisableWidening = true
	res := NewEngine(cfg).Merge(base, source, target)

	if res.Status != StatusPartial {
		t.Fatalf("status = %q, want %q", res.Status, StatusPartial)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("got %d conflicts, want 1: %v", len(res.Conflicts), res.Conflicts)
	}
	c := res.Conflicts[0]
	if c.Type != ConflictTypeChange {
		t.Errorf("type = %q, want %q", c.Type, ConflictTypeChange)
	}
	if c.Severity != SeverityError {
		t.Errorf("severity = %v, want %v", c.Severity, SeverityError)
	}
	if res.AutoResolved != 0 {
		t.Errorf("auto resolved = %d, want 0", res.AutoResolved)
	}
}

func TestDisabledWideningStillTakesOneSidedChange(t *testing.T) {
	base := prop(`{"type": "string"}`)
	source := prop(`{"type": "text"}`)
	target := prop(`{"type": "string"}`)

	cfg := DefaultConfig()
	cfg.DisableWidening = true
	res := NewEngine(cfg).Merge(base, source, target)

	if res.Status != StatusSuccess {
		t.Fatalf("status = %q, want %q", res.Status, StatusSuccess)
	}
	if got := getStr(t, res.Merged, "property.p1.type"); got != "text" {
		t.Errorf("merged type = %q, want %q", got, "text")
	}
	if res.AutoResolved != 0 {
		t.Errorf("auto resolved = %d, want 0", res.AutoResolved)
	}
}

func TestUnresolvedConflictKeepsSourceDraft(t *testing.T) {
	base := prop(`{"description": "a"}`)
	source := prop(`{"description": "b"}`)
	target := prop(`{"description": "c"}`)

	res := NewEngine(DefaultConfig()).Merge(base, source, target)

	if res.Status != StatusPartial {
		t.Fatalf("status = %q, want %q", res.Status, StatusPartial)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("got %d conflicts, want 1", len(res.Conflicts))
	}
	if got := getStr(t, res.Merged, "property.p1.description"); got != "b" {
		t.Errorf("draft value = %q, want the source value %q", got, "b")
	}
	c := res.Conflicts[0]
	if c.BaseValue != "a" || c.SourceValue != "b" || c.TargetValue != "c" {
		t.Errorf("recorded values = %v/%v/%v, want a/b/c",
			c.BaseValue, c.SourceValue, c.TargetValue)
	}
}

func TestInterfaceOperationMismatch(t *testing.T) {
	base := schema.MustParse(`{"interface": {"Searchable": {"operations": {"search": {"returns": "string"}}}}}`)
	source := schema.MustParse(`{"interface": {"Searchable": {"operations": {"search": {"returns": "int"}}}}}`)
	target := schema.MustParse(`{"interface": {"Searchable": {"operations": {"search": {"returns": "boolean"}}}}}`)

	res := NewEngine(DefaultConfig()).Merge(base, source, target)

	if len(res.Conflicts) != 1 {
		t.Fatalf("got %d conflicts, want 1: %v", len(res.Conflicts), res.Conflicts)
	}
	c := res.Conflicts[0]
	if c.Type != ConflictInterfaceMismatch {
		t.Errorf("type = %q, want %q", c.Type, ConflictInterfaceMismatch)
	}
	if c.Severity != SeverityError {
		t.Errorf("severity = %v, want %v", c.Severity, SeverityError)
	}
	if c.Path != "interface.Searchable.operations.search.returns" {
		t.Errorf("path = %q", c.Path)
	}
}

func TestNameCollisionDetectedPostMerge(t *testing.T) {
	base := schema.MustParse(`{"object_type": {"person_a": {"name": "Person"}}}`)
	source := schema.MustParse(`{"object_type": {
		"person_a": {"name": "Person"},
		"person_b": {"name": "Person"}
	}}`)
	target := schema.MustParse(`{"object_type": {"person_a": {"name": "Person"}}}`)

	res := NewEngine(DefaultConfig()).Merge(base, source, target)

	if res.Status != StatusPartial {
		t.Fatalf("status = %q, want %q", res.Status, StatusPartial)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("got %d conflicts, want 1: %v", len(res.Conflicts), res.Conflicts)
	}
	c := res.Conflicts[0]
	if c.Type != ConflictNameCollision {
		t.Errorf("type = %q, want %q", c.Type, ConflictNameCollision)
	}
	if c.Path != "object_type.person_b.name" {
		t.Errorf("path = %q, want the second colliding entity", c.Path)
	}
	if c.Severity != SeverityError {
		t.Errorf("severity = %v, want %v", c.Severity, SeverityError)
	}
}

func TestStrictModeFailsOnDetectedConflicts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StrictMode = true

	// The widening would auto-resolve, but strict mode still fails the
	// merge because a conflict was detected at all.
	base := prop(`{"type": "int"}`)
	source := prop(`{"type": "float"}`)
	target := prop(`{"type": "double"}`)

	res := NewEngine(cfg).Merge(base, source, target)
	if res.Status != StatusFailed {
		t.Fatalf("status = %q, want %q", res.Status, StatusFailed)
	}
	if res.Statistics.ConflictsFound != 1 {
		t.Errorf("conflicts found = %d, want 1", res.Statistics.ConflictsFound)
	}
}

func TestDryRunReportsDryRunSuccess(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DryRun = true
	base := prop(`{"description": "old"}`)
	source := prop(`{"description": "new"}`)

	res := NewEngine(cfg).Merge(base, source, base)
	if res.Status != StatusDryRunSuccess {
		t.Fatalf("status = %q, want %q", res.Status, StatusDryRunSuccess)
	}
}

func TestCustomResolverBypassesThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolvers = map[ConflictType]Resolver{
		ConflictModifyModify: func(c *Conflict) (any, bool) {
			return c.SourceValue.(string) + "+" + c.TargetValue.(string), true
		},
	}

	base := prop(`{"description": "a"}`)
	source := prop(`{"description": "b"}`)
	target := prop(`{"description": "c"}`)

	res := NewEngine(cfg).Merge(base, source, target)
	if res.Status != StatusSuccess {
		t.Fatalf("status = %q, want %q", res.Status, StatusSuccess)
	}
	if got := getStr(t, res.Merged, "property.p1.description"); got != "b+c" {
		t.Errorf("merged description = %q, want %q", got, "b+c")
	}
	if res.AutoResolved != 1 {
		t.Errorf("auto resolved = %d, want 1", res.AutoResolved)
	}
}

func TestBookkeepingKeysNeverConflict(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IgnoreKeys = []string{"updated_at"}

	base := prop(`{"@version": 1, "updated_at": "2024-01-01", "description": "d"}`)
	source := prop(`{"@version": 2, "updated_at": "2024-02-02", "description": "d"}`)
	target := prop(`{"@version": 3, "updated_at": "2024-03-03", "description": "d"}`)

	res := NewEngine(cfg).Merge(base, source, target)
	if res.Status != StatusSuccess {
		t.Fatalf("status = %q, want %q", res.Status, StatusSuccess)
	}
	if len(res.Conflicts) != 0 {
		t.Fatalf("conflicts = %v, want none", res.Conflicts)
	}
	// Pass-through keeps the source side.
	if v, _ := schema.Get(res.Merged, "property.p1.@version"); !schema.Equal(v, 2) {
		t.Errorf("@version = %v, want 2", v)
	}
	if got := getStr(t, res.Merged, "property.p1.updated_at"); got != "2024-02-02" {
		t.Errorf("updated_at = %q, want the source value", got)
	}
}

func TestListMergeByIDKeepsOrder(t *testing.T) {
	base := schema.MustParse(`{"object_type": {"Person": {"properties": [
		{"name": "id"}, {"name": "email"}
	]}}}`)
	source := schema.MustParse(`{"object_type": {"Person": {"properties": [
		{"name": "id"}, {"name": "email"}, {"name": "age"}
	]}}}`)
	target := schema.MustParse(`{"object_type": {"Person": {"properties": [
		{"name": "id"}, {"name": "email"}, {"name": "address"}
	]}}}`)

	res := NewEngine(DefaultConfig()).Merge(base, source, target)
	if res.Status != StatusSuccess {
		t.Fatalf("status = %q, want %q: %v", res.Status, StatusSuccess, res.Conflicts)
	}

	list, ok := schema.Get(res.Merged, "object_type.Person.properties")
	if !ok {
		t.Fatal("properties missing from merged tree")
	}
	var names []string
	for _, e := range list.([]any) {
		names = append(names, e.(map[string]any)["name"].(string))
	}
	want := []string{"id", "email", "age", "address"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("merged order = %v, want %v", names, want)
	}
}

func TestListMergePositionalFallback(t *testing.T) {
	base := schema.MustParse(`{"tags": ["a", "b"]}`)
	source := schema.MustParse(`{"tags": ["a", "B"]}`)
	target := schema.MustParse(`{"tags": ["a", "b", "c"]}`)

	res := NewEngine(DefaultConfig()).Merge(base, source, target)
	if res.Status != StatusSuccess {
		t.Fatalf("status = %q, want %q: %v", res.Status, StatusSuccess, res.Conflicts)
	}
	got, _ := schema.Get(res.Merged, "tags")
	if !schema.Equal(got, schema.MustParse(`["a", "B", "c"]`)) {
		t.Errorf("merged tags = %v", got)
	}
}

func TestReferentialIntegrityWarning(t *testing.T) {
	base := schema.MustParse(`{"object_type": {"Person": {"properties": {}}}}`)
	source := schema.MustParse(`{"object_type": {"Person": {"properties": {
		"org": {"type": "ref", "target": "Missing"}
	}}}}`)

	res := NewEngine(DefaultConfig()).Merge(base, source, base)

	// Validators warn, they never fail the merge.
	if res.Status != StatusSuccess {
		t.Fatalf("status = %q, want %q", res.Status, StatusSuccess)
	}
	want := `referential integrity: object_type.Person.properties.org references unknown entity "Missing"`
	if len(res.Warnings) != 1 || res.Warnings[0] != want {
		t.Errorf("warnings = %v, want [%q]", res.Warnings, want)
	}
}

func TestMergeDeterministic(t *testing.T) {
	const runs = 25

	build := func() (any, any, any) {
		base := schema.MustParse(`{"object_type": {
			"Person": {"name": "Person", "properties": {
				"age": {"type": "int"},
				"email": {"type": "string", "required": "ALWAYS"},
				"tags": {"type": "string", "cardinality": "ONE_TO_ONE"}
			}}
		}}`)
		source := schema.MustParse(`{"object_type": {
			"Person": {"name": "Person", "properties": {
				"age": {"type": "float"},
				"email": {"type": "string", "required": "NEVER"},
				"tags": {"type": "string", "cardinality": "ONE_TO_MANY"}
			}}
		}}`)
		target := schema.MustParse(`{"object_type": {
			"Person": {"name": "Person", "properties": {
				"age": {"type": "long"},
				"email": {"type": "string", "required": "ON_CREATE"},
				"tags": {"type": "string", "cardinality": "MANY_TO_MANY"}
			}}
		}}`)
		return base, source, target
	}

	eng := NewEngine(DefaultConfig())
	var wantTree []byte
	var wantIDs []string

	for i := 0; i < runs; i++ {
		base, source, target := build()
		res := eng.Merge(base, source, target)

		tree := schema.MustCanonical(res.Merged)
		ids := make([]string, len(res.Conflicts))
		for j, c := range res.Conflicts {
			ids[j] = c.ID
		}

		if i == 0 {
			wantTree, wantIDs = tree, ids
			if !sort.SliceIsSorted(res.Conflicts, func(a, b int) bool {
				if res.Conflicts[a].Path != res.Conflicts[b].Path {
					return res.Conflicts[a].Path < res.Conflicts[b].Path
				}
				return res.Conflicts[a].Type < res.Conflicts[b].Type
			}) {
				t.Fatalf("conflicts not sorted by (path, type)")
			}
			continue
		}
		if !bytes.Equal(tree, wantTree) {
			t.Fatalf("run %d produced a different merged tree", i)
		}
		if !reflect.DeepEqual(ids, wantIDs) {
			t.Fatalf("run %d produced different conflict ids: %v vs %v", i, ids, wantIDs)
		}
	}
}

func TestAnalyzeConflictsSummarizes(t *testing.T) {
	base := prop(`{"description": "x"}`)
	source := prop(`{"is_title": true}`)
	target := prop(`{"description": "y", "is_title": false}`)

	// Source deletes description and adds is_title=true; target
	// modifies description and adds is_title=false.
	a := NewEngine(DefaultConfig()).AnalyzeConflicts(base, source, target)

	if a.Conflicts != 2 {
		t.Fatalf("conflicts = %d, want 2", a.Conflicts)
	}
	if a.ByType[ConflictDeleteModify] != 1 || a.ByType[ConflictAddAdd] != 1 {
		t.Errorf("by type = %v", a.ByType)
	}
	if a.BySeverity["ERROR"] != 1 || a.BySeverity["WARN"] != 1 {
		t.Errorf("by severity = %v", a.BySeverity)
	}
	if a.AutoResolvable != 1 {
		t.Errorf("auto resolvable = %d, want 1 (the ADD_ADD)", a.AutoResolvable)
	}
	if a.SourceChanges == 0 || a.TargetChanges == 0 {
		t.Errorf("changes = %d/%d, want both nonzero", a.SourceChanges, a.TargetChanges)
	}
}

func manualPending(t *testing.T) (*Engine, *Result) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Strategy = StrategyManual
	eng := NewEngine(cfg)
	res := eng.Merge(
		prop(`{"description": "a", "max_length": 64}`),
		prop(`{"description": "b", "max_length": 128}`),
		prop(`{"description": "c", "max_length": 256}`),
	)
	if len(res.Conflicts) != 2 {
		t.Fatalf("setup: got %d conflicts, want 2: %v", len(res.Conflicts), res.Conflicts)
	}
	return eng, res
}

func conflictAt(t *testing.T, res *Result, path string) *Conflict {
	t.Helper()
	for _, c := range res.Conflicts {
		if c.Path == path {
			return c
		}
	}
	t.Fatalf("no conflict at %q in %v", path, res.Conflicts)
	return nil
}

func TestApplyManualResolutionChoices(t *testing.T) {
	eng, pending := manualPending(t)
	desc := conflictAt(t, pending, "property.p1.description")
	maxLen := conflictAt(t, pending, "property.p1.max_length")

	set := &ResolutionSet{
		ResolutionID: "r-1",
		Timestamp:    time.Now(),
		Decisions: []Decision{
			{ConflictID: desc.ID, Choice: ChoiceTarget},
			{ConflictID: maxLen.ID, Choice: ChoiceCustom, CustomValue: 96},
		},
	}
	res, err := eng.ApplyManualResolution(pending, set)
	if err != nil {
		t.Fatalf("ApplyManualResolution: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("status = %q, want %q", res.Status, StatusSuccess)
	}
	if res.Strategy != StrategyManual {
		t.Errorf("strategy = %q, want %q", res.Strategy, StrategyManual)
	}
	if got := getStr(t, res.Merged, "property.p1.description"); got != "c" {
		t.Errorf("description = %q, want the target value %q", got, "c")
	}
	if v, _ := schema.Get(res.Merged, "property.p1.max_length"); !schema.Equal(v, 96) {
		t.Errorf("max_length = %v, want 96", v)
	}
	if len(res.Conflicts) != 0 {
		t.Errorf("remaining conflicts = %v, want none", res.Conflicts)
	}
}

func TestApplyManualResolutionBaseChoice(t *testing.T) {
	eng, pending := manualPending(t)
	desc := conflictAt(t, pending, "property.p1.description")
	maxLen := conflictAt(t, pending, "property.p1.max_length")

	set := &ResolutionSet{
		ResolutionID: "r-2",
		Timestamp:    time.Now(),
		Decisions: []Decision{
			{ConflictID: desc.ID, Choice: ChoiceBase},
			{ConflictID: maxLen.ID, Choice: ChoiceSource},
		},
	}
	res, err := eng.ApplyManualResolution(pending, set)
	if err != nil {
		t.Fatalf("ApplyManualResolution: %v", err)
	}
	if got := getStr(t, res.Merged, "property.p1.description"); got != "a" {
		t.Errorf("description = %q, want the base value %q", got, "a")
	}
	if v, _ := schema.Get(res.Merged, "property.p1.max_length"); !schema.Equal(v, 128) {
		t.Errorf("max_length = %v, want the source value 128", v)
	}
}

func TestApplyManualResolutionPartialSet(t *testing.T) {
	eng, pending := manualPending(t)
	desc := conflictAt(t, pending, "property.p1.description")

	set := &ResolutionSet{
		ResolutionID: "r-3",
		Timestamp:    time.Now(),
		Decisions:    []Decision{{ConflictID: desc.ID, Choice: ChoiceSource}},
	}
	res, err := eng.ApplyManualResolution(pending, set)
	if err != nil {
		t.Fatalf("ApplyManualResolution: %v", err)
	}
	if res.Status != StatusPartial {
		t.Fatalf("status = %q, want %q", res.Status, StatusPartial)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].Path != "property.p1.max_length" {
		t.Errorf("remaining = %v, want only the max_length conflict", res.Conflicts)
	}
}

func TestApplyManualResolutionDeleteViaNil(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = StrategyManual
	eng := NewEngine(cfg)
	pending := eng.Merge(
		prop(`{"description": "old"}`),
		prop(`{}`),
		prop(`{"description": "new"}`),
	)
	if len(pending.Conflicts) != 1 || pending.Conflicts[0].Type != ConflictDeleteModify {
		t.Fatalf("setup: conflicts = %v", pending.Conflicts)
	}

	// Choosing the deleting side carries a nil value, which removes the
	// node from the tree.
	set := &ResolutionSet{
		ResolutionID: "r-4",
		Timestamp:    time.Now(),
		Decisions:    []Decision{{ConflictID: pending.Conflicts[0].ID, Choice: ChoiceSource}},
	}
	res, err := eng.ApplyManualResolution(pending, set)
	if err != nil {
		t.Fatalf("ApplyManualResolution: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("status = %q, want %q", res.Status, StatusSuccess)
	}
	if _, ok := schema.Get(res.Merged, "property.p1.description"); ok {
		t.Errorf("description survived a delete decision")
	}
}

func TestApplyManualResolutionBreaksCycle(t *testing.T) {
	base := schema.MustParse(`{"object_type": {
		"Person": {"properties": {}},
		"Organization": {"properties": {}}
	}}`)
	source := schema.MustParse(`{"object_type": {
		"Person": {"properties": {"org": {"type": "ref", "target": "Organization"}}},
		"Organization": {"properties": {}}
	}}`)
	target := schema.MustParse(`{"object_type": {
		"Person": {"properties": {}},
		"Organization": {"properties": {"owner": {"type": "ref", "target": "Person"}}}
	}}`)

	eng := NewEngine(DefaultConfig())
	pending := eng.Merge(base, source, target)
	if pending.Status != StatusBlocked || len(pending.Conflicts) != 1 {
		t.Fatalf("setup: status %q, conflicts %v", pending.Status, pending.Conflicts)
	}
	cycle := pending.Conflicts[0]

	// Resolving the root requires a corrected tree.
	_, err := eng.ApplyManualResolution(pending, &ResolutionSet{
		ResolutionID: "r-5",
		Timestamp:    time.Now(),
		Decisions:    []Decision{{ConflictID: cycle.ID, Choice: ChoiceSource}},
	})
	var invErr *InvalidResolutionError
	if !errors.As(err, &invErr) {
		t.Fatalf("nil root resolution: err = %v, want InvalidResolutionError", err)
	}

	fixed := schema.Clone(pending.Merged)
	if err := schema.Delete(fixed, "object_type.Organization.properties.owner"); err != nil {
		t.Fatalf("building fixed tree: %v", err)
	}
	res, err := eng.ApplyManualResolution(pending, &ResolutionSet{
		ResolutionID: "r-5",
		Timestamp:    time.Now(),
		Decisions:    []Decision{{ConflictID: cycle.ID, Choice: ChoiceCustom, CustomValue: fixed}},
	})
	if err != nil {
		t.Fatalf("ApplyManualResolution: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("status = %q, want %q: %v", res.Status, StatusSuccess, res.Conflicts)
	}
	if _, ok := schema.Get(res.Merged, "object_type.Organization.properties.owner"); ok {
		t.Errorf("cycle edge survived the custom resolution")
	}
}

func TestApplyManualResolutionValidation(t *testing.T) {
	eng, pending := manualPending(t)
	desc := conflictAt(t, pending, "property.p1.description")

	valid := func() *ResolutionSet {
		return &ResolutionSet{
			ResolutionID: "r-6",
			Timestamp:    time.Now(),
			Decisions:    []Decision{{ConflictID: desc.ID, Choice: ChoiceSource}},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*ResolutionSet) *ResolutionSet
		pending *Result
	}{
		{
			name:    "nil set",
			mutate:  func(*ResolutionSet) *ResolutionSet { return nil },
			pending: pending,
		},
		{
			name: "missing resolution id",
			mutate: func(s *ResolutionSet) *ResolutionSet {
				s.ResolutionID = ""
				return s
			},
			pending: pending,
		},
		{
			name: "zero timestamp",
			mutate: func(s *ResolutionSet) *ResolutionSet {
				s.Timestamp = time.Time{}
				return s
			},
			pending: pending,
		},
		{
			name: "no decisions",
			mutate: func(s *ResolutionSet) *ResolutionSet {
				s.Decisions = nil
				return s
			},
			pending: pending,
		},
		{
			name: "unknown conflict id",
			mutate: func(s *ResolutionSet) *ResolutionSet {
				s.Decisions[0].ConflictID = "c-ffffffffffff"
				return s
			},
			pending: pending,
		},
		{
			name: "duplicate decision",
			mutate: func(s *ResolutionSet) *ResolutionSet {
				s.Decisions = append(s.Decisions, s.Decisions[0])
				return s
			},
			pending: pending,
		},
		{
			name: "unknown choice",
			mutate: func(s *ResolutionSet) *ResolutionSet {
				s.Decisions[0].Choice = "left"
				return s
			},
			pending: pending,
		},
		{
			name:    "no pending result",
			mutate:  func(s *ResolutionSet) *ResolutionSet { return s },
			pending: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := eng.ApplyManualResolution(tt.pending, tt.mutate(valid()))
			var invErr *InvalidResolutionError
			if !errors.As(err, &invErr) {
				t.Fatalf("err = %v, want InvalidResolutionError", err)
			}
			if res != nil {
				t.Errorf("result = %v, want nil on validation failure", res)
			}
		})
	}
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in   string
		want Strategy
	}{
		{"MERGE", StrategyMerge},
		{"squash", StrategySquash},
		{" Rebase ", StrategyRebase},
		{"FAST_FORWARD", StrategyFastForward},
		{"ours", StrategyOurs},
		{"theirs", StrategyTheirs},
		{"manual", StrategyManual},
		{"AUTO", StrategyAuto},
		{"", StrategyAuto},
		{"garbage", StrategyAuto},
	}
	for _, tt := range tests {
		if got := ParseStrategy(tt.in); got != tt.want {
			t.Errorf("ParseStrategy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSeverityOrderAndNames(t *testing.T) {
	if !(SeverityInfo < SeverityWarn && SeverityWarn < SeverityError && SeverityError < SeverityBlock) {
		t.Fatal("severity ranks out of order; threshold comparisons depend on them")
	}
	tests := []struct {
		in   string
		want Severity
	}{
		{"INFO", SeverityInfo},
		{"warn", SeverityWarn},
		{"WARNING", SeverityWarn},
		{"error", SeverityError},
		{"BLOCK", SeverityBlock},
		{"bogus", SeverityWarn},
	}
	for _, tt := range tests {
		if got := ParseSeverity(tt.in); got != tt.want {
			t.Errorf("ParseSeverity(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	data, err := SeverityBlock.MarshalJSON()
	if err != nil || string(data) != `"BLOCK"` {
		t.Errorf("MarshalJSON = %s, %v", data, err)
	}
	var s Severity
	if err := s.UnmarshalJSON([]byte(`"ERROR"`)); err != nil || s != SeverityError {
		t.Errorf("UnmarshalJSON = %v, %v", s, err)
	}
	if err := s.UnmarshalJSON([]byte(`"FATAL"`)); err == nil {
		t.Error("UnmarshalJSON accepted an unknown severity")
	}
}

func TestMergeDoesNotAliasInputs(t *testing.T) {
	base := prop(`{"description": "old"}`)
	source := prop(`{"description": "new"}`)
	target := prop(`{"description": "old"}`)

	res := NewEngine(DefaultConfig()).Merge(base, source, target)

	// Mutating the result must not touch the caller's trees.
	if err := schema.Set(res.Merged, "property.p1.description", "mutated"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := getStr(t, source, "property.p1.description"); got != "new" {
		t.Errorf("source tree mutated through the result: %q", got)
	}
}
