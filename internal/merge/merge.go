// Package merge computes deterministic three-way merges of schema
// trees. Given two commits and their lowest common ancestor it
// classifies divergences into typed conflicts, auto-resolves what
// policy allows, and returns a result value; persisting the outcome is
// the caller's job. For identical inputs and configuration the engine
// produces byte-identical merged trees and the same conflict list in
// the same order, so merge commits can be content-addressed downstream.
package merge

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Strategy selects how a merge combines the two sides.
type Strategy string

const (
	// StrategyMerge is a plain 3-way merge: conflicts are reported,
	// nothing is auto-resolved.
	StrategyMerge Strategy = "MERGE"

	// StrategySquash merges like AUTO; the caller records the outcome
	// as a single commit without a second parent.
	StrategySquash Strategy = "SQUASH"

	// StrategyRebase merges like AUTO; the caller replays the result
	// onto the target head instead of creating a merge commit.
	StrategyRebase Strategy = "REBASE"

	// StrategyFastForward refuses to merge unless one side is an
	// ancestor of the other.
	StrategyFastForward Strategy = "FAST_FORWARD"

	// StrategyOurs takes the source tree wholesale.
	StrategyOurs Strategy = "OURS"

	// StrategyTheirs takes the target tree wholesale.
	StrategyTheirs Strategy = "THEIRS"

	// StrategyManual reports every conflict unresolved and waits for
	// ApplyManualResolution.
	StrategyManual Strategy = "MANUAL"

	// StrategyAuto is a 3-way merge with auto-resolution, the default.
	StrategyAuto Strategy = "AUTO"
)

// ParseStrategy maps a config string to a Strategy. Unknown values
// fall back to AUTO.
func ParseStrategy(s string) Strategy {
	switch Strategy(strings.ToUpper(strings.TrimSpace(s))) {
	case StrategyMerge:
		return StrategyMerge
	case StrategySquash:
		return StrategySquash
	case StrategyRebase:
		return StrategyRebase
	case StrategyFastForward:
		return StrategyFastForward
	case StrategyOurs:
		return StrategyOurs
	case StrategyTheirs:
		return StrategyTheirs
	case StrategyManual:
		return StrategyManual
	default:
		return StrategyAuto
	}
}

// Status is the overall outcome of a merge.
type Status string

const (
	StatusSuccess       Status = "success"
	StatusPartial       Status = "partial"
	StatusBlocked       Status = "blocked"
	StatusFailed        Status = "failed"
	StatusFastForward   Status = "fast_forward"
	StatusDryRunSuccess Status = "dry_run_success"
)

// Severity ranks conflicts. Ordering matters: a conflict is
// auto-resolvable only when its severity does not exceed the
// configured threshold.
type Severity int8

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityError
	SeverityBlock
)

var severityNames = map[Severity]string{
	SeverityInfo:  "INFO",
	SeverityWarn:  "WARN",
	SeverityError: "ERROR",
	SeverityBlock: "BLOCK",
}

func (s Severity) String() string {
	if n, ok := severityNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Severity(%d)", int8(s))
}

// MarshalJSON writes the severity name, not the numeric rank.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts a severity name.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for sev, n := range severityNames {
		if n == name {
			*s = sev
			return nil
		}
	}
	return fmt.Errorf("merge: unknown severity %q", name)
}

// ParseSeverity maps a config string to a Severity. Unknown values
// fall back to WARN, the default auto-resolution threshold.
func ParseSeverity(s string) Severity {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INFO":
		return SeverityInfo
	case "WARN", "WARNING":
		return SeverityWarn
	case "ERROR":
		return SeverityError
	case "BLOCK":
		return SeverityBlock
	default:
		return SeverityWarn
	}
}

// ConflictType classifies a divergence.
type ConflictType string

const (
	ConflictModifyModify       ConflictType = "MODIFY_MODIFY"
	ConflictDeleteModify       ConflictType = "DELETE_MODIFY"
	ConflictAddAdd             ConflictType = "ADD_ADD"
	ConflictTypeChange         ConflictType = "TYPE_CHANGE"
	ConflictCardinality        ConflictType = "CARDINALITY"
	ConflictNameCollision      ConflictType = "NAME_COLLISION"
	ConflictCircularDependency ConflictType = "CIRCULAR_DEPENDENCY"
	ConflictConstraint         ConflictType = "CONSTRAINT_CONFLICT"
	ConflictInterfaceMismatch  ConflictType = "INTERFACE_MISMATCH"
)

// Conflict is one divergence between source and target relative to
// their common ancestor. IDs are derived from (path, type) so the same
// inputs always produce the same ids.
type Conflict struct {
	ID                  string       `json:"id"`
	Type                ConflictType `json:"type"`
	Severity            Severity     `json:"severity"`
	Path                string       `json:"path"`
	BaseValue           any          `json:"base_value,omitempty"`
	SourceValue         any          `json:"source_value,omitempty"`
	TargetValue         any          `json:"target_value,omitempty"`
	AutoResolvable      bool         `json:"auto_resolvable"`
	SuggestedResolution string       `json:"suggested_resolution,omitempty"`
}

func conflictID(path string, t ConflictType) string {
	sum := sha256.Sum256([]byte(path + "\x00" + string(t)))
	return "c-" + hex.EncodeToString(sum[:6])
}

// Statistics summarize what a merge did.
type Statistics struct {
	SourceChanges  int `json:"source_changes"`
	TargetChanges  int `json:"target_changes"`
	Added          int `json:"added"`
	Removed        int `json:"removed"`
	Modified       int `json:"modified"`
	ConflictsFound int `json:"conflicts_found"`
	AutoResolved   int `json:"auto_resolved"`
}

// Result is the outcome of a merge. For partial and blocked outcomes
// Merged holds the draft tree manual resolution operates on; a failed
// fast-forward carries no tree. MergeCommit is filled by the branch
// service after persisting.
type Result struct {
	Status       Status      `json:"status"`
	Strategy     Strategy    `json:"strategy"`
	Merged       any         `json:"merged,omitempty"`
	MergeCommit  string      `json:"merge_commit,omitempty"`
	Conflicts    []*Conflict `json:"conflicts"`
	AutoResolved int         `json:"auto_resolved_count"`
	Warnings     []string    `json:"warnings,omitempty"`
	Statistics   Statistics  `json:"statistics"`
	DurationMS   int64       `json:"duration_ms"`
}

// Resolver turns a conflict into a merged value. Returning false
// declines, leaving the conflict to the built-in rules.
type Resolver func(c *Conflict) (any, bool)

// Validator inspects a merged tree and returns warnings. Validators
// never fail a merge.
type Validator func(tree any) []string

// ListMode selects how sequences are matched during diff and merge.
type ListMode string

const (
	// ListByID matches sequence elements by an id field and falls back
	// to positional matching when elements carry none.
	ListByID ListMode = "by-id"

	// ListByIndex always matches positionally.
	ListByIndex ListMode = "by-index"
)

// Config tunes the engine. The zero value is NOT usable; start from
// DefaultConfig.
type Config struct {
	// Strategy is the merge strategy. Empty falls back to AUTO.
	Strategy Strategy

	// Threshold is the highest severity the engine may auto-resolve.
	Threshold Severity

	// ListMode selects sequence matching.
	ListMode ListMode

	// IDFields are tried in order to identify sequence elements.
	IDFields []string

	// IgnoreKeys are map keys excluded from diff and merge, in
	// addition to the default of every "@"-prefixed key.
	IgnoreKeys []string

	// StrictMode fails the merge when any conflict was detected, even
	// one that auto-resolution handled.
	StrictMode bool

	// DisableWidening turns off the safe type and cardinality
	// widening rules. Diverged type/cardinality leaves then stay
	// ERROR conflicts.
	DisableWidening bool

	// DryRun computes the result without intending persistence; a
	// clean merge reports dry_run_success.
	DryRun bool

	// Resolvers override resolution per conflict type. A registered
	// resolver is not gated by Threshold.
	Resolvers map[ConflictType]Resolver

	// Validators run over the merged tree; their findings become
	// result warnings.
	Validators []Validator
}

// DefaultConfig is the engine's standard tuning: AUTO strategy, WARN
// threshold, by-id sequence matching, referential integrity checked.
func DefaultConfig() Config {
	return Config{
		Strategy:   StrategyAuto,
		Threshold:  SeverityWarn,
		ListMode:   ListByID,
		IDFields:   []string{"@id", "name", "id"},
		Validators: []Validator{ReferentialIntegrity},
	}
}

func (c Config) withDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = StrategyAuto
	}
	if c.ListMode == "" {
		c.ListMode = ListByID
	}
	if len(c.IDFields) == 0 {
		c.IDFields = []string{"@id", "name", "id"}
	}
	return c
}

// ignored reports whether a map key is excluded from diff and merge.
// "@"-prefixed keys are bookkeeping, not payload.
func (c *Config) ignored(key string) bool {
	if strings.HasPrefix(key, "@") {
		return true
	}
	for _, k := range c.IgnoreKeys {
		if k == key {
			return true
		}
	}
	return false
}

func sortConflicts(conflicts []*Conflict) {
	sort.Slice(conflicts, func(i, j int) bool {
		if conflicts[i].Path != conflicts[j].Path {
			return conflicts[i].Path < conflicts[j].Path
		}
		return conflicts[i].Type < conflicts[j].Type
	})
}
