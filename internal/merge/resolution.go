package merge

import (
	"fmt"
	"time"

	"github.com/ontoforge/oms/internal/schema"
)

// Decision choices. A choice names which recorded value wins; custom
// supplies a value the reviewer wrote, where nil means delete the node.
const (
	ChoiceSource = "source"
	ChoiceTarget = "target"
	ChoiceBase   = "base"
	ChoiceCustom = "custom"
)

// Decision settles one conflict from a pending merge result.
type Decision struct {
	ConflictID  string `json:"conflict_id"`
	Choice      string `json:"choice"`
	CustomValue any    `json:"custom_value,omitempty"`
}

// ResolutionSet is a reviewed batch of decisions. ResolutionID and
// Timestamp identify the review for the audit trail; both are required.
type ResolutionSet struct {
	ResolutionID string     `json:"resolution_id"`
	Timestamp    time.Time  `json:"timestamp"`
	Decisions    []Decision `json:"decisions"`
}

// InvalidResolutionError rejects a malformed resolution set. The
// pending result is untouched when this is returned.
type InvalidResolutionError struct {
	Reason string
}

func (e *InvalidResolutionError) Error() string {
	return "merge: invalid resolution: " + e.Reason
}

func invalidResolution(format string, args ...any) error {
	return &InvalidResolutionError{Reason: fmt.Sprintf(format, args...)}
}

// ApplyManualResolution applies reviewer decisions to a pending merge
// result and returns a fresh result over the rewritten tree. Decisions
// may settle a subset of the conflicts; the rest stay pending. Derived
// conflicts (name collisions, reference cycles) are rescanned from the
// rewritten tree rather than trusted from the decision list.
func (e *Engine) ApplyManualResolution(pending *Result, set *ResolutionSet) (*Result, error) {
	start := time.Now()

	if pending == nil || pending.Merged == nil {
		return nil, invalidResolution("no pending merge result to resolve")
	}
	if set == nil {
		return nil, invalidResolution("resolution set is required")
	}
	if set.ResolutionID == "" {
		return nil, invalidResolution("resolution_id is required")
	}
	if set.Timestamp.IsZero() {
		return nil, invalidResolution("timestamp is required")
	}
	if len(set.Decisions) == 0 {
		return nil, invalidResolution("at least one decision is required")
	}

	byID := make(map[string]*Conflict, len(pending.Conflicts))
	for _, c := range pending.Conflicts {
		byID[c.ID] = c
	}
	decided := make(map[string]bool, len(set.Decisions))
	for _, d := range set.Decisions {
		if _, ok := byID[d.ConflictID]; !ok {
			return nil, invalidResolution("unknown conflict id %q", d.ConflictID)
		}
		if decided[d.ConflictID] {
			return nil, invalidResolution("duplicate decision for conflict %q", d.ConflictID)
		}
		switch d.Choice {
		case ChoiceSource, ChoiceTarget, ChoiceBase, ChoiceCustom:
		default:
			return nil, invalidResolution("conflict %q: unknown choice %q", d.ConflictID, d.Choice)
		}
		decided[d.ConflictID] = true
	}

	merged := schema.Clone(pending.Merged)
	for _, d := range set.Decisions {
		c := byID[d.ConflictID]
		var chosen any
		switch d.Choice {
		case ChoiceSource:
			chosen = c.SourceValue
		case ChoiceTarget:
			chosen = c.TargetValue
		case ChoiceBase:
			chosen = c.BaseValue
		case ChoiceCustom:
			chosen = d.CustomValue
		}

		if c.Path == "" {
			// Whole-tree conflicts carry no recorded values; breaking a
			// reference cycle needs a corrected tree from the reviewer.
			if chosen == nil {
				return nil, invalidResolution("conflict %q: resolving the root requires a custom value", c.ID)
			}
			merged = schema.Normalize(schema.Clone(chosen))
			continue
		}
		if chosen == nil {
			if err := schema.Delete(merged, c.Path); err != nil {
				return nil, invalidResolution("conflict %q: %v", c.ID, err)
			}
			continue
		}
		if err := schema.Set(merged, c.Path, schema.Normalize(schema.Clone(chosen))); err != nil {
			return nil, invalidResolution("conflict %q: %v", c.ID, err)
		}
	}

	remaining := make([]*Conflict, 0, len(pending.Conflicts))
	for _, c := range pending.Conflicts {
		if decided[c.ID] || derivedConflict(c.Type) {
			continue
		}
		remaining = append(remaining, c)
	}
	remaining = append(remaining, nameCollisions(merged)...)
	if c := circularDependency(merged); c != nil {
		remaining = append(remaining, c)
	}
	sortConflicts(remaining)

	var warnings []string
	for _, v := range e.cfg.Validators {
		warnings = append(warnings, v(merged)...)
	}

	res := &Result{
		Status:       StatusSuccess,
		Strategy:     StrategyManual,
		Merged:       merged,
		Conflicts:    remaining,
		AutoResolved: pending.AutoResolved,
		Warnings:     warnings,
		Statistics:   pending.Statistics,
		DurationMS:   pending.DurationMS + time.Since(start).Milliseconds(),
	}
	switch {
	case hasBlocker(res.Conflicts):
		res.Status = StatusBlocked
	case len(res.Conflicts) > 0:
		res.Status = StatusPartial
	case e.cfg.DryRun:
		res.Status = StatusDryRunSuccess
	}
	return res, nil
}

// derivedConflict reports whether a conflict type is computed from the
// merged tree rather than from a three-way divergence.
func derivedConflict(t ConflictType) bool {
	return t == ConflictNameCollision || t == ConflictCircularDependency
}
