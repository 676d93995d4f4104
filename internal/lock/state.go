package lock

import (
	"fmt"
	"time"
)

// State is the branch lifecycle state.
type State string

const (
	// StateActive accepts commits and lock acquisitions.
	StateActive State = "ACTIVE"

	// StateLockedForWrite means a branch-wide indexing lock is held.
	StateLockedForWrite State = "LOCKED_FOR_WRITE"

	// StateReady means indexing completed and the branch awaits the
	// next commit or merge.
	StateReady State = "READY"

	// StateMerging means a merge into this branch is in progress.
	StateMerging State = "MERGING"

	// StateError requires an admin reset. Entering it releases every
	// lock on the branch.
	StateError State = "ERROR"

	// StateArchived is terminal.
	StateArchived State = "ARCHIVED"
)

// transitionTable lists the allowed state transitions. Any state but
// ARCHIVED may enter ERROR or ARCHIVED; everything else is explicit.
var transitionTable = map[State][]State{
	StateActive:         {StateLockedForWrite, StateMerging, StateError, StateArchived},
	StateLockedForWrite: {StateReady, StateError, StateArchived},
	StateReady:          {StateActive, StateError, StateArchived},
	StateMerging:        {StateActive, StateError, StateArchived},
	StateError:          {StateActive, StateArchived},
	StateArchived:       {},
}

// ValidTransition reports whether from -> to is in the table.
func ValidTransition(from, to State) bool {
	for _, s := range transitionTable[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateRecord is the current state of one branch plus provenance.
// Unknown branches default to ACTIVE.
type StateRecord struct {
	Branch    string    `json:"branch"`
	State     State     `json:"state"`
	ChangedAt time.Time `json:"state_changed_at"`
	ChangedBy string    `json:"state_changed_by"`
	Reason    string    `json:"reason,omitempty"`
}

// clone returns a copy so callers never alias the manager's table.
func (r *StateRecord) clone() *StateRecord {
	cp := *r
	return &cp
}

// BranchStateError rejects operations on a branch whose state forbids
// them: ERROR needs an admin reset first, ARCHIVED is terminal.
type BranchStateError struct {
	Branch string
	State  State
}

func (e *BranchStateError) Error() string {
	return fmt.Sprintf("branch %q is %s", e.Branch, e.State)
}
