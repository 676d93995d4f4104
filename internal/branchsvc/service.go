// Package branchsvc owns the branch write path: it combines lock
// checks, versioned storage, outbox events and audit records into the
// create/delete/commit/merge operations the API layer exposes. Each
// operation stages its business write, its outbox event and its audit
// row in one store transaction, so none of the three can be observed
// without the others.
package branchsvc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/ontoforge/oms/internal/audit"
	"github.com/ontoforge/oms/internal/docstore"
	"github.com/ontoforge/oms/internal/lock"
	"github.com/ontoforge/oms/internal/merge"
	"github.com/ontoforge/oms/internal/outbox"
)

// Event types published through the outbox.
const (
	EventBranchCreated = "com.oms.branch.created"
	EventBranchDeleted = "com.oms.branch.deleted"
	EventBranchMerged  = "com.oms.branch.merged"
	EventSchemaUpdated = "com.oms.schema.updated"
)

// eventSource identifies this service in outbox envelopes.
const eventSource = "/oms/branchsvc"

// ErrProtectedBranch rejects creation under a reserved name and
// unforced deletion of a protected branch.
var ErrProtectedBranch = errors.New("branch is protected")

// LocksHeldError rejects deletion of a branch with live leases.
type LocksHeldError struct {
	Branch string
	Count  int
}

func (e *LocksHeldError) Error() string {
	return fmt.Sprintf("branch %q has %d live locks", e.Branch, e.Count)
}

// WriteDeniedError reports a write refused by branch state or a live
// lock. Reason is the lock manager's explanation.
type WriteDeniedError struct {
	Branch string
	Reason string
}

func (e *WriteDeniedError) Error() string {
	return fmt.Sprintf("write to branch %q denied: %s", e.Branch, e.Reason)
}

// Service is the branch write path. Construct one per process and
// share it; all methods are safe for concurrent use.
type Service struct {
	versioned *docstore.Versioned
	locks     *lock.Manager
	outbox    *outbox.Outbox
	audit     *audit.Store
	mergeCfg  merge.Config
	log       *logrus.Entry
	now       func() time.Time

	conflicts metric.Int64Counter
	mergeDur  metric.Float64Histogram
}

// New wires the service. mergeCfg should start from
// merge.DefaultConfig; log may be nil.
func New(v *docstore.Versioned, locks *lock.Manager, ob *outbox.Outbox, aud *audit.Store, mergeCfg merge.Config, log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	meter := otel.Meter("github.com/ontoforge/oms/internal/branchsvc")
	conflicts, _ := meter.Int64Counter("oms.merge.conflicts",
		metric.WithDescription("Merge conflicts detected, by type"))
	mergeDur, _ := meter.Float64Histogram("oms.merge.duration",
		metric.WithDescription("Merge engine wall time in milliseconds"))

	return &Service{
		versioned: v,
		locks:     locks,
		outbox:    ob,
		audit:     aud,
		mergeCfg:  mergeCfg,
		log:       log.WithField("component", "branchsvc"),
		now:       time.Now,
		conflicts: conflicts,
		mergeDur:  mergeDur,
	}
}

// Branch returns one branch row. ErrNotFound when absent.
func (s *Service) Branch(ctx context.Context, name string) (*docstore.BranchInfo, error) {
	return s.versioned.Branch(ctx, name)
}

// Branches lists all branches sorted by name.
func (s *Service) Branches(ctx context.Context) ([]*docstore.BranchInfo, error) {
	return s.versioned.Branches(ctx)
}

// Tree returns the schema tree at the branch head.
func (s *Service) Tree(ctx context.Context, branch string) (any, error) {
	return s.versioned.Tree(ctx, branch)
}

// CreateBranch forks a branch at the parent's head. Reserved names
// (main, master, production, system*) are refused: they either exist
// already or are kept free for operators.
func (s *Service) CreateBranch(ctx context.Context, name, parent, who string) (*docstore.BranchInfo, error) {
	if name == "" {
		return nil, fmt.Errorf("branch name is empty")
	}
	if docstore.IsProtectedName(name) {
		return nil, fmt.Errorf("create branch %q: %w", name, ErrProtectedBranch)
	}

	var info *docstore.BranchInfo
	err := s.versioned.Store().RunInTransaction(ctx, func(tx docstore.Tx) error {
		var err error
		info, err = s.versioned.CreateBranchTx(ctx, tx, name, parent, who)
		if err != nil {
			return err
		}
		_, err = s.outbox.PublishTx(ctx, tx, outbox.EventSpec{
			Type:    EventBranchCreated,
			Source:  eventSource,
			Subject: name,
			Payload: map[string]any{
				"branch":     name,
				"parent":     info.Parent,
				"head":       info.Head,
				"created_by": who,
			},
		})
		if err != nil {
			return err
		}
		return s.audit.InsertTx(ctx, tx, &audit.Event{
			Action:     audit.ActionBranchCreated,
			ActorID:    who,
			TargetKind: "branch",
			TargetID:   name,
			Branch:     name,
			Success:    true,
			Metadata:   map[string]any{"parent": info.Parent},
		})
	})
	if err != nil {
		return nil, err
	}
	s.versioned.MirrorBranch(ctx, name, info.Parent)
	s.log.WithFields(logrus.Fields{"branch": name, "parent": info.Parent, "by": who}).Info("branch created")
	return info, nil
}

// DeleteBranch removes a branch. Protected branches need force; a
// branch with live locks is never deletable, release or force-unlock
// first. Commit history is retained.
func (s *Service) DeleteBranch(ctx context.Context, name, who string, force bool) error {
	info, err := s.versioned.Branch(ctx, name)
	if err != nil {
		return err
	}
	if (info.Protected || docstore.IsProtectedName(name)) && !force {
		return fmt.Errorf("delete branch %q: %w", name, ErrProtectedBranch)
	}
	if live := s.locks.ActiveLocks(ctx, name); len(live) > 0 {
		return &LocksHeldError{Branch: name, Count: len(live)}
	}

	err = s.versioned.Store().RunInTransaction(ctx, func(tx docstore.Tx) error {
		if err := s.versioned.DeleteBranchTx(ctx, tx, name); err != nil {
			return err
		}
		_, err := s.outbox.PublishTx(ctx, tx, outbox.EventSpec{
			Type:    EventBranchDeleted,
			Source:  eventSource,
			Subject: name,
			Payload: map[string]any{
				"branch":     name,
				"deleted_by": who,
				"forced":     force,
			},
		})
		if err != nil {
			return err
		}
		return s.audit.InsertTx(ctx, tx, &audit.Event{
			Action:     audit.ActionBranchDeleted,
			ActorID:    who,
			TargetKind: "branch",
			TargetID:   name,
			Branch:     name,
			Success:    true,
			Metadata:   map[string]any{"forced": force},
		})
	})
	if err != nil {
		return err
	}
	s.versioned.MirrorBranchDrop(ctx, name)
	s.log.WithFields(logrus.Fields{"branch": name, "by": who, "forced": force}).Info("branch deleted")
	return nil
}

// CommitSchema writes tree as a new commit on branch. The write is
// gated by branch state and live locks; the commit, its outbox event
// and its audit row land in one transaction. A READY branch returns to
// ACTIVE once the commit lands.
func (s *Service) CommitSchema(ctx context.Context, branch string, tree any, author, message string) (string, error) {
	if _, err := s.versioned.Branch(ctx, branch); err != nil {
		return "", err
	}
	if ok, reason := s.locks.CheckWritePermission(ctx, branch, "schema.commit", "", ""); !ok {
		return "", &WriteDeniedError{Branch: branch, Reason: reason}
	}

	start := s.now()
	var commitID string
	err := s.versioned.Store().RunInTransaction(ctx, func(tx docstore.Tx) error {
		var err error
		commitID, err = s.versioned.CommitTx(ctx, tx, branch, tree, author, message)
		if err != nil {
			return err
		}
		_, err = s.outbox.PublishTx(ctx, tx, outbox.EventSpec{
			Type:    EventSchemaUpdated,
			Source:  eventSource,
			Subject: branch,
			Payload: map[string]any{
				"branch": branch,
				"commit": commitID,
				"author": author,
			},
		})
		if err != nil {
			return err
		}
		return s.audit.InsertTx(ctx, tx, &audit.Event{
			Action:     audit.ActionSchemaUpdated,
			ActorID:    author,
			TargetKind: "schema",
			TargetID:   commitID,
			Branch:     branch,
			Success:    true,
			DurationMS: time.Since(start).Milliseconds(),
			Metadata:   map[string]any{"message": message},
		})
	})
	if err != nil {
		return "", err
	}
	s.versioned.MirrorCommit(ctx, author, message)

	if st := s.locks.BranchState(ctx, branch); st.State == lock.StateReady {
		if err := s.locks.SetBranchState(ctx, branch, lock.StateActive, author, "schema commit"); err != nil {
			s.log.WithError(err).WithField("branch", branch).Warn("READY branch not returned to ACTIVE after commit")
		}
	}
	s.log.WithFields(logrus.Fields{"branch": branch, "commit": commitID, "author": author}).Info("schema committed")
	return commitID, nil
}
