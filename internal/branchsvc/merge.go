package branchsvc

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ontoforge/oms/internal/audit"
	"github.com/ontoforge/oms/internal/docstore"
	"github.com/ontoforge/oms/internal/lock"
	"github.com/ontoforge/oms/internal/merge"
	"github.com/ontoforge/oms/internal/outbox"
)

// MergeBranches merges source into target. The target enters MERGING
// for the duration; on success the merged tree is committed together
// with its outbox event and audit row and the target returns to
// ACTIVE. A blocked or partial merge restores the target and returns
// the result for manual resolution; an engine failure or an
// infrastructure error moves the target to ERROR, which releases its
// locks and requires an admin reset.
//
// The returned error covers infrastructure problems only: blocked,
// partial and failed merges report through Result.Status.
func (s *Service) MergeBranches(ctx context.Context, source, target string, strategy merge.Strategy, who string) (*merge.Result, error) {
	if source == target {
		return nil, fmt.Errorf("cannot merge branch %q into itself", source)
	}
	srcInfo, err := s.versioned.Branch(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("source branch: %w", err)
	}
	tgtInfo, err := s.versioned.Branch(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("target branch: %w", err)
	}
	if ok, reason := s.locks.CheckWritePermission(ctx, target, "branch.merge", "", ""); !ok {
		return nil, &WriteDeniedError{Branch: target, Reason: reason}
	}

	// A READY target is awaiting its next commit or merge; promote it
	// so the MERGING transition is legal.
	sourceWasReady := s.locks.BranchState(ctx, source).State == lock.StateReady
	if s.locks.BranchState(ctx, target).State == lock.StateReady {
		if err := s.locks.SetBranchState(ctx, target, lock.StateActive, who, "merge starting"); err != nil {
			return nil, err
		}
	}
	if err := s.locks.SetBranchState(ctx, target, lock.StateMerging, who, "merging from "+source); err != nil {
		return nil, err
	}

	res, err := s.runMerge(ctx, srcInfo, tgtInfo, strategy, who)
	if err != nil {
		s.failMerge(ctx, source, target, who, err.Error())
		return nil, err
	}
	s.recordMergeMetrics(ctx, res)

	switch res.Status {
	case merge.StatusSuccess, merge.StatusFastForward:
		s.restoreState(ctx, target, who, "merge completed")
		if sourceWasReady {
			s.restoreState(ctx, source, who, "merge completed")
		}
		s.log.WithFields(logrus.Fields{
			"source": source, "target": target,
			"commit": res.MergeCommit, "auto_resolved": res.AutoResolved,
		}).Info("merge completed")

	case merge.StatusFailed:
		if err := s.locks.SetBranchState(ctx, target, lock.StateError, who, "merge failed"); err != nil {
			s.log.WithError(err).WithField("branch", target).Warn("target not moved to ERROR after failed merge")
		}
		s.auditMergeOutcome(ctx, audit.ActionMergeFailed, source, target, who, res, "MERGE_FAILED")
		s.log.WithFields(logrus.Fields{"source": source, "target": target}).Warn("merge failed")

	case merge.StatusDryRunSuccess:
		s.restoreState(ctx, target, who, "merge dry run")

	default:
		// blocked or partial: nothing persisted, conflicts go back to
		// the caller for manual resolution.
		s.restoreState(ctx, target, who, "merge "+string(res.Status))
		s.auditMergeOutcome(ctx, audit.ActionMergeBlocked, source, target, who, res, "MERGE_BLOCKED")
		s.log.WithFields(logrus.Fields{
			"source": source, "target": target, "conflicts": len(res.Conflicts),
		}).Warn("merge needs manual resolution")
	}
	return res, nil
}

// runMerge computes the merge and persists a clean result. It returns
// an error only for infrastructure failures; engine outcomes travel in
// the result.
func (s *Service) runMerge(ctx context.Context, src, tgt *docstore.BranchInfo, strategy merge.Strategy, who string) (*merge.Result, error) {
	base, sourceTree, targetTree, err := s.mergeInputs(ctx, src, tgt)
	if err != nil {
		return nil, err
	}

	cfg := s.mergeCfg
	if strategy != "" {
		cfg.Strategy = strategy
	}
	res := merge.NewEngine(cfg).Merge(base, sourceTree, targetTree)
	if res.Status != merge.StatusSuccess && res.Status != merge.StatusFastForward {
		return res, nil
	}

	msg := fmt.Sprintf("merge %s into %s", src.Name, tgt.Name)
	var commitID string
	err = s.versioned.Store().RunInTransaction(ctx, func(tx docstore.Tx) error {
		var err error
		switch res.Strategy {
		case merge.StrategySquash, merge.StrategyRebase:
			// No second parent: the outcome lands as a plain commit.
			commitID, err = s.versioned.CommitTx(ctx, tx, tgt.Name, res.Merged, who, msg)
		default:
			commitID, err = s.versioned.CommitMergeTx(ctx, tx, tgt.Name, src.Head, res.Merged, who, msg)
		}
		if err != nil {
			return err
		}
		_, err = s.outbox.PublishTx(ctx, tx, outbox.EventSpec{
			Type:    EventBranchMerged,
			Source:  eventSource,
			Subject: tgt.Name,
			Payload: map[string]any{
				"source":        src.Name,
				"target":        tgt.Name,
				"strategy":      string(res.Strategy),
				"commit":        commitID,
				"auto_resolved": res.AutoResolved,
			},
		})
		if err != nil {
			return err
		}
		return s.audit.InsertTx(ctx, tx, &audit.Event{
			Action:     audit.ActionMergeCompleted,
			ActorID:    who,
			TargetKind: "branch",
			TargetID:   tgt.Name,
			Branch:     tgt.Name,
			Success:    true,
			DurationMS: res.DurationMS,
			Metadata: map[string]any{
				"source":        src.Name,
				"strategy":      string(res.Strategy),
				"commit":        commitID,
				"auto_resolved": res.AutoResolved,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	s.versioned.MirrorCommit(ctx, who, msg)
	res.MergeCommit = commitID
	return res, nil
}

// AnalyzeConflicts previews the divergence between two branches
// without touching state or history.
func (s *Service) AnalyzeConflicts(ctx context.Context, source, target string) (*merge.Analysis, error) {
	srcInfo, err := s.versioned.Branch(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("source branch: %w", err)
	}
	tgtInfo, err := s.versioned.Branch(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("target branch: %w", err)
	}
	base, sourceTree, targetTree, err := s.mergeInputs(ctx, srcInfo, tgtInfo)
	if err != nil {
		return nil, err
	}
	return merge.NewEngine(s.mergeCfg).AnalyzeConflicts(base, sourceTree, targetTree), nil
}

// mergeInputs loads the three trees a merge operates on. An empty LCA
// (unrelated histories, or an empty branch) yields an empty base.
func (s *Service) mergeInputs(ctx context.Context, src, tgt *docstore.BranchInfo) (base, source, target any, err error) {
	lca, err := s.versioned.LCAncestor(ctx, src.Head, tgt.Head)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("lowest common ancestor: %w", err)
	}
	base = map[string]any{}
	if lca != "" {
		if base, err = s.versioned.TreeAt(ctx, lca); err != nil {
			return nil, nil, nil, fmt.Errorf("base tree: %w", err)
		}
	}
	if source, err = s.treeAtHead(ctx, src.Head); err != nil {
		return nil, nil, nil, fmt.Errorf("source tree: %w", err)
	}
	if target, err = s.treeAtHead(ctx, tgt.Head); err != nil {
		return nil, nil, nil, fmt.Errorf("target tree: %w", err)
	}
	return base, source, target, nil
}

func (s *Service) treeAtHead(ctx context.Context, head string) (any, error) {
	if head == "" {
		return map[string]any{}, nil
	}
	return s.versioned.TreeAt(ctx, head)
}

func (s *Service) recordMergeMetrics(ctx context.Context, res *merge.Result) {
	byType := make(map[merge.ConflictType]int64)
	for _, c := range res.Conflicts {
		byType[c.Type]++
	}
	for ct, n := range byType {
		s.conflicts.Add(ctx, n, metric.WithAttributes(attribute.String("type", string(ct))))
	}
	s.mergeDur.Record(ctx, float64(res.DurationMS),
		metric.WithAttributes(attribute.String("status", string(res.Status))))
}

// failMerge handles infrastructure failures mid-merge: the target goes
// to ERROR (releasing its locks) and the failure is audited.
func (s *Service) failMerge(ctx context.Context, source, target, who, detail string) {
	if err := s.locks.SetBranchState(ctx, target, lock.StateError, who, "merge failed: "+detail); err != nil {
		s.log.WithError(err).WithField("branch", target).Warn("target not moved to ERROR after failed merge")
	}
	if err := s.audit.Insert(ctx, &audit.Event{
		Action:       audit.ActionMergeFailed,
		ActorID:      who,
		TargetKind:   "branch",
		TargetID:     target,
		Branch:       target,
		Success:      false,
		ErrorCode:    "MERGE_FAILED",
		ErrorMessage: detail,
		Metadata:     map[string]any{"source": source},
	}); err != nil {
		s.log.WithError(err).Warn("merge failure not audited")
	}
}

// restoreState returns a branch from MERGING (or READY) to ACTIVE.
func (s *Service) restoreState(ctx context.Context, branch, who, reason string) {
	st := s.locks.BranchState(ctx, branch)
	if st.State == lock.StateActive {
		return
	}
	if err := s.locks.SetBranchState(ctx, branch, lock.StateActive, who, reason); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"branch": branch, "from": st.State,
		}).Warn("branch not returned to ACTIVE")
	}
}

// auditMergeOutcome records a merge that did not land a commit.
func (s *Service) auditMergeOutcome(ctx context.Context, action, source, target, who string, res *merge.Result, code string) {
	if err := s.audit.Insert(ctx, &audit.Event{
		Action:     action,
		ActorID:    who,
		TargetKind: "branch",
		TargetID:   target,
		Branch:     target,
		Success:    false,
		ErrorCode:  code,
		DurationMS: res.DurationMS,
		Metadata: map[string]any{
			"source":    source,
			"strategy":  string(res.Strategy),
			"conflicts": len(res.Conflicts),
		},
	}); err != nil {
		s.log.WithError(err).Warn("merge outcome not audited")
	}
}
