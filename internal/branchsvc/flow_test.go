package branchsvc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ontoforge/oms/internal/bus"
	"github.com/ontoforge/oms/internal/docstore"
	"github.com/ontoforge/oms/internal/lock"
	"github.com/ontoforge/oms/internal/merge"
	"github.com/ontoforge/oms/internal/outbox"
)

// TestBranchLifecycleDeliversEvents drives one branch from creation
// through indexing, a schema commit and a merge, then drains the
// staged events and verifies the audit chain over the whole run.
func TestBranchLifecycleDeliversEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.CommitSchema(ctx, docstore.DefaultBranch, prop(`{"type": "string"}`), "alice", "seed p1")
	require.NoError(t, err)
	_, err = env.svc.CreateBranch(ctx, "feature-x", docstore.DefaultBranch, "alice")
	require.NoError(t, err)

	_, err = env.locks.LockForIndexing(ctx, "feature-x", "indexer-1", nil, true)
	require.NoError(t, err)
	_, err = env.locks.CompleteIndexing(ctx, "feature-x", "indexer-1", nil)
	require.NoError(t, err)
	require.Equal(t, lock.StateReady, env.state(t, "feature-x"))

	_, err = env.svc.CommitSchema(ctx, "feature-x", prop(`{"type": "text"}`), "alice", "widen p1")
	require.NoError(t, err)
	assert.Equal(t, lock.StateActive, env.state(t, "feature-x"), "commit should reactivate a READY branch")

	res, err := env.svc.MergeBranches(ctx, "feature-x", docstore.DefaultBranch, "", "merge-bot")
	require.NoError(t, err)
	require.Equal(t, merge.StatusSuccess, res.Status, "conflicts: %v", res.Conflicts)
	assert.Equal(t, 1, res.AutoResolved)

	require.NoError(t, env.svc.DeleteBranch(ctx, "feature-x", "alice", false))

	// Up to here every event only staged an outbox row.
	mem := bus.NewMemory()
	disp := outbox.NewDispatcher(env.ob, mem, outbox.DispatcherConfig{}, testLogger())
	n, err := disp.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, n, "two commits, create, merge, delete")

	var delivered []string
	for _, msg := range mem.Messages() {
		delivered = append(delivered, msg.Subject)
		assert.NotEmpty(t, msg.Headers[bus.HeaderIdempotencyKey], "missing idempotency key on %s", msg.Subject)

		var envl map[string]any
		require.NoError(t, json.Unmarshal(msg.Data, &envl))
		assert.Equal(t, "1.0", envl["specversion"])
	}
	assert.ElementsMatch(t, []string{
		EventSchemaUpdated, EventSchemaUpdated,
		EventBranchCreated, EventBranchMerged, EventBranchDeleted,
	}, delivered)

	stats, err := env.ob.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.ByStatus[outbox.StatusCompleted])
	assert.Zero(t, stats.ByStatus[outbox.StatusPending])

	report, err := env.aud.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.Verified, "corrupted: %v", report.Corrupted)
	assert.Greater(t, report.Checked, 0)
}
