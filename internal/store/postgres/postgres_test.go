package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/deckwork/conveyor/internal/backoff"
	"github.com/deckwork/conveyor/internal/store"
	"github.com/deckwork/conveyor/internal/types"
)

// openTestStore spins up a throwaway PostgreSQL container. Gated behind
// CONVEYOR_PG_TESTS so the default test run stays docker-free; the memory
// store covers the contract, this suite covers the SQL.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	if os.Getenv("CONVEYOR_PG_TESTS") == "" {
		t.Skip("set CONVEYOR_PG_TESTS=1 to run PostgreSQL container tests")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("conveyor"),
		tcpostgres.WithUsername("conveyor"),
		tcpostgres.WithPassword("conveyor"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := Open(ctx, dsn,
		WithBackoffPolicy(backoff.Policy{Base: time.Second, Cap: time.Hour}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresClaimLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.SubmitTask(ctx, &types.TaskDraft{Kind: "visual_analysis", Weight: 1, MaxRetries: 3})
	require.NoError(t, err)

	task, err := s.ClaimNext(ctx, "w1", []string{"visual_analysis"}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, id, task.ID)
	assert.Equal(t, types.StatusProcessing, task.Status)
	assert.Equal(t, int64(1), task.LeaseEpoch)
	require.NotNil(t, task.StartedAt)

	// Queue is empty now.
	_, err = s.ClaimNext(ctx, "w2", []string{"visual_analysis"}, time.Minute)
	assert.ErrorIs(t, err, store.ErrNoTask)

	require.NoError(t, s.ExtendLease(ctx, id, "w1", 1, 2*time.Minute))
	assert.ErrorIs(t, s.ExtendLease(ctx, id, "w1", 2, time.Minute), store.ErrStaleLease)
	assert.ErrorIs(t, s.ExtendLease(ctx, id, "w2", 1, time.Minute), store.ErrStaleLease)

	require.NoError(t, s.Complete(ctx, id, "w1", 1, []byte(`{"ok":true}`)))
	assert.ErrorIs(t, s.Complete(ctx, id, "w1", 1, nil), store.ErrStaleLease)

	got, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)
	assert.Nil(t, got.LeasedBy)
	require.NotNil(t, got.FinishedAt)
}

func TestPostgresDependencyGatingAndCascade(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rcpt, err := s.SubmitPipeline(ctx, &types.PipelineBatch{
		Tasks: []types.TaskDraft{
			{Kind: "extract", Weight: 1},
			{Kind: "clinical", Weight: 1},
			{Kind: "science", Weight: 1},
		},
		Edges: [][2]int{{0, 1}, {0, 2}},
	})
	require.NoError(t, err)

	// Only the upstream is runnable.
	task, err := s.ClaimNext(ctx, "w1", []string{"extract", "clinical", "science"}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, rcpt.TaskIDs[0], task.ID)
	_, err = s.ClaimNext(ctx, "w2", []string{"clinical", "science"}, time.Minute)
	assert.ErrorIs(t, err, store.ErrNoTask)

	retried, err := s.Fail(ctx, task.ID, "w1", task.LeaseEpoch, "unreadable deck", types.FailurePermanent)
	require.NoError(t, err)
	assert.False(t, retried)

	for _, id := range rcpt.TaskIDs[1:] {
		got, err := s.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusCancelled, got.Status)
		assert.Equal(t, store.UpstreamFailedError(rcpt.TaskIDs[0]), got.Error)
	}

	pp, err := s.PipelineProgress(ctx, rcpt.PipelineID)
	require.NoError(t, err)
	assert.True(t, pp.Terminal)
	assert.True(t, pp.Failed)
	assert.Equal(t, 0, pp.Percent)
}

func TestPostgresTransientRetryAndReclaim(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.SubmitTask(ctx, &types.TaskDraft{Kind: "x", Weight: 1, MaxRetries: 3})
	require.NoError(t, err)

	task, err := s.ClaimNext(ctx, "w1", []string{"x"}, time.Minute)
	require.NoError(t, err)
	retried, err := s.Fail(ctx, id, "w1", task.LeaseEpoch, "503 from vision service", types.FailureTransient)
	require.NoError(t, err)
	assert.True(t, retried)

	got, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, got.Status)
	assert.Equal(t, 1, got.Retries)
	assert.True(t, got.NextEarliestStart.After(time.Now()), "backoff window applies")

	// Not runnable inside the backoff window.
	_, err = s.ClaimNext(ctx, "w1", []string{"x"}, time.Minute)
	assert.ErrorIs(t, err, store.ErrNoTask)

	// Claim with a tiny lease, let it lapse, reclaim.
	_, err = s.pool.Exec(ctx, `UPDATE tasks SET next_earliest_start = now() WHERE id = $1`, id)
	require.NoError(t, err)
	task, err = s.ClaimNext(ctx, "w1", []string{"x"}, 50*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	n, err := s.ReclaimExpiredLeases(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, got.Status)
	assert.Equal(t, 1, got.Retries, "reclaim does not charge the retry budget")

	// The zombie worker's settle is rejected.
	assert.ErrorIs(t, s.Complete(ctx, id, "w1", task.LeaseEpoch, nil), store.ErrStaleLease)
}

func TestPostgresWorkerLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	w := &types.WorkerInfo{ID: "host1-123", Capabilities: []string{"a", "b"}, MaxConcurrent: 3}
	require.NoError(t, s.RegisterWorker(ctx, w))
	status, err := s.Heartbeat(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerActive, status)
	_, err = s.Heartbeat(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)

	workers, err := s.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, []string{"a", "b"}, workers[0].Capabilities)
	assert.Equal(t, types.WorkerActive, workers[0].Status)

	// A drain issued through the admin surface is visible on the next beat.
	require.NoError(t, s.SetWorkerStatus(ctx, w.ID, types.WorkerDraining))
	status, err = s.Heartbeat(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerDraining, status)

	// Push the heartbeat into the past and let recovery flag it.
	_, err = s.pool.Exec(ctx,
		`UPDATE workers SET last_heartbeat_at = now() - interval '10 minutes' WHERE id = $1`, w.ID)
	require.NoError(t, err)
	dead, err := s.MarkDeadWorkers(ctx, 3*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{w.ID}, dead)

	_, err = s.Heartbeat(ctx, w.ID)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestPostgresProgressAndStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rcpt, err := s.SubmitPipeline(ctx, &types.PipelineBatch{
		Tasks: []types.TaskDraft{
			{Kind: "a", Weight: 1},
			{Kind: "b", Weight: 1},
		},
	})
	require.NoError(t, err)

	task, err := s.ClaimNext(ctx, "w1", []string{"a"}, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.UpdateProgress(ctx, task.ID, 50, "ocr"))
	assert.ErrorIs(t, s.UpdateProgress(ctx, 99999, 10, ""), store.ErrNotFound)

	pp, err := s.PipelineProgress(ctx, rcpt.PipelineID)
	require.NoError(t, err)
	assert.Equal(t, 25, pp.Percent)

	stats, err := s.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ByStatus[types.StatusQueued])
	assert.Equal(t, 1, stats.ByStatus[types.StatusProcessing])
	assert.Equal(t, 1, stats.InFlightByWorker["w1"])
	assert.Equal(t, 1, stats.QueuedByKind["b"])
}
