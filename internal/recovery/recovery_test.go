package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckwork/conveyor/internal/store"
	"github.com/deckwork/conveyor/internal/store/memory"
	"github.com/deckwork/conveyor/internal/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCycleReclaimsCrashedWorker(t *testing.T) {
	clock := newFakeClock()
	s := memory.New(memory.WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, s.RegisterWorker(ctx, &types.WorkerInfo{
		ID: "w1", Capabilities: []string{"y"}, MaxConcurrent: 1,
	}))
	id, err := s.SubmitTask(ctx, &types.TaskDraft{Kind: "y", Weight: 1, MaxRetries: 3})
	require.NoError(t, err)
	task, err := s.ClaimNext(ctx, "w1", []string{"y"}, 5*time.Second)
	require.NoError(t, err)

	svc := New(s, Config{
		Interval:       time.Second,
		DeathThreshold: 3 * time.Second,
		RequeueDelay:   0,
	})

	// Within the death threshold nothing moves.
	clock.Advance(2 * time.Second)
	require.NoError(t, svc.Cycle(ctx))
	got, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessing, got.Status)

	// Past the threshold the worker is dead; its lease is expired and the
	// same cycle's reclaim pass re-queues the task without a retry charge.
	clock.Advance(2 * time.Second)
	require.NoError(t, svc.Cycle(ctx))

	got, err = s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, got.Status)
	assert.Equal(t, 0, got.Retries)
	assert.Nil(t, got.LeasedBy)

	workers, err := s.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, types.WorkerDead, workers[0].Status)

	// The re-queued task is claimable by a healthy worker, and the zombie's
	// settle is rejected.
	reclaimed, err := s.ClaimNext(ctx, "w2", []string{"y"}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, id, reclaimed.ID)
	assert.ErrorIs(t, s.Complete(ctx, id, "w1", task.LeaseEpoch, nil), store.ErrStaleLease)
}

func TestCycleLeavesLiveWorkersAlone(t *testing.T) {
	clock := newFakeClock()
	s := memory.New(memory.WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, s.RegisterWorker(ctx, &types.WorkerInfo{ID: "w1", MaxConcurrent: 1}))
	svc := New(s, Config{Interval: time.Second, DeathThreshold: 3 * time.Second})

	clock.Advance(2 * time.Second)
	_, err := s.Heartbeat(ctx, "w1")
	require.NoError(t, err)
	clock.Advance(2 * time.Second)
	require.NoError(t, svc.Cycle(ctx))

	workers, err := s.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerActive, workers[0].Status)
}

func TestCycleNudgesStaleRetries(t *testing.T) {
	clock := newFakeClock()
	s := memory.New(memory.WithClock(clock.Now))
	ctx := context.Background()

	id, err := s.SubmitTask(ctx, &types.TaskDraft{Kind: "x", Weight: 1, MaxRetries: 3})
	require.NoError(t, err)

	svc := New(s, Config{
		Interval:       time.Second,
		DeathThreshold: 3 * time.Second,
		StaleAfter:     time.Hour,
	})

	clock.Advance(2 * time.Hour)
	require.NoError(t, svc.Cycle(ctx))

	got, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), got.NextEarliestStart)
}

func TestRunStopsOnCancel(t *testing.T) {
	s := memory.New()
	svc := New(s, Config{Interval: 5 * time.Millisecond, DeathThreshold: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("service did not stop")
	}
}
