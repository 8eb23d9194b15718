package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckwork/conveyor/internal/store"
	"github.com/deckwork/conveyor/internal/store/memory"
	"github.com/deckwork/conveyor/internal/types"
)

func TestInitDisabledIsPassthrough(t *testing.T) {
	require.NoError(t, Init(context.Background(), Config{}))
	assert.False(t, Enabled())

	s := memory.New()
	assert.Same(t, s, WrapStorage(s), "disabled telemetry adds no wrapper")
}

func TestInitStdoutWrapsStorage(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, Init(ctx, Config{
		Enabled: true, Stdout: true, Service: "conveyor-test", Version: "test",
	}))
	defer Shutdown(ctx)
	assert.True(t, Enabled())

	wrapped := WrapStorage(memory.New())
	instrumented, ok := wrapped.(*InstrumentedStorage)
	require.True(t, ok)

	// The decorator passes calls and sentinel errors through untouched.
	id, err := wrapped.SubmitTask(ctx, &types.TaskDraft{Kind: "analyze", Weight: 1})
	require.NoError(t, err)
	task, err := wrapped.ClaimNext(ctx, "w1", []string{"analyze"}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, id, task.ID)
	_, err = wrapped.ClaimNext(ctx, "w1", []string{"analyze"}, time.Minute)
	assert.ErrorIs(t, err, store.ErrNoTask)
	require.NoError(t, instrumented.Complete(ctx, id, "w1", task.LeaseEpoch, nil))
}
