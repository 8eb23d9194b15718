package store

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/deckwork/conveyor/internal/types"
)

func intp(n int) *int { return &n }

func TestTaskPercent(t *testing.T) {
	assert.Equal(t, 100, TaskPercent(types.StatusCompleted, nil))
	assert.Equal(t, 0, TaskPercent(types.StatusQueued, intp(80)))
	assert.Equal(t, 0, TaskPercent(types.StatusProcessing, nil))
	assert.Equal(t, 55, TaskPercent(types.StatusProcessing, intp(55)))
	assert.Equal(t, 99, TaskPercent(types.StatusProcessing, intp(100)), "advisory never reads done")
	assert.Equal(t, 0, TaskPercent(types.StatusProcessing, intp(-5)))
	assert.Equal(t, 0, TaskPercent(types.StatusFailed, intp(90)))
	assert.Equal(t, 0, TaskPercent(types.StatusCancelled, intp(90)))
}

func TestAggregateEmpty(t *testing.T) {
	assert.Nil(t, Aggregate(1, nil))
}

func TestAggregateWeightedRounding(t *testing.T) {
	// weights 1/3: (100·1 + 0·3) / 4 = 25
	pp := Aggregate(7, []AggRow{
		{ID: 1, Kind: "a", Status: types.StatusCompleted, Weight: 1},
		{ID: 2, Kind: "b", Status: types.StatusQueued, Weight: 3},
	})
	assert.Equal(t, int64(7), pp.PipelineID)
	assert.Equal(t, 25, pp.Percent)
	assert.False(t, pp.Terminal)
	assert.False(t, pp.Failed)

	// (100 + 50 + 0) / 3 = 50; rounding is to nearest, not truncation:
	// (100 + 75) / 2 → 87.5 rounds to 88.
	pp = Aggregate(7, []AggRow{
		{ID: 1, Status: types.StatusCompleted, Weight: 1},
		{ID: 2, Status: types.StatusProcessing, Weight: 1, Advisory: intp(75)},
	})
	assert.Equal(t, 88, pp.Percent)
}

func TestAggregateTerminalAndFailed(t *testing.T) {
	pp := Aggregate(3, []AggRow{
		{ID: 1, Status: types.StatusFailed, Weight: 1},
		{ID: 2, Status: types.StatusCancelled, Weight: 1},
		{ID: 3, Status: types.StatusCompleted, Weight: 2},
	})
	assert.True(t, pp.Terminal)
	assert.True(t, pp.Failed)
	assert.Equal(t, 50, pp.Percent)
}

func TestAggregateOrdersTasksByID(t *testing.T) {
	pp := Aggregate(1, []AggRow{
		{ID: 30, Status: types.StatusQueued, Weight: 1},
		{ID: 10, Status: types.StatusQueued, Weight: 1},
		{ID: 20, Status: types.StatusQueued, Weight: 1},
	})
	assert.Equal(t, int64(10), pp.Tasks[0].ID)
	assert.Equal(t, int64(20), pp.Tasks[1].ID)
	assert.Equal(t, int64(30), pp.Tasks[2].ID)
}

func TestValidateDraft(t *testing.T) {
	ok := &types.TaskDraft{Kind: "x", Weight: 1}
	assert.NoError(t, ValidateDraft(ok, 10))
	assert.ErrorIs(t, ValidateDraft(&types.TaskDraft{Weight: 1}, 10), ErrInvalid)
	assert.ErrorIs(t, ValidateDraft(&types.TaskDraft{Kind: "x", Weight: -1}, 10), ErrInvalid)
	assert.ErrorIs(t, ValidateDraft(&types.TaskDraft{Kind: "x", MaxRetries: -1}, 10), ErrInvalid)
	assert.ErrorIs(t,
		ValidateDraft(&types.TaskDraft{Kind: "x", Payload: []byte("0123456789AB")}, 10),
		ErrPayloadTooLarge)
}

func TestValidateBatch(t *testing.T) {
	assert.ErrorIs(t, ValidateBatch(&types.PipelineBatch{}, 10), ErrInvalid)

	good := &types.PipelineBatch{
		Tasks: []types.TaskDraft{{Kind: "a"}, {Kind: "b"}},
		Edges: [][2]int{{0, 1}},
	}
	assert.NoError(t, ValidateBatch(good, 10))

	for _, edges := range [][][2]int{
		{{0, 2}}, {{-1, 1}}, {{2, 0}}, {{1, 1}},
	} {
		bad := &types.PipelineBatch{
			Tasks: []types.TaskDraft{{Kind: "a"}, {Kind: "b"}},
			Edges: edges,
		}
		assert.ErrorIs(t, ValidateBatch(bad, 10), ErrInvalid)
	}
}

func TestUpstreamFailedError(t *testing.T) {
	assert.Equal(t, "upstream_failed:42", UpstreamFailedError(42))
}
