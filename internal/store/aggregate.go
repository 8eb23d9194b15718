package store

import (
	"sort"

	"github.com/deckwork/conveyor/internal/types"
)

// AggRow is one task's input to the pipeline-progress rollup. Advisory is
// the latest progress.percent row, nil when the task has never reported.
type AggRow struct {
	ID       int64
	Kind     string
	Status   types.TaskStatus
	Weight   int
	Advisory *int
}

// TaskPercent maps a task to its progress contribution: completed counts
// 100, processing counts the advisory percent clamped to 0–99, everything
// else counts 0. Failed and cancelled tasks surface through the Failed flag
// instead.
func TaskPercent(status types.TaskStatus, advisory *int) int {
	switch status {
	case types.StatusCompleted:
		return 100
	case types.StatusProcessing:
		if advisory == nil {
			return 0
		}
		pct := *advisory
		if pct > 99 {
			pct = 99
		}
		if pct < 0 {
			pct = 0
		}
		return pct
	default:
		return 0
	}
}

// Aggregate computes the weighted pipeline rollup:
// round(Σ weight·percent / Σ weight). Returns nil when rows is empty.
func Aggregate(pipelineID int64, rows []AggRow) *types.PipelineProgress {
	if len(rows) == 0 {
		return nil
	}
	pp := &types.PipelineProgress{PipelineID: pipelineID, Terminal: true}
	totalWeight := 0
	weighted := 0
	for _, r := range rows {
		pct := TaskPercent(r.Status, r.Advisory)
		pp.Tasks = append(pp.Tasks, types.TaskProgress{
			ID: r.ID, Kind: r.Kind, Status: r.Status, Percent: pct, Weight: r.Weight,
		})
		totalWeight += r.Weight
		weighted += r.Weight * pct
		if !r.Status.Terminal() {
			pp.Terminal = false
		}
		if r.Status == types.StatusFailed || r.Status == types.StatusCancelled {
			pp.Failed = true
		}
	}
	sort.Slice(pp.Tasks, func(i, j int) bool { return pp.Tasks[i].ID < pp.Tasks[j].ID })
	if totalWeight > 0 {
		pp.Percent = (weighted + totalWeight/2) / totalWeight
	}
	return pp
}
