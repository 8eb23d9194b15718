package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/deckwork/conveyor/internal/store"
	"github.com/deckwork/conveyor/internal/types"
)

// UpdateProgress upserts the advisory progress row for a task, clamped to
// 0–100. Progress lives in its own table so updates never rewrite the task
// payload.
func (s *Store) UpdateProgress(ctx context.Context, taskID int64, percent int, step string) error {
	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO progress (task_id, percent, step, updated_at)
			SELECT id, $2, $3, now() FROM tasks WHERE id = $1
			ON CONFLICT (task_id) DO UPDATE SET
				percent = EXCLUDED.percent,
				step = EXCLUDED.step,
				updated_at = now()`,
			taskID, percent, step)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

// PipelineProgress computes the weighted rollup of a pipeline on demand.
func (s *Store) PipelineProgress(ctx context.Context, pipelineID int64) (*types.PipelineProgress, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.id, t.kind, t.status, t.weight, p.percent
		FROM tasks t LEFT JOIN progress p ON p.task_id = t.id
		WHERE t.pipeline_id = $1
		ORDER BY t.id`, pipelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agg []store.AggRow
	for rows.Next() {
		var r store.AggRow
		if err := rows.Scan(&r.ID, &r.Kind, &r.Status, &r.Weight, &r.Advisory); err != nil {
			return nil, err
		}
		agg = append(agg, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	pp := store.Aggregate(pipelineID, agg)
	if pp == nil {
		return nil, store.ErrNotFound
	}
	return pp, nil
}

// QueueStats summarizes queue depth, per-kind depth, in-flight counts, and
// the age of the oldest queued task.
func (s *Store) QueueStats(ctx context.Context) (*types.QueueStats, error) {
	stats := &types.QueueStats{
		ByStatus:         make(map[types.TaskStatus]int),
		QueuedByKind:     make(map[string]int),
		InFlightByWorker: make(map[string]int),
	}

	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var st types.TaskStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ByStatus[st] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx,
		`SELECT kind, count(*) FROM tasks WHERE status = 'queued' GROUP BY kind`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.QueuedByKind[kind] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx, `
		SELECT leased_by, count(*) FROM tasks
		WHERE status = 'processing' AND leased_by IS NOT NULL
		GROUP BY leased_by`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var worker string
		var n int
		if err := rows.Scan(&worker, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.InFlightByWorker[worker] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var oldest *time.Time
	if err := s.pool.QueryRow(ctx,
		`SELECT min(created_at) FROM tasks WHERE status = 'queued'`).Scan(&oldest); err != nil {
		return nil, err
	}
	if oldest != nil {
		stats.OldestQueuedAge = time.Since(*oldest)
	}
	return stats, nil
}
