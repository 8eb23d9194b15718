package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/deckwork/conveyor/internal/store"
	"github.com/deckwork/conveyor/internal/types"
)

const taskColumns = `id, pipeline_id, kind, subject_ref, priority, status,
	retries, max_retries, next_earliest_start, leased_by, lease_expires_at,
	lease_epoch, payload, result, error, weight, created_at, started_at, finished_at`

func scanTask(row pgx.Row) (*types.Task, error) {
	var t types.Task
	err := row.Scan(
		&t.ID, &t.PipelineID, &t.Kind, &t.SubjectRef, &t.Priority, &t.Status,
		&t.Retries, &t.MaxRetries, &t.NextEarliestStart, &t.LeasedBy,
		&t.LeaseExpiresAt, &t.LeaseEpoch, &t.Payload, &t.Result, &t.Error,
		&t.Weight, &t.CreatedAt, &t.StartedAt, &t.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]*types.Task, error) {
	defer rows.Close()
	var out []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const insertTaskSQL = `
	INSERT INTO tasks (pipeline_id, kind, subject_ref, priority, max_retries, weight, payload)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	RETURNING id`

// SubmitTask inserts one standalone task.
func (s *Store) SubmitTask(ctx context.Context, draft *types.TaskDraft) (int64, error) {
	if err := store.ValidateDraft(draft, s.payloadMax); err != nil {
		return 0, err
	}
	var id int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, insertTaskSQL,
			nil, draft.Kind, draft.SubjectRef, draft.Priority,
			draft.MaxRetries, draft.Weight, draft.Payload,
		).Scan(&id)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// SubmitPipeline inserts a batch of tasks and their dependency edges in one
// transaction. A rejected batch writes nothing.
func (s *Store) SubmitPipeline(ctx context.Context, batch *types.PipelineBatch) (*types.SubmitReceipt, error) {
	if err := store.ValidateBatch(batch, s.payloadMax); err != nil {
		return nil, err
	}
	rcpt := &types.SubmitReceipt{TaskIDs: make([]int64, len(batch.Tasks))}
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `SELECT nextval('pipeline_ids')`).Scan(&rcpt.PipelineID); err != nil {
			return err
		}
		for i := range batch.Tasks {
			d := &batch.Tasks[i]
			if err := tx.QueryRow(ctx, insertTaskSQL,
				rcpt.PipelineID, d.Kind, d.SubjectRef, d.Priority,
				d.MaxRetries, d.Weight, d.Payload,
			).Scan(&rcpt.TaskIDs[i]); err != nil {
				return err
			}
		}
		for _, e := range batch.Edges {
			if _, err := tx.Exec(ctx,
				`INSERT INTO task_deps (upstream_id, downstream_id) VALUES ($1, $2)`,
				rcpt.TaskIDs[e[0]], rcpt.TaskIDs[e[1]],
			); err != nil {
				if isUniqueViolation(err) {
					return store.ErrInvalid
				}
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rcpt, nil
}

// GetTask returns one task by id.
func (s *Store) GetTask(ctx context.Context, taskID int64) (*types.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID))
	if noRows(err) {
		return nil, store.ErrNotFound
	}
	return t, err
}

// PipelineTasks lists a pipeline's tasks ordered by id.
func (s *Store) PipelineTasks(ctx context.Context, pipelineID int64) ([]*types.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE pipeline_id = $1 ORDER BY id`, pipelineID)
	if err != nil {
		return nil, err
	}
	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, store.ErrNotFound
	}
	return tasks, nil
}

// TasksLeasedBy lists tasks currently leased by a worker.
func (s *Store) TasksLeasedBy(ctx context.Context, workerID string) ([]*types.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = 'processing' AND leased_by = $1 ORDER BY id`, workerID)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// OldestQueued returns up to limit queued tasks, oldest first.
func (s *Store) OldestQueued(ctx context.Context, limit int) ([]*types.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = 'queued' ORDER BY created_at ASC, id ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}
