package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/deckwork/conveyor/internal/store"
	"github.com/deckwork/conveyor/internal/types"
)

// qualify prefixes every column in a comma-separated list with a table name,
// for RETURNING clauses where a CTE makes bare names ambiguous.
func qualify(table, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = table + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

var claimSQL = `
	WITH next AS (
		SELECT t.id FROM tasks t
		WHERE t.status = 'queued'
		  AND t.kind = ANY($2::text[])
		  AND t.next_earliest_start <= now()
		  AND NOT EXISTS (
			SELECT 1 FROM task_deps d
			JOIN tasks up ON up.id = d.upstream_id
			WHERE d.downstream_id = t.id AND up.status <> 'completed')
		ORDER BY t.priority DESC, t.created_at ASC, t.id ASC
		LIMIT 1
		FOR UPDATE OF t SKIP LOCKED
	)
	UPDATE tasks SET
		status = 'processing',
		leased_by = $1,
		lease_expires_at = now() + make_interval(secs => $3),
		started_at = COALESCE(started_at, now()),
		lease_epoch = lease_epoch + 1
	FROM next
	WHERE tasks.id = next.id
	RETURNING ` + qualify("tasks", taskColumns)

// ClaimNext hands out the best runnable task under an exclusive lease.
// SKIP LOCKED keeps concurrent claimers from ever selecting the same row:
// the loser simply sees the next candidate, or no rows at all.
func (s *Store) ClaimNext(ctx context.Context, workerID string, capabilities []string, leaseFor time.Duration) (*types.Task, error) {
	var task *types.Task
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		t, err := scanTask(tx.QueryRow(ctx, claimSQL, workerID, capabilities, leaseFor.Seconds()))
		if err != nil {
			return err
		}
		task = t
		return nil
	})
	if noRows(err) {
		return nil, store.ErrNoTask
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// staleOrMissing distinguishes a settle miss: the task either does not exist
// or exists under a different lease.
func (s *Store) staleOrMissing(ctx context.Context, tx pgx.Tx, taskID int64) error {
	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, taskID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrStaleLease
}

// ExtendLease pushes the lease expiry to now+extendBy, gated on the
// (worker, epoch) pair still owning the row.
func (s *Store) ExtendLease(ctx context.Context, taskID int64, workerID string, epoch int64, extendBy time.Duration) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE tasks SET lease_expires_at = now() + make_interval(secs => $4)
			WHERE id = $1 AND status = 'processing' AND leased_by = $2 AND lease_epoch = $3`,
			taskID, workerID, epoch, extendBy.Seconds())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return s.staleOrMissing(ctx, tx, taskID)
		}
		return nil
	})
}

// Complete settles a task as completed under the staleness gate.
func (s *Store) Complete(ctx context.Context, taskID int64, workerID string, epoch int64, result []byte) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE tasks SET
				status = 'completed',
				result = $4,
				error = '',
				finished_at = now(),
				leased_by = NULL,
				lease_expires_at = NULL
			WHERE id = $1 AND status = 'processing' AND leased_by = $2 AND lease_epoch = $3`,
			taskID, workerID, epoch, result)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return s.staleOrMissing(ctx, tx, taskID)
		}
		return nil
	})
}

// cascadeCancelSQL cancels every non-terminal transitive downstream of $1,
// recording which direct upstream doomed each task. Runs in the same
// transaction as the terminal transition that triggered it.
const cascadeCancelSQL = `
	WITH RECURSIVE doomed (id, via) AS (
		SELECT downstream_id, upstream_id FROM task_deps WHERE upstream_id = $1
		UNION
		SELECT d.downstream_id, d.upstream_id
		FROM task_deps d JOIN doomed ON d.upstream_id = doomed.id
	)
	UPDATE tasks SET
		status = 'cancelled',
		error = 'upstream_failed:' || victims.via,
		finished_at = now(),
		leased_by = NULL,
		lease_expires_at = NULL
	FROM (SELECT id, min(via) AS via FROM doomed GROUP BY id) victims
	WHERE tasks.id = victims.id
	  AND tasks.status NOT IN ('completed', 'failed', 'cancelled')`

func cascadeCancel(ctx context.Context, tx pgx.Tx, upstreamID int64) error {
	_, err := tx.Exec(ctx, cascadeCancelSQL, upstreamID)
	return err
}

// Fail settles a handler failure. Transient failures under the retry budget
// re-queue with backoff; everything else goes terminal failed and cascades.
func (s *Store) Fail(ctx context.Context, taskID int64, workerID string, epoch int64, msg string, class types.FailureClass) (bool, error) {
	retried := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var retries, maxRetries int
		err := tx.QueryRow(ctx, `
			SELECT retries, max_retries FROM tasks
			WHERE id = $1 AND status = 'processing' AND leased_by = $2 AND lease_epoch = $3
			FOR UPDATE`,
			taskID, workerID, epoch).Scan(&retries, &maxRetries)
		if noRows(err) {
			return s.staleOrMissing(ctx, tx, taskID)
		}
		if err != nil {
			return err
		}

		if class == types.FailureTransient && retries < maxRetries {
			delay := s.policy.Delay(retries + 1)
			if _, err := tx.Exec(ctx, `
				UPDATE tasks SET
					status = 'queued',
					retries = retries + 1,
					error = $2,
					next_earliest_start = now() + make_interval(secs => $3),
					leased_by = NULL,
					lease_expires_at = NULL
				WHERE id = $1`,
				taskID, msg, delay.Seconds()); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `DELETE FROM progress WHERE task_id = $1`, taskID); err != nil {
				return err
			}
			retried = true
			return nil
		}

		if _, err := tx.Exec(ctx, `
			UPDATE tasks SET
				status = 'failed',
				error = $2,
				finished_at = now(),
				leased_by = NULL,
				lease_expires_at = NULL
			WHERE id = $1`,
			taskID, msg); err != nil {
			return err
		}
		return cascadeCancel(ctx, tx, taskID)
	})
	return retried, err
}

// Cancel transitions any non-terminal task to cancelled and cascades.
func (s *Store) Cancel(ctx context.Context, taskID int64) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var status types.TaskStatus
		err := tx.QueryRow(ctx,
			`SELECT status FROM tasks WHERE id = $1 FOR UPDATE`, taskID).Scan(&status)
		if noRows(err) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		if status.Terminal() {
			return store.ErrConflict
		}
		if _, err := tx.Exec(ctx, `
			UPDATE tasks SET
				status = 'cancelled',
				finished_at = now(),
				leased_by = NULL,
				lease_expires_at = NULL
			WHERE id = $1`, taskID); err != nil {
			return err
		}
		return cascadeCancel(ctx, tx, taskID)
	})
}

// CancelPipeline cancels every non-terminal task of a pipeline.
func (s *Store) CancelPipeline(ctx context.Context, pipelineID int64) (int, error) {
	n := 0
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM tasks WHERE pipeline_id = $1)`, pipelineID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return store.ErrNotFound
		}
		tag, err := tx.Exec(ctx, `
			UPDATE tasks SET
				status = 'cancelled',
				finished_at = now(),
				leased_by = NULL,
				lease_expires_at = NULL
			WHERE pipeline_id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
			pipelineID)
		if err != nil {
			return err
		}
		n = int(tag.RowsAffected())
		return nil
	})
	return n, err
}

// ForceRetry re-queues a failed or cancelled task, preserving its retry count.
func (s *Store) ForceRetry(ctx context.Context, taskID int64) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE tasks SET
				status = 'queued',
				next_earliest_start = now(),
				error = '',
				result = NULL,
				finished_at = NULL,
				leased_by = NULL,
				lease_expires_at = NULL
			WHERE id = $1 AND status IN ('failed', 'cancelled')`, taskID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, taskID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return store.ErrNotFound
			}
			return store.ErrConflict
		}
		_, err = tx.Exec(ctx, `DELETE FROM progress WHERE task_id = $1`, taskID)
		return err
	})
}
