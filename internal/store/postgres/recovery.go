package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// ReclaimExpiredLeases re-queues processing tasks whose lease has lapsed.
// The retry counter is untouched: a lost worker is not a handler failure.
// SKIP LOCKED lets replicas of the recovery service run concurrently with
// workers and each other; each simply finds fewer rows.
func (s *Store) ReclaimExpiredLeases(ctx context.Context, requeueDelay time.Duration) (int, error) {
	n := 0
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			WITH expired AS (
				SELECT id FROM tasks
				WHERE status = 'processing' AND lease_expires_at <= now()
				FOR UPDATE SKIP LOCKED
			)
			UPDATE tasks SET
				status = 'queued',
				leased_by = NULL,
				lease_expires_at = NULL,
				next_earliest_start = now() + make_interval(secs => $1)
			FROM expired
			WHERE tasks.id = expired.id
			RETURNING tasks.id`,
			requeueDelay.Seconds())
		if err != nil {
			return err
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		n = len(ids)
		if n == 0 {
			return nil
		}
		// A reclaimed task restarts from zero progress.
		_, err = tx.Exec(ctx, `DELETE FROM progress WHERE task_id = ANY($1)`, ids)
		return err
	})
	return n, err
}

// MarkDeadWorkers flags silent workers dead and expires their leases in the
// same transaction, so the reclaim pass of the same cycle picks them up.
func (s *Store) MarkDeadWorkers(ctx context.Context, deathThreshold time.Duration) ([]string, error) {
	var dead []string
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE workers SET status = 'dead'
			WHERE status IN ('active', 'draining')
			  AND last_heartbeat_at < now() - make_interval(secs => $1)
			RETURNING id`,
			deathThreshold.Seconds())
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			dead = append(dead, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(dead) == 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `
			UPDATE tasks SET lease_expires_at = now()
			WHERE status = 'processing' AND leased_by = ANY($1)`, dead)
		return err
	})
	return dead, err
}

// NudgeStaleRetries resets the start window of queued tasks whose
// next-earliest-start lapsed more than olderThan ago. Advisory only.
func (s *Store) NudgeStaleRetries(ctx context.Context, olderThan time.Duration) (int, error) {
	n := 0
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE tasks SET next_earliest_start = now()
			WHERE status = 'queued'
			  AND next_earliest_start < now() - make_interval(secs => $1)`,
			olderThan.Seconds())
		if err != nil {
			return err
		}
		n = int(tag.RowsAffected())
		return nil
	})
	return n, err
}
