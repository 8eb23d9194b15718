package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/deckwork/conveyor/internal/store"
	"github.com/deckwork/conveyor/internal/types"
)

// RegisterWorker upserts a worker registration and marks it active. A worker
// restarting under the same identity overwrites its previous row.
func (s *Store) RegisterWorker(ctx context.Context, w *types.WorkerInfo) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO workers (id, capabilities, max_concurrent, status, last_heartbeat_at, started_at)
			VALUES ($1, $2, $3, 'active', now(), now())
			ON CONFLICT (id) DO UPDATE SET
				capabilities = EXCLUDED.capabilities,
				max_concurrent = EXCLUDED.max_concurrent,
				status = 'active',
				last_heartbeat_at = now(),
				started_at = now()`,
			w.ID, w.Capabilities, w.MaxConcurrent)
		return err
	})
}

// Heartbeat refreshes a worker's liveness timestamp and reports its current
// status, so a drain issued through the admin surface reaches the running
// process. A worker already marked dead gets ErrConflict: it must stop rather
// than risk duplicate execution.
func (s *Store) Heartbeat(ctx context.Context, workerID string) (types.WorkerStatus, error) {
	var status types.WorkerStatus
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE workers SET last_heartbeat_at = now()
			WHERE id = $1 AND status <> 'dead'
			RETURNING status`, workerID).Scan(&status)
		if noRows(err) {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM workers WHERE id = $1)`, workerID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return store.ErrNotFound
			}
			return store.ErrConflict
		}
		return err
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// SetWorkerStatus transitions a worker's lifecycle state.
func (s *Store) SetWorkerStatus(ctx context.Context, workerID string, status types.WorkerStatus) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE workers SET status = $2 WHERE id = $1`, workerID, status)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

// ListWorkers returns all worker registrations ordered by id.
func (s *Store) ListWorkers(ctx context.Context) ([]*types.WorkerInfo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, capabilities, max_concurrent, status, last_heartbeat_at, started_at
		FROM workers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.WorkerInfo
	for rows.Next() {
		var w types.WorkerInfo
		if err := rows.Scan(&w.ID, &w.Capabilities, &w.MaxConcurrent,
			&w.Status, &w.LastHeartbeatAt, &w.StartedAt); err != nil {
			return nil, err
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

// ExpireOwnLeases force-expires every lease held by workerID so the next
// reclaim pass re-queues them. Called at worker startup to disown leases
// left over from a previous crash under the same identity.
func (s *Store) ExpireOwnLeases(ctx context.Context, workerID string) (int, error) {
	n := 0
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE tasks SET lease_expires_at = now()
			WHERE status = 'processing' AND leased_by = $1`, workerID)
		if err != nil {
			return err
		}
		n = int(tag.RowsAffected())
		return nil
	})
	return n, err
}
