// Package store defines the queue-store contract shared by the PostgreSQL
// and in-memory implementations.
//
// The concrete implementations live in the postgres and memory sub-packages.
// Every state transition a task or worker row can make is a method here;
// nothing else in the repository writes to the underlying tables. That keeps
// the scheduling invariants (single lease, terminal stability, retry bound)
// enforced in exactly one place.
package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/deckwork/conveyor/internal/types"
)

// ErrNotFound is returned when a requested task, pipeline, or worker does not exist.
var ErrNotFound = errors.New("not found")

// ErrNoTask is returned by ClaimNext when no runnable task matches the
// caller's capabilities. It is the normal idle signal, not a failure.
var ErrNoTask = errors.New("no runnable task")

// ErrStaleLease is returned when a lease operation presents a (worker, epoch)
// pair that no longer owns the task. The caller must abandon the task; its
// lease was reclaimed and another worker may already be executing it.
var ErrStaleLease = errors.New("stale lease")

// ErrConflict is returned when an operation is valid for some task state but
// not the current one: cancelling a terminal task, force-retrying a task that
// has not failed.
var ErrConflict = errors.New("conflicting task state")

// ErrPayloadTooLarge is returned at submission when a task payload exceeds
// the configured bound.
var ErrPayloadTooLarge = errors.New("payload too large")

// ErrInvalid is returned for malformed submissions: empty kind, negative
// weight, dependency edges out of range.
var ErrInvalid = errors.New("invalid argument")

// Storage is the queue store. Implementations must make every method a single
// atomic unit: one transaction for SQL stores, one critical section for the
// in-memory store.
type Storage interface {
	// Submission. Both calls are atomic: a rejected batch writes nothing.
	SubmitTask(ctx context.Context, draft *types.TaskDraft) (int64, error)
	SubmitPipeline(ctx context.Context, batch *types.PipelineBatch) (*types.SubmitReceipt, error)

	// Lease engine.
	//
	// ClaimNext hands out the highest-priority runnable task whose kind is in
	// capabilities, under an exclusive lease of duration leaseFor. Runnable
	// means queued, past its next-earliest-start, with every upstream
	// dependency completed. Ordering is priority DESC, created_at ASC, id ASC.
	// Returns ErrNoTask when nothing is runnable.
	ClaimNext(ctx context.Context, workerID string, capabilities []string, leaseFor time.Duration) (*types.Task, error)

	// ExtendLease pushes the lease expiry to now+extendBy. Fails with
	// ErrStaleLease unless the task is still processing under (workerID, epoch).
	ExtendLease(ctx context.Context, taskID int64, workerID string, epoch int64, extendBy time.Duration) error

	// Complete settles a task as completed, recording the handler result.
	// Gated by the same staleness check as ExtendLease.
	Complete(ctx context.Context, taskID int64, workerID string, epoch int64, result []byte) error

	// Fail settles a handler failure. Transient failures under the retry
	// budget re-queue with backoff and return retried=true; everything else
	// goes terminal failed and cascade-cancels downstream tasks.
	Fail(ctx context.Context, taskID int64, workerID string, epoch int64, msg string, class types.FailureClass) (retried bool, err error)

	// Cancel transitions any non-terminal task to cancelled and cascade-cancels
	// its downstream tasks. The current lease holder, if any, discovers the
	// cancellation as ErrStaleLease on its next extend or settle.
	Cancel(ctx context.Context, taskID int64) error

	// CancelPipeline cancels every non-terminal task of a pipeline and
	// returns how many tasks it transitioned.
	CancelPipeline(ctx context.Context, pipelineID int64) (int, error)

	// ForceRetry re-queues a failed or cancelled task without touching its
	// retry counter. Downstream tasks are left as they are.
	ForceRetry(ctx context.Context, taskID int64) error

	// TasksLeasedBy lists tasks currently leased by a worker. Used by
	// graceful shutdown and the drain admin command.
	TasksLeasedBy(ctx context.Context, workerID string) ([]*types.Task, error)

	// Worker lifecycle.
	RegisterWorker(ctx context.Context, w *types.WorkerInfo) error

	// Heartbeat refreshes the worker's liveness timestamp and reports its
	// current lifecycle status, so an operator-initiated drain reaches the
	// running process on its next beat. A worker already marked dead gets
	// ErrConflict and must stop.
	Heartbeat(ctx context.Context, workerID string) (types.WorkerStatus, error)
	SetWorkerStatus(ctx context.Context, workerID string, status types.WorkerStatus) error
	ListWorkers(ctx context.Context) ([]*types.WorkerInfo, error)

	// ExpireOwnLeases force-expires every lease held by workerID so the
	// recovery pass reclaims them. Called by a worker at startup to disown
	// leases left over from a previous crash of the same identity.
	ExpireOwnLeases(ctx context.Context, workerID string) (int, error)

	// Recovery passes. Both are idempotent and safe to run from multiple
	// replicas concurrently.
	//
	// ReclaimExpiredLeases re-queues processing tasks whose lease has lapsed.
	// The retry counter is not incremented: a lost worker is not a handler
	// failure.
	ReclaimExpiredLeases(ctx context.Context, requeueDelay time.Duration) (int, error)

	// MarkDeadWorkers flags workers that have not heartbeaten within
	// deathThreshold as dead, force-expires their leases, and returns the ids
	// it transitioned.
	MarkDeadWorkers(ctx context.Context, deathThreshold time.Duration) ([]string, error)

	// NudgeStaleRetries moves the next-earliest-start of long-overdue queued
	// tasks up to now. Purely advisory; dispatch would pick them up anyway.
	NudgeStaleRetries(ctx context.Context, olderThan time.Duration) (int, error)

	// Progress and queries.
	UpdateProgress(ctx context.Context, taskID int64, percent int, step string) error
	GetTask(ctx context.Context, taskID int64) (*types.Task, error)
	PipelineTasks(ctx context.Context, pipelineID int64) ([]*types.Task, error)
	PipelineProgress(ctx context.Context, pipelineID int64) (*types.PipelineProgress, error)
	QueueStats(ctx context.Context) (*types.QueueStats, error)
	OldestQueued(ctx context.Context, limit int) ([]*types.Task, error)

	Close() error
}

// ValidateDraft checks a submission draft against the shared rules: kind is
// required, weight and retry budget are non-negative, payload fits the bound.
func ValidateDraft(d *types.TaskDraft, payloadMax int) error {
	if d.Kind == "" {
		return ErrInvalid
	}
	if d.Weight < 0 || d.MaxRetries < 0 {
		return ErrInvalid
	}
	if len(d.Payload) > payloadMax {
		return ErrPayloadTooLarge
	}
	return nil
}

// ValidateBatch checks a pipeline batch: at least one task, every draft
// valid, every edge in range with distinct endpoints.
func ValidateBatch(b *types.PipelineBatch, payloadMax int) error {
	if len(b.Tasks) == 0 {
		return ErrInvalid
	}
	for i := range b.Tasks {
		if err := ValidateDraft(&b.Tasks[i], payloadMax); err != nil {
			return err
		}
	}
	for _, e := range b.Edges {
		if e[0] < 0 || e[0] >= len(b.Tasks) || e[1] < 0 || e[1] >= len(b.Tasks) || e[0] == e[1] {
			return ErrInvalid
		}
	}
	return nil
}

// UpstreamFailedError formats the cancellation reason recorded on tasks whose
// upstream went terminal failed or cancelled.
func UpstreamFailedError(upstreamID int64) string {
	return "upstream_failed:" + strconv.FormatInt(upstreamID, 10)
}
