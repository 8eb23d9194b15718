// Package types defines core data structures for the conveyor scheduler.
package types

import (
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusQueued     TaskStatus = "queued"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// IsValid reports whether s is a known task status.
func (s TaskStatus) IsValid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status is permanent. A terminal task never
// transitions again; a retry re-queues before the task goes terminal, not after.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// FailureClass tells the lease engine whether a handler failure is worth
// retrying. Handlers pick the class; the scheduler never second-guesses it.
type FailureClass string

const (
	FailureTransient FailureClass = "transient"
	FailurePermanent FailureClass = "permanent"
)

// Task is the unit of scheduling.
//
// Lease fields (LeasedBy, LeaseExpiresAt) are nil unless the task is
// processing. LeaseEpoch counts how many times the task has ever been leased
// and is the staleness token for settle calls: a worker whose lease was
// reclaimed presents an old epoch and is rejected.
type Task struct {
	ID                int64      `json:"id"`
	PipelineID        *int64     `json:"pipeline_id,omitempty"`
	Kind              string     `json:"kind"`
	SubjectRef        string     `json:"subject_ref,omitempty"`
	Priority          int        `json:"priority"` // No omitempty: 0 is a valid priority
	Status            TaskStatus `json:"status"`
	Retries           int        `json:"retries"`
	MaxRetries        int        `json:"max_retries"`
	NextEarliestStart time.Time  `json:"next_earliest_start"`
	LeasedBy          *string    `json:"leased_by,omitempty"`
	LeaseExpiresAt    *time.Time `json:"lease_expires_at,omitempty"`
	LeaseEpoch        int64      `json:"lease_epoch"`
	Payload           []byte     `json:"payload,omitempty"`
	Result            []byte     `json:"result,omitempty"`
	Error             string     `json:"error,omitempty"`
	Weight            int        `json:"weight"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
}

// Leased reports whether the task currently holds a live lease.
func (t *Task) Leased(now time.Time) bool {
	return t.Status == StatusProcessing && t.LeasedBy != nil &&
		t.LeaseExpiresAt != nil && t.LeaseExpiresAt.After(now)
}

// TaskDraft is the submission form of a task. The store assigns identity,
// timestamps, and initial status.
type TaskDraft struct {
	Kind       string `json:"kind"`
	SubjectRef string `json:"subject_ref,omitempty"`
	Priority   int    `json:"priority"`
	MaxRetries int    `json:"max_retries"`
	Weight     int    `json:"weight"`
	Payload    []byte `json:"payload,omitempty"`
}

// PipelineBatch is an atomic pipeline submission: a slice of drafts plus
// dependency edges expressed as indices into Tasks (upstream, downstream).
// The builder validates acyclicity before a batch reaches the store.
type PipelineBatch struct {
	Tasks []TaskDraft
	Edges [][2]int
}

// SubmitReceipt reports the identities assigned by an atomic submission.
type SubmitReceipt struct {
	PipelineID int64   `json:"pipeline_id"`
	TaskIDs    []int64 `json:"task_ids"`
}

// WorkerStatus is the lifecycle state of a registered worker.
type WorkerStatus string

const (
	WorkerActive   WorkerStatus = "active"
	WorkerDraining WorkerStatus = "draining"
	WorkerDead     WorkerStatus = "dead"
)

// WorkerInfo is a worker's registration row.
type WorkerInfo struct {
	ID              string       `json:"id"`
	Capabilities    []string     `json:"capabilities"`
	MaxConcurrent   int          `json:"max_concurrent"`
	Status          WorkerStatus `json:"status"`
	LastHeartbeatAt time.Time    `json:"last_heartbeat_at"`
	StartedAt       time.Time    `json:"started_at"`
}

// Progress is the advisory per-task progress row. The scheduler never makes
// control decisions from it.
type Progress struct {
	TaskID    int64     `json:"task_id"`
	Percent   int       `json:"percent"`
	Step      string    `json:"step,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskProgress is one task's slice of a pipeline progress view.
type TaskProgress struct {
	ID      int64      `json:"id"`
	Kind    string     `json:"kind"`
	Status  TaskStatus `json:"status"`
	Percent int        `json:"percent"`
	Weight  int        `json:"weight"`
}

// PipelineProgress is the on-demand weighted rollup of a pipeline.
// Percent is Σ(weight·taskPercent)/Σweight rounded to the nearest integer.
// Terminal means every member task is terminal; Failed means at least one
// member ended failed or cancelled.
type PipelineProgress struct {
	PipelineID int64          `json:"pipeline_id"`
	Percent    int            `json:"percent"`
	Terminal   bool           `json:"terminal"`
	Failed     bool           `json:"failed"`
	Tasks      []TaskProgress `json:"per_task"`
}

// QueueStats is the operator-facing queue summary.
type QueueStats struct {
	ByStatus         map[TaskStatus]int `json:"by_status"`
	QueuedByKind     map[string]int     `json:"queued_by_kind"`
	InFlightByWorker map[string]int     `json:"in_flight_by_worker"`
	OldestQueuedAge  time.Duration      `json:"oldest_queued_age"`
}
