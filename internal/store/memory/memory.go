// Package memory provides an in-process implementation of store.Storage.
//
// It backs the test suites and the "memory:" DSN for local experiments. Every
// method takes the store mutex for its whole duration, which gives the same
// atomicity the PostgreSQL implementation gets from transactions.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/deckwork/conveyor/internal/backoff"
	"github.com/deckwork/conveyor/internal/store"
	"github.com/deckwork/conveyor/internal/types"
)

// Store is the in-memory queue store.
type Store struct {
	mu sync.Mutex

	now        func() time.Time
	policy     backoff.Policy
	payloadMax int

	nextTaskID     int64
	nextPipelineID int64

	tasks       map[int64]*types.Task
	upstreams   map[int64]map[int64]struct{} // downstream -> upstreams
	downstreams map[int64]map[int64]struct{} // upstream -> downstreams
	workers     map[string]*types.WorkerInfo
	progress    map[int64]*types.Progress
}

var _ store.Storage = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source. Tests use this to drive lease expiry
// and backoff without sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithBackoffPolicy overrides the retry-delay policy.
func WithBackoffPolicy(p backoff.Policy) Option {
	return func(s *Store) { s.policy = p }
}

// WithPayloadLimit overrides the maximum payload size in bytes.
func WithPayloadLimit(n int) Option {
	return func(s *Store) { s.payloadMax = n }
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		now:         time.Now,
		policy:      backoff.Default(),
		payloadMax:  1 << 20,
		tasks:       make(map[int64]*types.Task),
		upstreams:   make(map[int64]map[int64]struct{}),
		downstreams: make(map[int64]map[int64]struct{}),
		workers:     make(map[string]*types.WorkerInfo),
		progress:    make(map[int64]*types.Progress),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close releases nothing; it exists to satisfy store.Storage.
func (s *Store) Close() error { return nil }

func (s *Store) insertDraft(d *types.TaskDraft, pipelineID *int64) *types.Task {
	s.nextTaskID++
	now := s.now()
	t := &types.Task{
		ID:                s.nextTaskID,
		PipelineID:        pipelineID,
		Kind:              d.Kind,
		SubjectRef:        d.SubjectRef,
		Priority:          d.Priority,
		Status:            types.StatusQueued,
		MaxRetries:        d.MaxRetries,
		NextEarliestStart: now,
		Payload:           d.Payload,
		Weight:            d.Weight,
		CreatedAt:         now,
	}
	s.tasks[t.ID] = t
	return t
}

// SubmitTask inserts one standalone task.
func (s *Store) SubmitTask(ctx context.Context, draft *types.TaskDraft) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := store.ValidateDraft(draft, s.payloadMax); err != nil {
		return 0, err
	}
	t := s.insertDraft(draft, nil)
	return t.ID, nil
}

// SubmitPipeline inserts a batch of tasks and dependency edges atomically.
// Edge indices must be in range and must not form a cycle; the builder checks
// acyclicity, the store re-checks cheaply via indices only.
func (s *Store) SubmitPipeline(ctx context.Context, batch *types.PipelineBatch) (*types.SubmitReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := store.ValidateBatch(batch, s.payloadMax); err != nil {
		return nil, err
	}

	s.nextPipelineID++
	pid := s.nextPipelineID
	ids := make([]int64, len(batch.Tasks))
	for i := range batch.Tasks {
		p := pid
		ids[i] = s.insertDraft(&batch.Tasks[i], &p).ID
	}
	for _, e := range batch.Edges {
		up, down := ids[e[0]], ids[e[1]]
		if s.upstreams[down] == nil {
			s.upstreams[down] = make(map[int64]struct{})
		}
		if s.downstreams[up] == nil {
			s.downstreams[up] = make(map[int64]struct{})
		}
		s.upstreams[down][up] = struct{}{}
		s.downstreams[up][down] = struct{}{}
	}
	return &types.SubmitReceipt{PipelineID: pid, TaskIDs: ids}, nil
}

func (s *Store) runnable(t *types.Task, now time.Time) bool {
	if t.Status != types.StatusQueued || t.NextEarliestStart.After(now) {
		return false
	}
	for up := range s.upstreams[t.ID] {
		if s.tasks[up].Status != types.StatusCompleted {
			return false
		}
	}
	return true
}

// ClaimNext selects the best runnable task and leases it to workerID.
func (s *Store) ClaimNext(ctx context.Context, workerID string, capabilities []string, leaseFor time.Duration) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	caps := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		caps[c] = struct{}{}
	}

	now := s.now()
	var candidates []*types.Task
	for _, t := range s.tasks {
		if _, ok := caps[t.Kind]; !ok {
			continue
		}
		if s.runnable(t, now) {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil, store.ErrNoTask
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	t := candidates[0]
	expires := now.Add(leaseFor)
	t.Status = types.StatusProcessing
	t.LeasedBy = &workerID
	t.LeaseExpiresAt = &expires
	t.LeaseEpoch++
	if t.StartedAt == nil {
		started := now
		t.StartedAt = &started
	}
	return cloneTask(t), nil
}

// checkLease returns the task if it is processing under (workerID, epoch).
func (s *Store) checkLease(taskID int64, workerID string, epoch int64) (*types.Task, error) {
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if t.Status != types.StatusProcessing || t.LeasedBy == nil || *t.LeasedBy != workerID || t.LeaseEpoch != epoch {
		return nil, store.ErrStaleLease
	}
	return t, nil
}

// ExtendLease pushes the lease expiry forward for a live lease.
func (s *Store) ExtendLease(ctx context.Context, taskID int64, workerID string, epoch int64, extendBy time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.checkLease(taskID, workerID, epoch)
	if err != nil {
		return err
	}
	expires := s.now().Add(extendBy)
	t.LeaseExpiresAt = &expires
	return nil
}

// Complete settles a task as completed.
func (s *Store) Complete(ctx context.Context, taskID int64, workerID string, epoch int64, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.checkLease(taskID, workerID, epoch)
	if err != nil {
		return err
	}
	now := s.now()
	t.Status = types.StatusCompleted
	t.Result = result
	t.Error = ""
	t.FinishedAt = &now
	t.LeasedBy = nil
	t.LeaseExpiresAt = nil
	return nil
}

// Fail settles a handler failure, re-queuing with backoff when the failure is
// transient and the retry budget allows.
func (s *Store) Fail(ctx context.Context, taskID int64, workerID string, epoch int64, msg string, class types.FailureClass) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.checkLease(taskID, workerID, epoch)
	if err != nil {
		return false, err
	}
	now := s.now()
	t.Error = msg
	t.LeasedBy = nil
	t.LeaseExpiresAt = nil

	if class == types.FailureTransient && t.Retries < t.MaxRetries {
		t.Retries++
		t.Status = types.StatusQueued
		t.NextEarliestStart = now.Add(s.policy.Delay(t.Retries))
		delete(s.progress, t.ID)
		return true, nil
	}

	t.Status = types.StatusFailed
	t.FinishedAt = &now
	s.cascadeCancel(t.ID, now)
	return false, nil
}

// cascadeCancel cancels every non-terminal transitive downstream of rootID.
// Caller holds the lock.
func (s *Store) cascadeCancel(rootID int64, now time.Time) {
	queue := []int64{rootID}
	seen := map[int64]struct{}{rootID: {}}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for down := range s.downstreams[id] {
			if _, ok := seen[down]; ok {
				continue
			}
			seen[down] = struct{}{}
			t := s.tasks[down]
			if !t.Status.Terminal() {
				finished := now
				t.Status = types.StatusCancelled
				t.Error = store.UpstreamFailedError(id)
				t.FinishedAt = &finished
				t.LeasedBy = nil
				t.LeaseExpiresAt = nil
			}
			queue = append(queue, down)
		}
	}
}

// Cancel transitions a non-terminal task to cancelled and cascades downstream.
func (s *Store) Cancel(ctx context.Context, taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	if t.Status.Terminal() {
		return store.ErrConflict
	}
	now := s.now()
	t.Status = types.StatusCancelled
	t.FinishedAt = &now
	t.LeasedBy = nil
	t.LeaseExpiresAt = nil
	s.cascadeCancel(taskID, now)
	return nil
}

// CancelPipeline cancels every non-terminal task of a pipeline.
func (s *Store) CancelPipeline(ctx context.Context, pipelineID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	found := false
	for _, t := range s.tasks {
		if t.PipelineID == nil || *t.PipelineID != pipelineID {
			continue
		}
		found = true
		if t.Status.Terminal() {
			continue
		}
		t.Status = types.StatusCancelled
		t.FinishedAt = &now
		t.LeasedBy = nil
		t.LeaseExpiresAt = nil
		n++
	}
	if !found {
		return 0, store.ErrNotFound
	}
	return n, nil
}

// ForceRetry re-queues a failed or cancelled task, preserving its retry count.
func (s *Store) ForceRetry(ctx context.Context, taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	if t.Status != types.StatusFailed && t.Status != types.StatusCancelled {
		return store.ErrConflict
	}
	t.Status = types.StatusQueued
	t.NextEarliestStart = s.now()
	t.Error = ""
	t.Result = nil
	t.FinishedAt = nil
	t.LeasedBy = nil
	t.LeaseExpiresAt = nil
	delete(s.progress, t.ID)
	return nil
}

// TasksLeasedBy lists the tasks currently leased by workerID.
func (s *Store) TasksLeasedBy(ctx context.Context, workerID string) ([]*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.Task
	for _, t := range s.tasks {
		if t.Status == types.StatusProcessing && t.LeasedBy != nil && *t.LeasedBy == workerID {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RegisterWorker upserts a worker registration and marks it active.
func (s *Store) RegisterWorker(ctx context.Context, w *types.WorkerInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	existing, ok := s.workers[w.ID]
	if !ok {
		cp := *w
		cp.Status = types.WorkerActive
		cp.LastHeartbeatAt = now
		cp.StartedAt = now
		cp.Capabilities = append([]string(nil), w.Capabilities...)
		s.workers[w.ID] = &cp
		return nil
	}
	existing.Capabilities = append([]string(nil), w.Capabilities...)
	existing.MaxConcurrent = w.MaxConcurrent
	existing.Status = types.WorkerActive
	existing.LastHeartbeatAt = now
	existing.StartedAt = now
	return nil
}

// Heartbeat refreshes a worker's liveness timestamp and reports its current
// status. A worker already marked dead gets ErrConflict: it must stop rather
// than risk duplicate execution.
func (s *Store) Heartbeat(ctx context.Context, workerID string) (types.WorkerStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok {
		return "", store.ErrNotFound
	}
	if w.Status == types.WorkerDead {
		return "", store.ErrConflict
	}
	w.LastHeartbeatAt = s.now()
	return w.Status, nil
}

// SetWorkerStatus transitions a worker's lifecycle state.
func (s *Store) SetWorkerStatus(ctx context.Context, workerID string, status types.WorkerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok {
		return store.ErrNotFound
	}
	w.Status = status
	return nil
}

// ListWorkers returns all worker registrations.
func (s *Store) ListWorkers(ctx context.Context) ([]*types.WorkerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.WorkerInfo, 0, len(s.workers))
	for _, w := range s.workers {
		cp := *w
		cp.Capabilities = append([]string(nil), w.Capabilities...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ExpireOwnLeases force-expires every lease held by workerID.
func (s *Store) ExpireOwnLeases(ctx context.Context, workerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, t := range s.tasks {
		if t.Status == types.StatusProcessing && t.LeasedBy != nil && *t.LeasedBy == workerID {
			expired := now.Add(-time.Nanosecond)
			t.LeaseExpiresAt = &expired
			n++
		}
	}
	return n, nil
}

// ReclaimExpiredLeases re-queues processing tasks whose lease has lapsed.
func (s *Store) ReclaimExpiredLeases(ctx context.Context, requeueDelay time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, t := range s.tasks {
		if t.Status != types.StatusProcessing || t.LeaseExpiresAt == nil || t.LeaseExpiresAt.After(now) {
			continue
		}
		t.Status = types.StatusQueued
		t.LeasedBy = nil
		t.LeaseExpiresAt = nil
		t.NextEarliestStart = now.Add(requeueDelay)
		delete(s.progress, t.ID)
		n++
	}
	return n, nil
}

// MarkDeadWorkers flags silent workers dead and expires their leases so the
// reclaim pass can pick them up in the same recovery cycle.
func (s *Store) MarkDeadWorkers(ctx context.Context, deathThreshold time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-deathThreshold)
	var dead []string
	for id, w := range s.workers {
		if w.Status == types.WorkerDead || w.LastHeartbeatAt.After(cutoff) {
			continue
		}
		w.Status = types.WorkerDead
		dead = append(dead, id)
		for _, t := range s.tasks {
			if t.Status == types.StatusProcessing && t.LeasedBy != nil && *t.LeasedBy == id {
				expired := now.Add(-time.Nanosecond)
				t.LeaseExpiresAt = &expired
			}
		}
	}
	sort.Strings(dead)
	return dead, nil
}

// NudgeStaleRetries resets the start window of queued tasks whose
// next-earliest-start lapsed more than olderThan ago.
func (s *Store) NudgeStaleRetries(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-olderThan)
	n := 0
	for _, t := range s.tasks {
		if t.Status == types.StatusQueued && t.NextEarliestStart.Before(cutoff) {
			t.NextEarliestStart = now
			n++
		}
	}
	return n, nil
}

// UpdateProgress records advisory progress for a task, clamped to 0–100.
func (s *Store) UpdateProgress(ctx context.Context, taskID int64, percent int, step string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[taskID]; !ok {
		return store.ErrNotFound
	}
	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}
	s.progress[taskID] = &types.Progress{
		TaskID:    taskID,
		Percent:   percent,
		Step:      step,
		UpdatedAt: s.now(),
	}
	return nil
}

// GetTask returns a copy of one task.
func (s *Store) GetTask(ctx context.Context, taskID int64) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTask(t), nil
}

// PipelineTasks lists a pipeline's tasks ordered by id.
func (s *Store) PipelineTasks(ctx context.Context, pipelineID int64) ([]*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.Task
	for _, t := range s.tasks {
		if t.PipelineID != nil && *t.PipelineID == pipelineID {
			out = append(out, cloneTask(t))
		}
	}
	if len(out) == 0 {
		return nil, store.ErrNotFound
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PipelineProgress computes the weighted progress rollup of a pipeline.
func (s *Store) PipelineProgress(ctx context.Context, pipelineID int64) (*types.PipelineProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []store.AggRow
	for _, t := range s.tasks {
		if t.PipelineID == nil || *t.PipelineID != pipelineID {
			continue
		}
		row := store.AggRow{ID: t.ID, Kind: t.Kind, Status: t.Status, Weight: t.Weight}
		if p, ok := s.progress[t.ID]; ok {
			pct := p.Percent
			row.Advisory = &pct
		}
		rows = append(rows, row)
	}
	pp := store.Aggregate(pipelineID, rows)
	if pp == nil {
		return nil, store.ErrNotFound
	}
	return pp, nil
}

// QueueStats summarizes queue depth, per-kind depth, in-flight counts, and
// the age of the oldest queued task.
func (s *Store) QueueStats(ctx context.Context) (*types.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stats := &types.QueueStats{
		ByStatus:         make(map[types.TaskStatus]int),
		QueuedByKind:     make(map[string]int),
		InFlightByWorker: make(map[string]int),
	}
	var oldest *time.Time
	for _, t := range s.tasks {
		stats.ByStatus[t.Status]++
		switch t.Status {
		case types.StatusQueued:
			stats.QueuedByKind[t.Kind]++
			if oldest == nil || t.CreatedAt.Before(*oldest) {
				created := t.CreatedAt
				oldest = &created
			}
		case types.StatusProcessing:
			if t.LeasedBy != nil {
				stats.InFlightByWorker[*t.LeasedBy]++
			}
		}
	}
	if oldest != nil {
		stats.OldestQueuedAge = now.Sub(*oldest)
	}
	return stats, nil
}

// OldestQueued returns up to limit queued tasks, oldest first.
func (s *Store) OldestQueued(ctx context.Context, limit int) ([]*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.Task
	for _, t := range s.tasks {
		if t.Status == types.StatusQueued {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneTask(t *types.Task) *types.Task {
	cp := *t
	if t.PipelineID != nil {
		v := *t.PipelineID
		cp.PipelineID = &v
	}
	if t.LeasedBy != nil {
		v := *t.LeasedBy
		cp.LeasedBy = &v
	}
	if t.LeaseExpiresAt != nil {
		v := *t.LeaseExpiresAt
		cp.LeaseExpiresAt = &v
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		cp.StartedAt = &v
	}
	if t.FinishedAt != nil {
		v := *t.FinishedAt
		cp.FinishedAt = &v
	}
	cp.Payload = append([]byte(nil), t.Payload...)
	cp.Result = append([]byte(nil), t.Result...)
	return &cp
}
