package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/deckwork/conveyor/internal/store"
	"github.com/deckwork/conveyor/internal/types"
)

const storageScopeName = "github.com/deckwork/conveyor/store"

// InstrumentedStorage wraps store.Storage with OTel tracing and metrics.
// Every method gets a span and is counted in conveyor.store.* metrics.
// Use WrapStorage to create one; it returns the original store unchanged when
// telemetry is disabled.
type InstrumentedStorage struct {
	inner  store.Storage
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
	claims metric.Int64Counter
}

// WrapStorage returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStorage(s store.Storage) store.Storage {
	if !Enabled() {
		return s
	}
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("conveyor.store.operations",
		metric.WithDescription("Total store operations executed"),
	)
	dur, _ := m.Float64Histogram("conveyor.store.operation.duration",
		metric.WithDescription("Store operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("conveyor.store.errors",
		metric.WithDescription("Total store operation errors"),
	)
	claims, _ := m.Int64Counter("conveyor.scheduler.claims",
		metric.WithDescription("ClaimNext outcomes by result (claimed, idle)"),
	)
	return &InstrumentedStorage{
		inner:  s,
		tracer: Tracer(storageScopeName),
		ops:    ops,
		dur:    dur,
		errs:   errs,
		claims: claims,
	}
}

// op starts a span and records a metric for the named store operation.
func (s *InstrumentedStorage) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "store."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error. The sentinel
// "errors" of normal scheduling (idle queue, stale lease) are not counted as
// store errors; they are expected outcomes.
func (s *InstrumentedStorage) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil && !errors.Is(err, store.ErrNoTask) && !errors.Is(err, store.ErrStaleLease) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

// ── Submission ──────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) SubmitTask(ctx context.Context, draft *types.TaskDraft) (int64, error) {
	attrs := []attribute.KeyValue{attribute.String("conveyor.kind", draft.Kind)}
	ctx, span, t := s.op(ctx, "SubmitTask", attrs...)
	id, err := s.inner.SubmitTask(ctx, draft)
	s.done(ctx, span, t, err, attrs...)
	return id, err
}

func (s *InstrumentedStorage) SubmitPipeline(ctx context.Context, batch *types.PipelineBatch) (*types.SubmitReceipt, error) {
	attrs := []attribute.KeyValue{
		attribute.Int("conveyor.task.count", len(batch.Tasks)),
		attribute.Int("conveyor.edge.count", len(batch.Edges)),
	}
	ctx, span, t := s.op(ctx, "SubmitPipeline", attrs...)
	rcpt, err := s.inner.SubmitPipeline(ctx, batch)
	if err == nil {
		span.SetAttributes(attribute.Int64("conveyor.pipeline.id", rcpt.PipelineID))
	}
	s.done(ctx, span, t, err, attrs...)
	return rcpt, err
}

// ── Lease engine ────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) ClaimNext(ctx context.Context, workerID string, capabilities []string, leaseFor time.Duration) (*types.Task, error) {
	attrs := []attribute.KeyValue{attribute.String("conveyor.worker.id", workerID)}
	ctx, span, t := s.op(ctx, "ClaimNext", attrs...)
	task, err := s.inner.ClaimNext(ctx, workerID, capabilities, leaseFor)
	switch {
	case err == nil:
		span.SetAttributes(
			attribute.Int64("conveyor.task.id", task.ID),
			attribute.String("conveyor.kind", task.Kind),
		)
		s.claims.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "claimed")))
	case errors.Is(err, store.ErrNoTask):
		s.claims.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "idle")))
	}
	s.done(ctx, span, t, err, attrs...)
	return task, err
}

func (s *InstrumentedStorage) ExtendLease(ctx context.Context, taskID int64, workerID string, epoch int64, extendBy time.Duration) error {
	attrs := []attribute.KeyValue{
		attribute.Int64("conveyor.task.id", taskID),
		attribute.String("conveyor.worker.id", workerID),
	}
	ctx, span, t := s.op(ctx, "ExtendLease", attrs...)
	err := s.inner.ExtendLease(ctx, taskID, workerID, epoch, extendBy)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) Complete(ctx context.Context, taskID int64, workerID string, epoch int64, result []byte) error {
	attrs := []attribute.KeyValue{
		attribute.Int64("conveyor.task.id", taskID),
		attribute.String("conveyor.worker.id", workerID),
	}
	ctx, span, t := s.op(ctx, "Complete", attrs...)
	err := s.inner.Complete(ctx, taskID, workerID, epoch, result)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) Fail(ctx context.Context, taskID int64, workerID string, epoch int64, msg string, class types.FailureClass) (bool, error) {
	attrs := []attribute.KeyValue{
		attribute.Int64("conveyor.task.id", taskID),
		attribute.String("conveyor.worker.id", workerID),
		attribute.String("conveyor.failure.class", string(class)),
	}
	ctx, span, t := s.op(ctx, "Fail", attrs...)
	retried, err := s.inner.Fail(ctx, taskID, workerID, epoch, msg, class)
	if err == nil {
		span.SetAttributes(attribute.Bool("conveyor.retried", retried))
	}
	s.done(ctx, span, t, err, attrs...)
	return retried, err
}

func (s *InstrumentedStorage) Cancel(ctx context.Context, taskID int64) error {
	attrs := []attribute.KeyValue{attribute.Int64("conveyor.task.id", taskID)}
	ctx, span, t := s.op(ctx, "Cancel", attrs...)
	err := s.inner.Cancel(ctx, taskID)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) CancelPipeline(ctx context.Context, pipelineID int64) (int, error) {
	attrs := []attribute.KeyValue{attribute.Int64("conveyor.pipeline.id", pipelineID)}
	ctx, span, t := s.op(ctx, "CancelPipeline", attrs...)
	n, err := s.inner.CancelPipeline(ctx, pipelineID)
	s.done(ctx, span, t, err, attrs...)
	return n, err
}

func (s *InstrumentedStorage) ForceRetry(ctx context.Context, taskID int64) error {
	attrs := []attribute.KeyValue{attribute.Int64("conveyor.task.id", taskID)}
	ctx, span, t := s.op(ctx, "ForceRetry", attrs...)
	err := s.inner.ForceRetry(ctx, taskID)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) TasksLeasedBy(ctx context.Context, workerID string) ([]*types.Task, error) {
	attrs := []attribute.KeyValue{attribute.String("conveyor.worker.id", workerID)}
	ctx, span, t := s.op(ctx, "TasksLeasedBy", attrs...)
	tasks, err := s.inner.TasksLeasedBy(ctx, workerID)
	if err == nil {
		span.SetAttributes(attribute.Int("conveyor.result.count", len(tasks)))
	}
	s.done(ctx, span, t, err, attrs...)
	return tasks, err
}

// ── Worker lifecycle ────────────────────────────────────────────────────────

func (s *InstrumentedStorage) RegisterWorker(ctx context.Context, w *types.WorkerInfo) error {
	attrs := []attribute.KeyValue{attribute.String("conveyor.worker.id", w.ID)}
	ctx, span, t := s.op(ctx, "RegisterWorker", attrs...)
	err := s.inner.RegisterWorker(ctx, w)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) Heartbeat(ctx context.Context, workerID string) (types.WorkerStatus, error) {
	attrs := []attribute.KeyValue{attribute.String("conveyor.worker.id", workerID)}
	ctx, span, t := s.op(ctx, "Heartbeat", attrs...)
	status, err := s.inner.Heartbeat(ctx, workerID)
	s.done(ctx, span, t, err, attrs...)
	return status, err
}

func (s *InstrumentedStorage) SetWorkerStatus(ctx context.Context, workerID string, status types.WorkerStatus) error {
	attrs := []attribute.KeyValue{
		attribute.String("conveyor.worker.id", workerID),
		attribute.String("conveyor.worker.status", string(status)),
	}
	ctx, span, t := s.op(ctx, "SetWorkerStatus", attrs...)
	err := s.inner.SetWorkerStatus(ctx, workerID, status)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) ListWorkers(ctx context.Context) ([]*types.WorkerInfo, error) {
	ctx, span, t := s.op(ctx, "ListWorkers")
	workers, err := s.inner.ListWorkers(ctx)
	s.done(ctx, span, t, err)
	return workers, err
}

func (s *InstrumentedStorage) ExpireOwnLeases(ctx context.Context, workerID string) (int, error) {
	attrs := []attribute.KeyValue{attribute.String("conveyor.worker.id", workerID)}
	ctx, span, t := s.op(ctx, "ExpireOwnLeases", attrs...)
	n, err := s.inner.ExpireOwnLeases(ctx, workerID)
	s.done(ctx, span, t, err, attrs...)
	return n, err
}

// ── Recovery ────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) ReclaimExpiredLeases(ctx context.Context, requeueDelay time.Duration) (int, error) {
	ctx, span, t := s.op(ctx, "ReclaimExpiredLeases")
	n, err := s.inner.ReclaimExpiredLeases(ctx, requeueDelay)
	if err == nil {
		span.SetAttributes(attribute.Int("conveyor.reclaimed.count", n))
	}
	s.done(ctx, span, t, err)
	return n, err
}

func (s *InstrumentedStorage) MarkDeadWorkers(ctx context.Context, deathThreshold time.Duration) ([]string, error) {
	ctx, span, t := s.op(ctx, "MarkDeadWorkers")
	dead, err := s.inner.MarkDeadWorkers(ctx, deathThreshold)
	if err == nil {
		span.SetAttributes(attribute.Int("conveyor.dead.count", len(dead)))
	}
	s.done(ctx, span, t, err)
	return dead, err
}

func (s *InstrumentedStorage) NudgeStaleRetries(ctx context.Context, olderThan time.Duration) (int, error) {
	ctx, span, t := s.op(ctx, "NudgeStaleRetries")
	n, err := s.inner.NudgeStaleRetries(ctx, olderThan)
	s.done(ctx, span, t, err)
	return n, err
}

// ── Progress and queries ────────────────────────────────────────────────────

func (s *InstrumentedStorage) UpdateProgress(ctx context.Context, taskID int64, percent int, step string) error {
	attrs := []attribute.KeyValue{attribute.Int64("conveyor.task.id", taskID)}
	ctx, span, t := s.op(ctx, "UpdateProgress", attrs...)
	err := s.inner.UpdateProgress(ctx, taskID, percent, step)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) GetTask(ctx context.Context, taskID int64) (*types.Task, error) {
	attrs := []attribute.KeyValue{attribute.Int64("conveyor.task.id", taskID)}
	ctx, span, t := s.op(ctx, "GetTask", attrs...)
	task, err := s.inner.GetTask(ctx, taskID)
	s.done(ctx, span, t, err, attrs...)
	return task, err
}

func (s *InstrumentedStorage) PipelineTasks(ctx context.Context, pipelineID int64) ([]*types.Task, error) {
	attrs := []attribute.KeyValue{attribute.Int64("conveyor.pipeline.id", pipelineID)}
	ctx, span, t := s.op(ctx, "PipelineTasks", attrs...)
	tasks, err := s.inner.PipelineTasks(ctx, pipelineID)
	s.done(ctx, span, t, err, attrs...)
	return tasks, err
}

func (s *InstrumentedStorage) PipelineProgress(ctx context.Context, pipelineID int64) (*types.PipelineProgress, error) {
	attrs := []attribute.KeyValue{attribute.Int64("conveyor.pipeline.id", pipelineID)}
	ctx, span, t := s.op(ctx, "PipelineProgress", attrs...)
	pp, err := s.inner.PipelineProgress(ctx, pipelineID)
	s.done(ctx, span, t, err, attrs...)
	return pp, err
}

func (s *InstrumentedStorage) QueueStats(ctx context.Context) (*types.QueueStats, error) {
	ctx, span, t := s.op(ctx, "QueueStats")
	stats, err := s.inner.QueueStats(ctx)
	s.done(ctx, span, t, err)
	return stats, err
}

func (s *InstrumentedStorage) OldestQueued(ctx context.Context, limit int) ([]*types.Task, error) {
	attrs := []attribute.KeyValue{attribute.Int("conveyor.limit", limit)}
	ctx, span, t := s.op(ctx, "OldestQueued", attrs...)
	tasks, err := s.inner.OldestQueued(ctx, limit)
	s.done(ctx, span, t, err, attrs...)
	return tasks, err
}

func (s *InstrumentedStorage) Close() error {
	return s.inner.Close()
}

var _ store.Storage = (*InstrumentedStorage)(nil)
