// Package worker runs the long-lived worker process: registration, heartbeat,
// dispatch, handler execution under a lease, and graceful drain.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/deckwork/conveyor/internal/log"
	"github.com/deckwork/conveyor/internal/store"
	"github.com/deckwork/conveyor/internal/types"
)

// settleTimeout bounds the database calls a finishing task makes after the
// runtime context is gone, so drain can still record results.
const settleTimeout = 30 * time.Second

// Config holds the worker runtime settings.
type Config struct {
	ID                string
	MaxConcurrent     int
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	DeathThreshold    time.Duration
	IdleSleepMin      time.Duration
	IdleSleepMax      time.Duration
	ShutdownTimeout   time.Duration
}

// DefaultID builds a worker identity from the hostname and a random suffix.
// The suffix keeps restarts distinct so a new process never inherits the
// lease rows of its crashed predecessor by accident.
func DefaultID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Runtime is one worker process.
type Runtime struct {
	store    store.Storage
	registry *Registry
	cfg      Config
	logger   zerolog.Logger

	wg    sync.WaitGroup // in-flight handler executions
	slots chan struct{}

	drainOnce sync.Once
	drainCh   chan struct{} // closed when a heartbeat observes draining status
	drainedCh chan struct{} // closed when dispatch has stopped and in-flight work is done
}

// New creates a worker runtime. Zero config fields get conservative defaults.
func New(s store.Storage, registry *Registry, cfg Config) *Runtime {
	if cfg.ID == "" {
		cfg.ID = DefaultID()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.DeathThreshold <= 0 {
		cfg.DeathThreshold = 3 * cfg.HeartbeatInterval
	}
	if cfg.IdleSleepMin <= 0 {
		cfg.IdleSleepMin = time.Second
	}
	if cfg.IdleSleepMax <= cfg.IdleSleepMin {
		cfg.IdleSleepMax = cfg.IdleSleepMin + 4*time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return &Runtime{
		store:     s,
		registry:  registry,
		cfg:       cfg,
		logger:    log.WithWorkerID(cfg.ID),
		slots:     make(chan struct{}, cfg.MaxConcurrent),
		drainCh:   make(chan struct{}),
		drainedCh: make(chan struct{}),
	}
}

// ID returns the worker's identity.
func (r *Runtime) ID() string { return r.cfg.ID }

// Run registers the worker and drives the heartbeat and dispatch loops until
// ctx is cancelled or an operator drains the worker, then drains. It returns
// nil on a clean drain and an error when the worker had to abort (lost
// registration, heartbeat starvation).
func (r *Runtime) Run(ctx context.Context) error {
	caps := r.registry.Capabilities()
	if len(caps) == 0 {
		return errors.New("worker has no registered handlers")
	}
	if err := r.store.RegisterWorker(ctx, &types.WorkerInfo{
		ID:            r.cfg.ID,
		Capabilities:  caps,
		MaxConcurrent: r.cfg.MaxConcurrent,
	}); err != nil {
		return fmt.Errorf("registering worker: %w", err)
	}

	// Disown anything a previous crash of this identity left leased. The
	// recovery service re-queues them; this process never resumes them.
	if n, err := r.store.ExpireOwnLeases(ctx, r.cfg.ID); err != nil {
		return fmt.Errorf("expiring stale leases: %w", err)
	} else if n > 0 {
		r.logger.Warn().Int("leases", n).Msg("disowned leases from previous run")
	}
	r.logger.Info().Strs("capabilities", caps).
		Int("max_concurrent", r.cfg.MaxConcurrent).Msg("worker started")

	// Handlers run under taskCtx, derived from ctx directly rather than the
	// errgroup context: an operator drain stops the loops without cutting
	// short the tasks already executing.
	taskCtx, taskCancel := context.WithCancel(ctx)
	defer taskCancel()

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.heartbeatLoop(runCtx) })
	g.Go(func() error {
		r.dispatchLoop(runCtx, taskCtx)
		return nil
	})
	err := g.Wait()
	if err != nil {
		// Aborting: the recovery service may already own this worker's
		// leases, so in-flight handlers must stop too.
		taskCancel()
	}

	r.drain()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// heartbeatLoop refreshes liveness every interval. When a beat reports the
// draining status it tells dispatch to stop claiming, then keeps beating
// until in-flight work is done so the recovery service never takes this
// worker for dead mid-drain. It aborts the runtime when the registration is
// gone or dead, or when heartbeats have failed for longer than the death
// threshold: past that point the recovery service may already have reclaimed
// this worker's leases, and claiming more work risks duplicate execution.
func (r *Runtime) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	lastSuccess := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.drainedCh:
			return nil
		case <-ticker.C:
		}
		hbCtx, cancel := context.WithTimeout(ctx, r.cfg.HeartbeatInterval)
		status, err := r.store.Heartbeat(hbCtx, r.cfg.ID)
		cancel()
		switch {
		case err == nil:
			lastSuccess = time.Now()
			if status == types.WorkerDraining {
				r.drainOnce.Do(func() {
					r.logger.Info().Msg("drain requested, refusing new claims")
					close(r.drainCh)
				})
			}
		case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
			r.logger.Error().Err(err).Msg("registration lost, aborting")
			return fmt.Errorf("worker registration lost: %w", err)
		default:
			r.logger.Warn().Err(err).Msg("heartbeat failed")
			if time.Since(lastSuccess) > r.cfg.DeathThreshold {
				return fmt.Errorf("no successful heartbeat for %s: %w",
					time.Since(lastSuccess).Round(time.Second), err)
			}
		}
	}
}

// dispatchLoop claims work while capacity is available, sleeping a jittered
// idle interval when the queue has nothing runnable. Once a drain is
// observed it claims nothing more, waits for in-flight handlers to finish,
// and signals the heartbeat loop to wind down.
func (r *Runtime) dispatchLoop(ctx, taskCtx context.Context) {
	caps := r.registry.Capabilities()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.drainCh:
			r.wg.Wait()
			close(r.drainedCh)
			return
		case r.slots <- struct{}{}:
		}

		task, err := r.store.ClaimNext(ctx, r.cfg.ID, caps, r.cfg.LeaseDuration)
		if err != nil {
			<-r.slots
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, store.ErrNoTask) {
				r.logger.Warn().Err(err).Msg("claim failed")
			}
			r.idleSleep(ctx)
			continue
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer func() { <-r.slots }()
			r.runTask(taskCtx, task)
		}()
	}
}

func (r *Runtime) idleSleep(ctx context.Context) {
	span := r.cfg.IdleSleepMax - r.cfg.IdleSleepMin
	d := r.cfg.IdleSleepMin + time.Duration(rand.Int63n(int64(span)))
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// runTask executes one claimed task under its lease: a keeper goroutine
// extends the lease while the handler runs, and the settle path is gated by
// the (worker, epoch) pair so a reclaimed task is abandoned silently.
func (r *Runtime) runTask(ctx context.Context, task *types.Task) {
	logger := r.logger.With().Int64("task_id", task.ID).Str("kind", task.Kind).Logger()
	logger.Info().Int64("epoch", task.LeaseEpoch).Msg("task claimed")

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	keeperDone := make(chan struct{})
	go func() {
		defer close(keeperDone)
		r.keepLease(taskCtx, cancel, task, logger)
	}()

	result, err := r.execute(taskCtx, task)
	cancel()
	<-keeperDone

	// A handler that bailed out because the process is draining gets no
	// settle at all: the lease expires and recovery re-queues the task
	// without charging its retry budget.
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		logger.Warn().Msg("handler cancelled by shutdown, releasing task to recovery")
		return
	}

	settleCtx, settleCancel := context.WithTimeout(context.Background(), settleTimeout)
	defer settleCancel()

	if err == nil {
		err = r.store.Complete(settleCtx, task.ID, r.cfg.ID, task.LeaseEpoch, result)
		switch {
		case err == nil:
			logger.Info().Msg("task completed")
		case errors.Is(err, store.ErrStaleLease):
			logger.Warn().Msg("lease stale at settle, result discarded")
		default:
			logger.Error().Err(err).Msg("completing task")
		}
		return
	}

	class := Classify(err)
	retried, failErr := r.store.Fail(settleCtx, task.ID, r.cfg.ID, task.LeaseEpoch, err.Error(), class)
	switch {
	case failErr == nil:
		logger.Warn().Err(err).Str("class", string(class)).
			Bool("retried", retried).Msg("task failed")
	case errors.Is(failErr, store.ErrStaleLease):
		logger.Warn().Msg("lease stale at settle, failure discarded")
	default:
		logger.Error().Err(failErr).Msg("settling failure")
	}
}

// keepLease extends the task's lease at half the lease interval. A stale
// extension cancels the handler: another worker owns the task now.
func (r *Runtime) keepLease(ctx context.Context, cancel context.CancelFunc, task *types.Task, logger zerolog.Logger) {
	interval := r.cfg.LeaseDuration / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := r.store.ExtendLease(ctx, task.ID, r.cfg.ID, task.LeaseEpoch, r.cfg.LeaseDuration)
		if err == nil {
			continue
		}
		if errors.Is(err, store.ErrStaleLease) || errors.Is(err, store.ErrNotFound) {
			logger.Warn().Msg("lease reclaimed, cancelling handler")
			cancel()
			return
		}
		if ctx.Err() != nil {
			return
		}
		logger.Warn().Err(err).Msg("lease extension failed")
	}
}

// execute runs the handler with panic containment. A panicking handler is a
// transient failure: the payload may succeed on a healthy retry.
func (r *Runtime) execute(ctx context.Context, task *types.Task) (result []byte, err error) {
	handler, ok := r.registry.Get(task.Kind)
	if !ok {
		return nil, Permanentf("no handler for kind %q", task.Kind)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return handler.Execute(ctx, task)
}

// drain marks the worker draining and waits for in-flight handlers up to the
// shutdown timeout. Tasks still running after that keep their leases and are
// reclaimed once they expire.
func (r *Runtime) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if err := r.store.SetWorkerStatus(ctx, r.cfg.ID, types.WorkerDraining); err != nil {
		r.logger.Warn().Err(err).Msg("marking draining")
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info().Msg("drained clean")
	case <-time.After(r.cfg.ShutdownTimeout):
		r.logger.Warn().Dur("timeout", r.cfg.ShutdownTimeout).
			Msg("shutdown timeout, abandoning in-flight tasks")
	}
}
