// Package recovery runs the periodic reclaim job: dead-worker detection,
// expired-lease requeue, and the stale-retry nudge. Any number of replicas
// can run concurrently; the store's row locking makes every pass idempotent.
package recovery

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/deckwork/conveyor/internal/log"
	"github.com/deckwork/conveyor/internal/store"
)

// Config holds the recovery service settings.
type Config struct {
	Interval       time.Duration // how often a cycle runs
	DeathThreshold time.Duration // heartbeat silence before a worker is dead
	RequeueDelay   time.Duration // next-earliest-start pushback on reclaimed tasks
	StaleAfter     time.Duration // queued tasks overdue by this much get nudged
}

// Service is the recovery job.
type Service struct {
	store  store.Storage
	cfg    Config
	logger zerolog.Logger
}

// New creates a recovery service. Zero config fields get defaults matching a
// 30-second heartbeat.
func New(s store.Storage, cfg Config) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.DeathThreshold <= 0 {
		cfg.DeathThreshold = 90 * time.Second
	}
	if cfg.RequeueDelay < 0 {
		cfg.RequeueDelay = 0
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Hour
	}
	return &Service{store: s, cfg: cfg, logger: log.WithComponent("recovery")}
}

// Run executes cycles every interval until ctx is cancelled. A failed cycle
// is logged and retried at the next tick; the service itself never dies on
// store errors.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info().
		Dur("interval", s.cfg.Interval).
		Dur("death_threshold", s.cfg.DeathThreshold).
		Msg("recovery service started")
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := s.Cycle(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("recovery cycle failed")
		}
	}
}

// Cycle runs one recovery pass: flag dead workers first so their freshly
// expired leases are caught by the reclaim in the same cycle, then nudge
// long-overdue retries.
func (s *Service) Cycle(ctx context.Context) error {
	dead, err := s.store.MarkDeadWorkers(ctx, s.cfg.DeathThreshold)
	if err != nil {
		return err
	}
	if len(dead) > 0 {
		s.logger.Warn().Strs("workers", dead).Msg("workers marked dead")
	}

	reclaimed, err := s.store.ReclaimExpiredLeases(ctx, s.cfg.RequeueDelay)
	if err != nil {
		return err
	}
	if reclaimed > 0 {
		s.logger.Info().Int("tasks", reclaimed).Msg("expired leases reclaimed")
	}

	nudged, err := s.store.NudgeStaleRetries(ctx, s.cfg.StaleAfter)
	if err != nil {
		return err
	}
	if nudged > 0 {
		s.logger.Info().Int("tasks", nudged).Msg("stale retries nudged")
	}
	return nil
}
