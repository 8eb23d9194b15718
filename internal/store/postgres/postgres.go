// Package postgres provides the PostgreSQL-backed implementation of
// store.Storage.
//
// Dispatch correctness rests on two database mechanisms: FOR UPDATE SKIP
// LOCKED in the claim query, so concurrent workers never select the same
// row, and the (leased_by, lease_epoch) predicate on every settle statement,
// so a worker whose lease was reclaimed cannot overwrite state.
//
// Every mutation runs inside withTx, which commits or rolls back on all exit
// paths including panics. Sessions are never left idle in transaction.
package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	retrypolicy "github.com/deckwork/conveyor/internal/backoff"
	"github.com/deckwork/conveyor/internal/log"
	"github.com/deckwork/conveyor/internal/store"
)

const connectMaxElapsed = 30 * time.Second

// Store is the PostgreSQL queue store.
type Store struct {
	pool       *pgxpool.Pool
	policy     retrypolicy.Policy
	payloadMax int
	logger     zerolog.Logger
}

var _ store.Storage = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithBackoffPolicy overrides the retry-delay policy.
func WithBackoffPolicy(p retrypolicy.Policy) Option {
	return func(s *Store) { s.policy = p }
}

// WithPayloadLimit overrides the maximum payload size in bytes.
func WithPayloadLimit(n int) Option {
	return func(s *Store) { s.payloadMax = n }
}

// Open connects to databaseURL, retrying transient connection errors for up
// to 30 seconds, and ensures the schema exists.
func Open(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// BackOff implementations are stateful; always build a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = connectMaxElapsed
	if err := backoff.Retry(func() error {
		return pool.Ping(ctx)
	}, backoff.WithContext(bo, ctx)); err != nil {
		pool.Close()
		return nil, err
	}

	s := &Store{
		pool:       pool,
		policy:     retrypolicy.Default(),
		payloadMax: 1 << 20,
		logger:     log.WithComponent("store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// withTx runs fn in a transaction, committing on nil error and rolling back
// on error or panic. Every mutating store method goes through here so no
// session is ever left idle in transaction.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		// No-op after commit; guarantees release on panic or early return.
		_ = tx.Rollback(ctx)
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// isUniqueViolation reports whether err is a duplicate-key error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "SQLSTATE 23505")
}

// noRows reports whether err is the pgx empty-result sentinel.
func noRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
