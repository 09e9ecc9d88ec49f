// Package store is the Postgres persistence layer: CRUD for workspaces,
// configurations, documents, and identities, plus the two durable work
// queues (environments, runs) with claim/lease semantics. The database is
// the single source of truth for all state transitions.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sentinel errors for callers to classify store failures.
var (
	// ErrNotFound indicates the addressed row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a uniqueness or state conflict (duplicate slug,
	// activating an archived configuration).
	ErrConflict = errors.New("conflict")

	// ErrLostClaim indicates an ack was rejected because the worker no
	// longer owns the row's claim.
	ErrLostClaim = errors.New("lost claim")

	// ErrInvalidTransition indicates a lifecycle transition the state
	// machine forbids (terminal statuses never go back).
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store wraps a pgx connection pool. All methods are safe for concurrent
// use; each runs in a single statement or an explicit transaction.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects a pool to databaseURL and pings it.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConnLifetime = time.Hour
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool (tests, shared pools).
func NewWithPool(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

// Pool exposes the underlying pool for migrations and the listener.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases all connections.
func (s *Store) Close() { s.pool.Close() }

// notFound maps pgx.ErrNoRows onto the store sentinel.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
