// Package storage provides the PostgreSQL persistence layer for Loom.
//
// It manages connection pooling (via pgxpool), transactional gap-free
// sequence assignment for the event log, the runs/approvals projections, the
// durable work queue tables, and per-consumer LISTEN connections for
// NOTIFY-driven wakeups.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a pgxpool.Pool for normal queries. LISTEN traffic never goes
// through the pool: each consumer opens its own connection via NewListener,
// since LISTEN cannot survive a transaction pooler.
type DB struct {
	pool      *pgxpool.Pool
	notifyDSN string
	logger    *slog.Logger
}

// New creates a new DB with a connection pool.
// poolDSN should point to PgBouncer (or directly to Postgres in dev).
// notifyDSN should point directly to Postgres for LISTEN support; empty
// disables listeners (and with it the live bridge), leaving consumers on
// polling.
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	// Fail fast on a bad notify DSN instead of at the first listener.
	if notifyDSN != "" {
		conn, err := pgx.Connect(ctx, notifyDSN)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("storage: connect notify: %w", err)
		}
		if err := conn.Close(ctx); err != nil {
			logger.Warn("storage: close notify probe", "error", err)
		}
	}

	return &DB{
		pool:      pool,
		notifyDSN: notifyDSN,
		logger:    logger,
	}, nil
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close(_ context.Context) {
	db.pool.Close()
}
