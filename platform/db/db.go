// Package db opens the Postgres pool shared by the lead store, the campaign
// assignment cursors and the dispatch attempt ledger.
// This is part of the platform layer and contains no business logic.
package db

import (
	"context"
	"time"

	"crm_leadflow/platform/config"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool connects to Postgres and verifies the connection with a ping.
// Cursor transactions hold a row lock for the duration of one assignment,
// so the pool keeps a fifth of its connections warm for them and for the
// ledger writers that run next to every dispatch.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.GetDatabaseURL())
	if err != nil {
		return nil, err
	}

	maxConns := int32(cfg.GetDatabaseMaxConns())
	if maxConns <= 0 {
		maxConns = 25
	}
	poolConfig.MaxConns = maxConns
	poolConfig.MinConns = max(maxConns/5, 1)
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}
