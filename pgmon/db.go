package pgmon

import (
	"context"

	"github.com/code19m/errx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/extra/bunotel"
)

// NewPool creates a new PostgreSQL connection pool with the provided configuration.
func NewPool(cfg Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.dsn())
	if err != nil {
		return nil, errx.Wrap(err)
	}

	poolConfig.MaxConns = cfg.PoolMaxConns
	poolConfig.MinConns = cfg.PoolMinConns
	poolConfig.MaxConnIdleTime = cfg.PoolMaxConnIdleTime
	poolConfig.MaxConnLifetime = cfg.PoolMaxConnLifetime

	pgPool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, errx.Wrap(err)
	}

	return pgPool, nil
}

// NewBunDB creates a new Bun database connection with the provided configuration.
func NewBunDB(cfg Config) (*bun.DB, error) {
	pool, err := NewPool(cfg)
	if err != nil {
		return nil, errx.Wrap(err)
	}

	sqldb := stdlib.OpenDBFromPool(pool)

	bunDB := bun.NewDB(sqldb, pgdialect.New())
	applyHooks(bunDB, cfg.Debug)

	return bunDB, nil
}

// applyHooks configures the Bun database with query hooks. The debug logging
// hook is active only when debug=true; the OpenTelemetry hook is always on.
func applyHooks(db *bun.DB, debug bool) {
	db.AddQueryHook(newDebugHook(debug))
	db.AddQueryHook(bunotel.NewQueryHook())
}
