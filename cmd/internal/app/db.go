package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// dbApplicationName tags Haven sessions in pg_stat_activity.
const dbApplicationName = "haven"

// NewDBPool opens the message store pool and checks it answers.
// Schema migration is PostgresStore.Migrate's job, gated by HAVEN_DB_MIGRATE.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := dbPoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// dbPoolConfig applies the Haven pool settings on top of HAVEN_DATABASE_URL.
// Parameters already present in the URL win.
func dbPoolConfig(cfg Config) (*pgxpool.Config, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns > 0 {
		pcfg.MinConns = min(cfg.DBMinConns, pcfg.MaxConns)
	}

	rp := pcfg.ConnConfig.RuntimeParams
	if rp == nil {
		rp = map[string]string{}
		pcfg.ConnConfig.RuntimeParams = rp
	}
	if rp["application_name"] == "" {
		rp["application_name"] = dbApplicationName
	}
	// Store queries are schema-qualified; this only helps operators in psql sessions.
	if rp["search_path"] == "" && cfg.DBSchema != "" {
		rp["search_path"] = pgx.Identifier{cfg.DBSchema}.Sanitize() + ", public"
	}
	return pcfg, nil
}

// PingDB round-trips a query within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}
