package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ensemble-trading-engine/config"
	"ensemble-trading-engine/internal/logging"
)

// PostgresBackend persists state in PostgreSQL through a pgx pool.
type PostgresBackend struct {
	pool   *pgxpool.Pool
	logger *logging.Logger
}

// NewPostgresBackend connects, configures the pool and runs migrations.
func NewPostgresBackend(ctx context.Context, cfg config.PGConfig, logger *logging.Logger) (*PostgresBackend, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(connCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	b := &PostgresBackend{pool: pool, logger: logger.WithComponent("store.postgres")}
	if err := b.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	b.logger.Info("connected", "database", cfg.Database)
	return b, nil
}

func (b *PostgresBackend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			data JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_ts ON trades(ts)`,

		`CREATE TABLE IF NOT EXISTS portfolio_checkpoints (
			ts TIMESTAMPTZ PRIMARY KEY,
			data JSONB NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS metrics (
			ts TIMESTAMPTZ PRIMARY KEY,
			data JSONB NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := b.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (b *PostgresBackend) appendTrade(ctx context.Context, id string, ts time.Time, data []byte) error {
	_, err := b.pool.Exec(ctx,
		`INSERT INTO trades (id, ts, data) VALUES ($1, $2, $3)`,
		id, ts, data)
	return err
}

func (b *PostgresBackend) tradesAfter(ctx context.Context, ts time.Time) ([]rawRecord, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT id, ts, data FROM trades WHERE ts > $1 ORDER BY ts, id`, ts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rawRecord
	for rows.Next() {
		var r rawRecord
		if err := rows.Scan(&r.id, &r.ts, &r.data); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (b *PostgresBackend) saveCheckpoint(ctx context.Context, ts time.Time, data []byte) error {
	_, err := b.pool.Exec(ctx,
		`INSERT INTO portfolio_checkpoints (ts, data) VALUES ($1, $2)
		 ON CONFLICT (ts) DO UPDATE SET data = EXCLUDED.data`,
		ts, data)
	return err
}

func (b *PostgresBackend) latestCheckpoint(ctx context.Context) (*rawRecord, error) {
	var r rawRecord
	err := b.pool.QueryRow(ctx,
		`SELECT ts, data FROM portfolio_checkpoints ORDER BY ts DESC LIMIT 1`).
		Scan(&r.ts, &r.data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (b *PostgresBackend) saveMetrics(ctx context.Context, ts time.Time, data []byte) error {
	_, err := b.pool.Exec(ctx,
		`INSERT INTO metrics (ts, data) VALUES ($1, $2)
		 ON CONFLICT (ts) DO UPDATE SET data = EXCLUDED.data`,
		ts, data)
	return err
}

func (b *PostgresBackend) close() error {
	b.pool.Close()
	return nil
}
