package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"ensemble-trading-engine/internal/logging"
)

// SQLiteBackend persists state in an embedded SQLite file. It is the default
// backend for paper trading and backtests where no server is available.
type SQLiteBackend struct {
	db     *sql.DB
	logger *logging.Logger
}

// NewSQLiteBackend opens (or creates) the database file and runs migrations.
func NewSQLiteBackend(ctx context.Context, path string, logger *logging.Logger) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite database: %w", err)
	}

	// A single writer keeps the WAL simple; reads share the connection.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to enable WAL: %w", err)
	}

	b := &SQLiteBackend{db: db, logger: logger.WithComponent("store.sqlite")}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	b.logger.Info("opened", "path", path)
	return b, nil
}

func (b *SQLiteBackend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			ts INTEGER NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_ts ON trades(ts)`,

		`CREATE TABLE IF NOT EXISTS portfolio_checkpoints (
			ts INTEGER PRIMARY KEY,
			data TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS metrics (
			ts INTEGER PRIMARY KEY,
			data TEXT NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (b *SQLiteBackend) appendTrade(ctx context.Context, id string, ts time.Time, data []byte) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO trades (id, ts, data) VALUES (?, ?, ?)`,
		id, ts.UnixNano(), string(data))
	return err
}

func (b *SQLiteBackend) tradesAfter(ctx context.Context, ts time.Time) ([]rawRecord, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, ts, data FROM trades WHERE ts > ? ORDER BY ts, id`, ts.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rawRecord
	for rows.Next() {
		var (
			id   string
			nano int64
			data string
		)
		if err := rows.Scan(&id, &nano, &data); err != nil {
			return nil, err
		}
		out = append(out, rawRecord{id: id, ts: time.Unix(0, nano).UTC(), data: []byte(data)})
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) saveCheckpoint(ctx context.Context, ts time.Time, data []byte) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO portfolio_checkpoints (ts, data) VALUES (?, ?)
		 ON CONFLICT (ts) DO UPDATE SET data = excluded.data`,
		ts.UnixNano(), string(data))
	return err
}

func (b *SQLiteBackend) latestCheckpoint(ctx context.Context) (*rawRecord, error) {
	var (
		nano int64
		data string
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT ts, data FROM portfolio_checkpoints ORDER BY ts DESC LIMIT 1`).
		Scan(&nano, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rawRecord{ts: time.Unix(0, nano).UTC(), data: []byte(data)}, nil
}

func (b *SQLiteBackend) saveMetrics(ctx context.Context, ts time.Time, data []byte) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO metrics (ts, data) VALUES (?, ?)
		 ON CONFLICT (ts) DO UPDATE SET data = excluded.data`,
		ts.UnixNano(), string(data))
	return err
}

// injectRaw writes an arbitrary trade row, bypassing JSON encoding. Used by
// tests to simulate a torn write at the log tail.
func (b *SQLiteBackend) injectRaw(ctx context.Context, id string, ts time.Time, data string) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO trades (id, ts, data) VALUES (?, ?, ?)`, id, ts.UnixNano(), data)
	return err
}

func (b *SQLiteBackend) close() error {
	return b.db.Close()
}
