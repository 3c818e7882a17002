package runlog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RunRecord is one row in the run ledger.
type RunRecord struct {
	IngestID    string
	RunType     string
	TradeDate   time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	RowsWritten int
	Symbols     int
	Errors      int
}

// Ledger records one row per ingest run in Postgres. A nil Ledger is a
// valid no-op, so callers never branch on whether the ledger is
// configured.
type Ledger struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS ingest_runs (
    ingest_id    TEXT PRIMARY KEY,
    run_type     TEXT NOT NULL,
    trade_date   DATE NOT NULL,
    started_at   TIMESTAMPTZ NOT NULL,
    finished_at  TIMESTAMPTZ NOT NULL,
    rows_written INTEGER NOT NULL,
    symbols      INTEGER NOT NULL,
    errors       INTEGER NOT NULL
)`

// OpenLedger connects to the ledger database and ensures the table
// exists. An empty DSN disables the ledger and returns nil.
func OpenLedger(ctx context.Context, dsn string, logger *slog.Logger) (*Ledger, error) {
	if dsn == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse ledger dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create ledger pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping ledger database: %w", err)
	}
	if _, err := pool.Exec(ctx, ledgerSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure ledger schema: %w", err)
	}

	return &Ledger{pool: pool, logger: logger}, nil
}

// Record inserts one run. Re-recording the same ingest_id is a no-op, so
// a retried runner cannot double-count.
func (l *Ledger) Record(ctx context.Context, r RunRecord) error {
	if l == nil {
		return nil
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO ingest_runs
			(ingest_id, run_type, trade_date, started_at, finished_at, rows_written, symbols, errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (ingest_id) DO NOTHING`,
		r.IngestID, r.RunType, r.TradeDate, r.StartedAt, r.FinishedAt,
		r.RowsWritten, r.Symbols, r.Errors,
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", r.IngestID, err)
	}
	return nil
}

// Close releases the pool.
func (l *Ledger) Close() {
	if l != nil && l.pool != nil {
		l.pool.Close()
	}
}
