package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ledgerSchemaSQL = `
CREATE TABLE IF NOT EXISTS ingest_cursor (
	id         SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	"offset"   INTEGER NOT NULL,
	token      TEXT NOT NULL DEFAULT '',
	committed  BIGINT NOT NULL,
	run_id     BIGINT NOT NULL,
	total      INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS ingest_batches (
	id              BIGSERIAL PRIMARY KEY,
	run_id          BIGINT NOT NULL,
	session         TEXT NOT NULL,
	"offset"        INTEGER NOT NULL,
	next_offset     INTEGER NOT NULL,
	attempted       INTEGER NOT NULL,
	committed       INTEGER NOT NULL,
	failed          INTEGER NOT NULL,
	detail_failures INTEGER NOT NULL,
	fetch_attempts  INTEGER NOT NULL,
	elapsed_ms      BIGINT NOT NULL,
	committed_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ingest_batches_committed_at ON ingest_batches(committed_at);
`

// PostgresLedger keeps the cursor in a single-row table and every batch in
// ingest_batches.
type PostgresLedger struct {
	pool     *pgxpool.Pool
	readOnly bool
}

// ErrReadOnly is returned by writes to a ledger opened read-only.
var ErrReadOnly = errors.New("ledger is read-only")

// NewPostgresLedger creates the ledger tables if they are missing. The pool
// is owned by the caller.
func NewPostgresLedger(ctx context.Context, pool *pgxpool.Pool) (*PostgresLedger, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	var exists bool
	if err := pool.QueryRow(ctx, "SELECT to_regclass('ingest_batches') IS NOT NULL").Scan(&exists); err != nil {
		return nil, &IOError{Op: "init", Err: err}
	}
	if !exists {
		if _, err := pool.Exec(ctx, ledgerSchemaSQL); err != nil {
			return nil, &IOError{Op: "init", Err: err}
		}
	}
	return &PostgresLedger{pool: pool}, nil
}

// NewPostgresLedgerReadOnly returns a ledger for inspection that issues no
// DDL or writes. Missing tables read as no cursor and no history.
func NewPostgresLedgerReadOnly(pool *pgxpool.Pool) (*PostgresLedger, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &PostgresLedger{pool: pool, readOnly: true}, nil
}

// Load implements Ledger.
func (l *PostgresLedger) Load(ctx context.Context) (*Cursor, error) {
	var c Cursor
	err := l.pool.QueryRow(ctx,
		`SELECT "offset", token, committed, run_id, total, updated_at FROM ingest_cursor WHERE id = 1`,
	).Scan(&c.Offset, &c.Token, &c.Committed, &c.RunID, &c.Total, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) || isUndefinedTable(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &IOError{Op: "load", Err: err}
	}
	return &c, nil
}

// Commit implements Ledger. The single-statement upsert is atomic.
func (l *PostgresLedger) Commit(ctx context.Context, c Cursor) (err error) {
	start := time.Now()
	defer func() { observeCommit("postgres", start, err) }()

	if l.readOnly {
		return ErrReadOnly
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	_, err = l.pool.Exec(ctx, `
		INSERT INTO ingest_cursor (id, "offset", token, committed, run_id, total, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			"offset" = EXCLUDED."offset",
			token = EXCLUDED.token,
			committed = EXCLUDED.committed,
			run_id = EXCLUDED.run_id,
			total = EXCLUDED.total,
			updated_at = EXCLUDED.updated_at`,
		c.Offset, c.Token, c.Committed, c.RunID, c.Total, c.UpdatedAt)
	if err != nil {
		return &IOError{Op: "commit", Err: err}
	}
	return nil
}

// RecordBatch implements HistoryRecorder.
func (l *PostgresLedger) RecordBatch(ctx context.Context, b BatchRecord) error {
	if l.readOnly {
		return ErrReadOnly
	}
	if b.CommittedAt.IsZero() {
		b.CommittedAt = time.Now().UTC()
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO ingest_batches (run_id, session, "offset", next_offset, attempted, committed,
			failed, detail_failures, fetch_attempts, elapsed_ms, committed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		b.RunID, b.Session, b.Offset, b.NextOffset, b.Attempted, b.Committed,
		b.Failed, b.DetailFailures, b.FetchAttempts, b.Elapsed.Milliseconds(), b.CommittedAt)
	if err != nil {
		return &IOError{Op: "record batch", Err: err}
	}
	return nil
}

// History implements HistoryRecorder.
func (l *PostgresLedger) History(ctx context.Context, limit int) ([]BatchRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := l.pool.Query(ctx, `
		SELECT run_id, session, "offset", next_offset, attempted, committed, failed,
			detail_failures, fetch_attempts, elapsed_ms, committed_at
		FROM ingest_batches ORDER BY id DESC LIMIT $1`, limit)
	if isUndefinedTable(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &IOError{Op: "history", Err: err}
	}
	defer rows.Close()

	var out []BatchRecord
	for rows.Next() {
		var b BatchRecord
		var elapsedMS int64
		if err := rows.Scan(&b.RunID, &b.Session, &b.Offset, &b.NextOffset, &b.Attempted,
			&b.Committed, &b.Failed, &b.DetailFailures, &b.FetchAttempts, &elapsedMS, &b.CommittedAt); err != nil {
			return nil, &IOError{Op: "history", Err: err}
		}
		b.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, &IOError{Op: "history", Err: err}
	}
	return out, nil
}

// Reset implements Ledger.
func (l *PostgresLedger) Reset(ctx context.Context) error {
	if l.readOnly {
		return ErrReadOnly
	}
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return &IOError{Op: "reset", Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM ingest_cursor`); err != nil {
		return &IOError{Op: "reset", Err: err}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM ingest_batches`); err != nil {
		return &IOError{Op: "reset", Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return &IOError{Op: "reset", Err: err}
	}
	return nil
}

// Close implements Ledger.
func (l *PostgresLedger) Close() error {
	return nil
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}
