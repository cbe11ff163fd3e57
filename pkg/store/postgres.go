package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/nhle-ingest/pkg/record"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PoolConfig configures a pgx connection pool.
type PoolConfig struct {
	DSN      string
	MaxConns int32

	// SimpleProtocol disables prepared statements for poolers such as pgbouncer.
	SimpleProtocol bool
}

// NewPool opens a pgx pool and verifies connectivity.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.SimpleProtocol {
		pcfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS buildings (
	list_entry           BIGINT PRIMARY KEY,
	name                 TEXT,
	grade                TEXT,
	list_date            DATE,
	amend_date           DATE,
	category             TEXT,
	ngr                  TEXT,
	easting              DOUBLE PRECISION,
	northing             DOUBLE PRECISION,
	capture_scale        TEXT,
	longitude            DOUBLE PRECISION,
	latitude             DOUBLE PRECISION,
	hyperlink            TEXT,
	title                TEXT,
	statutory_address    TEXT,
	description          TEXT,
	major_amendment_date TEXT,
	minor_amendment_date TEXT,
	sources              TEXT,
	legal                TEXT,
	map_pdf_url          TEXT,
	legacy               JSONB,
	completeness         TEXT NOT NULL DEFAULT 'structured'
	                     CHECK (completeness IN ('structured', 'full')),
	scraped_at           TIMESTAMPTZ NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_buildings_grade ON buildings(grade);
CREATE INDEX IF NOT EXISTS idx_buildings_category ON buildings(category);
CREATE INDEX IF NOT EXISTS idx_buildings_scraped_at ON buildings(scraped_at);
`

// columns in insert order; legacy, completeness and the timestamps are
// handled separately.
var columns = []string{
	"list_entry", "name", "grade", "list_date", "amend_date", "category", "ngr",
	"easting", "northing", "capture_scale", "longitude", "latitude", "hyperlink",
	"title", "statutory_address", "description", "major_amendment_date",
	"minor_amendment_date", "sources", "legal", "map_pdf_url",
}

var (
	upsertSQL = buildUpsertSQL()
	selectSQL = "SELECT " + strings.Join(columns, ", ") +
		", legacy, completeness, scraped_at FROM buildings"
)

func buildUpsertSQL() string {
	n := len(columns)
	params := make([]string, 0, n+3)
	for i := 1; i <= n; i++ {
		params = append(params, fmt.Sprintf("$%d", i))
	}
	params = append(params,
		fmt.Sprintf("$%d::jsonb", n+1),
		fmt.Sprintf("$%d", n+2),
		fmt.Sprintf("$%d", n+3),
		"NOW()",
	)

	sets := make([]string, 0, n+4)
	for _, c := range columns[1:] {
		sets = append(sets, fmt.Sprintf("%s = COALESCE(EXCLUDED.%s, buildings.%s)", c, c, c))
	}
	sets = append(sets,
		"legacy = CASE WHEN EXCLUDED.legacy IS NULL THEN buildings.legacy "+
			"ELSE COALESCE(buildings.legacy, '{}'::jsonb) || EXCLUDED.legacy END",
		"completeness = CASE WHEN buildings.completeness = 'full' THEN 'full' "+
			"ELSE EXCLUDED.completeness END",
		"scraped_at = GREATEST(buildings.scraped_at, EXCLUDED.scraped_at)",
		"updated_at = NOW()",
	)

	return "INSERT INTO buildings (" + strings.Join(columns, ", ") +
		", legacy, completeness, scraped_at, updated_at) VALUES (" +
		strings.Join(params, ", ") + ") ON CONFLICT (list_entry) DO UPDATE SET " +
		strings.Join(sets, ", ") + " RETURNING (xmax = 0) AS inserted"
}

// PostgresStore is a Store backed by a buildings table.
type PostgresStore struct {
	pool     *pgxpool.Pool
	keys     *keyLock
	logger   zerolog.Logger
	owned    bool
	readOnly bool
}

// NewPostgresStore creates the schema if it is missing and returns a store
// using pool. Close does not close a pool passed in here.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	s := newPostgresStore(pool)
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

// NewPostgresStoreReadOnly returns a store that never issues DDL or writes,
// so it takes no lock a concurrent ingest could wait on. A missing table
// reads as an empty store.
func NewPostgresStoreReadOnly(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	s := newPostgresStore(pool)
	s.readOnly = true
	return s, nil
}

func newPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		keys:   newKeyLock(),
		logger: log.With().Str("component", "store-postgres").Logger(),
	}
}

// OpenPostgresStore opens a dedicated pool for the store.
func OpenPostgresStore(ctx context.Context, cfg PoolConfig) (*PostgresStore, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s, err := NewPostgresStore(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// ensureSchema runs the DDL only when the table is missing. CREATE INDEX
// takes a share lock on buildings even when the index exists, which would
// queue behind an open upsert transaction.
func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, "SELECT to_regclass('buildings') IS NOT NULL").Scan(&exists); err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

// Upsert implements Store.
func (s *PostgresStore) Upsert(ctx context.Context, rec record.Record) (Result, error) {
	if s.readOnly {
		return 0, ErrReadOnly
	}
	if err := Validate(rec); err != nil {
		upsertsTotal.WithLabelValues("postgres", "failed").Inc()
		return 0, err
	}
	unlock := s.keys.Lock(rec.Key)
	defer unlock()

	r, err := s.upsertRow(ctx, s.pool, rec)
	if err != nil {
		upsertsTotal.WithLabelValues("postgres", "failed").Inc()
		return 0, err
	}
	upsertsTotal.WithLabelValues("postgres", r.String()).Inc()
	return r, nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) upsertRow(ctx context.Context, q queryRower, rec record.Record) (Result, error) {
	args, err := upsertArgs(rec)
	if err != nil {
		return 0, &ConstraintError{Key: rec.Key, Err: err}
	}
	var inserted bool
	if err := q.QueryRow(ctx, upsertSQL, args...).Scan(&inserted); err != nil {
		if isConstraint(err) {
			return 0, &ConstraintError{Key: rec.Key, Err: err}
		}
		return 0, fmt.Errorf("upsert %d: %w", rec.Key, err)
	}
	if inserted {
		return Inserted, nil
	}
	return Updated, nil
}

// UpsertBatch implements Store. The batch is sent in one transaction; if
// any row is rejected the transaction is rolled back and the rows are
// written one by one so the rejected ones can be skipped.
func (s *PostgresStore) UpsertBatch(ctx context.Context, recs []record.Record) (BatchResult, error) {
	var out BatchResult
	if s.readOnly {
		return out, ErrReadOnly
	}
	valid := make([]record.Record, 0, len(recs))
	keys := make([]int64, 0, len(recs))
	for _, rec := range recs {
		if err := Validate(rec); err != nil {
			out.Failures = append(out.Failures, Failure{Key: rec.Key, Err: err})
			upsertsTotal.WithLabelValues("postgres", "failed").Inc()
			continue
		}
		valid = append(valid, rec)
		keys = append(keys, rec.Key)
	}
	if len(valid) == 0 {
		return out, nil
	}

	unlock := s.keys.LockAll(keys)
	defer unlock()

	results, err := s.sendBatch(ctx, valid)
	if err == nil {
		for _, r := range results {
			out.add(r)
			upsertsTotal.WithLabelValues("postgres", r.String()).Inc()
		}
		return out, nil
	}
	if !isConstraint(err) {
		return out, err
	}

	s.logger.Warn().Err(err).Int("records", len(valid)).Msg("Batch rejected, retrying row by row")
	for _, rec := range valid {
		r, err := s.upsertRow(ctx, s.pool, rec)
		if err != nil {
			var ce *ConstraintError
			if !errors.As(err, &ce) {
				return out, err
			}
			out.Failures = append(out.Failures, Failure{Key: rec.Key, Err: err})
			upsertsTotal.WithLabelValues("postgres", "failed").Inc()
			continue
		}
		out.add(r)
		upsertsTotal.WithLabelValues("postgres", r.String()).Inc()
	}
	return out, nil
}

func (s *PostgresStore) sendBatch(ctx context.Context, recs []record.Record) ([]Result, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	b := &pgx.Batch{}
	for _, rec := range recs {
		args, err := upsertArgs(rec)
		if err != nil {
			return nil, &ConstraintError{Key: rec.Key, Err: err}
		}
		b.Queue(upsertSQL, args...)
	}

	results := make([]Result, 0, len(recs))
	br := tx.SendBatch(ctx, b)
	for range recs {
		var inserted bool
		if err := br.QueryRow().Scan(&inserted); err != nil {
			_ = br.Close()
			return nil, err
		}
		if inserted {
			results = append(results, Inserted)
		} else {
			results = append(results, Updated)
		}
	}
	if err := br.Close(); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return results, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, key int64) (*record.Record, error) {
	row := s.pool.QueryRow(ctx, selectSQL+" WHERE list_entry = $1", key)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) || isUndefinedTable(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %d: %w", key, err)
	}
	return rec, nil
}

// Count implements Store.
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM buildings").Scan(&n)
	if isUndefinedTable(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// StatsByCategory implements Store.
func (s *PostgresStore) StatsByCategory(ctx context.Context) (map[string]int64, error) {
	return s.groupCount(ctx, "category")
}

// Stats implements Store. Each aggregate is a separate read so a concurrent
// ingest is never blocked.
func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	var err error
	if st.Total, err = s.Count(ctx); err != nil {
		return nil, err
	}
	if st.ByGrade, err = s.groupCount(ctx, "grade"); err != nil {
		return nil, err
	}
	if st.ByCategory, err = s.groupCount(ctx, "category"); err != nil {
		return nil, err
	}
	if st.ByCompleteness, err = s.groupCount(ctx, "completeness"); err != nil {
		return nil, err
	}
	err = s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM buildings WHERE scraped_at > $1",
		time.Now().Add(-RecentWindow),
	).Scan(&st.RecentlyScraped)
	if err != nil && !isUndefinedTable(err) {
		return nil, fmt.Errorf("recent count: %w", err)
	}
	return st, nil
}

// groupCount counts rows per value of column; column is never user input.
func (s *PostgresStore) groupCount(ctx context.Context, column string) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		"SELECT COALESCE(NULLIF(%s, ''), '%s'), COUNT(*) FROM buildings GROUP BY 1", column, unknownLabel))
	if isUndefinedTable(err) {
		return map[string]int64{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("group by %s: %w", column, err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var k string
		var n int64
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		out[k] = n
	}
	if err := rows.Err(); err != nil && !isUndefinedTable(err) {
		return nil, err
	}
	return out, nil
}

// Each implements Store.
func (s *PostgresStore) Each(ctx context.Context, fn func(record.Record) error) error {
	rows, err := s.pool.Query(ctx, selectSQL+" ORDER BY list_entry")
	if isUndefinedTable(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("select: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return err
		}
		if err := fn(*rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	if s.owned {
		s.pool.Close()
	}
	return nil
}

func upsertArgs(rec record.Record) ([]any, error) {
	st := rec.Structured
	d := rec.Detail
	if d == nil {
		d = &record.DetailFields{}
	}

	var legacy any
	if len(d.Legacy) > 0 {
		b, err := json.Marshal(d.Legacy)
		if err != nil {
			return nil, fmt.Errorf("encode legacy: %w", err)
		}
		legacy = string(b)
	}

	completeness := rec.Completeness
	if completeness == "" {
		completeness = record.CompletenessStructured
	}
	scraped := rec.ScrapedAt
	if scraped.IsZero() {
		scraped = time.Now().UTC()
	}

	return []any{
		rec.Key, st.Name, st.Grade, st.ListDate, st.AmendDate, st.Category, st.NGR,
		st.Easting, st.Northing, st.CaptureScale, st.Longitude, st.Latitude, st.Hyperlink,
		d.Title, d.StatutoryAddress, d.Description, d.MajorAmendmentDate,
		d.MinorAmendmentDate, d.Sources, d.Legal, d.MapPDFURL,
		legacy, string(completeness), scraped,
	}, nil
}

func scanRecord(row pgx.Row) (*record.Record, error) {
	var (
		rec          record.Record
		d            record.DetailFields
		legacy       []byte
		completeness string
	)
	st := &rec.Structured
	err := row.Scan(
		&rec.Key, &st.Name, &st.Grade, &st.ListDate, &st.AmendDate, &st.Category, &st.NGR,
		&st.Easting, &st.Northing, &st.CaptureScale, &st.Longitude, &st.Latitude, &st.Hyperlink,
		&d.Title, &d.StatutoryAddress, &d.Description, &d.MajorAmendmentDate,
		&d.MinorAmendmentDate, &d.Sources, &d.Legal, &d.MapPDFURL,
		&legacy, &completeness, &rec.ScrapedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(legacy) > 0 {
		if err := json.Unmarshal(legacy, &d.Legacy); err != nil {
			return nil, fmt.Errorf("decode legacy for %d: %w", rec.Key, err)
		}
	}
	if !d.IsEmpty() {
		rec.Detail = &d
	}
	rec.Completeness = record.Completeness(completeness)
	return &rec, nil
}

// isConstraint reports integrity (23xxx) and data (22xxx) violations.
func isConstraint(err error) bool {
	var ce *ConstraintError
	if errors.As(err, &ce) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "23") || strings.HasPrefix(pgErr.Code, "22")
	}
	return false
}

// isUndefinedTable reports a query against a table that was never created.
func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}
