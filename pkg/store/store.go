// Package store persists merged building records keyed by list entry
// number. Every implementation enforces one row per key, merges incoming
// fields over stored ones with record.Merge semantics and serializes writes
// to the same key.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/nhle-ingest/pkg/record"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var upsertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "nhle_store_upserts_total",
	Help: "Total record upserts by result (inserted, updated, failed)",
}, []string{"backend", "result"})

// ErrNotFound is returned by Get when no row exists for the key.
var ErrNotFound = errors.New("record not found")

// ErrReadOnly is returned by writes to a store opened read-only.
var ErrReadOnly = errors.New("store is read-only")

// Result is the outcome of a single upsert.
type Result int

const (
	// Inserted means no row existed for the key.
	Inserted Result = iota + 1
	// Updated means an existing row was merged.
	Updated
)

// String returns the metric label of the result.
func (r Result) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	default:
		return "unknown"
	}
}

// ConstraintError reports a record rejected by the store. It never aborts
// the surrounding batch.
type ConstraintError struct {
	Key int64
	Err error
}

// Error implements the error interface.
func (e *ConstraintError) Error() string {
	return fmt.Sprintf("constraint violation for %d: %v", e.Key, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ConstraintError) Unwrap() error {
	return e.Err
}

// Failure is one record of a batch that was not written.
type Failure struct {
	Key int64
	Err error
}

// BatchResult summarises an UpsertBatch call.
type BatchResult struct {
	Inserted int
	Updated  int
	Failures []Failure
}

// Committed returns the number of records written.
func (b BatchResult) Committed() int {
	return b.Inserted + b.Updated
}

func (b *BatchResult) add(r Result) {
	switch r {
	case Inserted:
		b.Inserted++
	case Updated:
		b.Updated++
	}
}

// Stats are aggregate statistics over the stored records.
type Stats struct {
	Total          int64            `json:"total"`
	ByGrade        map[string]int64 `json:"by_grade"`
	ByCategory     map[string]int64 `json:"by_category"`
	ByCompleteness map[string]int64 `json:"by_completeness"`

	// RecentlyScraped counts rows scraped within the last 24 hours.
	RecentlyScraped int64 `json:"recently_scraped"`
}

// RecentWindow bounds RecentlyScraped.
const RecentWindow = 24 * time.Hour

// Store is persistent keyed storage for merged records.
type Store interface {
	// Upsert inserts rec or merges it into the existing row.
	Upsert(ctx context.Context, rec record.Record) (Result, error)

	// UpsertBatch writes recs independently: a rejected record is reported
	// in BatchResult.Failures and its siblings are still written. The error
	// is non-nil only when the store itself is unavailable.
	UpsertBatch(ctx context.Context, recs []record.Record) (BatchResult, error)

	// Get returns the stored record for key or ErrNotFound.
	Get(ctx context.Context, key int64) (*record.Record, error)

	// Count returns the number of stored records.
	Count(ctx context.Context) (int64, error)

	// StatsByCategory returns record counts per category.
	StatsByCategory(ctx context.Context) (map[string]int64, error)

	// Stats returns aggregate statistics.
	Stats(ctx context.Context) (*Stats, error)

	// Each calls fn for every stored record in key order. Iteration stops
	// at the first error.
	Each(ctx context.Context, fn func(record.Record) error) error

	Close() error
}

// Validate rejects records that cannot be stored.
func Validate(rec record.Record) error {
	if rec.Key <= 0 {
		return &ConstraintError{Key: rec.Key, Err: errors.New("list entry must be positive")}
	}
	if rec.Completeness != "" && rec.Completeness.Rank() == 0 {
		return &ConstraintError{Key: rec.Key, Err: fmt.Errorf("unknown completeness %q", rec.Completeness)}
	}
	return nil
}

// unknownLabel buckets records without a value in Stats.
const unknownLabel = "unknown"

func label(s *string) string {
	if s == nil || *s == "" {
		return unknownLabel
	}
	return *s
}
