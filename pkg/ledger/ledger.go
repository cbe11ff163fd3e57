// Package ledger persists the ingest resume position. A Commit either
// lands completely or leaves the previously committed cursor in place.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nhle_ledger_commits_total",
		Help: "Total cursor commits by backend and status",
	}, []string{"backend", "status"})

	commitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nhle_ledger_commit_duration_seconds",
		Help:    "Cursor commit duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"backend"})
)

// DefaultHistoryLimit is how many batch records a ledger keeps when the
// backend caps its history.
const DefaultHistoryLimit = 500

// Cursor is the resumption state of an ingest.
type Cursor struct {
	// Offset is the source position following the last committed page.
	Offset int `json:"offset"`

	// Token is an opaque continuation token for sources that use one.
	Token string `json:"token,omitempty"`

	// Committed counts records written by all runs so far.
	Committed int64 `json:"committed"`

	// RunID increases on every run start.
	RunID int64 `json:"run_id"`

	// Total is the last reported collection size, 0 when unknown.
	Total int `json:"total,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// BatchRecord is the persisted outcome of one committed page.
type BatchRecord struct {
	RunID          int64         `json:"run_id"`
	Session        string        `json:"session"`
	Offset         int           `json:"offset"`
	NextOffset     int           `json:"next_offset"`
	Attempted      int           `json:"attempted"`
	Committed      int           `json:"committed"`
	Failed         int           `json:"failed"`
	DetailFailures int           `json:"detail_failures"`
	FetchAttempts  int           `json:"fetch_attempts"`
	Elapsed        time.Duration `json:"elapsed"`
	CommittedAt    time.Time     `json:"committed_at"`
}

// Ledger stores the cursor.
type Ledger interface {
	// Load returns the committed cursor, or nil when none exists.
	Load(ctx context.Context) (*Cursor, error)

	// Commit durably replaces the cursor.
	Commit(ctx context.Context, c Cursor) error

	// Reset removes the cursor and any history.
	Reset(ctx context.Context) error

	Close() error
}

// HistoryRecorder is implemented by ledgers that keep batch history.
type HistoryRecorder interface {
	RecordBatch(ctx context.Context, b BatchRecord) error

	// History returns up to limit records, newest first.
	History(ctx context.Context, limit int) ([]BatchRecord, error)
}

// IOError reports a ledger read or write failure. An ingest cannot continue
// safely after one.
type IOError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *IOError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *IOError) Unwrap() error {
	return e.Err
}

func observeCommit(backend string, start time.Time, err error) {
	commitDuration.WithLabelValues(backend).Observe(time.Since(start).Seconds())
	status := "ok"
	if err != nil {
		status = "error"
	}
	commitsTotal.WithLabelValues(backend, status).Inc()
}

// newestFirst returns up to limit items of h (stored oldest first) in
// reverse order.
func newestFirst(h []BatchRecord, limit int) []BatchRecord {
	if limit <= 0 || limit > len(h) {
		limit = len(h)
	}
	out := make([]BatchRecord, 0, limit)
	for i := len(h) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h[i])
	}
	return out
}
