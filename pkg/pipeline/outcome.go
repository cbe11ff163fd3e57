package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/nhle-ingest/pkg/ledger"
)

// Failure stages recorded in an Outcome.
const (
	FailureDetail = "detail"
	FailureStore  = "store"
)

// RecordFailure is one record problem within a page.
type RecordFailure struct {
	Key   int64
	Stage string
	Err   error
}

// Outcome is the result of one committed page.
type Outcome struct {
	Offset     int
	NextOffset int

	Attempted int
	Committed int
	Inserted  int
	Updated   int

	// Failed counts records the store rejected.
	Failed int

	// DetailFailures counts records committed without detail fields
	// because the detail fetch failed.
	DetailFailures int

	Failures      []RecordFailure
	FetchAttempts int
	Elapsed       time.Duration
}

func (o Outcome) batchRecord(runID int64, session string, at time.Time) ledger.BatchRecord {
	return ledger.BatchRecord{
		RunID:          runID,
		Session:        session,
		Offset:         o.Offset,
		NextOffset:     o.NextOffset,
		Attempted:      o.Attempted,
		Committed:      o.Committed,
		Failed:         o.Failed,
		DetailFailures: o.DetailFailures,
		FetchAttempts:  o.FetchAttempts,
		Elapsed:        o.Elapsed,
		CommittedAt:    at,
	}
}

// Report summarises a run, successful or not.
type Report struct {
	RunID   int64
	Session string
	State   State

	// Resumed is set when the run continued from a stored cursor.
	Resumed bool

	// Total is the collection size reported at start, 0 when unknown.
	Total int

	Pages          int
	Attempted      int64
	Committed      int64
	Failed         int64
	DetailFailures int64

	// Cursor is the last committed cursor, the safe resume point.
	Cursor ledger.Cursor

	Outcomes []Outcome
	Elapsed  time.Duration
}

func (r *Report) add(o Outcome) {
	r.Pages++
	r.Attempted += int64(o.Attempted)
	r.Committed += int64(o.Committed)
	r.Failed += int64(o.Failed)
	r.DetailFailures += int64(o.DetailFailures)
	r.Outcomes = append(r.Outcomes, o)
}

// Error classes reported by RunError besides the source classes.
const (
	ClassLedger    = "ledger"
	ClassStore     = "store"
	ClassCancelled = "cancelled"
)

// ErrCancelled is wrapped by a RunError when the run was interrupted.
var ErrCancelled = errors.New("run cancelled")

// RunError is a run-level stop. Cursor is the last safe resume point.
type RunError struct {
	Stage     State
	Class     string
	Cursor    ledger.Cursor
	Attempted int64
	Committed int64
	Failed    int64
	Err       error
}

// Error implements the error interface.
func (e *RunError) Error() string {
	return fmt.Sprintf("run failed in %s (%s) at offset %d: %v", e.Stage, e.Class, e.Cursor.Offset, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RunError) Unwrap() error {
	return e.Err
}
