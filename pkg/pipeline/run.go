package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/nhle-ingest/pkg/client"
	"github.com/Sternrassler/nhle-ingest/pkg/ledger"
	"github.com/Sternrassler/nhle-ingest/pkg/logging"
	"github.com/Sternrassler/nhle-ingest/pkg/record"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// run carries the state of one Run call.
type run struct {
	o       *Orchestrator
	report  *Report
	cursor  ledger.Cursor
	logger  zerolog.Logger
	started time.Time
}

// Run executes the ingest until the source is exhausted, the sample target
// is reached, a fatal error occurs or ctx is cancelled. The returned Report
// is never nil; the error, when set, is a *RunError.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	r := &run{
		o:       o,
		report:  &Report{Session: uuid.NewString()},
		started: o.now(),
	}
	r.logger = o.logger.With().Str("run_session", r.report.Session).Logger()

	if err := r.start(ctx); err != nil {
		return r.finish(err)
	}

	for {
		// Cancellation is observed only here, between pages.
		if ctx.Err() != nil {
			return r.finish(r.fatal(StateFetchingPage, ClassCancelled, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())))
		}
		if r.targetReached() {
			r.logger.Info().Int64("committed", r.cursor.Committed).Msg("Sample target reached")
			return r.finish(nil)
		}

		done, err := r.page(ctx)
		if err != nil {
			return r.finish(err)
		}
		if done {
			return r.finish(nil)
		}
	}
}

// start loads the ledger, picks the resume position and durably claims a
// new run id.
func (r *run) start(ctx context.Context) error {
	o := r.o
	o.setState(StateStarting)

	prev, err := o.ledger.Load(ctx)
	if err != nil {
		return r.fatal(StateStarting, ClassLedger, err)
	}

	switch {
	case prev != nil && o.cfg.Resume:
		o.setState(StateResuming)
		r.cursor = *prev
		r.report.Resumed = true
	default:
		o.setState(StateFresh)
		if prev != nil {
			if err := o.ledger.Reset(ctx); err != nil {
				return r.fatal(StateFresh, ClassLedger, err)
			}
			// Run ids stay monotonic across resets.
			r.cursor.RunID = prev.RunID
		}
	}
	r.cursor.RunID++

	if c, ok := o.source.(Counter); ok {
		if total, err := c.Count(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("Total count unavailable, relying on page emptiness")
		} else {
			r.cursor.Total = total
			r.report.Total = total
		}
	}

	r.cursor.UpdatedAt = o.now().UTC()
	if err := o.ledger.Commit(ctx, r.cursor); err != nil {
		return r.fatal(StateStarting, ClassLedger, err)
	}

	r.report.RunID = r.cursor.RunID
	r.logger = logging.ForRun("orchestrator", r.cursor.RunID, r.report.Session)
	r.logger.Info().
		Bool("resumed", r.report.Resumed).
		Int("offset", r.cursor.Offset).
		Int64("committed", r.cursor.Committed).
		Int("total", r.cursor.Total).
		Int("page_size", o.cfg.PageSize).
		Bool("details", o.details != nil).
		Msg("Ingest run started")
	return nil
}

func (r *run) targetReached() bool {
	t := r.o.cfg.SampleTarget
	return t > 0 && r.cursor.Committed >= t
}

// pageSize bounds the request so a sample run stops exactly on target.
func (r *run) pageSize() int {
	size := r.o.cfg.PageSize
	if t := r.o.cfg.SampleTarget; t > 0 {
		if remaining := t - r.cursor.Committed; remaining < int64(size) {
			size = int(remaining)
		}
	}
	return size
}

// page processes one page and reports whether the run is complete.
func (r *run) page(ctx context.Context) (bool, error) {
	o := r.o
	start := o.now()
	offset := r.cursor.Offset

	o.setState(StateFetchingPage)
	page, attempts, err := r.fetch(ctx, offset, r.pageSize())
	if err != nil {
		if ctx.Err() != nil {
			return false, r.fatal(StateFetchingPage, ClassCancelled, fmt.Errorf("%w: %w", ErrCancelled, err))
		}
		return false, r.fatal(StateFetchingPage, string(client.ClassOf(err)), err)
	}

	if page.Len() == 0 && page.NextOffset <= offset {
		r.logger.Info().Int("offset", offset).Msg("Empty page, source exhausted")
		return true, nil
	}

	recs := page.Records
	var failures []RecordFailure
	if o.details != nil && len(recs) > 0 {
		o.setState(StateMergingDetails)
		recs, failures = r.enrich(ctx, recs)
		if ctx.Err() != nil {
			// Interrupted mid-page: nothing committed, the page is re-fetched on resume.
			return false, r.fatal(StateMergingDetails, ClassCancelled, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err()))
		}
	}

	// Commit and checkpoint run to completion once started.
	commitCtx := context.WithoutCancel(ctx)

	o.setState(StateCommitting)
	res, err := o.store.UpsertBatch(commitCtx, recs)
	if err != nil {
		return false, r.fatal(StateCommitting, ClassStore, err)
	}
	for _, f := range res.Failures {
		r.logger.Warn().Err(f.Err).Int64("list_entry", f.Key).Msg("Record rejected by store, skipped")
		failures = append(failures, RecordFailure{Key: f.Key, Stage: FailureStore, Err: f.Err})
		recordFailuresTotal.WithLabelValues(FailureStore).Inc()
	}

	next := page.NextOffset
	if next <= offset {
		next = offset + page.Len()
	}

	o.setState(StateCheckpointing)
	cursor := r.cursor
	cursor.Offset = next
	cursor.Committed += int64(res.Committed())
	if page.Total > 0 {
		cursor.Total = page.Total
	}
	cursor.UpdatedAt = o.now().UTC()
	if err := o.ledger.Commit(commitCtx, cursor); err != nil {
		return false, r.fatal(StateCheckpointing, ClassLedger, err)
	}
	r.cursor = cursor

	outcome := Outcome{
		Offset:        offset,
		NextOffset:    next,
		Attempted:     len(page.Records),
		Committed:     res.Committed(),
		Inserted:      res.Inserted,
		Updated:       res.Updated,
		Failed:        len(res.Failures),
		Failures:      failures,
		FetchAttempts: attempts,
		Elapsed:       o.now().Sub(start),
	}
	for _, f := range failures {
		if f.Stage == FailureDetail {
			outcome.DetailFailures++
		}
	}
	r.report.add(outcome)
	r.record(commitCtx, outcome)

	pagesCommittedTotal.Inc()
	recordsCommittedTotal.Add(float64(outcome.Committed))
	pageDuration.Observe(outcome.Elapsed.Seconds())

	r.logger.Info().
		Int("offset", offset).
		Int("next_offset", next).
		Int("attempted", outcome.Attempted).
		Int("committed", outcome.Committed).
		Int("failed", outcome.Failed).
		Int("detail_failures", outcome.DetailFailures).
		Int64("total_committed", cursor.Committed).
		Dur("elapsed", outcome.Elapsed).
		Msg("Page committed")

	if page.Exhausted {
		r.logger.Info().Int("offset", next).Msg("Source exhausted")
		return true, nil
	}
	return false, nil
}

// fetch calls the source, retrying transient errors up to the configured
// ceiling. It returns the number of attempts made.
func (r *run) fetch(ctx context.Context, offset, size int) (*record.Page, int, error) {
	o := r.o
	maxAttempts := o.cfg.Retry.MaxAttempts

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		page, err := o.source.FetchPage(ctx, offset, size)
		if err == nil {
			if attempt > 1 {
				r.logger.Info().Int("offset", offset).Int("attempt", attempt).Msg("Page fetched after retry")
			}
			return page, attempt, nil
		}
		lastErr = err

		class := client.ClassOf(err)
		if !client.IsRetryable(err) || ctx.Err() != nil {
			return nil, attempt, err
		}
		if attempt == maxAttempts {
			break
		}

		shape := o.retryShape(class)
		wait := shape.Backoff(attempt)
		var se *client.SourceError
		if errors.As(err, &se) && se.RetryAfter > wait {
			wait = se.RetryAfter
		}
		wait = shape.WithJitter(wait)
		client.RecordRetry("page", class, wait)

		r.logger.Warn().
			Err(err).
			Str("error_class", string(class)).
			Int("offset", offset).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Page fetch failed, backing off")

		if err := o.sleep(ctx, wait); err != nil {
			return nil, attempt, err
		}
	}

	client.RecordRetryExhausted("page", client.ClassOf(lastErr))
	return nil, maxAttempts, fmt.Errorf("%w after %d attempts: %w", client.ErrRetryExhausted, maxAttempts, lastErr)
}

// enrich fetches detail fields for every record with bounded concurrency.
// Detail failures degrade the record to structured-only and never fail
// the page.
func (r *run) enrich(ctx context.Context, recs []record.Record) ([]record.Record, []RecordFailure) {
	o := r.o
	out := make([]record.Record, len(recs))
	errs := make([]error, len(recs))

	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)
	for i := range recs {
		i := i
		g.Go(func() error {
			rec := recs[i]
			d, err := o.details.Fetch(ctx, rec.Key)
			switch {
			case err != nil:
				errs[i] = err
				rec.Completeness = record.CompletenessStructured
				detailFetchTotal.WithLabelValues("failed").Inc()
			case d.IsEmpty():
				rec.Completeness = record.CompletenessStructured
				detailFetchTotal.WithLabelValues("empty").Inc()
			default:
				rec.Detail = d
				rec.Completeness = record.CompletenessFull
				detailFetchTotal.WithLabelValues("full").Inc()
			}
			out[i] = rec
			return nil
		})
	}
	g.Wait()

	var failures []RecordFailure
	for i, err := range errs {
		if err == nil {
			continue
		}
		r.logger.Warn().Err(err).Int64("list_entry", recs[i].Key).Msg("Detail fetch failed, keeping structured fields only")
		failures = append(failures, RecordFailure{Key: recs[i].Key, Stage: FailureDetail, Err: err})
		recordFailuresTotal.WithLabelValues(FailureDetail).Inc()
	}
	return out, failures
}

// record appends the outcome to the ledger history when supported. History
// is informational, so a failure is only logged.
func (r *run) record(ctx context.Context, outcome Outcome) {
	h, ok := r.o.ledger.(ledger.HistoryRecorder)
	if !ok {
		return
	}
	b := outcome.batchRecord(r.cursor.RunID, r.report.Session, r.o.now().UTC())
	if err := h.RecordBatch(ctx, b); err != nil {
		r.logger.Warn().Err(err).Int("offset", outcome.Offset).Msg("Batch history write failed")
	}
}

func (r *run) fatal(stage State, class string, err error) *RunError {
	return &RunError{
		Stage:     stage,
		Class:     class,
		Cursor:    r.cursor,
		Attempted: r.report.Attempted,
		Committed: r.report.Committed,
		Failed:    r.report.Failed,
		Err:       err,
	}
}

func (r *run) finish(err error) (*Report, error) {
	r.report.Cursor = r.cursor
	r.report.Elapsed = r.o.now().Sub(r.started)

	var runErr *RunError
	if err != nil && !errors.As(err, &runErr) {
		runErr = r.fatal(r.o.State(), "internal", err)
	}

	if runErr != nil {
		r.o.setState(StateFailed)
		r.report.State = StateFailed
		runsTotal.WithLabelValues(string(StateFailed), runErr.Class).Inc()

		event := r.logger.Error()
		if runErr.Class == ClassCancelled {
			event = r.logger.Warn()
		}
		event.Err(runErr.Err).
			Str("stage", string(runErr.Stage)).
			Str("class", runErr.Class).
			Int("resume_offset", runErr.Cursor.Offset).
			Int64("attempted", runErr.Attempted).
			Int64("committed", runErr.Committed).
			Int64("failed", runErr.Failed).
			Msg("Ingest run stopped")
		return r.report, runErr
	}

	r.o.setState(StateDone)
	r.report.State = StateDone
	runsTotal.WithLabelValues(string(StateDone), "").Inc()
	r.logger.Info().
		Int("pages", r.report.Pages).
		Int64("attempted", r.report.Attempted).
		Int64("committed", r.report.Committed).
		Int64("failed", r.report.Failed).
		Int64("detail_failures", r.report.DetailFailures).
		Int("offset", r.cursor.Offset).
		Dur("elapsed", r.report.Elapsed).
		Msg("Ingest run finished")
	return r.report, nil
}
