package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/nhle-ingest/internal/testutil"
	"github.com/Sternrassler/nhle-ingest/pkg/client"
	"github.com/Sternrassler/nhle-ingest/pkg/detail"
	"github.com/Sternrassler/nhle-ingest/pkg/ledger"
	"github.com/Sternrassler/nhle-ingest/pkg/record"
	"github.com/Sternrassler/nhle-ingest/pkg/store"
)

// fastRetry keeps backoff short and deterministic.
func fastRetry(attempts int) client.RetryConfig {
	return client.RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    20 * time.Millisecond,
		MaxBackoff:        200 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

func newSourceClient(t *testing.T, mock *testutil.MockNHLE) *client.Client {
	t.Helper()
	cfg := client.DefaultConfig("nhle-ingest-test/1.0")
	cfg.BaseURL = mock.FeatureLayerURL()
	cfg.Retry = fastRetry(1)
	c, err := client.New(cfg)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	return c
}

func newLedger(t *testing.T) *ledger.FileLedger {
	t.Helper()
	l, err := ledger.NewFileLedger(filepath.Join(t.TempDir(), "ledger.json"), 0)
	if err != nil {
		t.Fatalf("NewFileLedger() error = %v", err)
	}
	return l
}

func testConfig(pageSize int) Config {
	cfg := DefaultConfig()
	cfg.PageSize = pageSize
	cfg.Retry = fastRetry(3)
	return cfg
}

func newOrchestrator(t *testing.T, src Source, d Details, st store.Store, lg ledger.Ledger, cfg Config) *Orchestrator {
	t.Helper()
	o, err := New(src, d, st, lg, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return o
}

// failingLedger wraps a ledger and fails selected operations.
type failingLedger struct {
	ledger.Ledger
	mu           sync.Mutex
	commits      int
	failCommitAt int
	failLoad     bool
}

func (f *failingLedger) Load(ctx context.Context) (*ledger.Cursor, error) {
	if f.failLoad {
		return nil, &ledger.IOError{Op: "load", Err: errors.New("disk gone")}
	}
	return f.Ledger.Load(ctx)
}

func (f *failingLedger) Commit(ctx context.Context, c ledger.Cursor) error {
	f.mu.Lock()
	f.commits++
	n := f.commits
	f.mu.Unlock()
	if n == f.failCommitAt {
		return &ledger.IOError{Op: "commit", Err: errors.New("disk full")}
	}
	return f.Ledger.Commit(ctx, c)
}

// sliceSource serves records from memory and can cancel or fail on demand.
type sliceSource struct {
	mu      sync.Mutex
	records []record.Record
	offsets []int
	onFetch func(call int)
}

func (s *sliceSource) FetchPage(_ context.Context, offset, size int) (*record.Page, error) {
	s.mu.Lock()
	s.offsets = append(s.offsets, offset)
	call := len(s.offsets)
	s.mu.Unlock()
	if s.onFetch != nil {
		s.onFetch(call)
	}

	end := offset + size
	if end > len(s.records) {
		end = len(s.records)
	}
	page := &record.Page{Offset: offset, NextOffset: offset, Total: len(s.records)}
	if offset < len(s.records) {
		page.Records = append([]record.Record(nil), s.records[offset:end]...)
		page.NextOffset = end
	}
	page.Exhausted = page.NextOffset >= len(s.records)
	return page, nil
}

func makeRecords(n int) []record.Record {
	out := make([]record.Record, n)
	for i := range out {
		out[i] = record.Record{
			Key:          int64(1000 + i),
			Structured:   record.StructuredFields{Name: record.Ptr(fmt.Sprintf("b%d", i)), Grade: record.Ptr("II")},
			Completeness: record.CompletenessStructured,
		}
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	st := store.NewMemoryStore()
	lg := newLedger(t)
	src := &sliceSource{}

	tests := []struct {
		name string
		fn   func() (*Orchestrator, error)
	}{
		{"nil source", func() (*Orchestrator, error) { return New(nil, nil, st, lg, testConfig(10)) }},
		{"nil store", func() (*Orchestrator, error) { return New(src, nil, nil, lg, testConfig(10)) }},
		{"nil ledger", func() (*Orchestrator, error) { return New(src, nil, st, nil, testConfig(10)) }},
		{"zero page size", func() (*Orchestrator, error) { return New(src, nil, st, lg, testConfig(0)) }},
		{"negative target", func() (*Orchestrator, error) {
			cfg := testConfig(10)
			cfg.SampleTarget = -1
			return New(src, nil, st, lg, cfg)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.fn(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestRun_ThreePagesFor125Records(t *testing.T) {
	mock := testutil.NewMockNHLE(testutil.GenerateFeatures(125, 1))
	defer mock.Close()

	st := store.NewMemoryStore()
	lg := newLedger(t)
	o := newOrchestrator(t, newSourceClient(t, mock), nil, st, lg, testConfig(50))

	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := mock.GetPageRequests(); got != 3 {
		t.Errorf("page requests = %d, want 3", got)
	}
	offsets := mock.GetPageOffsets()
	if len(offsets) != 3 || offsets[0] != 0 || offsets[1] != 50 || offsets[2] != 100 {
		t.Errorf("page offsets = %v, want [0 50 100]", offsets)
	}
	if report.State != StateDone || o.State() != StateDone {
		t.Errorf("state = %s/%s, want DONE", report.State, o.State())
	}
	if report.Pages != 3 || report.Committed != 125 {
		t.Errorf("report = %d pages / %d committed, want 3 / 125", report.Pages, report.Committed)
	}
	if report.Total != 125 {
		t.Errorf("Total = %d, want 125", report.Total)
	}
	sizes := []int{report.Outcomes[0].Committed, report.Outcomes[1].Committed, report.Outcomes[2].Committed}
	if sizes[0] != 50 || sizes[1] != 50 || sizes[2] != 25 {
		t.Errorf("page sizes = %v, want [50 50 25]", sizes)
	}
	if n, _ := st.Count(context.Background()); n != 125 {
		t.Errorf("store count = %d, want 125", n)
	}

	c, _ := lg.Load(context.Background())
	if c.Offset != 125 || c.Committed != 125 || c.RunID != 1 {
		t.Errorf("cursor = %+v, want offset 125, committed 125, run 1", c)
	}
	h, _ := lg.History(context.Background(), 0)
	if len(h) != 3 {
		t.Errorf("history = %d batches, want 3", len(h))
	}
}

func TestRun_TransientErrorsThenSuccess(t *testing.T) {
	mock := testutil.NewMockNHLE(testutil.GenerateFeatures(30, 1))
	defer mock.Close()
	mock.FailPage(0, testutil.ServerError(), testutil.ServerError())

	st := store.NewMemoryStore()
	o := newOrchestrator(t, newSourceClient(t, mock), nil, st, newLedger(t), testConfig(50))

	start := time.Now()
	report, err := o.Run(context.Background())
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if report.Pages != 1 {
		t.Errorf("pages committed = %d, want 1", report.Pages)
	}
	if report.Outcomes[0].FetchAttempts != 3 {
		t.Errorf("FetchAttempts = %d, want 3", report.Outcomes[0].FetchAttempts)
	}
	if got := mock.GetPageRequests(); got != 3 {
		t.Errorf("page requests = %d, want 3", got)
	}
	if n, _ := st.Count(context.Background()); n != 30 {
		t.Errorf("store count = %d, want 30", n)
	}
	// 20ms after attempt 1 plus 40ms after attempt 2.
	if elapsed < 60*time.Millisecond {
		t.Errorf("elapsed = %v, want >= 60ms of backoff", elapsed)
	}
}

func TestRun_RetryAfterIsHonoured(t *testing.T) {
	mock := testutil.NewMockNHLE(testutil.GenerateFeatures(5, 1))
	defer mock.Close()
	mock.FailPage(0, testutil.RateLimited("1"))

	o := newOrchestrator(t, newSourceClient(t, mock), nil, store.NewMemoryStore(), newLedger(t), testConfig(50))
	var waits []time.Duration
	o.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(waits) != 1 || waits[0] != time.Second {
		t.Errorf("waits = %v, want [1s]", waits)
	}
}

func TestRun_RetryCeilingFails(t *testing.T) {
	mock := testutil.NewMockNHLE(testutil.GenerateFeatures(75, 1))
	defer mock.Close()
	mock.FailPage(50, testutil.ServerError(), testutil.ServerError(), testutil.ServerError())

	lg := newLedger(t)
	o := newOrchestrator(t, newSourceClient(t, mock), nil, store.NewMemoryStore(), lg, testConfig(50))

	report, err := o.Run(context.Background())
	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("Run() error = %v, want *RunError", err)
	}
	if !errors.Is(err, client.ErrRetryExhausted) {
		t.Errorf("error = %v, want ErrRetryExhausted", err)
	}
	if runErr.Stage != StateFetchingPage || runErr.Class != string(client.ErrorClassServer) {
		t.Errorf("stage/class = %s/%s, want FETCHING_PAGE/server", runErr.Stage, runErr.Class)
	}
	if runErr.Cursor.Offset != 50 || runErr.Committed != 50 {
		t.Errorf("resume point = %d (committed %d), want 50", runErr.Cursor.Offset, runErr.Committed)
	}
	if report.State != StateFailed {
		t.Errorf("State = %s, want FAILED", report.State)
	}
	c, _ := lg.Load(context.Background())
	if c.Offset != 50 {
		t.Errorf("ledger offset = %d, want 50", c.Offset)
	}
}

func TestRun_PermanentErrorIsFatalImmediately(t *testing.T) {
	mock := testutil.NewMockNHLE(testutil.GenerateFeatures(10, 1))
	defer mock.Close()
	mock.FailPage(0, testutil.MockFailure{StatusCode: 400})

	o := newOrchestrator(t, newSourceClient(t, mock), nil, store.NewMemoryStore(), newLedger(t), testConfig(50))

	_, err := o.Run(context.Background())
	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("Run() error = %v, want *RunError", err)
	}
	if runErr.Class != string(client.ErrorClassClient) {
		t.Errorf("Class = %s, want client", runErr.Class)
	}
	if got := mock.GetPageRequests(); got != 1 {
		t.Errorf("page requests = %d, want 1", got)
	}
}

// failDetails fails for the listed keys and returns fields for the rest.
type failDetails struct {
	fail map[int64]bool
}

func (f failDetails) Fetch(_ context.Context, key int64) (*record.DetailFields, error) {
	if f.fail[key] {
		return nil, &detail.FetchError{Key: key, Attempts: 3, Err: errors.New("503")}
	}
	return &record.DetailFields{Title: record.Ptr(fmt.Sprintf("entry %d", key))}, nil
}

func TestRun_OneDetailFailureOfFifty(t *testing.T) {
	src := &sliceSource{records: makeRecords(50)}
	st := store.NewMemoryStore()
	d := failDetails{fail: map[int64]bool{1017: true}}

	report, err := newOrchestrator(t, src, d, st, newLedger(t), testConfig(50)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	out := report.Outcomes[0]
	if out.Committed != 50 || out.DetailFailures != 1 || out.Failed != 0 {
		t.Errorf("outcome = %+v, want 50 committed, 1 detail failure", out)
	}
	if len(out.Failures) != 1 || out.Failures[0].Key != 1017 || out.Failures[0].Stage != FailureDetail {
		t.Errorf("Failures = %+v", out.Failures)
	}

	stats, _ := st.Stats(context.Background())
	if stats.ByCompleteness["full"] != 49 || stats.ByCompleteness["structured"] != 1 {
		t.Errorf("ByCompleteness = %v, want 49 full / 1 structured", stats.ByCompleteness)
	}
	rec, _ := st.Get(context.Background(), 1017)
	if rec.Completeness != record.CompletenessStructured || rec.Detail != nil {
		t.Errorf("failed record = %+v, want structured-only", rec)
	}
}

func TestRun_DetailFanOutAgainstMock(t *testing.T) {
	mock := testutil.NewMockNHLE(testutil.GenerateFeatures(20, 1))
	defer mock.Close()
	mock.MissingDetail(5)

	pf, err := detail.NewPageFetcher(detail.PageConfig{BaseURL: mock.URL(), UserAgent: "test"})
	if err != nil {
		t.Fatal(err)
	}
	retrier := detail.NewRetrier(pf, detail.RetrierConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond})

	st := store.NewMemoryStore()
	report, err := newOrchestrator(t, newSourceClient(t, mock), retrier, st, newLedger(t), testConfig(50)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.DetailFailures != 1 || report.Committed != 20 {
		t.Errorf("report = %d committed / %d detail failures, want 20 / 1", report.Committed, report.DetailFailures)
	}
	rec, _ := st.Get(context.Background(), 3)
	if rec.Detail == nil || rec.Detail.MinorAmendmentDate == nil || *rec.Detail.MinorAmendmentDate != "12/05/2015" {
		t.Errorf("record 3 detail = %+v, want minor amendment date", rec.Detail)
	}
}

func TestRun_CrashBetweenCommitAndCheckpoint(t *testing.T) {
	mock := testutil.NewMockNHLE(testutil.GenerateFeatures(125, 1))
	defer mock.Close()

	st := store.NewMemoryStore()
	base := newLedger(t)
	// Commit 1 claims the run id, commit 2 is the first page checkpoint.
	broken := &failingLedger{Ledger: base, failCommitAt: 2}

	_, err := newOrchestrator(t, newSourceClient(t, mock), nil, st, broken, testConfig(50)).Run(context.Background())
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Stage != StateCheckpointing || runErr.Class != ClassLedger {
		t.Fatalf("Run() error = %v, want ledger failure in CHECKPOINTING", err)
	}
	if n, _ := st.Count(context.Background()); n != 50 {
		t.Fatalf("store count after crash = %d, want 50", n)
	}
	if c, _ := base.Load(context.Background()); c.Offset != 0 {
		t.Fatalf("ledger offset after crash = %d, want 0", c.Offset)
	}

	report, err := newOrchestrator(t, newSourceClient(t, mock), nil, st, base, testConfig(50)).Run(context.Background())
	if err != nil {
		t.Fatalf("resumed Run() error = %v", err)
	}
	if !report.Resumed || report.RunID != 2 {
		t.Errorf("report resumed=%v run=%d, want resumed run 2", report.Resumed, report.RunID)
	}
	if n, _ := st.Count(context.Background()); n != 125 {
		t.Errorf("store count = %d, want 125", n)
	}
	if report.Outcomes[0].Offset != 0 || report.Outcomes[0].Updated != 50 {
		t.Errorf("first resumed page = %+v, want offset 0 re-committed as 50 updates", report.Outcomes[0])
	}
}

func TestRun_IdempotentReingest(t *testing.T) {
	src := &sliceSource{records: makeRecords(60)}
	st := store.NewMemoryStore()
	lg := newLedger(t)
	cfg := testConfig(25)
	cfg.Resume = false

	if _, err := newOrchestrator(t, src, nil, st, lg, cfg).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	before, _ := st.Get(context.Background(), 1030)

	report, err := newOrchestrator(t, src, nil, st, lg, cfg).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	after, _ := st.Get(context.Background(), 1030)

	if n, _ := st.Count(context.Background()); n != 60 {
		t.Errorf("store count = %d, want 60", n)
	}
	if *before.Structured.Name != *after.Structured.Name || before.Completeness != after.Completeness {
		t.Errorf("record changed on re-ingest: %+v -> %+v", before, after)
	}
	if report.RunID != 2 || report.Resumed {
		t.Errorf("second run = id %d resumed %v, want fresh run 2", report.RunID, report.Resumed)
	}
	var updated int
	for _, o := range report.Outcomes {
		updated += o.Updated
	}
	if updated != 60 {
		t.Errorf("updated = %d, want 60", updated)
	}
}

func TestRun_SampleTarget(t *testing.T) {
	mock := testutil.NewMockNHLE(testutil.GenerateFeatures(125, 1))
	defer mock.Close()

	st := store.NewMemoryStore()
	cfg := testConfig(50)
	cfg.SampleTarget = 70

	report, err := newOrchestrator(t, newSourceClient(t, mock), nil, st, newLedger(t), cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Committed != 70 {
		t.Errorf("Committed = %d, want 70", report.Committed)
	}
	if n, _ := st.Count(context.Background()); n != 70 {
		t.Errorf("store count = %d, want 70", n)
	}
	if got := mock.GetPageRequests(); got != 2 {
		t.Errorf("page requests = %d, want 2", got)
	}
}

func TestRun_StaleTotalTrustsPageEmptiness(t *testing.T) {
	mock := testutil.NewMockNHLE(testutil.GenerateFeatures(125, 1))
	defer mock.Close()
	src := newSourceClient(t, mock)
	st := store.NewMemoryStore()
	lg := newLedger(t)

	if _, err := newOrchestrator(t, src, nil, st, lg, testConfig(50)).Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The collection grows; the client still holds the old total.
	mock.SetFeatures(testutil.GenerateFeatures(175, 1))
	report, err := newOrchestrator(t, src, nil, st, lg, testConfig(50)).Run(context.Background())
	if err != nil {
		t.Fatalf("resumed Run() error = %v", err)
	}
	if n, _ := st.Count(context.Background()); n != 175 {
		t.Errorf("store count = %d, want 175", n)
	}
	if report.Cursor.Offset != 175 {
		t.Errorf("cursor offset = %d, want 175", report.Cursor.Offset)
	}
}

func TestRun_CancellationBetweenPages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &sliceSource{records: makeRecords(100)}
	src.onFetch = func(call int) {
		if call == 1 {
			cancel()
		}
	}
	st := store.NewMemoryStore()
	lg := newLedger(t)

	report, err := newOrchestrator(t, src, nil, st, lg, testConfig(40)).Run(ctx)
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Class != ClassCancelled {
		t.Fatalf("Run() error = %v, want cancelled RunError", err)
	}
	if !errors.Is(err, ErrCancelled) {
		t.Errorf("error = %v, want ErrCancelled", err)
	}
	if report.Pages != 1 {
		t.Errorf("pages = %d, want the in-flight page committed", report.Pages)
	}
	c, _ := lg.Load(context.Background())
	if c.Offset != 40 {
		t.Errorf("ledger offset = %d, want 40", c.Offset)
	}
	if n, _ := st.Count(context.Background()); n != 40 {
		t.Errorf("store count = %d, want 40", n)
	}
}

func TestRun_LedgerLoadFailureIsFatal(t *testing.T) {
	src := &sliceSource{records: makeRecords(10)}
	lg := &failingLedger{Ledger: newLedger(t), failLoad: true}

	_, err := newOrchestrator(t, src, nil, store.NewMemoryStore(), lg, testConfig(10)).Run(context.Background())
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Stage != StateStarting || runErr.Class != ClassLedger {
		t.Fatalf("Run() error = %v, want ledger failure in STARTING", err)
	}
	var ioErr *ledger.IOError
	if !errors.As(err, &ioErr) {
		t.Errorf("error chain = %v, want *ledger.IOError", err)
	}
	if len(src.offsets) != 0 {
		t.Errorf("source called %d times, want 0", len(src.offsets))
	}
}

func TestRun_StoreRejectionDoesNotBlockCursor(t *testing.T) {
	recs := makeRecords(10)
	recs[4].Key = -1
	src := &sliceSource{records: recs}
	lg := newLedger(t)

	report, err := newOrchestrator(t, src, nil, store.NewMemoryStore(), lg, testConfig(10)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Committed != 9 || report.Failed != 1 {
		t.Errorf("report = %d committed / %d failed, want 9 / 1", report.Committed, report.Failed)
	}
	c, _ := lg.Load(context.Background())
	if c.Offset != 10 || c.Committed != 9 {
		t.Errorf("cursor = %+v, want offset 10 committed 9", c)
	}
}

func TestRun_FreshRunResetsButKeepsRunID(t *testing.T) {
	lg := newLedger(t)
	ctx := context.Background()
	_ = lg.Commit(ctx, ledger.Cursor{Offset: 40, Committed: 40, RunID: 7})

	cfg := testConfig(50)
	cfg.Resume = false
	report, err := newOrchestrator(t, &sliceSource{records: makeRecords(5)}, nil, store.NewMemoryStore(), lg, cfg).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.RunID != 8 || report.Resumed {
		t.Errorf("RunID = %d resumed %v, want 8 fresh", report.RunID, report.Resumed)
	}
	if report.Cursor.Offset != 5 || report.Cursor.Committed != 5 {
		t.Errorf("cursor = %+v, want offset 5 committed 5", report.Cursor)
	}
}

func TestRunError_Error(t *testing.T) {
	err := &RunError{
		Stage:  StateFetchingPage,
		Class:  "server",
		Cursor: ledger.Cursor{Offset: 150},
		Err:    errors.New("503"),
	}
	want := "run failed in FETCHING_PAGE (server) at offset 150: 503"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
