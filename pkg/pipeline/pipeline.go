// Package pipeline drives a resumable ingest: it pulls pages from a source,
// enriches records with detail fields, upserts them into a store and
// checkpoints the ledger after each committed page.
package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/nhle-ingest/pkg/client"
	"github.com/Sternrassler/nhle-ingest/pkg/ledger"
	"github.com/Sternrassler/nhle-ingest/pkg/logging"
	"github.com/Sternrassler/nhle-ingest/pkg/record"
	"github.com/Sternrassler/nhle-ingest/pkg/store"
	"github.com/rs/zerolog"
)

// State is a step of the orchestrator state machine.
type State string

const (
	StateStarting       State = "STARTING"
	StateResuming       State = "RESUMING"
	StateFresh          State = "FRESH"
	StateFetchingPage   State = "FETCHING_PAGE"
	StateMergingDetails State = "MERGING_DETAILS"
	StateCommitting     State = "COMMITTING"
	StateCheckpointing  State = "CHECKPOINTING"
	StateDone           State = "DONE"
	StateFailed         State = "FAILED"
)

// Source returns pages of structured records.
type Source interface {
	FetchPage(ctx context.Context, offset, size int) (*record.Page, error)
}

// Counter is implemented by sources that can report the collection size.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// Details fetches detail fields with its own bounded retries.
// *detail.Retrier implements it.
type Details interface {
	Fetch(ctx context.Context, key int64) (*record.DetailFields, error)
}

// Config configures an Orchestrator.
type Config struct {
	// PageSize is the requested page size.
	PageSize int

	// SampleTarget stops the run once this many records are committed
	// since the last reset; 0 runs to exhaustion.
	SampleTarget int64

	// Workers bounds concurrent detail fetches within a page.
	Workers int

	// Resume continues from the ledger cursor; otherwise the ledger is
	// reset and the run starts at offset 0.
	Resume bool

	// Retry governs page fetch attempts. MaxAttempts is the ceiling; when
	// InitialBackoff is zero the backoff shape follows the error class.
	Retry client.RetryConfig
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		PageSize: 1000,
		Workers:  4,
		Resume:   true,
		Retry:    client.RetryConfig{MaxAttempts: 5, Jitter: 0.2},
	}
}

// Orchestrator runs the ingest loop. It is the only writer of the ledger.
type Orchestrator struct {
	source  Source
	details Details
	store   store.Store
	ledger  ledger.Ledger
	cfg     Config
	logger  zerolog.Logger

	state atomic.Value

	// now and sleep are replaceable in tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an Orchestrator. details may be nil to disable enrichment.
func New(src Source, details Details, st store.Store, lg ledger.Ledger, cfg Config) (*Orchestrator, error) {
	if src == nil {
		return nil, fmt.Errorf("source is required")
	}
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if lg == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if cfg.PageSize <= 0 {
		return nil, fmt.Errorf("page_size must be > 0 (got %d)", cfg.PageSize)
	}
	if cfg.SampleTarget < 0 {
		return nil, fmt.Errorf("sample_target must be >= 0 (got %d)", cfg.SampleTarget)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}

	o := &Orchestrator{
		source:  src,
		details: details,
		store:   st,
		ledger:  lg,
		cfg:     cfg,
		logger:  logging.NewLogger("orchestrator"),
		now:     time.Now,
		sleep:   client.Sleep,
	}
	o.state.Store(StateStarting)
	return o, nil
}

// State returns the current state.
func (o *Orchestrator) State() State {
	return o.state.Load().(State)
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(s)
	runState.Set(stateIndex(s))
}

// retryShape returns the page retry policy for an error class.
func (o *Orchestrator) retryShape(class client.ErrorClass) client.RetryConfig {
	cfg := o.cfg.Retry
	if cfg.InitialBackoff <= 0 {
		shape := client.RetryConfigForErrorClass(class)
		shape.MaxAttempts = cfg.MaxAttempts
		shape.Jitter = cfg.Jitter
		cfg = shape
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	return cfg
}
