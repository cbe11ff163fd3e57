package detail

import (
	"context"
	"errors"
	"time"

	"github.com/Sternrassler/nhle-ingest/pkg/client"
	"github.com/Sternrassler/nhle-ingest/pkg/ratelimit"
	"github.com/Sternrassler/nhle-ingest/pkg/record"
)

// Retrier wraps a Fetcher with a bounded number of attempts. Every failure
// is retried until the limit except a missing page and cancellation.
type Retrier struct {
	fetcher  Fetcher
	retry    client.RetryConfig
	governor *ratelimit.Governor
}

// RetrierConfig configures a Retrier.
type RetrierConfig struct {
	// MaxAttempts bounds attempts per key (default 3).
	MaxAttempts int

	// InitialBackoff and MaxBackoff shape the delay between attempts.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Governor optionally paces attempts for fetchers that do not pace themselves.
	Governor *ratelimit.Governor
}

// DefaultRetrierConfig returns the default detail retry policy.
func DefaultRetrierConfig() RetrierConfig {
	return RetrierConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// NewRetrier creates a Retrier around f.
func NewRetrier(f Fetcher, cfg RetrierConfig) *Retrier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return &Retrier{
		fetcher: f,
		retry: client.RetryConfig{
			MaxAttempts:       cfg.MaxAttempts,
			InitialBackoff:    cfg.InitialBackoff,
			MaxBackoff:        cfg.MaxBackoff,
			BackoffMultiplier: 2.0,
			Jitter:            0.2,
		},
		governor: cfg.Governor,
	}
}

// Fetch retrieves detail fields for key. The error, when non-nil, is a
// *FetchError carrying the attempt count.
func (r *Retrier) Fetch(ctx context.Context, key int64) (*record.DetailFields, error) {
	var fields *record.DetailFields
	attempts := 0

	err := client.Retry(ctx, "detail", r.retry, func(int) error {
		attempts++
		if err := r.governor.Wait(ctx); err != nil {
			return err
		}
		d, err := r.fetcher.FetchDetail(ctx, key)
		if err != nil {
			return err
		}
		fields = d
		return nil
	}, classifyDetail)
	if err != nil {
		return nil, &FetchError{Key: key, Attempts: attempts, Err: err}
	}
	return fields, nil
}

func classifyDetail(err error) (client.ErrorClass, bool) {
	switch {
	case errors.Is(err, ErrNotFound):
		return client.ErrorClassClient, false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, client.ErrContextCancelled):
		return client.ErrorClassNetwork, false
	}
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == 429 {
		return client.ErrorClassRateLimit, true
	}
	return client.ErrorClassServer, true
}
