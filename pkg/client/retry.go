package client

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nhle_retries_total",
		Help: "Total number of retry attempts by scope and error class",
	}, []string{"scope", "error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nhle_retry_backoff_seconds",
		Help:    "Backoff duration for retries by scope and error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"scope", "error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nhle_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by scope and error class",
	}, []string{"scope", "error_class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64

	// Jitter is the relative randomisation applied by Sleep (0.2 = ±20%).
	Jitter float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
	}
}

// RetryConfigForErrorClass returns the appropriate retry configuration for an error class.
func RetryConfigForErrorClass(errorClass ErrorClass) RetryConfig {
	cfg := DefaultRetryConfig()
	switch errorClass {
	case ErrorClassServer:
		// 5xx server errors - shorter backoff
		cfg.MaxBackoff = 10 * time.Second
	case ErrorClassRateLimit:
		// throttled - longer backoff
		cfg.InitialBackoff = 5 * time.Second
		cfg.MaxBackoff = 60 * time.Second
	case ErrorClassNetwork:
		cfg.InitialBackoff = 2 * time.Second
	}
	return cfg
}

// Backoff returns the delay before the retry that follows the given failed
// attempt (1-based). It is a pure function of the configuration and attempt.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := c.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(c.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if c.MaxBackoff > 0 && d > float64(c.MaxBackoff) {
		return c.MaxBackoff
	}
	return time.Duration(d)
}

// WithJitter spreads d by the configured jitter fraction.
func (c RetryConfig) WithJitter(d time.Duration) time.Duration {
	if c.Jitter <= 0 || d <= 0 {
		return d
	}
	return time.Duration(float64(d) * (1 - c.Jitter + rand.Float64()*2*c.Jitter))
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
	case <-timer.C:
		return nil
	}
}

// RecordRetry records a scheduled retry for observability.
func RecordRetry(scope string, errorClass ErrorClass, backoff time.Duration) {
	retriesTotal.WithLabelValues(scope, string(errorClass)).Inc()
	retryBackoffSeconds.WithLabelValues(scope, string(errorClass)).Observe(backoff.Seconds())
}

// RecordRetryExhausted records a retry ceiling being hit.
func RecordRetryExhausted(scope string, errorClass ErrorClass) {
	retryExhaustedTotal.WithLabelValues(scope, string(errorClass)).Inc()
}

// Retry executes fn with exponential backoff until it succeeds, returns a
// non-retryable error or cfg.MaxAttempts is reached. classify decides whether
// an error may be retried and how it is labelled.
func Retry(ctx context.Context, scope string, cfg RetryConfig, fn func(attempt int) error, classify func(error) (ErrorClass, bool)) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	var lastClass ErrorClass
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			if attempt > 1 {
				log.Info().
					Str("scope", scope).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		lastErr = err
		class, retryable := classify(err)
		lastClass = class
		if !retryable {
			return lastErr
		}

		if attempt >= cfg.MaxAttempts {
			break
		}

		wait := cfg.WithJitter(cfg.Backoff(attempt))
		RecordRetry(scope, class, wait)

		log.Debug().
			Str("scope", scope).
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Retrying after backoff")

		if err := Sleep(ctx, wait); err != nil {
			log.Warn().
				Str("scope", scope).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return err
		}
	}

	RecordRetryExhausted(scope, lastClass)
	log.Warn().
		Str("scope", scope).
		Str("error_class", string(lastClass)).
		Int("max_attempts", cfg.MaxAttempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, cfg.MaxAttempts, lastErr)
}

// SourceClassifier classifies errors for Retry using the SourceError taxonomy.
func SourceClassifier(err error) (ErrorClass, bool) {
	return ClassOf(err), IsRetryable(err)
}
