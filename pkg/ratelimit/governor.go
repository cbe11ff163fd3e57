package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for governor activity.
var (
	governorWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nhle_governor_wait_seconds",
		Help:    "Time callers spent waiting on the request governor",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"channel"})

	governorPausesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nhle_governor_pauses_total",
		Help: "Total number of cool-off pauses triggered by throttled responses",
	}, []string{"channel"})

	governorThrottled = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nhle_governor_consecutive_throttled",
		Help: "Consecutive throttled responses seen by the governor",
	}, []string{"channel"})
)

// Config holds governor configuration.
type Config struct {
	// Channel labels metrics and logs (e.g. "source", "detail").
	Channel string

	// MinInterval is the minimum delay between two requests.
	MinInterval time.Duration

	// Burst allows short bursts above the steady rate (default 1).
	Burst int

	// CooloffBase is the first pause after a throttled response.
	CooloffBase time.Duration

	// CooloffMax caps the pause.
	CooloffMax time.Duration
}

// DefaultConfig returns conservative defaults for page scraping.
func DefaultConfig(channel string) Config {
	return Config{
		Channel:     channel,
		MinInterval: 1 * time.Second,
		Burst:       1,
		CooloffBase: 5 * time.Second,
		CooloffMax:  2 * time.Minute,
	}
}

// Governor gates requests on one channel. A nil *Governor never blocks.
type Governor struct {
	limiter *rate.Limiter
	config  Config
	logger  zerolog.Logger

	mu    sync.Mutex
	state State
}

// NewGovernor creates a new governor.
func NewGovernor(cfg Config, logger zerolog.Logger) (*Governor, error) {
	if cfg.MinInterval < 0 {
		return nil, fmt.Errorf("min interval must be >= 0 (got %s)", cfg.MinInterval)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.CooloffBase <= 0 {
		cfg.CooloffBase = 5 * time.Second
	}
	if cfg.CooloffMax < cfg.CooloffBase {
		cfg.CooloffMax = cfg.CooloffBase
	}
	if cfg.Channel == "" {
		cfg.Channel = "default"
	}

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}

	return &Governor{
		limiter: rate.NewLimiter(limit, cfg.Burst),
		config:  cfg,
		logger:  logger.With().Str("channel", cfg.Channel).Logger(),
	}, nil
}

// Wait blocks until the caller may issue its next request: first any active
// cool-off pause, then the minimum interval.
func (g *Governor) Wait(ctx context.Context) error {
	if g == nil {
		return nil
	}
	start := time.Now()
	defer func() {
		governorWaitSeconds.WithLabelValues(g.config.Channel).Observe(time.Since(start).Seconds())
	}()

	for {
		state := g.State()
		pause := state.TimeUntilResume()
		if pause <= 0 {
			break
		}
		event := g.logger.Debug()
		if state.NeedsCriticalBlock() {
			event = g.logger.Info()
		}
		event.Dur("pause", pause).Msg("Waiting for cool-off to end")
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

// ReportThrottled records a throttled response and pauses every caller.
// retryAfter is the server hint and may be zero.
func (g *Governor) ReportThrottled(retryAfter time.Duration) {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state.ConsecutiveThrottled++
	pause := g.cooloff(g.state.ConsecutiveThrottled)
	if retryAfter > pause {
		pause = retryAfter
	}
	now := time.Now()
	if until := now.Add(pause); until.After(g.state.PausedUntil) {
		g.state.PausedUntil = until
	}
	g.state.LastUpdate = now

	governorPausesTotal.WithLabelValues(g.config.Channel).Inc()
	governorThrottled.WithLabelValues(g.config.Channel).Set(float64(g.state.ConsecutiveThrottled))

	event := g.logger.Error()
	if g.state.NeedsThrottling() {
		event = g.logger.Warn()
	}
	event.
		Int("consecutive_throttled", g.state.ConsecutiveThrottled).
		Dur("pause", pause).
		Msg("Throttled by remote, pausing requests")
}

// ReportSuccess clears the throttled streak.
func (g *Governor) ReportSuccess() {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.IsHealthy() {
		return
	}
	g.state.ConsecutiveThrottled = 0
	g.state.LastUpdate = time.Now()
	governorThrottled.WithLabelValues(g.config.Channel).Set(0)
	g.logger.Info().Msg("Throttling cleared")
}

// State returns a snapshot of the cool-off state.
func (g *Governor) State() State {
	if g == nil {
		return State{}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// cooloff returns the pause for the n-th consecutive throttled response.
func (g *Governor) cooloff(n int) time.Duration {
	if n >= CriticalThreshold {
		return g.config.CooloffMax
	}
	d := g.config.CooloffBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= g.config.CooloffMax {
			return g.config.CooloffMax
		}
	}
	return d
}
