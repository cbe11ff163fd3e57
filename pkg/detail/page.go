package detail

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/Sternrassler/nhle-ingest/pkg/ratelimit"
	"github.com/Sternrassler/nhle-ingest/pkg/record"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	detailRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nhle_detail_requests_total",
		Help: "Total detail page requests by status",
	}, []string{"status"})

	detailRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nhle_detail_request_duration_seconds",
		Help:    "Detail page request duration in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	})
)

// DefaultBaseURL is the host serving list entry pages.
const DefaultBaseURL = "https://historicengland.org.uk"

// EntryPath is the path prefix of a list entry page.
const EntryPath = "/listing/the-list/list-entry/"

// PageConfig configures a PageFetcher.
type PageConfig struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration

	// Governor paces requests to the detail host; nil disables pacing.
	Governor *ratelimit.Governor
}

// DefaultPageConfig returns the production detail page configuration.
func DefaultPageConfig(userAgent string) PageConfig {
	return PageConfig{
		BaseURL:   DefaultBaseURL,
		UserAgent: userAgent,
		Timeout:   30 * time.Second,
	}
}

// PageFetcher fetches and parses list entry pages over HTTP.
type PageFetcher struct {
	httpClient *http.Client
	base       *url.URL
	config     PageConfig
	logger     zerolog.Logger
}

// NewPageFetcher creates a PageFetcher.
func NewPageFetcher(cfg PageConfig) (*PageFetcher, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &PageFetcher{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		base:       base,
		config:     cfg,
		logger:     log.With().Str("component", "nhle-detail").Logger(),
	}, nil
}

// URLFor returns the list entry page URL for key.
func (f *PageFetcher) URLFor(key int64) string {
	return strings.TrimSuffix(f.config.BaseURL, "/") + fmt.Sprintf("%s%d", EntryPath, key)
}

// FetchDetail implements Fetcher.
func (f *PageFetcher) FetchDetail(ctx context.Context, key int64) (*record.DetailFields, error) {
	if err := f.config.Governor.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URLFor(key), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	req.Header.Set("Accept", "text/html")

	start := time.Now()
	resp, err := f.httpClient.Do(req)
	detailRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		detailRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("get detail page: %w", err)
	}
	defer resp.Body.Close()

	detailRequestsTotal.WithLabelValues(fmt.Sprintf("%d", resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		f.config.Governor.ReportThrottled(retryAfter(resp.Header.Get("Retry-After")))
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	case resp.StatusCode >= 300:
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	f.config.Governor.ReportSuccess()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse detail page: %w", err)
	}

	fields := Extract(doc, f.base)
	f.logger.Debug().
		Int64("list_entry", key).
		Bool("empty", fields.IsEmpty()).
		Msg("Detail page parsed")
	return fields, nil
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(strings.TrimSpace(v) + "s")
	if err != nil {
		return 0
	}
	return d
}
