// Package client provides the NHLE feature-service client: the paginated
// source of structured listed-building records, with error classification,
// request pacing and retry support.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/nhle-ingest/pkg/ratelimit"
	"github.com/Sternrassler/nhle-ingest/pkg/record"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for source operations.
var (
	sourceRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nhle_source_requests_total",
		Help: "Total source requests by operation and status",
	}, []string{"operation", "status"})

	sourceRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nhle_source_request_duration_seconds",
		Help:    "Source request duration in seconds by operation",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"operation"})

	sourceErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nhle_source_errors_total",
		Help: "Total source errors by class",
	}, []string{"class"})

	sourceDroppedFeaturesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nhle_source_dropped_features_total",
		Help: "Features dropped because they carried no list entry number",
	})
)

// DefaultBaseURL is the NHLE listed buildings layer of the ArcGIS feature service.
const DefaultBaseURL = "https://services-eu1.arcgis.com/ZOdPfBS3aqqDYPUQ/arcgis/rest/services/National_Heritage_List_for_England_NHLE_v02_VIEW/FeatureServer/0"

// Client is the paginated NHLE source client.
type Client struct {
	httpClient *http.Client
	governor   *ratelimit.Governor
	config     Config
	logger     zerolog.Logger

	mu     sync.Mutex
	total  int
	probed bool
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the feature layer URL; "/query" is appended.
	BaseURL string

	// UserAgent header sent with every request.
	UserAgent string

	// Where is the feature filter (default "1=1").
	Where string

	// MaxPageSize is the largest record count the service accepts per query.
	MaxPageSize int

	// Timeout bounds every request.
	Timeout time.Duration

	// Governor paces requests; nil disables pacing.
	Governor *ratelimit.Governor

	// Retry is used for the count probe. Page retries belong to the caller.
	Retry RetryConfig
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(userAgent string) Config {
	return Config{
		BaseURL:     DefaultBaseURL,
		UserAgent:   userAgent,
		Where:       "1=1",
		MaxPageSize: 2000,
		Timeout:     60 * time.Second,
		Retry:       DefaultRetryConfig(),
	}
}

// New creates a new source client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.MaxPageSize <= 0 {
		return nil, fmt.Errorf("max_page_size must be > 0 (got %d)", cfg.MaxPageSize)
	}
	if cfg.Where == "" {
		cfg.Where = "1=1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		governor:   cfg.Governor,
		config:     cfg,
		logger:     log.With().Str("component", "nhle-source").Logger(),
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// MaxPageSize returns the largest page the source accepts.
func (c *Client) MaxPageSize() int {
	return c.config.MaxPageSize
}

// queryResponse is the subset of the ArcGIS query response we consume.
type queryResponse struct {
	Features              []feature  `json:"features"`
	ExceededTransferLimit bool       `json:"exceededTransferLimit"`
	Count                 *int       `json:"count"`
	Error                 *arcgisErr `json:"error"`
}

type arcgisErr struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details"`
}

type feature struct {
	Attributes attributes `json:"attributes"`
	Geometry   *struct {
		X *float64 `json:"x"`
		Y *float64 `json:"y"`
	} `json:"geometry"`
}

type attributes struct {
	Name         *string  `json:"Name"`
	Grade        *string  `json:"Grade"`
	ListEntry    *int64   `json:"ListEntry"`
	ListDate     *int64   `json:"ListDate"`
	AmendDate    *int64   `json:"AmendDate"`
	Category     *string  `json:"Category"`
	NGR          *string  `json:"NGR"`
	Easting      *float64 `json:"Easting"`
	Northing     *float64 `json:"Northing"`
	CaptureScale *string  `json:"CaptureScale"`
	Hyperlink    *string  `json:"hyperlink"`
}

// FetchPage fetches up to size records starting at offset. A size above the
// service maximum is truncated to it. Repeated calls with the same offset
// return the same records while the remote collection is unchanged.
func (c *Client) FetchPage(ctx context.Context, offset, size int) (*record.Page, error) {
	if offset < 0 {
		return nil, &SourceError{ErrorClass: ErrorClassClient, Message: fmt.Sprintf("negative offset %d", offset)}
	}
	if size <= 0 {
		return nil, &SourceError{ErrorClass: ErrorClassClient, Message: fmt.Sprintf("page size must be > 0 (got %d)", size)}
	}
	requested := size
	if requested > c.config.MaxPageSize {
		c.logger.Debug().
			Int("requested", size).
			Int("max_page_size", c.config.MaxPageSize).
			Msg("Page size truncated to service maximum")
		requested = c.config.MaxPageSize
	}

	params := url.Values{}
	params.Set("where", c.config.Where)
	params.Set("outFields", "*")
	params.Set("returnGeometry", "true")
	params.Set("outSR", "4326")
	params.Set("orderByFields", "ListEntry ASC")
	params.Set("resultOffset", strconv.Itoa(offset))
	params.Set("resultRecordCount", strconv.Itoa(requested))
	params.Set("f", "json")

	var qr queryResponse
	if err := c.query(ctx, "page", params, &qr); err != nil {
		return nil, err
	}

	scrapedAt := time.Now().UTC()
	records := make([]record.Record, 0, len(qr.Features))
	for _, f := range qr.Features {
		rec, ok := toRecord(f, scrapedAt)
		if !ok {
			sourceDroppedFeaturesTotal.Inc()
			c.logger.Warn().Int("offset", offset).Msg("Dropping feature without list entry number")
			continue
		}
		records = append(records, rec)
	}

	// Offsets advance by features returned, dropped ones included, so the
	// next page never re-reads or skips a source row.
	returned := len(qr.Features)
	page := &record.Page{
		Offset:     offset,
		Records:    records,
		NextOffset: offset + returned,
		Total:      c.totalHint(ctx),
	}

	switch {
	case returned == 0:
		page.Exhausted = true
	case qr.ExceededTransferLimit:
		page.Truncated = returned < requested
	case returned >= requested:
	case page.Total > 0 && page.NextOffset < page.Total:
		page.Truncated = true
	default:
		page.Exhausted = true
	}

	if page.Truncated {
		c.logger.Debug().
			Int("offset", offset).
			Int("requested", requested).
			Int("returned", returned).
			Msg("Source returned a short page with more records pending")
	}

	return page, nil
}

// Count returns the number of features matching the configured filter.
func (c *Client) Count(ctx context.Context) (int, error) {
	params := url.Values{}
	params.Set("where", c.config.Where)
	params.Set("returnCountOnly", "true")
	params.Set("f", "json")

	var count int
	err := Retry(ctx, "count", c.config.Retry, func(int) error {
		var qr queryResponse
		if err := c.query(ctx, "count", params, &qr); err != nil {
			return err
		}
		if qr.Count == nil {
			return &SourceError{ErrorClass: ErrorClassMalformed, StatusCode: http.StatusOK, Message: "count missing from response"}
		}
		count = *qr.Count
		return nil
	}, SourceClassifier)

	c.mu.Lock()
	c.probed = true
	if err == nil {
		c.total = count
	}
	c.mu.Unlock()

	if err != nil {
		return 0, err
	}
	return count, nil
}

// totalHint returns the total from Count, or probes the service once when
// Count was never called. A failed probe is not repeated.
func (c *Client) totalHint(ctx context.Context) int {
	c.mu.Lock()
	if c.probed {
		total := c.total
		c.mu.Unlock()
		return total
	}
	c.probed = true
	c.mu.Unlock()

	params := url.Values{}
	params.Set("where", c.config.Where)
	params.Set("returnCountOnly", "true")
	params.Set("f", "json")

	var qr queryResponse
	if err := c.query(ctx, "count", params, &qr); err != nil || qr.Count == nil {
		c.logger.Warn().Err(err).Msg("Total count unavailable, relying on page emptiness")
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.total = *qr.Count
	return c.total
}

// query performs one GET against the query endpoint and decodes the body.
func (c *Client) query(ctx context.Context, operation string, params url.Values, out *queryResponse) error {
	if err := c.governor.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrContextCancelled, err)
	}

	startTime := time.Now()
	defer func() {
		sourceRequestDuration.WithLabelValues(operation).Observe(time.Since(startTime).Seconds())
	}()

	endpoint := strings.TrimSuffix(c.config.BaseURL, "/") + "/query?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &SourceError{ErrorClass: ErrorClassClient, Message: "create request", Err: err}
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		}
		sourceErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		sourceRequestsTotal.WithLabelValues(operation, "network_error").Inc()
		c.logger.Warn().Err(err).Str("operation", operation).Msg("Source request failed")
		return &SourceError{ErrorClass: ErrorClassNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	sourceRequestsTotal.WithLabelValues(operation, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode >= 400 {
		_, _ = io.Copy(io.Discard, resp.Body)
		se := &SourceError{
			StatusCode: resp.StatusCode,
			ErrorClass: classifyStatus(resp.StatusCode),
			Message:    resp.Status,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
		c.observeError(operation, se)
		return se
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		se := &SourceError{StatusCode: resp.StatusCode, ErrorClass: ErrorClassNetwork, Message: "read body", Err: err}
		c.observeError(operation, se)
		return se
	}
	if err := json.Unmarshal(body, out); err != nil {
		se := &SourceError{StatusCode: resp.StatusCode, ErrorClass: ErrorClassMalformed, Message: "decode body", Err: err}
		c.observeError(operation, se)
		return se
	}

	// ArcGIS reports query failures inside a 200 body.
	if out.Error != nil {
		se := &SourceError{
			StatusCode: out.Error.Code,
			ErrorClass: classifyStatus(out.Error.Code),
			Message:    out.Error.Message,
		}
		c.observeError(operation, se)
		return se
	}

	c.governor.ReportSuccess()
	return nil
}

func (c *Client) observeError(operation string, se *SourceError) {
	sourceErrorsTotal.WithLabelValues(string(se.ErrorClass)).Inc()
	if se.ErrorClass == ErrorClassRateLimit {
		c.governor.ReportThrottled(se.RetryAfter)
	}
	c.logger.Warn().
		Str("operation", operation).
		Int("status", se.StatusCode).
		Str("error_class", string(se.ErrorClass)).
		Msg(se.Message)
}

// classifyStatus categorizes an HTTP or ArcGIS status code.
func classifyStatus(code int) ErrorClass {
	switch {
	case code == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case code == http.StatusRequestTimeout:
		return ErrorClassNetwork
	case code >= 400 && code < 500:
		return ErrorClassClient
	case code >= 500:
		return ErrorClassServer
	default:
		return ErrorClassMalformed
	}
}

// parseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func toRecord(f feature, scrapedAt time.Time) (record.Record, bool) {
	a := f.Attributes
	if a.ListEntry == nil || *a.ListEntry <= 0 {
		return record.Record{}, false
	}
	s := record.StructuredFields{
		Name:         cleanString(a.Name),
		Grade:        cleanString(a.Grade),
		ListDate:     epochMillis(a.ListDate),
		AmendDate:    epochMillis(a.AmendDate),
		Category:     cleanString(a.Category),
		NGR:          cleanString(a.NGR),
		Easting:      a.Easting,
		Northing:     a.Northing,
		CaptureScale: cleanString(a.CaptureScale),
		Hyperlink:    cleanString(a.Hyperlink),
	}
	if f.Geometry != nil {
		s.Longitude = f.Geometry.X
		s.Latitude = f.Geometry.Y
	}
	return record.Record{
		Key:          *a.ListEntry,
		Structured:   s,
		Completeness: record.CompletenessStructured,
		ScrapedAt:    scrapedAt,
	}, true
}

func cleanString(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func epochMillis(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}
