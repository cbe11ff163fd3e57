// Package testutil provides testing utilities for the NHLE ingester.
package testutil

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FeaturePath is the query path served by the mock feature layer.
const FeaturePath = "/FeatureServer/0/query"

// DetailPathPrefix is the prefix of mock list entry pages.
const DetailPathPrefix = "/listing/the-list/list-entry/"

// MockFeature is one synthetic listed building.
type MockFeature struct {
	ListEntry int64
	Name      string
	Grade     string
	Category  string
	ListDate  time.Time
	Easting   float64
	Northing  float64
	X, Y      float64
}

// MockFailure describes an injected failure for a request.
type MockFailure struct {
	StatusCode int
	// Body overrides the response body; ArcGIS style JSON errors go here.
	Body       string
	RetryAfter string
}

// MockNHLE is a configurable mock of the NHLE feature service and the
// list entry detail pages.
type MockNHLE struct {
	server *httptest.Server

	mu             sync.RWMutex
	features       []MockFeature
	maxRecordCount int
	omitCount      bool

	pageFailures   map[int][]MockFailure
	detailFailures map[int64]int
	detailMissing  map[int64]bool
	detailDelay    time.Duration

	// Tracking
	PageRequests   int
	CountRequests  int
	DetailRequests int
	PageOffsets    []int
	DetailTimes    []time.Time
}

// NewMockNHLE creates a mock serving the given features.
func NewMockNHLE(features []MockFeature) *MockNHLE {
	mock := &MockNHLE{
		features:       features,
		maxRecordCount: 2000,
		pageFailures:   make(map[int][]MockFailure),
		detailFailures: make(map[int64]int),
		detailMissing:  make(map[int64]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(FeaturePath, mock.handleQuery)
	mux.HandleFunc(DetailPathPrefix, mock.handleDetail)
	mock.server = httptest.NewServer(mux)

	return mock
}

// GenerateFeatures creates n features with sequential list entries from start.
func GenerateFeatures(n int, start int64) []MockFeature {
	grades := []string{"I", "II*", "II"}
	out := make([]MockFeature, n)
	for i := 0; i < n; i++ {
		key := start + int64(i)
		out[i] = MockFeature{
			ListEntry: key,
			Name:      fmt.Sprintf("Building %d", key),
			Grade:     grades[i%len(grades)],
			Category:  "Listing",
			ListDate:  time.Date(1967, 3, 14, 0, 0, 0, 0, time.UTC),
			Easting:   400000 + float64(i),
			Northing:  300000 + float64(i),
			X:         -1.5 + float64(i)/1e4,
			Y:         52.5 + float64(i)/1e4,
		}
	}
	return out
}

// URL returns the mock server URL.
func (m *MockNHLE) URL() string {
	return m.server.URL
}

// FeatureLayerURL returns the base URL to configure the source client with.
func (m *MockNHLE) FeatureLayerURL() string {
	return m.server.URL + strings.TrimSuffix(FeaturePath, "/query")
}

// Close shuts down the mock server.
func (m *MockNHLE) Close() {
	m.server.Close()
}

// SetMaxRecordCount sets the largest page the mock returns.
func (m *MockNHLE) SetMaxRecordCount(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxRecordCount = n
}

// SetFeatures replaces the served collection (to simulate growth or shrinkage).
func (m *MockNHLE) SetFeatures(features []MockFeature) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.features = features
}

// OmitCount makes count queries fail so no total is known.
func (m *MockNHLE) OmitCount(omit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.omitCount = omit
}

// FailPage queues failures for page requests at offset; each request
// consumes one failure.
func (m *MockNHLE) FailPage(offset int, failures ...MockFailure) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageFailures[offset] = append(m.pageFailures[offset], failures...)
}

// FailDetail makes the next n detail requests for key fail with 503.
func (m *MockNHLE) FailDetail(key int64, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detailFailures[key] = n
}

// MissingDetail makes the detail page for key return 404.
func (m *MockNHLE) MissingDetail(key int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detailMissing[key] = true
}

// SetDetailDelay delays every detail response.
func (m *MockNHLE) SetDetailDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detailDelay = d
}

// GetPageRequests returns the number of page requests served.
func (m *MockNHLE) GetPageRequests() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PageRequests
}

// GetCountRequests returns the number of count requests served.
func (m *MockNHLE) GetCountRequests() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CountRequests
}

// GetDetailRequests returns the number of detail requests served.
func (m *MockNHLE) GetDetailRequests() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.DetailRequests
}

// GetPageOffsets returns the offsets of all page requests in order.
func (m *MockNHLE) GetPageOffsets() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int(nil), m.PageOffsets...)
}

// GetDetailTimes returns the arrival times of all detail requests.
func (m *MockNHLE) GetDetailTimes() []time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]time.Time(nil), m.DetailTimes...)
}

func (m *MockNHLE) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	if q.Get("returnCountOnly") == "true" {
		m.mu.Lock()
		m.CountRequests++
		omit := m.omitCount
		count := len(m.features)
		m.mu.Unlock()

		if omit {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]any{"count": count})
		return
	}

	offset, _ := strconv.Atoi(q.Get("resultOffset"))
	limit, err := strconv.Atoi(q.Get("resultRecordCount"))
	if err != nil || limit <= 0 {
		writeJSON(w, map[string]any{"error": map[string]any{"code": 400, "message": "Invalid query parameters"}})
		return
	}

	m.mu.Lock()
	m.PageRequests++
	m.PageOffsets = append(m.PageOffsets, offset)
	var failure *MockFailure
	if queued := m.pageFailures[offset]; len(queued) > 0 {
		f := queued[0]
		failure = &f
		m.pageFailures[offset] = queued[1:]
	}
	features := m.features
	maxCount := m.maxRecordCount
	m.mu.Unlock()

	if failure != nil {
		if failure.RetryAfter != "" {
			w.Header().Set("Retry-After", failure.RetryAfter)
		}
		status := failure.StatusCode
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		if failure.Body != "" {
			_, _ = w.Write([]byte(failure.Body))
		}
		return
	}

	if limit > maxCount {
		limit = maxCount
	}
	end := offset + limit
	if end > len(features) {
		end = len(features)
	}
	page := []map[string]any{}
	if offset < len(features) {
		for _, f := range features[offset:end] {
			page = append(page, map[string]any{
				"attributes": map[string]any{
					"Name":         f.Name,
					"Grade":        f.Grade,
					"ListEntry":    f.ListEntry,
					"ListDate":     f.ListDate.UnixMilli(),
					"AmendDate":    nil,
					"Category":     f.Category,
					"NGR":          fmt.Sprintf("SP %d %d", int(f.Easting)%100000, int(f.Northing)%100000),
					"Easting":      f.Easting,
					"Northing":     f.Northing,
					"CaptureScale": "1:2500",
					"hyperlink":    fmt.Sprintf("https://historicengland.org.uk/listing/the-list/list-entry/%d", f.ListEntry),
				},
				"geometry": map[string]any{"x": f.X, "y": f.Y},
			})
		}
	}

	writeJSON(w, map[string]any{
		"features":              page,
		"exceededTransferLimit": end < len(features),
	})
}

func (m *MockNHLE) handleDetail(w http.ResponseWriter, r *http.Request) {
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, DetailPathPrefix), "/")
	key, err := strconv.ParseInt(raw, 10, 64)

	m.mu.Lock()
	m.DetailRequests++
	m.DetailTimes = append(m.DetailTimes, time.Now())
	delay := m.detailDelay
	missing := m.detailMissing[key]
	fail := m.detailFailures[key] > 0
	if fail {
		m.detailFailures[key]--
	}
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil || missing {
		http.NotFound(w, r)
		return
	}
	if fail {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(DetailHTML(key)))
}

// DetailHTML renders a list entry page in the layout the detail fetcher parses.
func DetailHTML(key int64) string {
	title := html.EscapeString(fmt.Sprintf("Building %d", key))
	return `<!DOCTYPE html>
<html><body><main>
<h1>` + title + `</h1>
<p>Church Street, Sometown</p>
<dl class="key-info">
  <dt>List Entry Number:</dt><dd>` + strconv.FormatInt(key, 10) + `</dd>
  <dt>Date first listed:</dt><dd>14-Mar-1967</dd>
  <dt>Date of most recent amendment:</dt><dd>02-Jun-1988</dd>
</dl>
<dl>
  <dt>Statutory Address:</dt><dd>1 CHURCH STREET, SOMETOWN</dd>
</dl>
<dl class="nhle__location-info">
  <dt>County:</dt><dd>Somerset</dd>
  <dt>National Grid Reference:</dt><dd>ST 12345 67890</dd>
</dl>
<h3>Details</h3>
<p>House. C17, coursed rubble with tiled roof and brick stacks. This list entry was subject to a Minor Amendment on 12/05/2015</p>
<dl class="nhle-legacy">
  <dt>Legacy System number:</dt><dd>` + strconv.FormatInt(key+900000, 10) + `</dd>
  <dt>Legacy System:</dt><dd>LBS</dd>
</dl>
<h3>Sources</h3>
<p>Books and journals: Pevsner, N, The Buildings of England.</p>
<h3>Legal</h3>
<p>This building is listed under the Planning (Listed Buildings and Conservation Areas) Act 1990.</p>
<a href="/listing/the-list/map/` + strconv.FormatInt(key, 10) + `.pdf">Download a full scale map</a>
</main></body></html>`
}

func writeJSON(w http.ResponseWriter, v any) {
	_ = json.NewEncoder(w).Encode(v)
}

// ArcGISError builds a 200 response carrying an ArcGIS error body.
func ArcGISError(code int, message string) MockFailure {
	return MockFailure{
		StatusCode: http.StatusOK,
		Body:       fmt.Sprintf(`{"error":{"code":%d,"message":%q,"details":[]}}`, code, message),
	}
}

// ServerError builds a plain 503 failure.
func ServerError() MockFailure {
	return MockFailure{StatusCode: http.StatusServiceUnavailable, Body: `{"error":"unavailable"}`}
}

// RateLimited builds a 429 failure with a Retry-After hint.
func RateLimited(retryAfter string) MockFailure {
	return MockFailure{StatusCode: http.StatusTooManyRequests, RetryAfter: retryAfter}
}
