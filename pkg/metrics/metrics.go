// Package metrics exposes the Prometheus registry used by the ingest
// pipeline. All metrics are defined in their respective packages (client,
// detail, cache, store, ledger, pipeline, ratelimit) to maintain modularity
// and avoid circular dependencies.
//
// This package provides the scrape endpoint and a reference for all
// available metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/nhle-ingest/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the pipeline.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer served by Handler.
var Gatherer = prometheus.DefaultGatherer

// Metrics Documentation
//
// Source Metrics (pkg/client):
//   - nhle_source_requests_total{operation, status} (Counter): FeatureServer requests by operation and HTTP status
//   - nhle_source_request_duration_seconds{operation} (Histogram): FeatureServer request duration
//   - nhle_source_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network, protocol)
//   - nhle_source_dropped_features_total (Counter): Features dropped for a missing key
//
// Retry Metrics (pkg/client):
//   - nhle_retries_total{scope, error_class} (Counter): Retry attempts
//   - nhle_retry_backoff_seconds{scope, error_class} (Histogram): Backoff duration
//   - nhle_retry_exhausted_total{scope, error_class} (Counter): Operations that exhausted max retries
//
// Governor Metrics (pkg/ratelimit):
//   - nhle_governor_wait_seconds{channel} (Histogram): Time spent waiting for a token
//   - nhle_governor_pauses_total{channel} (Counter): Pauses after a throttled response
//   - nhle_governor_consecutive_throttled{channel} (Gauge): Current throttle streak
//
// Detail Metrics (pkg/detail, pkg/cache):
//   - nhle_detail_requests_total{status} (Counter): Listing page requests by HTTP status
//   - nhle_detail_request_duration_seconds (Histogram): Listing page request duration
//   - nhle_detail_cache_hits_total{kind} (Counter): Cache hits (fields, missing)
//   - nhle_detail_cache_misses_total (Counter): Cache misses
//   - nhle_detail_cache_written_bytes_total (Counter): Bytes written to the cache
//   - nhle_detail_cache_errors_total{operation} (Counter): Cache operation errors
//
// Store and Ledger Metrics (pkg/store, pkg/ledger):
//   - nhle_store_upserts_total{backend, result} (Counter): Upserts by result (inserted, updated, failed)
//   - nhle_ledger_commits_total{backend, status} (Counter): Cursor commits
//   - nhle_ledger_commit_duration_seconds{backend} (Histogram): Cursor commit duration
//
// Run Metrics (pkg/pipeline):
//   - nhle_pages_committed_total (Counter): Pages committed and checkpointed
//   - nhle_records_committed_total (Counter): Records written to the store
//   - nhle_record_failures_total{stage} (Counter): Per-record failures (detail, store)
//   - nhle_detail_fetch_total{result} (Counter): Detail enrichments (full, empty, failed)
//   - nhle_page_duration_seconds (Histogram): Page fetch to checkpoint
//   - nhle_runs_total{state, class} (Counter): Finished runs
//   - nhle_run_state (Gauge): Current orchestrator state index
//
// Example Prometheus Queries:
//
//   # Detail Cache Hit Rate
//   sum(rate(nhle_detail_cache_hits_total[5m])) /
//   (sum(rate(nhle_detail_cache_hits_total[5m])) + sum(rate(nhle_detail_cache_misses_total[5m])))
//
//   # Ingest Throughput
//   rate(nhle_records_committed_total[5m])
//
//   # Throttling
//   increase(nhle_governor_pauses_total[15m]) > 0
//
//   # P95 Page Latency
//   histogram_quantile(0.95, rate(nhle_page_duration_seconds_bucket[5m]))

// Handler returns a mux serving /metrics and /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", healthHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// Serve runs the metrics endpoint on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	logger := logging.NewLogger("metrics")

	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics shutdown: %w", err)
		}
		return nil
	}
}
