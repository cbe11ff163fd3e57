// Package cache provides a Redis backed cache for list entry detail fields.
//
// Detail pages are the slowest and most throttled part of an ingest run, so
// repeated runs (resumes, full re-ingests) read detail fields from Redis
// instead of fetching the page again. Missing pages are cached too, with a
// shorter TTL.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	manager := cache.NewManager(redisClient, cache.WithTTL(72*time.Hour, 0))
//
//	fetcher := cache.NewCachedFetcher(pageFetcher, manager)
//	fields, err := fetcher.FetchDetail(ctx, 1001234)
//
// # Keys
//
// Keys have the form nhle[:namespace]:detail:v1:<list_entry>. Purge removes
// every key in a namespace.
//
// # Metrics
//
//   - nhle_detail_cache_hits_total{kind} - Cache hits (fields or missing)
//   - nhle_detail_cache_misses_total - Cache misses
//   - nhle_detail_cache_written_bytes_total - Bytes written
//   - nhle_detail_cache_errors_total{operation} - Cache operation errors
package cache
