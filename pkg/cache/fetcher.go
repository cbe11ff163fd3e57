package cache

import (
	"context"
	"errors"

	"github.com/Sternrassler/nhle-ingest/pkg/detail"
	"github.com/Sternrassler/nhle-ingest/pkg/record"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// CachedFetcher serves detail lookups from the cache and falls through to
// the wrapped fetcher on a miss. Cache failures never fail a lookup.
type CachedFetcher struct {
	next    detail.Fetcher
	manager *Manager
	logger  zerolog.Logger
}

// NewCachedFetcher wraps next with manager.
func NewCachedFetcher(next detail.Fetcher, manager *Manager) *CachedFetcher {
	return &CachedFetcher{
		next:    next,
		manager: manager,
		logger:  log.With().Str("component", "detail-cache").Logger(),
	}
}

// FetchDetail implements detail.Fetcher.
func (c *CachedFetcher) FetchDetail(ctx context.Context, key int64) (*record.DetailFields, error) {
	entry, err := c.manager.Get(ctx, key)
	switch {
	case err == nil && entry.Missing:
		return nil, detail.ErrNotFound
	case err == nil:
		return entry.Fields, nil
	case !errors.Is(err, ErrCacheMiss):
		c.logger.Warn().Err(err).Int64("list_entry", key).Msg("Detail cache read failed")
	}

	fields, err := c.next.FetchDetail(ctx, key)
	switch {
	case errors.Is(err, detail.ErrNotFound):
		c.store(ctx, key, nil)
		return nil, err
	case err != nil:
		return nil, err
	}

	c.store(ctx, key, fields)
	return fields, nil
}

func (c *CachedFetcher) store(ctx context.Context, key int64, fields *record.DetailFields) {
	if err := c.manager.Set(ctx, key, fields); err != nil {
		c.logger.Warn().Err(err).Int64("list_entry", key).Msg("Detail cache write failed")
	}
}
