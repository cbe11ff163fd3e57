package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/nhle-ingest/pkg/record"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// DefaultTTL is how long detail lookups stay cached.
const DefaultTTL = 7 * 24 * time.Hour

// DefaultMissingTTL is how long a missing detail page stays cached.
const DefaultMissingTTL = 24 * time.Hour

// Manager handles caching operations with Redis backend.
type Manager struct {
	redis      *redis.Client
	namespace  string
	ttl        time.Duration
	missingTTL time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithNamespace sets the key namespace.
func WithNamespace(ns string) Option {
	return func(m *Manager) { m.namespace = ns }
}

// WithTTL sets the TTLs for found and missing detail pages.
func WithTTL(ttl, missingTTL time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
		if missingTTL > 0 {
			m.missingTTL = missingTTL
		}
	}
}

// NewManager creates a new cache manager with Redis backend.
func NewManager(redisClient *redis.Client, opts ...Option) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	m := &Manager{
		redis:      redisClient,
		ttl:        DefaultTTL,
		missingTTL: DefaultMissingTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) key(listEntry int64) DetailKey {
	return DetailKey{ListEntry: listEntry, Namespace: m.namespace}
}

// Get retrieves a cache entry by list entry.
// Returns ErrCacheMiss if the key doesn't exist or entry is expired.
func (m *Manager) Get(ctx context.Context, listEntry int64) (*Entry, error) {
	key := m.key(listEntry)

	data, err := m.redis.Get(ctx, key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			CacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	if entry.IsExpired() {
		_ = m.Delete(ctx, listEntry)
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	if entry.Missing {
		CacheHits.WithLabelValues("missing").Inc()
	} else {
		CacheHits.WithLabelValues("fields").Inc()
	}
	return &entry, nil
}

// Set stores detail fields for listEntry. A nil fields value records a
// missing page with the shorter missing TTL.
func (m *Manager) Set(ctx context.Context, listEntry int64, fields *record.DetailFields) error {
	ttl := m.ttl
	if fields == nil {
		ttl = m.missingTTL
	}
	return m.SetEntry(ctx, listEntry, NewEntry(fields, ttl))
}

// SetEntry stores a prepared entry with TTL based on its Expires field.
// The entry will be automatically removed from Redis when it expires.
func (m *Manager) SetEntry(ctx context.Context, listEntry int64, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	ttl := entry.TTL()
	if ttl <= 0 {
		// Already expired, don't cache
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := m.redis.Set(ctx, m.key(listEntry).String(), data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	CacheWrittenBytes.Add(float64(len(data)))
	return nil
}

// Delete removes a cache entry.
func (m *Manager) Delete(ctx context.Context, listEntry int64) error {
	if err := m.redis.Del(ctx, m.key(listEntry).String()).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Purge removes every detail entry in the manager's namespace and returns
// the number of keys deleted.
func (m *Manager) Purge(ctx context.Context) (int, error) {
	var removed int
	iter := m.redis.Scan(ctx, 0, Pattern(m.namespace), 500).Iterator()
	batch := make([]string, 0, 500)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := m.redis.Del(ctx, batch...).Result()
		if err != nil {
			CacheErrors.WithLabelValues("purge").Inc()
			return fmt.Errorf("redis del: %w", err)
		}
		removed += int(n)
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := flush(); err != nil {
				return removed, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		CacheErrors.WithLabelValues("purge").Inc()
		return removed, fmt.Errorf("redis scan: %w", err)
	}
	return removed, flush()
}
