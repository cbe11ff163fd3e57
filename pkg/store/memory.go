package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/Sternrassler/nhle-ingest/pkg/record"
)

// MemoryStore is an in-process Store used by tests, sample runs and the
// library example.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[int64]record.Record
	keys    *keyLock
	backend string

	// now is replaceable in tests.
	now func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[int64]record.Record),
		keys:    newKeyLock(),
		backend: "memory",
		now:     time.Now,
	}
}

// Upsert implements Store.
func (s *MemoryStore) Upsert(ctx context.Context, rec record.Record) (Result, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := Validate(rec); err != nil {
		upsertsTotal.WithLabelValues(s.backend, "failed").Inc()
		return 0, err
	}

	if rec.ScrapedAt.IsZero() {
		rec.ScrapedAt = s.now().UTC()
	}

	unlock := s.keys.Lock(rec.Key)
	defer unlock()

	s.mu.RLock()
	existing, ok := s.records[rec.Key]
	s.mu.RUnlock()

	var merged record.Record
	result := Inserted
	if ok {
		merged = record.Merge(&existing, rec)
		result = Updated
	} else {
		merged = record.Merge(nil, rec)
	}
	s.mu.Lock()
	s.records[rec.Key] = merged
	s.mu.Unlock()

	upsertsTotal.WithLabelValues(s.backend, result.String()).Inc()
	return result, nil
}

// UpsertBatch implements Store.
func (s *MemoryStore) UpsertBatch(ctx context.Context, recs []record.Record) (BatchResult, error) {
	var out BatchResult
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		r, err := s.Upsert(ctx, rec)
		if err != nil {
			out.Failures = append(out.Failures, Failure{Key: rec.Key, Err: err})
			continue
		}
		out.add(r)
	}
	return out, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key int64) (*record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := record.Merge(nil, rec)
	return &out, nil
}

// Count implements Store.
func (s *MemoryStore) Count(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.records)), nil
}

// StatsByCategory implements Store.
func (s *MemoryStore) StatsByCategory(ctx context.Context) (map[string]int64, error) {
	st, err := s.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return st.ByCategory, nil
}

// Stats implements Store.
func (s *MemoryStore) Stats(context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &Stats{
		Total:          int64(len(s.records)),
		ByGrade:        map[string]int64{},
		ByCategory:     map[string]int64{},
		ByCompleteness: map[string]int64{},
	}
	cutoff := s.now().Add(-RecentWindow)
	for _, rec := range s.records {
		st.ByGrade[label(rec.Structured.Grade)]++
		st.ByCategory[label(rec.Structured.Category)]++
		st.ByCompleteness[string(rec.Completeness)]++
		if rec.ScrapedAt.After(cutoff) {
			st.RecentlyScraped++
		}
	}
	return st, nil
}

// Each implements Store.
func (s *MemoryStore) Each(ctx context.Context, fn func(record.Record) error) error {
	s.mu.RLock()
	keys := make([]int64, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	slices.Sort(keys)

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := s.Get(ctx, k)
		if err != nil {
			continue
		}
		if err := fn(*rec); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
