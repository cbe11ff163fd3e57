package cache

import (
	"time"

	"github.com/Sternrassler/nhle-ingest/pkg/record"
)

// Entry is a cached detail lookup.
type Entry struct {
	// Fields holds the parsed detail fields; nil when Missing is set.
	Fields *record.DetailFields `json:"fields,omitempty"`

	// Missing records that the detail page did not exist.
	Missing bool `json:"missing,omitempty"`

	// Expires is when the entry becomes stale.
	Expires time.Time `json:"expires"`

	// CachedAt is when we cached this lookup.
	CachedAt time.Time `json:"cached_at"`
}

// NewEntry creates an entry expiring ttl from now.
func NewEntry(fields *record.DetailFields, ttl time.Duration) *Entry {
	now := time.Now()
	return &Entry{
		Fields:   fields,
		Missing:  fields == nil,
		Expires:  now.Add(ttl),
		CachedAt: now,
	}
}

// IsExpired returns true if the cache entry has expired.
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *Entry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}
