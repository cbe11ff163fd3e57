package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Sternrassler/nhle-ingest/pkg/record"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis starts an in-memory Redis. Integration tests use a real
// instance through testcontainers-go.
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return client, mr
}

func sampleFields() *record.DetailFields {
	return &record.DetailFields{
		Title:  record.Ptr("Church of St Mary"),
		Legacy: map[string]string{"legacy_system": "LBS"},
	}
}

func TestNewManager_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewManager should panic with nil redis client")
		}
	}()
	NewManager(nil)
}

func TestManager_SetGet(t *testing.T) {
	client, _ := setupTestRedis(t)
	manager := NewManager(client)
	ctx := context.Background()

	if err := manager.Set(ctx, 42, sampleFields()); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	entry, err := manager.Get(ctx, 42)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if entry.Missing {
		t.Error("entry should not be marked missing")
	}
	if entry.Fields.Title == nil || *entry.Fields.Title != "Church of St Mary" {
		t.Errorf("Title = %v, want Church of St Mary", entry.Fields.Title)
	}
	if entry.Fields.Legacy["legacy_system"] != "LBS" {
		t.Errorf("Legacy = %v", entry.Fields.Legacy)
	}
}

func TestManager_GetMiss(t *testing.T) {
	client, _ := setupTestRedis(t)
	manager := NewManager(client)

	if _, err := manager.Get(context.Background(), 1); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() error = %v, want ErrCacheMiss", err)
	}
}

func TestManager_MissingUsesShortTTL(t *testing.T) {
	client, mr := setupTestRedis(t)
	manager := NewManager(client, WithTTL(time.Hour, time.Minute))
	ctx := context.Background()

	if err := manager.Set(ctx, 5, nil); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if ttl := mr.TTL(DetailKey{ListEntry: 5}.String()); ttl > time.Minute || ttl <= 0 {
		t.Errorf("TTL = %v, want <= 1m", ttl)
	}

	entry, err := manager.Get(ctx, 5)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !entry.Missing || entry.Fields != nil {
		t.Errorf("entry = %+v, want missing marker", entry)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := manager.Get(ctx, 5); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() after expiry error = %v, want ErrCacheMiss", err)
	}
}

func TestManager_SetEntryExpiredIsSkipped(t *testing.T) {
	client, mr := setupTestRedis(t)
	manager := NewManager(client)

	entry := &Entry{Fields: sampleFields(), Expires: time.Now().Add(-time.Second)}
	if err := manager.SetEntry(context.Background(), 9, entry); err != nil {
		t.Fatalf("SetEntry() error = %v", err)
	}
	if mr.Exists(DetailKey{ListEntry: 9}.String()) {
		t.Error("expired entry should not be stored")
	}
}

func TestManager_InvalidEntry(t *testing.T) {
	client, mr := setupTestRedis(t)
	manager := NewManager(client)
	_ = mr.Set(DetailKey{ListEntry: 3}.String(), "not-json")

	if _, err := manager.Get(context.Background(), 3); !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("Get() error = %v, want ErrInvalidEntry", err)
	}
}

func TestManager_DeleteAndPurge(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()
	manager := NewManager(client, WithNamespace("test"))
	other := NewManager(client, WithNamespace("other"))

	for i := int64(1); i <= 3; i++ {
		if err := manager.Set(ctx, i, sampleFields()); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
	}
	if err := other.Set(ctx, 1, sampleFields()); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	if err := manager.Delete(ctx, 1); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := manager.Get(ctx, 1); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() after Delete error = %v, want ErrCacheMiss", err)
	}

	removed, err := manager.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("Purge() removed %d, want 2", removed)
	}
	if !mr.Exists(DetailKey{ListEntry: 1, Namespace: "other"}.String()) {
		t.Error("Purge must not touch other namespaces")
	}
}
