package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLedger stores the cursor as a JSON document and the batch history as
// a capped list.
type RedisLedger struct {
	client     *redis.Client
	cursorKey  string
	historyKey string
	limit      int64
}

// NewRedisLedger creates a ledger under the given key prefix
// (default "nhle:ledger").
func NewRedisLedger(client *redis.Client, prefix string, historyLimit int) *RedisLedger {
	if client == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = "nhle:ledger"
	}
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &RedisLedger{
		client:     client,
		cursorKey:  prefix + ":cursor",
		historyKey: prefix + ":batches",
		limit:      int64(historyLimit),
	}
}

// Load implements Ledger.
func (l *RedisLedger) Load(ctx context.Context) (*Cursor, error) {
	data, err := l.client.Get(ctx, l.cursorKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, &IOError{Op: "load", Err: fmt.Errorf("redis get: %w", err)}
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, &IOError{Op: "load", Err: fmt.Errorf("decode cursor: %w", err)}
	}
	return &c, nil
}

// Commit implements Ledger. SET replaces the document atomically.
func (l *RedisLedger) Commit(ctx context.Context, c Cursor) (err error) {
	start := time.Now()
	defer func() { observeCommit("redis", start, err) }()

	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(c)
	if err != nil {
		return &IOError{Op: "commit", Err: err}
	}
	if err := l.client.Set(ctx, l.cursorKey, data, 0).Err(); err != nil {
		return &IOError{Op: "commit", Err: fmt.Errorf("redis set: %w", err)}
	}
	return nil
}

// RecordBatch implements HistoryRecorder.
func (l *RedisLedger) RecordBatch(ctx context.Context, b BatchRecord) error {
	data, err := json.Marshal(b)
	if err != nil {
		return &IOError{Op: "record batch", Err: err}
	}
	pipe := l.client.TxPipeline()
	pipe.LPush(ctx, l.historyKey, data)
	pipe.LTrim(ctx, l.historyKey, 0, l.limit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return &IOError{Op: "record batch", Err: fmt.Errorf("redis lpush: %w", err)}
	}
	return nil
}

// History implements HistoryRecorder.
func (l *RedisLedger) History(ctx context.Context, limit int) ([]BatchRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	items, err := l.client.LRange(ctx, l.historyKey, 0, stop).Result()
	if err != nil {
		return nil, &IOError{Op: "history", Err: fmt.Errorf("redis lrange: %w", err)}
	}
	out := make([]BatchRecord, 0, len(items))
	for _, item := range items {
		var b BatchRecord
		if err := json.Unmarshal([]byte(item), &b); err != nil {
			return nil, &IOError{Op: "history", Err: fmt.Errorf("decode batch: %w", err)}
		}
		out = append(out, b)
	}
	return out, nil
}

// Reset implements Ledger.
func (l *RedisLedger) Reset(ctx context.Context) error {
	if err := l.client.Del(ctx, l.cursorKey, l.historyKey).Err(); err != nil {
		return &IOError{Op: "reset", Err: fmt.Errorf("redis del: %w", err)}
	}
	return nil
}

// Close implements Ledger. The client is owned by the caller.
func (l *RedisLedger) Close() error {
	return nil
}
