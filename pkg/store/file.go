package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/Sternrassler/nhle-ingest/pkg/record"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// compactRatio triggers a journal rewrite on open once the journal holds
// this many lines per stored row.
const compactRatio = 2

// FileStore is a durable local Store. Every written row is appended to an
// NDJSON journal and synced before UpsertBatch returns; the journal is
// replayed into memory on open, the last line for a key winning.
type FileStore struct {
	mem      *MemoryStore
	path     string
	readOnly bool
	keys     *keyLock
	logger   zerolog.Logger

	mu     sync.Mutex
	f      *os.File
	broken error
}

// OpenFileStore opens or creates the journal at path. A torn final line
// left by a crash is truncated.
func OpenFileStore(path string) (*FileStore, error) {
	s, err := newFileStore(path, false)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	lines, good, torn, err := s.replay()
	if err != nil {
		return nil, err
	}
	if torn {
		s.logger.Warn().Int64("offset", good).Msg("Truncating torn journal tail")
		if err := os.Truncate(path, good); err != nil {
			return nil, fmt.Errorf("truncate journal: %w", err)
		}
	}
	if rows := len(s.mem.records); rows > 0 && lines > compactRatio*rows {
		if err := s.compact(); err != nil {
			return nil, err
		}
		s.logger.Info().Int("lines", lines).Int("rows", rows).Msg("Journal compacted")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	s.f = f
	return s, nil
}

// OpenFileStoreReadOnly loads the journal at path without creating,
// truncating or locking it, so it can be read while another process
// appends. A missing journal reads as an empty store.
func OpenFileStoreReadOnly(path string) (*FileStore, error) {
	s, err := newFileStore(path, true)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := s.replay(); err != nil {
		return nil, err
	}
	return s, nil
}

func newFileStore(path string, readOnly bool) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	mem := NewMemoryStore()
	mem.backend = "file"
	return &FileStore{
		mem:      mem,
		path:     path,
		readOnly: readOnly,
		keys:     newKeyLock(),
		logger:   log.With().Str("component", "store-file").Str("path", path).Logger(),
	}, nil
}

// Path returns the journal path.
func (s *FileStore) Path() string {
	return s.path
}

// replay loads every complete journal line. good is the byte length of the
// complete lines; torn reports trailing bytes without a newline.
func (s *FileStore) replay() (lines int, good int64, torn bool, err error) {
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 1<<20)
	for {
		line, rerr := r.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			var rec record.Record
			if err := json.Unmarshal(line, &rec); err != nil {
				return 0, 0, false, fmt.Errorf("decode %s at byte %d: %w", s.path, good, err)
			}
			s.mem.records[rec.Key] = rec
			good += int64(len(line))
			lines++
		}
		if errors.Is(rerr, io.EOF) {
			return lines, good, len(line) > 0 && line[len(line)-1] != '\n', nil
		}
		if rerr != nil {
			return 0, 0, false, fmt.Errorf("read journal: %w", rerr)
		}
	}
}

// compact rewrites the journal with one line per row, in key order.
func (s *FileStore) compact() error {
	keys := make([]int64, 0, len(s.mem.records))
	for k := range s.mem.records {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("compact journal: %w", err)
	}
	tmpName := tmp.Name()
	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("compact journal: %w", err)
	}

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, k := range keys {
		if err := enc.Encode(s.mem.records[k]); err != nil {
			return fail(err)
		}
	}
	if err := w.Flush(); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		return fail(err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("compact journal: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// Upsert implements Store.
func (s *FileStore) Upsert(ctx context.Context, rec record.Record) (Result, error) {
	res, err := s.UpsertBatch(ctx, []record.Record{rec})
	if err != nil {
		return 0, err
	}
	if len(res.Failures) > 0 {
		return 0, res.Failures[0].Err
	}
	if res.Inserted > 0 {
		return Inserted, nil
	}
	return Updated, nil
}

// UpsertBatch implements Store. Rows are merged in memory, then appended
// and synced together; a journal error leaves the store unusable so no
// later batch can be acknowledged over a gap.
func (s *FileStore) UpsertBatch(ctx context.Context, recs []record.Record) (BatchResult, error) {
	var out BatchResult
	if s.readOnly {
		return out, ErrReadOnly
	}
	if err := s.err(); err != nil {
		return out, err
	}

	keys := make([]int64, 0, len(recs))
	for _, rec := range recs {
		keys = append(keys, rec.Key)
	}
	unlock := s.keys.LockAll(keys)
	defer unlock()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		r, err := s.mem.Upsert(ctx, rec)
		if err != nil {
			out.Failures = append(out.Failures, Failure{Key: rec.Key, Err: err})
			continue
		}
		merged, err := s.mem.Get(ctx, rec.Key)
		if err != nil {
			return out, fmt.Errorf("read back %d: %w", rec.Key, err)
		}
		if err := enc.Encode(merged); err != nil {
			return out, fmt.Errorf("encode %d: %w", rec.Key, err)
		}
		out.add(r)
	}
	if buf.Len() == 0 {
		return out, nil
	}

	if err := s.append(buf.Bytes()); err != nil {
		return BatchResult{}, err
	}
	return out, nil
}

func (s *FileStore) append(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broken != nil {
		return s.broken
	}
	if s.f == nil {
		return errors.New("store is closed")
	}
	if _, err := s.f.Write(data); err != nil {
		s.broken = fmt.Errorf("append journal: %w", err)
		return s.broken
	}
	if err := s.f.Sync(); err != nil {
		s.broken = fmt.Errorf("sync journal: %w", err)
		return s.broken
	}
	return nil
}

func (s *FileStore) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broken
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, key int64) (*record.Record, error) {
	return s.mem.Get(ctx, key)
}

// Count implements Store.
func (s *FileStore) Count(ctx context.Context) (int64, error) {
	return s.mem.Count(ctx)
}

// StatsByCategory implements Store.
func (s *FileStore) StatsByCategory(ctx context.Context) (map[string]int64, error) {
	return s.mem.StatsByCategory(ctx)
}

// Stats implements Store.
func (s *FileStore) Stats(ctx context.Context) (*Stats, error) {
	return s.mem.Stats(ctx)
}

// Each implements Store.
func (s *FileStore) Each(ctx context.Context, fn func(record.Record) error) error {
	return s.mem.Each(ctx, fn)
}

// Close implements Store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
