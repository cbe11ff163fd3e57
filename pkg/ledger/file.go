package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// document is the on-disk layout of a FileLedger.
type document struct {
	Cursor  *Cursor       `json:"cursor,omitempty"`
	History []BatchRecord `json:"history,omitempty"`
}

// FileLedger keeps the cursor and a capped batch history in one JSON file,
// replaced atomically on every write.
type FileLedger struct {
	path  string
	limit int

	mu sync.Mutex
}

// NewFileLedger creates a ledger stored at path. The parent directory is
// created if missing.
func NewFileLedger(path string, historyLimit int) (*FileLedger, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &IOError{Op: "init", Err: err}
	}
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &FileLedger{path: path, limit: historyLimit}, nil
}

// Path returns the ledger file path.
func (l *FileLedger) Path() string {
	return l.path
}

// Load implements Ledger.
func (l *FileLedger) Load(context.Context) (*Cursor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.read()
	if err != nil {
		return nil, err
	}
	return doc.Cursor, nil
}

// Commit implements Ledger.
func (l *FileLedger) Commit(_ context.Context, c Cursor) (err error) {
	start := time.Now()
	defer func() { observeCommit("file", start, err) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.read()
	if err != nil {
		return err
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	doc.Cursor = &c
	return l.write(doc)
}

// RecordBatch implements HistoryRecorder.
func (l *FileLedger) RecordBatch(_ context.Context, b BatchRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.read()
	if err != nil {
		return err
	}
	doc.History = append(doc.History, b)
	if over := len(doc.History) - l.limit; over > 0 {
		doc.History = doc.History[over:]
	}
	return l.write(doc)
}

// History implements HistoryRecorder.
func (l *FileLedger) History(_ context.Context, limit int) ([]BatchRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.read()
	if err != nil {
		return nil, err
	}
	return newestFirst(doc.History, limit), nil
}

// Reset implements Ledger.
func (l *FileLedger) Reset(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &IOError{Op: "reset", Err: err}
	}
	return nil
}

// Close implements Ledger.
func (l *FileLedger) Close() error {
	return nil
}

func (l *FileLedger) read() (*document, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &document{}, nil
	}
	if err != nil {
		return nil, &IOError{Op: "load", Err: err}
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &IOError{Op: "load", Err: fmt.Errorf("decode %s: %w", l.path, err)}
	}
	return &doc, nil
}

// write replaces the file via a synced temp file and rename, so a crash
// leaves either the old or the new document.
func (l *FileLedger) write(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &IOError{Op: "commit", Err: err}
	}

	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(l.path)+".tmp-*")
	if err != nil {
		return &IOError{Op: "commit", Err: err}
	}
	tmpName := tmp.Name()
	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &IOError{Op: "commit", Err: err}
	}

	if _, err := tmp.Write(data); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		return cleanup(err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		_ = os.Remove(tmpName)
		return &IOError{Op: "commit", Err: err}
	}

	// Persist the rename itself.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
