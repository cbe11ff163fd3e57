package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileSink writes the export to a local path, replacing it atomically.
type FileSink struct {
	Path string
}

// NewFileSink creates a FileSink.
func NewFileSink(path string) *FileSink {
	return &FileSink{Path: path}
}

func (s *FileSink) String() string {
	return s.Path
}

// Put implements Sink.
func (s *FileSink) Put(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(s.Path)
	tmp, err := os.CreateTemp(dir, ".export-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
