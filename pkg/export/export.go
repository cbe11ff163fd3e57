// Package export writes the contents of a store as newline-delimited JSON to
// a local file or an S3-compatible object store.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/Sternrassler/nhle-ingest/pkg/logging"
	"github.com/Sternrassler/nhle-ingest/pkg/record"
	"github.com/Sternrassler/nhle-ingest/pkg/store"
)

// Sink receives one complete export.
type Sink interface {
	Put(ctx context.Context, data []byte) error
	String() string
}

// Destination is a parsed export target.
type Destination struct {
	// Path is set for local files.
	Path string

	// Bucket and Key are set for s3:// targets.
	Bucket string
	Key    string
}

// IsObject reports whether the destination is object storage.
func (d Destination) IsObject() bool {
	return d.Bucket != ""
}

// ParseDestination accepts a file path or s3://bucket/key.
func ParseDestination(dest string) (Destination, error) {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return Destination{}, fmt.Errorf("export destination is empty")
	}
	rest, ok := strings.CutPrefix(dest, "s3://")
	if !ok {
		return Destination{Path: dest}, nil
	}
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return Destination{}, fmt.Errorf("export destination %q must be s3://bucket/key", dest)
	}
	return Destination{Bucket: bucket, Key: key}, nil
}

// WriteNDJSON writes every record in key order, one JSON object per line.
func WriteNDJSON(ctx context.Context, st store.Store, w io.Writer) (int, error) {
	enc := json.NewEncoder(w)
	n := 0
	err := st.Each(ctx, func(rec record.Record) error {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode %d: %w", rec.Key, err)
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("export records: %w", err)
	}
	return n, nil
}

// Export renders the store and hands the result to sink.
func Export(ctx context.Context, st store.Store, sink Sink) (int, error) {
	logger := logging.NewLogger("export")

	var buf bytes.Buffer
	n, err := WriteNDJSON(ctx, st, &buf)
	if err != nil {
		return 0, err
	}
	if err := sink.Put(ctx, buf.Bytes()); err != nil {
		return 0, fmt.Errorf("write %s: %w", sink, err)
	}

	logger.Info().
		Str("destination", sink.String()).
		Int("records", n).
		Int("bytes", buf.Len()).
		Msg("Export written")
	return n, nil
}
