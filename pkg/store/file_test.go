package store

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Sternrassler/nhle-ingest/pkg/record"
)

func openFile(t *testing.T, path string) *FileStore {
	t.Helper()
	s, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("OpenFileStore() error = %v", err)
	}
	return s
}

func journalLines(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	return bytes.Count(data, []byte("\n"))
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store", "nhle.ndjson")
	ctx := context.Background()

	s := openFile(t, path)
	full := structured(1, "Church", "I")
	full.Detail = &record.DetailFields{Description: record.Ptr("C12 nave")}
	full.Completeness = record.CompletenessFull
	res, err := s.UpsertBatch(ctx, []record.Record{full, structured(2, "Barn", "II")})
	if err != nil {
		t.Fatalf("UpsertBatch() error = %v", err)
	}
	if res.Inserted != 2 {
		t.Errorf("Inserted = %d, want 2", res.Inserted)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s = openFile(t, path)
	defer s.Close()
	if n, _ := s.Count(ctx); n != 2 {
		t.Errorf("Count() after reopen = %d, want 2", n)
	}

	// A structured-only pass after reopen merges over the journaled row.
	if r, err := s.Upsert(ctx, structured(1, "Church of St Mary", "I")); err != nil || r != Updated {
		t.Fatalf("Upsert() = %v, %v; want Updated", r, err)
	}
	s.Close()

	s = openFile(t, path)
	defer s.Close()
	got, err := s.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if *got.Structured.Name != "Church of St Mary" {
		t.Errorf("Name = %q", *got.Structured.Name)
	}
	if got.Detail == nil || got.Detail.Description == nil || *got.Detail.Description != "C12 nave" {
		t.Errorf("Detail = %+v, want description kept", got.Detail)
	}
	if got.Completeness != record.CompletenessFull {
		t.Errorf("Completeness = %q, want full", got.Completeness)
	}
}

func TestFileStore_BatchPartialFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nhle.ndjson")
	s := openFile(t, path)
	defer s.Close()

	res, err := s.UpsertBatch(context.Background(), []record.Record{
		structured(1, "A", "II"),
		structured(0, "bad key", "II"),
		structured(3, "C", "II"),
	})
	if err != nil {
		t.Fatalf("UpsertBatch() error = %v", err)
	}
	if res.Committed() != 2 || len(res.Failures) != 1 {
		t.Fatalf("result = %+v, want 2 committed and 1 failure", res)
	}
	var ce *ConstraintError
	if !errors.As(res.Failures[0].Err, &ce) {
		t.Errorf("failure = %v, want *ConstraintError", res.Failures[0].Err)
	}
	if got := journalLines(t, path); got != 2 {
		t.Errorf("journal lines = %d, want 2", got)
	}
}

func TestFileStore_TornTailIsTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nhle.ndjson")
	ctx := context.Background()

	s := openFile(t, path)
	if _, err := s.UpsertBatch(ctx, []record.Record{structured(1, "A", "II"), structured(2, "B", "II")}); err != nil {
		t.Fatalf("UpsertBatch() error = %v", err)
	}
	s.Close()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"list_entry":3,"struct`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	ro, err := OpenFileStoreReadOnly(path)
	if err != nil {
		t.Fatalf("OpenFileStoreReadOnly() error = %v", err)
	}
	if n, _ := ro.Count(ctx); n != 2 {
		t.Errorf("read-only Count() = %d, want 2", n)
	}
	before, _ := os.Stat(path)

	s = openFile(t, path)
	defer s.Close()
	after, _ := os.Stat(path)
	if after.Size() >= before.Size() {
		t.Errorf("journal size %d, want torn tail removed from %d", after.Size(), before.Size())
	}
	if _, err := s.Upsert(ctx, structured(3, "C", "II")); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if got := journalLines(t, path); got != 3 {
		t.Errorf("journal lines = %d, want 3", got)
	}
}

func TestFileStore_CorruptLineFailsOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nhle.ndjson")
	if err := os.WriteFile(path, []byte("not json\n{\"list_entry\":1}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenFileStore(path); err == nil {
		t.Error("expected decode error")
	}
}

func TestFileStore_CompactsOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nhle.ndjson")
	ctx := context.Background()

	s := openFile(t, path)
	for i := 0; i < 5; i++ {
		if _, err := s.Upsert(ctx, structured(7, "Mill", "II")); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}
	s.Close()
	if got := journalLines(t, path); got != 5 {
		t.Fatalf("journal lines = %d, want 5", got)
	}

	s = openFile(t, path)
	defer s.Close()
	if got := journalLines(t, path); got != 1 {
		t.Errorf("journal lines after compaction = %d, want 1", got)
	}
	if n, _ := s.Count(ctx); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestFileStore_ReadOnly(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	ro, err := OpenFileStoreReadOnly(filepath.Join(dir, "missing.ndjson"))
	if err != nil {
		t.Fatalf("OpenFileStoreReadOnly() error = %v", err)
	}
	if n, _ := ro.Count(ctx); n != 0 {
		t.Errorf("Count() = %d, want 0", n)
	}
	if _, err := ro.Upsert(ctx, structured(1, "A", "II")); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Upsert() error = %v, want ErrReadOnly", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "missing.ndjson")); !os.IsNotExist(err) {
		t.Errorf("read-only open must not create the journal, stat err = %v", err)
	}
}

func TestFileStore_ReaderSeesCommittedRowsWhileWriterOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nhle.ndjson")
	ctx := context.Background()

	w := openFile(t, path)
	defer w.Close()
	if _, err := w.UpsertBatch(ctx, []record.Record{structured(1, "A", "II"), structured(2, "B", "I")}); err != nil {
		t.Fatalf("UpsertBatch() error = %v", err)
	}

	ro, err := OpenFileStoreReadOnly(path)
	if err != nil {
		t.Fatalf("OpenFileStoreReadOnly() error = %v", err)
	}
	st, err := ro.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st.Total != 2 || st.ByGrade["I"] != 1 {
		t.Errorf("Stats() = %+v", st)
	}

	if _, err := w.Upsert(ctx, structured(3, "C", "II")); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if n, _ := ro.Count(ctx); n > 3 {
		t.Errorf("reader count %d exceeds the written rows", n)
	}
}

func TestFileStore_ClosedRejectsWrites(t *testing.T) {
	s := openFile(t, filepath.Join(t.TempDir(), "nhle.ndjson"))
	s.Close()
	if _, err := s.Upsert(context.Background(), structured(1, "A", "II")); err == nil {
		t.Error("expected error after Close")
	}
}
