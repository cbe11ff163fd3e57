// Package detail retrieves the supplementary fields of a listed building from
// its rendered list entry page. The channel is slow and failure prone, so
// callers go through a Retrier that bounds attempts and never fails the
// surrounding page.
package detail

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sternrassler/nhle-ingest/pkg/record"
)

// ErrNotFound is returned when the detail page does not exist.
var ErrNotFound = errors.New("detail page not found")

// Fetcher retrieves detail fields for one natural key.
type Fetcher interface {
	FetchDetail(ctx context.Context, key int64) (*record.DetailFields, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, key int64) (*record.DetailFields, error)

// FetchDetail calls f.
func (f FetcherFunc) FetchDetail(ctx context.Context, key int64) (*record.DetailFields, error) {
	return f(ctx, key)
}

// FetchError reports a detail fetch that failed after all attempts.
type FetchError struct {
	Key      int64
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	return fmt.Sprintf("detail fetch for %d failed after %d attempt(s): %v", e.Key, e.Attempts, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// StatusError is a non-2xx response from the detail channel.
type StatusError struct {
	StatusCode int
	Status     string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("detail page status %d: %s", e.StatusCode, e.Status)
}
