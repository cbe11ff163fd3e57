package client

import (
	"errors"
	"fmt"
	"time"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of source failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx and ArcGIS request errors (bad query, auth).
	ErrorClassClient ErrorClass = "client"

	// ErrorClassMalformed represents a response body that could not be decoded.
	ErrorClassMalformed ErrorClass = "malformed"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses and ArcGIS throttling.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// SourceError represents a failed page or count request with its classification.
type SourceError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string

	// RetryAfter is the server supplied delay hint, zero when absent.
	RetryAfter time.Duration

	Err error
}

// Error implements the error interface.
func (e *SourceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("source %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("source %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *SourceError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is transient.
func (e *SourceError) Retryable() bool {
	return shouldRetry(e.ErrorClass)
}

// ClassOf extracts the error class from err. Errors that are not a
// SourceError are treated as network failures.
func ClassOf(err error) ErrorClass {
	var se *SourceError
	if errors.As(err, &se) {
		return se.ErrorClass
	}
	return ErrorClassNetwork
}

// IsRetryable reports whether err is a transient source failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrContextCancelled) {
		return false
	}
	return shouldRetry(ClassOf(err))
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassClient, ErrorClassMalformed:
		// Bad query or auth: repeating the request cannot succeed
		return false
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		return false
	}
}
