package client

import (
	"errors"
	"fmt"
	"testing"
)

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name       string
		errorClass ErrorClass
		expected   bool
	}{
		{
			name:       "client error should not retry",
			errorClass: ErrorClassClient,
			expected:   false,
		},
		{
			name:       "malformed response should not retry",
			errorClass: ErrorClassMalformed,
			expected:   false,
		},
		{
			name:       "server error should retry",
			errorClass: ErrorClassServer,
			expected:   true,
		},
		{
			name:       "rate limit should retry",
			errorClass: ErrorClassRateLimit,
			expected:   true,
		},
		{
			name:       "network error should retry",
			errorClass: ErrorClassNetwork,
			expected:   true,
		},
		{
			name:       "empty error class should not retry",
			errorClass: "",
			expected:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := shouldRetry(tt.errorClass)
			if result != tt.expected {
				t.Errorf("shouldRetry(%q) = %v, want %v", tt.errorClass, result, tt.expected)
			}
		})
	}
}

func TestSourceError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *SourceError
		expected string
	}{
		{
			name: "error with wrapped error",
			err: &SourceError{
				StatusCode: 500,
				ErrorClass: ErrorClassServer,
				Message:    "Internal Server Error",
				Err:        errors.New("upstream timeout"),
			},
			expected: "source server error (status 500): Internal Server Error: upstream timeout",
		},
		{
			name: "error without wrapped error",
			err: &SourceError{
				StatusCode: 400,
				ErrorClass: ErrorClassClient,
				Message:    "Invalid query parameters",
			},
			expected: "source client error (status 400): Invalid query parameters",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestSourceError_Unwrap(t *testing.T) {
	inner := errors.New("connection reset")
	err := fmt.Errorf("fetch page: %w", &SourceError{ErrorClass: ErrorClassNetwork, Err: inner})

	if !errors.Is(err, inner) {
		t.Error("errors.Is should find the wrapped error")
	}

	var se *SourceError
	if !errors.As(err, &se) {
		t.Fatal("errors.As should find the SourceError")
	}
	if !se.Retryable() {
		t.Error("network SourceError should be retryable")
	}
}

func TestClassOfAndIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		class     ErrorClass
		retryable bool
	}{
		{"nil error", nil, ErrorClassNetwork, false},
		{"plain error counts as network", errors.New("boom"), ErrorClassNetwork, true},
		{"permanent source error", &SourceError{ErrorClass: ErrorClassClient}, ErrorClassClient, false},
		{"wrapped rate limit", fmt.Errorf("x: %w", &SourceError{ErrorClass: ErrorClassRateLimit}), ErrorClassRateLimit, true},
		{"cancellation is final", fmt.Errorf("%w: deadline", ErrContextCancelled), ErrorClassNetwork, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err != nil {
				if got := ClassOf(tt.err); got != tt.class {
					t.Errorf("ClassOf() = %q, want %q", got, tt.class)
				}
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}
