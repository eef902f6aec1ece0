package embeddings

import (
	"fmt"

	"github.com/hashicorp-forge/embedsearch/pkg/llm"
)

// ValidationError reports unusable input. It is never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid input: " + e.Reason
}

// RateLimitError is the provider's quota signal. Waiting on it does not
// consume the retry budget.
type RateLimitError = llm.RateLimitError

// TransientProviderError wraps a provider failure that may succeed on retry.
type TransientProviderError struct {
	Err error
}

func (e *TransientProviderError) Error() string {
	return fmt.Sprintf("transient provider error: %v", e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// DimensionMismatchError reports a vector that does not match the configured
// dimensions or has non-finite components. It indicates misconfiguration and
// is never retried or cached.
type DimensionMismatchError struct {
	Expected  int
	Got       int
	NonFinite bool
}

func (e *DimensionMismatchError) Error() string {
	if e.NonFinite {
		return fmt.Sprintf("embedding contains non-finite values (dimensions %d)", e.Got)
	}
	return fmt.Sprintf("embedding dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

// CacheReadError is logged and treated as a cache miss.
type CacheReadError struct {
	Err error
}

func (e *CacheReadError) Error() string {
	return fmt.Sprintf("embedding cache read failed: %v", e.Err)
}

func (e *CacheReadError) Unwrap() error { return e.Err }

// CacheWriteError is logged and never fails the generation.
type CacheWriteError struct {
	Err error
}

func (e *CacheWriteError) Error() string {
	return fmt.Sprintf("embedding cache write failed: %v", e.Err)
}

func (e *CacheWriteError) Unwrap() error { return e.Err }

// MaxRetriesExceededError is returned when the retry budget is exhausted.
type MaxRetriesExceededError struct {
	Attempts int
	Err      error
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("max retries exceeded after %d attempts: %v", e.Attempts, e.Err)
}

func (e *MaxRetriesExceededError) Unwrap() error { return e.Err }
