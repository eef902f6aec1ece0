// Package llm contains clients for the external model providers used to
// embed text and stream completions.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// EmbeddingProvider turns text into a fixed-length vector.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Model returns the model identifier recorded next to stored vectors.
	Model() string
	Dimensions() int
	Name() string
}

// BatchEmbedder is implemented by providers that accept several inputs per
// request.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// CompletionRequest is a single-turn prompt.
type CompletionRequest struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Fragment is one piece of streamed completion text. A fragment with a
// non-nil Err is always the last value sent before the channel closes.
type Fragment struct {
	Text string
	Err  error
}

// CompletionStreamer streams completion text. Cancelling ctx aborts the
// underlying request and closes the channel.
type CompletionStreamer interface {
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Fragment, error)
}

// Collect drains a fragment stream into a single string.
func Collect(ch <-chan Fragment) (string, error) {
	var sb strings.Builder
	for f := range ch {
		if f.Err != nil {
			return sb.String(), f.Err
		}
		sb.WriteString(f.Text)
	}
	return sb.String(), nil
}

// RateLimitError signals the provider rejected a request because of quota.
// RetryAfter is the provider's suggested delay, zero when none was given.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	msg := fmt.Sprintf("%s rate limit exceeded", e.Provider)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %v)", e.RetryAfter)
	}
	return msg
}

// APIError is a non-rate-limit error response from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (%d): %s", e.Provider, e.StatusCode, e.Message)
}

// Temporary reports whether retrying the request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 408
}

// parseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := time.ParseDuration(v + "s"); err == nil && secs >= 0 {
		return secs
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
