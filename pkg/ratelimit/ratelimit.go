// Package ratelimit tracks request and token quotas for external services in
// fixed windows persisted outside the process, so limits survive restarts and
// are shared between workers.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
)

var (
	// ErrInvalidLimits indicates a misconfigured limit.
	ErrInvalidLimits = errors.New("invalid rate limits")
)

// Key identifies a quota. OwnerID is optional; an empty owner tracks the
// service-wide quota.
type Key struct {
	Service string
	OwnerID string
}

func (k Key) String() string {
	if k.OwnerID == "" {
		return k.Service
	}
	return k.Service + ":" + k.OwnerID
}

// Limits configures the quota for one service.
type Limits struct {
	RequestsPerWindow int64
	TokensPerWindow   int64 // Zero disables token accounting
	Window            time.Duration
}

func (l Limits) validate() error {
	if l.RequestsPerWindow <= 0 {
		return fmt.Errorf("%w: requests per window must be positive, got %d", ErrInvalidLimits, l.RequestsPerWindow)
	}
	if l.TokensPerWindow < 0 {
		return fmt.Errorf("%w: tokens per window must not be negative, got %d", ErrInvalidLimits, l.TokensPerWindow)
	}
	if l.Window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %v", ErrInvalidLimits, l.Window)
	}
	return nil
}

// Usage is the recorded consumption for one window.
type Usage struct {
	WindowStart time.Time
	ResetTime   time.Time
	Requests    int64
	Tokens      int64
}

// Store persists window counters. Add and Reserve must be atomic at the
// storage layer.
type Store interface {
	Usage(ctx context.Context, key Key, windowStart time.Time) (Usage, error)
	Add(ctx context.Context, key Key, windowStart, resetTime time.Time, requests, tokens int64) (Usage, error)
	// Reserve counts one request of the given token cost against the window
	// if it fits within limits. ok is false, and nothing is written, when the
	// window is full.
	Reserve(ctx context.Context, key Key, windowStart, resetTime time.Time, limits Limits, tokens int64) (usage Usage, ok bool, err error)
	Cleanup(ctx context.Context, before time.Time) (int64, error)
}

// fits reports whether one more request of tokens fits in a window with the
// given usage. A request larger than the whole token budget is admitted into
// an empty window rather than blocking forever.
func fits(limits Limits, usage Usage, tokens int64) bool {
	if usage.Requests >= limits.RequestsPerWindow {
		return false
	}
	if limits.TokensPerWindow == 0 || usage.Requests == 0 {
		return true
	}
	return usage.Tokens+tokens <= limits.TokensPerWindow
}

// Status reports the state of a quota.
type Status struct {
	Limits            Limits
	Usage             Usage
	RemainingRequests int64
	RemainingTokens   int64
}

// Allowed reports whether another request fits in the current window.
func (s Status) Allowed(tokens int64) bool {
	if s.RemainingRequests < 1 {
		return false
	}
	if s.Limits.TokensPerWindow == 0 {
		return true
	}
	// A request larger than the whole window budget is admitted into an
	// empty window rather than blocking forever.
	if s.Usage.Requests == 0 && tokens > s.Limits.TokensPerWindow {
		return true
	}
	return s.RemainingTokens >= tokens
}

// RetryAfter returns how long until the window resets.
func (s Status) RetryAfter(now time.Time) time.Duration {
	if d := s.Usage.ResetTime.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Limiter gates calls to external services.
type Limiter struct {
	store    Store
	limits   map[string]Limits
	defaults Limits
	logger   hclog.Logger
	now      func() time.Time
}

// Config holds configuration for the limiter.
type Config struct {
	Store    Store
	Limits   map[string]Limits // Per-service limits
	Defaults Limits            // Applied to services without an entry
	Logger   hclog.Logger
}

// New creates a limiter.
func New(cfg Config) (*Limiter, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("rate limit store is required")
	}
	if cfg.Defaults.Window == 0 {
		cfg.Defaults = Limits{RequestsPerWindow: 3000, TokensPerWindow: 1000000, Window: time.Minute}
	}
	if err := cfg.Defaults.validate(); err != nil {
		return nil, err
	}
	for service, l := range cfg.Limits {
		if err := l.validate(); err != nil {
			return nil, fmt.Errorf("service %q: %w", service, err)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	return &Limiter{
		store:    cfg.Store,
		limits:   cfg.Limits,
		defaults: cfg.Defaults,
		logger:   cfg.Logger.Named("ratelimit"),
		now:      time.Now,
	}, nil
}

// LimitsFor returns the limits applied to service.
func (l *Limiter) LimitsFor(service string) Limits {
	if lim, ok := l.limits[service]; ok {
		return lim
	}
	return l.defaults
}

func (l *Limiter) window(limits Limits) (time.Time, time.Time) {
	start := l.now().UTC().Truncate(limits.Window)
	return start, start.Add(limits.Window)
}

// Status returns the current window state for key.
func (l *Limiter) Status(ctx context.Context, key Key) (Status, error) {
	limits := l.LimitsFor(key.Service)
	start, reset := l.window(limits)

	usage, err := l.store.Usage(ctx, key, start)
	if err != nil {
		return Status{}, fmt.Errorf("failed to read rate limit window: %w", err)
	}
	usage.WindowStart = start
	usage.ResetTime = reset

	status := Status{
		Limits:            limits,
		Usage:             usage,
		RemainingRequests: limits.RequestsPerWindow - usage.Requests,
	}
	if limits.TokensPerWindow > 0 {
		status.RemainingTokens = limits.TokensPerWindow - usage.Tokens
	}
	return status, nil
}

// Acquire blocks until the current window has room for one request of the
// given token cost, or ctx is done. It never drops a request. On success the
// request and its tokens are already counted, so concurrent callers can never
// overrun the window. Store errors are logged and the request is admitted.
func (l *Limiter) Acquire(ctx context.Context, key Key, tokens int64) error {
	for {
		limits := l.LimitsFor(key.Service)
		start, reset := l.window(limits)

		usage, ok, err := l.store.Reserve(ctx, key, start, reset, limits, tokens)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			l.logger.Warn("rate limit reservation failed, allowing request",
				"key", key.String(),
				"error", err,
			)
			return nil
		}
		if ok {
			return nil
		}

		wait := reset.Sub(l.now().UTC())
		if wait <= 0 {
			continue
		}

		l.logger.Debug("rate limit reached, waiting for window reset",
			"key", key.String(),
			"requests", usage.Requests,
			"tokens", usage.Tokens,
			"wait", wait,
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Record adds usage that was not reserved through Acquire, such as provider
// calls repeated by retries.
func (l *Limiter) Record(ctx context.Context, key Key, requests, tokens int64) error {
	start, reset := l.window(l.LimitsFor(key.Service))
	if _, err := l.store.Add(ctx, key, start, reset, requests, tokens); err != nil {
		return fmt.Errorf("failed to record rate limit usage: %w", err)
	}
	return nil
}

// Cleanup removes windows that reset before olderThan ago.
func (l *Limiter) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	return l.store.Cleanup(ctx, l.now().UTC().Add(-olderThan))
}
