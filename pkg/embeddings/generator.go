// Package embeddings turns text into vectors: preprocessing, content-hash
// caching, provider rate limiting and retry with backoff.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/hashicorp-forge/embedsearch/pkg/llm"
	"github.com/hashicorp-forge/embedsearch/pkg/ratelimit"
	"github.com/hashicorp-forge/embedsearch/pkg/textprep"
)

// Generator produces embeddings for text.
type Generator struct {
	provider     llm.EmbeddingProvider
	cache        *Cache
	limiter      *ratelimit.Limiter
	preprocessor *textprep.Preprocessor
	cfg          Config
	logger       hclog.Logger
	sleep        func(ctx context.Context, d time.Duration) error
}

// Config holds configuration for the generator.
type Config struct {
	Provider     llm.EmbeddingProvider  // Required
	Cache        *Cache                 // Optional; nil disables caching
	Limiter      *ratelimit.Limiter     // Optional; nil disables quota tracking
	Preprocessor *textprep.Preprocessor // Default: textprep.DefaultOptions()

	// PerOwnerLimits tracks quota per owner instead of service-wide.
	PerOwnerLimits bool

	MaxRetries        int           // Retries for transient errors (default: 3)
	InitialBackoff    time.Duration // Default: 500ms
	MaxBackoff        time.Duration // Default: 30s
	RateLimitDelay    time.Duration // Wait when the provider gives no hint (default: 60s)
	MaxRateLimitWaits int           // Default: 5

	BatchSize  int           // Default: 10
	BatchDelay time.Duration // Pause between batches (default: 100ms)

	Logger hclog.Logger
}

// GenerateOptions tune one generation.
type GenerateOptions struct {
	OwnerID string
	// SkipCache bypasses the lookup. The result is still written back.
	SkipCache bool
}

// Result is a generated embedding.
type Result struct {
	Vector       []float32
	ModelVersion string
	Cached       bool
	Dims         int
	Hash         string
}

// BatchOptions override the configured batch settings when non-zero.
type BatchOptions struct {
	GenerateOptions
	BatchSize  int
	BatchDelay time.Duration
}

// BatchItem is the outcome for texts[Index]. Exactly one of Result and Err
// is set.
type BatchItem struct {
	Index  int
	Result *Result
	Err    error
}

// NewGenerator creates a generator.
func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("embedding provider is required")
	}
	if cfg.Preprocessor == nil {
		cfg.Preprocessor = textprep.New(textprep.DefaultOptions())
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.RateLimitDelay == 0 {
		cfg.RateLimitDelay = 60 * time.Second
	}
	if cfg.MaxRateLimitWaits == 0 {
		cfg.MaxRateLimitWaits = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BatchDelay == 0 {
		cfg.BatchDelay = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	return &Generator{
		provider:     cfg.Provider,
		cache:        cfg.Cache,
		limiter:      cfg.Limiter,
		preprocessor: cfg.Preprocessor,
		cfg:          cfg,
		logger:       cfg.Logger.Named("embeddings"),
		sleep:        sleepContext,
	}, nil
}

// ModelVersion returns the provider's model identifier.
func (g *Generator) ModelVersion() string { return g.provider.Model() }

// Dimensions returns the configured vector length.
func (g *Generator) Dimensions() int { return g.provider.Dimensions() }

// Generate embeds text.
func (g *Generator) Generate(ctx context.Context, text string, opts GenerateOptions) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	processed := g.preprocessor.Process(text)
	if processed.IsEmpty {
		return nil, &ValidationError{Reason: "text is empty after preprocessing"}
	}

	if g.cache != nil && !opts.SkipCache {
		if res := g.lookup(ctx, processed.Hash); res != nil {
			return res, nil
		}
	}

	key := ratelimit.Key{Service: g.provider.Name()}
	if g.cfg.PerOwnerLimits {
		key.OwnerID = opts.OwnerID
	}
	tokens := int64(textprep.EstimateTokens(processed.Text))

	if g.limiter != nil {
		if err := g.limiter.Acquire(ctx, key, tokens); err != nil {
			return nil, fmt.Errorf("waiting for rate limit: %w", err)
		}
	}

	vec, calls, err := g.embedWithRetry(ctx, processed.Text)
	if g.limiter != nil && calls > 1 {
		// Acquire counted the first call; retries spend quota too.
		extra := int64(calls - 1)
		if err := g.limiter.Record(context.WithoutCancel(ctx), key, extra, extra*tokens); err != nil {
			g.logger.Warn("failed to record rate limit usage", "key", key.String(), "error", err)
		}
	}
	if err != nil {
		return nil, err
	}
	if err := g.validate(vec); err != nil {
		return nil, err
	}

	if g.cache != nil {
		if err := g.cache.Put(ctx, processed.Hash, processed.Text, vec, g.provider.Model()); err != nil {
			g.logger.Warn("failed to write embedding cache", "hash", processed.Hash, "error", err)
		}
	}
	return &Result{
		Vector:       vec,
		ModelVersion: g.provider.Model(),
		Dims:         len(vec),
		Hash:         processed.Hash,
	}, nil
}

func (g *Generator) lookup(ctx context.Context, hash string) *Result {
	entry, err := g.cache.Get(ctx, hash)
	if err != nil {
		g.logger.Warn("embedding cache lookup failed, treating as miss", "hash", hash, "error", err)
		return nil
	}
	if entry == nil {
		return nil
	}

	vec := entry.Vector.Slice()
	if entry.ModelVersion != g.provider.Model() || len(vec) != g.provider.Dimensions() {
		g.logger.Debug("ignoring cache entry from another model",
			"hash", hash,
			"cached_model", entry.ModelVersion,
			"cached_dims", len(vec),
		)
		return nil
	}

	return &Result{
		Vector:       vec,
		ModelVersion: entry.ModelVersion,
		Cached:       true,
		Dims:         len(vec),
		Hash:         hash,
	}
}

// embedWithRetry calls the provider until it succeeds or the retry budget is
// spent. It also returns how many provider calls were made.
func (g *Generator) embedWithRetry(ctx context.Context, text string) ([]float32, int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.InitialBackoff
	b.MaxInterval = g.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	attempts, waits := 0, 0
	for calls := 1; ; calls++ {
		vec, err := g.provider.Embed(ctx, text)
		if err == nil {
			return vec, calls, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, calls, ctxErr
		}

		var rl *llm.RateLimitError
		if errors.As(err, &rl) {
			waits++
			if waits > g.cfg.MaxRateLimitWaits {
				return nil, calls, &MaxRetriesExceededError{Attempts: attempts + waits, Err: err}
			}
			delay := rl.RetryAfter
			if delay <= 0 {
				delay = g.cfg.RateLimitDelay
			}
			g.logger.Warn("provider rate limited, waiting",
				"provider", g.provider.Name(),
				"delay", delay,
				"waits", waits,
			)
			if err := g.sleep(ctx, delay); err != nil {
				return nil, calls, err
			}
			continue
		}

		var apiErr *llm.APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return nil, calls, fmt.Errorf("embedding provider rejected request: %w", err)
		}

		attempts++
		if attempts > g.cfg.MaxRetries {
			return nil, calls, &MaxRetriesExceededError{Attempts: attempts, Err: &TransientProviderError{Err: err}}
		}

		delay := b.NextBackOff()
		g.logger.Debug("retrying embedding request",
			"provider", g.provider.Name(),
			"attempt", attempts,
			"delay", delay,
			"error", err,
		)
		if err := g.sleep(ctx, delay); err != nil {
			return nil, calls, err
		}
	}
}

func (g *Generator) validate(vec []float32) error {
	if len(vec) != g.provider.Dimensions() {
		return &DimensionMismatchError{Expected: g.provider.Dimensions(), Got: len(vec)}
	}
	for _, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return &DimensionMismatchError{Expected: g.provider.Dimensions(), Got: len(vec), NonFinite: true}
		}
	}
	return nil
}

// GenerateBatch embeds texts in fixed-size batches. Items within a batch run
// concurrently and fail independently. The returned slice always has one
// item per input; the error aggregates every failed item.
func (g *Generator) GenerateBatch(ctx context.Context, texts []string, opts BatchOptions) ([]BatchItem, error) {
	size := opts.BatchSize
	if size <= 0 {
		size = g.cfg.BatchSize
	}
	delay := opts.BatchDelay
	if delay == 0 {
		delay = g.cfg.BatchDelay
	}

	items := make([]BatchItem, len(texts))
	for i := range items {
		items[i].Index = i
	}

	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))

		if start > 0 && delay > 0 {
			if err := g.sleep(ctx, delay); err != nil {
				for i := start; i < len(texts); i++ {
					items[i].Err = err
				}
				break
			}
		}

		var eg errgroup.Group
		for i := start; i < end; i++ {
			eg.Go(func() error {
				res, err := g.Generate(ctx, texts[i], opts.GenerateOptions)
				items[i].Result, items[i].Err = res, err
				return nil
			})
		}
		_ = eg.Wait()

		g.logger.Trace("embedding batch complete", "start", start, "end", end, "total", len(texts))
	}

	var result *multierror.Error
	for _, item := range items {
		if item.Err != nil {
			result = multierror.Append(result, fmt.Errorf("item %d: %w", item.Index, item.Err))
		}
	}
	return items, result.ErrorOrNil()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
