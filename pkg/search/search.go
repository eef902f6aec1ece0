// Package search answers similarity queries over a tenant's embedded chunks,
// optionally blending in keyword matches, and caches ranked results.
package search

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp-forge/embedsearch/pkg/embeddings"
	"github.com/hashicorp-forge/embedsearch/pkg/models"
	"github.com/hashicorp-forge/embedsearch/pkg/textprep"
	"github.com/hashicorp-forge/embedsearch/pkg/vectorstore"
)

// Mode selects which retrieval paths a query uses.
type Mode string

const (
	ModeSemantic Mode = "semantic"
	ModeHybrid   Mode = "hybrid"
	ModeKeyword  Mode = "keyword"
)

// Filters narrow the candidate set.
type Filters struct {
	DocumentIDs []uuid.UUID        `json:"documentIds,omitempty"`
	ChunkTypes  []models.ChunkType `json:"chunkTypes,omitempty"`
}

// Query is one search request.
type Query struct {
	Text    string
	OwnerID string

	// Threshold is the minimum cosine similarity for semantic matches. Zero
	// uses the engine default; pass a negative value to disable it.
	Threshold float64
	Limit     int
	Filters   Filters
	Mode      Mode    // Default: ModeSemantic
	Weights   Weights // Hybrid only; zero value uses DefaultWeights()

	// SkipCache bypasses the result cache for this query.
	SkipCache bool
}

// RankedResult is one chunk in a result list.
type RankedResult struct {
	ChunkID           uuid.UUID        `json:"chunkId"`
	DocumentID        uuid.UUID        `json:"documentId"`
	ChunkIndex        int              `json:"chunkIndex"`
	DocumentTitle     string           `json:"documentTitle"`
	DocumentCreatedAt time.Time        `json:"documentCreatedAt"`
	Text              string           `json:"text"`
	Type              models.ChunkType `json:"type"`
	SectionTitle      string           `json:"sectionTitle,omitempty"`

	Similarity    float64 `json:"similarity"`             // Cosine similarity, semantic matches only
	KeywordScore  float64 `json:"keywordScore,omitempty"` // Placeholder score for keyword matches
	Score         float64 `json:"score"`                  // Ranking score
	MatchedInBoth bool    `json:"matchedInBoth,omitempty"`

	Highlights []string `json:"highlights,omitempty"`
}

// QueryEmbedder embeds query text.
type QueryEmbedder interface {
	Generate(ctx context.Context, text string, opts embeddings.GenerateOptions) (*embeddings.Result, error)
}

// VectorQuerier is the subset of the vector store the engine reads.
type VectorQuerier interface {
	Nearest(ctx context.Context, q vectorstore.NearestQuery) ([]vectorstore.NearestRow, error)
	GetChunk(ctx context.Context, id uuid.UUID) (*models.Chunk, error)
	GetDocument(ctx context.Context, id uuid.UUID) (*models.Document, error)
	EmbeddingForChunk(ctx context.Context, chunkID uuid.UUID) (*models.Embedding, error)
}

// QueryTuner supplies the probe count for vector queries and receives
// their latency. *indexadvisor.Advisor satisfies it.
type QueryTuner interface {
	Probes() int
	ObserveQuery(d time.Duration)
}

// Engine executes searches.
type Engine struct {
	store        VectorQuerier
	embedder     QueryEmbedder
	keyword      KeywordSearcher
	cache        *Cache
	preprocessor *textprep.Preprocessor
	cfg          Config
	logger       hclog.Logger
}

// Config holds configuration for the engine.
type Config struct {
	Store    VectorQuerier   // Required
	Embedder QueryEmbedder   // Required
	Keyword  KeywordSearcher // Optional; hybrid degrades to semantic without it
	Cache    *Cache          // Optional

	Preprocessor *textprep.Preprocessor // Default: textprep.DefaultOptions()

	DefaultThreshold float64 // Default: 0.5
	DefaultLimit     int     // Default: 10
	MaxLimit         int     // Default: 100
	Probes           int     // ivfflat.probes per query; zero keeps the server setting

	// Tuner overrides Probes when it reports a positive value.
	Tuner QueryTuner

	Logger hclog.Logger
}

// NewEngine creates a search engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("vector store is required")
	}
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("query embedder is required")
	}
	if cfg.Preprocessor == nil {
		cfg.Preprocessor = textprep.New(textprep.DefaultOptions())
	}
	if cfg.DefaultThreshold == 0 {
		cfg.DefaultThreshold = 0.5
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	return &Engine{
		store:        cfg.Store,
		embedder:     cfg.Embedder,
		keyword:      cfg.Keyword,
		cache:        cfg.Cache,
		preprocessor: cfg.Preprocessor,
		cfg:          cfg,
		logger:       cfg.Logger.Named("search"),
	}, nil
}

// Cache returns the engine's result cache, which may be nil.
func (e *Engine) Cache() *Cache { return e.cache }

// Search runs q and returns ranked results.
func (e *Engine) Search(ctx context.Context, q Query) ([]RankedResult, error) {
	q, text, err := e.normalize(q)
	if err != nil {
		return nil, err
	}

	var fingerprint string
	if e.cache != nil {
		fingerprint = Fingerprint(q, text)
		if !q.SkipCache {
			cached, ok, err := e.cache.Get(ctx, q.OwnerID, fingerprint)
			if err != nil {
				e.logger.Warn("search cache lookup failed", "owner_id", q.OwnerID, "error", err)
			} else if ok {
				e.logger.Debug("search cache hit", "owner_id", q.OwnerID, "results", len(cached))
				return cached, nil
			}
		}
	}

	start := time.Now()
	var results []RankedResult
	switch q.Mode {
	case ModeSemantic:
		results, err = e.semantic(ctx, q, text, q.Limit)
		if err != nil {
			return nil, &Error{Op: "Search", Msg: "semantic search failed", Err: err}
		}
	case ModeKeyword:
		if e.keyword == nil {
			return nil, &Error{Op: "Search", Msg: "no keyword searcher configured", Err: ErrBackendUnavailable}
		}
		matches, err := e.keywordMatches(ctx, q, text, q.Limit)
		if err != nil {
			return nil, &Error{Op: "Search", Msg: "keyword search failed", Err: err}
		}
		results = keywordOnly(matches, 1)
	case ModeHybrid:
		results, err = e.hybrid(ctx, q, text)
		if err != nil {
			return nil, err
		}
	}

	elapsed := time.Since(start)
	if e.cfg.Tuner != nil && q.Mode != ModeKeyword {
		e.cfg.Tuner.ObserveQuery(elapsed)
	}

	Rank(results)
	if len(results) > q.Limit {
		results = results[:q.Limit]
	}
	for i := range results {
		results[i].Highlights = Highlights(results[i].Text, text)
	}

	e.logger.Info("search completed",
		"owner_id", q.OwnerID,
		"mode", q.Mode,
		"results", len(results),
		"duration", elapsed,
	)

	if e.cache != nil {
		if err := e.cache.Put(ctx, q.OwnerID, fingerprint, text, q.Threshold, results); err != nil {
			e.logger.Warn("failed to cache search results", "owner_id", q.OwnerID, "error", err)
		}
	}
	return results, nil
}

// probes returns the ivfflat.probes value for the next vector query.
func (e *Engine) probes() int {
	if e.cfg.Tuner != nil {
		if p := e.cfg.Tuner.Probes(); p > 0 {
			return p
		}
	}
	return e.cfg.Probes
}

// normalize validates q, applies defaults and returns the preprocessed text.
// Nothing is queried before it succeeds.
func (e *Engine) normalize(q Query) (Query, string, error) {
	if q.OwnerID == "" {
		return q, "", &Error{Op: "Search", Msg: "owner is required", Err: ErrInvalidQuery}
	}

	switch q.Mode {
	case "":
		q.Mode = ModeSemantic
	case ModeSemantic, ModeHybrid, ModeKeyword:
	default:
		return q, "", &Error{Op: "Search", Msg: fmt.Sprintf("unknown mode %q", q.Mode), Err: ErrInvalidQuery}
	}

	if q.Mode == ModeHybrid {
		if q.Weights == (Weights{}) {
			q.Weights = DefaultWeights()
		}
		if err := q.Weights.Validate(); err != nil {
			return q, "", &Error{Op: "Search", Msg: err.Error(), Err: ErrInvalidWeights}
		}
	}

	if q.Threshold == 0 {
		q.Threshold = e.cfg.DefaultThreshold
	}
	if q.Threshold > 1 {
		return q, "", &Error{Op: "Search", Msg: "threshold must not exceed 1", Err: ErrInvalidQuery}
	}
	if q.Threshold < -1 {
		q.Threshold = -1
	}

	if q.Limit <= 0 {
		q.Limit = e.cfg.DefaultLimit
	}
	if q.Limit > e.cfg.MaxLimit {
		q.Limit = e.cfg.MaxLimit
	}

	processed := e.preprocessor.Process(q.Text)
	if processed.IsEmpty {
		return q, "", &Error{
			Op:  "Search",
			Err: fmt.Errorf("%w: %w", ErrInvalidQuery, &embeddings.ValidationError{Reason: "query is empty"}),
		}
	}
	return q, processed.Text, nil
}
