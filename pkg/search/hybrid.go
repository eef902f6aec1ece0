package search

import (
	"context"
	"fmt"
	"math"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Fusion selects how semantic and keyword lists are combined.
type Fusion string

const (
	// FusionWeighted sums weighted scores per chunk.
	FusionWeighted Fusion = "weighted"

	// FusionRRF uses reciprocal rank fusion, weighting each list's
	// contribution.
	FusionRRF Fusion = "rrf"
)

// RRFConstant is the k in 1/(k+rank).
const RRFConstant = 60

// weightTolerance is how far the weights may sum from exactly one.
const weightTolerance = 1e-6

// Weights defines the weights for combining semantic and keyword scores.
type Weights struct {
	Semantic float64 `json:"semantic"` // Weight for semantic search (0-1)
	Keyword  float64 `json:"keyword"`  // Weight for keyword search (0-1)
	Fusion   Fusion  `json:"fusion,omitempty"`
}

// DefaultWeights returns weights favoring semantic search.
func DefaultWeights() Weights {
	return Weights{Semantic: 0.7, Keyword: 0.3, Fusion: FusionWeighted}
}

// KeywordFocusedWeights returns weights favoring keyword search.
func KeywordFocusedWeights() Weights {
	return Weights{Semantic: 0.3, Keyword: 0.7, Fusion: FusionWeighted}
}

// BalancedWeights weighs both lists equally.
func BalancedWeights() Weights {
	return Weights{Semantic: 0.5, Keyword: 0.5, Fusion: FusionWeighted}
}

// Validate checks each weight is in [0,1] and that they sum to one.
func (w Weights) Validate() error {
	err := validation.ValidateStruct(&w,
		validation.Field(&w.Semantic, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&w.Keyword, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&w.Fusion, validation.In(FusionWeighted, FusionRRF)),
	)
	if err != nil {
		return err
	}
	if sum := w.Semantic + w.Keyword; math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("weights must sum to 1, got %g", sum)
	}
	return nil
}

// hybrid runs semantic and keyword retrieval concurrently. When one side
// fails, or no keyword searcher is configured, the other side's results are
// returned alone and unweighted.
func (e *Engine) hybrid(ctx context.Context, q Query, text string) ([]RankedResult, error) {
	// Fetch more than needed so the merge has candidates from both lists.
	fetch := q.Limit * 2

	var (
		semantic            []RankedResult
		matches             []KeywordMatch
		semanticErr, kwdErr error
		g                   errgroup.Group
	)
	g.Go(func() error {
		semantic, semanticErr = e.semantic(ctx, q, text, fetch)
		return nil
	})
	if e.keyword != nil {
		g.Go(func() error {
			matches, kwdErr = e.keywordMatches(ctx, q, text, fetch)
			return nil
		})
	}
	_ = g.Wait()

	switch {
	case semanticErr != nil && (kwdErr != nil || e.keyword == nil):
		return nil, &Error{
			Op:  "Search",
			Msg: "both keyword and semantic search failed",
			Err: fmt.Errorf("%w: semantic=%v, keyword=%v", ErrBackendUnavailable, semanticErr, kwdErr),
		}
	case semanticErr != nil:
		e.logger.Warn("semantic search failed, using keyword results only", "error", semanticErr)
		return keywordOnly(matches, 1), nil
	case kwdErr != nil:
		e.logger.Warn("keyword search failed, using semantic results only", "error", kwdErr)
		return semantic, nil
	case e.keyword == nil:
		return semantic, nil
	}

	var merged []RankedResult
	if q.Weights.Fusion == FusionRRF {
		merged = fuseRRF(semantic, matches, q.Weights)
	} else {
		merged = mergeWeighted(semantic, matches, q.Weights)
	}

	e.logger.Debug("hybrid merge",
		"semantic_results", len(semantic),
		"keyword_results", len(matches),
		"merged_results", len(merged),
	)
	return merged, nil
}

type resultKey struct {
	documentID uuid.UUID
	chunkIndex int
}

// mergeWeighted combines lists keyed by (document, chunk index). Chunks in
// both lists score s*ws + k*wk; the rest are scaled by their own weight.
func mergeWeighted(semantic []RankedResult, matches []KeywordMatch, w Weights) []RankedResult {
	byKey := make(map[resultKey]*RankedResult, len(semantic)+len(matches))
	order := make([]resultKey, 0, len(semantic)+len(matches))

	for _, r := range semantic {
		k := resultKey{r.DocumentID, r.ChunkIndex}
		r.Score = r.Similarity * w.Semantic
		byKey[k] = &r
		order = append(order, k)
	}

	for _, m := range matches {
		k := resultKey{m.DocumentID, m.ChunkIndex}
		if existing, ok := byKey[k]; ok {
			existing.KeywordScore = KeywordPlaceholderScore
			existing.Score = existing.Similarity*w.Semantic + KeywordPlaceholderScore*w.Keyword
			existing.MatchedInBoth = true
			continue
		}
		r := m.result()
		r.Score = KeywordPlaceholderScore * w.Keyword
		byKey[k] = &r
		order = append(order, k)
	}

	out := make([]RankedResult, 0, len(order))
	for _, k := range order {
		out = append(out, *byKey[k])
	}
	return out
}

// fuseRRF scores each chunk by the weighted sum of 1/(k+rank) over the
// lists it appears in. Input lists must already be in rank order.
func fuseRRF(semantic []RankedResult, matches []KeywordMatch, w Weights) []RankedResult {
	byKey := make(map[resultKey]*RankedResult, len(semantic)+len(matches))
	order := make([]resultKey, 0, len(semantic)+len(matches))

	for i, r := range semantic {
		k := resultKey{r.DocumentID, r.ChunkIndex}
		r.Score = w.Semantic / float64(RRFConstant+i+1)
		byKey[k] = &r
		order = append(order, k)
	}

	for i, m := range matches {
		k := resultKey{m.DocumentID, m.ChunkIndex}
		contribution := w.Keyword / float64(RRFConstant+i+1)
		if existing, ok := byKey[k]; ok {
			existing.KeywordScore = KeywordPlaceholderScore
			existing.Score += contribution
			existing.MatchedInBoth = true
			continue
		}
		r := m.result()
		r.Score = contribution
		byKey[k] = &r
		order = append(order, k)
	}

	out := make([]RankedResult, 0, len(order))
	for _, k := range order {
		out = append(out, *byKey[k])
	}
	return out
}

func keywordOnly(matches []KeywordMatch, weight float64) []RankedResult {
	out := make([]RankedResult, len(matches))
	for i, m := range matches {
		out[i] = m.result()
		out[i].Score = KeywordPlaceholderScore * weight
	}
	return out
}
