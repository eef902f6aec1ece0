package search

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hashicorp-forge/embedsearch/pkg/embeddings"
	"github.com/hashicorp-forge/embedsearch/pkg/models"
	"github.com/hashicorp-forge/embedsearch/pkg/vectorstore"
)

// semantic embeds the query and returns the nearest chunks, most similar
// first.
func (e *Engine) semantic(ctx context.Context, q Query, text string, limit int) ([]RankedResult, error) {
	res, err := e.embedder.Generate(ctx, text, embeddings.GenerateOptions{OwnerID: q.OwnerID})
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}

	rows, err := e.store.Nearest(ctx, vectorstore.NearestQuery{
		Vector:      res.Vector,
		OwnerID:     q.OwnerID,
		Threshold:   q.Threshold,
		Limit:       limit,
		DocumentIDs: q.Filters.DocumentIDs,
		ChunkTypes:  q.Filters.ChunkTypes,
		Probes:      e.probes(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search similar embeddings: %w", err)
	}
	return fromNearest(rows), nil
}

// FindSimilarChunks returns chunks owned by ownerID that are similar to
// chunkID, excluding the chunk itself.
func (e *Engine) FindSimilarChunks(ctx context.Context, ownerID string, chunkID uuid.UUID, limit int) ([]RankedResult, error) {
	const op = "FindSimilarChunks"
	if limit <= 0 {
		limit = e.cfg.DefaultLimit
	}

	chunk, err := e.store.GetChunk(ctx, chunkID)
	if err != nil {
		return nil, notFoundOr(op, err)
	}
	doc, err := e.store.GetDocument(ctx, chunk.DocumentID)
	if err != nil {
		return nil, notFoundOr(op, err)
	}
	// Other owners' chunks are reported as missing.
	if doc.OwnerID != ownerID {
		return nil, &Error{Op: op, Msg: chunkID.String(), Err: ErrNotFound}
	}

	emb, err := e.store.EmbeddingForChunk(ctx, chunkID)
	if err != nil {
		return nil, notFoundOr(op, err)
	}
	if emb.Status != models.EmbeddingStatusCompleted || emb.Vector == nil {
		return nil, &Error{Op: op, Msg: "chunk has no completed embedding", Err: ErrNotFound}
	}

	rows, err := e.store.Nearest(ctx, vectorstore.NearestQuery{
		Vector:     emb.Vector.Slice(),
		OwnerID:    ownerID,
		Threshold:  e.cfg.DefaultThreshold,
		Limit:      limit,
		ExcludeIDs: []uuid.UUID{chunkID},
		Probes:     e.probes(),
	})
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}

	results := fromNearest(rows)
	Rank(results)
	return results, nil
}

func fromNearest(rows []vectorstore.NearestRow) []RankedResult {
	results := make([]RankedResult, len(rows))
	for i, r := range rows {
		results[i] = RankedResult{
			ChunkID:           r.ChunkID,
			DocumentID:        r.DocumentID,
			ChunkIndex:        r.ChunkIndex,
			DocumentTitle:     r.DocumentTitle,
			DocumentCreatedAt: r.DocumentCreatedAt,
			Text:              r.Text,
			Type:              r.Type,
			SectionTitle:      r.SectionTitle,
			Similarity:        r.Similarity,
			Score:             r.Similarity,
		}
	}
	return results
}

func notFoundOr(op string, err error) error {
	if errors.Is(err, vectorstore.ErrNotFound) {
		return &Error{Op: op, Msg: err.Error(), Err: ErrNotFound}
	}
	return &Error{Op: op, Err: err}
}
