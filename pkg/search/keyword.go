package search

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hashicorp-forge/embedsearch/pkg/models"
	"github.com/hashicorp-forge/embedsearch/pkg/vectorstore"
)

// KeywordPlaceholderScore is the score every keyword match receives before
// weighting. Backend relevance scores are not comparable to cosine
// similarity, so they only decide which chunks match.
const KeywordPlaceholderScore = 0.5

// KeywordQuery is a lexical query scoped to one owner.
type KeywordQuery struct {
	Text        string
	OwnerID     string
	Limit       int
	DocumentIDs []uuid.UUID
}

// KeywordMatch is one chunk returned by a keyword searcher, best first.
type KeywordMatch struct {
	ChunkID           uuid.UUID
	DocumentID        uuid.UUID
	ChunkIndex        int
	Text              string
	Type              models.ChunkType
	SectionTitle      string
	DocumentTitle     string
	DocumentCreatedAt time.Time
	Score             float64 // Backend relevance
}

func (m KeywordMatch) result() RankedResult {
	return RankedResult{
		ChunkID:           m.ChunkID,
		DocumentID:        m.DocumentID,
		ChunkIndex:        m.ChunkIndex,
		DocumentTitle:     m.DocumentTitle,
		DocumentCreatedAt: m.DocumentCreatedAt,
		Text:              m.Text,
		Type:              m.Type,
		SectionTitle:      m.SectionTitle,
		KeywordScore:      KeywordPlaceholderScore,
	}
}

// KeywordSearcher provides keyword-based search (PostgreSQL full-text or
// bleve).
type KeywordSearcher interface {
	Search(ctx context.Context, q KeywordQuery) ([]KeywordMatch, error)
}

// LexicalQuerier runs lexical queries against the vector store.
type LexicalQuerier interface {
	Lexical(ctx context.Context, q vectorstore.LexicalQuery) ([]vectorstore.LexicalRow, error)
}

// StoreKeywordSearcher is a KeywordSearcher backed by the vector store's
// lexical query.
type StoreKeywordSearcher struct {
	store LexicalQuerier
}

// NewStoreKeywordSearcher creates a keyword searcher over store.
func NewStoreKeywordSearcher(store LexicalQuerier) *StoreKeywordSearcher {
	return &StoreKeywordSearcher{store: store}
}

// Search implements KeywordSearcher.
func (s *StoreKeywordSearcher) Search(ctx context.Context, q KeywordQuery) ([]KeywordMatch, error) {
	rows, err := s.store.Lexical(ctx, vectorstore.LexicalQuery{
		Text:        q.Text,
		OwnerID:     q.OwnerID,
		Limit:       q.Limit,
		DocumentIDs: q.DocumentIDs,
	})
	if err != nil {
		return nil, err
	}

	matches := make([]KeywordMatch, len(rows))
	for i, r := range rows {
		matches[i] = KeywordMatch{
			ChunkID:           r.ChunkID,
			DocumentID:        r.DocumentID,
			ChunkIndex:        r.ChunkIndex,
			Text:              r.Text,
			Type:              r.Type,
			SectionTitle:      r.SectionTitle,
			DocumentTitle:     r.DocumentTitle,
			DocumentCreatedAt: r.DocumentCreatedAt,
			Score:             r.Rank,
		}
	}
	return matches, nil
}

// keywordMatches queries the keyword searcher and applies filters it does
// not understand.
func (e *Engine) keywordMatches(ctx context.Context, q Query, text string, limit int) ([]KeywordMatch, error) {
	matches, err := e.keyword.Search(ctx, KeywordQuery{
		Text:        text,
		OwnerID:     q.OwnerID,
		Limit:       limit,
		DocumentIDs: q.Filters.DocumentIDs,
	})
	if err != nil {
		return nil, err
	}
	if len(q.Filters.ChunkTypes) == 0 {
		return matches, nil
	}

	allowed := make(map[models.ChunkType]bool, len(q.Filters.ChunkTypes))
	for _, t := range q.Filters.ChunkTypes {
		allowed[t] = true
	}
	filtered := matches[:0]
	for _, m := range matches {
		if allowed[m.Type] {
			filtered = append(filtered, m)
		}
	}
	return filtered, nil
}
