package bleve

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp-forge/embedsearch/pkg/models"
	"github.com/hashicorp-forge/embedsearch/pkg/search"
)

func newDoc(owner, title string, texts ...string) (*models.Document, []models.Chunk) {
	doc := &models.Document{
		ID:        uuid.New(),
		OwnerID:   owner,
		Title:     title,
		CreatedAt: time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC),
	}
	chunks := make([]models.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = models.Chunk{
			ID:         uuid.New(),
			DocumentID: doc.ID,
			Index:      i,
			Text:       text,
			Type:       models.ChunkTypeParagraph,
		}
	}
	return doc, chunks
}

func TestAdapter_IndexAndSearch(t *testing.T) {
	a, err := NewAdapter(&Config{})
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	require.NoError(t, a.Healthy(ctx))
	assert.Equal(t, "bleve", a.Name())

	doc, chunks := newDoc("alice", "Indexing",
		"Vector indexes speed up nearest neighbour search.",
		"The cafeteria menu changes weekly.")
	bobDoc, bobChunks := newDoc("bob", "Bob", "Vector indexes for bob.")

	require.NoError(t, a.IndexChunks(ctx, doc, chunks))
	require.NoError(t, a.IndexChunks(ctx, bobDoc, bobChunks))

	n, err := a.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)

	matches, err := a.Search(ctx, search.KeywordQuery{Text: "vector index", OwnerID: "alice", Limit: 10})
	require.NoError(t, err)
	require.Len(t, matches, 1)

	m := matches[0]
	assert.Equal(t, chunks[0].ID, m.ChunkID)
	assert.Equal(t, doc.ID, m.DocumentID)
	assert.Equal(t, 0, m.ChunkIndex)
	assert.Equal(t, "Indexing", m.DocumentTitle)
	assert.Equal(t, models.ChunkTypeParagraph, m.Type)
	assert.True(t, doc.CreatedAt.Equal(m.DocumentCreatedAt))
	assert.Greater(t, m.Score, 0.0)

	// Every term must match.
	matches, err = a.Search(ctx, search.KeywordQuery{Text: "vector cafeteria", OwnerID: "alice"})
	require.NoError(t, err)
	assert.Empty(t, matches)

	// Document filter.
	matches, err = a.Search(ctx, search.KeywordQuery{
		Text:        "vector",
		OwnerID:     "alice",
		DocumentIDs: []uuid.UUID{uuid.New()},
	})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestAdapter_DeleteAndClear(t *testing.T) {
	a, err := NewAdapter(&Config{IndexPath: t.TempDir() + "/chunks.bleve"})
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	doc, chunks := newDoc("alice", "doc", "alpha beta", "beta gamma")
	other, otherChunks := newDoc("alice", "other", "beta delta")
	require.NoError(t, a.IndexChunks(ctx, doc, chunks))
	require.NoError(t, a.IndexChunks(ctx, other, otherChunks))

	require.NoError(t, a.DeleteDocument(ctx, doc.ID))

	matches, err := a.Search(ctx, search.KeywordQuery{Text: "beta", OwnerID: "alice"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, other.ID, matches[0].DocumentID)

	require.NoError(t, a.Clear(ctx))
	n, err := a.DocCount()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAdapter_SearchSkipsCorruptHits(t *testing.T) {
	a, err := NewAdapter(&Config{})
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	doc, chunks := newDoc("alice", "Good", "Vector indexes speed up search.")
	require.NoError(t, a.IndexChunks(ctx, doc, chunks))

	// Written outside IndexChunks, as an older or damaged index might hold.
	require.NoError(t, a.index.Index(uuid.NewString(), chunkDoc{
		DocumentID: "not-a-uuid",
		OwnerID:    "alice",
		Text:       "Vector indexes without a document.",
	}))
	require.NoError(t, a.index.Index("bad-chunk-id", chunkDoc{
		DocumentID: doc.ID.String(),
		OwnerID:    "alice",
		Text:       "Vector indexes without a chunk.",
	}))

	matches, err := a.Search(ctx, search.KeywordQuery{Text: "vector indexes", OwnerID: "alice", Limit: 10})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, chunks[0].ID, matches[0].ChunkID)
	assert.Equal(t, doc.ID, matches[0].DocumentID)
}
