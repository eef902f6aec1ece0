// Package bleve provides an embedded keyword index over chunks that can back
// hybrid search when PostgreSQL full-text search is unavailable.
package bleve

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp-forge/embedsearch/pkg/models"
	"github.com/hashicorp-forge/embedsearch/pkg/search"
)

// Adapter is a search.KeywordSearcher backed by a bleve index.
type Adapter struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	logger hclog.Logger
}

var _ search.KeywordSearcher = (*Adapter)(nil)

// Config contains Bleve configuration.
type Config struct {
	// IndexPath is the index directory. Empty keeps the index in memory.
	IndexPath string
	Logger    hclog.Logger
}

// chunkDoc is the indexed form of a chunk.
type chunkDoc struct {
	ChunkID       string    `json:"chunkId"`
	DocumentID    string    `json:"documentId"`
	OwnerID       string    `json:"ownerId"`
	ChunkIndex    int       `json:"chunkIndex"`
	Text          string    `json:"text"`
	Type          string    `json:"type"`
	SectionTitle  string    `json:"sectionTitle"`
	DocumentTitle string    `json:"documentTitle"`
	CreatedTime   time.Time `json:"createdTime"`
}

// NewAdapter opens or creates the index.
func NewAdapter(cfg *Config) (*Adapter, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	a := &Adapter{path: cfg.IndexPath, logger: logger.Named("bleve")}

	var err error
	if cfg.IndexPath == "" {
		a.index, err = bleve.NewMemOnly(createChunkMapping())
	} else {
		a.index, err = openOrCreateIndex(cfg.IndexPath, createChunkMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize index: %w", err)
	}
	return a, nil
}

// openOrCreateIndex opens an existing Bleve index or creates a new one.
func openOrCreateIndex(path string, indexMapping mapping.IndexMapping) (bleve.Index, error) {
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		return bleve.New(path, indexMapping)
	}
	return idx, err
}

// createChunkMapping creates the index mapping for chunks.
func createChunkMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()

	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = "en" // English analyzer with stemming

	keywordFieldMapping := bleve.NewKeywordFieldMapping()
	numericFieldMapping := bleve.NewNumericFieldMapping()
	dateFieldMapping := bleve.NewDateTimeFieldMapping()

	chunkMapping := bleve.NewDocumentMapping()

	chunkMapping.AddFieldMappingsAt("text", textFieldMapping)
	chunkMapping.AddFieldMappingsAt("sectionTitle", textFieldMapping)
	chunkMapping.AddFieldMappingsAt("documentTitle", textFieldMapping)

	chunkMapping.AddFieldMappingsAt("chunkId", keywordFieldMapping)
	chunkMapping.AddFieldMappingsAt("documentId", keywordFieldMapping)
	chunkMapping.AddFieldMappingsAt("ownerId", keywordFieldMapping)
	chunkMapping.AddFieldMappingsAt("type", keywordFieldMapping)

	chunkMapping.AddFieldMappingsAt("chunkIndex", numericFieldMapping)
	chunkMapping.AddFieldMappingsAt("createdTime", dateFieldMapping)

	indexMapping.AddDocumentMapping("_default", chunkMapping)

	return indexMapping
}

// Name returns the provider name.
func (a *Adapter) Name() string {
	return string(search.ProviderTypeBleve)
}

// Healthy checks if the index is accessible.
func (a *Adapter) Healthy(ctx context.Context) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.index == nil {
		return fmt.Errorf("index is not initialized")
	}
	if _, err := a.index.DocCount(); err != nil {
		return fmt.Errorf("index unhealthy: %w", err)
	}
	return nil
}

// DocCount returns the number of indexed chunks.
func (a *Adapter) DocCount() (uint64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.index.DocCount()
}

// IndexChunks adds or replaces the chunks of doc.
func (a *Adapter) IndexChunks(ctx context.Context, doc *models.Document, chunks []models.Chunk) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	batch := a.index.NewBatch()
	for _, c := range chunks {
		d := chunkDoc{
			ChunkID:       c.ID.String(),
			DocumentID:    doc.ID.String(),
			OwnerID:       doc.OwnerID,
			ChunkIndex:    c.Index,
			Text:          c.Text,
			Type:          string(c.Type),
			SectionTitle:  c.SectionTitle,
			DocumentTitle: doc.Title,
			CreatedTime:   doc.CreatedAt,
		}
		if err := batch.Index(d.ChunkID, d); err != nil {
			return &search.Error{Op: "IndexChunks", Msg: c.ID.String(), Err: search.ErrIndexingFailed}
		}
	}

	if err := a.index.Batch(batch); err != nil {
		return &search.Error{Op: "IndexChunks", Msg: err.Error(), Err: search.ErrIndexingFailed}
	}
	a.logger.Debug("indexed chunks", "document_id", doc.ID, "count", len(chunks))
	return nil
}

// DeleteDocument removes every chunk of documentID.
func (a *Adapter) DeleteDocument(ctx context.Context, documentID uuid.UUID) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	q := bleve.NewTermQuery(documentID.String())
	q.SetField("documentId")

	req := bleve.NewSearchRequest(q)
	req.Size = 10000

	res, err := a.index.Search(req)
	if err != nil {
		return fmt.Errorf("failed to find document chunks: %w", err)
	}

	batch := a.index.NewBatch()
	for _, hit := range res.Hits {
		batch.Delete(hit.ID)
	}
	return a.index.Batch(batch)
}

// Search implements search.KeywordSearcher. Every query term must match.
func (a *Adapter) Search(ctx context.Context, sq search.KeywordQuery) ([]search.KeywordMatch, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	match := bleve.NewMatchQuery(sq.Text)
	match.SetField("text")
	match.SetOperator(query.MatchQueryOperatorAnd)

	owner := bleve.NewTermQuery(sq.OwnerID)
	owner.SetField("ownerId")

	queries := []query.Query{match, owner}

	if len(sq.DocumentIDs) > 0 {
		// Create disjunction (OR) for multiple documents
		disjunction := bleve.NewDisjunctionQuery()
		for _, id := range sq.DocumentIDs {
			t := bleve.NewTermQuery(id.String())
			t.SetField("documentId")
			disjunction.AddQuery(t)
		}
		queries = append(queries, disjunction)
	}

	limit := sq.Limit
	if limit <= 0 {
		limit = 10
	}

	req := bleve.NewSearchRequest(bleve.NewConjunctionQuery(queries...))
	req.Size = limit
	req.Fields = []string{"*"}

	res, err := a.index.Search(req)
	if err != nil {
		return nil, &search.Error{Op: "Search", Msg: err.Error(), Err: search.ErrBackendUnavailable}
	}

	matches := make([]search.KeywordMatch, 0, len(res.Hits))
	for _, hit := range res.Hits {
		chunkID, err := uuid.Parse(hit.ID)
		if err != nil {
			a.logger.Warn("skipping keyword hit with invalid chunk id", "id", hit.ID, "error", err)
			continue
		}
		docField, _ := hit.Fields["documentId"].(string)
		documentID, err := uuid.Parse(docField)
		if err != nil {
			a.logger.Warn("skipping keyword hit with invalid document id", "chunk_id", chunkID, "document_id", docField, "error", err)
			continue
		}

		m := search.KeywordMatch{ChunkID: chunkID, DocumentID: documentID, Score: hit.Score}
		if n, ok := hit.Fields["chunkIndex"].(float64); ok {
			m.ChunkIndex = int(n)
		}
		if s, ok := hit.Fields["text"].(string); ok {
			m.Text = s
		}
		if s, ok := hit.Fields["type"].(string); ok {
			m.Type = models.ChunkType(s)
		}
		if s, ok := hit.Fields["sectionTitle"].(string); ok {
			m.SectionTitle = s
		}
		if s, ok := hit.Fields["documentTitle"].(string); ok {
			m.DocumentTitle = s
		}

		// Extract timestamps
		if created, ok := hit.Fields["createdTime"].(string); ok {
			if t, err := time.Parse(time.RFC3339, created); err == nil {
				m.DocumentCreatedAt = t
			} else if i, err := strconv.ParseInt(created, 10, 64); err == nil {
				m.DocumentCreatedAt = time.Unix(i, 0)
			}
		}

		matches = append(matches, m)
	}
	return matches, nil
}

// Clear removes all chunks from the index.
func (a *Adapter) Clear(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.index.Close(); err != nil {
		return fmt.Errorf("failed to close index: %w", err)
	}

	var (
		newIndex bleve.Index
		err      error
	)
	if a.path == "" {
		newIndex, err = bleve.NewMemOnly(createChunkMapping())
	} else {
		if err := os.RemoveAll(a.path); err != nil {
			return fmt.Errorf("failed to remove index: %w", err)
		}
		newIndex, err = bleve.New(a.path, createChunkMapping())
	}
	if err != nil {
		return fmt.Errorf("failed to recreate index: %w", err)
	}

	a.index = newIndex
	return nil
}

// Close closes the index.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.index.Close()
}
