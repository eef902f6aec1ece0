// Package service is the entry point the surrounding application calls:
// ingesting extracted document text, requesting embeddings, tracking jobs,
// searching and maintaining the vector index.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"gorm.io/gorm"

	"github.com/hashicorp-forge/embedsearch/pkg/chunker"
	"github.com/hashicorp-forge/embedsearch/pkg/indexadvisor"
	"github.com/hashicorp-forge/embedsearch/pkg/jobs"
	"github.com/hashicorp-forge/embedsearch/pkg/llm"
	"github.com/hashicorp-forge/embedsearch/pkg/models"
	"github.com/hashicorp-forge/embedsearch/pkg/search"
	"github.com/hashicorp-forge/embedsearch/pkg/vectorstore"
)

// ErrAnswersDisabled is returned by Answer when no completion provider is
// configured.
var ErrAnswersDisabled = errors.New("no completion provider configured")

// ChunkIndexer mirrors chunks into a keyword index.
// *bleve.Adapter satisfies it.
type ChunkIndexer interface {
	IndexChunks(ctx context.Context, doc *models.Document, chunks []models.Chunk) error
	DeleteDocument(ctx context.Context, documentID uuid.UUID) error
}

// Service wires the embedding pipeline together.
type Service struct {
	store     *vectorstore.Store
	queue     *jobs.Queue
	search    *search.Engine
	advisor   *indexadvisor.Advisor
	chunker   *chunker.Chunker
	indexer   ChunkIndexer
	completer llm.CompletionStreamer
	cfg       Config
	logger    hclog.Logger
}

// Config holds the service's collaborators.
type Config struct {
	Store   *vectorstore.Store    // Required
	Queue   *jobs.Queue           // Required
	Search  *search.Engine        // Required
	Advisor *indexadvisor.Advisor // Required

	Chunker      *chunker.Chunker       // Default: chunker.New()
	KeywordIndex ChunkIndexer           // Optional
	Completer    llm.CompletionStreamer // Optional; enables Answer

	// CompletionModel is passed to the completer (default: provider default).
	CompletionModel string
	// AnswerContextChunks caps the chunks quoted in an answer prompt
	// (default: 5).
	AnswerContextChunks int

	Logger hclog.Logger
}

// New creates a service.
func New(cfg Config) (*Service, error) {
	var result *multierror.Error
	if cfg.Store == nil {
		result = multierror.Append(result, fmt.Errorf("vector store is required"))
	}
	if cfg.Queue == nil {
		result = multierror.Append(result, fmt.Errorf("job queue is required"))
	}
	if cfg.Search == nil {
		result = multierror.Append(result, fmt.Errorf("search engine is required"))
	}
	if cfg.Advisor == nil {
		result = multierror.Append(result, fmt.Errorf("index advisor is required"))
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}

	if cfg.Chunker == nil {
		cfg.Chunker = chunker.New()
	}
	if cfg.AnswerContextChunks <= 0 {
		cfg.AnswerContextChunks = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	return &Service{
		store:     cfg.Store,
		queue:     cfg.Queue,
		search:    cfg.Search,
		advisor:   cfg.Advisor,
		chunker:   cfg.Chunker,
		indexer:   cfg.KeywordIndex,
		completer: cfg.Completer,
		cfg:       cfg,
		logger:    cfg.Logger.Named("service"),
	}, nil
}

// IngestRequest is extracted document text to store.
type IngestRequest struct {
	OwnerID string
	Title   string
	Text    string

	// Embed enqueues an embedding job for the new document.
	Embed    bool
	Priority models.JobPriority
}

// IngestResult describes a stored document.
type IngestResult struct {
	Document *models.Document `json:"document"`
	Chunks   int              `json:"chunks"`
	JobID    *uuid.UUID       `json:"jobId,omitempty"`
}

// IngestDocument chunks text and stores it as a new document, optionally
// queueing its embeddings.
func (s *Service) IngestDocument(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if req.OwnerID == "" {
		return nil, fmt.Errorf("owner is required")
	}

	doc := &models.Document{ID: uuid.New(), OwnerID: req.OwnerID, Title: req.Title}
	chunks := s.chunker.Chunk(doc.ID, req.Text)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("document text is empty")
	}

	// A document is never stored without its chunks.
	err := s.store.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := s.store.WithTx(tx)
		if err := store.CreateDocument(ctx, doc); err != nil {
			return err
		}
		return store.SaveChunks(ctx, chunks)
	})
	if err != nil {
		return nil, err
	}

	if s.indexer != nil {
		if err := s.indexer.IndexChunks(ctx, doc, chunks); err != nil {
			// The keyword index is rebuilt from the database; the document
			// stays usable for semantic search.
			s.logger.Warn("failed to index chunks for keyword search", "document_id", doc.ID, "error", err)
		}
	}

	result := &IngestResult{Document: doc, Chunks: len(chunks)}
	s.logger.Info("document ingested", "document_id", doc.ID, "owner_id", doc.OwnerID, "chunks", len(chunks))

	if req.Embed {
		jobID, err := s.queue.Enqueue(ctx, doc.ID, req.Priority, jobs.EnqueueOptions{})
		if err != nil {
			return result, err
		}
		result.JobID = &jobID
	}
	return result, nil
}

// DeleteDocument removes a document with its chunks, embeddings and jobs,
// and drops it from the keyword index and the owner's cached searches.
func (s *Service) DeleteDocument(ctx context.Context, documentID uuid.UUID) error {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteDocument(ctx, documentID); err != nil {
		return err
	}

	if s.indexer != nil {
		if err := s.indexer.DeleteDocument(ctx, documentID); err != nil {
			s.logger.Warn("failed to remove document from keyword index", "document_id", documentID, "error", err)
		}
	}
	if cache := s.search.Cache(); cache != nil {
		if _, err := cache.InvalidateOwner(ctx, doc.OwnerID); err != nil {
			s.logger.Warn("failed to invalidate search cache", "owner_id", doc.OwnerID, "error", err)
		}
	}
	return nil
}

// RequestEmbeddings queues embedding work for a document.
func (s *Service) RequestEmbeddings(ctx context.Context, documentID uuid.UUID, priority models.JobPriority, forceReprocess bool) (uuid.UUID, error) {
	return s.queue.Enqueue(ctx, documentID, priority, jobs.EnqueueOptions{ForceReprocess: forceReprocess})
}

// GetJobStatus returns a job with its counters, retry count and last error.
func (s *Service) GetJobStatus(ctx context.Context, jobID uuid.UUID) (*models.EmbeddingJob, error) {
	return s.queue.Get(ctx, jobID)
}

// CancelJob cancels a pending or processing job.
func (s *Service) CancelJob(ctx context.Context, jobID uuid.UUID) error {
	return s.queue.Cancel(ctx, jobID)
}

// Search runs a query for its owner.
func (s *Service) Search(ctx context.Context, q search.Query) ([]search.RankedResult, error) {
	return s.search.Search(ctx, q)
}

// FindSimilarChunks returns the owner's chunks most similar to chunkID.
func (s *Service) FindSimilarChunks(ctx context.Context, ownerID string, chunkID uuid.UUID, limit int) ([]search.RankedResult, error) {
	return s.search.FindSimilarChunks(ctx, ownerID, chunkID, limit)
}

// VectorStats aggregates storage, index and queue statistics.
type VectorStats struct {
	Store *vectorstore.Stats       `json:"store"`
	Index *models.VectorIndexStats `json:"index"`
	Jobs  *jobs.Stats              `json:"jobs"`
}

// GetVectorStats reports counts and sizes for ownerID, or for every owner
// when ownerID is empty. Index and job figures are global.
func (s *Service) GetVectorStats(ctx context.Context, ownerID string) (*VectorStats, error) {
	storeStats, err := s.store.Stats(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	indexStats, err := s.advisor.Stats(ctx)
	if err != nil {
		return nil, err
	}
	jobStats, err := s.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &VectorStats{Store: storeStats, Index: indexStats, Jobs: jobStats}, nil
}

// RebuildIndex rebuilds the vector index when it is unhealthy, or always
// when force is set.
func (s *Service) RebuildIndex(ctx context.Context, force bool) (*indexadvisor.RebuildResult, error) {
	return s.advisor.Rebuild(ctx, force)
}
