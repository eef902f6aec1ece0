package vectorstore

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/hashicorp-forge/embedsearch/pkg/models"
)

// Stats summarises stored vectors for one owner, or for all owners when
// ownerID is empty.
type Stats struct {
	Documents      int64                            `json:"documents"`
	Chunks         int64                            `json:"chunks"`
	Embeddings     map[models.EmbeddingStatus]int64 `json:"embeddings"`
	Dimensions     int                              `json:"dimensions"`
	ApproxVectorMB float64                          `json:"approxVectorMb"`
}

// Completed returns the number of completed embeddings.
func (s Stats) Completed() int64 {
	return s.Embeddings[models.EmbeddingStatusCompleted]
}

// Stats counts documents, chunks and embeddings by status.
func (s *Store) Stats(ctx context.Context, ownerID string) (*Stats, error) {
	db := s.db.WithContext(ctx)
	out := &Stats{
		Embeddings: make(map[models.EmbeddingStatus]int64),
		Dimensions: s.dimensions,
	}

	docs := db.Model(&models.Document{})
	if ownerID != "" {
		docs = docs.Where("owner_id = ?", ownerID)
	}
	if err := docs.Count(&out.Documents).Error; err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}

	chunks := db.Table("chunks c").Joins("JOIN documents d ON d.id = c.document_id")
	if ownerID != "" {
		chunks = chunks.Where("d.owner_id = ?", ownerID)
	}
	if err := chunks.Count(&out.Chunks).Error; err != nil {
		return nil, fmt.Errorf("failed to count chunks: %w", err)
	}

	type statusRow struct {
		Status models.EmbeddingStatus
		Count  int64
	}
	var rows []statusRow
	emb := db.Table("embeddings e").
		Select("e.status, COUNT(*) AS count").
		Joins("JOIN documents d ON d.id = e.document_id")
	if ownerID != "" {
		emb = emb.Where("d.owner_id = ?", ownerID)
	}
	if err := emb.Group("e.status").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count embeddings: %w", err)
	}
	for _, r := range rows {
		out.Embeddings[r.Status] = r.Count
	}

	// float4 components plus the 8 byte varlena header per vector.
	bytes := float64(out.Completed()) * float64(4*s.dimensions+8)
	out.ApproxVectorMB = bytes / (1024 * 1024)
	return out, nil
}

// VectorCount returns the number of completed embeddings across all owners.
func (s *Store) VectorCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Embedding{}).
		Where("status = ? AND vector IS NOT NULL", models.EmbeddingStatusCompleted).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count vectors: %w", err)
	}
	return n, nil
}

// IndexInfo describes the ivfflat index as reported by the catalog.
type IndexInfo struct {
	Name       string
	Exists     bool
	Definition string
	Lists      int
	SizeBytes  int64
}

var listsPattern = regexp.MustCompile(`lists\s*=\s*'?(\d+)'?`)

// IndexInfo reads the index definition and size from pg_indexes.
func (s *Store) IndexInfo(ctx context.Context) (*IndexInfo, error) {
	if !s.postgres {
		return nil, ErrUnsupported
	}

	info := &IndexInfo{Name: s.indexName}
	var defs []string
	err := s.db.WithContext(ctx).
		Raw("SELECT indexdef FROM pg_indexes WHERE tablename = 'embeddings' AND indexname = ?", s.indexName).
		Scan(&defs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read index definition: %w", err)
	}
	if len(defs) == 0 {
		return info, nil
	}

	info.Exists = true
	info.Definition = defs[0]
	if m := listsPattern.FindStringSubmatch(info.Definition); m != nil {
		info.Lists, _ = strconv.Atoi(m[1])
	}

	err = s.db.WithContext(ctx).
		Raw("SELECT pg_relation_size(?::regclass)", s.indexName).
		Scan(&info.SizeBytes).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read index size: %w", err)
	}
	return info, nil
}

// Probes returns the session's ivfflat.probes setting.
func (s *Store) Probes(ctx context.Context) (int, error) {
	if !s.postgres {
		return 0, ErrUnsupported
	}
	var v string
	err := s.db.WithContext(ctx).Raw("SELECT COALESCE(current_setting('ivfflat.probes', true), '')").Scan(&v).Error
	if err != nil {
		return 0, fmt.Errorf("failed to read ivfflat.probes: %w", err)
	}
	// The setting is unregistered until the extension library loads in
	// this session; pgvector's default applies then.
	if v == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("unexpected ivfflat.probes value %q", v)
	}
	return n, nil
}

// RebuildIndex drops and recreates the ivfflat index with the given list
// count. Both statements run concurrently so reads are not blocked; they
// cannot run inside a transaction.
func (s *Store) RebuildIndex(ctx context.Context, lists int) error {
	if !s.postgres {
		return ErrUnsupported
	}
	if lists <= 0 {
		return fmt.Errorf("lists must be positive, got %d", lists)
	}

	db := s.db.WithContext(ctx)
	if err := db.Exec(fmt.Sprintf("DROP INDEX CONCURRENTLY IF EXISTS %s", s.indexName)).Error; err != nil {
		return fmt.Errorf("failed to drop index: %w", err)
	}

	ddl := fmt.Sprintf(
		"CREATE INDEX CONCURRENTLY %s ON embeddings USING ivfflat ((vector::vector(%d)) vector_cosine_ops) WITH (lists = %d)",
		s.indexName, s.dimensions, lists)
	if err := db.Exec(ddl).Error; err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	s.logger.Info("rebuilt vector index", "index", s.indexName, "lists", lists)
	return nil
}

// Reindex rebuilds the existing index in place.
func (s *Store) Reindex(ctx context.Context) error {
	if !s.postgres {
		return ErrUnsupported
	}
	if err := s.db.WithContext(ctx).Exec(fmt.Sprintf("REINDEX INDEX CONCURRENTLY %s", s.indexName)).Error; err != nil {
		return fmt.Errorf("failed to reindex: %w", err)
	}
	s.logger.Info("reindexed vector index", "index", s.indexName)
	return nil
}

// Analyze refreshes planner statistics for the embeddings table.
func (s *Store) Analyze(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Exec("ANALYZE embeddings").Error; err != nil {
		return fmt.Errorf("failed to analyze embeddings: %w", err)
	}
	return nil
}
