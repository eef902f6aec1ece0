package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/hashicorp-forge/embedsearch/pkg/models"
)

// NearestQuery selects chunks by cosine similarity to Vector.
type NearestQuery struct {
	Vector      []float32
	OwnerID     string
	Threshold   float64 // Minimum similarity
	Limit       int
	DocumentIDs []uuid.UUID        // Optional filter
	ChunkTypes  []models.ChunkType // Optional filter
	ExcludeIDs  []uuid.UUID        // Chunks to leave out
	Probes      int                // ivfflat.probes for this query; zero keeps the server setting
}

// NearestRow is one result of Nearest.
type NearestRow struct {
	ChunkID           uuid.UUID
	DocumentID        uuid.UUID
	ChunkIndex        int
	Text              string
	Type              models.ChunkType
	SectionTitle      string
	OverlapPrefix     int
	OverlapSuffix     int
	DocumentTitle     string
	DocumentCreatedAt time.Time
	Similarity        float64
}

// LexicalQuery selects chunks matching query terms.
type LexicalQuery struct {
	Text        string
	OwnerID     string
	Limit       int
	DocumentIDs []uuid.UUID
}

// LexicalRow is one result of Lexical. Rank is backend specific and only
// meaningful relative to other rows of the same query.
type LexicalRow struct {
	ChunkID           uuid.UUID
	DocumentID        uuid.UUID
	ChunkIndex        int
	Text              string
	Type              models.ChunkType
	SectionTitle      string
	DocumentTitle     string
	DocumentCreatedAt time.Time
	Rank              float64
}

const chunkColumns = `c.id AS chunk_id, c.document_id, c.chunk_index, c.text, c.type, c.section_title,
	c.overlap_prefix, c.overlap_suffix, d.title AS document_title, d.created_at AS document_created_at`

// Nearest returns up to q.Limit completed embeddings owned by q.OwnerID with
// similarity at or above q.Threshold, most similar first. PostgreSQL uses the
// pgvector cosine operator; other databases scan in process.
func (s *Store) Nearest(ctx context.Context, q NearestQuery) ([]NearestRow, error) {
	if err := validateVector(q.Vector, s.dimensions); err != nil {
		return nil, err
	}
	if q.Limit <= 0 {
		q.Limit = 10
	}

	var (
		rows []NearestRow
		err  error
	)
	if s.postgres {
		rows, err = s.nearestPostgres(ctx, q)
	} else {
		rows, err = s.nearestScan(ctx, q)
	}
	if err != nil {
		return nil, err
	}

	for _, r := range rows {
		if r.ChunkID == uuid.Nil || math.IsNaN(r.Similarity) || math.IsInf(r.Similarity, 0) {
			return nil, fmt.Errorf("invalid nearest row for chunk %s", r.ChunkID)
		}
	}
	return rows, nil
}

func (s *Store) nearestPostgres(ctx context.Context, q NearestQuery) ([]NearestRow, error) {
	// The cast must match the index expression for the planner to use it.
	distance := fmt.Sprintf("(e.vector::vector(%d) <=> ?::vector(%d))", s.dimensions, s.dimensions)
	vec := pgvector.NewVector(q.Vector)

	// pgvector returns NaN for a zero-magnitude operand, which compares
	// above every threshold. Such pairs score 0 instead.
	similarity := "0"
	order := "d.created_at DESC, c.chunk_index"
	var vecArgs []interface{}
	if magnitude(q.Vector) > 0 {
		similarity = fmt.Sprintf("CASE WHEN vector_norm(e.vector::vector(%d)) = 0 THEN 0 ELSE 1 - %s END",
			s.dimensions, distance)
		order = distance
		vecArgs = []interface{}{vec}
	}

	sql := `SELECT ` + chunkColumns + `, ` + similarity + ` AS similarity
		FROM embeddings e
		JOIN chunks c ON c.id = e.chunk_id
		JOIN documents d ON d.id = e.document_id
		WHERE e.status = ? AND e.vector IS NOT NULL AND d.owner_id = ?`
	args := append(append([]interface{}{}, vecArgs...), models.EmbeddingStatusCompleted, q.OwnerID)

	if len(q.DocumentIDs) > 0 {
		sql += ` AND e.document_id IN ?`
		args = append(args, q.DocumentIDs)
	}
	if len(q.ChunkTypes) > 0 {
		sql += ` AND c.type IN ?`
		args = append(args, q.ChunkTypes)
	}
	if len(q.ExcludeIDs) > 0 {
		sql += ` AND c.id NOT IN ?`
		args = append(args, q.ExcludeIDs)
	}
	sql += ` AND ` + similarity + ` >= ? ORDER BY ` + order + ` LIMIT ?`
	args = append(args, vecArgs...)
	args = append(args, q.Threshold)
	args = append(args, vecArgs...)
	args = append(args, q.Limit)

	var rows []NearestRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if q.Probes > 0 {
			if err := tx.Exec(fmt.Sprintf("SET LOCAL ivfflat.probes = %d", q.Probes)).Error; err != nil {
				return err
			}
		}
		return tx.Raw(sql, args...).Scan(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query nearest embeddings: %w", err)
	}
	return rows, nil
}

// nearestScan computes similarity in process. It is meant for SQLite
// development databases and tests, not large corpora.
func (s *Store) nearestScan(ctx context.Context, q NearestQuery) ([]NearestRow, error) {
	type scanRow struct {
		NearestRow
		Vector pgvector.Vector
	}

	tx := s.db.WithContext(ctx).Table("embeddings e").
		Select(chunkColumns+", e.vector").
		Joins("JOIN chunks c ON c.id = e.chunk_id").
		Joins("JOIN documents d ON d.id = e.document_id").
		Where("e.status = ? AND e.vector IS NOT NULL AND d.owner_id = ?", models.EmbeddingStatusCompleted, q.OwnerID)
	if len(q.DocumentIDs) > 0 {
		tx = tx.Where("e.document_id IN ?", q.DocumentIDs)
	}
	if len(q.ChunkTypes) > 0 {
		tx = tx.Where("c.type IN ?", q.ChunkTypes)
	}
	if len(q.ExcludeIDs) > 0 {
		tx = tx.Where("c.id NOT IN ?", q.ExcludeIDs)
	}

	var candidates []scanRow
	if err := tx.Scan(&candidates).Error; err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}

	rows := make([]NearestRow, 0, len(candidates))
	for _, c := range candidates {
		sim := cosine(q.Vector, c.Vector.Slice())
		if sim < q.Threshold {
			continue
		}
		c.NearestRow.Similarity = sim
		rows = append(rows, c.NearestRow)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Similarity > rows[j].Similarity
	})
	if len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return rows, nil
}

// Lexical returns chunks matching the query terms. PostgreSQL ranks with
// full-text search; other databases require every term as a substring.
func (s *Store) Lexical(ctx context.Context, q LexicalQuery) ([]LexicalRow, error) {
	terms := strings.Fields(q.Text)
	if len(terms) == 0 {
		return nil, nil
	}
	if q.Limit <= 0 {
		q.Limit = 10
	}

	tx := s.db.WithContext(ctx).Table("chunks c").
		Joins("JOIN documents d ON d.id = c.document_id").
		Where("d.owner_id = ?", q.OwnerID)
	if len(q.DocumentIDs) > 0 {
		tx = tx.Where("c.document_id IN ?", q.DocumentIDs)
	}

	if s.postgres {
		tx = tx.Select(chunkColumns+", ts_rank_cd(to_tsvector('english', c.text), plainto_tsquery('english', ?)) AS rank", q.Text).
			Where("to_tsvector('english', c.text) @@ plainto_tsquery('english', ?)", q.Text).
			Order("rank DESC")
	} else {
		tx = tx.Select(chunkColumns + ", 0 AS rank")
		for _, term := range terms {
			tx = tx.Where("LOWER(c.text) LIKE ?", "%"+strings.ToLower(term)+"%")
		}
		tx = tx.Order("d.created_at DESC, c.chunk_index ASC")
	}

	var rows []LexicalRow
	if err := tx.Limit(q.Limit).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to run lexical query: %w", err)
	}
	return rows, nil
}

func validateVector(v []float32, dims int) error {
	if len(v) != dims {
		return fmt.Errorf("vector has %d dimensions, expected %d", len(v), dims)
	}
	for _, f := range v {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return fmt.Errorf("vector contains non-finite values")
		}
	}
	return nil
}

func magnitude(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
