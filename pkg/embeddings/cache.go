package embeddings

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hashicorp-forge/embedsearch/pkg/models"
)

// Cache stores vectors by content hash. Entries are shared by every owner.
type Cache struct {
	db     *gorm.DB
	logger hclog.Logger
	now    func() time.Time
}

// CacheStats summarizes cache contents.
type CacheStats struct {
	Entries    int64
	TotalUsage int64
}

// NewCache creates a cache backed by the embedding_cache table.
func NewCache(db *gorm.DB, logger hclog.Logger) *Cache {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Cache{
		db:     db,
		logger: logger.Named("embedding-cache"),
		now:    time.Now,
	}
}

// Get returns the entry for hash, or nil on a miss. A hit bumps usage_count
// and last_used in place.
func (c *Cache) Get(ctx context.Context, hash string) (*models.EmbeddingCacheEntry, error) {
	var entry models.EmbeddingCacheEntry
	err := c.db.WithContext(ctx).Where("content_hash = ?", hash).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &CacheReadError{Err: err}
	}

	now := c.now()
	err = c.db.WithContext(ctx).Model(&models.EmbeddingCacheEntry{}).
		Where("id = ?", entry.ID).
		Updates(map[string]interface{}{
			"usage_count": gorm.Expr("usage_count + 1"),
			"last_used":   now,
		}).Error
	if err != nil {
		c.logger.Warn("failed to update cache usage", "hash", hash, "error", err)
	} else {
		entry.UsageCount++
		entry.LastUsed = now
	}

	return &entry, nil
}

// Put stores vector under hash. An existing entry keeps its vector and only
// has its usage bumped.
func (c *Cache) Put(ctx context.Context, hash, text string, vector []float32, modelVersion string) error {
	now := c.now()
	entry := models.EmbeddingCacheEntry{
		ContentHash:  hash,
		Preview:      models.Preview(text),
		Vector:       pgvector.NewVector(vector),
		ModelVersion: modelVersion,
		UsageCount:   1,
		LastUsed:     now,
	}

	err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "content_hash"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"usage_count": gorm.Expr("embedding_cache.usage_count + 1"),
			"last_used":   now,
		}),
	}).Create(&entry).Error
	if err != nil {
		return &CacheWriteError{Err: err}
	}
	return nil
}

// Cleanup evicts entries unused for ttl, then trims the least recently used
// entries beyond maxEntries. Zero disables either rule.
func (c *Cache) Cleanup(ctx context.Context, ttl time.Duration, maxEntries int64) (int64, error) {
	var removed int64
	db := c.db.WithContext(ctx)

	if ttl > 0 {
		result := db.Where("last_used < ?", c.now().Add(-ttl)).Delete(&models.EmbeddingCacheEntry{})
		if result.Error != nil {
			return removed, &CacheWriteError{Err: result.Error}
		}
		removed += result.RowsAffected
	}

	if maxEntries > 0 {
		var count int64
		if err := db.Model(&models.EmbeddingCacheEntry{}).Count(&count).Error; err != nil {
			return removed, &CacheReadError{Err: err}
		}
		if excess := count - maxEntries; excess > 0 {
			oldest := c.db.Model(&models.EmbeddingCacheEntry{}).
				Select("id").
				Order("last_used ASC").
				Limit(int(excess))
			result := db.Where("id IN (?)", oldest).Delete(&models.EmbeddingCacheEntry{})
			if result.Error != nil {
				return removed, &CacheWriteError{Err: result.Error}
			}
			removed += result.RowsAffected
		}
	}

	if removed > 0 {
		c.logger.Info("evicted embedding cache entries", "count", removed)
	}
	return removed, nil
}

// Stats returns entry and usage totals.
func (c *Cache) Stats(ctx context.Context) (CacheStats, error) {
	var stats CacheStats
	err := c.db.WithContext(ctx).Model(&models.EmbeddingCacheEntry{}).
		Select("COUNT(*) AS entries, COALESCE(SUM(usage_count), 0) AS total_usage").
		Scan(&stats).Error
	if err != nil {
		return CacheStats{}, &CacheReadError{Err: err}
	}
	return stats, nil
}
