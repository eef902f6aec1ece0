package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hashicorp-forge/embedsearch/pkg/models"
)

// DefaultCacheTTL is how long cached results stay valid.
const DefaultCacheTTL = time.Hour

// Cache stores ranked results per owner and query fingerprint.
type Cache struct {
	db     *gorm.DB
	ttl    time.Duration
	logger hclog.Logger
	now    func() time.Time
}

// CacheConfig holds configuration for the result cache.
type CacheConfig struct {
	DB     *gorm.DB
	TTL    time.Duration // Default: DefaultCacheTTL
	Logger hclog.Logger
}

// NewCache creates a result cache.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &Cache{
		db:     cfg.DB,
		ttl:    cfg.TTL,
		logger: cfg.Logger.Named("search-cache"),
		now:    time.Now,
	}, nil
}

// Fingerprint hashes everything that affects a query's results.
func Fingerprint(q Query, normalizedText string) string {
	key := struct {
		Mode      Mode    `json:"m"`
		Text      string  `json:"t"`
		Threshold float64 `json:"th"`
		Limit     int     `json:"l"`
		Filters   Filters `json:"f"`
		Weights   Weights `json:"w"`
	}{
		Mode:      q.Mode,
		Text:      strings.ToLower(normalizedText),
		Threshold: q.Threshold,
		Limit:     q.Limit,
		Filters:   q.Filters,
		Weights:   q.Weights,
	}
	data, _ := json.Marshal(key)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Get returns unexpired results for (ownerID, hash). A hit increments the
// hit count and refreshes last_accessed in one statement.
func (c *Cache) Get(ctx context.Context, ownerID, hash string) ([]RankedResult, bool, error) {
	now := c.now()
	db := c.db.WithContext(ctx)

	var entry models.SearchCacheEntry
	err := db.Where("owner_id = ? AND query_hash = ? AND expires_at > ?", ownerID, hash, now).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read search cache: %w", err)
	}

	var results []RankedResult
	if err := entry.Results.Decode(&results); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached results: %w", err)
	}

	err = db.Model(&models.SearchCacheEntry{}).
		Where("id = ?", entry.ID).
		Updates(map[string]interface{}{
			"hit_count":     gorm.Expr("hit_count + ?", 1),
			"last_accessed": now,
		}).Error
	if err != nil {
		c.logger.Warn("failed to record search cache hit", "owner_id", ownerID, "error", err)
	}

	return results, true, nil
}

// Put stores results, replacing any entry for (ownerID, hash).
func (c *Cache) Put(ctx context.Context, ownerID, hash, queryText string, threshold float64, results []RankedResult) error {
	if results == nil {
		results = []RankedResult{}
	}
	data, err := models.NewJSON(results)
	if err != nil {
		return err
	}

	now := c.now()
	entry := models.SearchCacheEntry{
		OwnerID:      ownerID,
		QueryHash:    hash,
		QueryText:    queryText,
		Results:      data,
		Threshold:    threshold,
		LastAccessed: now,
		ExpiresAt:    now.Add(c.ttl),
		CreatedAt:    now,
	}
	if err := entry.Validate(); err != nil {
		return err
	}

	err = c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "owner_id"}, {Name: "query_hash"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"query_text", "results", "threshold", "last_accessed", "expires_at",
		}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("failed to write search cache: %w", err)
	}
	return nil
}

// HitCount returns the hit count for an entry, or zero if absent.
func (c *Cache) HitCount(ctx context.Context, ownerID, hash string) (int64, error) {
	var hits []int64
	err := c.db.WithContext(ctx).Model(&models.SearchCacheEntry{}).
		Where("owner_id = ? AND query_hash = ?", ownerID, hash).
		Pluck("hit_count", &hits).Error
	if err != nil {
		return 0, err
	}
	if len(hits) == 0 {
		return 0, nil
	}
	return hits[0], nil
}

// InvalidateOwner drops every cached result for ownerID. Called when the
// owner's corpus changes.
func (c *Cache) InvalidateOwner(ctx context.Context, ownerID string) (int64, error) {
	result := c.db.WithContext(ctx).Where("owner_id = ?", ownerID).Delete(&models.SearchCacheEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to invalidate search cache: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CleanupExpired removes expired entries.
func (c *Cache) CleanupExpired(ctx context.Context) (int64, error) {
	result := c.db.WithContext(ctx).Where("expires_at <= ?", c.now()).Delete(&models.SearchCacheEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to clean up search cache: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		c.logger.Info("removed expired search cache entries", "count", result.RowsAffected)
	}
	return result.RowsAffected, nil
}
