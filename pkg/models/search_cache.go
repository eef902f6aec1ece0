package models

import (
	"fmt"
	"time"
)

// SearchCacheEntry stores ranked results for a query, scoped to one owner.
type SearchCacheEntry struct {
	ID        uint    `gorm:"primaryKey" json:"id"`
	OwnerID   string  `gorm:"type:varchar(255);not null;uniqueIndex:idx_search_cache_owner_query,priority:1" json:"ownerId"`
	QueryHash string  `gorm:"type:varchar(64);not null;uniqueIndex:idx_search_cache_owner_query,priority:2" json:"queryHash"`
	QueryText string  `gorm:"type:text" json:"queryText"`
	Results   JSON    `gorm:"type:jsonb" json:"results"`
	Threshold float64 `json:"threshold"`

	HitCount     int64     `gorm:"not null;default:0" json:"hitCount"`
	LastAccessed time.Time `json:"lastAccessed"`
	ExpiresAt    time.Time `gorm:"not null;index:idx_search_cache_expires_at" json:"expiresAt"`
	CreatedAt    time.Time `json:"createdAt"`
}

// TableName specifies the table name.
func (SearchCacheEntry) TableName() string {
	return "search_cache"
}

// Expired reports whether the entry is past its expiry at now.
func (e *SearchCacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Validate checks required fields before a write.
func (e *SearchCacheEntry) Validate() error {
	if e.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}
	if e.QueryHash == "" {
		return fmt.Errorf("query_hash is required")
	}
	if e.ExpiresAt.IsZero() {
		return fmt.Errorf("expires_at is required")
	}
	return nil
}
