package models

import "time"

// RateLimitWindow counts usage of a named service within one fixed window.
// A new row is written per window; rows are never reused across boundaries.
type RateLimitWindow struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	ServiceName string `gorm:"type:varchar(100);not null;uniqueIndex:idx_rate_limit_window,priority:1" json:"serviceName"`
	// OwnerKey is empty for service-wide windows.
	OwnerKey    string    `gorm:"type:varchar(255);not null;default:'';uniqueIndex:idx_rate_limit_window,priority:2" json:"ownerKey"`
	WindowStart time.Time `gorm:"not null;uniqueIndex:idx_rate_limit_window,priority:3" json:"windowStart"`
	ResetTime   time.Time `gorm:"not null;index:idx_rate_limit_reset_time" json:"resetTime"`

	RequestCount int64 `gorm:"not null;default:0" json:"requestCount"`
	TokenCount   int64 `gorm:"not null;default:0" json:"tokenCount"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name.
func (RateLimitWindow) TableName() string {
	return "rate_limit_windows"
}
