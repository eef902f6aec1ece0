package ratelimit

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hashicorp-forge/embedsearch/pkg/models"
)

// GormStore keeps windows in the rate_limit_windows table.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a store backed by db.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Usage(ctx context.Context, key Key, windowStart time.Time) (Usage, error) {
	var row models.RateLimitWindow
	err := s.db.WithContext(ctx).
		Where("service_name = ? AND owner_key = ? AND window_start = ?", key.Service, key.OwnerID, windowStart).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Usage{WindowStart: windowStart}, nil
	}
	if err != nil {
		return Usage{}, err
	}
	return usageFromRow(row), nil
}

// Add upserts the window row, incrementing counters in the database.
func (s *GormStore) Add(ctx context.Context, key Key, windowStart, resetTime time.Time, requests, tokens int64) (Usage, error) {
	now := time.Now().UTC()
	row := models.RateLimitWindow{
		ServiceName:  key.Service,
		OwnerKey:     key.OwnerID,
		WindowStart:  windowStart,
		ResetTime:    resetTime,
		RequestCount: requests,
		TokenCount:   tokens,
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "service_name"}, {Name: "owner_key"}, {Name: "window_start"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"request_count": gorm.Expr("rate_limit_windows.request_count + ?", requests),
			"token_count":   gorm.Expr("rate_limit_windows.token_count + ?", tokens),
			"updated_at":    now,
		}),
	}).Create(&row).Error
	if err != nil {
		return Usage{}, err
	}

	return s.Usage(ctx, key, windowStart)
}

// Reserve inserts the window with one request, or increments an existing
// window only while the conditional update still fits the limits. The check
// and the increment are one statement, so concurrent callers cannot both
// take the last slot.
func (s *GormStore) Reserve(ctx context.Context, key Key, windowStart, resetTime time.Time, limits Limits, tokens int64) (Usage, bool, error) {
	row := models.RateLimitWindow{
		ServiceName:  key.Service,
		OwnerKey:     key.OwnerID,
		WindowStart:  windowStart,
		ResetTime:    resetTime,
		RequestCount: 1,
		TokenCount:   tokens,
	}

	cond := []clause.Expression{
		gorm.Expr("rate_limit_windows.request_count < ?", limits.RequestsPerWindow),
	}
	if limits.TokensPerWindow > 0 {
		cond = append(cond, gorm.Expr(
			"(rate_limit_windows.request_count = 0 OR rate_limit_windows.token_count + ? <= ?)",
			tokens, limits.TokensPerWindow,
		))
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "service_name"}, {Name: "owner_key"}, {Name: "window_start"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"request_count": gorm.Expr("rate_limit_windows.request_count + 1"),
			"token_count":   gorm.Expr("rate_limit_windows.token_count + ?", tokens),
			"updated_at":    time.Now().UTC(),
		}),
		Where: clause.Where{Exprs: cond},
	}).Create(&row)
	if result.Error != nil {
		return Usage{}, false, result.Error
	}

	usage, err := s.Usage(ctx, key, windowStart)
	if err != nil {
		return Usage{}, false, err
	}
	return usage, result.RowsAffected > 0, nil
}

func (s *GormStore) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("reset_time < ?", before).
		Delete(&models.RateLimitWindow{})
	return result.RowsAffected, result.Error
}

func usageFromRow(row models.RateLimitWindow) Usage {
	return Usage{
		WindowStart: row.WindowStart,
		ResetTime:   row.ResetTime,
		Requests:    row.RequestCount,
		Tokens:      row.TokenCount,
	}
}
