// Package indexadvisor sizes and maintains the ivfflat vector index: it
// recommends list and probe counts from the vector count, reports index
// health and rebuilds the index when it drifts.
package indexadvisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp-forge/embedsearch/pkg/models"
	"github.com/hashicorp-forge/embedsearch/pkg/vectorstore"
)

// Tier names a parameterization band.
type Tier string

const (
	TierDefault Tier = "default"
	TierMedium  Tier = "medium"
	TierHigh    Tier = "high"
)

// IndexParams are the recommended ivfflat parameters.
type IndexParams struct {
	Lists  int  `json:"lists"`
	Probes int  `json:"probes"`
	Tier   Tier `json:"tier"`
}

// IndexStore is the part of the vector store the advisor manages.
// *vectorstore.Store satisfies it.
type IndexStore interface {
	Dimensions() int
	VectorCount(ctx context.Context) (int64, error)
	IndexInfo(ctx context.Context) (*vectorstore.IndexInfo, error)
	RebuildIndex(ctx context.Context, lists int) error
	Reindex(ctx context.Context) error
	Analyze(ctx context.Context) error
}

// Advisor recommends and applies index parameters.
type Advisor struct {
	store  IndexStore
	cfg    Config
	logger hclog.Logger
	now    func() time.Time

	// rebuildMu serializes rebuilds and reindexes.
	rebuildMu sync.Mutex

	mu            sync.Mutex
	lastOptimized *time.Time
	probes        int
	queryCount    int64
	avgQueryTime  time.Duration
}

// Config holds configuration for the advisor.
type Config struct {
	Store IndexStore // Required

	MediumThreshold     int64 // Vectors above which the medium tier applies (default: 100,000)
	HighThreshold       int64 // Vectors above which the high tier applies (default: 1,000,000)
	HighVolumeThreshold int64 // AutoOptimize rebuilds above this count (default: HighThreshold)

	// DegradedQueryTime is the average query latency at which the index
	// is reported degraded (default: 500ms).
	DegradedQueryTime time.Duration

	Logger hclog.Logger
}

// RebuildResult reports what Rebuild or AutoOptimize did.
type RebuildResult struct {
	Rebuilt  bool          `json:"rebuilt"`
	Reason   string        `json:"reason"`
	Params   IndexParams   `json:"params"`
	Duration time.Duration `json:"duration"`
}

// New creates an advisor.
func New(cfg Config) (*Advisor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("index store is required")
	}
	if cfg.MediumThreshold == 0 {
		cfg.MediumThreshold = 100_000
	}
	if cfg.HighThreshold == 0 {
		cfg.HighThreshold = 1_000_000
	}
	if cfg.HighThreshold <= cfg.MediumThreshold {
		return nil, fmt.Errorf("high threshold (%d) must exceed medium threshold (%d)", cfg.HighThreshold, cfg.MediumThreshold)
	}
	if cfg.HighVolumeThreshold == 0 {
		cfg.HighVolumeThreshold = cfg.HighThreshold
	}
	if cfg.DegradedQueryTime == 0 {
		cfg.DegradedQueryTime = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	return &Advisor{
		store:  cfg.Store,
		cfg:    cfg,
		logger: cfg.Logger.Named("index-advisor"),
		now:    time.Now,
		probes: DefaultParams().Probes,
	}, nil
}

// DefaultParams are used below the medium threshold.
func DefaultParams() IndexParams {
	return IndexParams{Lists: 100, Probes: 10, Tier: TierDefault}
}

// Recommend returns the parameters for vectorCount vectors.
func (a *Advisor) Recommend(vectorCount int64) IndexParams {
	switch {
	case vectorCount > a.cfg.HighThreshold:
		return IndexParams{Lists: 1000, Probes: 40, Tier: TierHigh}
	case vectorCount > a.cfg.MediumThreshold:
		return IndexParams{Lists: 500, Probes: 20, Tier: TierMedium}
	default:
		return DefaultParams()
	}
}

// Probes returns the probe count of the last applied recommendation.
func (a *Advisor) Probes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.probes
}

// ObserveQuery folds a query latency into the running average.
func (a *Advisor) ObserveQuery(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.queryCount++
	a.avgQueryTime += (d - a.avgQueryTime) / time.Duration(a.queryCount)
}

// Stats inspects the index and grades its health. Stores without an index
// (sqlite) scan exactly and report healthy.
func (a *Advisor) Stats(ctx context.Context) (*models.VectorIndexStats, error) {
	count, err := a.store.VectorCount(ctx)
	if err != nil {
		return nil, err
	}
	rec := a.Recommend(count)

	a.mu.Lock()
	stats := &models.VectorIndexStats{
		Type:          "ivfflat",
		Probes:        a.probes,
		Dimensions:    a.store.Dimensions(),
		VectorCount:   count,
		AvgQueryTime:  a.avgQueryTime,
		LastOptimized: a.lastOptimized,
	}
	a.mu.Unlock()

	info, err := a.store.IndexInfo(ctx)
	if errors.Is(err, vectorstore.ErrUnsupported) {
		stats.Type = "exact-scan"
		stats.Health = models.IndexHealthHealthy
		return stats, nil
	}
	if err != nil {
		return nil, err
	}

	stats.IndexName = info.Name
	stats.Lists = info.Lists
	stats.SizeBytes = info.SizeBytes
	stats.Health = a.health(info, rec, stats.AvgQueryTime)
	return stats, nil
}

// health is unhealthy without an index, healthy when the list count is
// within a factor of two of rec and queries are fast, degraded otherwise.
func (a *Advisor) health(info *vectorstore.IndexInfo, rec IndexParams, avg time.Duration) models.IndexHealth {
	if info == nil || !info.Exists {
		return models.IndexHealthUnhealthy
	}
	listsOK := info.Lists*2 >= rec.Lists && info.Lists <= rec.Lists*2
	if listsOK && avg < a.cfg.DegradedQueryTime {
		return models.IndexHealthHealthy
	}
	return models.IndexHealthDegraded
}

// Rebuild recreates the index with the recommended parameters. Without
// force a healthy index is left alone.
func (a *Advisor) Rebuild(ctx context.Context, force bool) (*RebuildResult, error) {
	a.rebuildMu.Lock()
	defer a.rebuildMu.Unlock()

	stats, err := a.Stats(ctx)
	if err != nil {
		return nil, err
	}
	rec := a.Recommend(stats.VectorCount)

	if !force && stats.Health == models.IndexHealthHealthy {
		return &RebuildResult{Reason: "index is healthy", Params: rec}, nil
	}
	reason := "forced"
	if !force {
		reason = fmt.Sprintf("index is %s", stats.Health)
	}
	return a.rebuild(ctx, rec, reason)
}

// rebuild must be called with rebuildMu held.
func (a *Advisor) rebuild(ctx context.Context, rec IndexParams, reason string) (*RebuildResult, error) {
	start := a.now()
	a.logger.Info("rebuilding vector index", "lists", rec.Lists, "probes", rec.Probes, "tier", rec.Tier, "reason", reason)

	if err := a.store.RebuildIndex(ctx, rec.Lists); err != nil {
		return nil, fmt.Errorf("failed to rebuild index: %w", err)
	}
	if err := a.store.Analyze(ctx); err != nil {
		a.logger.Warn("analyze after rebuild failed", "error", err)
	}

	now := a.now()
	a.mu.Lock()
	a.lastOptimized = &now
	a.probes = rec.Probes
	// Latency measured against the old index no longer applies.
	a.queryCount = 0
	a.avgQueryTime = 0
	a.mu.Unlock()

	result := &RebuildResult{Rebuilt: true, Reason: reason, Params: rec, Duration: now.Sub(start)}
	a.logger.Info("vector index rebuilt", "lists", rec.Lists, "duration", result.Duration)
	return result, nil
}

// Reindex rebuilds the existing index in place and refreshes statistics.
func (a *Advisor) Reindex(ctx context.Context) error {
	a.rebuildMu.Lock()
	defer a.rebuildMu.Unlock()

	if err := a.store.Reindex(ctx); err != nil {
		return err
	}
	if err := a.store.Analyze(ctx); err != nil {
		return err
	}

	now := a.now()
	a.mu.Lock()
	a.lastOptimized = &now
	a.mu.Unlock()
	return nil
}

// Analyze refreshes planner statistics.
func (a *Advisor) Analyze(ctx context.Context) error {
	return a.store.Analyze(ctx)
}

// AutoOptimize rebuilds when the vector count exceeds the high-volume
// threshold or the index is not healthy.
func (a *Advisor) AutoOptimize(ctx context.Context) (*RebuildResult, error) {
	a.rebuildMu.Lock()
	defer a.rebuildMu.Unlock()

	stats, err := a.Stats(ctx)
	if err != nil {
		return nil, err
	}
	rec := a.Recommend(stats.VectorCount)

	if stats.Type == "exact-scan" {
		return &RebuildResult{Reason: "store has no vector index", Params: rec}, nil
	}

	switch {
	case stats.VectorCount > a.cfg.HighVolumeThreshold:
		return a.rebuild(ctx, rec, fmt.Sprintf("vector count %d exceeds %d", stats.VectorCount, a.cfg.HighVolumeThreshold))
	case stats.Health != models.IndexHealthHealthy:
		return a.rebuild(ctx, rec, fmt.Sprintf("index is %s", stats.Health))
	}

	a.mu.Lock()
	a.probes = rec.Probes
	a.mu.Unlock()
	return &RebuildResult{Reason: "no optimization needed", Params: rec}, nil
}

// Run calls AutoOptimize every interval until ctx is done.
func (a *Advisor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("index advisor stopped")
			return ctx.Err()
		case <-ticker.C:
			result, err := a.AutoOptimize(ctx)
			if err != nil {
				a.logger.Error("auto-optimize failed", "error", err)
				continue
			}
			a.logger.Debug("auto-optimize finished", "rebuilt", result.Rebuilt, "reason", result.Reason)
		}
	}
}
