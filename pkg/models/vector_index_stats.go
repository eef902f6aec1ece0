package models

import "time"

// IndexHealth summarises whether the vector index matches the data it serves.
type IndexHealth string

const (
	IndexHealthHealthy   IndexHealth = "healthy"
	IndexHealthDegraded  IndexHealth = "degraded"
	IndexHealthUnhealthy IndexHealth = "unhealthy"
)

// VectorIndexStats describes the approximate-nearest-neighbour index. It is
// computed on demand and never persisted.
type VectorIndexStats struct {
	IndexName     string        `json:"indexName"`
	Type          string        `json:"type"`
	Lists         int           `json:"lists"`
	Probes        int           `json:"probes"`
	Dimensions    int           `json:"dimensions"`
	VectorCount   int64         `json:"vectorCount"`
	SizeBytes     int64         `json:"sizeBytes"`
	AvgQueryTime  time.Duration `json:"avgQueryTime"`
	LastOptimized *time.Time    `json:"lastOptimized,omitempty"`
	Health        IndexHealth   `json:"health"`
}
