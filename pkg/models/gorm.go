package models

// ModelsToAutoMigrate lists the persisted models in dependency order.
func ModelsToAutoMigrate() []interface{} {
	return []interface{}{
		&Document{}, // Must be first - chunks reference it
		&Chunk{},
		&Embedding{},
		&EmbeddingJob{},
		&EmbeddingCacheEntry{},
		&SearchCacheEntry{},
		&RateLimitWindow{},
	}
}
