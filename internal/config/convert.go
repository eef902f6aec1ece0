package config

import (
	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp-forge/embedsearch/pkg/database"
	"github.com/hashicorp-forge/embedsearch/pkg/embeddings"
	"github.com/hashicorp-forge/embedsearch/pkg/indexadvisor"
	"github.com/hashicorp-forge/embedsearch/pkg/jobs"
	"github.com/hashicorp-forge/embedsearch/pkg/llm"
	"github.com/hashicorp-forge/embedsearch/pkg/ratelimit"
	"github.com/hashicorp-forge/embedsearch/pkg/search"
)

// HCLogLevel returns the configured log level.
func (c *Config) HCLogLevel() hclog.Level {
	return hclog.LevelFromString(c.LogLevel)
}

// ToDatabaseConfig converts the block to a database connection config.
func (d *Database) ToDatabaseConfig() database.Config {
	return database.Config{
		Driver:       d.Driver,
		URL:          d.URL,
		Host:         d.Host,
		Port:         d.Port,
		User:         d.User,
		Password:     d.Password,
		DBName:       d.DBName,
		SSLMode:      d.SSLMode,
		Path:         d.Path,
		MaxOpenConns: d.MaxOpenConns,
		MaxIdleConns: d.MaxIdleConns,
	}
}

// ToFactoryConfig converts the block to an llm client factory config.
func (p *Provider) ToFactoryConfig(logger hclog.Logger) llm.ClientFactoryConfig {
	return llm.ClientFactoryConfig{
		OpenAIAPIKey:            p.OpenAIAPIKey,
		OpenAIBaseURL:           p.OpenAIBaseURL,
		OpenAIRequestsPerSecond: p.OpenAIRPS,
		OllamaURL:               p.OllamaURL,
		BedrockRegion:           p.BedrockRegion,
		Dimensions:              p.Dimensions,
		Logger:                  logger,
	}
}

// ToGeneratorConfig fills the tuning fields of a generator config. The
// provider, cache and limiter are set by the caller.
func (e *Embeddings) ToGeneratorConfig() embeddings.Config {
	return embeddings.Config{
		PerOwnerLimits: e.PerOwnerLimits,
		MaxRetries:     e.MaxRetries,
		InitialBackoff: Duration(e.InitialBackoff),
		MaxBackoff:     Duration(e.MaxBackoff),
		BatchSize:      e.BatchSize,
		BatchDelay:     Duration(e.BatchDelay),
	}
}

// ToLimits returns the default provider limits, or the zero value when
// none are configured.
func (r *RateLimit) ToLimits() ratelimit.Limits {
	if r.RequestsPerWindow == 0 {
		return ratelimit.Limits{}
	}
	return ratelimit.Limits{
		RequestsPerWindow: r.RequestsPerWindow,
		TokensPerWindow:   r.TokensPerWindow,
		Window:            Duration(r.Window),
	}
}

// ToRetryConfig converts the retry settings of the queue block.
func (q *Queue) ToRetryConfig() jobs.RetryConfig {
	return jobs.RetryConfig{
		MaxRetries:     q.MaxRetries,
		InitialBackoff: Duration(q.InitialBackoff),
		MaxBackoff:     Duration(q.MaxBackoff),
	}
}

// ToQueueConfig fills the tuning fields of a queue config.
func (q *Queue) ToQueueConfig() jobs.Config {
	return jobs.Config{
		BatchSize:   q.BatchSize,
		Retry:       q.ToRetryConfig(),
		StatsWindow: Duration(q.StatsWindow),
	}
}

// ToWorkerConfig fills the tuning fields of a worker config.
func (q *Queue) ToWorkerConfig() jobs.WorkerConfig {
	return jobs.WorkerConfig{
		Concurrency:  q.Concurrency,
		BusyInterval: Duration(q.BusyInterval),
		IdleInterval: Duration(q.IdleInterval),
	}
}

// ToEngineConfig fills the tuning fields of a search engine config.
func (s *Search) ToEngineConfig() search.Config {
	return search.Config{
		DefaultThreshold: s.DefaultThreshold,
		DefaultLimit:     s.DefaultLimit,
		MaxLimit:         s.MaxLimit,
	}
}

// ToAdvisorConfig fills the thresholds of an index advisor config.
func (i *Index) ToAdvisorConfig() indexadvisor.Config {
	return indexadvisor.Config{
		MediumThreshold:     i.MediumThreshold,
		HighThreshold:       i.HighThreshold,
		HighVolumeThreshold: i.HighVolumeThreshold,
		DegradedQueryTime:   Duration(i.DegradedQueryTime),
	}
}
