// Package config loads the embedsearch HCL configuration file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Environment variables that override file settings.
const (
	EnvDatabaseURL     = "EMBEDSEARCH_DATABASE_URL"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvRedpandaBrokers = "REDPANDA_BROKERS"
	EnvRedisURL        = "REDIS_URL"
)

// Config is the root of the configuration file.
type Config struct {
	LogLevel string `hcl:"log_level,optional"`

	Database   *Database   `hcl:"database,block"`
	Provider   *Provider   `hcl:"provider,block"`
	Embeddings *Embeddings `hcl:"embeddings,block"`
	RateLimit  *RateLimit  `hcl:"rate_limit,block"`
	Queue      *Queue      `hcl:"queue,block"`
	Search     *Search     `hcl:"search,block"`
	Index      *Index      `hcl:"index,block"`
	Kafka      *Kafka      `hcl:"kafka,block"`
	Redis      *Redis      `hcl:"redis,block"`
	Bleve      *Bleve      `hcl:"bleve,block"`
}

// Database configures the gorm connection.
type Database struct {
	Driver   string `hcl:"driver,optional"` // postgres (default) or sqlite
	URL      string `hcl:"url,optional"`
	Host     string `hcl:"host,optional"`
	Port     int    `hcl:"port,optional"`
	User     string `hcl:"user,optional"`
	Password string `hcl:"password,optional"`
	DBName   string `hcl:"dbname,optional"`
	SSLMode  string `hcl:"sslmode,optional"`
	Path     string `hcl:"path,optional"` // sqlite file

	MaxOpenConns int `hcl:"max_open_conns,optional"`
	MaxIdleConns int `hcl:"max_idle_conns,optional"`
}

// Provider selects the embedding and completion backends.
type Provider struct {
	Name            string `hcl:"name,optional"` // openai, ollama, bedrock or mock; empty detects from model
	Model           string `hcl:"model,optional"`
	Dimensions      int    `hcl:"dimensions,optional"`
	CompletionModel string `hcl:"completion_model,optional"`

	OpenAIAPIKey  string  `hcl:"openai_api_key,optional"`
	OpenAIBaseURL string  `hcl:"openai_base_url,optional"`
	OpenAIRPS     float64 `hcl:"openai_requests_per_second,optional"`
	OllamaURL     string  `hcl:"ollama_url,optional"`
	BedrockRegion string  `hcl:"bedrock_region,optional"`
}

// Embeddings tunes generation and the embedding cache.
type Embeddings struct {
	BatchSize      int    `hcl:"batch_size,optional"`
	BatchDelay     string `hcl:"batch_delay,optional"`
	MaxRetries     int    `hcl:"max_retries,optional"`
	InitialBackoff string `hcl:"initial_backoff,optional"`
	MaxBackoff     string `hcl:"max_backoff,optional"`
	PerOwnerLimits bool   `hcl:"per_owner_limits,optional"`

	CacheTTL        string `hcl:"cache_ttl,optional"`
	CacheMaxEntries int64  `hcl:"cache_max_entries,optional"`
}

// RateLimit configures provider quotas.
type RateLimit struct {
	Store             string `hcl:"store,optional"` // database (default) or redis
	RequestsPerWindow int64  `hcl:"requests_per_window,optional"`
	TokensPerWindow   int64  `hcl:"tokens_per_window,optional"`
	Window            string `hcl:"window,optional"`
}

// Queue configures the embedding job queue and worker.
type Queue struct {
	Scheduler      string `hcl:"scheduler,optional"` // poll (default) or kafka
	Concurrency    int    `hcl:"concurrency,optional"`
	BatchSize      int    `hcl:"batch_size,optional"`
	MaxRetries     int    `hcl:"max_retries,optional"`
	InitialBackoff string `hcl:"initial_backoff,optional"`
	MaxBackoff     string `hcl:"max_backoff,optional"`
	BusyInterval   string `hcl:"busy_interval,optional"`
	IdleInterval   string `hcl:"idle_interval,optional"`
	StatsWindow    string `hcl:"stats_window,optional"`
	RetainFailed   string `hcl:"retain_failed,optional"`
	RetainDone     string `hcl:"retain_completed,optional"`
}

// Search configures the search engine.
type Search struct {
	Keyword          string  `hcl:"keyword,optional"` // postgres, bleve or none
	DefaultThreshold float64 `hcl:"default_threshold,optional"`
	DefaultLimit     int     `hcl:"default_limit,optional"`
	MaxLimit         int     `hcl:"max_limit,optional"`
	CacheTTL         string  `hcl:"cache_ttl,optional"`
	AnswerChunks     int     `hcl:"answer_chunks,optional"`
}

// Index configures the index advisor.
type Index struct {
	MediumThreshold     int64  `hcl:"medium_threshold,optional"`
	HighThreshold       int64  `hcl:"high_threshold,optional"`
	HighVolumeThreshold int64  `hcl:"high_volume_threshold,optional"`
	DegradedQueryTime   string `hcl:"degraded_query_time,optional"`
	OptimizeInterval    string `hcl:"optimize_interval,optional"`
}

// Kafka configures the push scheduler.
type Kafka struct {
	Brokers []string `hcl:"brokers,optional"`
	Topic   string   `hcl:"topic,optional"`
}

// Redis configures the rate-limit window store.
type Redis struct {
	URL    string `hcl:"url,optional"`
	Prefix string `hcl:"prefix,optional"`
}

// Bleve configures the embedded keyword index.
type Bleve struct {
	IndexPath string `hcl:"index_path,optional"`
}

// NewConfig loads path, applies environment overrides and defaults and
// validates the result. An empty path yields the defaults.
func NewConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if err := hclsimple.DecodeFile(path, nil, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if c.Database == nil {
		c.Database = &Database{}
	}
	if c.Provider == nil {
		c.Provider = &Provider{}
	}
	if c.Kafka == nil {
		c.Kafka = &Kafka{}
	}
	if c.Redis == nil {
		c.Redis = &Redis{}
	}

	if v := os.Getenv(EnvDatabaseURL); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv(EnvOpenAIAPIKey); v != "" && c.Provider.OpenAIAPIKey == "" {
		c.Provider.OpenAIAPIKey = v
	}
	if v := os.Getenv(EnvRedpandaBrokers); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		c.Redis.URL = v
	}
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Database.Driver == "postgres" && c.Database.URL == "" && c.Database.Host == "" {
		c.Database.Host = "localhost"
		c.Database.Port = 5432
		c.Database.User = "postgres"
		c.Database.DBName = "embedsearch"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "embedsearch.db"
	}

	if c.Provider.Model == "" {
		c.Provider.Model = "text-embedding-3-small"
	}
	if c.Provider.Dimensions == 0 {
		c.Provider.Dimensions = 1536
	}

	if c.Embeddings == nil {
		c.Embeddings = &Embeddings{}
	}
	if c.RateLimit == nil {
		c.RateLimit = &RateLimit{}
	}
	if c.RateLimit.Store == "" {
		c.RateLimit.Store = "database"
	}

	if c.Queue == nil {
		c.Queue = &Queue{}
	}
	if c.Queue.Scheduler == "" {
		c.Queue.Scheduler = "poll"
	}

	if c.Search == nil {
		c.Search = &Search{}
	}
	if c.Search.Keyword == "" {
		if c.Database.Driver == "sqlite" {
			c.Search.Keyword = "bleve"
		} else {
			c.Search.Keyword = "postgres"
		}
	}

	if c.Index == nil {
		c.Index = &Index{}
	}
	if c.Index.OptimizeInterval == "" {
		c.Index.OptimizeInterval = "1h"
	}

	if c.Bleve == nil {
		c.Bleve = &Bleve{}
	}
}

// Validate checks the configuration. Every problem is reported.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(block string, err error) {
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", block, err))
		}
	}

	add("log_level", validation.Validate(c.LogLevel,
		validation.In("trace", "debug", "info", "warn", "error")))

	add("database", validation.ValidateStruct(c.Database,
		validation.Field(&c.Database.Driver, validation.In("postgres", "sqlite")),
		validation.Field(&c.Database.Port, validation.Min(0), validation.Max(65535)),
		validation.Field(&c.Database.MaxOpenConns, validation.Min(0)),
		validation.Field(&c.Database.MaxIdleConns, validation.Min(0)),
	))

	add("provider", validation.ValidateStruct(c.Provider,
		validation.Field(&c.Provider.Name, validation.In("openai", "ollama", "bedrock", "mock")),
		validation.Field(&c.Provider.Model, validation.Required),
		validation.Field(&c.Provider.Dimensions, validation.Min(1)),
	))

	add("embeddings", validation.ValidateStruct(c.Embeddings,
		validation.Field(&c.Embeddings.BatchSize, validation.Min(0)),
		validation.Field(&c.Embeddings.MaxRetries, validation.Min(0)),
		validation.Field(&c.Embeddings.BatchDelay, validation.By(isDuration)),
		validation.Field(&c.Embeddings.InitialBackoff, validation.By(isDuration)),
		validation.Field(&c.Embeddings.MaxBackoff, validation.By(isDuration)),
		validation.Field(&c.Embeddings.CacheTTL, validation.By(isDuration)),
		validation.Field(&c.Embeddings.CacheMaxEntries, validation.Min(int64(0))),
	))

	add("rate_limit", validation.ValidateStruct(c.RateLimit,
		validation.Field(&c.RateLimit.Store, validation.In("database", "redis")),
		validation.Field(&c.RateLimit.RequestsPerWindow, validation.Min(int64(0))),
		validation.Field(&c.RateLimit.TokensPerWindow, validation.Min(int64(0))),
		validation.Field(&c.RateLimit.Window, validation.By(isDuration)),
	))
	if c.RateLimit.Store == "redis" && c.Redis.URL == "" {
		add("rate_limit", fmt.Errorf("redis store requires redis.url or %s", EnvRedisURL))
	}

	add("queue", validation.ValidateStruct(c.Queue,
		validation.Field(&c.Queue.Scheduler, validation.In("poll", "kafka")),
		validation.Field(&c.Queue.Concurrency, validation.Min(0), validation.Max(10)),
		validation.Field(&c.Queue.BatchSize, validation.Min(0)),
		validation.Field(&c.Queue.MaxRetries, validation.Min(0)),
		validation.Field(&c.Queue.InitialBackoff, validation.By(isDuration)),
		validation.Field(&c.Queue.MaxBackoff, validation.By(isDuration)),
		validation.Field(&c.Queue.BusyInterval, validation.By(isDuration)),
		validation.Field(&c.Queue.IdleInterval, validation.By(isDuration)),
		validation.Field(&c.Queue.StatsWindow, validation.By(isDuration)),
		validation.Field(&c.Queue.RetainFailed, validation.By(isDuration)),
		validation.Field(&c.Queue.RetainDone, validation.By(isDuration)),
	))
	if c.Queue.Scheduler == "kafka" && len(c.Kafka.Brokers) == 0 {
		add("queue", fmt.Errorf("kafka scheduler requires kafka.brokers or %s", EnvRedpandaBrokers))
	}

	add("search", validation.ValidateStruct(c.Search,
		validation.Field(&c.Search.Keyword, validation.In("postgres", "bleve", "none")),
		validation.Field(&c.Search.DefaultThreshold, validation.Min(-1.0), validation.Max(1.0)),
		validation.Field(&c.Search.DefaultLimit, validation.Min(0)),
		validation.Field(&c.Search.MaxLimit, validation.Min(0)),
		validation.Field(&c.Search.CacheTTL, validation.By(isDuration)),
		validation.Field(&c.Search.AnswerChunks, validation.Min(0)),
	))
	if c.Search.Keyword == "postgres" && c.Database.Driver == "sqlite" {
		add("search", fmt.Errorf("postgres keyword search requires the postgres driver"))
	}

	add("index", validation.ValidateStruct(c.Index,
		validation.Field(&c.Index.MediumThreshold, validation.Min(int64(0))),
		validation.Field(&c.Index.HighThreshold, validation.Min(int64(0))),
		validation.Field(&c.Index.HighVolumeThreshold, validation.Min(int64(0))),
		validation.Field(&c.Index.DegradedQueryTime, validation.By(isDuration)),
		validation.Field(&c.Index.OptimizeInterval, validation.By(isDuration)),
	))

	return result.ErrorOrNil()
}

// Duration parses a duration setting, returning zero when it is unset.
// Values are checked by Validate.
func Duration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, _ := time.ParseDuration(s)
	return d
}

func isDuration(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	if d < 0 {
		return fmt.Errorf("duration %q must not be negative", s)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
