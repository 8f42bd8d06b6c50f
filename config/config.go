// Package config defines the engine configuration: scoring and fusion knobs,
// centroid lifecycle settings, tag keyword tables, and the connection
// settings for the bundled store and index adapters. Configuration loads
// from a YAML file with FEDSEARCH_* environment overrides; every knob has an
// explicit default mirroring the reference deployment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration object.
type Config struct {
	Engine    EngineConfig    `yaml:"engine" mapstructure:"engine"`
	Centroids CentroidsConfig `yaml:"centroids" mapstructure:"centroids"`
	Tags      TagsConfig      `yaml:"tags" mapstructure:"tags"`
	Builder   BuilderConfig   `yaml:"builder" mapstructure:"builder"`
	Redis     RedisConfig     `yaml:"redis" mapstructure:"redis"`
	Badger    BadgerConfig    `yaml:"badger" mapstructure:"badger"`
	Qdrant    QdrantConfig    `yaml:"qdrant" mapstructure:"qdrant"`
	Postgres  PostgresConfig  `yaml:"postgres" mapstructure:"postgres"`
	Embedder  EmbedderConfig  `yaml:"embedder" mapstructure:"embedder"`
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
}

// EngineConfig holds the search-path knobs.
type EngineConfig struct {
	EmbeddingDimension int           `yaml:"embedding_dimension" mapstructure:"embedding_dimension"`
	DefaultAlpha       float64       `yaml:"default_alpha" mapstructure:"default_alpha"`
	MinAlpha           float64       `yaml:"min_alpha" mapstructure:"min_alpha"`
	MaxAlpha           float64       `yaml:"max_alpha" mapstructure:"max_alpha"`
	DefaultKTotal      int           `yaml:"default_k_total" mapstructure:"default_k_total"`
	MaxKTotal          int           `yaml:"max_k_total" mapstructure:"max_k_total"`
	RRFK               int           `yaml:"rrf_k" mapstructure:"rrf_k"`
	ExternalBoost      float64       `yaml:"external_boost" mapstructure:"external_boost"`
	RequestDeadline    time.Duration `yaml:"request_deadline" mapstructure:"request_deadline"`
	// MaxConcurrentSourceCalls caps in-flight source calls per engine.
	// Zero selects 2 * GOMAXPROCS.
	MaxConcurrentSourceCalls int `yaml:"max_concurrent_source_calls" mapstructure:"max_concurrent_source_calls"`
}

// CentroidsConfig holds centroid lifecycle settings shared by the engine,
// the cache, and the builder.
type CentroidsConfig struct {
	StoreTTL        time.Duration `yaml:"store_ttl" mapstructure:"store_ttl"`
	CacheTTL        time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	CacheMaxEntries int           `yaml:"cache_max_entries" mapstructure:"cache_max_entries"`
	MinVectors      int           `yaml:"min_vectors" mapstructure:"min_vectors"`
	MaxVectors      int           `yaml:"max_vectors" mapstructure:"max_vectors"`
	BatchSize       int           `yaml:"batch_size" mapstructure:"batch_size"`
}

// TagTable is one ordered entry of the keyword table; declaration order
// breaks inference ties.
type TagTable struct {
	Tag      string   `yaml:"tag" mapstructure:"tag"`
	Keywords []string `yaml:"keywords" mapstructure:"keywords"`
}

// TagsConfig configures tag inference.
type TagsConfig struct {
	InferenceMethod string     `yaml:"inference_method" mapstructure:"inference_method"`
	Fallback        string     `yaml:"fallback" mapstructure:"fallback"`
	Tables          []TagTable `yaml:"tables" mapstructure:"tables"`
	// File optionally points at a sidecar tags YAML that can be hot
	// reloaded; when set it overrides Tables at load time.
	File string `yaml:"file" mapstructure:"file"`
}

// BuilderConfig configures scheduled centroid recomputation.
type BuilderConfig struct {
	Schedule string   `yaml:"schedule" mapstructure:"schedule"`
	Tenants  []string `yaml:"tenants" mapstructure:"tenants"`
	// ScanRate limits builder scan throughput in vectors per second;
	// zero means unlimited.
	ScanRate float64 `yaml:"scan_rate" mapstructure:"scan_rate"`
}

// RedisConfig configures the Redis centroid store.
type RedisConfig struct {
	Addr        string        `yaml:"addr" mapstructure:"addr"`
	Password    string        `yaml:"password" mapstructure:"password"`
	DB          int           `yaml:"db" mapstructure:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
}

// BadgerConfig configures the embedded centroid store.
type BadgerConfig struct {
	Path     string `yaml:"path" mapstructure:"path"`
	InMemory bool   `yaml:"in_memory" mapstructure:"in_memory"`
}

// BreakerConfig holds circuit breaker settings for a remote dependency.
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled" mapstructure:"enabled"`
	MaxRequests uint32        `yaml:"max_requests" mapstructure:"max_requests"`
	Interval    time.Duration `yaml:"interval" mapstructure:"interval"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxFailures uint32        `yaml:"max_failures" mapstructure:"max_failures"`
}

// QdrantConfig configures the Qdrant vector index adapter.
type QdrantConfig struct {
	BaseURL    string        `yaml:"base_url" mapstructure:"base_url"`
	Collection string        `yaml:"collection" mapstructure:"collection"`
	APIKey     string        `yaml:"api_key" mapstructure:"api_key"`
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Breaker    BreakerConfig `yaml:"breaker" mapstructure:"breaker"`
}

// PostgresConfig configures the Postgres adapters: full-text lexical search
// and the pgvector index.
type PostgresConfig struct {
	DSN        string        `yaml:"dsn" mapstructure:"dsn"`
	Table      string        `yaml:"table" mapstructure:"table"`
	TextConfig string        `yaml:"text_config" mapstructure:"text_config"`
	Breaker    BreakerConfig `yaml:"breaker" mapstructure:"breaker"`
}

// RetryConfig holds retry settings for the embedding client.
type RetryConfig struct {
	MaxRetries      int           `yaml:"max_retries" mapstructure:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval" mapstructure:"initial_interval"`
}

// EmbedderConfig configures the HTTP embedding service client.
type EmbedderConfig struct {
	BaseURL   string        `yaml:"base_url" mapstructure:"base_url"`
	Model     string        `yaml:"model" mapstructure:"model"`
	Timeout   time.Duration `yaml:"timeout" mapstructure:"timeout"`
	CacheSize int           `yaml:"cache_size" mapstructure:"cache_size"`
	Retry     RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Breaker   BreakerConfig `yaml:"breaker" mapstructure:"breaker"`
}

// TelemetryConfig configures metrics and tracing. Tracing exports spans over
// OTLP when an endpoint is set; metrics are served on MetricsAddr by the
// long-running commands when enabled.
type TelemetryConfig struct {
	MetricsEnabled bool    `yaml:"metrics_enabled" mapstructure:"metrics_enabled"`
	MetricsAddr    string  `yaml:"metrics_addr" mapstructure:"metrics_addr"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	ServiceName    string  `yaml:"service_name" mapstructure:"service_name"`
	SampleRatio    float64 `yaml:"sample_ratio" mapstructure:"sample_ratio"`
}

// LoggingConfig configures the zap logger built by cmd binaries.
type LoggingConfig struct {
	Level       string `yaml:"level" mapstructure:"level"`
	Development bool   `yaml:"development" mapstructure:"development"`
}

// DefaultConfig returns the reference defaults. Every value here matches the
// documented knob table; Load starts from these and applies file then env.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			EmbeddingDimension:       768,
			DefaultAlpha:             0.25,
			MinAlpha:                 0.0,
			MaxAlpha:                 1.0,
			DefaultKTotal:            20,
			MaxKTotal:                100,
			RRFK:                     60,
			ExternalBoost:            1.2,
			RequestDeadline:          2 * time.Second,
			MaxConcurrentSourceCalls: 0,
		},
		Centroids: CentroidsConfig{
			StoreTTL:        7 * 24 * time.Hour,
			CacheTTL:        5 * time.Minute,
			CacheMaxEntries: 10000,
			MinVectors:      10,
			MaxVectors:      10000,
			BatchSize:       1000,
		},
		Tags: TagsConfig{
			InferenceMethod: "keyword",
			Fallback:        "direito_civil",
			Tables:          DefaultTagTables(),
		},
		Builder: BuilderConfig{
			Schedule: "0 3 * * *",
			Tenants:  nil,
			ScanRate: 0,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			DB:          0,
			DialTimeout: 5 * time.Second,
			ReadTimeout: 3 * time.Second,
		},
		Badger: BadgerConfig{
			Path:     "/var/lib/fedsearch/centroids",
			InMemory: false,
		},
		Qdrant: QdrantConfig{
			BaseURL:    "http://localhost:6333",
			Collection: "documents",
			Timeout:    5 * time.Second,
			Breaker:    defaultBreaker(),
		},
		Postgres: PostgresConfig{
			DSN:        "postgres://localhost:5432/fedsearch?sslmode=disable",
			Table:      "documents",
			TextConfig: "portuguese",
			Breaker:    defaultBreaker(),
		},
		Embedder: EmbedderConfig{
			BaseURL:   "http://localhost:8000",
			Model:     "default",
			Timeout:   10 * time.Second,
			CacheSize: 1024,
			Retry: RetryConfig{
				MaxRetries:      2,
				InitialInterval: 100 * time.Millisecond,
			},
			Breaker: defaultBreaker(),
		},
		Telemetry: TelemetryConfig{
			MetricsEnabled: true,
			MetricsAddr:    "localhost:9090",
			ServiceName:    "fedsearch",
			SampleRatio:    1.0,
		},
		Logging: LoggingConfig{
			Level:       "info",
			Development: false,
		},
	}
}

func defaultBreaker() BreakerConfig {
	return BreakerConfig{
		Enabled:     true,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		MaxFailures: 5,
	}
}

// Load reads configuration from path (optional; empty path skips the file),
// applies FEDSEARCH_* environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("FEDSEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Tags.File != "" {
		tf, err := LoadTagsFile(cfg.Tags.File)
		if err != nil {
			return nil, fmt.Errorf("load tags file: %w", err)
		}
		cfg.Tags.Tables = tf.Tables
		if tf.Fallback != "" {
			cfg.Tags.Fallback = tf.Fallback
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every knob so environment-only overrides are picked
// up by Unmarshal.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("engine.embedding_dimension", d.Engine.EmbeddingDimension)
	v.SetDefault("engine.default_alpha", d.Engine.DefaultAlpha)
	v.SetDefault("engine.min_alpha", d.Engine.MinAlpha)
	v.SetDefault("engine.max_alpha", d.Engine.MaxAlpha)
	v.SetDefault("engine.default_k_total", d.Engine.DefaultKTotal)
	v.SetDefault("engine.max_k_total", d.Engine.MaxKTotal)
	v.SetDefault("engine.rrf_k", d.Engine.RRFK)
	v.SetDefault("engine.external_boost", d.Engine.ExternalBoost)
	v.SetDefault("engine.request_deadline", d.Engine.RequestDeadline)
	v.SetDefault("engine.max_concurrent_source_calls", d.Engine.MaxConcurrentSourceCalls)
	v.SetDefault("centroids.store_ttl", d.Centroids.StoreTTL)
	v.SetDefault("centroids.cache_ttl", d.Centroids.CacheTTL)
	v.SetDefault("centroids.cache_max_entries", d.Centroids.CacheMaxEntries)
	v.SetDefault("centroids.min_vectors", d.Centroids.MinVectors)
	v.SetDefault("centroids.max_vectors", d.Centroids.MaxVectors)
	v.SetDefault("centroids.batch_size", d.Centroids.BatchSize)
	v.SetDefault("tags.inference_method", d.Tags.InferenceMethod)
	v.SetDefault("tags.fallback", d.Tags.Fallback)
	v.SetDefault("tags.file", d.Tags.File)
	v.SetDefault("builder.schedule", d.Builder.Schedule)
	v.SetDefault("builder.tenants", d.Builder.Tenants)
	v.SetDefault("builder.scan_rate", d.Builder.ScanRate)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.dial_timeout", d.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", d.Redis.ReadTimeout)
	v.SetDefault("badger.path", d.Badger.Path)
	v.SetDefault("badger.in_memory", d.Badger.InMemory)
	v.SetDefault("qdrant.base_url", d.Qdrant.BaseURL)
	v.SetDefault("qdrant.collection", d.Qdrant.Collection)
	v.SetDefault("qdrant.api_key", d.Qdrant.APIKey)
	v.SetDefault("qdrant.timeout", d.Qdrant.Timeout)
	setBreakerDefaults(v, "qdrant.breaker", d.Qdrant.Breaker)
	v.SetDefault("postgres.dsn", d.Postgres.DSN)
	v.SetDefault("postgres.table", d.Postgres.Table)
	v.SetDefault("postgres.text_config", d.Postgres.TextConfig)
	setBreakerDefaults(v, "postgres.breaker", d.Postgres.Breaker)
	v.SetDefault("embedder.base_url", d.Embedder.BaseURL)
	v.SetDefault("embedder.model", d.Embedder.Model)
	v.SetDefault("embedder.timeout", d.Embedder.Timeout)
	v.SetDefault("embedder.cache_size", d.Embedder.CacheSize)
	v.SetDefault("embedder.retry.max_retries", d.Embedder.Retry.MaxRetries)
	v.SetDefault("embedder.retry.initial_interval", d.Embedder.Retry.InitialInterval)
	setBreakerDefaults(v, "embedder.breaker", d.Embedder.Breaker)
	v.SetDefault("telemetry.metrics_enabled", d.Telemetry.MetricsEnabled)
	v.SetDefault("telemetry.metrics_addr", d.Telemetry.MetricsAddr)
	v.SetDefault("telemetry.otlp_endpoint", d.Telemetry.OTLPEndpoint)
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.sample_ratio", d.Telemetry.SampleRatio)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.development", d.Logging.Development)
}

func setBreakerDefaults(v *viper.Viper, prefix string, d BreakerConfig) {
	v.SetDefault(prefix+".enabled", d.Enabled)
	v.SetDefault(prefix+".max_requests", d.MaxRequests)
	v.SetDefault(prefix+".interval", d.Interval)
	v.SetDefault(prefix+".timeout", d.Timeout)
	v.SetDefault(prefix+".max_failures", d.MaxFailures)
}

// Validate checks every knob range. It is called by Load and again by the
// engine constructor for configs assembled in code.
func (c *Config) Validate() error {
	e := &c.Engine
	if e.EmbeddingDimension <= 0 {
		return fmt.Errorf("engine.embedding_dimension must be positive, got %d", e.EmbeddingDimension)
	}
	if e.MinAlpha < 0 || e.MaxAlpha > 1 || e.MinAlpha > e.MaxAlpha {
		return fmt.Errorf("engine alpha clamp [%v,%v] must satisfy 0 <= min <= max <= 1", e.MinAlpha, e.MaxAlpha)
	}
	if e.DefaultAlpha < e.MinAlpha || e.DefaultAlpha > e.MaxAlpha {
		return fmt.Errorf("engine.default_alpha %v outside clamp [%v,%v]", e.DefaultAlpha, e.MinAlpha, e.MaxAlpha)
	}
	if e.DefaultKTotal < 1 || e.MaxKTotal < 1 || e.DefaultKTotal > e.MaxKTotal {
		return fmt.Errorf("engine k_total bounds invalid: default=%d max=%d", e.DefaultKTotal, e.MaxKTotal)
	}
	if e.RRFK < 1 {
		return fmt.Errorf("engine.rrf_k must be >= 1, got %d", e.RRFK)
	}
	if e.ExternalBoost <= 0 {
		return fmt.Errorf("engine.external_boost must be positive, got %v", e.ExternalBoost)
	}
	if e.RequestDeadline <= 0 {
		return fmt.Errorf("engine.request_deadline must be positive, got %v", e.RequestDeadline)
	}
	if e.MaxConcurrentSourceCalls < 0 {
		return fmt.Errorf("engine.max_concurrent_source_calls must be >= 0, got %d", e.MaxConcurrentSourceCalls)
	}

	cc := &c.Centroids
	if cc.StoreTTL <= 0 || cc.CacheTTL <= 0 {
		return fmt.Errorf("centroid TTLs must be positive: store=%v cache=%v", cc.StoreTTL, cc.CacheTTL)
	}
	if cc.CacheMaxEntries < 1 {
		return fmt.Errorf("centroids.cache_max_entries must be >= 1, got %d", cc.CacheMaxEntries)
	}
	if cc.MinVectors < 1 || cc.MaxVectors < cc.MinVectors {
		return fmt.Errorf("centroid vector bounds invalid: min=%d max=%d", cc.MinVectors, cc.MaxVectors)
	}
	if cc.BatchSize < 1 {
		return fmt.Errorf("centroids.batch_size must be >= 1, got %d", cc.BatchSize)
	}

	t := &c.Tags
	if t.InferenceMethod != "keyword" {
		return fmt.Errorf("tags.inference_method %q not supported (only \"keyword\")", t.InferenceMethod)
	}
	if t.Fallback == "" {
		return fmt.Errorf("tags.fallback is required")
	}
	if len(t.Tables) == 0 {
		return fmt.Errorf("tags.tables must declare at least one tag")
	}
	for i, tbl := range t.Tables {
		if tbl.Tag == "" {
			return fmt.Errorf("tags.tables[%d]: tag name is required", i)
		}
	}
	return nil
}
