// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (NEXCRM_ prefix, runtime override)
//  2. Config file (~/.nexcrm/config.yaml)
//  3. Default values
//
// Categories:
//   - Storage: PostgreSQL connection (see storage.go)
//   - Embedding: provider selection, model, cache
//   - Ingest: worker pool, retry policy
//   - Retrieval: ranking parameters
//
// Sensitive values (passwords, API keys) are read from the environment and
// never logged.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidProvider indicates the embedding provider is not supported.
	ErrInvalidProvider = errors.New("invalid embedding provider")

	// ErrMissingAPIKey indicates a required provider API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidDimension indicates the embedding dimension is out of range.
	ErrInvalidDimension = errors.New("invalid embedding dimension")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidWorkerCount indicates the ingest worker count is out of range.
	ErrInvalidWorkerCount = errors.New("invalid worker count")

	// ErrInvalidMaxAttempts indicates the ingest retry limit is out of range.
	ErrInvalidMaxAttempts = errors.New("invalid max attempts")

	// ErrInvalidTopK indicates the retrieval top-K default is out of range.
	ErrInvalidTopK = errors.New("invalid top K")
)

// Embedding provider identifiers used in Embedding.Provider.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"

	// ProviderOffline selects the deterministic hash embedder. It is also
	// the automatic fallback when no provider key is configured, which keeps
	// the system fully testable without network access.
	ProviderOffline = "offline"
)

// Default embedding models per provider.
const (
	DefaultGeminiEmbeddingModel = "gemini-embedding-001"
	DefaultOpenAIEmbeddingModel = "text-embedding-3-small"
)

// VectorDimension is the pgvector column width for chunk embeddings.
// Providers with a different native output size are truncated or padded
// and re-normalized to unit length before storage.
const VectorDimension = 768

// Config stores application configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`

	// PostgreSQL connection (see storage.go for DSN builders)
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDBName   string `mapstructure:"postgres_dbname"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode"`

	Embedding Embedding `mapstructure:"embedding"`
	Ingest    Ingest    `mapstructure:"ingest"`
	Retrieval Retrieval `mapstructure:"retrieval"`
}

// Embedding configures the embedding service.
type Embedding struct {
	// Provider is "gemini", "openai" or "offline". When the selected remote
	// provider has no API key, the service degrades to offline.
	Provider string `mapstructure:"provider"`

	Model     string `mapstructure:"model"`
	Dimension int    `mapstructure:"dimension"`

	// GeminiAPIKey / OpenAIAPIKey are read from GEMINI_API_KEY and
	// OPENAI_API_KEY, never from the config file.
	GeminiAPIKey string `mapstructure:"-"`
	OpenAIAPIKey string `mapstructure:"-"`

	// RedisAddr enables the shared embedding cache; empty means an
	// in-process cache.
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"-"`

	// Timeout bounds each remote provider call.
	Timeout time.Duration `mapstructure:"timeout"`

	// BatchSize is the maximum texts per provider request.
	BatchSize int `mapstructure:"batch_size"`

	// RatePerSecond throttles provider requests.
	RatePerSecond float64 `mapstructure:"rate_per_second"`
}

// Ingest configures the ingestion worker pool and retry policy.
type Ingest struct {
	Workers      int           `mapstructure:"workers"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffCap   time.Duration `mapstructure:"backoff_cap"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// Retrieval configures ranking parameters for the hybrid engine.
type Retrieval struct {
	TopK           int     `mapstructure:"top_k"`
	CandidateLimit int     `mapstructure:"candidate_limit"`
	RRFConstant    float64 `mapstructure:"rrf_constant"`
	MinFusedScore  float64 `mapstructure:"min_fused_score"`
}

// Load reads configuration from file, environment and defaults.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir, err := configDir(); err == nil {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("NEXCRM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// No config file is fine; defaults + env apply.
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Embedding.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	cfg.Embedding.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	cfg.Embedding.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "nexcrm")
	v.SetDefault("postgres_dbname", "nexcrm")
	v.SetDefault("postgres_sslmode", "disable")

	v.SetDefault("embedding.provider", ProviderOffline)
	v.SetDefault("embedding.model", "")
	v.SetDefault("embedding.dimension", VectorDimension)
	v.SetDefault("embedding.timeout", 15*time.Second)
	v.SetDefault("embedding.batch_size", 64)
	v.SetDefault("embedding.rate_per_second", 10.0)

	v.SetDefault("ingest.workers", 4)
	v.SetDefault("ingest.max_attempts", 5)
	v.SetDefault("ingest.backoff_base", 30*time.Second)
	v.SetDefault("ingest.backoff_cap", 30*time.Minute)
	v.SetDefault("ingest.poll_interval", 2*time.Second)

	v.SetDefault("retrieval.top_k", 8)
	v.SetDefault("retrieval.candidate_limit", 50)
	v.SetDefault("retrieval.rrf_constant", 60.0)
	v.SetDefault("retrieval.min_fused_score", 0.02)
}

// configDir returns the nexcrm configuration directory (~/.nexcrm).
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".nexcrm"), nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	switch c.Embedding.Provider {
	case ProviderGemini, ProviderOpenAI, ProviderOffline:
	default:
		return fmt.Errorf("%w: %q (expected gemini, openai or offline)",
			ErrInvalidProvider, c.Embedding.Provider)
	}

	if c.Embedding.Dimension < 64 || c.Embedding.Dimension > 4096 {
		return fmt.Errorf("%w: %d (expected 64-4096)", ErrInvalidDimension, c.Embedding.Dimension)
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host is empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name is empty", ErrInvalidPostgresDBName)
	}

	if c.Ingest.Workers < 1 || c.Ingest.Workers > 64 {
		return fmt.Errorf("%w: %d (expected 1-64)", ErrInvalidWorkerCount, c.Ingest.Workers)
	}
	if c.Ingest.MaxAttempts < 1 || c.Ingest.MaxAttempts > 20 {
		return fmt.Errorf("%w: %d (expected 1-20)", ErrInvalidMaxAttempts, c.Ingest.MaxAttempts)
	}

	if c.Retrieval.TopK < 1 || c.Retrieval.TopK > 100 {
		return fmt.Errorf("%w: %d (expected 1-100)", ErrInvalidTopK, c.Retrieval.TopK)
	}

	return nil
}

// EmbeddingModel resolves the configured model name, falling back to the
// provider default.
func (c *Config) EmbeddingModel() string {
	if c.Embedding.Model != "" {
		return c.Embedding.Model
	}
	switch c.Embedding.Provider {
	case ProviderGemini:
		return DefaultGeminiEmbeddingModel
	case ProviderOpenAI:
		return DefaultOpenAIEmbeddingModel
	default:
		return "offline-hash"
	}
}
