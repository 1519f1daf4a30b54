package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/6chenhua/research-agent-backend/pkg/alert"
	"github.com/6chenhua/research-agent-backend/pkg/connector"
	"github.com/6chenhua/research-agent-backend/pkg/driver"
	"github.com/6chenhua/research-agent-backend/pkg/embedder"
	"github.com/6chenhua/research-agent-backend/pkg/ingest"
	"github.com/6chenhua/research-agent-backend/pkg/oracle"
	"github.com/6chenhua/research-agent-backend/pkg/scheduler"
	"github.com/6chenhua/research-agent-backend/pkg/search"
)

// Config holds all configuration for the application
type Config struct {
	// Log configuration
	Log LogConfig `mapstructure:"log"`

	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// Graph store configuration
	Graph GraphConfig `mapstructure:"graph"`

	// Retrieval hyperparameters
	Search search.Config `mapstructure:"search"`

	// Ingestion pipeline configuration
	Ingest IngestConfig `mapstructure:"ingest"`

	// Job scheduler configuration
	Scheduler scheduler.Config `mapstructure:"scheduler"`

	// Badger storage for jobs and checkpoints
	Storage StorageConfig `mapstructure:"storage"`

	// Redis configuration for the shared escalation cooldown
	Redis RedisConfig `mapstructure:"redis"`

	// Extraction LLM configuration
	LLM LLMConfig `mapstructure:"llm"`

	// Embedding configuration
	Embedder EmbedderConfig `mapstructure:"embedder"`

	// CircuitBreaker configuration for the extraction LLM
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`

	// External literature connector configuration
	Connector ConnectorConfig `mapstructure:"connector"`

	// Telemetry configuration
	Telemetry TelemetryConfig `mapstructure:"telemetry"`

	// Email alerts for permanently failed jobs
	Alert alert.Config `mapstructure:"alert"`

	// Periodic community recomputation
	Community CommunityConfig `mapstructure:"community"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"` // gin mode: debug, release, test
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GraphConfig selects and configures the graph store.
type GraphConfig struct {
	Driver  string               `mapstructure:"driver"` // neo4j or memory
	Neo4j   driver.Neo4jConfig   `mapstructure:"neo4j"`
	Weights driver.HybridWeights `mapstructure:"weights"`
}

// IngestConfig holds pipeline settings plus an optional schema override.
type IngestConfig struct {
	ingest.Config `mapstructure:",squash"`
	// SchemaFile points at a YAML entity/relation catalogue replacing the
	// built-in one.
	SchemaFile string `mapstructure:"schema_file"`
}

// StorageConfig holds the badger location.
type StorageConfig struct {
	Path     string `mapstructure:"path"`
	InMemory bool   `mapstructure:"in_memory"`
}

// RedisConfig holds the optional redis connection.
type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	URL       string `mapstructure:"url"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// LLMConfig holds configuration for the extraction oracle.
type LLMConfig struct {
	Provider      string `mapstructure:"provider"` // openai or none
	APIKey        string `mapstructure:"api_key"`
	oracle.Config `mapstructure:",squash"`
	CallTimeout   time.Duration      `mapstructure:"call_timeout"`
	Retry         oracle.RetryConfig `mapstructure:"retry"`
}

// EmbedderConfig holds embedding configuration
type EmbedderConfig struct {
	Provider        string `mapstructure:"provider"` // openai or hashing
	APIKey          string `mapstructure:"api_key"`
	embedder.Config `mapstructure:",squash"`
}

// CircuitBreakerConfig holds configuration for circuit breaking
type CircuitBreakerConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	MaxRequests      uint32  `mapstructure:"max_requests"`
	Interval         int     `mapstructure:"interval"` // in seconds
	Timeout          int     `mapstructure:"timeout"`  // in seconds
	ReadyToTripRatio float64 `mapstructure:"ready_to_trip_ratio"`
}

// Breaker converts to the oracle's breaker settings.
func (c CircuitBreakerConfig) Breaker() oracle.BreakerConfig {
	return oracle.BreakerConfig{
		Enabled:          c.Enabled,
		MaxRequests:      c.MaxRequests,
		Interval:         time.Duration(c.Interval) * time.Second,
		Timeout:          time.Duration(c.Timeout) * time.Second,
		ReadyToTripRatio: c.ReadyToTripRatio,
	}
}

// Resilience assembles the oracle wrapper settings.
func (c *Config) Resilience() oracle.ResilientConfig {
	return oracle.ResilientConfig{
		CallTimeout: c.LLM.CallTimeout,
		Retry:       c.LLM.Retry,
		Breaker:     c.CircuitBreaker.Breaker(),
	}
}

// ConnectorConfig holds the external literature source settings.
type ConnectorConfig struct {
	Enabled bool                  `mapstructure:"enabled"`
	Arxiv   connector.ArxivConfig `mapstructure:"arxiv"`
	// MaxResults bounds how many papers one escalation ingests.
	MaxResults int `mapstructure:"max_results"`
}

// CommunityConfig controls the background community refresh. A zero
// interval disables it.
type CommunityConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// TelemetryConfig holds telemetry configuration
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ParquetPath string `mapstructure:"parquet_path"`
	BatchSize   int    `mapstructure:"batch_size"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	// Set defaults
	setDefaults()

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// Override with environment variables if present
	if err := overrideWithEnv(config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	switch c.Graph.Driver {
	case string(driver.GraphProviderMemory):
	case string(driver.GraphProviderNeo4j):
		if c.Graph.Neo4j.URI == "" {
			return fmt.Errorf("graph.neo4j.uri is required for the neo4j driver")
		}
	default:
		return fmt.Errorf("unknown graph driver %q", c.Graph.Driver)
	}
	switch c.LLM.Provider {
	case "openai", "none":
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	switch c.Embedder.Provider {
	case "openai", "hashing":
	default:
		return fmt.Errorf("unknown embedder provider %q", c.Embedder.Provider)
	}
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required unless storage.in_memory is set")
	}
	if c.Redis.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required when redis is enabled")
	}
	if c.Alert.Enabled && c.Alert.SMTPHost == "" {
		return fmt.Errorf("alert.smtp_host is required when alerts are enabled")
	}
	if c.Community.Interval < 0 {
		return fmt.Errorf("community.interval must not be negative")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	return nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Log defaults
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")

	// Alert defaults
	viper.SetDefault("alert.enabled", false)
	viper.SetDefault("alert.smtp_port", 587)

	// Community refresh defaults
	viper.SetDefault("community.interval", 24*time.Hour)

	// Server defaults
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 5*time.Minute)
	viper.SetDefault("server.max_body_bytes", 32<<20)

	// Graph defaults
	viper.SetDefault("graph.driver", string(driver.GraphProviderMemory))
	viper.SetDefault("graph.neo4j.uri", "")
	viper.SetDefault("graph.neo4j.username", "neo4j")
	viper.SetDefault("graph.neo4j.password", "")
	viper.SetDefault("graph.neo4j.database", "neo4j")
	viper.SetDefault("graph.neo4j.embedding_dimensions", embedder.DefaultDimensions)
	weights := driver.DefaultHybridWeights()
	viper.SetDefault("graph.weights.vector", weights.Vector)
	viper.SetDefault("graph.weights.lexical", weights.Lexical)

	// Search defaults
	sc := search.DefaultConfig()
	viper.SetDefault("search.rank_constant", sc.RankConstant)
	viper.SetDefault("search.mmr_lambda", sc.MMRLambda)
	viper.SetDefault("search.relevance_floor", sc.RelevanceFloor)
	viper.SetDefault("search.coverage_threshold", sc.CoverageThreshold)
	viper.SetDefault("search.escalation_cooldown", sc.EscalationCooldown)
	viper.SetDefault("search.escalation_enabled", sc.EscalationEnabled)
	viper.SetDefault("search.namespace_timeout", sc.NamespaceTimeout)
	viper.SetDefault("search.default_limit", sc.DefaultLimit)
	viper.SetDefault("search.candidate_limit", sc.CandidateLimit)
	viper.SetDefault("search.focal_max_depth", sc.FocalMaxDepth)
	viper.SetDefault("search.max_concurrent_per_user", sc.MaxConcurrentPerUser)
	viper.SetDefault("search.slow_query_threshold", sc.SlowQueryThreshold)

	// Ingest defaults
	ic := ingest.DefaultConfig()
	viper.SetDefault("ingest.max_chunk_tokens", ic.MaxChunkTokens)
	viper.SetDefault("ingest.confidence_floor", ic.ConfidenceFloor)
	viper.SetDefault("ingest.dedup_threshold", ic.DedupThreshold)
	viper.SetDefault("ingest.workers", ic.Workers)
	viper.SetDefault("ingest.schema_file", "")

	// Scheduler defaults
	sched := scheduler.DefaultConfig()
	viper.SetDefault("scheduler.workers", sched.Workers)
	viper.SetDefault("scheduler.job_timeout", sched.JobTimeout)
	viper.SetDefault("scheduler.retry.max_retries", sched.Retry.MaxRetries)
	viper.SetDefault("scheduler.retry.base_delay", sched.Retry.BaseDelay)
	viper.SetDefault("scheduler.retry.factor", sched.Retry.Factor)
	viper.SetDefault("scheduler.retry.jitter", sched.Retry.Jitter)
	viper.SetDefault("scheduler.retry.max_delay", sched.Retry.MaxDelay)

	// Storage defaults
	viper.SetDefault("storage.in_memory", false)
	if home, err := os.UserHomeDir(); err == nil {
		viper.SetDefault("storage.path", filepath.Join(home, ".researchd", "data"))
	}

	// Redis defaults
	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.url", "redis://localhost:6379/0")
	viper.SetDefault("redis.key_prefix", "researchd:escalation:")

	// LLM defaults
	retry := oracle.DefaultRetryConfig()
	viper.SetDefault("llm.provider", "openai")
	viper.SetDefault("llm.model", oracle.DefaultModel)
	viper.SetDefault("llm.base_url", "")
	viper.SetDefault("llm.temperature", 0.0)
	viper.SetDefault("llm.max_tokens", 4096)
	viper.SetDefault("llm.call_timeout", 60*time.Second)
	viper.SetDefault("llm.retry.max_retries", retry.MaxRetries)
	viper.SetDefault("llm.retry.initial_delay", retry.InitialDelay)
	viper.SetDefault("llm.retry.max_delay", retry.MaxDelay)
	viper.SetDefault("llm.retry.backoff_multiplier", retry.BackoffMultiplier)

	// Embedder defaults
	viper.SetDefault("embedder.provider", "openai")
	viper.SetDefault("embedder.model", embedder.DefaultModel)
	viper.SetDefault("embedder.dimensions", embedder.DefaultDimensions)
	viper.SetDefault("embedder.batch_size", embedder.DefaultBatchSize)

	// Circuit breaker defaults
	breaker := oracle.DefaultBreakerConfig()
	viper.SetDefault("circuit_breaker.enabled", breaker.Enabled)
	viper.SetDefault("circuit_breaker.max_requests", breaker.MaxRequests)
	viper.SetDefault("circuit_breaker.interval", int(breaker.Interval/time.Second))
	viper.SetDefault("circuit_breaker.timeout", int(breaker.Timeout/time.Second))
	viper.SetDefault("circuit_breaker.ready_to_trip_ratio", breaker.ReadyToTripRatio)

	// Connector defaults
	arxiv := connector.DefaultArxivConfig()
	viper.SetDefault("connector.enabled", true)
	viper.SetDefault("connector.max_results", 5)
	viper.SetDefault("connector.arxiv.api_url", arxiv.APIURL)
	viper.SetDefault("connector.arxiv.pdf_url", arxiv.PDFURL)
	viper.SetDefault("connector.arxiv.request_interval", arxiv.RequestInterval)
	viper.SetDefault("connector.arxiv.timeout", arxiv.Timeout)
	viper.SetDefault("connector.arxiv.max_download_bytes", arxiv.MaxDownloadBytes)
	viper.SetDefault("connector.arxiv.user_agent", arxiv.UserAgent)

	// Telemetry defaults
	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.batch_size", 100)
	home, err := os.UserHomeDir()
	if err == nil {
		defaultPath := fmt.Sprintf("%s/.researchd/telemetry", home)
		viper.SetDefault("telemetry.parquet_path", defaultPath)
	}
}

// overrideWithEnv overrides config with environment variables
func overrideWithEnv(config *Config) error {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		if config.LLM.APIKey == "" {
			config.LLM.APIKey = apiKey
		}
		if config.Embedder.APIKey == "" {
			config.Embedder.APIKey = apiKey
		}
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		config.LLM.BaseURL = baseURL
		config.Embedder.BaseURL = baseURL
	}

	// Database credentials
	if uri := os.Getenv("NEO4J_URI"); uri != "" {
		config.Graph.Neo4j.URI = uri
		config.Graph.Driver = string(driver.GraphProviderNeo4j)
	}
	if user := os.Getenv("NEO4J_USER"); user != "" {
		config.Graph.Neo4j.Username = user
	}
	if pass := os.Getenv("NEO4J_PASSWORD"); pass != "" {
		config.Graph.Neo4j.Password = pass
	}
	if dbDriver := os.Getenv("GRAPH_DRIVER"); dbDriver != "" {
		config.Graph.Driver = strings.ToLower(dbDriver)
	}

	if url := os.Getenv("REDIS_URL"); url != "" {
		config.Redis.URL = url
		config.Redis.Enabled = true
	}

	if path := os.Getenv("RESEARCHD_STORAGE_PATH"); path != "" {
		config.Storage.Path = path
	}

	// Server settings
	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid SERVER_PORT %q: %w", port, err)
		}
		config.Server.Port = p
	}

	// Telemetry settings
	if path := os.Getenv("TELEMETRY_PARQUET_PATH"); path != "" {
		config.Telemetry.ParquetPath = path
		config.Telemetry.Enabled = true
	}
	return nil
}
