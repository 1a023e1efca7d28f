// Package config provides configuration management for the deal watch service.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server          ServerConfig
	Database        DatabaseConfig
	Scheduler       SchedulerConfig
	Worker          WorkerConfig
	Deal            DealConfig
	Retrieval       RetrievalConfig
	Discoverability DiscoverabilityConfig
	Chain           ChainConfig
	Cache           CacheConfig
	Metrics         MetricsConfig
	Logging         LoggingConfig
}

// ServerConfig holds admin API server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// SchedulerConfig holds job scheduler configuration
type SchedulerConfig struct {
	PollInterval      time.Duration // how often the scheduler scans for due schedules
	CatchupMaxEnqueue int           // cap on jobs enqueued per schedule per tick
	SchedulePhase     time.Duration // offset applied to NextRunAt when a schedule is first created
	EnqueueJitter     time.Duration // uniform random delay added to each job's StartAfter
	DealInterval      time.Duration // default interval for per-provider deal schedules
	RetrievalInterval time.Duration // default interval for per-provider retrieval schedules
	MetricsInterval   time.Duration
	CleanupInterval   time.Duration
	RefreshInterval   time.Duration
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	PollInterval     time.Duration // how often workers poll for claimable jobs
	LocalConcurrency int           // concurrent executions per queue
	RetryLimit       int
	RetryDelay       time.Duration // base delay for job retry backoff
	RetryBackoff     float64       // multiplier for job retry backoff
	RetryDelayMax    time.Duration
}

// DealConfig holds deal job configuration
type DealConfig struct {
	JobTimeout            time.Duration
	PayloadSize           int64 // test payload size in bytes
	BlockSize             int64 // chunk size for block CID computation
	WalletAddress         string
	VerifyDiscoverability bool // gate deal success on index discoverability
	VerifyRetrieval       bool // gate deal success on all retrieval methods passing
}

// RetrievalConfig holds retrieval job configuration
type RetrievalConfig struct {
	JobTimeout   time.Duration
	FetchTimeout time.Duration // per-request timeout for strategy fetches
	MaxBodySize  int64         // cap on bytes read from a provider response
	ChunkSize    int           // deals processed per chunk in batch retrieval tests
}

// DiscoverabilityConfig holds index poller configuration
type DiscoverabilityConfig struct {
	IndexerURL   string
	Timeout      time.Duration // total window to wait for the index listing
	PollInterval time.Duration // cadence of index queries within the window
	MaxQPS       float64       // rate limit on index queries
}

// ChainConfig holds chain storage client configuration
type ChainConfig struct {
	ServiceURL string
	APIKey     string
	Timeout    time.Duration
}

// CacheConfig holds provider cache configuration
type CacheConfig struct {
	ProviderTTL time.Duration
}

// MetricsConfig holds metrics refresh and retention configuration
type MetricsConfig struct {
	RetentionDays int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnv("SERVER_PORT", "8080"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "dealwatch"),
				User:           getEnv("POSTGRES_USER", "dealwatch"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "dealwatch"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Scheduler: SchedulerConfig{
			PollInterval:      getEnvAsDuration("SCHEDULER_POLL_INTERVAL", 30*time.Second),
			CatchupMaxEnqueue: getEnvAsInt("SCHEDULER_CATCHUP_MAX_ENQUEUE", 3),
			SchedulePhase:     getEnvAsDuration("SCHEDULER_PHASE", 0),
			EnqueueJitter:     getEnvAsDuration("SCHEDULER_ENQUEUE_JITTER", 30*time.Second),
			DealInterval:      getEnvAsDuration("DEAL_SCHEDULE_INTERVAL", 1*time.Hour),
			RetrievalInterval: getEnvAsDuration("RETRIEVAL_SCHEDULE_INTERVAL", 30*time.Minute),
			MetricsInterval:   getEnvAsDuration("METRICS_SCHEDULE_INTERVAL", 5*time.Minute),
			CleanupInterval:   getEnvAsDuration("CLEANUP_SCHEDULE_INTERVAL", 24*time.Hour),
			RefreshInterval:   getEnvAsDuration("PROVIDERS_REFRESH_INTERVAL", 15*time.Minute),
		},
		Worker: WorkerConfig{
			PollInterval:     getEnvAsDuration("WORKER_POLL_INTERVAL", 5*time.Second),
			LocalConcurrency: getEnvAsInt("WORKER_LOCAL_CONCURRENCY", 5),
			RetryLimit:       getEnvAsInt("WORKER_RETRY_LIMIT", 3),
			RetryDelay:       getEnvAsDuration("WORKER_RETRY_DELAY", 30*time.Second),
			RetryBackoff:     getEnvAsFloat("WORKER_RETRY_BACKOFF", 2.0),
			RetryDelayMax:    getEnvAsDuration("WORKER_RETRY_DELAY_MAX", 15*time.Minute),
		},
		Deal: DealConfig{
			JobTimeout:            getEnvAsDuration("DEAL_JOB_TIMEOUT", 20*time.Minute),
			PayloadSize:           getEnvAsInt64("DEAL_PAYLOAD_SIZE", 1<<20),
			BlockSize:             getEnvAsInt64("DEAL_BLOCK_SIZE", 256<<10),
			WalletAddress:         getEnv("DEAL_WALLET_ADDRESS", ""),
			VerifyDiscoverability: getEnvAsBool("DEAL_VERIFY_DISCOVERABILITY", true),
			VerifyRetrieval:       getEnvAsBool("DEAL_VERIFY_RETRIEVAL", true),
		},
		Retrieval: RetrievalConfig{
			JobTimeout:   getEnvAsDuration("RETRIEVAL_JOB_TIMEOUT", 10*time.Minute),
			FetchTimeout: getEnvAsDuration("RETRIEVAL_FETCH_TIMEOUT", 60*time.Second),
			MaxBodySize:  getEnvAsInt64("RETRIEVAL_MAX_BODY_SIZE", 64<<20),
			ChunkSize:    getEnvAsInt("RETRIEVAL_CHUNK_SIZE", 5),
		},
		Discoverability: DiscoverabilityConfig{
			IndexerURL:   getEnv("IPNI_INDEXER_URL", "https://cid.contact"),
			Timeout:      getEnvAsDuration("IPNI_TIMEOUT", 5*time.Minute),
			PollInterval: getEnvAsDuration("IPNI_POLL_INTERVAL", 10*time.Second),
			MaxQPS:       getEnvAsFloat("IPNI_MAX_QPS", 2.0),
		},
		Chain: ChainConfig{
			ServiceURL: getEnv("CHAIN_SERVICE_URL", ""),
			APIKey:     getEnv("CHAIN_API_KEY", ""),
			Timeout:    getEnvAsDuration("CHAIN_TIMEOUT", 10*time.Minute),
		},
		Cache: CacheConfig{
			ProviderTTL: getEnvAsDuration("PROVIDER_CACHE_TTL", 5*time.Minute),
		},
		Metrics: MetricsConfig{
			RetentionDays: getEnvAsInt("METRICS_RETENTION_DAYS", 90),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime behavior.
func (c *Config) Validate() error {
	if c.Scheduler.CatchupMaxEnqueue < 1 {
		return fmt.Errorf("SCHEDULER_CATCHUP_MAX_ENQUEUE must be at least 1, got %d", c.Scheduler.CatchupMaxEnqueue)
	}
	if c.Worker.LocalConcurrency < 1 {
		return fmt.Errorf("WORKER_LOCAL_CONCURRENCY must be at least 1, got %d", c.Worker.LocalConcurrency)
	}
	if c.Worker.RetryBackoff < 1 {
		return fmt.Errorf("WORKER_RETRY_BACKOFF must be at least 1, got %v", c.Worker.RetryBackoff)
	}
	if c.Deal.BlockSize <= 0 || c.Deal.BlockSize > c.Deal.PayloadSize {
		return fmt.Errorf("DEAL_BLOCK_SIZE must be in (0, payload size], got %d", c.Deal.BlockSize)
	}
	if c.Discoverability.PollInterval <= 0 {
		return fmt.Errorf("IPNI_POLL_INTERVAL must be positive, got %v", c.Discoverability.PollInterval)
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 gets an environment variable as an int64 with a default value
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
