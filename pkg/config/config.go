// Package config loads and validates the word index configuration from YAML
// files with environment-variable overrides. It provides typed structs for the
// shard layout, the shared database server, ingestion tuning, the query
// service, Redis, Kafka, the Gutenberg fetcher, logging and metrics.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Dialects understood by pkg/database.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// Vocabulary resolution modes for an ingestion session.
const (
	VocabularyCached = "cached"
	VocabularyDirect = "direct"
)

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Shards    []ShardConfig   `yaml:"shards"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Query     QueryConfig     `yaml:"query"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Gutenberg GutenbergConfig `yaml:"gutenberg"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings for the query service.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// DatabaseConfig describes the database server shared by every shard. Each
// shard lives in its own database on that server (or its own SQLite file).
type DatabaseConfig struct {
	Dialect         string        `yaml:"dialect"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Writer          Credentials   `yaml:"writer"`
	Reader          Credentials   `yaml:"reader"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	BusyTimeout     time.Duration `yaml:"busyTimeout"`
}

// Credentials is a user/password pair.
type Credentials struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Access selects which credentials a shard endpoint is built with.
type Access int

const (
	ReadAccess Access = iota
	WriteAccess
)

// ShardConfig is one storage shard. Ranges are half-open [low, high) document
// id intervals owned by the shard.
type ShardConfig struct {
	ID       string        `yaml:"id"`
	Database string        `yaml:"database"`
	Path     string        `yaml:"path"`
	DSN      string        `yaml:"dsn"`
	Ranges   []RangeConfig `yaml:"ranges"`
}

// RangeConfig is a half-open document id interval.
type RangeConfig struct {
	Low  int64 `yaml:"low"`
	High int64 `yaml:"high"`
}

// IngestConfig tunes the ingestion pipeline.
type IngestConfig struct {
	Vocabulary        string        `yaml:"vocabulary"`
	QueueSize         int           `yaml:"queueSize"`
	BatchRows         int           `yaml:"batchRows"`
	BatchDocuments    int           `yaml:"batchDocuments"`
	FlushInterval     time.Duration `yaml:"flushInterval"`
	BatchAttempts     int           `yaml:"batchAttempts"`
	MaxParallelShards int           `yaml:"maxParallelShards"`
	ProgressEvery     int           `yaml:"progressEvery"`
}

// QueryConfig controls query execution limits and timeouts.
type QueryConfig struct {
	DefaultLimit    int           `yaml:"defaultLimit"`
	MaxLimit        int           `yaml:"maxLimit"`
	TimeoutPerShard time.Duration `yaml:"timeoutPerShard"`
}

// Limit checks a requested result count and caps it at MaxLimit.
func (q QueryConfig) Limit(n int) (int, error) {
	if n < 1 {
		return 0, fmt.Errorf("limit must be a positive integer, got %d", n)
	}
	if q.MaxLimit > 0 && n > q.MaxLimit {
		return q.MaxLimit, nil
	}
	return n, nil
}

// RedisConfig holds Redis connection and result cache parameters.
type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	PoolSize  int           `yaml:"poolSize"`
	CacheTTL  time.Duration `yaml:"cacheTTL"`
	KeyPrefix string        `yaml:"keyPrefix"`
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	ConsumerGroup string        `yaml:"consumerGroup"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	Topics        KafkaTopics   `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	DocumentIngest string `yaml:"documentIngest"`
	IngestComplete string `yaml:"ingestComplete"`
}

// GutenbergConfig controls the Project Gutenberg document fetcher.
type GutenbergConfig struct {
	BaseURL        string        `yaml:"baseUrl"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	RetryAttempts  int           `yaml:"retryAttempts"`
	Language       string        `yaml:"language"`
	HeaderWindow   int           `yaml:"headerWindow"`
	FooterWindow   int           `yaml:"footerWindow"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided), applies environment-variable
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural constraints. Range overlap across shards is
// checked by the shard registry.
func (c *Config) Validate() error {
	switch c.Database.Dialect {
	case DialectPostgres, DialectSQLite:
	default:
		return fmt.Errorf("unsupported database dialect %q", c.Database.Dialect)
	}
	switch c.Ingest.Vocabulary {
	case VocabularyCached, VocabularyDirect:
	default:
		return fmt.Errorf("unsupported vocabulary mode %q", c.Ingest.Vocabulary)
	}
	if len(c.Shards) == 0 {
		return fmt.Errorf("no shards configured")
	}
	seen := make(map[string]struct{}, len(c.Shards))
	for _, s := range c.Shards {
		if s.ID == "" {
			return fmt.Errorf("shard with empty id")
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("duplicate shard id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
		if len(s.Ranges) == 0 {
			return fmt.Errorf("shard %q has no document id ranges", s.ID)
		}
		for _, r := range s.Ranges {
			if r.Low >= r.High {
				return fmt.Errorf("shard %q: empty range [%d, %d)", s.ID, r.Low, r.High)
			}
		}
	}
	if c.Query.DefaultLimit <= 0 || c.Query.MaxLimit < c.Query.DefaultLimit {
		return fmt.Errorf("invalid query limits default=%d max=%d", c.Query.DefaultLimit, c.Query.MaxLimit)
	}
	return nil
}

// Endpoint returns the connection string for a shard. An explicit DSN wins;
// SQLite shards use their file path; Postgres shards get a lib/pq DSN for the
// shard's database using reader or writer credentials.
func (d DatabaseConfig) Endpoint(s ShardConfig, access Access) string {
	if s.DSN != "" {
		return s.DSN
	}
	if d.Dialect == DialectSQLite {
		path := s.Path
		if path == "" {
			path = s.ID + ".db"
		}
		return SQLiteDSN(path, d.BusyTimeout)
	}
	creds := d.Reader
	if access == WriteAccess {
		creds = d.Writer
	}
	dbname := s.Database
	if dbname == "" {
		dbname = s.ID
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, creds.User, creds.Password, dbname, d.SSLMode,
	)
}

// SQLiteDSN builds an ncruces/go-sqlite3 file URI. Transactions take the write
// lock up front so concurrent connections queue on busy_timeout instead of
// failing on lock upgrade.
func SQLiteDSN(path string, busyTimeout time.Duration) string {
	if busyTimeout <= 0 {
		busyTimeout = 10 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(wal)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// defaultConfig returns a Config with defaults for local development: two
// SQLite shards covering the original build ranges.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Dialect:         DialectSQLite,
			Host:            "localhost",
			Port:            5432,
			Writer:          Credentials{User: "writer", Password: "localdev"},
			Reader:          Credentials{User: "reader", Password: "localdev"},
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
			BusyTimeout:     10 * time.Second,
		},
		Shards: []ShardConfig{
			{ID: "guten1", Path: "guten1.db", Ranges: []RangeConfig{{Low: 19001, High: 19301}, {Low: 19301, High: 19601}}},
			{ID: "guten2", Path: "guten2.db", Ranges: []RangeConfig{{Low: 19601, High: 20001}}},
		},
		Ingest: IngestConfig{
			Vocabulary:        VocabularyCached,
			QueueSize:         64,
			BatchRows:         5000,
			BatchDocuments:    16,
			FlushInterval:     2 * time.Second,
			BatchAttempts:     2,
			MaxParallelShards: 4,
			ProgressEvery:     5,
		},
		Query: QueryConfig{
			DefaultLimit:    10,
			MaxLimit:        100,
			TimeoutPerShard: 3 * time.Second,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			CacheTTL:  5 * time.Minute,
			KeyPrefix: "wordindex:",
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "wordindex-builder",
			IdleTimeout:   30 * time.Second,
			Topics: KafkaTopics{
				DocumentIngest: "ebook-ingest",
				IngestComplete: "ebook-ingest-complete",
			},
		},
		Gutenberg: GutenbergConfig{
			BaseURL:        "http://www.gutenberg.org",
			RequestTimeout: 30 * time.Second,
			RetryAttempts:  3,
			Language:       "en",
			HeaderWindow:   20000,
			FooterWindow:   30000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads WI_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WI_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("WI_DB_DIALECT"); v != "" {
		cfg.Database.Dialect = v
	}
	if v := os.Getenv("WI_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("WI_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("WI_DB_WRITER"); v != "" {
		cfg.Database.Writer.User = v
	}
	if v := os.Getenv("WI_DB_WRITER_PASSWORD"); v != "" {
		cfg.Database.Writer.Password = v
	}
	if v := os.Getenv("WI_DB_READER"); v != "" {
		cfg.Database.Reader.User = v
	}
	if v := os.Getenv("WI_DB_READER_PASSWORD"); v != "" {
		cfg.Database.Reader.Password = v
	}
	if v := os.Getenv("WI_DB_SSLMODE"); v != "" {
		cfg.Database.SSLMode = v
	}
	if v := os.Getenv("WI_INGEST_VOCABULARY"); v != "" {
		cfg.Ingest.Vocabulary = v
	}
	if v := os.Getenv("WI_QUERY_TIMEOUT_PER_SHARD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Query.TimeoutPerShard = d
		}
	}
	if v := os.Getenv("WI_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("WI_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("WI_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
		cfg.Kafka.Enabled = true
	}
	if v := os.Getenv("WI_GUTENBERG_BASE_URL"); v != "" {
		cfg.Gutenberg.BaseURL = v
	}
	if v := os.Getenv("WI_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("WI_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
