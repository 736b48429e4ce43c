package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DialectSQLite, cfg.Database.Dialect)
	assert.Equal(t, VocabularyCached, cfg.Ingest.Vocabulary)
	require.Len(t, cfg.Shards, 2)
	assert.Equal(t, "guten1", cfg.Shards[0].ID)
	assert.Len(t, cfg.Shards[0].Ranges, 2)
	assert.Equal(t, 10, cfg.Query.DefaultLimit)
	assert.Equal(t, 2, cfg.Ingest.BatchAttempts)
}

func TestLoadYAMLOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  dialect: postgres
  host: db.internal
shards:
  - id: s1
    ranges:
      - {low: 1, high: 100}
query:
  defaultLimit: 5
  maxLimit: 20
  timeoutPerShard: 750ms
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DialectPostgres, cfg.Database.Dialect)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	require.Len(t, cfg.Shards, 1)
	assert.Equal(t, []RangeConfig{{Low: 1, High: 100}}, cfg.Shards[0].Ranges)
	assert.Equal(t, 750*time.Millisecond, cfg.Query.TimeoutPerShard)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("WI_DB_READER", "alice")
	t.Setenv("WI_DB_READER_PASSWORD", "secret")
	t.Setenv("WI_REDIS_ADDR", "cache:6379")
	t.Setenv("WI_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("WI_QUERY_TIMEOUT_PER_SHARD", "2s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Credentials{User: "alice", Password: "secret"}, cfg.Database.Reader)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "cache:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 2*time.Second, cfg.Query.TimeoutPerShard)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "database: [not a map"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"dialect", func(c *Config) { c.Database.Dialect = "mysql" }},
		{"vocabulary", func(c *Config) { c.Ingest.Vocabulary = "sometimes" }},
		{"no shards", func(c *Config) { c.Shards = nil }},
		{"empty id", func(c *Config) { c.Shards[0].ID = "" }},
		{"duplicate id", func(c *Config) { c.Shards[1].ID = c.Shards[0].ID }},
		{"no ranges", func(c *Config) { c.Shards[0].Ranges = nil }},
		{"empty range", func(c *Config) { c.Shards[0].Ranges[0] = RangeConfig{Low: 5, High: 5} }},
		{"limits", func(c *Config) { c.Query.MaxLimit = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestQueryLimit(t *testing.T) {
	q := QueryConfig{DefaultLimit: 10, MaxLimit: 100}
	tests := []struct {
		in      int
		want    int
		wantErr bool
	}{
		{in: 1, want: 1},
		{in: 100, want: 100},
		{in: 101, want: 100},
		{in: 1 << 40, want: 100},
		{in: 0, wantErr: true},
		{in: -3, wantErr: true},
	}
	for _, tt := range tests {
		got, err := q.Limit(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "limit %d", tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "limit %d", tt.in)
	}
}

func TestEndpoint(t *testing.T) {
	pg := DatabaseConfig{
		Dialect: DialectPostgres,
		Host:    "db",
		Port:    5432,
		Writer:  Credentials{User: "w", Password: "wp"},
		Reader:  Credentials{User: "r", Password: "rp"},
		SSLMode: "disable",
	}
	s := ShardConfig{ID: "guten1"}

	assert.Equal(t, "host=db port=5432 user=r password=rp dbname=guten1 sslmode=disable", pg.Endpoint(s, ReadAccess))
	assert.Equal(t, "host=db port=5432 user=w password=wp dbname=guten1 sslmode=disable", pg.Endpoint(s, WriteAccess))

	s.Database = "books_a"
	assert.Contains(t, pg.Endpoint(s, ReadAccess), "dbname=books_a")

	s.DSN = "postgres://explicit"
	assert.Equal(t, "postgres://explicit", pg.Endpoint(s, WriteAccess))

	lite := DatabaseConfig{Dialect: DialectSQLite, BusyTimeout: 2 * time.Second}
	dsn := lite.Endpoint(ShardConfig{ID: "guten2"}, ReadAccess)
	assert.Contains(t, dsn, "file:guten2.db?")
	assert.Contains(t, dsn, "busy_timeout%282000%29")
	assert.Contains(t, dsn, "_txlock=immediate")
}
