package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	cfg := New()
	assert.Equal(t, 3004, cfg.Port)
	assert.Equal(t, "db/pg", cfg.DatabaseMigrationFolderPath)
	assert.Equal(t, "contact-ingest", cfg.KafkaIngestTopic)
	assert.Equal(t, "MEDIUM", cfg.MergeMinConfidence)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Environment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CLOVER_PORT", "8081")
	t.Setenv("CLOVER_DB_HOST", "pg.internal")
	t.Setenv("CLOVER_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("CLOVER_LOCK_WAIT_TIMEOUT", "750ms")
	t.Setenv("CLOVER_REDIS_ADDR", "redis:6379")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8081, cfg.Port)
	assert.Equal(t, "pg.internal", cfg.DatabaseHost)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 750*time.Millisecond, cfg.LockWaitTimeout)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	// Untouched keys keep their defaults.
	assert.Equal(t, "clover", cfg.DatabaseName)
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "clover.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9000\ndb_name: contacts\nauth_enabled: false\n"), 0o600))
	t.Setenv("CLOVER_CONFIG", path)
	t.Setenv("CLOVER_PORT", "9001")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9001, cfg.Port)
	assert.Equal(t, "contacts", cfg.DatabaseName)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{name: "bad port", mutate: func(c *Config) { c.Port = 0 }, errMsg: "port"},
		{name: "auth without issuer", mutate: func(c *Config) { c.AuthEnabled = true }, errMsg: "auth_issuer_url"},
		{name: "kafka without brokers", mutate: func(c *Config) { c.KafkaBrokers = nil }, errMsg: "kafka_brokers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.errMsg)
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	cfg := New()
	cfg.DatabaseUserName = "clover"
	cfg.DatabasePassword = "secret"
	assert.Equal(t, "host=localhost port=5432 user=clover password=secret dbname=clover sslmode=disable", cfg.DatabaseDSN())
}
