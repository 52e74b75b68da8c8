// Package config holds the Clover service configuration.
package config

import (
	"fmt"
	"time"
)

type Config struct {
	AppName            string        `koanf:"app_name"`
	Version            string        `koanf:"version"`
	Port               int           `koanf:"port"`
	LogLevel           string        `koanf:"log_level"`
	PrettyLogs         bool          `koanf:"pretty_logs"`
	HTTPReadTimeout    time.Duration `koanf:"http_read_timeout"`
	HTTPWriteTimeout   time.Duration `koanf:"http_write_timeout"`
	HTTPIdleTimeout    time.Duration `koanf:"http_idle_timeout"`
	ShutdownTimeout    time.Duration `koanf:"shutdown_timeout"`
	StartupMaxAttempts int           `koanf:"startup_max_attempts"`

	// PostgreSQL
	DatabaseHost                  string        `koanf:"db_host"`
	DatabasePort                  int           `koanf:"db_port"`
	DatabaseUserName              string        `koanf:"db_user_name"`
	DatabasePassword              string        `koanf:"db_password"`
	DatabaseName                  string        `koanf:"db_name"`
	DatabaseSSLMode               string        `koanf:"db_ssl_mode"`
	DatabaseMaxOpenConns          int           `koanf:"db_max_open_conns"`
	DatabaseMaxIdleConns          int           `koanf:"db_max_idle_conns"`
	DatabaseConnMaxLifetime       time.Duration `koanf:"db_conn_max_lifetime"`
	DatabaseMigrationFolderPath   string        `koanf:"db_migration_folder_path"`
	DatabaseMigrationVersion      uint          `koanf:"db_migration_version"`
	DatabaseMigrationForce        int           `koanf:"db_migration_force"`
	DatabaseMigrationAutoRollback bool          `koanf:"db_migration_auto_rollback"`

	// Redis backs the per-email write lock; empty falls back to PostgreSQL advisory locks
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`

	LockKeyPrefix   string        `koanf:"lock_key_prefix"`
	LockTTL         time.Duration `koanf:"lock_ttl"`
	LockWaitTimeout time.Duration `koanf:"lock_wait_timeout"`

	// Auth
	AuthEnabled   bool   `koanf:"auth_enabled"`
	AuthIssuerURL string `koanf:"auth_issuer_url"`
	AuthClientID  string `koanf:"auth_client_id"`

	// Kafka
	KafkaBrokers         []string      `koanf:"kafka_brokers"`
	KafkaConsumerEnabled bool          `koanf:"kafka_consumer_enabled"`
	KafkaIngestTopic     string        `koanf:"kafka_ingest_topic"`
	KafkaConsumerGroup   string        `koanf:"kafka_consumer_group"`
	KafkaDeadLetterTopic string        `koanf:"kafka_dead_letter_topic"`
	KafkaMaxAttempts     int           `koanf:"kafka_max_attempts"`
	KafkaProducerEnabled bool          `koanf:"kafka_producer_enabled"`
	KafkaEventsTopic     string        `koanf:"kafka_events_topic"`
	KafkaBatchSize       int           `koanf:"kafka_batch_size"`
	KafkaBatchTimeout    time.Duration `koanf:"kafka_batch_timeout"`
	KafkaRequiredAcks    int           `koanf:"kafka_required_acks"`
	KafkaCompression     string        `koanf:"kafka_compression"`

	// Matching
	MergeMinConfidence        string `koanf:"merge_min_confidence"`
	MatchDomainCandidateLimit int    `koanf:"match_domain_candidate_limit"`
	MatchSearchCandidateLimit int    `koanf:"match_search_candidate_limit"`

	// Tracing stays disabled while the endpoint is empty
	TracingEndpoint string `koanf:"tracing_endpoint"`
	TracingProtocol string `koanf:"tracing_protocol"`
	TracingInsecure bool   `koanf:"tracing_insecure"`
}

// New returns a Config populated with defaults
func New() *Config {
	return &Config{
		AppName:            "clover-api",
		Version:            "dev",
		Port:               3004,
		LogLevel:           "info",
		HTTPReadTimeout:    10 * time.Second,
		HTTPWriteTimeout:   10 * time.Second,
		HTTPIdleTimeout:    60 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		StartupMaxAttempts: 5,

		DatabaseHost:                  "localhost",
		DatabasePort:                  5432,
		DatabaseName:                  "clover",
		DatabaseSSLMode:               "disable",
		DatabaseMaxOpenConns:          25,
		DatabaseMaxIdleConns:          10,
		DatabaseConnMaxLifetime:       5 * time.Minute,
		DatabaseMigrationFolderPath:   "db/pg",
		DatabaseMigrationAutoRollback: true,

		LockKeyPrefix:   "clover:lock:",
		LockTTL:         30 * time.Second,
		LockWaitTimeout: 5 * time.Second,

		KafkaBrokers:         []string{"localhost:9092"},
		KafkaConsumerEnabled: true,
		KafkaIngestTopic:     "contact-ingest",
		KafkaConsumerGroup:   "clover-ingest",
		KafkaDeadLetterTopic: "contact-ingest-dlq",
		KafkaMaxAttempts:     5,
		KafkaProducerEnabled: true,
		KafkaEventsTopic:     "contact-events",
		KafkaBatchSize:       100,
		KafkaBatchTimeout:    50 * time.Millisecond,
		KafkaRequiredAcks:    1,
		KafkaCompression:     "snappy",

		MergeMinConfidence:        "MEDIUM",
		MatchDomainCandidateLimit: 200,
		MatchSearchCandidateLimit: 50,

		TracingProtocol: "grpc",
		TracingInsecure: true,
	}
}

// DatabaseDSN builds the lib/pq connection string
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DatabaseHost, c.DatabasePort, c.DatabaseUserName, c.DatabasePassword, c.DatabaseName, c.DatabaseSSLMode)
}
