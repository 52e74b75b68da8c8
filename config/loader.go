package config

import (
	"errors"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	pkgerrors "github.com/pkg/errors"
)

const envPrefix = "CLOVER_"

// Load builds a Config by layering, lowest precedence first:
//  1. defaults (New)
//  2. a YAML file when CLOVER_CONFIG is set
//  3. environment variables with the CLOVER_ prefix (a .env file is read first when present)
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, pkgerrors.Wrap(err, "load .env")
	}

	k := koanf.New(".")

	if path := os.Getenv(envPrefix + "CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, pkgerrors.Wrapf(err, "load config file %s", path)
		}
	}

	// CLOVER_DB_HOST -> db_host
	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, pkgerrors.Wrap(err, "load environment")
	}

	cfg := *New()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, pkgerrors.Wrap(err, "decode config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the service cannot start with
func (c *Config) Validate() error {
	if c.Port <= 0 {
		return errors.New("port must be positive")
	}
	if c.DatabaseHost == "" {
		return errors.New("db_host must not be empty")
	}
	if c.AuthEnabled && (c.AuthIssuerURL == "" || c.AuthClientID == "") {
		return errors.New("auth_issuer_url and auth_client_id are required when auth is enabled")
	}
	if (c.KafkaConsumerEnabled || c.KafkaProducerEnabled) && len(c.KafkaBrokers) == 0 {
		return errors.New("kafka_brokers must not be empty when kafka is enabled")
	}
	return nil
}
