package config

import (
	"bytes"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/vaultline/auditcore/pkg/event"
)

// LoadFile reads a YAML configuration file, applies defaults and
// validates. Unknown keys are rejected so typos fail loudly.
func LoadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, event.Wrap(event.CodeInvalidConfiguration, "read config file", err)
	}
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, event.Wrap(event.CodeInvalidConfiguration, "parse config file", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load builds a configuration from environment variables, applying
// defaults for everything unset. Recognized variables use the
// AUDITCORE_ prefix; see the Config field docs for semantics.
func Load() (*Config, error) {
	var c Config
	c.Database.Driver = getenv("AUDITCORE_DB_DRIVER", "")
	c.Database.Path = getenv("AUDITCORE_DB_PATH", "")
	c.Database.Host = getenv("AUDITCORE_DB_HOST", "")
	c.Database.Port = getenvInt("AUDITCORE_DB_PORT", 0)
	c.Database.User = getenv("AUDITCORE_DB_USER", "")
	c.Database.Password = getenv("AUDITCORE_DB_PASSWORD", "")
	c.Database.Database = getenv("AUDITCORE_DB_NAME", "")
	c.Database.SSL = getenvBool("AUDITCORE_DB_SSL")
	c.Database.PoolSize = getenvInt("AUDITCORE_DB_POOL_SIZE", 0)
	c.Database.IdleTimeoutMs = getenvInt("AUDITCORE_DB_IDLE_TIMEOUT_MS", 0)
	c.Database.Debug = getenvBool("AUDITCORE_DB_DEBUG")

	c.Crypto.Algorithm = getenv("AUDITCORE_CRYPTO_ALGORITHM", "")
	c.Crypto.HashAlgorithm = getenv("AUDITCORE_CRYPTO_HASH_ALGORITHM", "")
	c.Crypto.PrivateKey = getenv("AUDITCORE_CRYPTO_PRIVATE_KEY", "")
	c.Crypto.PublicKey = getenv("AUDITCORE_CRYPTO_PUBLIC_KEY", "")

	c.Application.MaxBulkEvents = getenvInt("AUDITCORE_MAX_BULK_EVENTS", 0)
	c.Application.CreateEventTimeoutMs = getenvInt("AUDITCORE_CREATE_EVENT_TIMEOUT_MS", 0)
	c.Application.BacklogMaxPerStream = getenvInt("AUDITCORE_BACKLOG_MAX_PER_STREAM", 0)
	c.Application.RateLimitRPM = getenvInt("AUDITCORE_RATE_LIMIT_RPM", 0)
	c.Application.RateLimitBurst = getenvInt("AUDITCORE_RATE_LIMIT_BURST", 0)
	c.Application.RedisAddr = getenv("AUDITCORE_REDIS_ADDR", "")
	c.Application.RedisPassword = getenv("AUDITCORE_REDIS_PASSWORD", "")
	c.Application.RedisDB = getenvInt("AUDITCORE_REDIS_DB", 0)

	c.Integrity.PartitionDays = getenvInt("AUDITCORE_PARTITION_DAYS", 0)
	c.Integrity.SealAfterDays = getenvInt("AUDITCORE_SEAL_AFTER_DAYS", 0)
	c.Integrity.WORMEnabled = getenvBool("AUDITCORE_WORM_ENABLED")
	c.Integrity.WORMStorage = getenv("AUDITCORE_WORM_STORAGE", "")
	c.Integrity.WORMStoragePath = getenv("AUDITCORE_WORM_STORAGE_PATH", "")
	c.Integrity.WORMBucket = getenv("AUDITCORE_WORM_BUCKET", "")
	c.Integrity.WORMRegion = getenv("AUDITCORE_WORM_REGION", "")
	c.Integrity.WORMEndpoint = getenv("AUDITCORE_WORM_ENDPOINT", "")
	c.Integrity.WORMPrefix = getenv("AUDITCORE_WORM_PREFIX", "")
	c.Integrity.ValidateOnQuery = getenvBool("AUDITCORE_VALIDATE_ON_QUERY")
	c.Integrity.ScheduledValidationIntervalS = getenvInt("AUDITCORE_SCHEDULED_VALIDATION_INTERVAL_S", 0)

	if v, set := os.LookupEnv("AUDITCORE_WORKER_ENABLED"); set {
		enabled := v == "true" || v == "1"
		c.Worker.Enabled = &enabled
	}
	c.Worker.BatchSize = getenvInt("AUDITCORE_WORKER_BATCH_SIZE", 0)
	c.Worker.MaxAttempts = getenvInt("AUDITCORE_WORKER_MAX_ATTEMPTS", 0)
	c.Worker.IntervalMs = getenvInt("AUDITCORE_WORKER_INTERVAL_MS", 0)

	c.Observability.Enabled = getenvBool("AUDITCORE_OTEL_ENABLED")
	c.Observability.OTLPEndpoint = getenv("AUDITCORE_OTEL_ENDPOINT", "")
	c.Observability.Insecure = getenvBool("AUDITCORE_OTEL_INSECURE")
	c.Observability.ServiceName = getenv("AUDITCORE_OTEL_SERVICE_NAME", "")

	c.ProjectID = getenv("AUDITCORE_PROJECT_ID", "")
	c.EnvironmentID = getenv("AUDITCORE_ENVIRONMENT_ID", "")

	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string) bool {
	v := os.Getenv(key)
	return v == "true" || v == "1"
}
