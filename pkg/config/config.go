// Package config defines the explicit configuration record for the
// audit store. Every recognized option is an enumerated field with a
// documented default; unknown YAML keys are rejected at load time.
package config

import (
	"time"

	"github.com/vaultline/auditcore/pkg/event"
)

// Database configures the relational store.
type Database struct {
	// Driver selects the backend: "postgres" (default) or "sqlite".
	Driver string `yaml:"driver"`
	// Path is the database file for the sqlite driver.
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSL      bool   `yaml:"ssl"`
	// PoolSize caps open connections, default 20.
	PoolSize int `yaml:"pool_size"`
	// IdleTimeoutMs closes idle connections, default 30000.
	IdleTimeoutMs int  `yaml:"idle_timeout_ms"`
	Debug         bool `yaml:"debug"`
}

// Crypto configures signing and digest computation. PrivateKey and
// PublicKey are PEM blocks; at least one is required.
type Crypto struct {
	// Algorithm is the signing algorithm, default RSA-SHA256.
	Algorithm string `yaml:"algorithm"`
	// HashAlgorithm is the digest algorithm, default sha256.
	HashAlgorithm string `yaml:"hash_algorithm"`
	PrivateKey    string `yaml:"private_key"`
	PublicKey     string `yaml:"public_key"`
}

// Application tunes the ingest path.
type Application struct {
	// MaxBulkEvents caps one bulk submission, default 1000.
	MaxBulkEvents int `yaml:"max_bulk_events"`
	// CreateEventTimeoutMs bounds one chain commit, default 5000.
	CreateEventTimeoutMs int `yaml:"create_event_timeout_ms"`
	// BacklogMaxPerStream refuses submissions for a stream whose
	// backlog is at capacity. Zero means unbounded.
	BacklogMaxPerStream int `yaml:"backlog_max_per_stream"`
	// RateLimitRPM / RateLimitBurst enable per-stream submission rate
	// limiting when positive.
	RateLimitRPM   int `yaml:"rate_limit_rpm"`
	RateLimitBurst int `yaml:"rate_limit_burst"`
	// RedisAddr shares rate-limit buckets across replicas. Empty
	// selects the in-process limiter.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// Integrity configures sealing, verification and WORM export.
type Integrity struct {
	// PartitionDays chunks WORM exports, default 7.
	PartitionDays int `yaml:"partition_days"`
	// SealAfterDays is the age at which ranges are eligible for
	// sealing, default 30.
	SealAfterDays int  `yaml:"seal_after_days"`
	WORMEnabled   bool `yaml:"worm_enabled"`
	// WORMStorage selects the sink: "filesystem" (default), "s3" or
	// "gcs".
	WORMStorage     string `yaml:"worm_storage"`
	WORMStoragePath string `yaml:"worm_storage_path"`
	WORMBucket      string `yaml:"worm_bucket"`
	WORMRegion      string `yaml:"worm_region"`
	WORMEndpoint    string `yaml:"worm_endpoint"`
	WORMPrefix      string `yaml:"worm_prefix"`
	// ValidateOnQuery re-verifies every page returned by query calls.
	ValidateOnQuery bool `yaml:"validate_on_query"`
	// ScheduledValidationIntervalS runs a background verification
	// sweep when positive.
	ScheduledValidationIntervalS int `yaml:"scheduled_validation_interval_s"`
}

// Worker tunes the backlog drain loop.
type Worker struct {
	// Enabled starts the backlog worker with the client, default true.
	Enabled *bool `yaml:"enabled"`
	// BatchSize caps rows claimed per tick, default 100.
	BatchSize int `yaml:"batch_size"`
	// MaxAttempts dead-letters a backlog row, default 10.
	MaxAttempts int `yaml:"max_attempts"`
	// IntervalMs is the tick period, default 10000.
	IntervalMs int `yaml:"interval_ms"`
}

// Observability configures OpenTelemetry export. Disabled by default.
type Observability struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
}

// Config is the full configuration record.
type Config struct {
	Database      Database      `yaml:"database"`
	Crypto        Crypto        `yaml:"crypto"`
	Application   Application   `yaml:"application"`
	Integrity     Integrity     `yaml:"integrity"`
	Worker        Worker        `yaml:"worker"`
	Observability Observability `yaml:"observability"`

	// ProjectID and EnvironmentID are the default stream for client
	// calls that do not pass one explicitly.
	ProjectID     string `yaml:"project_id"`
	EnvironmentID string `yaml:"environment_id"`
}

// Defaults returns a Config with every documented default applied.
func Defaults() Config {
	var c Config
	c.applyDefaults()
	return c
}

// ApplyDefaults fills zero-valued fields with their documented
// defaults. Load and LoadFile do this automatically; callers building
// a Config in code call it before use.
func (c *Config) ApplyDefaults() { c.applyDefaults() }

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.PoolSize == 0 {
		c.Database.PoolSize = 20
	}
	if c.Database.IdleTimeoutMs == 0 {
		c.Database.IdleTimeoutMs = 30000
	}
	if c.Crypto.Algorithm == "" {
		c.Crypto.Algorithm = "RSA-SHA256"
	}
	if c.Crypto.HashAlgorithm == "" {
		c.Crypto.HashAlgorithm = "sha256"
	}
	if c.Application.MaxBulkEvents == 0 {
		c.Application.MaxBulkEvents = 1000
	}
	if c.Application.CreateEventTimeoutMs == 0 {
		c.Application.CreateEventTimeoutMs = 5000
	}
	if c.Integrity.PartitionDays == 0 {
		c.Integrity.PartitionDays = 7
	}
	if c.Integrity.SealAfterDays == 0 {
		c.Integrity.SealAfterDays = 30
	}
	if c.Integrity.WORMStorage == "" {
		c.Integrity.WORMStorage = "filesystem"
	}
	if c.Worker.Enabled == nil {
		enabled := true
		c.Worker.Enabled = &enabled
	}
	if c.Worker.BatchSize == 0 {
		c.Worker.BatchSize = 100
	}
	if c.Worker.MaxAttempts == 0 {
		c.Worker.MaxAttempts = 10
	}
	if c.Worker.IntervalMs == 0 {
		c.Worker.IntervalMs = 10000
	}
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = "auditcore"
	}
	if c.Observability.OTLPEndpoint == "" {
		c.Observability.OTLPEndpoint = "localhost:4317"
	}
}

// Validate checks cross-field consistency. Every violation surfaces as
// invalid_configuration.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return event.Ef(event.CodeInvalidConfiguration, "unknown database driver %q", c.Database.Driver)
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		return event.E(event.CodeInvalidConfiguration, "sqlite driver requires database.path")
	}
	if c.Crypto.PrivateKey == "" && c.Crypto.PublicKey == "" {
		return event.E(event.CodeInvalidConfiguration, "crypto.private_key or crypto.public_key is required")
	}
	if c.Integrity.WORMEnabled {
		switch c.Integrity.WORMStorage {
		case "filesystem":
			if c.Integrity.WORMStoragePath == "" {
				return event.E(event.CodeInvalidConfiguration, "worm_enabled requires worm_storage_path")
			}
		case "s3", "gcs":
			if c.Integrity.WORMBucket == "" {
				return event.Ef(event.CodeInvalidConfiguration, "%s worm storage requires worm_bucket", c.Integrity.WORMStorage)
			}
		default:
			return event.Ef(event.CodeInvalidConfiguration, "unknown worm storage %q", c.Integrity.WORMStorage)
		}
	}
	if c.Application.RateLimitRPM < 0 || c.Application.RateLimitBurst < 0 {
		return event.E(event.CodeInvalidConfiguration, "rate limit values must not be negative")
	}
	return nil
}

// CommitTimeout is CreateEventTimeoutMs as a Duration.
func (c *Config) CommitTimeout() time.Duration {
	return time.Duration(c.Application.CreateEventTimeoutMs) * time.Millisecond
}

// WorkerInterval is Worker.IntervalMs as a Duration.
func (c *Config) WorkerInterval() time.Duration {
	return time.Duration(c.Worker.IntervalMs) * time.Millisecond
}

// IdleTimeout is Database.IdleTimeoutMs as a Duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Database.IdleTimeoutMs) * time.Millisecond
}
