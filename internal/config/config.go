package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the daemon configuration. Every field can be overridden
// through the environment variable named in its tag.
type Config struct {
	// DeviceID identifies this device in cross-device sync. Required.
	DeviceID string `env:"CAPSULED_DEVICE_ID"`

	// Listen addresses.
	HTTPAddr    string `env:"CAPSULED_HTTP_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"CAPSULED_METRICS_ADDR" envDefault:":9090"`

	// NATSURL is the message bridge endpoint.
	NATSURL string `env:"CAPSULED_NATS_URL" envDefault:"nats://localhost:4222"`

	// DBPath is the badger directory for durable snapshots.
	DBPath string `env:"CAPSULED_DB_PATH" envDefault:"./data/badger"`

	// Capacity ceilings.
	MaxActiveCapsules    int `env:"CAPSULED_MAX_ACTIVE" envDefault:"256"`
	MaxSuspendedCapsules int `env:"CAPSULED_MAX_SUSPENDED" envDefault:"1024"`

	// OperationTimeout bounds a caller's synchronous wait on a submitted
	// operation. The operation itself keeps running after the wait expires.
	OperationTimeout time.Duration `env:"CAPSULED_OPERATION_TIMEOUT" envDefault:"10s"`

	// MigrationTimeout bounds the wait for a migration acknowledgement
	// before the source rolls back.
	MigrationTimeout time.Duration `env:"CAPSULED_MIGRATION_TIMEOUT" envDefault:"30s"`

	// Recovery knobs.
	RecoveryAttemptLimit  int           `env:"CAPSULED_RECOVERY_ATTEMPT_LIMIT" envDefault:"3"`
	RecoveryBackoffFactor time.Duration `env:"CAPSULED_RECOVERY_BACKOFF" envDefault:"500ms"`
	EnableAutoRecovery    bool          `env:"CAPSULED_AUTO_RECOVERY" envDefault:"true"`

	// Background loop intervals.
	StateCheckInterval  time.Duration `env:"CAPSULED_STATE_CHECK_INTERVAL" envDefault:"15s"`
	CleanupInterval     time.Duration `env:"CAPSULED_CLEANUP_INTERVAL" envDefault:"60s"`
	PersistenceInterval time.Duration `env:"CAPSULED_PERSISTENCE_INTERVAL" envDefault:"30s"`
	SyncInterval        time.Duration `env:"CAPSULED_SYNC_INTERVAL" envDefault:"20s"`

	EnableStatePersistence bool `env:"CAPSULED_STATE_PERSISTENCE" envDefault:"true"`

	// ShardCount is the number of executor worker shards. Operations on the
	// same capsule always land on the same shard.
	ShardCount int `env:"CAPSULED_EXECUTOR_SHARDS" envDefault:"8"`

	// Retention windows for completed operation results and terminated
	// capsules awaiting garbage collection.
	ResultRetention     time.Duration `env:"CAPSULED_RESULT_RETENTION" envDefault:"5m"`
	TerminatedRetention time.Duration `env:"CAPSULED_TERMINATED_RETENTION" envDefault:"10m"`
}

// Default returns the built-in defaults without consulting the environment.
func Default() *Config {
	return &Config{
		HTTPAddr:               ":8080",
		MetricsAddr:            ":9090",
		NATSURL:                "nats://localhost:4222",
		DBPath:                 "./data/badger",
		MaxActiveCapsules:      256,
		MaxSuspendedCapsules:   1024,
		OperationTimeout:       10 * time.Second,
		MigrationTimeout:       30 * time.Second,
		RecoveryAttemptLimit:   3,
		RecoveryBackoffFactor:  500 * time.Millisecond,
		EnableAutoRecovery:     true,
		StateCheckInterval:     15 * time.Second,
		CleanupInterval:        60 * time.Second,
		PersistenceInterval:    30 * time.Second,
		SyncInterval:           20 * time.Second,
		EnableStatePersistence: true,
		ShardCount:             8,
		ResultRetention:        5 * time.Minute,
		TerminatedRetention:    10 * time.Minute,
	}
}

// Load parses the environment into a Config and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("device id is required (CAPSULED_DEVICE_ID)")
	}
	if c.ShardCount < 1 {
		return fmt.Errorf("executor shard count must be at least 1, got %d", c.ShardCount)
	}
	if c.MaxActiveCapsules < 1 {
		return fmt.Errorf("max active capsules must be at least 1, got %d", c.MaxActiveCapsules)
	}
	if c.MaxSuspendedCapsules < 0 {
		return fmt.Errorf("max suspended capsules must not be negative, got %d", c.MaxSuspendedCapsules)
	}
	if c.RecoveryAttemptLimit < 0 {
		return fmt.Errorf("recovery attempt limit must not be negative, got %d", c.RecoveryAttemptLimit)
	}
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("operation timeout must be positive, got %s", c.OperationTimeout)
	}
	if c.MigrationTimeout <= 0 {
		return fmt.Errorf("migration timeout must be positive, got %s", c.MigrationTimeout)
	}
	return nil
}
