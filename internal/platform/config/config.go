package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"

	pstrings "enrolld/pkg/platform/strings"
)

// Config captures everything the server needs from the environment so main
// stays lean.
type Config struct {
	Addr string `env:"ENROLLD_ADDR" envDefault:":8080"`

	// Redis backs the session store. Required in production; tests use the
	// in-memory store instead.
	Redis RedisConfig `envPrefix:"ENROLLD_REDIS_"`

	// EntityStore points at the remote OData platform that owns the
	// business records.
	EntityStore EntityStoreConfig `envPrefix:"ENROLLD_ENTITY_STORE_"`

	// Kafka carries lifecycle events for out-of-band subscribers. Optional;
	// empty brokers disable the publisher.
	Kafka KafkaConfig `envPrefix:"ENROLLD_KAFKA_"`

	// AuditDSN is the Postgres DSN for the audit event sink. Optional.
	AuditDSN string `env:"ENROLLD_AUDIT_DSN"`

	// JWTSigningKey verifies the approver capability tokens presented to
	// the approve endpoint. Issuance happens elsewhere.
	JWTSigningKey string `env:"ENROLLD_JWT_SIGNING_KEY"`

	// ApprovalTTL and PaymentTTL bound how long a session of each flow may
	// stay in progress before lazy expiry reclaims it.
	ApprovalTTL time.Duration `env:"ENROLLD_APPROVAL_TTL" envDefault:"24h"`
	PaymentTTL  time.Duration `env:"ENROLLD_PAYMENT_TTL" envDefault:"48h"`

	// SweepInterval controls the background reclamation loop. Correctness
	// never depends on it; it only bounds storage growth.
	SweepInterval time.Duration `env:"ENROLLD_SWEEP_INTERVAL" envDefault:"10m"`
}

// RedisConfig tunes the shared Redis client.
type RedisConfig struct {
	URL          string        `env:"URL"`
	PoolSize     int           `env:"POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"3s"`
}

// EntityStoreConfig configures the remote entity platform client.
type EntityStoreConfig struct {
	BaseURL string        `env:"BASE_URL"`
	Token   string        `env:"TOKEN"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"15s"`
}

// KafkaConfig configures the lifecycle event publisher.
type KafkaConfig struct {
	Brokers []string `env:"BROKERS" envSeparator:","`
	Topic   string   `env:"TOPIC" envDefault:"enrolld.lifecycle"`
}

// FromEnv parses configuration from environment variables.
func FromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	// Broker lists arrive comma-separated from deploy tooling; stray blanks
	// and repeats are common.
	cfg.Kafka.Brokers = pstrings.DedupeAndTrimLower(cfg.Kafka.Brokers)
	return cfg, nil
}
