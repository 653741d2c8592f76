package config

import (
	"time"

	"github.com/drplane/drplane/pkg/telemetry"
)

// Config is the complete server configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server" envPrefix:"SERVER_"`
	Database  DatabaseConfig   `yaml:"database" envPrefix:"DATABASE_"`
	Terraform TerraformConfig  `yaml:"terraform" envPrefix:"TERRAFORM_"`
	AWS       AWSConfig        `yaml:"aws" envPrefix:"AWS_"`
	Scheduler SchedulerConfig  `yaml:"scheduler" envPrefix:"SCHEDULER_"`
	Redis     RedisConfig      `yaml:"redis" envPrefix:"REDIS_"`
	Auth      AuthConfig       `yaml:"auth" envPrefix:"AUTH_"`
	Policy    PolicyConfig     `yaml:"policy" envPrefix:"POLICY_"`
	Telemetry telemetry.Config `yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address of the API.
	Addr string `yaml:"addr" env:"ADDR" validate:"required"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"READ_HEADER_TIMEOUT" validate:"gt=0"`

	// ShutdownTimeout bounds graceful shutdown, including waiting for
	// running pipelines.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" validate:"gt=0"`

	// AllowedOrigins restricts WebSocket origins. Empty allows any.
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`

	// RequireWebSocketToken rejects WebSocket upgrades without a bearer token.
	RequireWebSocketToken bool `yaml:"require_websocket_token" env:"REQUIRE_WS_TOKEN"`
}

// DatabaseConfig selects and tunes the SQL store.
type DatabaseConfig struct {
	Driver string `yaml:"driver" env:"DRIVER" validate:"oneof=sqlite postgres"`

	// Path is the SQLite file.
	Path string `yaml:"path" env:"PATH" validate:"required_if=Driver sqlite"`

	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn" env:"DSN" validate:"required_if=Driver postgres"`

	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`

	// AutoMigrate applies pending migrations at startup.
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// TerraformConfig locates the tool and the solution directories.
type TerraformConfig struct {
	Binary string `yaml:"binary" env:"BINARY" validate:"required"`

	// RootDir contains the solution directories.
	RootDir     string `yaml:"root_dir" env:"ROOT_DIR" validate:"required"`
	ReplicaDir  string `yaml:"replica_dir" env:"REPLICA_DIR" validate:"required"`
	SnapshotDir string `yaml:"snapshot_dir" env:"SNAPSHOT_DIR" validate:"required"`
}

// AWSConfig configures role assumption.
type AWSConfig struct {
	// Region is exported to every tool invocation and used for STS.
	Region string `yaml:"region" env:"REGION" validate:"required"`

	// STSEndpoint overrides the STS endpoint, e.g. for a local emulator.
	STSEndpoint string `yaml:"sts_endpoint" env:"STS_ENDPOINT" validate:"omitempty,url"`

	SessionDuration time.Duration `yaml:"session_duration" env:"SESSION_DURATION" validate:"gte=15m,lte=12h"`
}

// SchedulerConfig bounds pipeline concurrency.
type SchedulerConfig struct {
	MaxConcurrentRuns int           `yaml:"max_concurrent_runs" env:"MAX_CONCURRENT_RUNS" validate:"gt=0"`
	StartDelay        time.Duration `yaml:"start_delay" env:"START_DELAY" validate:"gte=0"`
}

// RedisConfig enables the distributed tenant lock. An empty Addr keeps the
// in-process lock.
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"ADDR" validate:"omitempty,hostname_port"`
	Password string        `yaml:"password" env:"PASSWORD"`
	DB       int           `yaml:"db" env:"DB" validate:"gte=0"`
	LockTTL  time.Duration `yaml:"lock_ttl" env:"LOCK_TTL" validate:"gte=0"`
}

// Enabled reports whether a Redis server is configured.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// AuthConfig configures bearer-token verification.
type AuthConfig struct {
	// JWTSecret is the HMAC key tokens are signed with.
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET" validate:"omitempty,min=16"`

	Issuer   string `yaml:"issuer" env:"ISSUER"`
	Audience string `yaml:"audience" env:"AUDIENCE"`
}

// PolicyConfig locates operator authorization policies.
type PolicyConfig struct {
	// Dir holds .rego modules loaded on top of the built-in policy. Empty
	// means built-in only.
	Dir string `yaml:"dir" env:"DIR"`

	// Watch reloads Dir on change.
	Watch bool `yaml:"watch" env:"WATCH"`
}
