package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/drplane/drplane/pkg/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DRPLANE_"

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			Path:            "drplane.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			AutoMigrate:     true,
		},
		Terraform: TerraformConfig{
			Binary:      "terraform",
			RootDir:     ".",
			ReplicaDir:  "terraform",
			SnapshotDir: "snapshot-resources",
		},
		AWS: AWSConfig{
			Region:          "us-east-1",
			SessionDuration: time.Hour,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentRuns: 10,
		},
		Redis: RedisConfig{
			LockTTL: 30 * time.Second,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Options controls where Load reads from.
type Options struct {
	// Path is a YAML file. Empty skips the file.
	Path string

	// EnvFiles are .env files merged under the process environment.
	// Missing files are ignored.
	EnvFiles []string

	// Environ replaces os.Environ, for tests.
	Environ []string
}

// Load builds the configuration from defaults, the YAML file, .env files,
// and DRPLANE_* environment variables, in increasing precedence, then
// validates it.
func Load(opts Options) (*Config, error) {
	cfg := Default()

	if opts.Path != "" {
		if err := loadFile(opts.Path, cfg); err != nil {
			return nil, err
		}
	}

	vars, err := environment(opts)
	if err != nil {
		return nil, err
	}
	if err := env.ParseWithOptions(cfg, env.Options{
		Prefix:      EnvPrefix,
		Environment: vars,
	}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty file keeps the defaults.
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func environment(opts Options) (map[string]string, error) {
	vars := map[string]string{}
	for _, f := range opts.EnvFiles {
		fileVars, err := godotenv.Read(f)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read env file %s: %w", f, err)
		}
		for k, v := range fileVars {
			vars[k] = v
		}
	}

	environ := opts.Environ
	if environ == nil {
		environ = os.Environ()
	}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			vars[k] = v
		}
	}
	return vars, nil
}

// Validate checks struct constraints and the telemetry section.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("invalid configuration: %s", formatValidationErrors(verrs))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Terraform.ReplicaDir == c.Terraform.SnapshotDir {
		return fmt.Errorf("invalid configuration: terraform.replica_dir and terraform.snapshot_dir must differ")
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}

func formatValidationErrors(errs validator.ValidationErrors) string {
	msgs := make([]string, 0, len(errs))
	for _, fe := range errs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

// RequireAuth checks the settings only the API server needs.
func (c *Config) RequireAuth() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("invalid configuration: auth.jwt_secret is required (set %sAUTH_JWT_SECRET)", EnvPrefix)
	}
	return nil
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	if c.Auth.JWTSecret != "" {
		c.Auth.JWTSecret = "[redacted]"
	}
	if c.Redis.Password != "" {
		c.Redis.Password = "[redacted]"
	}
	if c.Database.DSN != "" {
		c.Database.DSN = "[redacted]"
	}
	return c
}
