package stores

import (
	"fmt"
	"strings"
	"time"
)

// Dialect selects the SQL backend.
type Dialect string

const (
	// DialectSQLite stores data in a local SQLite file.
	DialectSQLite Dialect = "sqlite"

	// DialectPostgres stores data in PostgreSQL.
	DialectPostgres Dialect = "postgres"
)

func (d Dialect) driverName() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// ParseDialect converts a configuration value into a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "", "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pgx":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unsupported database driver: %s", s)
	}
}

// Config holds SQL store configuration
type Config struct {
	// Driver selects SQLite or PostgreSQL.
	Driver Dialect

	// Path is the SQLite database file, or ":memory:".
	Path string

	// DSN is the PostgreSQL connection string.
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (c *Config) setDefaults() {
	if c.Driver == "" {
		c.Driver = DialectSQLite
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
}

// Validate checks that the configuration names a reachable database.
func (c Config) Validate() error {
	switch c.Driver {
	case DialectSQLite:
		if c.Path == "" {
			return fmt.Errorf("database path is required")
		}
	case DialectPostgres:
		if c.DSN == "" {
			return fmt.Errorf("database dsn is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Driver)
	}
	return nil
}

func (c Config) inMemory() bool {
	return c.Driver == DialectSQLite && strings.HasPrefix(c.Path, ":memory:")
}

func (c Config) dsn() string {
	if c.Driver == DialectPostgres {
		return c.DSN
	}
	sep := "?"
	if strings.Contains(c.Path, "?") {
		sep = "&"
	}
	pragmas := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if !c.inMemory() {
		pragmas += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	return c.Path + sep + pragmas
}
