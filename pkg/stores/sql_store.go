package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/drplane/drplane/pkg/engine"

	// PostgreSQL driver
	_ "github.com/lib/pq"
	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// SQLStore implements engine.Store on SQLite or PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	cfg     Config
}

var _ engine.Store = (*SQLStore)(nil)

// NewSQLStore validates cfg and returns an unopened store. Call Init before use.
func NewSQLStore(cfg Config) (*SQLStore, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SQLStore{dialect: cfg.Driver, cfg: cfg}, nil
}

// NewWithDB wraps an already opened database handle.
func NewWithDB(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, cfg: Config{Driver: dialect}}
}

// Init opens the database connection and configures the pool.
func (s *SQLStore) Init(ctx context.Context) error {
	db, err := sql.Open(s.dialect.driverName(), s.cfg.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	maxOpen := s.cfg.MaxOpenConns
	if s.cfg.inMemory() {
		// Every connection to :memory: is a distinct database.
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Dialect returns the SQL dialect of the store.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

func (s *SQLStore) migrator() (*migrate.Migrate, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	sub, err := fs.Sub(migrationsFS, "migrations/"+string(s.dialect))
	if err != nil {
		return nil, fmt.Errorf("failed to open migrations: %w", err)
	}
	sourceDriver, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	var driver database.Driver
	switch s.dialect {
	case DialectPostgres:
		driver, err = migratepg.WithInstance(s.db, &migratepg.Config{})
	default:
		driver, err = migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, string(s.dialect), driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

// Migrate applies every pending migration.
func (s *SQLStore) Migrate(_ context.Context) error {
	m, err := s.migrator()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// MigrateDown reverts every applied migration.
func (s *SQLStore) MigrateDown(_ context.Context) error {
	m, err := s.migrator()
	if err != nil {
		return err
	}
	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to revert migrations: %w", err)
	}
	return nil
}

// MigrationVersion reports the applied schema version.
func (s *SQLStore) MigrationVersion(_ context.Context) (version uint, dirty bool, err error) {
	m, err := s.migrator()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read migration version: %w", err)
	}
	return version, dirty, nil
}

// rebind rewrites ? placeholders into the dialect's bind syntax.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

const deploymentColumns = `id, tenant_id, solution_type, operation, source_deployment_id, status, config, logs, created_by, created_at, updated_at`

// CreateDeployment creates a new deployment record
func (s *SQLStore) CreateDeployment(ctx context.Context, d *engine.Deployment) error {
	query := s.rebind(`
		INSERT INTO deployments (` + deploymentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = d.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, query,
		d.ID,
		d.TenantID,
		string(d.Solution),
		string(d.Operation),
		nullString(d.SourceDeploymentID),
		string(d.Status),
		d.Config,
		d.Logs,
		nullString(d.CreatedBy),
		d.CreatedAt.UTC(),
		d.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create deployment: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row rowScanner) (*engine.Deployment, error) {
	var (
		d                       engine.Deployment
		solution, operation, st string
		sourceID, createdBy     sql.NullString
	)
	err := row.Scan(
		&d.ID,
		&d.TenantID,
		&solution,
		&operation,
		&sourceID,
		&st,
		&d.Config,
		&d.Logs,
		&createdBy,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Solution = engine.Solution(solution)
	d.Operation = engine.Operation(operation)
	d.Status = engine.DeploymentStatus(st)
	d.SourceDeploymentID = sourceID.String
	d.CreatedBy = createdBy.String
	return &d, nil
}

// GetDeployment retrieves a deployment by ID
func (s *SQLStore) GetDeployment(ctx context.Context, id string) (*engine.Deployment, error) {
	query := s.rebind(`SELECT ` + deploymentColumns + ` FROM deployments WHERE id = ?`)

	d, err := scanDeployment(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("deployment not found", nil).WithResource(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	return d, nil
}

// ListDeployments lists deployments newest first with optional filters
func (s *SQLStore) ListDeployments(ctx context.Context, filter engine.DeploymentFilter) ([]*engine.Deployment, error) {
	var (
		where []string
		args  []any
	)
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + deploymentColumns + ` FROM deployments`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	limit, offset := page(filter.Limit, filter.Offset)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	deployments := []*engine.Deployment{}
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		deployments = append(deployments, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployments: %w", err)
	}
	return deployments, nil
}

// TransitionDeployment updates the status of a deployment if it is still in from.
func (s *SQLStore) TransitionDeployment(ctx context.Context, id string, from, to engine.DeploymentStatus, logs *string) error {
	if err := to.Validate(); err != nil {
		return engine.NewValidationError(err.Error(), nil)
	}

	now := time.Now().UTC()
	var (
		query string
		args  []any
	)
	if logs != nil {
		query = `UPDATE deployments SET status = ?, logs = ?, updated_at = ? WHERE id = ? AND status = ?`
		args = []any{string(to), *logs, now, id, string(from)}
	} else {
		query = `UPDATE deployments SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
		args = []any{string(to), now, id, string(from)}
	}

	result, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to transition deployment: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT status FROM deployments WHERE id = ?`), id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.NewNotFoundError("deployment not found", nil).WithResource(id)
	}
	if err != nil {
		return fmt.Errorf("failed to read deployment status: %w", err)
	}
	return engine.NewConflictError(fmt.Sprintf("deployment is %s, expected %s", current, from), nil).
		WithResource(id)
}

// UpsertCredential inserts or replaces the credential of a tenant
func (s *SQLStore) UpsertCredential(ctx context.Context, cred *engine.TenantCredential) error {
	query := s.rebind(`
		INSERT INTO tenant_credentials (tenant_id, role_arn, external_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			role_arn = excluded.role_arn,
			external_id = excluded.external_id,
			updated_at = excluded.updated_at
	`)

	now := time.Now().UTC()
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, query,
		cred.TenantID,
		cred.RoleARN,
		cred.ExternalID,
		cred.CreatedAt.UTC(),
		cred.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}
	return nil
}

// GetCredential retrieves the credential of a tenant
func (s *SQLStore) GetCredential(ctx context.Context, tenantID string) (*engine.TenantCredential, error) {
	query := s.rebind(`
		SELECT tenant_id, role_arn, external_id, created_at, updated_at
		FROM tenant_credentials
		WHERE tenant_id = ?
	`)

	cred := &engine.TenantCredential{}
	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(
		&cred.TenantID,
		&cred.RoleARN,
		&cred.ExternalID,
		&cred.CreatedAt,
		&cred.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("credentials not found", nil).WithResource(tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return cred, nil
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLStore) CreateAuditEntry(ctx context.Context, entry *engine.AuditEntry) error {
	query := s.rebind(`
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id
	`)

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	err := s.db.QueryRowContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.Timestamp.UTC(),
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}
	return nil
}

// ListAuditEntries lists audit entries with optional filters and pagination
func (s *SQLStore) ListAuditEntries(ctx context.Context, filter engine.AuditFilter) ([]*engine.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, filter.Actor)
	}

	query := `SELECT id, action, actor, target_id, details, timestamp FROM audit`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`
	limit, offset := page(filter.Limit, filter.Offset)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*engine.AuditEntry{}
	for rows.Next() {
		entry := &engine.AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

func page(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
