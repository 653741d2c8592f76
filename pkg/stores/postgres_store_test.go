package stores

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drplane/drplane/pkg/engine"
)

func setupMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db, DialectPostgres), mock
}

func TestRebind(t *testing.T) {
	pg := NewWithDB(nil, DialectPostgres)
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2 LIMIT $3", pg.rebind("SELECT * FROM t WHERE a = ? AND b = ? LIMIT ?"))

	lite := NewWithDB(nil, DialectSQLite)
	assert.Equal(t, "SELECT * FROM t WHERE a = ?", lite.rebind("SELECT * FROM t WHERE a = ?"))
}

func TestPostgresCreateDeployment(t *testing.T) {
	store, mock := setupMockStore(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := newDeployment("dep-001", "acme", engine.StatusPending, created)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO deployments (" + deploymentColumns + ") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)")).
		WithArgs("dep-001", "acme", "SNAPSHOT", "apply", nil, "PENDING", d.Config, "", "user-1", created, created).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.CreateDeployment(context.Background(), d)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetDeployment(t *testing.T) {
	store, mock := setupMockStore(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	columns := []string{"id", "tenant_id", "solution_type", "operation", "source_deployment_id", "status", "config", "logs", "created_by", "created_at", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM deployments WHERE id = $1")).
		WithArgs("dep-002").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("dep-002", "acme", "READ_REPLICA", "destroy", "dep-001", "RUNNING", "{}", "", nil, created, created))

	mock.ExpectQuery(regexp.QuoteMeta("FROM deployments WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(columns))

	d, err := store.GetDeployment(context.Background(), "dep-002")
	require.NoError(t, err)
	assert.Equal(t, engine.SolutionReadReplica, d.Solution)
	assert.Equal(t, engine.OperationDestroy, d.Operation)
	assert.Equal(t, "dep-001", d.SourceDeploymentID)
	assert.Equal(t, engine.StatusRunning, d.Status)
	assert.Empty(t, d.CreatedBy)

	_, err = store.GetDeployment(context.Background(), "missing")
	assert.True(t, engine.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListDeploymentsBindsFilters(t *testing.T) {
	store, mock := setupMockStore(t)

	columns := []string{"id", "tenant_id", "solution_type", "operation", "source_deployment_id", "status", "config", "logs", "created_by", "created_at", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM deployments WHERE tenant_id = $1 AND status = $2 ORDER BY created_at DESC, id DESC LIMIT $3 OFFSET $4")).
		WithArgs("acme", "RUNNING", 10, 20).
		WillReturnRows(sqlmock.NewRows(columns))

	out, err := store.ListDeployments(context.Background(), engine.DeploymentFilter{
		TenantID: "acme",
		Status:   engine.StatusRunning,
		Limit:    10,
		Offset:   20,
	})
	assert.NoError(t, err)
	assert.Empty(t, out)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTransitionConflict(t *testing.T) {
	store, mock := setupMockStore(t)
	logs := "output"

	mock.ExpectExec(regexp.QuoteMeta("UPDATE deployments SET status = $1, logs = $2, updated_at = $3 WHERE id = $4 AND status = $5")).
		WithArgs("FAILED", "output", sqlmock.AnyArg(), "dep-001", "RUNNING").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM deployments WHERE id = $1")).
		WithArgs("dep-001").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("SUCCEEDED"))

	err := store.TransitionDeployment(context.Background(), "dep-001", engine.StatusRunning, engine.StatusFailed, &logs)
	assert.True(t, engine.IsConflict(err), "got %v", err)
	assert.Contains(t, err.Error(), "deployment is SUCCEEDED, expected RUNNING")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTransitionWithoutLogs(t *testing.T) {
	store, mock := setupMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE deployments SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4")).
		WithArgs("RUNNING", sqlmock.AnyArg(), "dep-001", "PENDING").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.TransitionDeployment(context.Background(), "dep-001", engine.StatusPending, engine.StatusRunning, nil)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertCredential(t *testing.T) {
	store, mock := setupMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (tenant_id) DO UPDATE SET role_arn = excluded.role_arn")).
		WithArgs("acme", "arn:aws:iam::123456789012:role/dr", "ext", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.UpsertCredential(context.Background(), &engine.TenantCredential{
		TenantID:   "acme",
		RoleARN:    "arn:aws:iam::123456789012:role/dr",
		ExternalID: "ext",
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateAuditEntryReturnsID(t *testing.T) {
	store, mock := setupMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO audit (action, actor, target_id, details, timestamp) VALUES ($1, $2, $3, $4, $5) RETURNING id")).
		WithArgs(engine.AuditDeploymentSubmitted, "user-1", "dep-001", "", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	entry := &engine.AuditEntry{Action: engine.AuditDeploymentSubmitted, Actor: "user-1", TargetID: "dep-001"}
	err := store.CreateAuditEntry(context.Background(), entry)
	assert.NoError(t, err)
	assert.Equal(t, int64(42), entry.ID)
	assert.False(t, entry.Timestamp.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}
