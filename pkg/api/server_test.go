package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drplane/drplane/pkg/engine"
)

type fakeService struct {
	mu        sync.Mutex
	submitted []engine.SolutionConfig
	submitErr error
	destroyed []string
	getErr    error
	logs      string
	filter    engine.DeploymentFilter
	audit     engine.AuditFilter
	authzErr  error
	panicOn   string
}

func (f *fakeService) Submit(ctx context.Context, identity engine.Identity, tenantID string, cfg engine.SolutionConfig) (*engine.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submitted = append(f.submitted, cfg)
	return &engine.Deployment{
		ID:        "dep-1",
		TenantID:  tenantID,
		Solution:  cfg.Solution(),
		Operation: engine.OperationApply,
		Status:    engine.StatusPending,
		CreatedBy: identity.UserID,
	}, nil
}

func (f *fakeService) Destroy(ctx context.Context, identity engine.Identity, id string) (*engine.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	f.destroyed = append(f.destroyed, id)
	return &engine.Deployment{
		ID:                 "dep-2",
		TenantID:           "acme",
		Operation:          engine.OperationDestroy,
		SourceDeploymentID: id,
		Status:             engine.StatusRunning,
	}, nil
}

func (f *fakeService) Get(ctx context.Context, identity engine.Identity, id string) (*engine.Deployment, error) {
	if f.panicOn == "get" {
		panic("boom")
	}
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &engine.Deployment{ID: id, TenantID: "acme", Status: engine.StatusSucceeded}, nil
}

func (f *fakeService) Logs(ctx context.Context, identity engine.Identity, id string) (string, error) {
	if f.getErr != nil {
		return "", f.getErr
	}
	return f.logs, nil
}

func (f *fakeService) List(ctx context.Context, identity engine.Identity, filter engine.DeploymentFilter) ([]*engine.Deployment, error) {
	f.mu.Lock()
	f.filter = filter
	f.mu.Unlock()
	return nil, nil
}

func (f *fakeService) AuthorizeCredential(ctx context.Context, identity engine.Identity, tenantID string) error {
	if f.authzErr != nil {
		return f.authzErr
	}
	return engine.OwnerAuthorizer{}.Authorize(ctx, identity, engine.ActionRegisterCredential, tenantID)
}

func (f *fakeService) Audit(ctx context.Context, identity engine.Identity, filter engine.AuditFilter) ([]*engine.AuditEntry, error) {
	f.mu.Lock()
	f.audit = filter
	f.mu.Unlock()
	if !identity.IsAdmin() {
		return nil, engine.NewAccessDeniedError("admin only", nil)
	}
	return []*engine.AuditEntry{{ID: 1, Action: engine.AuditDeploymentSubmitted, Actor: "u", TargetID: "dep-1"}}, nil
}

type registration struct {
	tenantID, roleARN, externalID string
}

type fakeRegistrar struct {
	mu    sync.Mutex
	calls []registration
	err   error
}

func (f *fakeRegistrar) Register(ctx context.Context, identity engine.Identity, tenantID, roleARN, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, registration{tenantID, roleARN, externalID})
	return f.err
}

type requestLog struct {
	mu     sync.Mutex
	routes []string
	codes  []int
}

func (r *requestLog) RecordHTTPRequest(method, route string, code int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route)
	r.codes = append(r.codes, code)
}

type testServer struct {
	handler  http.Handler
	service  *fakeService
	registry *fakeRegistrar
	requests *requestLog
	t        *testing.T
}

func newTestServer(t *testing.T, checks map[string]HealthCheck) *testServer {
	t.Helper()
	ts := &testServer{
		service:  &fakeService{},
		registry: &fakeRegistrar{},
		requests: &requestLog{},
		t:        t,
	}
	srv, err := NewServer(Config{Addr: ":0"}, Dependencies{
		Deployments:  ts.service,
		Credentials:  ts.registry,
		Auth:         newTestVerifier(t),
		Metrics:      http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics\n")) }),
		HealthChecks: checks,
		Recorder:     ts.requests,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	ts.handler = srv.Handler()
	return ts
}

func (ts *testServer) do(method, path, token, body string) *httptest.ResponseRecorder {
	ts.t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

const replicaConfig = `{
	"solutionType": "READ_REPLICA",
	"aws_region": "us-east-1",
	"aws_read_replica_region": "us-west-2",
	"primary_db_identifier": "prod-db",
	"read_replica_identifier": "prod-db-replica",
	"instance_class": "db.t3.medium",
	"vpc_cidr": "10.0.0.0/16",
	"public_subnet_cidrs": ["10.0.1.0/24", "10.0.2.0/24"],
	"notification_email": "ops@acme.example",
	"environment": "prod",
	"tag_name": "acme-dr"
}`

func submitBody(tenantID, cfg string) string {
	return `{"tenantId":"` + tenantID + `","drConfig":` + cfg +
		`,"iamRoleArn":"arn:aws:iam::123456789012:role/DRDeployer","externalId":"ext-42"}`
}

func TestNewServerRequiresCollaborators(t *testing.T) {
	_, err := NewServer(Config{}, Dependencies{Credentials: &fakeRegistrar{}})
	assert.Error(t, err)
	_, err = NewServer(Config{}, Dependencies{Deployments: &fakeService{}})
	assert.Error(t, err)
}

func TestRequiresToken(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do("GET", "/api/deployments", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decodeError(t, rec).Error)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	rec = ts.do("GET", "/api/deployments", "forged", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmit(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do("POST", "/api/deployments", tenantToken(t, "user-1", "acme"), submitBody("acme", replicaConfig))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var d engine.Deployment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, "dep-1", d.ID)
	assert.Equal(t, engine.StatusPending, d.Status)
	assert.Equal(t, engine.SolutionReadReplica, d.Solution)

	require.Len(t, ts.registry.calls, 1)
	assert.Equal(t, registration{"acme", "arn:aws:iam::123456789012:role/DRDeployer", "ext-42"}, ts.registry.calls[0])

	require.Len(t, ts.service.submitted, 1)
	cfg, ok := ts.service.submitted[0].(engine.ReadReplicaConfig)
	require.True(t, ok)
	assert.Equal(t, []string{"10.0.1.0/24", "10.0.2.0/24"}, cfg.PublicSubnetCIDRs)

	assert.NotContains(t, rec.Body.String(), "ext-42")
	assert.NotContains(t, rec.Body.String(), "DRDeployer")
}

func TestSubmitRejectsBeforeCallingCollaborators(t *testing.T) {
	badConfig := strings.Replace(replicaConfig, `"us-west-2"`, `"us-east-1"`, 1)

	tests := []struct {
		name    string
		body    string
		message string
	}{
		{name: "empty body", body: " ", message: "request body"},
		{name: "not json", body: "{", message: "not valid JSON"},
		{name: "missing fields", body: `{"tenantId":"acme"}`, message: "missing required fields: drConfig, externalId, iamRoleArn"},
		{name: "unknown solution", body: submitBody("acme", `{"solutionType":"PILOT_LIGHT"}`), message: "unknown solution type"},
		{name: "invalid config", body: submitBody("acme", badConfig), message: "must differ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			rec := ts.do("POST", "/api/deployments", tenantToken(t, "user-1", "acme"), tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			resp := decodeError(t, rec)
			assert.Equal(t, engine.ErrCodeValidation, resp.Error)
			assert.Contains(t, resp.Message, tt.message)
			assert.Empty(t, ts.registry.calls)
			assert.Empty(t, ts.service.submitted)
		})
	}
}

func TestSubmitForeignTenant(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do("POST", "/api/deployments", tenantToken(t, "user-1", "acme"), submitBody("globex", replicaConfig))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, engine.ErrCodeAccessDenied, decodeError(t, rec).Error)
	assert.Empty(t, ts.registry.calls)
	assert.Empty(t, ts.service.submitted)
}

func TestSubmitInvalidCredentials(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.registry.err = engine.NewCredentialError("invalid AWS credentials", nil)

	rec := ts.do("POST", "/api/deployments", tenantToken(t, "user-1", "acme"), submitBody("acme", replicaConfig))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, engine.ErrCodeCredential, resp.Error)
	assert.Equal(t, "invalid AWS credentials", resp.Message)
	assert.Empty(t, ts.service.submitted)
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.service.submitErr = errors.New("pq: connection refused to 10.1.2.3")

	rec := ts.do("POST", "/api/deployments", tenantToken(t, "user-1", "acme"), submitBody("acme", replicaConfig))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, engine.ErrCodeInternal, resp.Error)
	assert.NotContains(t, rec.Body.String(), "10.1.2.3")
}

func TestGetAndLogs(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.service.logs = "=== Running terraform init ===\n"
	token := tenantToken(t, "user-1", "acme")

	rec := ts.do("GET", "/api/deployments/dep-9", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var d engine.Deployment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, "dep-9", d.ID)

	rec = ts.do("GET", "/api/deployments/dep-9/logs", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var logs LogsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logs))
	assert.Equal(t, ts.service.logs, logs.Logs)
}

func TestNotFound(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.service.getErr = engine.NewNotFoundError("deployment not found", nil).WithResource("missing")

	for _, path := range []string{"/api/deployments/missing", "/api/deployments/missing/logs"} {
		rec := ts.do("GET", path, tenantToken(t, "user-1", "acme"), "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Equal(t, engine.ErrCodeNotFound, decodeError(t, rec).Error)
	}
}

func TestDestroy(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do("POST", "/api/deployments/dep-1/destroy", tenantToken(t, "user-1", "acme"), "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var d engine.Deployment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, engine.OperationDestroy, d.Operation)
	assert.Equal(t, engine.StatusRunning, d.Status)
	assert.Equal(t, "dep-1", d.SourceDeploymentID)
	assert.Equal(t, []string{"dep-1"}, ts.service.destroyed)
}

func TestDestroyInvalidState(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.service.getErr = engine.NewInvalidStateError("can only destroy successful deployments", nil).
		WithDetail("status", engine.StatusFailed)

	rec := ts.do("POST", "/api/deployments/dep-1/destroy", tenantToken(t, "user-1", "acme"), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, engine.ErrCodeInvalidState, resp.Error)
	assert.Equal(t, "FAILED", resp.Details["status"])
}

func TestList(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do("GET", "/api/deployments?tenantId=acme&status=succeeded&limit=5&offset=10", adminToken(t), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
	assert.Equal(t, engine.DeploymentFilter{
		TenantID: "acme",
		Status:   engine.StatusSucceeded,
		Limit:    5,
		Offset:   10,
	}, ts.service.filter)

	rec = ts.do("GET", "/api/deployments?status=DONE", adminToken(t), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do("GET", "/api/deployments?limit=-1", adminToken(t), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterCredentials(t *testing.T) {
	ts := newTestServer(t, nil)
	token := tenantToken(t, "user-1", "acme")

	rec := ts.do("PUT", "/api/tenants/acme/credentials", token,
		`{"iamRoleArn":"arn:aws:iam::123456789012:role/DRDeployer","externalId":"ext-42"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
	require.Len(t, ts.registry.calls, 1)
	assert.Equal(t, "acme", ts.registry.calls[0].tenantID)

	rec = ts.do("PUT", "/api/tenants/acme/credentials", token, `{"iamRoleArn":"arn"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec).Message, "externalId")

	rec = ts.do("PUT", "/api/tenants/globex/credentials", token,
		`{"iamRoleArn":"arn:aws:iam::123456789012:role/DRDeployer","externalId":"ext-42"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Len(t, ts.registry.calls, 1)
}

func TestAudit(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do("GET", "/api/audit?action=deployment.submitted&limit=20", adminToken(t), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []engine.AuditEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "deployment.submitted", ts.service.audit.Action)
	assert.Equal(t, 20, ts.service.audit.Limit)

	rec = ts.do("GET", "/api/audit", tenantToken(t, "user-1", "acme"), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
	})
	rec := ts.do("GET", "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","checks":{"database":"ok"}}`, rec.Body.String())

	ts = newTestServer(t, map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("dial tcp: connection refused") },
	})
	rec = ts.do("GET", "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "unavailable", resp.Status)
	assert.Equal(t, "ok", resp.Checks["database"])
}

func TestMetricsEndpointIsPublic(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do("GET", "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# metrics")
}

func TestRequestsAreRecordedByRoute(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do("GET", "/api/deployments/dep-1", tenantToken(t, "user-1", "acme"), "")
	ts.do("GET", "/api/deployments/dep-2", "", "")

	assert.Equal(t, []string{"GET /api/deployments/{id}", "GET /api/deployments/{id}"}, ts.requests.routes)
	assert.Equal(t, []int{http.StatusOK, http.StatusUnauthorized}, ts.requests.codes)
}

func TestPanicsAreRecovered(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.service.panicOn = "get"

	rec := ts.do("GET", "/api/deployments/dep-1", tenantToken(t, "user-1", "acme"), "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, engine.ErrCodeInternal, decodeError(t, rec).Error)
	assert.Equal(t, []int{http.StatusInternalServerError}, ts.requests.codes)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{engine.NewValidationError("x", nil), http.StatusBadRequest},
		{engine.NewCredentialError("x", nil), http.StatusBadRequest},
		{engine.NewInvalidStateError("x", nil), http.StatusBadRequest},
		{engine.NewAccessDeniedError("x", nil), http.StatusForbidden},
		{engine.NewNotFoundError("x", nil), http.StatusNotFound},
		{engine.NewConflictError("x", nil), http.StatusInternalServerError},
		{errors.New("x"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}
