package engine

import (
	"context"
	"time"

	"github.com/drplane/drplane/pkg/process"
)

// Store persists deployments, tenant credentials, and the audit trail.
type Store interface {
	// CreateDeployment inserts a new deployment record.
	CreateDeployment(ctx context.Context, d *Deployment) error

	// GetDeployment returns a deployment or a NotFound error.
	GetDeployment(ctx context.Context, id string) (*Deployment, error)

	// ListDeployments returns deployments, newest first.
	ListDeployments(ctx context.Context, filter DeploymentFilter) ([]*Deployment, error)

	// TransitionDeployment moves a deployment from one status to another.
	// It fails with a Conflict error if the stored status is not from.
	// A non-nil logs replaces the stored log text.
	TransitionDeployment(ctx context.Context, id string, from, to DeploymentStatus, logs *string) error

	// UpsertCredential inserts or replaces the credential of a tenant.
	UpsertCredential(ctx context.Context, cred *TenantCredential) error

	// GetCredential returns the credential of a tenant or a NotFound error.
	GetCredential(ctx context.Context, tenantID string) (*TenantCredential, error)

	// CreateAuditEntry appends an audit record.
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error

	// ListAuditEntries returns audit records, newest first.
	ListAuditEntries(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}

// CredentialBroker exchanges durable tenant credentials for session credentials.
type CredentialBroker interface {
	// Assume performs the role assumption. Failures are CredentialErrors.
	Assume(ctx context.Context, cred TenantCredential, sessionName string, duration time.Duration) (*SessionCredential, error)

	// Validate performs a short trial assumption and reports whether it succeeded.
	Validate(ctx context.Context, roleARN, externalID string) bool
}

// Materializer renders the per-tenant variables file.
type Materializer interface {
	// Render writes the variables file for tenantID and returns its workspace.
	Render(tenantID string, cfg SolutionConfig) (*Workspace, error)
}

// ProcessRunner executes one external command, streaming its output.
type ProcessRunner interface {
	Run(ctx context.Context, cmd process.Command, onChunk process.ChunkFunc) error
}

// Publisher delivers events to the live subscribers of a tenant. Delivery is
// best-effort and never fails the caller.
type Publisher interface {
	Publish(tenantID string, event Event)
}

// TenantLocker serializes pipeline runs per tenant.
type TenantLocker interface {
	// Lock blocks until the tenant is free and returns the release function.
	Lock(ctx context.Context, tenantID string) (unlock func(), err error)
}

// Authorizer decides whether an identity may perform an action on a tenant.
type Authorizer interface {
	// Authorize returns nil or an AccessDenied error.
	Authorize(ctx context.Context, identity Identity, action Action, tenantID string) error
}

// MetricsRecorder receives pipeline measurements.
type MetricsRecorder interface {
	RecordDeploymentStarted(operation string)
	RecordDeploymentCompleted(operation, status string, duration time.Duration)
	RecordPhase(phase, outcome string, duration time.Duration)
	RecordTaskPanic()
	SetActiveTasks(count float64)
}

type nopRecorder struct{}

func (nopRecorder) RecordDeploymentStarted(string)                          {}
func (nopRecorder) RecordDeploymentCompleted(string, string, time.Duration) {}
func (nopRecorder) RecordPhase(string, string, time.Duration)               {}
func (nopRecorder) RecordTaskPanic()                                        {}
func (nopRecorder) SetActiveTasks(float64)                                  {}

type nopPublisher struct{}

func (nopPublisher) Publish(string, Event) {}
