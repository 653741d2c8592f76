package engine

import (
	"fmt"
	"regexp"
	"time"
)

// Deployment is one execution attempt, apply or destroy, for one tenant.
type Deployment struct {
	// ID is the unique identifier of the deployment.
	ID string `json:"id"`

	// TenantID is the tenant whose infrastructure the deployment targets.
	TenantID string `json:"tenantId"`

	// Solution is the solution variant of the stored configuration.
	Solution Solution `json:"solutionType"`

	// Operation is the pipeline this record tracks.
	Operation Operation `json:"operation"`

	// SourceDeploymentID references the deployment a destroy tears down.
	SourceDeploymentID string `json:"sourceDeploymentId,omitempty"`

	// Status is the current lifecycle state.
	Status DeploymentStatus `json:"status"`

	// Config is the serialized solution configuration. Immutable.
	Config string `json:"config"`

	// Logs holds the accumulated process output, written at the terminal transition.
	Logs string `json:"logs,omitempty"`

	// CreatedBy is the user that requested the deployment.
	CreatedBy string `json:"createdBy,omitempty"`

	// CreatedAt is when the record was created.
	CreatedAt time.Time `json:"createdAt"`

	// UpdatedAt is when the record last changed status.
	UpdatedAt time.Time `json:"updatedAt"`
}

// SolutionConfig decodes the stored configuration.
func (d *Deployment) SolutionConfig() (SolutionConfig, error) {
	return DecodeSolutionConfig([]byte(d.Config))
}

// DeploymentFilter narrows a deployment listing.
type DeploymentFilter struct {
	// TenantID restricts the listing to one tenant. Empty means all tenants.
	TenantID string

	// Status restricts the listing to one status. Empty means any status.
	Status DeploymentStatus

	// Limit caps the number of records returned. Zero means a default page.
	Limit int

	// Offset skips records for pagination.
	Offset int
}

// TenantCredential is the durable role pair a tenant registers for role
// assumption. It is never returned to API clients.
type TenantCredential struct {
	TenantID   string    `json:"-"`
	RoleARN    string    `json:"-"`
	ExternalID string    `json:"-"`
	CreatedAt  time.Time `json:"-"`
	UpdatedAt  time.Time `json:"-"`
}

// SessionCredential is short-lived authorization material obtained for one
// pipeline run.
type SessionCredential struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expiration      time.Time
}

// Role is the authorization role of a caller.
type Role string

const (
	// RoleAdmin may act on any tenant.
	RoleAdmin Role = "ADMIN"

	// RoleTenant may only act on its own tenant.
	RoleTenant Role = "TENANT"
)

// Identity is the authenticated caller supplied by the auth layer.
type Identity struct {
	UserID   string `json:"userId"`
	TenantID string `json:"tenantId,omitempty"`
	Role     Role   `json:"role"`
}

// IsAdmin reports whether the identity may act on any tenant.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// Action names an operation subject to authorization.
type Action string

const (
	ActionSubmit             Action = "deployment.submit"
	ActionDestroy            Action = "deployment.destroy"
	ActionRead               Action = "deployment.read"
	ActionList               Action = "deployment.list"
	ActionRegisterCredential Action = "credential.register"
	ActionReadAudit          Action = "audit.read"
)

// AuditEntry represents an audit trail entry.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`   // e.g., "deployment.submitted", "credential.registered"
	Actor     string    `json:"actor"`    // user identifier
	TargetID  string    `json:"targetId"` // deployment or tenant ID
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditFilter narrows an audit listing.
type AuditFilter struct {
	Action string
	Actor  string
	Limit  int
	Offset int
}

// Audit actions recorded by the engine.
const (
	AuditDeploymentSubmitted = "deployment.submitted"
	AuditDestroyRequested    = "deployment.destroy_requested"
	AuditCredentialSaved     = "credential.registered"
)

// EventType identifies the kind of fan-out event.
type EventType string

const (
	// EventTypeStatus reports a lifecycle transition.
	EventTypeStatus EventType = "deployment_status"

	// EventTypeLog carries one chunk of process output.
	EventTypeLog EventType = "deployment_log"
)

// Event is published to every live subscriber of a tenant.
type Event struct {
	Type         EventType        `json:"type"`
	DeploymentID string           `json:"deploymentId"`
	Status       DeploymentStatus `json:"status,omitempty"`
	Message      string           `json:"message,omitempty"`
	Log          string           `json:"log,omitempty"`
}

// Workspace is a rendered execution context for one tenant and solution.
type Workspace struct {
	// Name is the tool workspace identifier. It equals the tenant ID.
	Name string

	// Dir is the solution directory the tool runs in.
	Dir string

	// VarFile is the variables file path relative to Dir.
	VarFile string

	// Path is the absolute location of the variables file.
	Path string
}

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateTenantID checks that id is usable as a workspace name and a file
// name component.
func ValidateTenantID(id string) error {
	if id == "" {
		return NewValidationError("missing required fields: tenantId", nil)
	}
	if !tenantIDPattern.MatchString(id) {
		return NewValidationError(fmt.Sprintf("invalid tenant id %q: only letters, digits, '-' and '_' are allowed", id), nil)
	}
	return nil
}
