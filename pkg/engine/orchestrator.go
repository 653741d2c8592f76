package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const defaultListLimit = 100

// OrchestratorConfig configures pipeline execution.
type OrchestratorConfig struct {
	// Binary is the infrastructure tool executable.
	Binary string

	// Region is exported as AWS_REGION to every process.
	Region string

	// SessionDuration is the lifetime requested for session credentials.
	SessionDuration time.Duration

	// BaseEnv is the environment processes inherit. Nil means the server's
	// own environment.
	BaseEnv []string
}

// Dependencies are the collaborators the orchestrator drives.
type Dependencies struct {
	Store        Store
	Broker       CredentialBroker
	Materializer Materializer
	Runner       ProcessRunner
	Scheduler    *Scheduler

	// Optional collaborators fall back to permissive or no-op defaults.
	Publisher  Publisher
	Locker     TenantLocker
	Authorizer Authorizer
	Metrics    MetricsRecorder
	Logger     zerolog.Logger
}

// Orchestrator owns the deployment state machine and sequences the
// materializer, credential broker, and process runner for each deployment.
type Orchestrator struct {
	cfg          OrchestratorConfig
	store        Store
	broker       CredentialBroker
	materializer Materializer
	runner       ProcessRunner
	scheduler    *Scheduler
	publisher    Publisher
	locker       TenantLocker
	authorizer   Authorizer
	metrics      MetricsRecorder
	logger       zerolog.Logger
	tracer       trace.Tracer

	now   func() time.Time
	newID func() string

	// live holds the log buffers of in-flight pipelines.
	mu   sync.RWMutex
	live map[string]*logBuffer
}

// NewOrchestrator creates a new orchestrator.
func NewOrchestrator(cfg OrchestratorConfig, deps Dependencies) (*Orchestrator, error) {
	if deps.Store == nil || deps.Broker == nil || deps.Materializer == nil ||
		deps.Runner == nil || deps.Scheduler == nil {
		return nil, fmt.Errorf("orchestrator requires store, broker, materializer, runner, and scheduler")
	}

	if cfg.Binary == "" {
		cfg.Binary = "terraform"
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.SessionDuration <= 0 {
		cfg.SessionDuration = time.Hour
	}

	o := &Orchestrator{
		cfg:          cfg,
		store:        deps.Store,
		broker:       deps.Broker,
		materializer: deps.Materializer,
		runner:       deps.Runner,
		scheduler:    deps.Scheduler,
		publisher:    deps.Publisher,
		locker:       deps.Locker,
		authorizer:   deps.Authorizer,
		metrics:      deps.Metrics,
		logger:       deps.Logger.With().Str("component", "orchestrator").Logger(),
		tracer:       otel.Tracer("github.com/drplane/drplane/pkg/engine"),
		now:          time.Now,
		newID:        func() string { return uuid.New().String() },
		live:         make(map[string]*logBuffer),
	}
	if o.publisher == nil {
		o.publisher = nopPublisher{}
	}
	if o.locker == nil {
		o.locker = NewMemoryLocker()
	}
	if o.authorizer == nil {
		o.authorizer = OwnerAuthorizer{}
	}
	if o.metrics == nil {
		o.metrics = nopRecorder{}
	}

	return o, nil
}

// Submit validates cfg, renders its variables file, records a PENDING apply
// deployment, and schedules its pipeline. It returns without waiting for
// any pipeline phase.
func (o *Orchestrator) Submit(ctx context.Context, identity Identity, tenantID string, cfg SolutionConfig) (*Deployment, error) {
	if err := o.authorizer.Authorize(ctx, identity, ActionSubmit, tenantID); err != nil {
		return nil, err
	}
	if err := ValidateTenantID(tenantID); err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, NewValidationError("missing required fields: drConfig", nil)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	encoded, err := EncodeSolutionConfig(cfg)
	if err != nil {
		return nil, NewInternalError("failed to encode configuration", err)
	}

	if _, err := o.materializer.Render(tenantID, cfg); err != nil {
		return nil, fmt.Errorf("failed to render variables file: %w", err)
	}

	now := o.now()
	d := &Deployment{
		ID:        o.newID(),
		TenantID:  tenantID,
		Solution:  cfg.Solution(),
		Operation: OperationApply,
		Status:    OperationApply.InitialStatus(),
		Config:    encoded,
		CreatedBy: identity.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := o.store.CreateDeployment(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to create deployment: %w", err)
	}

	o.audit(ctx, identity, AuditDeploymentSubmitted, d.ID,
		fmt.Sprintf(`{"tenantId":%q,"solutionType":%q}`, d.TenantID, d.Solution))

	o.logger.Info().
		Str("deployment_id", d.ID).
		Str("tenant_id", d.TenantID).
		Str("solution", string(d.Solution)).
		Msg("Deployment submitted")

	o.schedule(d, cfg)
	return copyDeployment(d), nil
}

// Destroy records a RUNNING destroy deployment for a SUCCEEDED deployment and
// schedules its pipeline.
func (o *Orchestrator) Destroy(ctx context.Context, identity Identity, deploymentID string) (*Deployment, error) {
	src, err := o.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if err := o.authorizer.Authorize(ctx, identity, ActionDestroy, src.TenantID); err != nil {
		return nil, err
	}
	if src.Status != StatusSucceeded {
		return nil, NewInvalidStateError("can only destroy successful deployments", nil).
			WithResource(src.ID).
			WithDetail("status", src.Status)
	}

	cfg, err := src.SolutionConfig()
	if err != nil {
		return nil, NewInternalError("stored configuration is unreadable", err).WithResource(src.ID)
	}

	now := o.now()
	d := &Deployment{
		ID:                 o.newID(),
		TenantID:           src.TenantID,
		Solution:           src.Solution,
		Operation:          OperationDestroy,
		SourceDeploymentID: src.ID,
		Status:             OperationDestroy.InitialStatus(),
		Config:             src.Config,
		CreatedBy:          identity.UserID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := o.store.CreateDeployment(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to create destroy deployment: %w", err)
	}

	o.audit(ctx, identity, AuditDestroyRequested, d.ID,
		fmt.Sprintf(`{"tenantId":%q,"sourceDeploymentId":%q}`, d.TenantID, src.ID))

	o.logger.Info().
		Str("deployment_id", d.ID).
		Str("source_deployment_id", src.ID).
		Str("tenant_id", d.TenantID).
		Msg("Destroy requested")

	o.schedule(d, cfg)
	return copyDeployment(d), nil
}

// Get returns a deployment the identity may read.
func (o *Orchestrator) Get(ctx context.Context, identity Identity, deploymentID string) (*Deployment, error) {
	d, err := o.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if err := o.authorizer.Authorize(ctx, identity, ActionRead, d.TenantID); err != nil {
		return nil, err
	}
	return d, nil
}

// Logs returns the accumulated log of a deployment. While the pipeline is in
// flight the output gathered so far is returned.
func (o *Orchestrator) Logs(ctx context.Context, identity Identity, deploymentID string) (string, error) {
	d, err := o.Get(ctx, identity, deploymentID)
	if err != nil {
		return "", err
	}
	if d.Status.IsActive() {
		o.mu.RLock()
		buf, ok := o.live[d.ID]
		o.mu.RUnlock()
		if ok {
			return buf.String(), nil
		}
	}
	return d.Logs, nil
}

// List returns deployments visible to the identity. Non-admin callers are
// confined to their own tenant.
func (o *Orchestrator) List(ctx context.Context, identity Identity, filter DeploymentFilter) ([]*Deployment, error) {
	if !identity.IsAdmin() && filter.TenantID == "" {
		filter.TenantID = identity.TenantID
	}
	if err := o.authorizer.Authorize(ctx, identity, ActionList, filter.TenantID); err != nil {
		return nil, err
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	return o.store.ListDeployments(ctx, filter)
}

// RecoverInterrupted fails deployments left in flight by a previous process.
// It must only run when no other instance is executing pipelines.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) (int, error) {
	recovered := 0
	for _, status := range []DeploymentStatus{StatusPending, StatusRunning} {
		stale, err := o.store.ListDeployments(ctx, DeploymentFilter{Status: status, Limit: 1000})
		if err != nil {
			return recovered, fmt.Errorf("failed to list %s deployments: %w", status, err)
		}
		for _, d := range stale {
			o.mu.RLock()
			_, inFlight := o.live[d.ID]
			o.mu.RUnlock()
			if inFlight {
				continue
			}

			r := newRun(d, nil)
			o.finish(ctx, r, NewInternalError("interrupted by server restart", nil))
			recovered++
		}
	}
	if recovered > 0 {
		o.logger.Warn().Int("count", recovered).Msg("Failed deployments interrupted by restart")
	}
	return recovered, nil
}

// AuthorizeCredential authorizes a credential registration; the registry
// performs validation and persistence.
func (o *Orchestrator) AuthorizeCredential(ctx context.Context, identity Identity, tenantID string) error {
	if err := o.authorizer.Authorize(ctx, identity, ActionRegisterCredential, tenantID); err != nil {
		return err
	}
	return ValidateTenantID(tenantID)
}

// Audit returns audit entries. Only identities allowed to read the audit
// trail may call it.
func (o *Orchestrator) Audit(ctx context.Context, identity Identity, filter AuditFilter) ([]*AuditEntry, error) {
	if err := o.authorizer.Authorize(ctx, identity, ActionReadAudit, identity.TenantID); err != nil {
		return nil, err
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	return o.store.ListAuditEntries(ctx, filter)
}

func (o *Orchestrator) audit(ctx context.Context, identity Identity, action, target, details string) {
	entry := &AuditEntry{
		Action:    action,
		Actor:     identity.UserID,
		TargetID:  target,
		Details:   details,
		Timestamp: o.now(),
	}
	if err := o.store.CreateAuditEntry(ctx, entry); err != nil {
		o.logger.Warn().Err(err).Str("action", action).Str("target", target).Msg("Failed to write audit entry")
	}
}

// SessionName builds a role session name traceable to a deployment. It is
// limited to the characters and length role assumption accepts.
func SessionName(tenantID, deploymentID string, at time.Time) string {
	suffix := fmt.Sprintf("-%s-%d", deploymentID, at.UnixMilli())
	tenant := sanitizeSessionName(tenantID)
	if max := 64 - len(suffix); len(tenant) > max {
		if max < 1 {
			return sanitizeSessionName(suffix[1:])[:64]
		}
		tenant = tenant[:max]
	}
	return sanitizeSessionName(tenant + suffix)
}

func sanitizeSessionName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case strings.ContainsRune("_+=,.@-", r):
			return r
		default:
			return '-'
		}
	}, s)
}

func (o *Orchestrator) environment(session *SessionCredential) []string {
	base := o.cfg.BaseEnv
	if base == nil {
		base = os.Environ()
	}

	overrides := map[string]string{
		"AWS_ACCESS_KEY_ID":     session.AccessKeyID,
		"AWS_SECRET_ACCESS_KEY": session.SecretAccessKey,
		"AWS_SESSION_TOKEN":     session.SessionToken,
		"AWS_REGION":            o.cfg.Region,
	}

	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, replaced := overrides[key]; replaced {
			continue
		}
		env = append(env, kv)
	}
	for _, key := range []string{"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_SESSION_TOKEN", "AWS_REGION"} {
		env = append(env, key+"="+overrides[key])
	}
	return env
}

func copyDeployment(d *Deployment) *Deployment {
	c := *d
	return &c
}
