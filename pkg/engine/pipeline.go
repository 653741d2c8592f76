package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drplane/drplane/pkg/process"
)

// Phase names used in logs, metrics, and spans.
const (
	PhaseInit            = "init"
	PhaseWorkspaceNew    = "workspace_new"
	PhaseWorkspaceSelect = "workspace_select"
	PhasePlan            = "plan"
	PhaseApply           = "apply"
	PhaseDestroy         = "destroy"
)

// run is the mutable state of one pipeline execution. It is owned by the
// goroutine executing the pipeline.
type run struct {
	d      *Deployment
	cfg    SolutionConfig
	status DeploymentStatus
	log    *logBuffer
	start  time.Time
}

func newRun(d *Deployment, cfg SolutionConfig) *run {
	return &run{d: d, cfg: cfg, status: d.Status, log: &logBuffer{}}
}

type logBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (l *logBuffer) write(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.b.WriteString(s)
}

func (l *logBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func (o *Orchestrator) schedule(d *Deployment, cfg SolutionConfig) {
	r := newRun(copyDeployment(d), cfg)
	o.track(r)

	err := o.scheduler.Go("deployment:"+d.ID,
		func(ctx context.Context) error { return o.runPipeline(ctx, r) },
		func(recovered interface{}) {
			o.finish(context.Background(), r, NewInternalError(fmt.Sprintf("pipeline panicked: %v", recovered), nil))
		},
	)
	if err != nil {
		o.logger.Error().Err(err).Str("deployment_id", d.ID).Msg("Failed to schedule pipeline")
		o.finish(context.Background(), r, NewInternalError("pipeline could not be scheduled", err))
	}
}

func (o *Orchestrator) track(r *run) {
	o.mu.Lock()
	o.live[r.d.ID] = r.log
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(r *run) {
	o.mu.Lock()
	delete(o.live, r.d.ID)
	o.mu.Unlock()
}

// runPipeline executes one deployment's pipeline under the tenant lock and
// records its terminal state.
func (o *Orchestrator) runPipeline(ctx context.Context, r *run) error {
	ctx, span := o.tracer.Start(ctx, "deployment.run", trace.WithAttributes(
		attribute.String("deployment.id", r.d.ID),
		attribute.String("tenant.id", r.d.TenantID),
		attribute.String("deployment.operation", string(r.d.Operation)),
		attribute.String("deployment.solution", string(r.d.Solution)),
	))
	defer span.End()

	unlock, err := o.locker.Lock(ctx, r.d.TenantID)
	if err != nil {
		o.finish(ctx, r, NewInternalError("failed to acquire tenant lock", err))
		return err
	}
	defer unlock()

	if r.status == StatusPending {
		if err := o.transition(ctx, r, StatusRunning, nil); err != nil {
			span.RecordError(err)
			return err
		}
	}

	r.start = o.now()
	o.metrics.RecordDeploymentStarted(string(r.d.Operation))
	o.publishStatus(r, StatusRunning, startedMessage(r.d.Operation))

	err = o.execute(ctx, r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	o.finish(ctx, r, err)
	return err
}

func (o *Orchestrator) execute(ctx context.Context, r *run) error {
	// Rendered again under the lock: another submission for the same tenant
	// may have replaced the file since this deployment was accepted.
	ws, err := o.materializer.Render(r.d.TenantID, r.cfg)
	if err != nil {
		return fmt.Errorf("failed to render variables file: %w", err)
	}

	session, err := o.resolveSession(ctx, r)
	if err != nil {
		return err
	}
	env := o.environment(session)

	if r.d.Operation == OperationDestroy {
		o.section(r, "Selecting workspace")
		if _, err := o.runPhase(ctx, r, PhaseWorkspaceSelect, ws, env, "workspace", "select", ws.Name); err != nil {
			return err
		}
		o.section(r, "Running "+o.toolName()+" destroy")
		_, err := o.runPhase(ctx, r, PhaseDestroy, ws, env, "destroy", "-var-file="+ws.VarFile, "-auto-approve")
		return err
	}

	o.section(r, fmt.Sprintf("Running %s init (%s)", o.toolName(), r.d.Solution))
	if _, err := o.runPhase(ctx, r, PhaseInit, ws, env, "init"); err != nil {
		return err
	}

	o.section(r, "Managing workspace")
	if err := o.ensureWorkspace(ctx, r, ws, env); err != nil {
		return err
	}

	o.section(r, "Running "+o.toolName()+" plan")
	if _, err := o.runPhase(ctx, r, PhasePlan, ws, env, "plan", "-var-file="+ws.VarFile); err != nil {
		return err
	}

	o.section(r, "Running "+o.toolName()+" apply")
	_, err = o.runPhase(ctx, r, PhaseApply, ws, env, "apply", "-var-file="+ws.VarFile, "-auto-approve")
	return err
}

// ensureWorkspace creates the tenant workspace, falling back to selecting it
// when creation exits non-zero. A spawn failure aborts without fallback.
func (o *Orchestrator) ensureWorkspace(ctx context.Context, r *run, ws *Workspace, env []string) error {
	out, err := o.runPhase(ctx, r, PhaseWorkspaceNew, ws, env, "workspace", "new", ws.Name)
	if err == nil {
		return nil
	}
	if !process.IsProcessError(err) {
		return err
	}

	if !strings.Contains(out, "already exists") {
		o.logger.Warn().
			Err(err).
			Str("deployment_id", r.d.ID).
			Str("workspace", ws.Name).
			Msg("Workspace creation failed for a reason other than an existing workspace; trying select")
	}

	_, err = o.runPhase(ctx, r, PhaseWorkspaceSelect, ws, env, "workspace", "select", ws.Name)
	return err
}

// runPhase runs one tool invocation, streaming each chunk into the run log
// and to subscribers. It returns the phase's own output.
func (o *Orchestrator) runPhase(ctx context.Context, r *run, phase string, ws *Workspace, env []string, args ...string) (string, error) {
	ctx, span := o.tracer.Start(ctx, "deployment.phase", trace.WithAttributes(
		attribute.String("deployment.id", r.d.ID),
		attribute.String("phase", phase),
	))
	defer span.End()

	cmd := process.Command{
		Name: o.cfg.Binary,
		Args: args,
		Dir:  ws.Dir,
		Env:  env,
	}

	var out strings.Builder
	start := o.now()
	err := o.runner.Run(ctx, cmd, func(chunk []byte) {
		text := string(chunk)
		out.WriteString(text)
		r.log.write(text)
		o.publisher.Publish(r.d.TenantID, Event{
			Type:         EventTypeLog,
			DeploymentID: r.d.ID,
			Log:          text,
		})
	})

	outcome := "success"
	switch {
	case process.IsSpawnError(err):
		outcome = "spawn_error"
	case err != nil:
		outcome = "failure"
	}
	o.metrics.RecordPhase(phase, outcome, o.now().Sub(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Debug().
			Err(err).
			Str("deployment_id", r.d.ID).
			Str("phase", phase).
			Msg("Pipeline phase failed")
	}
	return out.String(), err
}

func (o *Orchestrator) resolveSession(ctx context.Context, r *run) (*SessionCredential, error) {
	cred, err := o.store.GetCredential(ctx, r.d.TenantID)
	if err != nil {
		if IsNotFound(err) {
			return nil, NewCredentialError("no credentials registered for tenant", nil).WithResource(r.d.TenantID)
		}
		return nil, fmt.Errorf("failed to load tenant credentials: %w", err)
	}

	name := SessionName(r.d.TenantID, r.d.ID, o.now())
	session, err := o.broker.Assume(ctx, *cred, name, o.cfg.SessionDuration)
	if err != nil {
		if !IsCredential(err) {
			err = NewCredentialError("failed to assume role", err)
		}
		return nil, err
	}
	return session, nil
}

// section appends a header line to the run log and streams it.
func (o *Orchestrator) section(r *run, title string) {
	line := "=== " + title + " ===\n"
	if r.log.String() != "" {
		line = "\n" + line
	}
	r.log.write(line)
	o.publisher.Publish(r.d.TenantID, Event{Type: EventTypeLog, DeploymentID: r.d.ID, Log: line})
}

// finish records the terminal state of r. It moves a PENDING record through
// RUNNING first so that no transition is skipped.
func (o *Orchestrator) finish(ctx context.Context, r *run, runErr error) {
	defer o.untrack(r)

	if r.status.IsTerminal() {
		return
	}
	if r.status == StatusPending {
		if err := o.transition(ctx, r, StatusRunning, nil); err != nil {
			return
		}
	}

	to := StatusSucceeded
	message := succeededMessage(r.d.Operation)
	if runErr != nil {
		to = StatusFailed
		reason := failureReason(runErr)
		r.log.write(fmt.Sprintf("\n=== %s FAILED ===\n%s\n", failureKind(r.d.Operation), reason))
		message = failedPrefix(r.d.Operation) + reason
	}

	logs := r.log.String()
	if err := o.transition(ctx, r, to, &logs); err != nil {
		return
	}

	if !r.start.IsZero() {
		o.metrics.RecordDeploymentCompleted(string(r.d.Operation), string(to), o.now().Sub(r.start))
	}
	o.publishStatus(r, to, message)

	event := o.logger.Info()
	if runErr != nil {
		event = o.logger.Warn().Err(runErr)
	}
	event.
		Str("deployment_id", r.d.ID).
		Str("tenant_id", r.d.TenantID).
		Str("operation", string(r.d.Operation)).
		Str("status", string(to)).
		Msg("Deployment finished")
}

func (o *Orchestrator) transition(ctx context.Context, r *run, to DeploymentStatus, logs *string) error {
	if !r.status.CanTransitionTo(to) {
		err := NewInvalidStateError(fmt.Sprintf("cannot transition from %s to %s", r.status, to), nil).WithResource(r.d.ID)
		o.logger.Error().Err(err).Msg("Rejected status transition")
		return err
	}
	if err := o.store.TransitionDeployment(ctx, r.d.ID, r.status, to, logs); err != nil {
		o.logger.Error().
			Err(err).
			Str("deployment_id", r.d.ID).
			Str("from", string(r.status)).
			Str("to", string(to)).
			Msg("Failed to persist status transition")
		return err
	}
	r.status = to
	return nil
}

func (o *Orchestrator) publishStatus(r *run, status DeploymentStatus, message string) {
	o.publisher.Publish(r.d.TenantID, Event{
		Type:         EventTypeStatus,
		DeploymentID: r.d.ID,
		Status:       status,
		Message:      message,
	})
}

func (o *Orchestrator) toolName() string {
	return filepath.Base(o.cfg.Binary)
}

func startedMessage(op Operation) string {
	if op == OperationDestroy {
		return "Destroy started"
	}
	return "Deployment started"
}

func succeededMessage(op Operation) string {
	if op == OperationDestroy {
		return "Infrastructure destroyed successfully"
	}
	return "Deployment completed successfully"
}

func failedPrefix(op Operation) string {
	if op == OperationDestroy {
		return "Destroy failed: "
	}
	return "Deployment failed: "
}

func failureKind(op Operation) string {
	if op == OperationDestroy {
		return "DESTROY"
	}
	return "DEPLOYMENT"
}

// failureReason renders err for the log marker and the status message.
func failureReason(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) {
		if ee.Err != nil {
			return ee.Message + ": " + ee.Err.Error()
		}
		return ee.Message
	}
	return err.Error()
}
