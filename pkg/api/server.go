package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/drplane/drplane/pkg/engine"
)

// DeploymentService is the orchestrator surface the API calls.
type DeploymentService interface {
	Submit(ctx context.Context, identity engine.Identity, tenantID string, cfg engine.SolutionConfig) (*engine.Deployment, error)
	Destroy(ctx context.Context, identity engine.Identity, deploymentID string) (*engine.Deployment, error)
	Get(ctx context.Context, identity engine.Identity, deploymentID string) (*engine.Deployment, error)
	Logs(ctx context.Context, identity engine.Identity, deploymentID string) (string, error)
	List(ctx context.Context, identity engine.Identity, filter engine.DeploymentFilter) ([]*engine.Deployment, error)
	AuthorizeCredential(ctx context.Context, identity engine.Identity, tenantID string) error
	Audit(ctx context.Context, identity engine.Identity, filter engine.AuditFilter) ([]*engine.AuditEntry, error)
}

// CredentialRegistrar validates and stores a tenant's role pair.
type CredentialRegistrar interface {
	Register(ctx context.Context, identity engine.Identity, tenantID, roleARN, externalID string) error
}

// Authenticator resolves the caller of a request. It returns nil and no
// error when the request carries no credentials.
type Authenticator interface {
	IdentityFromRequest(r *http.Request) (*engine.Identity, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Config configures the HTTP listener.
type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	// MetricsPath is where the scrape endpoint is mounted.
	MetricsPath string
}

// Dependencies are the collaborators of the server. Deployments, Credentials
// and Auth are required.
type Dependencies struct {
	Deployments DeploymentService
	Credentials CredentialRegistrar
	Auth        Authenticator

	// Events serves the live event WebSocket. Optional.
	Events http.Handler

	// Metrics serves the Prometheus scrape endpoint. Optional.
	Metrics http.Handler

	// HealthChecks are run by GET /health, keyed by dependency name.
	HealthChecks map[string]HealthCheck

	Recorder RequestRecorder
	Tracer   RequestTracer
	Logger   zerolog.Logger
}

// Server is the HTTP front end of the orchestrator.
type Server struct {
	cfg         Config
	deployments DeploymentService
	credentials CredentialRegistrar
	auth        Authenticator
	checks      map[string]HealthCheck
	recorder    RequestRecorder
	tracer      RequestTracer
	logger      zerolog.Logger
	mux         *http.ServeMux
	httpServer  *http.Server
}

// NewServer builds the server and its routes.
func NewServer(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Deployments == nil {
		return nil, fmt.Errorf("deployment service is required")
	}
	if deps.Credentials == nil {
		return nil, fmt.Errorf("credential registrar is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	s := &Server{
		cfg:         cfg,
		deployments: deps.Deployments,
		credentials: deps.Credentials,
		auth:        deps.Auth,
		checks:      deps.HealthChecks,
		recorder:    deps.Recorder,
		tracer:      deps.Tracer,
		logger:      deps.Logger.With().Str("component", "api").Logger(),
		mux:         http.NewServeMux(),
	}
	s.routes(deps.Events, deps.Metrics)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s, nil
}

func (s *Server) routes(events, metrics http.Handler) {
	s.handle("POST /api/deployments", s.authenticated(s.handleSubmit))
	s.handle("GET /api/deployments", s.authenticated(s.handleList))
	s.handle("GET /api/deployments/{id}", s.authenticated(s.handleGet))
	s.handle("GET /api/deployments/{id}/logs", s.authenticated(s.handleLogs))
	s.handle("POST /api/deployments/{id}/destroy", s.authenticated(s.handleDestroy))
	s.handle("PUT /api/tenants/{id}/credentials", s.authenticated(s.handleRegisterCredentials))
	s.handle("GET /api/audit", s.authenticated(s.handleAudit))

	s.handle("GET /health", http.HandlerFunc(s.handleHealth))
	if metrics != nil {
		s.mux.Handle("GET "+s.cfg.MetricsPath, metrics)
	}
	if events != nil {
		s.handle("GET /ws", events)
	}
}

func (s *Server) handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, s.instrument(pattern, h))
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("API server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones, bounded
// by the configured shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("API server shutdown: %w", err)
	}
	return nil
}
