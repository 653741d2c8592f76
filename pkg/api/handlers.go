package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/drplane/drplane/pkg/engine"
)

const maxBodyBytes = 1 << 20

// SubmitRequest is the body of POST /api/deployments.
type SubmitRequest struct {
	TenantID   string          `json:"tenantId"`
	DRConfig   json.RawMessage `json:"drConfig"`
	IAMRoleARN string          `json:"iamRoleArn"`
	ExternalID string          `json:"externalId"`
}

// CredentialsRequest is the body of PUT /api/tenants/{id}/credentials.
type CredentialsRequest struct {
	IAMRoleARN string `json:"iamRoleArn"`
	ExternalID string `json:"externalId"`
}

// LogsResponse is the body of GET /api/deployments/{id}/logs.
type LogsResponse struct {
	Logs string `json:"logs"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return errors.New("request body is not valid JSON")
	}
	return nil
}

func missingFields(fields map[string]string) []string {
	var missing []string
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// handleSubmit registers the tenant's credentials and submits the
// deployment. Request problems are rejected before either collaborator is
// called.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())

	var req SubmitRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	fields := map[string]string{
		"tenantId":   req.TenantID,
		"iamRoleArn": req.IAMRoleARN,
		"externalId": req.ExternalID,
	}
	if len(req.DRConfig) == 0 || string(req.DRConfig) == "null" {
		fields["drConfig"] = ""
	}
	if missing := missingFields(fields); len(missing) > 0 {
		writeBadRequest(w, "missing required fields: "+strings.Join(missing, ", "))
		return
	}

	cfg, err := engine.DecodeSolutionConfig(req.DRConfig)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, s.logger, err)
		return
	}

	ctx := r.Context()
	if err := s.deployments.AuthorizeCredential(ctx, identity, req.TenantID); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := s.credentials.Register(ctx, identity, req.TenantID, req.IAMRoleARN, req.ExternalID); err != nil {
		writeError(w, s.logger, err)
		return
	}

	d, err := s.deployments.Submit(ctx, identity, req.TenantID, cfg)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	q := r.URL.Query()

	limit, offset, err := pagination(q.Get("limit"), q.Get("offset"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	filter := engine.DeploymentFilter{
		TenantID: q.Get("tenantId"),
		Limit:    limit,
		Offset:   offset,
	}
	if status := q.Get("status"); status != "" {
		filter.Status = engine.DeploymentStatus(strings.ToUpper(status))
		if err := filter.Status.Validate(); err != nil {
			writeBadRequest(w, err.Error())
			return
		}
	}

	deployments, err := s.deployments.List(r.Context(), identity, filter)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if deployments == nil {
		deployments = []*engine.Deployment{}
	}
	writeJSON(w, http.StatusOK, deployments)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	d, err := s.deployments.Get(r.Context(), identity, r.PathValue("id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	logs, err := s.deployments.Logs(r.Context(), identity, r.PathValue("id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, LogsResponse{Logs: logs})
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	d, err := s.deployments.Destroy(r.Context(), identity, r.PathValue("id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleRegisterCredentials(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	tenantID := r.PathValue("id")

	var req CredentialsRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if missing := missingFields(map[string]string{
		"iamRoleArn": req.IAMRoleARN,
		"externalId": req.ExternalID,
	}); len(missing) > 0 {
		writeBadRequest(w, "missing required fields: "+strings.Join(missing, ", "))
		return
	}

	if err := s.deployments.AuthorizeCredential(r.Context(), identity, tenantID); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := s.credentials.Register(r.Context(), identity, tenantID, req.IAMRoleARN, req.ExternalID); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	q := r.URL.Query()

	limit, offset, err := pagination(q.Get("limit"), q.Get("offset"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	entries, err := s.deployments.Audit(r.Context(), identity, engine.AuditFilter{
		Action: q.Get("action"),
		Actor:  q.Get("actor"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if entries == nil {
		entries = []*engine.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok"}
	status := http.StatusOK
	if len(s.checks) > 0 {
		resp.Checks = make(map[string]string, len(s.checks))
	}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			s.logger.Warn().Err(err).Str("check", name).Msg("Health check failed")
			resp.Checks[name] = err.Error()
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}

func pagination(limitStr, offsetStr string) (int, int, error) {
	var limit, offset int
	var err error
	if limitStr != "" {
		if limit, err = strconv.Atoi(limitStr); err != nil || limit < 0 {
			return 0, 0, errors.New("limit must be a non-negative integer")
		}
	}
	if offsetStr != "" {
		if offset, err = strconv.Atoi(offsetStr); err != nil || offset < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}
