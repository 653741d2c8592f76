package credentials

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/drplane/drplane/pkg/engine"
)

// CredentialStore is the persistence the registry needs.
type CredentialStore interface {
	UpsertCredential(ctx context.Context, cred *engine.TenantCredential) error
	CreateAuditEntry(ctx context.Context, entry *engine.AuditEntry) error
}

// Registry validates and stores tenant credentials.
type Registry struct {
	store  CredentialStore
	broker engine.CredentialBroker
	logger zerolog.Logger
	now    func() time.Time
}

// NewRegistry creates a registry.
func NewRegistry(store CredentialStore, broker engine.CredentialBroker, logger zerolog.Logger) *Registry {
	return &Registry{
		store:  store,
		broker: broker,
		logger: logger.With().Str("component", "credential_registry").Logger(),
		now:    time.Now,
	}
}

// Register validates the role pair with a trial assumption and replaces the
// tenant's stored credential. Nothing is stored when validation fails.
func (r *Registry) Register(ctx context.Context, identity engine.Identity, tenantID, roleARN, externalID string) error {
	if err := engine.ValidateTenantID(tenantID); err != nil {
		return err
	}
	if err := CheckRoleARN(roleARN); err != nil {
		return err
	}
	if externalID == "" {
		return engine.NewValidationError("missing required fields: externalId", nil)
	}

	if !r.broker.Validate(ctx, roleARN, externalID) {
		r.logger.Warn().Str("tenant_id", tenantID).Msg("Credential validation failed")
		return engine.NewCredentialError("invalid AWS credentials", nil).WithResource(tenantID)
	}

	now := r.now()
	cred := &engine.TenantCredential{
		TenantID:   tenantID,
		RoleARN:    roleARN,
		ExternalID: externalID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.store.UpsertCredential(ctx, cred); err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}

	if err := r.store.CreateAuditEntry(ctx, &engine.AuditEntry{
		Action:    engine.AuditCredentialSaved,
		Actor:     identity.UserID,
		TargetID:  tenantID,
		Timestamp: now,
	}); err != nil {
		r.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("Failed to write audit entry")
	}

	r.logger.Info().Str("tenant_id", tenantID).Msg("Tenant credentials registered")
	return nil
}
