package credentials

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drplane/drplane/pkg/engine"
)

type memoryCredentialStore struct {
	creds map[string]*engine.TenantCredential
	audit []*engine.AuditEntry
	err   error
}

func newMemoryCredentialStore() *memoryCredentialStore {
	return &memoryCredentialStore{creds: make(map[string]*engine.TenantCredential)}
}

func (m *memoryCredentialStore) UpsertCredential(ctx context.Context, cred *engine.TenantCredential) error {
	if m.err != nil {
		return m.err
	}
	m.creds[cred.TenantID] = cred
	return nil
}

func (m *memoryCredentialStore) CreateAuditEntry(ctx context.Context, entry *engine.AuditEntry) error {
	m.audit = append(m.audit, entry)
	return nil
}

type stubBroker struct {
	valid bool
}

func (s stubBroker) Assume(ctx context.Context, cred engine.TenantCredential, sessionName string, duration time.Duration) (*engine.SessionCredential, error) {
	return nil, errors.New("not used")
}

func (s stubBroker) Validate(ctx context.Context, roleARN, externalID string) bool {
	return s.valid
}

var registrant = engine.Identity{UserID: "user-1", TenantID: "acme", Role: engine.RoleTenant}

func TestRegisterStoresValidatedCredential(t *testing.T) {
	store := newMemoryCredentialStore()
	r := NewRegistry(store, stubBroker{valid: true}, zerolog.Nop())

	require.NoError(t, r.Register(context.Background(), registrant, "acme", testRoleARN, "ext-1"))

	cred := store.creds["acme"]
	require.NotNil(t, cred)
	assert.Equal(t, testRoleARN, cred.RoleARN)
	assert.Equal(t, "ext-1", cred.ExternalID)

	require.Len(t, store.audit, 1)
	assert.Equal(t, engine.AuditCredentialSaved, store.audit[0].Action)
	assert.Equal(t, "user-1", store.audit[0].Actor)
	assert.NotContains(t, store.audit[0].Details, "ext-1")
}

func TestRegisterReplacesCredential(t *testing.T) {
	store := newMemoryCredentialStore()
	r := NewRegistry(store, stubBroker{valid: true}, zerolog.Nop())

	require.NoError(t, r.Register(context.Background(), registrant, "acme", testRoleARN, "ext-1"))
	require.NoError(t, r.Register(context.Background(), registrant, "acme", testRoleARN, "ext-2"))

	assert.Len(t, store.creds, 1)
	assert.Equal(t, "ext-2", store.creds["acme"].ExternalID)
}

func TestRegisterRejectsInvalidPair(t *testing.T) {
	store := newMemoryCredentialStore()
	r := NewRegistry(store, stubBroker{valid: false}, zerolog.Nop())

	err := r.Register(context.Background(), registrant, "acme", testRoleARN, "ext-1")
	assert.True(t, engine.IsCredential(err))
	assert.Empty(t, store.creds)
	assert.Empty(t, store.audit)
}

func TestRegisterInputErrors(t *testing.T) {
	r := NewRegistry(newMemoryCredentialStore(), stubBroker{valid: true}, zerolog.Nop())

	assert.True(t, engine.IsValidation(r.Register(context.Background(), registrant, "", testRoleARN, "x")))
	assert.True(t, engine.IsCredential(r.Register(context.Background(), registrant, "acme", "garbage", "x")))
	assert.True(t, engine.IsValidation(r.Register(context.Background(), registrant, "acme", testRoleARN, "")))
}

func TestRegisterStoreFailure(t *testing.T) {
	store := newMemoryCredentialStore()
	store.err = errors.New("disk full")
	r := NewRegistry(store, stubBroker{valid: true}, zerolog.Nop())

	err := r.Register(context.Background(), registrant, "acme", testRoleARN, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}
