package engine

import (
	"context"
	"fmt"
	"sync"
)

// MemoryLocker is an in-process TenantLocker. It is sufficient when a single
// server instance runs pipelines.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*tenantLock
}

type tenantLock struct {
	sem  chan struct{}
	refs int
}

// NewMemoryLocker creates an empty locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*tenantLock)}
}

// Lock implements TenantLocker.
func (m *MemoryLocker) Lock(ctx context.Context, tenantID string) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[tenantID]
	if !ok {
		l = &tenantLock{sem: make(chan struct{}, 1)}
		m.locks[tenantID] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		m.release(tenantID, l)
		return nil, fmt.Errorf("waiting for tenant lock %s: %w", tenantID, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			m.release(tenantID, l)
		})
	}, nil
}

func (m *MemoryLocker) release(tenantID string, l *tenantLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, tenantID)
	}
}

// OwnerAuthorizer allows admins everything and tenants their own tenant,
// except the audit trail. It is the fallback when no policy engine is wired.
type OwnerAuthorizer struct{}

// Authorize implements Authorizer.
func (OwnerAuthorizer) Authorize(_ context.Context, identity Identity, action Action, tenantID string) error {
	if identity.IsAdmin() {
		return nil
	}
	if action != ActionReadAudit && identity.TenantID != "" && identity.TenantID == tenantID {
		return nil
	}
	return NewAccessDeniedError(fmt.Sprintf("%s is not permitted for tenant %q", action, tenantID), nil)
}
