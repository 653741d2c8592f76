package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/drplane/drplane/pkg/process"
)

// Mock store for testing
type mockStore struct {
	mu          sync.Mutex
	deployments map[string]*Deployment
	credentials map[string]*TenantCredential
	audit       []*AuditEntry
	transitions []string
}

func newMockStore() *mockStore {
	return &mockStore{
		deployments: make(map[string]*Deployment),
		credentials: make(map[string]*TenantCredential),
	}
}

func (m *mockStore) CreateDeployment(ctx context.Context, d *Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.deployments[d.ID]; exists {
		return fmt.Errorf("deployment already exists: %s", d.ID)
	}
	c := *d
	m.deployments[d.ID] = &c
	return nil
}

func (m *mockStore) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return nil, NewNotFoundError("deployment not found", nil).WithResource(id)
	}
	c := *d
	return &c, nil
}

func (m *mockStore) ListDeployments(ctx context.Context, filter DeploymentFilter) ([]*Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Deployment
	for _, d := range m.deployments {
		if filter.TenantID != "" && d.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		c := *d
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *mockStore) TransitionDeployment(ctx context.Context, id string, from, to DeploymentStatus, logs *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return NewNotFoundError("deployment not found", nil).WithResource(id)
	}
	if d.Status != from {
		return NewConflictError(fmt.Sprintf("deployment is %s, expected %s", d.Status, from), nil)
	}
	d.Status = to
	if logs != nil {
		d.Logs = *logs
	}
	m.transitions = append(m.transitions, fmt.Sprintf("%s:%s->%s", id, from, to))
	return nil
}

func (m *mockStore) UpsertCredential(ctx context.Context, cred *TenantCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *cred
	m.credentials[cred.TenantID] = &c
	return nil
}

func (m *mockStore) GetCredential(ctx context.Context, tenantID string) (*TenantCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[tenantID]
	if !ok {
		return nil, NewNotFoundError("credentials not found", nil).WithResource(tenantID)
	}
	cp := *c
	return &cp, nil
}

func (m *mockStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = int64(len(m.audit) + 1)
	m.audit = append(m.audit, entry)
	return nil
}

func (m *mockStore) ListAuditEntries(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*AuditEntry{}, m.audit...), nil
}

func (m *mockStore) deploymentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deployments)
}

func (m *mockStore) transitionsFor(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, t := range m.transitions {
		if strings.HasPrefix(t, id+":") {
			out = append(out, strings.TrimPrefix(t, id+":"))
		}
	}
	return out
}

// Mock credential broker for testing
type mockBroker struct {
	mu      sync.Mutex
	err     error
	assumed []string
}

func (m *mockBroker) Assume(ctx context.Context, cred TenantCredential, sessionName string, duration time.Duration) (*SessionCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assumed = append(m.assumed, sessionName)
	if m.err != nil {
		return nil, m.err
	}
	return &SessionCredential{
		AccessKeyID:     "AKIA" + cred.TenantID,
		SecretAccessKey: "secret",
		SessionToken:    "token",
		Expiration:      time.Now().Add(duration),
	}, nil
}

func (m *mockBroker) Validate(ctx context.Context, roleARN, externalID string) bool {
	return m.err == nil
}

// Mock materializer for testing
type mockMaterializer struct {
	mu      sync.Mutex
	dir     string
	renders []string
}

func (m *mockMaterializer) Render(tenantID string, cfg SolutionConfig) (*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renders = append(m.renders, tenantID)
	varFile := "tfvars/tenant_" + tenantID + ".tfvars"
	return &Workspace{Name: tenantID, Dir: m.dir, VarFile: varFile, Path: m.dir + "/" + varFile}, nil
}

// scriptedResult describes how the mock runner answers one subcommand.
type scriptedResult struct {
	output []string
	err    error
	panics bool
	block  chan struct{}
}

// Mock process runner for testing
type mockRunner struct {
	mu       sync.Mutex
	script   map[string]scriptedResult
	calls    []process.Command
	active   map[string]int
	maxByKey map[string]int
}

func newMockRunner() *mockRunner {
	return &mockRunner{
		script:   make(map[string]scriptedResult),
		active:   make(map[string]int),
		maxByKey: make(map[string]int),
	}
}

// on scripts the result for a subcommand prefix such as "workspace new".
func (m *mockRunner) on(prefix string, res scriptedResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script[prefix] = res
}

func (m *mockRunner) Run(ctx context.Context, cmd process.Command, onChunk process.ChunkFunc) error {
	line := strings.Join(cmd.Args, " ")

	m.mu.Lock()
	m.calls = append(m.calls, cmd)
	var res scriptedResult
	matched := ""
	for prefix, r := range m.script {
		if strings.HasPrefix(line, prefix) && len(prefix) > len(matched) {
			res, matched = r, prefix
		}
	}
	tenant := cmd.Dir
	m.active[tenant]++
	if m.active[tenant] > m.maxByKey[tenant] {
		m.maxByKey[tenant] = m.active[tenant]
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.active[tenant]--
		m.mu.Unlock()
	}()

	if res.block != nil {
		<-res.block
	}
	if res.panics {
		panic("runner exploded")
	}
	for _, chunk := range res.output {
		if onChunk != nil {
			onChunk([]byte(chunk))
		}
	}
	return res.err
}

func (m *mockRunner) commandLines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, strings.Join(c.Args, " "))
	}
	return out
}

func (m *mockRunner) lastEnv() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	return m.calls[len(m.calls)-1].Env
}

// Mock event publisher for testing
type mockPublisher struct {
	mu     sync.Mutex
	events map[string][]Event
}

func newMockPublisher() *mockPublisher {
	return &mockPublisher{events: make(map[string][]Event)}
}

func (m *mockPublisher) Publish(tenantID string, event Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[tenantID] = append(m.events[tenantID], event)
}

func (m *mockPublisher) statusEvents(tenantID string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events[tenantID] {
		if e.Type == EventTypeStatus {
			out = append(out, e)
		}
	}
	return out
}

func (m *mockPublisher) logText(tenantID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var b strings.Builder
	for _, e := range m.events[tenantID] {
		if e.Type == EventTypeLog {
			b.WriteString(e.Log)
		}
	}
	return b.String()
}

// testHarness wires an orchestrator to mocks.
type testHarness struct {
	store     *mockStore
	broker    *mockBroker
	mat       *mockMaterializer
	runner    *mockRunner
	publisher *mockPublisher
	scheduler *Scheduler
	orch      *Orchestrator
}

func newTestHarness() *testHarness {
	h := &testHarness{
		store:     newMockStore(),
		broker:    &mockBroker{},
		mat:       &mockMaterializer{dir: "/work/terraform"},
		runner:    newMockRunner(),
		publisher: newMockPublisher(),
	}
	h.scheduler = NewScheduler(SchedulerConfig{MaxConcurrent: 4}, zerolog.Nop(), nil)

	orch, err := NewOrchestrator(OrchestratorConfig{
		Binary:  "terraform",
		Region:  "eu-west-1",
		BaseEnv: []string{"PATH=/usr/bin", "AWS_REGION=stale"},
	}, Dependencies{
		Store:        h.store,
		Broker:       h.broker,
		Materializer: h.mat,
		Runner:       h.runner,
		Scheduler:    h.scheduler,
		Publisher:    h.publisher,
		Logger:       zerolog.Nop(),
	})
	if err != nil {
		panic(err)
	}
	h.orch = orch

	_ = h.store.UpsertCredential(context.Background(), &TenantCredential{
		TenantID:   "acme",
		RoleARN:    "arn:aws:iam::123456789012:role/dr",
		ExternalID: "ext-1",
	})
	return h
}

// drain waits for every scheduled pipeline to finish.
func (h *testHarness) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.scheduler.Shutdown(ctx); err != nil {
		panic(err)
	}
}

func validReplicaConfig() ReadReplicaConfig {
	return ReadReplicaConfig{
		AWSRegion:             "us-east-1",
		AWSReadReplicaRegion:  "us-west-2",
		PrimaryDBIdentifier:   "prod-db",
		ReadReplicaIdentifier: "prod-db-replica",
		InstanceClass:         "db.t3.medium",
		VPCCIDR:               "10.0.0.0/16",
		PublicSubnetCIDRs:     []string{"10.0.1.0/24", "10.0.2.0/24"},
		NotificationEmail:     "ops@example.com",
		Environment:           "production",
		TagName:               "dr-replica",
	}
}

func validSnapshotConfig() SnapshotConfig {
	return SnapshotConfig{
		PrimaryRegion:       "us-east-1",
		DRRegion:            "eu-west-1",
		PrimaryDBIdentifier: "orders-db",
		ProjectName:         "orders",
		SNSEmail:            "alerts@example.com",
		Tags:                map[string]string{"Environment": "prod", "ManagedBy": "drplane"},
	}
}

var (
	tenantAdmin = Identity{UserID: "admin-1", Role: RoleAdmin}
	tenantAcme  = Identity{UserID: "user-1", TenantID: "acme", Role: RoleTenant}
	tenantOther = Identity{UserID: "user-2", TenantID: "globex", Role: RoleTenant}
)
