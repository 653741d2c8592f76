package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/drplane/drplane/pkg/engine"
)

const decisionQuery = "allow := data.drplane.authz.allow; deny := data.drplane.authz.deny"

// Engine evaluates Rego authorization policies. It implements engine.Authorizer.
type Engine struct {
	mu       sync.RWMutex
	query    rego.PreparedEvalQuery
	policies []Policy
	loadedAt time.Time
	logger   zerolog.Logger
}

var _ engine.Authorizer = (*Engine)(nil)

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		logger: logger.With().Str("component", "policy-engine").Logger(),
	}
	if err := e.Load(context.Background(), nil); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	return e, nil
}

// Load compiles the built-in policies together with extra and swaps them in.
// On error the previously loaded set stays active.
func (e *Engine) Load(ctx context.Context, extra []Policy) error {
	policies := append(BuiltinPolicies(), extra...)

	opts := []func(*rego.Rego){rego.Query(decisionQuery)}
	seen := make(map[string]bool, len(policies))
	for i := range policies {
		p := &policies[i]
		if seen[p.Name] {
			return fmt.Errorf("duplicate policy name: %s", p.Name)
		}
		seen[p.Name] = true

		if _, err := ast.ParseModule(p.Name, p.Rego); err != nil {
			return fmt.Errorf("failed to parse policy %s: %w", p.Name, err)
		}
		if p.LoadedAt.IsZero() {
			p.LoadedAt = time.Now()
		}
		opts = append(opts, rego.Module(p.Name+".rego", p.Rego))
	}

	query, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.mu.Lock()
	e.query = query
	e.policies = policies
	e.loadedAt = time.Now()
	e.mu.Unlock()

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded")
	return nil
}

// LoadDir loads every .rego file under dir on top of the built-ins.
func (e *Engine) LoadDir(ctx context.Context, loader *Loader, dir string) error {
	policies, err := loader.LoadFromPaths(ctx, []string{dir})
	if err != nil {
		return err
	}
	return e.Load(ctx, policies)
}

// Evaluate returns the decision for input.
func (e *Engine) Evaluate(ctx context.Context, input Input) (*Decision, error) {
	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	rs, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}
	if len(rs) == 0 {
		return nil, fmt.Errorf("policy evaluation returned no result")
	}

	allowed, _ := rs[0].Bindings["allow"].(bool)
	var reasons []string
	if deny, ok := rs[0].Bindings["deny"].([]interface{}); ok {
		for _, d := range deny {
			reasons = append(reasons, fmt.Sprintf("%v", d))
		}
	}
	sort.Strings(reasons)

	return &Decision{
		Allowed: allowed && len(reasons) == 0,
		Reasons: reasons,
	}, nil
}

// Authorize implements engine.Authorizer. Evaluation failures deny.
func (e *Engine) Authorize(ctx context.Context, identity engine.Identity, action engine.Action, tenantID string) error {
	decision, err := e.Evaluate(ctx, NewInput(identity, action, tenantID))
	if err != nil {
		e.logger.Error().Err(err).
			Str("action", string(action)).
			Str("tenant_id", tenantID).
			Msg("Policy evaluation failed")
		return engine.NewInternalError("authorization unavailable", err)
	}
	if decision.Allowed {
		return nil
	}

	msg := fmt.Sprintf("%s is not permitted for tenant %q", action, tenantID)
	e.logger.Debug().
		Str("user_id", identity.UserID).
		Str("action", string(action)).
		Str("tenant_id", tenantID).
		Strs("reasons", decision.Reasons).
		Msg("Access denied")

	denied := engine.NewAccessDeniedError(msg, nil)
	if len(decision.Reasons) > 0 {
		denied = denied.WithDetail("reasons", strings.Join(decision.Reasons, "; "))
	}
	return denied
}

// ListPolicies returns the loaded modules, built-ins first.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, len(e.policies))
	copy(out, e.policies)
	return out
}

// LoadedAt reports when the active policy set was compiled.
func (e *Engine) LoadedAt() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.loadedAt
}
