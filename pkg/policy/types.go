package policy

import (
	"time"

	"github.com/drplane/drplane/pkg/engine"
)

// Package is the Rego package every authorization module contributes to.
const Package = "drplane.authz"

// Policy is one Rego module.
type Policy struct {
	// Name identifies the module. For file policies it is the file name
	// without extension.
	Name string `json:"name"`

	// Description is taken from the leading comment block.
	Description string `json:"description,omitempty"`

	// Source is the file the module was read from, empty for built-ins.
	Source string `json:"source,omitempty"`

	// Rego contains the module text.
	Rego string `json:"rego"`

	// LoadedAt is when the module was read.
	LoadedAt time.Time `json:"loaded_at"`
}

// Input is the document policies see as `input`.
type Input struct {
	Identity identityInput `json:"identity"`
	Action   string        `json:"action"`
	TenantID string        `json:"tenantId"`
	Time     time.Time     `json:"time"`
}

type identityInput struct {
	UserID   string `json:"userId"`
	TenantID string `json:"tenantId"`
	Role     string `json:"role"`
}

// NewInput builds the evaluation input for one authorization request.
func NewInput(identity engine.Identity, action engine.Action, tenantID string) Input {
	return Input{
		Identity: identityInput{
			UserID:   identity.UserID,
			TenantID: identity.TenantID,
			Role:     string(identity.Role),
		},
		Action:   string(action),
		TenantID: tenantID,
		Time:     time.Now().UTC(),
	}
}

// Decision is the outcome of an evaluation.
type Decision struct {
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons,omitempty"`
}
