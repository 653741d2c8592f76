package engine

import (
	"fmt"
)

// DeploymentStatus represents the lifecycle state of a deployment.
type DeploymentStatus string

const (
	// StatusPending indicates the deployment is recorded but its pipeline has not started.
	StatusPending DeploymentStatus = "PENDING"

	// StatusRunning indicates the pipeline is executing.
	StatusRunning DeploymentStatus = "RUNNING"

	// StatusSucceeded indicates every pipeline phase exited successfully.
	StatusSucceeded DeploymentStatus = "SUCCEEDED"

	// StatusFailed indicates a phase, or the credential exchange, failed.
	StatusFailed DeploymentStatus = "FAILED"
)

// IsTerminal returns true if the status represents a final state.
func (s DeploymentStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// IsActive returns true if the deployment is in flight.
func (s DeploymentStatus) IsActive() bool {
	return s == StatusPending || s == StatusRunning
}

// CanTransitionTo reports whether moving from s to next is allowed.
// PENDING may only advance to RUNNING; RUNNING may only end.
func (s DeploymentStatus) CanTransitionTo(next DeploymentStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusSucceeded || next == StatusFailed
	default:
		return false
	}
}

// Validate checks if the status is valid.
func (s DeploymentStatus) Validate() error {
	switch s {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid deployment status: %s", s)
	}
}

// Operation distinguishes the two pipelines a deployment can run.
type Operation string

const (
	// OperationApply provisions infrastructure.
	OperationApply Operation = "apply"

	// OperationDestroy tears it down.
	OperationDestroy Operation = "destroy"
)

// Validate checks if the operation is valid.
func (o Operation) Validate() error {
	switch o {
	case OperationApply, OperationDestroy:
		return nil
	default:
		return fmt.Errorf("invalid operation: %s", o)
	}
}

// InitialStatus returns the status a new record for this operation starts in.
// A destroy skips PENDING since its prerequisite record already exists.
func (o Operation) InitialStatus() DeploymentStatus {
	if o == OperationDestroy {
		return StatusRunning
	}
	return StatusPending
}
