// Package engine provides the deployment orchestrator for drplane.
//
// # Overview
//
// drplane provisions disaster-recovery infrastructure into tenant cloud
// accounts by driving an infrastructure-as-code tool as a child process.
// A deployment moves through a fixed pipeline:
//
//  1. Render - Write the tenant's variables file (Materializer)
//  2. Credentials - Assume the tenant's role (CredentialBroker)
//  3. Init - Prepare the solution directory
//  4. Workspace - Create the tenant workspace, or select it if it exists
//  5. Plan - Compute the change set
//  6. Apply - Provision the resources
//
// A destroy runs workspace select followed by destroy instead.
//
// # Lifecycle
//
// Every deployment record follows the same state machine:
//
//	PENDING -> RUNNING -> SUCCEEDED
//	                   -> FAILED
//
// Destroy records are created directly in RUNNING. Transitions are applied
// conditionally by the Store so a record can never move backwards.
//
// # Concurrency
//
// Pipelines run on a Scheduler, detached from the request that submitted
// them. Runs for the same tenant are serialized by a TenantLocker because
// they share one workspace and one variables file. Panics in a pipeline are
// recovered and the deployment is marked FAILED.
//
// # Error Classification
//
// Errors returned to callers are EngineErrors with a class the API layer maps
// to a response status:
//
//	if engine.IsInvalidState(err) {
//	    // the source deployment was not SUCCEEDED
//	}
package engine
