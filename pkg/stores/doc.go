// Package stores persists deployments, tenant credentials, and the audit
// trail in SQL.
//
// SQLStore runs on SQLite (pure Go, WAL mode) for single-node installs and on
// PostgreSQL for shared deployments. Schema changes ship as embedded
// migrations applied with Migrate.
//
// Status changes go through TransitionDeployment, a compare-and-set on the
// current status: a writer that lost a race gets a Conflict error instead of
// silently overwriting a terminal state.
package stores
