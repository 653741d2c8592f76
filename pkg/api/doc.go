// Package api exposes the orchestrator over HTTP.
//
// All /api routes require an HS256 bearer token whose claims carry the
// caller's user, tenant and role. /health and /metrics are public. The
// live event WebSocket at /ws accepts the token in the Authorization header
// or the token query parameter.
//
// Engine errors are mapped onto status codes by StatusFor and rendered as
// {"error": CODE, "message": text}. Unclassified failures are logged and
// reported as a generic 500.
package api
