// Package api exposes the record pipeline over HTTP: the /v1 record
// routes plus /health, /ready, and /metrics. Callers are identified by
// the X-User-ID header set by the fronting gateway; a read-only mode
// guards listeners that must not accept writes. Errors cross the API
// as a stable kind plus the top-level message only.
package api
