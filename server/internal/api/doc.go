// Package api implements the dev proxy's diagnostic JSON endpoints.
//
// New(cfg, clients, store) returns an http.Handler that serves:
//
//	GET /__devproxy/health           liveness, always {"status":"ok"}
//	GET /__devproxy/status           target, ports, overrides, rules, clients, recent changes, hints
//	GET /__devproxy/changes          recent file changes, most recent first
//	GET /__devproxy/changes/{file}   the latest change for one file; 404 if unknown or expired
//
// All endpoints:
//   - Respond with Content-Type: application/json
//   - Return 405 for non-GET methods
//   - Never touch the upstream portal
//
// JSON types are defined in types.go. No external HTTP framework is used.
package api
