// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Workflow listing and execution start
//   - Execution queries, cancellation and approval signals
//   - Cron schedule registration
//   - Health checks and Prometheus metrics
package http
