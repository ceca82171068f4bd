// Package websocket streams execution lifecycle events to browsers.
//
// Clients connect to /api/v1/executions/:id/ws. The first frame is the
// execution snapshot; every later frame wraps one lifecycle event of that
// execution.
package websocket
