// Package server implements the HTTP side of hookbuild.
//
// This package provides:
//   - The GitHub webhook endpoint: origin filtering, HMAC-SHA256 signature
//     verification over the raw body, then a serialized build
//   - Per-client rate limiting of webhook deliveries
//   - Liveness, health and build status endpoints
//   - Structured logging of all HTTP requests
//
// The server integrates with other packages:
//   - internal/origin: allowed source ranges and proxy-aware client address
//   - internal/security: signature verification
//   - internal/build: the single-worker build queue
//   - internal/history: SQLite build history for the status endpoint
//
// A webhook response is written only after its build has finished, so the
// HTTP server has no write timeout.
package server
