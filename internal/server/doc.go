// Package server hosts the session gateway behind a single HTTP server.
//
// The server builds a consistent middleware chain of request IDs, logging,
// metrics, rate limiting, and security headers so the socket endpoint and the
// ingest webhook share common protections and instrumentation.
//
// It serves the WebSocket endpoint, the ingest webhook, and the health,
// readiness, and metrics routes, keeping everything behind one multiplexer.
package server
