// Package main is the entry point for the sandbox preview server.
//
// The server assembles user HTML, CSS and JavaScript into preview documents,
// runs them in isolated sandboxes and streams their console output to
// editors. It provides:
//   - REST API for surfaces, sources and documents
//   - WebSocket streaming of console, error and rebuild events
//   - Off-screen capture of rendered previews
//   - Proxied code execution with rate limiting and a circuit breaker
//   - Prometheus metrics at /metrics
//
// Configuration:
//   - Environment variables (12-factor)
//   - CLI flags (override env vars)
//
// Usage:
//
//	./server -port 8000 -backend http://localhost:5000
//
//	# Development mode (colored logs, debug level)
//	./server -dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
