// Package config provides 12-factor configuration for the preview server.
//
// Configuration is loaded from environment variables with sensible defaults.
//
// Configuration Sections:
//   - Server: HTTP listen address and allowed CORS origins
//   - Preview: debounce window, console history size, backend URL
//   - Sandbox: per-run execution budget
//   - Capture: settle delay, body attach timeout and global capture rate
//   - Executor: rate, timeout and retries for the execution backend
//   - Logging: log level and output format
//   - RateLimit: per-IP rate limiting
//
// Example Usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Server running on %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//
// Environment Variables:
//   - PORT, HOST, CORS_ORIGINS
//   - PREVIEW_BACKEND_URL, PREVIEW_DEBOUNCE, CONSOLE_HISTORY
//   - SANDBOX_TIMEOUT, CAPTURE_SETTLE, CAPTURE_ATTACH_TIMEOUT, CAPTURE_RPS
//   - EXECUTOR_RPS, EXECUTOR_TIMEOUT, EXECUTOR_RETRIES
//   - LOG_LEVEL, LOG_DEV
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_ENABLED
package config
