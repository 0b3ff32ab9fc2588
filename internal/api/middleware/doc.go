// Package middleware provides the gin middleware of the preview server.
//
//   - CORS: gin-contrib/cors with the origins from configuration
//   - RateLimit: per-IP token buckets that are dropped once a client goes quiet
//   - GlobalRateLimit: one token bucket shared by all clients, used for /capture
//   - DocumentHeaders: security headers for assembled preview documents
//
// Example Usage:
//
//	router.Use(middleware.CORS(middleware.DefaultCORSConfig().WithOrigins(cfg.Server.AllowedOrigins)))
//	router.Use(middleware.RateLimit(middleware.RateLimitConfig{RequestsPerSecond: 100, Burst: 200}))
package middleware
