/*
Package monitoring provides Prometheus metrics for the preview service.

# Overview

Each Metrics value owns its registry, so tests and embedded hosts can create
as many collectors as they need. A nil *Metrics records nothing, which lets
preview components take metrics as an optional dependency.

# Metrics

- HTTP requests (count, latency, response size)
- Broker messages by type and outcome, stale drops, swallowed send failures
- Surfaces, live sandbox instances, rebuild outcomes and latency
- Captures by outcome and the capture host's live target count
- Backend executor calls
- WebSocket connections and messages

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
*/
package monitoring
