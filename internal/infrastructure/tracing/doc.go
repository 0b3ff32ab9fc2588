/*
Package tracing provides lightweight request tracing.

A span is started for every HTTP request and for every call the executor
makes to the code execution backend. Trace context travels in the
X-Trace-ID and X-Span-ID headers, so a backend that honours them can
correlate its logs with the preview server's.

# Usage

	tracer := tracing.New("sandbox-preview", logger)
	defer tracer.Close()

	router.Use(tracing.HTTPMiddleware(tracer))

	span, ctx := tracer.StartSpan(ctx, "executor.execute")
	defer func() {
		span.Finish()
		tracer.Submit(span)
	}()
	tracing.Inject(ctx, req.Header)

Finished spans are buffered and logged by a single collector goroutine; a
full buffer drops spans rather than blocking requests.
*/
package tracing
