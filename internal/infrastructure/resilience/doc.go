/*
Package resilience provides the circuit breaker used in front of the code
execution backend.

# States

	Closed --[trip]-> Open --[cooldown]-> Half-Open --[probes succeed]-> Closed
	                                          |
	                                      [failure]
	                                          v
	                                        Open

Counts are kept per generation. Every state change, and every window
rollover while closed, starts a new generation, and outcomes of calls
admitted in an older generation are dropped.

# Usage

	b := resilience.New("executor", resilience.Options{
		Cooldown: 10 * time.Second,
		Trip: func(c resilience.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
	})

	result, err := resilience.Call(ctx, b, func(ctx context.Context) (*Result, error) {
		return client.post(ctx, req)
	})
	if errors.Is(err, resilience.ErrOpen) {
		// backend is cooling down
	}

Errors caused by the caller's own context are not counted as backend
failures; Options.Failure can narrow this further, for example to ignore
4xx responses.
*/
package resilience
