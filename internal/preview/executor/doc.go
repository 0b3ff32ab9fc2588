// Package executor runs user code on the remote execution backend on behalf
// of sandboxed documents.
//
// Sandboxes never execute backend code themselves. They send an
// execute-request message; the surface hands it to Client.Respond, which
// posts the code to <backend>/api/execute-endpoint and answers with an
// execute-response carrying the same id.
//
// Calls pass through a rate limiter and a circuit breaker. Faults in the
// user's program come back as a Result with Error set and do not count
// against the backend; transport failures and 5xx responses do.
package executor
