// Package surface owns the lifecycle of sandbox instances on a preview
// surface.
//
// Every rebuild produces a fresh instance: a new render target, a new
// channel and a new instance id. Swap subscribes the new channel before
// the old one is unsubscribed, closed and detached, and every message is
// checked against the live instance id, so rapid rebuilds never leak events
// from instance N-1 into instance N's console.
//
// The surface also answers execute-request messages through its Executor
// and posts the execute-response back to the instance that asked.
package surface
