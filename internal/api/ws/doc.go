// Package ws streams preview events to clients over WebSocket.
//
// A connection to /surfaces/:id/events receives:
//   - ready: sent once replay is done, with the last replayed seq
//   - entry: a console or error event from the live instance
//   - rebuild: a finished rebuild of the surface
//   - error: a client message that could not be delivered
//
// Clients may send extension protocol messages (language-switch,
// code-content and so on); they are posted to the live instance.
// console-log and iframe-error are only ever produced by the sandbox.
package ws
