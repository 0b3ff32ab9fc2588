// Package validate checks identifiers and payloads received from clients
// before they reach a workspace or a sandbox.
package validate
