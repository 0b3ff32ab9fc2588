// Package regen decides when a preview surface is rebuilt.
//
// A Controller moves through Idle, Pending and Rebuilding. Edits restart a
// debounce window; when it closes, the controller resolves the current
// bundle from its provider, assembles it and swaps the result into the
// surface. Activating a surface that has nothing pending rebuilds at once,
// so first paint never waits for the window.
package regen
