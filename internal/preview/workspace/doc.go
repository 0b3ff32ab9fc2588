// Package workspace mounts preview surfaces for a server. Each mount pairs a
// surface with a regeneration controller and two source stores: a fragment
// store for single-fragment editors and a project store for file trees with
// unsaved buffers. Whichever store was written last feeds the next rebuild.
package workspace
