// Package protocol defines the messages exchanged between a preview host and
// its sandboxed documents.
//
// Every message is a JSON envelope discriminated by its type field:
//
//	{"type": "console-log", "instance": "inst_...", "seq": 3, "payload": {...}}
//
// Core messages (console-log, iframe-error) come from the bootstrap injected
// into every document and are validated against their schema. Extension
// messages (code-content, language-switch, paste-limit-exceeded,
// execute-request, execute-response) share the channel and are carried
// without interpreting their payloads.
package protocol
