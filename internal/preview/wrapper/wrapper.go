// Package wrapper turns a user script into the body that the preview
// bootstrap constructs with `new Function`, and owns the line arithmetic
// that maps positions in an assembled document back to the user's source.
//
// The user source is carried as a template literal whose escaping never
// adds or removes a newline, so user line k always lands on document line
// LineOffset+k.
package wrapper

import (
	"strings"
)

// ErrorKind classifies a user-code fault
type ErrorKind string

const (
	// KindSyntax means constructing the function from source failed
	KindSyntax ErrorKind = "SyntaxError"
	// KindRuntime means construction succeeded and invocation threw
	KindRuntime ErrorKind = "RuntimeError"
	// KindUnhandledRejection means an async rejection was never caught
	KindUnhandledRejection ErrorKind = "UnhandledRejection"
)

const (
	// DefaultSourceTag is the synthetic file name attached to user code so
	// stack frames belonging to it can be found without real paths
	DefaultSourceTag = "preview-user.js"

	// RunFunc is the bootstrap entry point the wrapped script calls
	RunFunc = "__previewRun"

	// Prologue sits on the script tag line; user code starts on the next line
	Prologue = "window." + RunFunc + "(`\n"

	// Epilogue closes the literal on the line after the last user line
	Epilogue = "\n`);\n"
)

// Wrap produces the script text for the user code
func Wrap(js string) string {
	return Prologue + Escape(js) + Epilogue
}

// Unwrap recovers the user code from wrapped script text. ok is false when
// the text was not produced by Wrap.
func Unwrap(script string) (string, bool) {
	body, found := strings.CutPrefix(script, Prologue)
	if !found {
		return "", false
	}
	body, found = strings.CutSuffix(body, Epilogue)
	if !found {
		return "", false
	}
	return Unescape(body), true
}

// Escape encodes s as the body of a JS template literal that is also safe
// inside an HTML script element. Escaping is one byte per escaped byte and
// never touches newlines.
func Escape(s string) string {
	var b strings.Builder
	b.Grow(len(s) + len(s)/8)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\', '`', '$':
			b.WriteByte('\\')
			b.WriteByte(c)
		case '<':
			b.WriteByte(c)
			if i+1 < len(s) && (s[i+1] == '/' || s[i+1] == '!') {
				b.WriteByte('\\')
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Unescape reverses Escape
func Unescape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// CorrectLine maps a raw document line to a user line
func CorrectLine(raw, offset int) int {
	if line := raw - offset; line > 1 {
		return line
	}
	return 1
}

// CountLines returns the number of lines in s; an empty string has one
func CountLines(s string) int {
	return strings.Count(s, "\n") + 1
}
