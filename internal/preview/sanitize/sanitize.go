// Package sanitize strips the few constructs in user fragments that could
// undermine the preview isolation: nested frames and plugin embeds, meta
// tags that would override the injected security policy, markup posing as
// the assembler's own scripts, CSS that fetches or binds behaviour, and
// textual references to the hosting window.
//
// This is defense-in-depth. The sandbox capability set on the render
// target is the security boundary; these rules are textual heuristics and
// deliberately narrow so legitimate code passes through untouched.
package sanitize

import (
	"regexp"

	"github.com/GriffinCanCode/sandbox-preview/internal/preview/source"
)

// maxPasses bounds fixed-point iteration; each pass strictly shrinks or
// rewrites a match so real inputs settle in one or two passes
const maxPasses = 16

type rule struct {
	re   *regexp.Regexp
	repl string
}

var htmlRules = []rule{
	// paired embeds, content included
	{regexp.MustCompile(`(?is)<(iframe|frame|frameset|object|applet|portal)(?:[\s/][^>]*)?>.*?</(iframe|frame|frameset|object|applet|portal)\s*>`), ""},
	// void or unterminated embeds
	{regexp.MustCompile(`(?is)</?(iframe|frame|frameset|object|applet|portal|embed)(?:[\s/][^>]*)?>`), ""},
	{regexp.MustCompile(`(?is)<meta\b[^>]*\bhttp-equiv\b[^>]*>`), ""},
	// attributes the assembler uses to mark its own scripts
	{regexp.MustCompile(`(?i)(<[a-z][^\s/>]*(?:\s[^>]*?)?)\s+data-(?:preview|source)-[\w.:-]*(?:\s*=\s*(?:"[^"]*"|'[^']*'|[^\s"'>]+))?`), "$1"},
}

var cssRules = []rule{
	{regexp.MustCompile(`(?i)@import\b[^;\n]*;?`), ""},
	{regexp.MustCompile(`(?i)(^|[{;\s])(?:-moz-)?binding\s*:[^;}]*;?`), "$1"},
	{regexp.MustCompile(`(?i)(^|[{;\s])behavior\s*:[^;}]*;?`), "$1"},
}

var jsRules = []rule{
	{regexp.MustCompile(`\b(window|self|globalThis)\s*\.\s*(parent|top)\b`), "$1"},
	{regexp.MustCompile(`(^|[^.\w$])(parent|top)\s*\.`), "${1}window."},
}

// Bundle returns a sanitized copy of b. It never fails and is idempotent.
func Bundle(b source.Bundle) source.Bundle {
	out := b
	out.HTML = HTML(b.HTML)
	out.CSS = CSS(b.CSS)
	out.JS = JS(b.JS)
	return out
}

// HTML removes frame-like and plugin embeds, http-equiv meta tags and the
// reserved data-preview-* and data-source-* attributes
func HTML(s string) string { return apply(s, htmlRules) }

// CSS removes @import rules and legacy behavior/binding declarations
func CSS(s string) string { return apply(s, cssRules) }

// JS rewrites references to the parent and top windows into
// self-references
func JS(s string) string { return apply(s, jsRules) }

func apply(s string, rules []rule) string {
	for i := 0; i < maxPasses; i++ {
		next := s
		for _, r := range rules {
			next = r.re.ReplaceAllString(next, r.repl)
		}
		if next == s {
			return s
		}
		s = next
	}
	return s
}
