package assemble

import (
	"encoding/hex"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/GriffinCanCode/sandbox-preview/internal/preview/sanitize"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/source"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/wrapper"
	"golang.org/x/crypto/blake2b"
)

// Script roles marked on injected script elements
const (
	RoleBootstrap = "bootstrap"
	RoleUser      = "user"
)

var (
	rootMarker  = regexp.MustCompile(`(?i)<html[\s>]|<!doctype\b|<head[\s>]|<body[\s>]`)
	htmlOpen    = regexp.MustCompile(`(?i)<html(?:\s[^>]*)?>`)
	doctype     = regexp.MustCompile(`(?i)<!doctype[^>]*>`)
	headOpen    = regexp.MustCompile(`(?i)<head(?:\s[^>]*)?>`)
	headClose   = regexp.MustCompile(`(?i)</head\s*>`)
	bodyOpen    = regexp.MustCompile(`(?i)<body(?:\s[^>]*)?>`)
	bodyClose   = regexp.MustCompile(`(?i)</body\s*>`)
	htmlClose   = regexp.MustCompile(`(?i)</html\s*>`)
	lineEndings = strings.NewReplacer("\r\n", "\n", "\r", "\n")
)

// Options configures document assembly
type Options struct {
	// BackendURL is allowed in the CSP connect-src
	BackendURL string

	// SourceTag names user code in stack traces
	SourceTag string
}

// Document is one assembled preview document
type Document struct {
	HTML string

	// LineOffset is the number of lines preceding the user script tag plus
	// one. Zero when the bundle has no JS.
	LineOffset int

	// Hash identifies the document content
	Hash string

	// Warnings lists injection points that were missing and fell back to
	// appending
	Warnings []*AssemblyError
}

// AssemblyError records a malformed injection point. It is reported on the
// Document and never aborts assembly.
type AssemblyError struct {
	Anchor string
	Detail string
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("assembly: %s: %s", e.Anchor, e.Detail)
}

// Assembler merges bundles into self-contained preview documents
type Assembler struct {
	opts Options
}

// New creates an assembler
func New(opts Options) *Assembler {
	if opts.SourceTag == "" {
		opts.SourceTag = wrapper.DefaultSourceTag
	}
	return &Assembler{opts: opts}
}

// SourceTag returns the synthetic source name used for user code
func (a *Assembler) SourceTag() string {
	return a.opts.SourceTag
}

// Assemble builds a complete document from a bundle. It always works on a
// freshly sanitized copy, so assembling the same bundle twice gives the
// same result.
func (a *Assembler) Assemble(bundle source.Bundle) *Document {
	b := sanitize.Bundle(bundle)
	b.HTML = lineEndings.Replace(b.HTML)
	b.CSS = lineEndings.Replace(b.CSS)
	b.JS = lineEndings.Replace(b.JS)

	d := &Document{}

	var doc string
	if rootMarker.MatchString(b.HTML) {
		doc = d.ensureStructure(b.HTML)
	} else {
		doc = shell(b.HTML)
	}

	doc = d.insertAfter(doc, headOpen, "\n"+a.securityMeta())

	if strings.TrimSpace(b.CSS) != "" {
		doc = d.insertBefore(doc, headClose, "<style>"+b.CSS+"</style>\n", false)
	}

	if strings.TrimSpace(b.JS) != "" {
		doc = a.injectScripts(d, doc, b)
	}

	d.HTML = doc
	sum := blake2b.Sum256([]byte(doc))
	d.Hash = hex.EncodeToString(sum[:])
	return d
}

// injectScripts places the bootstrap before </head> and the wrapped user
// script before the last </body>, and fixes the line offset
func (a *Assembler) injectScripts(d *Document, doc string, b source.Bundle) string {
	bootOpen := `<script data-preview-role="` + RoleBootstrap + `">`
	bootBlock := func(offset int) string {
		return bootOpen + renderBootstrap(offset, a.opts.SourceTag, b.Names.JS) + "</script>\n"
	}

	userOpen := fmt.Sprintf(`<script data-preview-role="%s" data-source-tag="%s"`,
		RoleUser, html.EscapeString(a.opts.SourceTag))
	if b.Names.JS != "" {
		userOpen += fmt.Sprintf(` data-source-name="%s"`, html.EscapeString(b.Names.JS))
	}
	userBlock := userOpen + ">" + wrapper.Wrap(b.JS) + "</script>\n"

	// the bootstrap's line count does not depend on the offset digits
	withBoot := d.insertBefore(doc, headClose, bootBlock(0), false)

	at, ok := lastIndex(withBoot, bodyClose)
	if !ok {
		d.warn("</body>", "missing closing body tag; user script appended")
		at = len(withBoot)
	}
	prefix, rest := withBoot[:at], withBoot[at:]
	if !strings.HasSuffix(prefix, "\n") {
		prefix += "\n"
	}
	d.LineOffset = wrapper.CountLines(prefix)

	prefix = strings.Replace(prefix, bootBlock(0), bootBlock(d.LineOffset), 1)
	rest = strings.Replace(rest, bootBlock(0), bootBlock(d.LineOffset), 1)

	return prefix + userBlock + rest
}

func (a *Assembler) securityMeta() string {
	return `<meta http-equiv="Content-Security-Policy" content="` + html.EscapeString(Policy(a.opts.BackendURL)) + `">` + "\n" +
		`<meta http-equiv="X-Content-Type-Options" content="nosniff">` + "\n" +
		`<meta http-equiv="X-Frame-Options" content="DENY">` + "\n" +
		`<meta name="referrer" content="no-referrer">`
}

// shell wraps a markup fragment in a minimal document
func shell(fragment string) string {
	return "<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n</head>\n<body>\n" +
		fragment + "\n</body>\n</html>\n"
}

// ensureStructure makes sure a user-supplied document has head and body
// sections with their closing anchors
func (d *Document) ensureStructure(doc string) string {
	if !headOpen.MatchString(doc) {
		switch {
		case htmlOpen.MatchString(doc):
			doc = d.insertAfter(doc, htmlOpen, "\n<head>\n</head>")
		case doctype.MatchString(doc):
			doc = d.insertAfter(doc, doctype, "\n<head>\n</head>")
		default:
			doc = "<head>\n</head>\n" + doc
		}
	} else if !headClose.MatchString(doc) {
		if loc := bodyOpen.FindStringIndex(doc); loc != nil {
			doc = doc[:loc[0]] + "</head>\n" + doc[loc[0]:]
		} else {
			doc = d.insertAfter(doc, headOpen, "\n</head>")
		}
	}

	if !bodyOpen.MatchString(doc) {
		doc = d.insertAfter(doc, headClose, "\n<body>")
		if loc, ok := lastIndex(doc, htmlClose); ok {
			doc = doc[:loc] + "</body>\n" + doc[loc:]
		} else {
			doc += "\n</body>\n"
		}
	} else if !bodyClose.MatchString(doc) {
		if loc, ok := lastIndex(doc, htmlClose); ok {
			doc = doc[:loc] + "</body>\n" + doc[loc:]
		} else {
			doc += "\n</body>\n"
		}
	}
	return doc
}

// insertAfter inserts text after the first match of re, appending when
// there is no match
func (d *Document) insertAfter(doc string, re *regexp.Regexp, text string) string {
	loc := re.FindStringIndex(doc)
	if loc == nil {
		d.warn(re.String(), "anchor not found; appended")
		return doc + text
	}
	return doc[:loc[1]] + text + doc[loc[1]:]
}

// insertBefore inserts text before the first (or last) match of re,
// appending when there is no match
func (d *Document) insertBefore(doc string, re *regexp.Regexp, text string, last bool) string {
	var at int
	if last {
		i, ok := lastIndex(doc, re)
		if !ok {
			d.warn(re.String(), "anchor not found; appended")
			return doc + text
		}
		at = i
	} else {
		loc := re.FindStringIndex(doc)
		if loc == nil {
			d.warn(re.String(), "anchor not found; appended")
			return doc + text
		}
		at = loc[0]
	}
	return doc[:at] + text + doc[at:]
}

func (d *Document) warn(anchor, detail string) {
	d.Warnings = append(d.Warnings, &AssemblyError{Anchor: anchor, Detail: detail})
}

func lastIndex(doc string, re *regexp.Regexp) (int, bool) {
	all := re.FindAllStringIndex(doc, -1)
	if len(all) == 0 {
		return 0, false
	}
	return all[len(all)-1][0], true
}
