package assemble

import (
	"html"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/sandbox-preview/internal/preview/source"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/wrapper"
)

func newTestAssembler() *Assembler {
	return New(Options{BackendURL: "https://api.example.com/v1"})
}

func TestAssembleScenario(t *testing.T) {
	doc := newTestAssembler().Assemble(source.Bundle{
		HTML: "<div>hi</div>",
		CSS:  "body{color:red}",
		JS:   "console.log('x')",
	})

	assert.Equal(t, 1, strings.Count(doc.HTML, "<style>body{color:red}</style>"))
	assert.Empty(t, doc.Warnings)

	r, err := Inspect(doc.HTML)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Heads)
	assert.Equal(t, 1, r.Bodies)
	assert.Equal(t, 1, r.HeadTags)
	assert.Equal(t, 1, r.BodyTags)
	assert.Equal(t, 1, r.CSPMetas)
	assert.Equal(t, 1, r.Styles)
	assert.Equal(t, 1, r.UserScripts)
	assert.Equal(t, 1, r.Bootstraps)
	assert.Equal(t, "hi", r.VisibleText)
	assert.NotContains(t, r.VisibleText, "x")

	js, ok := wrapper.Unwrap(r.UserSrc)
	require.True(t, ok)
	assert.Equal(t, "console.log('x')", js)
}

func TestAssembleLineOffsetIndependentOfCSS(t *testing.T) {
	a := newTestAssembler()
	js := "const a = 1;\nthrow new Error('boom')"

	for _, cssLines := range []int{0, 1, 5, 40} {
		css := strings.Repeat("p { margin: 0 }\n", cssLines)
		doc := a.Assemble(source.Bundle{HTML: "<p>x</p>\n<p>y</p>", CSS: css, JS: js})

		lines := strings.Split(doc.HTML, "\n")
		require.Greater(t, len(lines), doc.LineOffset)

		tagLine := lines[doc.LineOffset-1]
		assert.True(t, strings.HasPrefix(tagLine, `<script data-preview-role="user"`), "css lines %d: %q", cssLines, tagLine)
		assert.True(t, strings.HasSuffix(tagLine, wrapper.Prologue[:len(wrapper.Prologue)-1]))

		// user line k sits at document line offset+k
		assert.Equal(t, "const a = 1;", lines[doc.LineOffset])
		assert.Equal(t, "throw new Error('boom')", lines[doc.LineOffset+1])
		assert.Equal(t, 2, wrapper.CorrectLine(doc.LineOffset+2, doc.LineOffset))

		r, err := Inspect(doc.HTML)
		require.NoError(t, err)
		embedded, ok := LineOffset(r.BootstrapSrc)
		require.True(t, ok)
		assert.Equal(t, doc.LineOffset, embedded)
	}
}

func TestAssembleNormalizesLineEndings(t *testing.T) {
	doc := newTestAssembler().Assemble(source.Bundle{
		HTML: "<p>a</p>\r\n<p>b</p>",
		CSS:  "a{}\r\nb{}\r",
		JS:   "one()\r\ntwo()",
	})

	assert.NotContains(t, doc.HTML, "\r")
	lines := strings.Split(doc.HTML, "\n")
	assert.Equal(t, "two()", lines[doc.LineOffset+1])
}

func TestAssembleBaseDocument(t *testing.T) {
	html := "<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n<title>Demo</title>\n</head>\n<body>\n<h1>Hello</h1>\n</body>\n</html>"
	doc := newTestAssembler().Assemble(source.Bundle{HTML: html, JS: "init()"})

	r, err := Inspect(doc.HTML)
	require.NoError(t, err)
	assert.Equal(t, "Demo", r.Title)
	assert.Equal(t, 1, r.HeadTags)
	assert.Equal(t, 1, r.BodyTags)
	assert.Equal(t, 1, r.CSPMetas)
	assert.Equal(t, "Hello", r.VisibleText)
	assert.Equal(t, 0, r.Styles)
	assert.True(t, strings.HasPrefix(doc.HTML, "<!DOCTYPE html>"))
}

func TestAssembleRepairsMissingAnchors(t *testing.T) {
	tests := []struct {
		name string
		html string
	}{
		{name: "no head", html: "<html><body><p>a</p></body></html>"},
		{name: "no closing body", html: "<html><head></head><body><p>a</p></html>"},
		{name: "no body", html: "<html><head><title>t</title></head><p>a</p></html>"},
		{name: "unclosed head", html: "<html><head><title>t</title><body><p>a</p></body></html>"},
		{name: "bare body", html: "<body><p>a</p>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := newTestAssembler().Assemble(source.Bundle{HTML: tt.html, CSS: "p{}", JS: "go()"})

			r, err := Inspect(doc.HTML)
			require.NoError(t, err)
			assert.Equal(t, 1, r.HeadTags)
			assert.Equal(t, 1, r.BodyTags)
			assert.Equal(t, 1, r.CSPMetas)
			assert.Equal(t, 1, r.UserScripts)
			assert.Equal(t, "a", r.VisibleText)
			assert.Regexp(t, `(?i)</head\s*>`, doc.HTML)
			assert.Regexp(t, `(?i)</body\s*>`, doc.HTML)
		})
	}
}

func TestAssembleIsDeterministic(t *testing.T) {
	a := newTestAssembler()
	b := source.Bundle{HTML: "<div>hi</div>", CSS: "body{color:red}", JS: "console.log('x')"}

	first := a.Assemble(b)
	second := a.Assemble(b)
	assert.Equal(t, first.HTML, second.HTML)
	assert.Equal(t, first.Hash, second.Hash)
	assert.Len(t, first.Hash, 64)

	b.CSS = "body{color:blue}"
	assert.NotEqual(t, first.Hash, a.Assemble(b).Hash)
}

func TestAssembleWithoutJS(t *testing.T) {
	doc := newTestAssembler().Assemble(source.Bundle{HTML: "<p>static</p>"})

	assert.Zero(t, doc.LineOffset)
	r, err := Inspect(doc.HTML)
	require.NoError(t, err)
	assert.Equal(t, 0, r.Bootstraps)
	assert.Equal(t, 0, r.UserScripts)
	assert.Equal(t, 1, r.CSPMetas)
}

func TestAssembleSanitizes(t *testing.T) {
	doc := newTestAssembler().Assemble(source.Bundle{
		HTML: `<p>a</p><iframe src="https://evil.example"></iframe><meta http-equiv="refresh" content="0">`,
		CSS:  `@import url(https://evil.example/x.css);`,
		JS:   "window.parent.postMessage('x', '*')",
	})

	r, err := Inspect(doc.HTML)
	require.NoError(t, err)
	assert.NotContains(t, doc.HTML, "<iframe")
	assert.NotContains(t, doc.HTML, "refresh")
	assert.NotContains(t, doc.HTML, "@import")
	assert.Equal(t, 1, r.CSPMetas)

	js, ok := wrapper.Unwrap(r.UserSrc)
	require.True(t, ok)
	assert.Equal(t, "window.postMessage('x', '*')", js)
}

func TestAssembleSourceName(t *testing.T) {
	doc := newTestAssembler().Assemble(source.Bundle{
		JS:    "run()",
		Names: source.Names{JS: "src/app.js"},
	})
	assert.Contains(t, doc.HTML, `data-source-name="src/app.js"`)
	assert.Contains(t, doc.HTML, `data-source-tag="preview-user.js"`)
	assert.Contains(t, doc.HTML, `var SOURCE_NAME = "src/app.js";`)
}

func TestInsertFallbackRecordsWarning(t *testing.T) {
	d := &Document{}
	out := d.insertBefore("<p>no anchors</p>", headClose, "<style></style>", false)

	assert.Equal(t, "<p>no anchors</p><style></style>", out)
	require.Len(t, d.Warnings, 1)
	assert.Contains(t, d.Warnings[0].Error(), "anchor not found")
}

func TestPolicy(t *testing.T) {
	got := Policy("https://api.example.com:8443/base?q=1")
	assert.Equal(t, "default-src 'self'; script-src 'self' 'unsafe-inline'; style-src 'self' 'unsafe-inline'; "+
		"img-src 'self' data: blob:; font-src 'self'; connect-src 'self' https://api.example.com:8443; "+
		"frame-src 'none'; object-src 'none'; media-src 'none'; base-uri 'none'; form-action 'none';", got)

	assert.Contains(t, Policy(""), "connect-src 'self';")
	assert.Contains(t, Policy("javascript:alert(1)"), "connect-src 'self';")
	assert.Contains(t, Policy("not a url"), "connect-src 'self';")
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders("http://localhost:8000")
	assert.Equal(t, "nosniff", h["X-Content-Type-Options"])
	assert.Equal(t, "DENY", h["X-Frame-Options"])
	assert.Equal(t, "no-referrer", h["Referrer-Policy"])
	assert.Contains(t, h["Content-Security-Policy"], "connect-src 'self' http://localhost:8000;")
	assert.True(t, strings.HasSuffix(h["Content-Security-Policy"], "; sandbox "+SandboxAttr+";"))
}

func TestDocumentMetaPolicyHasNoSandbox(t *testing.T) {
	doc := New(Options{BackendURL: "http://localhost:8000"}).Assemble(source.Bundle{HTML: "<p>x</p>"})
	r, err := Inspect(doc.HTML)
	require.NoError(t, err)
	assert.Equal(t, 1, r.CSPMetas)
	assert.Contains(t, doc.HTML, `content="`+html.EscapeString(Policy("http://localhost:8000"))+`"`)
	assert.NotContains(t, doc.HTML, "; sandbox ")
}

func TestUserMarkupCannotForgeScriptRoles(t *testing.T) {
	doc := newTestAssembler().Assemble(source.Bundle{
		HTML: `<html><head><script data-preview-role="bootstrap">var LINE_OFFSET = 999;</script></head>` +
			`<body><script data-preview-role="user" data-source-tag="fake.js">1;</script></body></html>`,
		JS: "throw new Error('x')",
	})
	r, err := Inspect(doc.HTML)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Bootstraps)
	assert.Equal(t, 1, r.UserScripts)
	assert.NotContains(t, doc.HTML, "fake.js")

	offset, ok := LineOffset(r.BootstrapSrc)
	require.True(t, ok)
	assert.Equal(t, doc.LineOffset, offset)
}

func TestLineOffsetLiteral(t *testing.T) {
	n, ok := LineOffset(renderBootstrap(42, "tag.js", ""))
	require.True(t, ok)
	assert.Equal(t, 42, n)

	_, ok = LineOffset("console.log(1)")
	assert.False(t, ok)

	assert.Equal(t, wrapper.CountLines(bootstrapSource), wrapper.CountLines(renderBootstrap(123456, "a\"b", "</script>")))
}
