package assemble

import (
	"strings"
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/sandbox-preview/internal/preview/source"
)

// windowShim is the little of a browser window the bootstrap touches.
// Messages posted to the parent are handed to __post.
const windowShim = `
var window = this;
var console = {};
var listeners = {};
window.parent = { postMessage: function (msg) { __post(msg); } };
window.addEventListener = function (type, fn) { (listeners[type] = listeners[type] || []).push(fn); };
window.dispatchEvent = function () { return true; };
`

// runBootstrap executes an assembled document's bootstrap and user script
// the way a browser would and returns the messages posted to the host.
// goja names code built by new Function "<eval>", so the document must be
// assembled with that source tag for stack frames to be recognized.
func runBootstrap(t *testing.T, doc *Document) []map[string]any {
	t.Helper()
	r, err := Inspect(doc.HTML)
	require.NoError(t, err)
	require.NotEmpty(t, r.BootstrapSrc)
	require.NotEmpty(t, r.UserSrc)

	var posted []map[string]any
	vm := goja.New()
	require.NoError(t, vm.Set("__post", func(msg map[string]any) { posted = append(posted, msg) }))

	_, err = vm.RunString(windowShim)
	require.NoError(t, err)
	_, err = vm.RunScript("bootstrap.js", r.BootstrapSrc)
	require.NoError(t, err)
	_, err = vm.RunScript("user.js", r.UserSrc)
	require.NoError(t, err)
	return posted
}

func errorPayloads(posted []map[string]any) []map[string]any {
	var out []map[string]any
	for _, msg := range posted {
		if msg["type"] == "iframe-error" {
			out = append(out, msg["payload"].(map[string]any))
		}
	}
	return out
}

func TestBootstrapReportsUserLines(t *testing.T) {
	a := New(Options{BackendURL: "https://api.example.com", SourceTag: "<eval>"})

	tests := []struct {
		name string
		js   string
		line int
	}{
		{"first line", "throw new Error('boom')", 1},
		{"third line", "var a = 1;\n\nthrow new Error('three')", 3},
		{"inside a function", "function f() {\n  throw new Error('deep');\n}\nf();", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := a.Assemble(source.Bundle{
				HTML: "<div>hi</div>",
				CSS:  strings.Repeat("p { margin: 0 }\n", 5),
				JS:   tt.js,
			})
			require.Greater(t, doc.LineOffset, 5)

			errs := errorPayloads(runBootstrap(t, doc))
			require.Len(t, errs, 1)
			assert.Equal(t, "RuntimeError", errs[0]["kind"])
			assert.EqualValues(t, tt.line, errs[0]["line"])
		})
	}
}

func TestBootstrapForwardsConsole(t *testing.T) {
	doc := New(Options{SourceTag: "<eval>"}).Assemble(source.Bundle{JS: "console.log('x', 2);\nconsole.log('y');"})

	posted := runBootstrap(t, doc)
	require.Len(t, posted, 2)
	assert.Equal(t, "console-log", posted[0]["type"])
	payload := posted[0]["payload"].(map[string]any)
	assert.Equal(t, "log", payload["level"])
	assert.EqualValues(t, []any{"x", int64(2)}, payload["args"])
}
