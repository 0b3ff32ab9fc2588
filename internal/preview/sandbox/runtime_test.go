package sandbox

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GriffinCanCode/sandbox-preview/internal/preview/assemble"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/broker"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/protocol"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/source"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/wrapper"
)

type recorder struct {
	mu   sync.Mutex
	msgs []*protocol.Message
}

func (r *recorder) add(msg *protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) all() []*protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*protocol.Message(nil), r.msgs...)
}

func (r *recorder) console(t *testing.T) []protocol.ConsoleEvent {
	t.Helper()
	var out []protocol.ConsoleEvent
	for _, msg := range r.all() {
		if msg.Type != protocol.TypeConsoleLog {
			continue
		}
		ev, err := msg.Console()
		if err != nil {
			t.Fatalf("Failed to decode console event: %v", err)
		}
		out = append(out, *ev)
	}
	return out
}

func (r *recorder) errors(t *testing.T) []protocol.ErrorEvent {
	t.Helper()
	var out []protocol.ErrorEvent
	for _, msg := range r.all() {
		if msg.Type != protocol.TypeIframeError {
			continue
		}
		ev, err := msg.Fault()
		if err != nil {
			t.Fatalf("Failed to decode error event: %v", err)
		}
		out = append(out, *ev)
	}
	return out
}

func newTestRuntime(t *testing.T, cfg Config) (*Runtime, *recorder) {
	t.Helper()
	ch := broker.NewLocalChannel()
	rec := &recorder{}
	ch.Subscribe(rec.add)
	rt := New(Options{ID: "inst_test", Channel: ch, Config: cfg})
	t.Cleanup(func() { rt.Detach() })
	return rt, rec
}

func render(t *testing.T, rt *Runtime, b source.Bundle) *assemble.Document {
	t.Helper()
	doc := assemble.New(assemble.Options{}).Assemble(b)
	if err := rt.Load(context.Background(), doc); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return doc
}

func argsOf(events []protocol.ConsoleEvent) [][]any {
	out := make([][]any, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Args)
	}
	return out
}

func TestConsoleForwarding(t *testing.T) {
	rt, rec := newTestRuntime(t, DefaultConfig())
	render(t, rt, source.Bundle{HTML: "<p>hi</p>", JS: "console.log('x');"})

	events := rec.console(t)
	if len(events) != 1 {
		t.Fatalf("got %d console events, want 1", len(events))
	}
	if events[0].Level != protocol.LevelLog {
		t.Errorf("Level = %q, want log", events[0].Level)
	}
	if !reflect.DeepEqual(events[0].Args, []any{"x"}) {
		t.Errorf("Args = %#v, want [x]", events[0].Args)
	}

	for _, msg := range rec.all() {
		if msg.Instance != "inst_test" {
			t.Errorf("Instance = %q, want inst_test", msg.Instance)
		}
	}
}

func TestConsoleSerialization(t *testing.T) {
	tests := []struct {
		name string
		js   string
		want []any
	}{
		{
			name: "primitives",
			js:   "console.log('a', 2, true, null, undefined);",
			want: []any{"a", float64(2), true, nil, nil},
		},
		{
			name: "plain data",
			js:   "console.log({a: 1}, [1, 'two']);",
			want: []any{map[string]any{"a": float64(1)}, []any{float64(1), "two"}},
		},
		{
			name: "error",
			js:   "console.log(new TypeError('bad'));",
			want: []any{"TypeError: bad"},
		},
		{
			name: "circular",
			js:   "var o = {}; o.self = o; console.log(o);",
			want: []any{map[string]any{"self": "[Circular]"}},
		},
		{
			name: "element",
			js:   "console.log(document.getElementById('app'));",
			want: []any{`<div id="app">hi</div>`},
		},
		{
			name: "non finite",
			js:   "console.log(NaN, Infinity);",
			want: []any{"NaN", "Infinity"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, rec := newTestRuntime(t, DefaultConfig())
			render(t, rt, source.Bundle{HTML: `<div id="app">hi</div>`, JS: tt.js})

			events := rec.console(t)
			if len(events) != 1 {
				t.Fatalf("got %d console events, want 1", len(events))
			}
			if !reflect.DeepEqual(events[0].Args, tt.want) {
				t.Errorf("Args = %#v, want %#v", events[0].Args, tt.want)
			}
		})
	}
}

func TestConsoleLevels(t *testing.T) {
	rt, rec := newTestRuntime(t, DefaultConfig())
	render(t, rt, source.Bundle{JS: "console.log(1); console.warn(2); console.error(3); console.info(4); console.debug(5);"})

	events := rec.console(t)
	var levels []protocol.Level
	for _, ev := range events {
		levels = append(levels, ev.Level)
	}
	want := []protocol.Level{protocol.LevelLog, protocol.LevelWarn, protocol.LevelError, protocol.LevelInfo}
	if !reflect.DeepEqual(levels, want) {
		t.Errorf("levels = %v, want %v", levels, want)
	}
}

func TestConsoleInstalledOnce(t *testing.T) {
	rt, rec := newTestRuntime(t, DefaultConfig())
	render(t, rt, source.Bundle{
		JS: "addEventListener('preview:code-content', function (e) { console.log(e.detail.code); });",
	})

	rt.installConsole()
	rt.installConsole()

	msg, err := protocol.New(protocol.TypeCodeContent, protocol.CodeContent{Code: "print(1)"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := rt.Post(context.Background(), msg); err != nil {
		t.Fatalf("Post() error = %v", err)
	}

	events := rec.console(t)
	if len(events) != 1 {
		t.Fatalf("got %d console events, want 1", len(events))
	}
	if !reflect.DeepEqual(events[0].Args, []any{"print(1)"}) {
		t.Errorf("Args = %#v, want [print(1)]", events[0].Args)
	}
}

func TestErrorLineMapping(t *testing.T) {
	css := "body {\n  margin: 0;\n}\np {\n  color: red;\n}"

	tests := []struct {
		name     string
		bundle   source.Bundle
		wantKind wrapper.ErrorKind
		wantName string
		wantLine int
	}{
		{
			name:     "throw on first line",
			bundle:   source.Bundle{HTML: "<p>hi</p>", CSS: css, JS: "throw new Error('boom');"},
			wantKind: wrapper.KindRuntime,
			wantName: "Error",
			wantLine: 1,
		},
		{
			name:     "throw on third line",
			bundle:   source.Bundle{HTML: "<p>hi</p>", JS: "var a = 1;\nvar b = 2;\nnull.x;"},
			wantKind: wrapper.KindRuntime,
			wantName: "TypeError",
			wantLine: 3,
		},
		{
			name:     "throw in function",
			bundle:   source.Bundle{CSS: css, JS: "function f() {\n  throw new RangeError('r');\n}\nf();"},
			wantKind: wrapper.KindRuntime,
			wantName: "RangeError",
			wantLine: 2,
		},
		{
			name:     "syntax error",
			bundle:   source.Bundle{HTML: "<main></main>", CSS: css, JS: "console.log('ok');\nvar = 1;"},
			wantKind: wrapper.KindSyntax,
			wantName: "SyntaxError",
			wantLine: 2,
		},
		{
			name: "full document",
			bundle: source.Bundle{
				HTML: "<!DOCTYPE html>\n<html>\n<head>\n<title>t</title>\n</head>\n<body>\n<h1>x</h1>\n</body>\n</html>",
				CSS:  css,
				JS:   "\n\nundefinedFunction();",
			},
			wantKind: wrapper.KindRuntime,
			wantName: "ReferenceError",
			wantLine: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, rec := newTestRuntime(t, DefaultConfig())
			render(t, rt, tt.bundle)

			errs := rec.errors(t)
			if len(errs) != 1 {
				t.Fatalf("got %d error events, want 1: %+v", len(errs), errs)
			}
			ev := errs[0]
			if ev.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", ev.Kind, tt.wantKind)
			}
			if ev.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", ev.Name, tt.wantName)
			}
			if ev.Line == nil || *ev.Line != tt.wantLine {
				t.Errorf("Line = %v, want %d", ev.Line, tt.wantLine)
			}
		})
	}
}

func TestSyntaxErrorRunsNothing(t *testing.T) {
	rt, rec := newTestRuntime(t, DefaultConfig())
	render(t, rt, source.Bundle{JS: "console.log('never');\nfunction ("})

	if got := len(rec.console(t)); got != 0 {
		t.Errorf("got %d console events, want 0", got)
	}
	if got := len(rec.errors(t)); got != 1 {
		t.Errorf("got %d error events, want 1", got)
	}
}

func TestSourceAttribution(t *testing.T) {
	tests := []struct {
		name   string
		file   string
		source string
	}{
		{name: "named file", file: "main.js", source: "main.js"},
		{name: "unnamed", file: "", source: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, rec := newTestRuntime(t, DefaultConfig())
			render(t, rt, source.Bundle{
				JS:    "throw new Error('x');",
				Names: source.Names{JS: tt.file},
			})

			errs := rec.errors(t)
			if len(errs) != 1 {
				t.Fatalf("got %d error events, want 1", len(errs))
			}
			if errs[0].Source != tt.source {
				t.Errorf("Source = %q, want %q", errs[0].Source, tt.source)
			}
		})
	}
}

func TestUnhandledRejection(t *testing.T) {
	rt, rec := newTestRuntime(t, DefaultConfig())
	render(t, rt, source.Bundle{JS: strings.Join([]string{
		"Promise.reject(new Error('nope'));",
		"Promise.reject(new Error('handled')).catch(function () {});",
	}, "\n")})

	errs := rec.errors(t)
	if len(errs) != 1 {
		t.Fatalf("got %d error events, want 1: %+v", len(errs), errs)
	}
	if errs[0].Kind != wrapper.KindUnhandledRejection {
		t.Errorf("Kind = %q, want %q", errs[0].Kind, wrapper.KindUnhandledRejection)
	}
	if errs[0].Message != "nope" {
		t.Errorf("Message = %q, want nope", errs[0].Message)
	}
}

func TestHostIsUnreachable(t *testing.T) {
	rt, rec := newTestRuntime(t, DefaultConfig())
	render(t, rt, source.Bundle{
		JS: "console.log(typeof parent, typeof top, typeof opener, typeof require, typeof process, window === self);",
	})

	events := rec.console(t)
	if len(events) != 1 {
		t.Fatalf("got %d console events, want 1", len(events))
	}
	want := []any{"undefined", "undefined", "undefined", "undefined", "undefined", true}
	if !reflect.DeepEqual(events[0].Args, want) {
		t.Errorf("Args = %#v, want %#v", events[0].Args, want)
	}
}

func TestExecutionTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	rt, rec := newTestRuntime(t, cfg)
	render(t, rt, source.Bundle{JS: "while (true) {}"})

	errs := rec.errors(t)
	if len(errs) != 1 {
		t.Fatalf("got %d error events, want 1", len(errs))
	}
	if errs[0].Name != "InterruptError" {
		t.Errorf("Name = %q, want InterruptError", errs[0].Name)
	}
}

func TestDetach(t *testing.T) {
	rt, rec := newTestRuntime(t, DefaultConfig())
	if err := rt.Detach(); err != nil {
		t.Fatalf("Detach() error = %v", err)
	}
	if err := rt.Detach(); err != nil {
		t.Fatalf("second Detach() error = %v", err)
	}

	doc := assemble.New(assemble.Options{}).Assemble(source.Bundle{JS: "console.log(1)"})
	if err := rt.Load(context.Background(), doc); !errors.Is(err, ErrDetached) {
		t.Errorf("Load() error = %v, want ErrDetached", err)
	}
	if err := rt.Post(context.Background(), &protocol.Message{Type: protocol.TypeCodeContent}); !errors.Is(err, ErrDetached) {
		t.Errorf("Post() error = %v, want ErrDetached", err)
	}
	if _, err := rt.Snapshot(); !errors.Is(err, ErrDetached) {
		t.Errorf("Snapshot() error = %v, want ErrDetached", err)
	}
	if got := len(rec.all()); got != 0 {
		t.Errorf("got %d messages, want 0", got)
	}
}

func TestDetachStopsRunningScript(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 10 * time.Second

	ch := broker.NewLocalChannel()
	started := make(chan struct{}, 1)
	rec := &recorder{}
	ch.Subscribe(func(msg *protocol.Message) {
		rec.add(msg)
		select {
		case started <- struct{}{}:
		default:
		}
	})
	rt := New(Options{ID: "inst_busy", Channel: ch, Config: cfg})

	doc := assemble.New(assemble.Options{}).Assemble(source.Bundle{
		JS: "console.log('start'); while (true) {} ",
	})
	done := make(chan error, 1)
	go func() { done <- rt.Load(context.Background(), doc) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("script never started")
	}
	if err := rt.Detach(); err != nil {
		t.Fatalf("Detach() error = %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrDetached) {
			t.Errorf("Load() error = %v, want ErrDetached", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Load did not return after Detach")
	}
	if got := len(rec.all()); got != 1 {
		t.Errorf("got %d messages, want only the start log", got)
	}
}

func TestLoadTwice(t *testing.T) {
	rt, _ := newTestRuntime(t, DefaultConfig())
	doc := render(t, rt, source.Bundle{HTML: "<p>x</p>"})
	if err := rt.Load(context.Background(), doc); !errors.Is(err, ErrAlreadyLoaded) {
		t.Errorf("Load() error = %v, want ErrAlreadyLoaded", err)
	}
}

func TestReady(t *testing.T) {
	rt, _ := newTestRuntime(t, DefaultConfig())
	select {
	case <-rt.Ready():
		t.Fatal("Ready closed before Load")
	default:
	}
	render(t, rt, source.Bundle{HTML: "<p>x</p>"})
	select {
	case <-rt.Ready():
	default:
		t.Fatal("Ready not closed after Load")
	}
}

func TestLifecycleEvents(t *testing.T) {
	rt, rec := newTestRuntime(t, DefaultConfig())
	render(t, rt, source.Bundle{JS: strings.Join([]string{
		"document.addEventListener('DOMContentLoaded', function () { console.log('dom', document.readyState); });",
		"window.addEventListener('load', function () { console.log('load', document.readyState); });",
		"console.log('script', document.readyState);",
	}, "\n")})

	want := [][]any{{"script", "loading"}, {"dom", "interactive"}, {"load", "complete"}}
	if got := argsOf(rec.console(t)); !reflect.DeepEqual(got, want) {
		t.Errorf("console = %v, want %v", got, want)
	}
}

func TestTimers(t *testing.T) {
	rt, rec := newTestRuntime(t, DefaultConfig())
	render(t, rt, source.Bundle{JS: strings.Join([]string{
		"setTimeout(function () { console.log('late'); }, 1000);",
		"setTimeout(function (v) { console.log(v); }, 10, 'early');",
		"var n = 0;",
		"var id = setInterval(function () { n++; console.log('tick', n); if (n === 3) clearInterval(id); }, 100);",
		"var gone = setTimeout(function () { console.log('cancelled'); }, 5);",
		"clearTimeout(gone);",
		"setTimeout('console.log(\"string\")', 0);",
		"console.log('now');",
	}, "\n")})

	want := [][]any{
		{"now"},
		{"early"},
		{"tick", float64(1)},
		{"tick", float64(2)},
		{"tick", float64(3)},
		{"late"},
	}
	if got := argsOf(rec.console(t)); !reflect.DeepEqual(got, want) {
		t.Errorf("console = %v, want %v", got, want)
	}
}

func TestTimerBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTimerTasks = 5
	rt, rec := newTestRuntime(t, cfg)
	render(t, rt, source.Bundle{JS: "setInterval(function () { console.log('tick'); }, 1);"})

	if got := len(rec.console(t)); got != 5 {
		t.Errorf("got %d ticks, want 5", got)
	}
}

func TestInlineScriptsRunInOrder(t *testing.T) {
	rt, rec := newTestRuntime(t, DefaultConfig())
	render(t, rt, source.Bundle{
		HTML: "<div id=\"a\"></div>\n<script>console.log('inline');</script>",
		JS:   "console.log('user');",
	})

	want := [][]any{{"inline"}, {"user"}}
	if got := argsOf(rec.console(t)); !reflect.DeepEqual(got, want) {
		t.Errorf("console = %v, want %v", got, want)
	}
}

func TestDOMMutation(t *testing.T) {
	rt, _ := newTestRuntime(t, DefaultConfig())
	render(t, rt, source.Bundle{
		HTML: `<div id="app" class="card"></div><ul></ul>`,
		JS: strings.Join([]string{
			"var app = document.getElementById('app');",
			"app.textContent = 'hello';",
			"app.classList.add('ready');",
			"app.style.backgroundColor = 'red';",
			"var li = document.createElement('li');",
			"li.innerText = 'item';",
			"document.querySelector('ul').appendChild(li);",
			"document.title = 'Demo';",
		}, "\n"),
	})

	snap, err := rt.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	for _, want := range []string{"hello", "item"} {
		if !strings.Contains(snap.Text, want) {
			t.Errorf("Text = %q, want it to contain %q", snap.Text, want)
		}
	}
	if snap.Title != "Demo" {
		t.Errorf("Title = %q, want Demo", snap.Title)
	}
	if !strings.Contains(snap.HTML, `class="card ready"`) {
		t.Errorf("HTML missing updated class: %s", snap.HTML)
	}
	if !strings.Contains(snap.HTML, "background-color: red;") {
		t.Errorf("HTML missing style: %s", snap.HTML)
	}

	changes := rt.Changes()
	if len(changes) == 0 {
		t.Fatal("no changes recorded")
	}
	if changes[0].Type != "text" || changes[0].Target != "div#app.card" {
		t.Errorf("first change = %+v", changes[0])
	}
}

func TestDOMQueries(t *testing.T) {
	rt, rec := newTestRuntime(t, DefaultConfig())
	render(t, rt, source.Bundle{
		HTML: `<ul><li class="x y">1</li><li class="x">2</li><li>3</li></ul>`,
		JS: strings.Join([]string{
			"console.log(document.querySelectorAll('li').length);",
			"console.log(document.getElementsByClassName('x').length);",
			"console.log(document.getElementsByClassName('x y').length);",
			"console.log(document.getElementsByTagName('LI').length);",
			"console.log(document.querySelector('li') === document.querySelector('.x'));",
			"console.log(document.querySelector('.missing'));",
		}, "\n"),
	})

	want := [][]any{{float64(3)}, {float64(2)}, {float64(1)}, {float64(3)}, {true}, {nil}}
	if got := argsOf(rec.console(t)); !reflect.DeepEqual(got, want) {
		t.Errorf("console = %v, want %v", got, want)
	}
}

func TestClickListeners(t *testing.T) {
	rt, rec := newTestRuntime(t, DefaultConfig())
	render(t, rt, source.Bundle{
		HTML: `<div id="outer"><button id="b">go</button></div>`,
		JS: strings.Join([]string{
			"document.getElementById('outer').addEventListener('click', function (e) { console.log('outer', e.target.id); });",
			"document.getElementById('b').addEventListener('click', function () { throw new Error('handler'); });",
			"document.getElementById('b').click();",
			"console.log('after');",
		}, "\n"),
	})

	want := [][]any{{"outer", "b"}, {"after"}}
	if got := argsOf(rec.console(t)); !reflect.DeepEqual(got, want) {
		t.Errorf("console = %v, want %v", got, want)
	}
	if got := len(rec.errors(t)); got != 1 {
		t.Errorf("got %d error events, want 1", got)
	}
}

func TestPostDispatch(t *testing.T) {
	rt, rec := newTestRuntime(t, DefaultConfig())
	render(t, rt, source.Bundle{
		JS: "addEventListener('preview:language-switch', function (e) { console.log(e.type, e.detail.language); });",
	})

	msg, err := protocol.New(protocol.TypeLanguageSwitch, protocol.LanguageSwitch{Language: "python"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := rt.Post(context.Background(), msg); err != nil {
		t.Fatalf("Post() error = %v", err)
	}

	want := [][]any{{"preview:language-switch", "python"}}
	if got := argsOf(rec.console(t)); !reflect.DeepEqual(got, want) {
		t.Errorf("console = %v, want %v", got, want)
	}
}

func TestPreviewSend(t *testing.T) {
	rt, rec := newTestRuntime(t, DefaultConfig())
	render(t, rt, source.Bundle{JS: strings.Join([]string{
		"console.log(preview.send('paste-limit-exceeded', {length: 900, limit: 500}));",
		"preview.send('console-log', {level: 'log', args: []});",
		"preview.send('made-up', {});",
	}, "\n")})

	var types []protocol.Type
	for _, msg := range rec.all() {
		types = append(types, msg.Type)
	}
	want := []protocol.Type{protocol.TypePasteLimitExceeded, protocol.TypeConsoleLog}
	if !reflect.DeepEqual(types, want) {
		t.Fatalf("types = %v, want %v", types, want)
	}

	var paste protocol.PasteLimitExceeded
	if err := rec.all()[0].Bind(&paste); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if paste.Length != 900 || paste.Limit != 500 {
		t.Errorf("payload = %+v", paste)
	}
}

func TestStorage(t *testing.T) {
	rt, rec := newTestRuntime(t, DefaultConfig())
	render(t, rt, source.Bundle{JS: strings.Join([]string{
		"localStorage.setItem('k', 1);",
		"console.log(localStorage.getItem('k'), localStorage.length, localStorage.key(0));",
		"localStorage.removeItem('k');",
		"console.log(localStorage.getItem('k'), localStorage.length);",
	}, "\n")})

	want := [][]any{{"1", float64(1), "k"}, {nil, float64(0)}}
	if got := argsOf(rec.console(t)); !reflect.DeepEqual(got, want) {
		t.Errorf("console = %v, want %v", got, want)
	}
}

func TestBooleanResults(t *testing.T) {
	rt, rec := newTestRuntime(t, DefaultConfig())
	render(t, rt, source.Bundle{
		HTML: `<div id="d"></div>`,
		JS: strings.Join([]string{
			"var d = document.getElementById('d');",
			"d.addEventListener('ping', function (e) { console.log('ping', e.target.id); });",
			"console.log(d.dispatchEvent({type: 'ping'}));",
			"console.log(preview.send('made-up', {}), preview.send('paste-limit-exceeded', {length: 2, limit: 1}));",
		}, "\n"),
	})

	want := [][]any{{"ping", "d"}, {true}, {false, true}}
	if got := argsOf(rec.console(t)); !reflect.DeepEqual(got, want) {
		t.Errorf("console = %v, want %v", got, want)
	}
}
