package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/PuerkitoBio/goquery"
	"github.com/bytedance/sonic"
	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/sandbox-preview/internal/infrastructure/logging"
	"github.com/GriffinCanCode/sandbox-preview/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/assemble"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/broker"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/protocol"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/wrapper"
)

// errAborted stops the remaining tasks of a run after a reported timeout
var errAborted = errors.New("run aborted")

// Options configures a Runtime
type Options struct {
	ID      string
	Channel broker.Channel
	Config  Config
	Logger  *logging.Logger
	Metrics *monitoring.Metrics
}

// Runtime is a Target backed by its own goja VM and a DOM proxy over the
// parsed document. All per-document state, including whether the console
// has been intercepted, lives here and dies with the runtime.
type Runtime struct {
	id      string
	cfg     Config
	ch      broker.Channel
	log     *logging.Logger
	metrics *monitoring.Metrics

	mu     sync.Mutex
	vm     *goja.Runtime
	dom    *DOM
	loaded bool
	runCtx context.Context

	// line mapping, read back from the document
	offset     int
	sourceTag  string
	sourceName string
	scripts    map[string]bool

	consoleInstalled bool
	readyState       string
	listeners        *listenerSet
	docListeners     *listenerSet
	timers           *timerQueue
	pendingRejects   []*goja.Promise

	seq        atomic.Uint64
	detached   atomic.Bool
	detachCh   chan struct{}
	detachOnce sync.Once
	ready      chan struct{}
	readyOnce  sync.Once
}

var _ Target = (*Runtime)(nil)

// New creates a sandboxed runtime
func New(opts Options) *Runtime {
	cfg := opts.Config.withDefaults()
	r := &Runtime{
		id:           opts.ID,
		cfg:          cfg,
		ch:           opts.Channel,
		log:          logging.OrNop(opts.Logger).Component("sandbox"),
		metrics:      opts.Metrics,
		vm:           goja.New(),
		sourceTag:    wrapper.DefaultSourceTag,
		scripts:      make(map[string]bool),
		readyState:   "loading",
		listeners:    newListenerSet(),
		docListeners: newListenerSet(),
		timers:       newTimerQueue(),
		detachCh:     make(chan struct{}),
		ready:        make(chan struct{}),
	}
	r.vm.SetMaxCallStackSize(cfg.MaxCallStack)
	r.vm.SetPromiseRejectionTracker(r.trackRejection)
	r.setupGlobals()
	return r
}

// ID returns the instance id stamped on outgoing messages
func (r *Runtime) ID() string {
	return r.id
}

// Ready is closed once the document body is attached
func (r *Runtime) Ready() <-chan struct{} {
	return r.ready
}

// script is one inline script ready to compile
type script struct {
	name string
	src  string
	user bool
}

// Load parses the document, installs the host bridge natively in place of
// the bootstrap script, and runs the document's inline scripts in order,
// then DOMContentLoaded and load listeners, then due timers.
func (r *Runtime) Load(ctx context.Context, doc *assemble.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.detached.Load() {
		return ErrDetached
	}
	if r.loaded {
		return ErrAlreadyLoaded
	}
	r.loaded = true

	parsed, err := goquery.NewDocumentFromReader(strings.NewReader(doc.HTML))
	if err != nil {
		return fmt.Errorf("failed to parse document: %w", err)
	}
	r.dom = newDOM(r, parsed)
	r.vm.Set("document", r.dom.document())
	if parsed.Find("body").Length() > 0 {
		r.readyOnce.Do(func() { close(r.ready) })
	}

	r.installConsole()
	scripts := r.collectScripts(doc.HTML, parsed)
	r.log.Debug("Loading document",
		logging.Instance(r.id),
		zap.Int("scripts", len(scripts)),
		zap.Int("line_offset", r.offset))

	return r.run(ctx, func() error {
		for _, s := range scripts {
			if err := r.runScript(s); err != nil {
				return err
			}
		}
		r.readyState = "interactive"
		if err := r.fire(r.docListeners, "DOMContentLoaded"); err != nil {
			return err
		}
		if err := r.fire(r.listeners, "DOMContentLoaded"); err != nil {
			return err
		}
		r.readyState = "complete"
		if err := r.fire(r.listeners, "load"); err != nil {
			return err
		}
		return r.drainTimers()
	})
}

// collectScripts finds the runnable inline scripts. Each is padded with
// newlines so goja reports positions as document lines, exactly as a
// browser would for an inline script.
func (r *Runtime) collectScripts(raw string, parsed *goquery.Document) []script {
	var out []script
	cursor := 0
	parsed.Find("script").Each(func(i int, s *goquery.Selection) {
		text := s.Text()
		role := s.AttrOr("data-preview-role", "")

		line := 0
		if text != "" {
			if at := strings.Index(raw[cursor:], text); at >= 0 {
				line = 1 + strings.Count(raw[:cursor+at], "\n")
				cursor += at + len(text)
			}
		}

		switch {
		case role == assemble.RoleBootstrap:
			if n, ok := assemble.LineOffset(text); ok {
				r.offset = n
			}
			return
		case s.AttrOr("src", "") != "" || !isJavaScript(s.AttrOr("type", "")) || strings.TrimSpace(text) == "":
			return
		case line == 0:
			line = 1
		}

		if role == assemble.RoleUser {
			if code, ok := wrapper.Unwrap(text); ok {
				r.sourceTag = s.AttrOr("data-source-tag", wrapper.DefaultSourceTag)
				r.sourceName = s.AttrOr("data-source-name", "")
				r.scripts[r.sourceTag] = true
				// the function header shares the tag line; user line 1 is the next one
				out = append(out, script{
					name: r.sourceTag,
					src:  strings.Repeat("\n", line-1) + "(function () {\n" + code + "\n})",
					user: true,
				})
				return
			}
		}

		name := fmt.Sprintf("inline-%d.js", i)
		r.scripts[name] = true
		out = append(out, script{name: name, src: strings.Repeat("\n", line-1) + text})
	})
	return out
}

func isJavaScript(typ string) bool {
	typ = strings.ToLower(strings.TrimSpace(typ))
	return typ == "" || strings.Contains(typ, "javascript") || typ == "text/ecmascript"
}

// runScript compiles and runs one script. Faults are reported as events.
func (r *Runtime) runScript(s script) error {
	prg, err := goja.Compile(s.name, s.src, false)
	if err != nil {
		r.reportCompile(s, err)
		return nil
	}

	val, err := r.vm.RunProgram(prg)
	if err == nil && s.user {
		if fn, ok := goja.AssertFunction(val); ok {
			_, err = fn(r.vm.GlobalObject())
		}
	}
	r.flushRejections()
	return r.handleRunError(err)
}

// run executes fn with the configured timeout. The VM is interrupted when
// the budget runs out, the context ends, or the target is detached.
func (r *Runtime) run(ctx context.Context, fn func() error) error {
	timeout, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	stop := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-timeout.Done():
			if ctx.Err() != nil {
				r.vm.Interrupt(ctx.Err())
			} else {
				r.vm.Interrupt(errTimeout)
			}
		case <-r.detachCh:
			r.vm.Interrupt(ErrDetached)
		case <-stop:
		}
	}()

	r.runCtx = ctx
	err := fn()
	r.runCtx = nil

	close(stop)
	<-exited
	r.vm.ClearInterrupt()

	if errors.Is(err, errAborted) {
		return nil
	}
	return err
}

// handleRunError classifies an error returned by goja. Exceptions become
// error events; interruptions end the run.
func (r *Runtime) handleRunError(err error) error {
	if err == nil {
		return nil
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		cause, _ := interrupted.Value().(error)
		switch {
		case errors.Is(cause, errTimeout):
			r.emitError(protocol.ErrorEvent{
				Kind:    wrapper.KindRuntime,
				Name:    "InterruptError",
				Message: errTimeout.Error(),
			})
			return errAborted
		case cause != nil:
			return cause
		}
		return errAborted
	}

	var ex *goja.Exception
	if errors.As(err, &ex) {
		r.reportException(wrapper.KindRuntime, ex.Value(), ex.Stack())
		return nil
	}

	r.emitError(protocol.ErrorEvent{Kind: wrapper.KindRuntime, Name: "Error", Message: err.Error()})
	return nil
}

// Post delivers a host message to listeners registered for
// "preview:<type>" on the window
func (r *Runtime) Post(ctx context.Context, msg *protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.detached.Load() {
		return ErrDetached
	}
	if !r.loaded {
		return errors.New("render target not loaded")
	}

	var detail any
	if len(msg.Payload) > 0 {
		if err := sonic.Unmarshal(msg.Payload, &detail); err != nil {
			return fmt.Errorf("failed to decode %s payload: %w", msg.Type, err)
		}
	}

	return r.run(ctx, func() error {
		event := r.newEvent("preview:"+string(msg.Type), detail)
		if err := r.listeners.dispatch(r, "preview:"+string(msg.Type), event); err != nil {
			return err
		}
		return r.drainTimers()
	})
}

// Snapshot renders the current DOM
func (r *Runtime) Snapshot() (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.detached.Load() {
		return nil, ErrDetached
	}
	if r.dom == nil {
		return nil, errors.New("render target not loaded")
	}

	html, err := r.dom.doc.Html()
	if err != nil {
		return nil, fmt.Errorf("failed to render document: %w", err)
	}
	snap := &Snapshot{
		HTML:  html,
		Title: strings.TrimSpace(r.dom.doc.Find("title").First().Text()),
	}
	if body := r.dom.doc.Find("body"); body.Length() > 0 {
		snap.Text = assemble.VisibleText(body.Nodes[0])
	}
	return snap, nil
}

// Changes returns the DOM mutations made by scripts so far
func (r *Runtime) Changes() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dom == nil {
		return nil
	}
	return append([]Change(nil), r.dom.changes...)
}

// Detach stops any running script and drops the document. Messages are
// never sent after Detach returns.
func (r *Runtime) Detach() error {
	r.detachOnce.Do(func() {
		r.detached.Store(true)
		close(r.detachCh)
	})

	r.mu.Lock()
	defer r.mu.Unlock()

	r.dom = nil
	r.timers = newTimerQueue()
	r.pendingRejects = nil
	return nil
}

// Detached reports whether Detach has been called
func (r *Runtime) Detached() bool {
	return r.detached.Load()
}

// emit sends one message to the host. Failures are swallowed.
func (r *Runtime) emit(t protocol.Type, payload any) {
	if r.detached.Load() {
		return
	}
	msg, err := protocol.New(t, payload)
	if err != nil {
		r.log.Debug("Dropping unencodable message", zap.String("type", string(t)), zap.Error(err))
		return
	}
	msg.Instance = r.id
	msg.Seq = r.seq.Add(1)

	ctx := r.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	broker.SafeSend(ctx, r.ch, msg, r.log, r.metrics)
}

func (r *Runtime) emitError(ev protocol.ErrorEvent) {
	r.emit(protocol.TypeIframeError, ev)
}
