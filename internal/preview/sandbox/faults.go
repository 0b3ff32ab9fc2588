package sandbox

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/dop251/goja"

	"github.com/GriffinCanCode/sandbox-preview/internal/preview/protocol"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/wrapper"
)

// parser messages look like "name: Line 3:14 Unexpected token"
var syntaxPosition = regexp.MustCompile(`Line (\d+):(\d+) (.*)$`)

// reportCompile turns a compile failure into a SyntaxError event
func (r *Runtime) reportCompile(s script, err error) {
	ev := protocol.ErrorEvent{Kind: wrapper.KindSyntax, Name: "SyntaxError", Message: err.Error()}

	var line, column int
	var syntax *goja.CompilerSyntaxError
	var reference *goja.CompilerReferenceError
	switch {
	case errors.As(err, &syntax):
		ev.Message = syntax.Message
		if syntax.File != nil {
			pos := syntax.File.Position(syntax.Offset)
			line, column = pos.Line, pos.Column
		} else if m := syntaxPosition.FindStringSubmatch(syntax.Message); m != nil {
			line, _ = strconv.Atoi(m[1])
			column, _ = strconv.Atoi(m[2])
			ev.Message = m[3]
		}
	case errors.As(err, &reference):
		ev.Name = "ReferenceError"
		ev.Message = reference.Message
		if reference.File != nil {
			pos := reference.File.Position(reference.Offset)
			line, column = pos.Line, pos.Column
		}
	}

	if line > 0 {
		ev = ev.At(wrapper.CorrectLine(line, r.offset), column)
		if s.name == r.sourceTag {
			ev.Source = r.sourceName
		}
	}
	r.emitError(ev)
}

// reportException turns a thrown value into an error event of the given kind
func (r *Runtime) reportException(kind wrapper.ErrorKind, val goja.Value, stack []goja.StackFrame) {
	name, message := r.describe(val, kind)
	ev := protocol.ErrorEvent{Kind: kind, Name: name, Message: message}

	if line, column, src, ok := r.locate(stack); ok {
		ev = ev.At(line, column)
		ev.Source = src
	} else if line, column, src, ok := r.locateStack(val); ok {
		ev = ev.At(line, column)
		ev.Source = src
	}
	r.emitError(ev)
}

// describe extracts name and message the way a thrown value would print
func (r *Runtime) describe(val goja.Value, kind wrapper.ErrorKind) (name, message string) {
	name = string(kind)
	if val == nil || goja.IsUndefined(val) {
		return name, "undefined"
	}

	obj, ok := val.(*goja.Object)
	if !ok {
		return name, val.String()
	}

	message = val.String()
	if ex := r.vm.Try(func() {
		if n := obj.Get("name"); n != nil && !goja.IsUndefined(n) {
			name = n.String()
		}
		if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
			message = m.String()
		}
	}); ex != nil {
		r.log.Debug("Failed to describe thrown value")
	}
	return name, message
}

// locate finds the first frame that belongs to a document script and maps
// it to user coordinates
func (r *Runtime) locate(stack []goja.StackFrame) (line, column int, source string, ok bool) {
	for i := range stack {
		f := &stack[i]
		name := f.SrcName()
		if !r.scripts[name] {
			continue
		}
		pos := f.Position()
		if pos.Line <= 0 {
			continue
		}
		if name == r.sourceTag {
			source = r.sourceName
		}
		return wrapper.CorrectLine(pos.Line, r.offset), pos.Column, source, true
	}
	return 0, 0, "", false
}

// locateStack parses an Error's stack property. Rejection reasons carry no
// goja frames, only the stack text captured when the error was created.
func (r *Runtime) locateStack(val goja.Value) (line, column int, source string, ok bool) {
	obj, isObj := val.(*goja.Object)
	if !isObj {
		return 0, 0, "", false
	}

	var stack string
	r.vm.Try(func() {
		if s := obj.Get("stack"); s != nil && !goja.IsUndefined(s) {
			stack = s.String()
		}
	})
	if stack == "" {
		return 0, 0, "", false
	}

	best := -1
	for name := range r.scripts {
		at := strings.Index(stack, name+":")
		if at < 0 || (best >= 0 && at >= best) {
			continue
		}
		m := framePosition.FindStringSubmatch(stack[at+len(name):])
		if m == nil {
			continue
		}
		best = at
		raw, _ := strconv.Atoi(m[1])
		column, _ = strconv.Atoi(m[2])
		line = wrapper.CorrectLine(raw, r.offset)
		source = ""
		if name == r.sourceTag {
			source = r.sourceName
		}
		ok = true
	}
	return line, column, source, ok
}

var framePosition = regexp.MustCompile(`^:(\d+):(\d+)`)

// trackRejection records promises rejected with no handler. A handler
// attached later in the same task cancels the report.
func (r *Runtime) trackRejection(p *goja.Promise, op goja.PromiseRejectionOperation) {
	switch op {
	case goja.PromiseRejectionReject:
		r.pendingRejects = append(r.pendingRejects, p)
	case goja.PromiseRejectionHandle:
		for i, q := range r.pendingRejects {
			if q == p {
				r.pendingRejects = append(r.pendingRejects[:i], r.pendingRejects[i+1:]...)
				break
			}
		}
	}
}

// flushRejections reports promises still unhandled after a task and its
// jobs have run
func (r *Runtime) flushRejections() {
	pending := r.pendingRejects
	r.pendingRejects = nil
	for _, p := range pending {
		if p.State() != goja.PromiseStateRejected {
			continue
		}
		r.reportException(wrapper.KindUnhandledRejection, p.Result(), nil)
	}
}
