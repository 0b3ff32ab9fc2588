package sandbox

import (
	"math"
	"strconv"

	"github.com/dop251/goja"

	"github.com/GriffinCanCode/sandbox-preview/internal/preview/protocol"
)

// maxItems bounds the elements or keys serialized from one array or object
const maxItems = 1000

// installConsole replaces console with forwarding methods. It runs at most
// once per runtime; later calls are no-ops, so a call never produces more
// than one console-log message.
func (r *Runtime) installConsole() {
	if r.consoleInstalled {
		return
	}
	r.consoleInstalled = true

	console := r.vm.NewObject()
	for _, level := range protocol.Levels {
		console.Set(string(level), r.makeConsoleFunc(level))
	}
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	for _, name := range []string{"debug", "trace", "table", "group", "groupEnd", "time", "timeEnd", "clear"} {
		console.Set(name, noop)
	}
	r.vm.Set("console", console)
}

// makeConsoleFunc creates a console function that forwards its arguments
// as a structured list
func (r *Runtime) makeConsoleFunc(level protocol.Level) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		args := make([]any, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			args = append(args, r.serialize(arg, 0, map[*goja.Object]bool{}))
		}
		r.emit(protocol.TypeConsoleLog, protocol.ConsoleEvent{Level: level, Args: args})
		return goja.Undefined()
	}
}

// serialize converts a JS value into plain data. Functions become their
// source text, errors become "Name: message", elements become markup and
// anything nested deeper than the configured depth is summarized.
func (r *Runtime) serialize(v goja.Value, depth int, seen map[*goja.Object]bool) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}

	obj, ok := v.(*goja.Object)
	if !ok {
		switch x := v.Export().(type) {
		case float64:
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return v.String()
			}
			return x
		case int64, string, bool:
			return x
		default:
			return v.String()
		}
	}

	if _, isFn := goja.AssertFunction(obj); isFn {
		return obj.String()
	}
	if r.dom != nil {
		if markup, isNode := r.dom.describe(obj); isNode {
			return markup
		}
	}

	switch obj.ClassName() {
	case "Error":
		name, message := r.describe(obj, "Error")
		return name + ": " + message
	case "Date", "RegExp", "String", "Number", "Boolean", "Symbol":
		return obj.String()
	}

	if seen[obj] {
		return "[Circular]"
	}
	if depth >= r.cfg.MaxDepth {
		if obj.ClassName() == "Array" {
			return "[Array]"
		}
		return "[Object]"
	}
	seen[obj] = true
	defer delete(seen, obj)

	if obj.ClassName() == "Array" {
		n := int(obj.Get("length").ToInteger())
		if n > maxItems {
			n = maxItems
		}
		out := make([]any, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, r.serialize(obj.Get(strconv.Itoa(i)), depth+1, seen))
		}
		return out
	}

	out := make(map[string]any)
	for i, key := range obj.Keys() {
		if i == maxItems {
			break
		}
		out[key] = r.serialize(obj.Get(key), depth+1, seen)
	}
	return out
}
