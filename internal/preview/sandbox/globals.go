package sandbox

import (
	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/sandbox-preview/internal/preview/protocol"
)

// setupGlobals configures the window. Host references resolve to
// undefined; the document is installed by Load.
func (r *Runtime) setupGlobals() {
	vm := r.vm

	// Remove dangerous globals
	for _, name := range []string{"require", "process", "module", "exports"} {
		vm.Set(name, goja.Undefined())
	}

	window := vm.GlobalObject()
	vm.Set("window", window)
	vm.Set("self", window)
	for _, name := range []string{"parent", "top", "opener", "frameElement"} {
		vm.Set(name, goja.Undefined())
	}

	vm.Set("addEventListener", r.listeners.add)
	vm.Set("removeEventListener", r.listeners.remove)

	vm.Set("setTimeout", r.schedule(false))
	vm.Set("setInterval", r.schedule(true))
	vm.Set("clearTimeout", r.cancelTimer)
	vm.Set("clearInterval", r.cancelTimer)
	vm.Set("requestAnimationFrame", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			return goja.Undefined()
		}
		id := r.timers.add(frameInterval, 0, func() error {
			_, err := fn(goja.Undefined(), vm.ToValue(float64(r.timers.now.Milliseconds())))
			return err
		})
		return vm.ToValue(id)
	})
	vm.Set("cancelAnimationFrame", r.cancelTimer)

	vm.Set("localStorage", newStorage(vm))
	vm.Set("sessionStorage", newStorage(vm))

	preview := vm.NewObject()
	preview.Set("send", r.previewSend)
	vm.Set("preview", preview)
}

// previewSend lets the document post extension messages to the host
func (r *Runtime) previewSend(call goja.FunctionCall) goja.Value {
	t := protocol.Type(call.Argument(0).String())
	if t.Core() || !t.Known() {
		r.log.Debug("Ignoring preview.send", zap.String("type", string(t)))
		return r.vm.ToValue(false)
	}
	payload := r.serialize(call.Argument(1), 0, map[*goja.Object]bool{})
	r.emit(t, payload)
	return r.vm.ToValue(true)
}

// newEvent builds a minimal Event object
func (r *Runtime) newEvent(typ string, detail any) *goja.Object {
	ev := r.vm.NewObject()
	ev.Set("type", typ)
	ev.Set("detail", detail)
	ev.Set("preventDefault", func(goja.FunctionCall) goja.Value { return goja.Undefined() })
	ev.Set("stopPropagation", func(goja.FunctionCall) goja.Value { return goja.Undefined() })
	return ev
}

// fire dispatches a plain event to a listener set
func (r *Runtime) fire(set *listenerSet, typ string) error {
	return set.dispatch(r, typ, r.newEvent(typ, nil))
}

type listener struct {
	value goja.Value
	fn    goja.Callable
}

// listenerSet holds event listeners by event type
type listenerSet struct {
	byType map[string][]listener
}

func newListenerSet() *listenerSet {
	return &listenerSet{byType: make(map[string][]listener)}
}

func (s *listenerSet) add(call goja.FunctionCall) goja.Value {
	typ := call.Argument(0).String()
	v := call.Argument(1)
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return goja.Undefined()
	}
	for _, l := range s.byType[typ] {
		if l.value.SameAs(v) {
			return goja.Undefined()
		}
	}
	s.byType[typ] = append(s.byType[typ], listener{value: v, fn: fn})
	return goja.Undefined()
}

func (s *listenerSet) remove(call goja.FunctionCall) goja.Value {
	typ := call.Argument(0).String()
	v := call.Argument(1)
	list := s.byType[typ]
	for i, l := range list {
		if l.value.SameAs(v) {
			s.byType[typ] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	return goja.Undefined()
}

// dispatch calls every listener for typ. A throwing listener is reported
// and the rest still run.
func (s *listenerSet) dispatch(r *Runtime, typ string, event *goja.Object) error {
	for _, l := range append([]listener(nil), s.byType[typ]...) {
		_, err := l.fn(r.vm.GlobalObject(), event)
		r.flushRejections()
		if err := r.handleRunError(err); err != nil {
			return err
		}
	}
	return nil
}

// schedule implements setTimeout and setInterval on the virtual clock.
// String callbacks are ignored, as the document policy forbids eval.
func (r *Runtime) schedule(repeat bool) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			return goja.Undefined()
		}
		delay := call.Argument(1).ToInteger()
		if delay < 0 {
			delay = 0
		}
		var args []goja.Value
		if len(call.Arguments) > 2 {
			args = append(args, call.Arguments[2:]...)
		}

		every := msDuration(0)
		if repeat {
			every = msDuration(max(delay, 1))
		}
		id := r.timers.add(msDuration(delay), every, func() error {
			_, err := fn(goja.Undefined(), args...)
			return err
		})
		return r.vm.ToValue(id)
	}
}

func (r *Runtime) cancelTimer(call goja.FunctionCall) goja.Value {
	r.timers.cancel(int(call.Argument(0).ToInteger()))
	return goja.Undefined()
}

// drainTimers runs due timers in virtual time order until the queue is
// empty, the task budget is spent, or the horizon is reached
func (r *Runtime) drainTimers() error {
	for ran := 0; ran < r.cfg.MaxTimerTasks; ran++ {
		task := r.timers.next(r.cfg.TimerHorizon)
		if task == nil {
			return nil
		}
		err := task.run()
		r.flushRejections()
		if err := r.handleRunError(err); err != nil {
			return err
		}
		r.timers.reschedule(task)
	}
	return nil
}

// newStorage creates an in-memory Web Storage object
func newStorage(vm *goja.Runtime) *goja.Object {
	data := map[string]string{}
	var keys []string

	s := vm.NewObject()
	s.Set("getItem", func(call goja.FunctionCall) goja.Value {
		if v, ok := data[call.Argument(0).String()]; ok {
			return vm.ToValue(v)
		}
		return goja.Null()
	})
	s.Set("setItem", func(call goja.FunctionCall) goja.Value {
		k := call.Argument(0).String()
		if _, ok := data[k]; !ok {
			keys = append(keys, k)
		}
		data[k] = call.Argument(1).String()
		return goja.Undefined()
	})
	s.Set("removeItem", func(call goja.FunctionCall) goja.Value {
		k := call.Argument(0).String()
		if _, ok := data[k]; ok {
			delete(data, k)
			for i, key := range keys {
				if key == k {
					keys = append(keys[:i], keys[i+1:]...)
					break
				}
			}
		}
		return goja.Undefined()
	})
	s.Set("clear", func(goja.FunctionCall) goja.Value {
		data = map[string]string{}
		keys = nil
		return goja.Undefined()
	})
	s.Set("key", func(call goja.FunctionCall) goja.Value {
		i := int(call.Argument(0).ToInteger())
		if i < 0 || i >= len(keys) {
			return goja.Null()
		}
		return vm.ToValue(keys[i])
	})
	s.DefineAccessorProperty("length", vm.ToValue(func(goja.FunctionCall) goja.Value {
		return vm.ToValue(len(keys))
	}), nil, goja.FLAG_FALSE, goja.FLAG_FALSE)
	return s
}
