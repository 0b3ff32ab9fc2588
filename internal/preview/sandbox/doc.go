/*
Package sandbox renders assembled preview documents inside an isolated
JavaScript runtime built on the goja engine.

# Overview

A Runtime is one render target. It owns a fresh goja VM, a DOM proxy over
the parsed document and every piece of per-document state: the console
interception flag, listeners, timers and pending promise rejections. When
the runtime is detached all of it goes away together.

# Execution

Load walks the document's inline scripts in order. The bootstrap script is
not evaluated; the runtime installs its host bridge natively and reads the
line offset from it. The user script is unwrapped and compiled as a
function under its source tag, padded so that goja reports document line
numbers, which are then mapped back to user lines the same way a browser
frame would map them.

After the scripts, DOMContentLoaded and load fire, then timers run on a
virtual clock until the queue drains, the task budget is spent or the
horizon is reached.

# Security Model

Scripts cannot:
  - Reach the host: parent, top, opener and frameElement are undefined
  - Load modules or touch the process (require, process, module, exports)
  - Evaluate string timers
  - Run past the configured timeout; the VM is interrupted

Every message leaves through the broker channel given to New. Faults in
user code become iframe-error events and never surface as Go errors.

# Usage Example

	rt := sandbox.New(sandbox.Options{
		ID:      "inst_01J...",
		Channel: ch,
		Config:  sandbox.DefaultConfig(),
	})
	defer rt.Detach()

	if err := rt.Load(ctx, doc); err != nil {
		log.Error("Load failed", zap.Error(err))
	}
*/
package sandbox
