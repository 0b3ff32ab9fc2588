package assemble

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

// offsetPattern finds the line offset literal inside an assembled bootstrap
var offsetPattern = regexp.MustCompile(`var LINE_OFFSET = (\d+);`)

// bootstrapSource runs before any user code. It forwards console calls and
// uncaught errors to the host, and defines the entry point the wrapped user
// script calls. Placeholders are replaced by renderBootstrap; none of them
// contain newlines, so the bootstrap's line count is fixed.
const bootstrapSource = `(function () {
  "use strict";
  var LINE_OFFSET = __LINE_OFFSET__;
  var SOURCE_TAG = __SOURCE_TAG__;
  var SOURCE_NAME = __SOURCE_NAME__;
  var FN_HEADER_LINES = 2;
  var host = window.parent;

  function post(type, payload) {
    try {
      host.postMessage({ type: type, payload: payload }, "*");
    } catch (e) {}
  }

  function serialize(v) {
    if (typeof v === "function") return String(v);
    if (v instanceof Error) return v.name + ": " + v.message;
    if (typeof Node !== "undefined" && v instanceof Node) return v.outerHTML || v.nodeName;
    try {
      JSON.stringify(v);
      return v;
    } catch (e) {
      return String(v);
    }
  }

  if (!console.__previewWrapped) {
    ["log", "warn", "error", "info"].forEach(function (level) {
      var original = console[level];
      console[level] = function () {
        var args = Array.prototype.slice.call(arguments).map(serialize);
        post("console-log", { level: level, args: args });
        if (original) original.apply(console, arguments);
      };
    });
    Object.defineProperty(console, "__previewWrapped", { value: true });
  }

  function userLine(raw) {
    return Math.max(1, raw - LINE_OFFSET);
  }

  function locate(err) {
    var stack = String((err && err.stack) || "");
    var at = stack.indexOf(SOURCE_TAG + ":");
    if (at < 0) return null;
    var m = /^:(\d+):(\d+)/.exec(stack.slice(at + SOURCE_TAG.length));
    if (!m) return null;
    var fnLine = parseInt(m[1], 10) - FN_HEADER_LINES;
    return { line: userLine(LINE_OFFSET + fnLine), column: parseInt(m[2], 10) };
  }

  function report(kind, err, loc) {
    var payload = {
      kind: kind,
      name: (err && err.name) || kind,
      message: String((err && err.message) || err)
    };
    if (loc) {
      payload.line = loc.line;
      payload.column = loc.column;
      if (SOURCE_NAME) payload.source = SOURCE_NAME;
    }
    post("iframe-error", payload);
  }

  window.addEventListener("error", function (e) {
    var loc = locate(e.error);
    if (!loc && e.lineno) loc = { line: userLine(e.lineno), column: e.colno || 0 };
    report("RuntimeError", e.error || { name: "Error", message: e.message }, loc);
  });

  window.addEventListener("unhandledrejection", function (e) {
    report("UnhandledRejection", e.reason, locate(e.reason));
  });

  window.addEventListener("message", function (e) {
    if (e.source !== host || !e.data || typeof e.data.type !== "string") return;
    window.dispatchEvent(new CustomEvent("preview:" + e.data.type, { detail: e.data.payload }));
  });

  window.preview = Object.freeze({
    send: function (type, payload) { post(String(type), payload); }
  });

  window.__previewRun = function (src) {
    var fn;
    // the literal opens on the script tag line; user line 1 follows its newline
    src = String(src).replace(/^\n/, "");
    try {
      fn = new Function(src + "\n//# sourceURL=" + SOURCE_TAG);
    } catch (err) {
      report("SyntaxError", err, locate(err));
      return;
    }
    try {
      var result = fn.call(window);
      if (result && typeof result.then === "function") {
        result.then(null, function (err) { report("UnhandledRejection", err, locate(err)); });
      }
    } catch (err) {
      report("RuntimeError", err, locate(err));
    }
  };
})();`

// renderBootstrap fills the bootstrap placeholders
func renderBootstrap(offset int, sourceTag, sourceName string) string {
	return strings.NewReplacer(
		"__LINE_OFFSET__", strconv.Itoa(offset),
		"__SOURCE_TAG__", jsString(sourceTag),
		"__SOURCE_NAME__", jsString(sourceName),
	).Replace(bootstrapSource)
}

// jsString encodes s as a JS string literal that is safe inside a script
// element
func jsString(s string) string {
	out, err := sonic.ConfigStd.MarshalToString(s)
	if err != nil {
		return `""`
	}
	return out
}

// LineOffset reads the offset literal back out of bootstrap script text.
// ok is false when the text is not a rendered bootstrap.
func LineOffset(script string) (int, bool) {
	m := offsetPattern.FindStringSubmatch(script)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}
