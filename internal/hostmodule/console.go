package hostmodule

import (
	"bufio"
	"fmt"
	"os"

	"github.com/cryguy/coldstart/internal/core"
)

var (
	stdout = bufio.NewWriter(os.Stdout)
	stderr = bufio.NewWriter(os.Stderr)
)

// InstallConsole registers globalThis.console, backed directly by the two
// process streams rather than the standard `log` package: script output has
// no place for `log`'s own timestamp/prefix, and the teacher's own
// console.go writes straight to stdout/stderr line-buffered the same way.
// Call once per Runtime, after InstallGlobals.
func InstallConsole(rt core.JSRuntime) error {
	if err := rt.RegisterFunc("__console_write", func(stream string, line string) bool {
		w := stdout
		if stream == "stderr" {
			w = stderr
		}
		fmt.Fprintln(w, line)
		w.Flush()
		return true
	}); err != nil {
		return err
	}
	return rt.Eval(consoleJS)
}

const consoleJS = `
(function() {
  function fmt(args) {
    return Array.prototype.map.call(args, function(a) {
      if (typeof a === 'string') return a;
      if (a instanceof Error) return a.stack || (a.name + ': ' + a.message);
      try { return JSON.stringify(a); } catch (e) { return String(a); }
    }).join(' ');
  }
  function make(stream) {
    return function() { __console_write(stream, fmt(arguments)); };
  }
  globalThis.console = {
    log: make('stdout'),
    info: make('stdout'),
    debug: make('stdout'),
    warn: make('stderr'),
    error: make('stderr'),
    trace: make('stderr'),
  };
})();
`
