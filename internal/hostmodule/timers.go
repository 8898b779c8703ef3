package hostmodule

import (
	"sync/atomic"
	"time"

	"github.com/cryguy/coldstart/internal/core"
	"github.com/cryguy/coldstart/internal/dispatcher"
	"github.com/cryguy/coldstart/internal/registry"
)

// minTimerDelay is the engine's reference precision floor (spec.md §4.6):
// any requested delay below this is clamped up to it.
const minTimerDelay = 4 * time.Millisecond

// BuildTimers returns a Builder wiring setTimeout/setInterval/setImmediate/
// clearTimeout/clearInterval onto disp. Grounded on the teacher's
// __timerRegister/__timerClear split: Go owns scheduling, a small JS
// polyfill exposes the familiar global functions and keeps the callback
// closures alive in a JS-side map so Go never has to hold a Value handle
// across the suspension point.
func BuildTimers(disp *dispatcher.Dispatcher) registry.Builder {
	return func(rt core.JSRuntime, exports *registry.Exports) error {
		if err := rt.RegisterFunc("__timerRegister", func(delayMs float64, interval bool) int {
			delay := time.Duration(delayMs * float64(time.Millisecond))
			if delay < minTimerDelay {
				delay = minTimerDelay
			}
			var id int
			fire := func() {
				_ = rt.Eval("globalThis.__timerFire(" + itoa(id) + ")")
			}
			if interval {
				id = disp.RegisterTimer(delay, delay, fire)
			} else {
				id = disp.RegisterTimer(delay, 0, fire)
			}
			return id
		}); err != nil {
			return err
		}
		if err := rt.RegisterFunc("__timerClear", func(id int) {
			disp.ClearTimer(id)
		}); err != nil {
			return err
		}
		var nextImmediateID int64
		if err := rt.RegisterFunc("__immediateRegister", func() int {
			// Negative ids keep the setImmediate namespace disjoint from
			// the dispatcher's own (positive) timer ids, since both share
			// the JS-side __timerCallbacks table.
			id := -int(atomic.AddInt64(&nextImmediateID, 1))
			disp.Submit(func() {
				_ = rt.Eval("globalThis.__timerFire(" + itoa(id) + ")")
			})
			return id
		}); err != nil {
			return err
		}

		if err := rt.Eval(timersJS); err != nil {
			return err
		}

		exports.Set("setTimeout", registry.RawRef{Expr: "globalThis.setTimeout"})
		exports.Set("setInterval", registry.RawRef{Expr: "globalThis.setInterval"})
		exports.Set("setImmediate", registry.RawRef{Expr: "globalThis.setImmediate"})
		exports.Set("clearTimeout", registry.RawRef{Expr: "globalThis.clearTimeout"})
		exports.Set("clearInterval", registry.RawRef{Expr: "globalThis.clearInterval"})
		return nil
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// timersJS defines globalThis.setTimeout/setInterval/setImmediate/
// clearTimeout/clearInterval in terms of the three Go-registered
// primitives above, plus the __timerFire dispatch table they call into.
const timersJS = `
(function() {
  globalThis.__timerCallbacks = globalThis.__timerCallbacks || {};

  globalThis.__timerFire = function(id) {
    var entry = globalThis.__timerCallbacks[id];
    if (!entry) return;
    if (!entry.interval) delete globalThis.__timerCallbacks[id];
    try {
      entry.fn.apply(null, entry.args);
    } catch (e) {
      if (typeof globalThis.__reportUnhandledError === 'function') {
        globalThis.__reportUnhandledError(e);
      }
    }
  };

  function coerceDelay(d) {
    d = Number(d);
    if (!isFinite(d) || d < 0) return 0;
    return d;
  }

  globalThis.setTimeout = function(fn, delay) {
    var args = Array.prototype.slice.call(arguments, 2);
    var id = __timerRegister(coerceDelay(delay), false);
    globalThis.__timerCallbacks[id] = { fn: fn, args: args, interval: false };
    return id;
  };

  globalThis.setInterval = function(fn, delay) {
    var args = Array.prototype.slice.call(arguments, 2);
    var id = __timerRegister(coerceDelay(delay), true);
    globalThis.__timerCallbacks[id] = { fn: fn, args: args, interval: true };
    return id;
  };

  globalThis.setImmediate = function(fn) {
    var args = Array.prototype.slice.call(arguments, 1);
    var id = __immediateRegister();
    globalThis.__timerCallbacks[id] = { fn: fn, args: args, interval: false };
    return id;
  };

  globalThis.clearTimeout = function(id) {
    delete globalThis.__timerCallbacks[id];
    __timerClear(id);
  };
  globalThis.clearInterval = globalThis.clearTimeout;
})();
`
