package hostmodule

import (
	"github.com/cryguy/coldstart/internal/core"
	"github.com/cryguy/coldstart/internal/registry"
)

// BuildEvents returns a Builder exposing Node's EventEmitter. It is pure JS
// — no native call needed — but lives in this package because net.go and
// childprocess.go both construct instances of it for their connection and
// process objects, the same way Node's own net/child_process build on
// top of events internally.
func BuildEvents() registry.Builder {
	return func(rt core.JSRuntime, exports *registry.Exports) error {
		if err := rt.Eval(eventsModuleJS); err != nil {
			return err
		}
		exports.Set("EventEmitter", registry.RawRef{Expr: "globalThis.__EventEmitter"})
		exports.Set("default", registry.RawRef{Expr: "globalThis.__EventEmitter"})
		return nil
	}
}

const eventsModuleJS = `
(function() {
  if (typeof globalThis.__EventEmitter !== 'undefined') return;

  class EventEmitter {
    constructor() {
      this._events = Object.create(null);
      this._maxListeners = 10;
    }
    setMaxListeners(n) { this._maxListeners = n; return this; }
    on(event, listener) {
      (this._events[event] = this._events[event] || []).push(listener);
      return this;
    }
    addListener(event, listener) { return this.on(event, listener); }
    once(event, listener) {
      var self = this;
      function wrapper() {
        self.removeListener(event, wrapper);
        listener.apply(self, arguments);
      }
      wrapper._original = listener;
      return this.on(event, wrapper);
    }
    removeListener(event, listener) {
      var list = this._events[event];
      if (!list) return this;
      this._events[event] = list.filter(function(l) { return l !== listener && l._original !== listener; });
      return this;
    }
    off(event, listener) { return this.removeListener(event, listener); }
    removeAllListeners(event) {
      if (event === undefined) this._events = Object.create(null);
      else delete this._events[event];
      return this;
    }
    listeners(event) { return (this._events[event] || []).slice(); }
    listenerCount(event) { return (this._events[event] || []).length; }
    emit(event) {
      var list = this._events[event];
      if (!list || list.length === 0) {
        if (event === 'error') {
          var err = arguments[1];
          throw err instanceof Error ? err : new Error(String(err));
        }
        return false;
      }
      var args = Array.prototype.slice.call(arguments, 1);
      list.slice().forEach(function(l) { l.apply(undefined, args); });
      return true;
    }
  }

  globalThis.__EventEmitter = EventEmitter;
})();
`
