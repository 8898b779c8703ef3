// Package hostmodule implements the host-module contract (spec.md §4.6):
// filesystem, net, timers, crypto, zlib, dns, child process, fetch, URL,
// encoding, and event-emitter builders registered into the Host-Module
// Registry.
package hostmodule

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cryguy/coldstart/internal/core"
	"github.com/cryguy/coldstart/internal/iopool"
	"github.com/cryguy/coldstart/internal/jsvalue"
)

// AsyncBridge generalizes the promise-settlement idiom every async host
// module needs: a JS-side map keyed by job id holding {resolve, reject}, a
// Go-side Run that submits blocking work to the I/O pool, and a completion
// that calls back into the engine to settle the matching promise. Grounded
// on the fetch module's __fetchStart/__fetchResolve/__fetchReject pattern,
// generalized so every module gets its own namespaced pair of globals
// instead of hand-rolling the map/resolve/reject plumbing per module.
type AsyncBridge struct {
	rt      core.JSRuntime
	pool    *iopool.Pool
	name    string
	cancels *jobRegistry

	nextID int64
}

// NewAsyncBridge installs the JS-side promise bookkeeping for name and
// returns a bridge ready to run blocking work through pool. It also
// registers __<name>_cancel, letting script mark a job id cancelled
// (driven by an AbortSignal) so a completion that arrives after the
// caller already gave up is dropped instead of settling a promise nothing
// is listening to anymore.
func NewAsyncBridge(rt core.JSRuntime, pool *iopool.Pool, name string) (*AsyncBridge, error) {
	if err := rt.Eval(bridgeJS(name)); err != nil {
		return nil, fmt.Errorf("installing async bridge for %s: %w", name, err)
	}
	b := &AsyncBridge{rt: rt, pool: pool, name: name, cancels: newJobRegistry()}
	if err := rt.RegisterFunc(fmt.Sprintf("__%s_cancel", name), func(jobID string) bool {
		b.cancels.cancel(jobID)
		return true
	}); err != nil {
		return nil, fmt.Errorf("registering cancel hook for %s: %w", name, err)
	}
	return b, nil
}

func bridgeJS(name string) string {
	return fmt.Sprintf(`
(function() {
  globalThis.__%[1]s_promises = globalThis.__%[1]s_promises || {};
  globalThis.__%[1]s_resolve = function(jobID, resultJSON) {
    var p = globalThis.__%[1]s_promises[jobID];
    delete globalThis.__%[1]s_promises[jobID];
    if (p) p.resolve(resultJSON === undefined ? undefined : JSON.parse(resultJSON));
  };
  globalThis.__%[1]s_reject = function(jobID, ctor, message, code, domName) {
    var p = globalThis.__%[1]s_promises[jobID];
    delete globalThis.__%[1]s_promises[jobID];
    if (!p) return;
    var e;
    if (ctor === 'DOMException') {
      e = new DOMException(message, domName || 'Error');
    } else if (ctor === 'TypeError') {
      e = new TypeError(message);
    } else {
      e = new Error(message);
    }
    if (code) e.code = code;
    p.reject(e);
  };
  globalThis.__%[1]s_newPromise = function(jobID, signal) {
    return new Promise(function(resolve, reject) {
      globalThis.__%[1]s_promises[jobID] = { resolve: resolve, reject: reject };
      if (!signal) return;
      var onAbort = function() {
        delete globalThis.__%[1]s_promises[jobID];
        globalThis.__%[1]s_cancel(jobID);
        reject(signal.reason || new DOMException('The operation was aborted.', 'AbortError'));
      };
      if (signal.aborted) { onAbort(); return; }
      signal.addEventListener('abort', onAbort);
    });
  };
})();`, name)
}

// NewJobID returns a fresh, bridge-unique job id.
func (b *AsyncBridge) NewJobID() string {
	return fmt.Sprintf("%s-%d", b.name, atomic.AddInt64(&b.nextID, 1))
}

// NewPromiseExpr returns a JS expression constructing the promise
// registered under jobID, for a module's polyfill to `return` directly.
func (b *AsyncBridge) NewPromiseExpr(jobID string) string {
	return fmt.Sprintf("globalThis.__%s_newPromise(%s)", b.name, jsonQuote(jobID))
}

// Run submits do to the I/O pool; on completion it settles the promise
// registered under jobID by evaluating a callback into the engine. encode
// turns a successful result into the JSON payload passed to resolve();
// a nil encode means the promise resolves with no value.
func (b *AsyncBridge) Run(jobID string, do func() (any, error), encode func(any) (string, error)) {
	b.pool.Submit(iopool.WorkItem{
		Do: do,
		Done: func(result any, err error) {
			if b.cancels.isCancelled(jobID) {
				b.cancels.forget(jobID)
				return
			}
			if err != nil {
				b.reject(jobID, err)
				return
			}
			if encode == nil {
				_ = b.rt.Eval(fmt.Sprintf("globalThis.__%s_resolve(%s, undefined)", b.name, jsonQuote(jobID)))
				return
			}
			payload, encErr := encode(result)
			if encErr != nil {
				b.reject(jobID, encErr)
				return
			}
			_ = b.rt.Eval(fmt.Sprintf("globalThis.__%s_resolve(%s, %s)", b.name, jsonQuote(jobID), payload))
		},
	})
}

func (b *AsyncBridge) reject(jobID string, err error) {
	herr := AsHostError(err)
	script := fmt.Sprintf("globalThis.__%s_reject(%s, %s, %s, %s, %s)",
		b.name, jsonQuote(jobID), jsonQuote(herr.JSConstructor()), jsonQuote(herr.Message),
		jsonQuote(herr.Code), jsonQuote(herr.DOMName))
	_ = b.rt.Eval(script)
}

// AsHostError normalizes any error into a *jsvalue.HostError, classifying
// plain errors as Internal so every rejection path produces a consistent
// shape even when a Go stdlib call returns an untagged error.
func AsHostError(err error) *jsvalue.HostError {
	if herr, ok := err.(*jsvalue.HostError); ok {
		return herr
	}
	return jsvalue.NewError(jsvalue.KindInternal, "", "%s", err.Error())
}

func jsonQuote(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}

// EncodeJSON is a convenience encode func for Run: marshal result as-is.
func EncodeJSON(result any) (string, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// jobRegistry gives a module a place to stash PendingJob-like cancellation
// state (AbortSignal support) keyed by job id, guarded by a mutex since
// cancellation can race the I/O pool posting its completion.
type jobRegistry struct {
	mu        sync.Mutex
	cancelled map[string]bool
}

func newJobRegistry() *jobRegistry {
	return &jobRegistry{cancelled: make(map[string]bool)}
}

func (j *jobRegistry) cancel(id string) {
	j.mu.Lock()
	j.cancelled[id] = true
	j.mu.Unlock()
}

func (j *jobRegistry) isCancelled(id string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled[id]
}

func (j *jobRegistry) forget(id string) {
	j.mu.Lock()
	delete(j.cancelled, id)
	j.mu.Unlock()
}
