package testrunner

import (
	"encoding/json"
	"fmt"
)

// reporter receives __test_emit calls made synchronously from the JS suite
// driver below and turns them into protocol Messages sent straight to the
// coordinator over wc. finished flips true once the root suite's promise
// chain has settled, which is what runTestFile polls on to know when to
// stop pumping the event loop.
type reporter struct {
	wc       *conn
	file     string
	finished bool

	testCount, skipCount, onlyCount int
}

type suiteEvent struct {
	Type    string     `json:"type"`
	Desc    string     `json:"desc"`
	IsSuite bool       `json:"isSuite"`
	Started int64      `json:"started"`
	Ended   int64      `json:"ended"`
	Timeout int        `json:"timeout"`
	Error   *TestError `json:"error"`
}

func (r *reporter) emit(raw string) {
	var evt suiteEvent
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		return
	}
	switch evt.Type {
	case "start":
		r.wc.send(Message{Type: "start", Desc: evt.Desc, IsSuite: evt.IsSuite, Started: evt.Started, Timeout: evt.Timeout})
	case "end":
		r.wc.send(Message{Type: "end", Desc: evt.Desc, IsSuite: evt.IsSuite, Started: evt.Started, Ended: evt.Ended})
	case "error":
		r.wc.send(Message{Type: "error", Desc: evt.Desc, Started: evt.Started, Ended: evt.Ended, Error: evt.Error})
	case "finished":
		r.finished = true
	}
}

type moduleStats struct {
	TestCount int `json:"testCount"`
	SkipCount int `json:"skipCount"`
	OnlyCount int `json:"onlyCount"`
}

func parseModuleStats(raw string) moduleStats {
	var s moduleStats
	json.Unmarshal([]byte(raw), &s)
	return s
}

// installTestGlobals registers the __test_emit bridge and evaluates the
// suite driver, which installs describe/it/test/expect/beforeAll/
// beforeEach/afterAll/afterEach (spec.md §4.7) plus __testModuleStats and
// __testRunRoot, the two entry points runTestFile calls.
func installTestGlobals(host Host, rep *reporter, defaultTimeoutMS int) error {
	if err := host.RegisterFunc("__test_emit", func(raw string) bool {
		rep.emit(raw)
		return true
	}); err != nil {
		return err
	}
	return host.Eval(fmt.Sprintf(suiteDriverJS, defaultTimeoutMS))
}

// suiteDriverJS is the suite tree, runner, and matcher library every test
// file runs against. It lives entirely in script because the state machine
// spec.md §4.7 describes (hook ordering, only/skip propagation, the
// done()-vs-returned-promise race) is naturally expressed with native
// Promise chains; the Go side only needs to know when the whole tree has
// settled and to relay each lifecycle event as it happens. The one format
// verb fills in the file's default per-test timeout in milliseconds.
const suiteDriverJS = `
(function() {
  var DEFAULT_TIMEOUT = %d;

  function SuiteNode(desc, parent) {
    this.desc = desc;
    this.parent = parent || null;
    this.suites = [];
    this.tests = [];
    this.hooks = { beforeAll: [], afterAll: [], beforeEach: [], afterEach: [] };
    this.only = false;
    this.skip = false;
    this.containsOnly = false;
  }

  function TestNode(desc, fn, parent, opts) {
    this.desc = desc;
    this.fn = fn;
    this.parent = parent;
    this.only = !!(opts && opts.only);
    this.skip = !!(opts && opts.skip);
    this.timeout = (opts && opts.timeout) || DEFAULT_TIMEOUT;
    this.suites = [];
  }

  var root = new SuiteNode('', null);
  var current = root;
  var onlyCount = 0;

  function markOnlyAncestors(node) {
    var n = node;
    while (n) { n.containsOnly = true; n = n.parent; }
  }

  function fullDesc(node) {
    var parts = [];
    var n = node;
    while (n && n.parent) { parts.unshift(n.desc); n = n.parent; }
    return parts.join(' > ');
  }

  function describeImpl(desc, fn, opts) {
    var node = new SuiteNode(desc, current);
    if (opts && opts.only) { node.only = true; onlyCount++; markOnlyAncestors(current); }
    if (opts && opts.skip) node.skip = true;
    current.suites.push(node);
    var prev = current;
    current = node;
    try { fn(); } finally { current = prev; }
    return node;
  }
  globalThis.describe = function(desc, fn) { return describeImpl(desc, fn); };
  globalThis.describe.only = function(desc, fn) { return describeImpl(desc, fn, { only: true }); };
  globalThis.describe.skip = function(desc, fn) { return describeImpl(desc, fn, { skip: true }); };

  function registerTest(desc, fn, opts) {
    var node = new TestNode(desc, fn, current, opts);
    if (node.only) { onlyCount++; markOnlyAncestors(current); }
    current.tests.push(node);
    return node;
  }
  globalThis.it = function(desc, fn, opts) { return registerTest(desc, fn, opts); };
  globalThis.test = globalThis.it;
  globalThis.it.only = function(desc, fn) { return registerTest(desc, fn, { only: true }); };
  globalThis.it.skip = function(desc, fn) { return registerTest(desc, fn, { skip: true }); };
  globalThis.test.only = globalThis.it.only;
  globalThis.test.skip = globalThis.it.skip;

  globalThis.beforeAll = function(fn) { current.hooks.beforeAll.push(fn); };
  globalThis.afterAll = function(fn) { current.hooks.afterAll.push(fn); };
  globalThis.beforeEach = function(fn) { current.hooks.beforeEach.push(fn); };
  globalThis.afterEach = function(fn) { current.hooks.afterEach.push(fn); };

  function isSkipped(node) {
    if (node.skip) return true;
    return node.parent ? isSkipped(node.parent) : false;
  }
  function isOnlySelected(node) {
    if (onlyCount === 0) return true;
    for (var n = node; n; n = n.parent) {
      if (n.only) return true;
    }
    return !!node.containsOnly;
  }
  function excluded(node) { return isSkipped(node) || !isOnlySelected(node); }

  // --- matchers ---

  function deepEqual(a, b) {
    if (a === b) return true;
    if (typeof a !== typeof b || a === null || b === null) return false;
    if (typeof a !== 'object') return false;
    if (Array.isArray(a) !== Array.isArray(b)) return false;
    var ak = Object.keys(a), bk = Object.keys(b);
    if (ak.length !== bk.length) return false;
    for (var i = 0; i < ak.length; i++) {
      var k = ak[i];
      if (!Object.prototype.hasOwnProperty.call(b, k)) return false;
      if (!deepEqual(a[k], b[k])) return false;
    }
    return true;
  }

  function fail(msg) {
    var e = new Error(msg);
    e.name = 'AssertionError';
    throw e;
  }

  globalThis.expect = function(actual) {
    function build(negate) {
      return {
        get not() { return build(!negate); },
        toBe: function(exp) {
          if ((actual === exp) === negate) fail('expected ' + String(actual) + (negate ? ' not' : '') + ' to be ' + String(exp));
        },
        toEqual: function(exp) {
          if (deepEqual(actual, exp) === negate) fail('expected ' + JSON.stringify(actual) + (negate ? ' not' : '') + ' to equal ' + JSON.stringify(exp));
        },
        toBeTruthy: function() {
          if (!!actual === negate) fail('expected ' + String(actual) + (negate ? ' not' : '') + ' to be truthy');
        },
        toBeFalsy: function() {
          if (!actual === negate) fail('expected ' + String(actual) + (negate ? ' not' : '') + ' to be falsy');
        },
        toBeNull: function() {
          if ((actual === null) === negate) fail('expected ' + String(actual) + (negate ? ' not' : '') + ' to be null');
        },
        toBeUndefined: function() {
          if ((actual === undefined) === negate) fail('expected value' + (negate ? ' not' : '') + ' to be undefined');
        },
        toBeDefined: function() {
          if ((actual !== undefined) === negate) fail('expected value' + (negate ? ' not' : '') + ' to be defined');
        },
        toContain: function(item) {
          var pass = !!actual && typeof actual.indexOf === 'function' && actual.indexOf(item) !== -1;
          if (pass === negate) fail('expected ' + JSON.stringify(actual) + (negate ? ' not' : '') + ' to contain ' + JSON.stringify(item));
        },
        toHaveLength: function(len) {
          var pass = !!actual && actual.length === len;
          if (pass === negate) fail('expected length ' + (actual && actual.length) + (negate ? ' not' : '') + ' to be ' + len);
        },
        toBeGreaterThan: function(n) {
          if ((actual > n) === negate) fail('expected ' + actual + (negate ? ' not' : '') + ' to be greater than ' + n);
        },
        toBeLessThan: function(n) {
          if ((actual < n) === negate) fail('expected ' + actual + (negate ? ' not' : '') + ' to be less than ' + n);
        },
        toThrow: function(expected) {
          var threw = false, err;
          try { actual(); } catch (e) { threw = true; err = e; }
          var pass = threw && (expected === undefined || (err && err.message && err.message.indexOf(expected) !== -1));
          if (pass === negate) fail('expected function' + (negate ? ' not' : '') + ' to throw' + (expected ? (' ' + expected) : ''));
        }
      };
    }
    return build(false);
  };

  // --- running ---

  function errShape(e) {
    if (e instanceof Error) return { name: e.name || 'Error', message: e.message || String(e), stack: e.stack || '' };
    return { name: 'Error', message: String(e), stack: '' };
  }

  function emitEvent(obj) { __test_emit(JSON.stringify(obj)); }

  function runHooks(list) {
    return list.reduce(function(p, fn) {
      return p.then(function() { return fn(); });
    }, Promise.resolve());
  }

  // A test that signals completion twice (done() called twice, or both a
  // returned promise and done() settle) is implementation-defined by
  // design: the settlement scheduled latest within the same microtask turn
  // wins, since a native Promise can only ever be settled once for real.
  function settleFactory(resolve, reject, clearTimer) {
    var pending = null;
    var scheduled = false;
    return function(err) {
      pending = { err: err };
      if (scheduled) return;
      scheduled = true;
      Promise.resolve().then(function() {
        clearTimer();
        if (pending.err) reject(pending.err); else resolve();
      });
    };
  }

  function runTest(node) {
    var desc = fullDesc(node);
    var started = Date.now();
    emitEvent({ type: 'start', desc: desc, isSuite: false, started: started, timeout: node.timeout });

    var p;
    try {
      if (node.fn.length >= 1) {
        p = new Promise(function(resolve, reject) {
          var timer = setTimeout(function() { reject(new Error('test timed out after ' + node.timeout + 'ms')); }, node.timeout);
          var settle = settleFactory(resolve, reject, function() { clearTimeout(timer); });
          try {
            var maybe = node.fn(function(err) { settle(err); });
            if (maybe && typeof maybe.then === 'function') {
              maybe.then(function() { settle(); }, function(e) { settle(e); });
            }
          } catch (e) { settle(e); }
        });
      } else {
        p = new Promise(function(resolve, reject) {
          var timer = setTimeout(function() { reject(new Error('test timed out after ' + node.timeout + 'ms')); }, node.timeout);
          Promise.resolve().then(function() { return node.fn(); }).then(
            function() { clearTimeout(timer); resolve(); },
            function(e) { clearTimeout(timer); reject(e); }
          );
        });
      }
    } catch (e) {
      p = Promise.reject(e);
    }

    return p.then(
      function() { emitEvent({ type: 'end', desc: desc, isSuite: false, started: started, ended: Date.now() }); },
      function(e) { emitEvent({ type: 'error', desc: desc, started: started, ended: Date.now(), error: errShape(e) }); }
    );
  }

  function walkSuite(node, isRoot) {
    var desc = fullDesc(node);
    if (excluded(node)) return Promise.resolve();

    var state = 'created';
    var suiteStarted = Date.now();
    if (!isRoot) emitEvent({ type: 'start', desc: desc, isSuite: true, started: suiteStarted });

    state = 'beforeAll-running';
    return runHooks(node.hooks.beforeAll).catch(function(e) {
      state = 'errored';
      emitEvent({ type: 'error', desc: desc, started: suiteStarted, ended: Date.now(), error: errShape(e) });
    }).then(function() {
      if (state === 'errored') return;
      state = 'tests-running';
      var tests = node.tests.filter(function(t) { return !excluded(t); });
      return tests.reduce(function(p, t) {
        return p.then(function() {
          return runHooks(node.hooks.beforeEach).then(
            function() {
              return runTest(t).then(function() {
                return runHooks(node.hooks.afterEach).catch(function(e) {
                  emitEvent({ type: 'error', desc: fullDesc(t), started: Date.now(), ended: Date.now(), error: errShape(e) });
                });
              });
            },
            function(e) {
              emitEvent({ type: 'error', desc: fullDesc(t), started: Date.now(), ended: Date.now(), error: errShape(e) });
            }
          );
        });
      }, Promise.resolve());
    }).then(function() {
      if (state === 'errored') return;
      return node.suites.reduce(function(p, s) {
        return p.then(function() { return walkSuite(s, false); });
      }, Promise.resolve());
    }).then(function() {
      if (state === 'errored') { state = 'finished'; return; }
      state = 'afterAll-running';
      return runHooks(node.hooks.afterAll).catch(function(e) {
        emitEvent({ type: 'error', desc: desc, started: suiteStarted, ended: Date.now(), error: errShape(e) });
      });
    }).then(function() {
      state = 'finished';
      if (!isRoot) emitEvent({ type: 'end', desc: desc, isSuite: true, started: suiteStarted, ended: Date.now() });
    });
  }

  globalThis.__testModuleStats = function() {
    var total = 0, skipped = 0;
    (function walk(node) {
      node.tests.forEach(function(t) {
        total++;
        if (excluded(t)) skipped++;
      });
      node.suites.forEach(walk);
    })(root);
    return { testCount: total, skipCount: skipped, onlyCount: onlyCount };
  };

  globalThis.__testRunRoot = function() {
    walkSuite(root, true).then(
      function() { emitEvent({ type: 'finished' }); },
      function() { emitEvent({ type: 'finished' }); }
    );
  };
})();
`
