// Package coldstart wires the CORE components — the JS engine, the
// Module Loader, the Host-Module Registry, the Task Dispatcher, and the
// Native I/O Workers — into a single embeddable runtime, the way the
// teacher's own root package wires an Engine out of its backend, pool,
// and loader pieces.
package coldstart

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cryguy/coldstart/internal/core"
	"github.com/cryguy/coldstart/internal/dispatcher"
	"github.com/cryguy/coldstart/internal/hostmodule"
	"github.com/cryguy/coldstart/internal/iopool"
	"github.com/cryguy/coldstart/internal/jsvalue"
	"github.com/cryguy/coldstart/internal/loader"
	"github.com/cryguy/coldstart/internal/registry"
	"github.com/cryguy/coldstart/internal/testrunner"
)

// Config carries every knob a Runtime needs at construction, passed
// explicitly rather than read from package globals (spec.md §9's
// no-ambient-globals note). Zero values fall back to sane defaults in New.
type Config struct {
	MemoryLimitMB int           // engine heap cap; 0 means engine default
	IOWorkers     int           // native I/O worker pool width; 0 means iopool.DefaultWorkers
	FetchTimeout  time.Duration // per-request fetch timeout; 0 means 30s
	NetAllowList  []string      // additional fetch() allow-list hosts, merged with LLRT_NET_ALLOW
	NetDenyList   []string      // additional fetch() deny-list hosts, merged with LLRT_NET_DENY
	TestTimeout   time.Duration // default per-test timeout for RunTests; 0 means 5s
	TestWorkers   int           // RunTests worker process count; 0 means 4
}

// Runtime is one embeddable JS runtime instance: one engine, one
// dispatcher, one I/O pool, one module loader. Not safe for concurrent use
// from more than one goroutine — the dispatcher owns the single thread of
// JS execution, exactly as spec.md §4.4 requires.
type Runtime struct {
	cfg    Config
	engine core.JSRuntime
	disp   *dispatcher.Dispatcher
	pool   *iopool.Pool
	reg    *registry.Registry
	loader *loader.Loader
}

// New constructs a Runtime: the engine backend selected by the `v8` build
// tag (QuickJS otherwise), every host module from spec.md §4.6 registered
// into the Host-Module Registry, and the require() bridge wired through to
// the Module Loader.
func New(cfg Config) (*Runtime, error) {
	engine, err := newEngine(cfg.MemoryLimitMB)
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	disp := dispatcher.New(engine)
	pool := iopool.New(disp, cfg.IOWorkers)
	reg := registry.New()
	ldr := loader.New(engine, reg)

	rt := &Runtime{cfg: cfg, engine: engine, disp: disp, pool: pool, reg: reg, loader: ldr}
	log.Printf("coldstart: runtime created, io workers=%d", poolWidth(cfg.IOWorkers))

	if err := hostmodule.InstallGlobals(engine); err != nil {
		engine.Close()
		return nil, fmt.Errorf("installing globals: %w", err)
	}
	if err := hostmodule.InstallConsole(engine); err != nil {
		engine.Close()
		return nil, fmt.Errorf("installing console: %w", err)
	}
	if err := engine.RegisterFunc("__hostRequire", rt.hostRequire); err != nil {
		engine.Close()
		return nil, fmt.Errorf("registering require bridge: %w", err)
	}

	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = 30 * time.Second
	}

	reg.Register("fs", hostmodule.BuildFS(pool))
	reg.Register("timers", hostmodule.BuildTimers(disp))
	reg.Register("fetch", hostmodule.BuildFetch(pool, fetchTimeout, cfg.NetAllowList, cfg.NetDenyList))
	reg.Register("url", hostmodule.BuildURL())
	reg.Register("crypto", hostmodule.BuildCrypto())
	reg.Register("zlib", hostmodule.BuildZlib(pool))
	reg.Register("dns", hostmodule.BuildDNS(pool))
	reg.Register("net", hostmodule.BuildNet(disp))
	reg.Register("child_process", hostmodule.BuildChildProcess(disp))
	reg.Register("events", hostmodule.BuildEvents())

	// setTimeout and the other timer functions are globals, so the timers
	// module is built up front rather than on first require("timers").
	if _, err := ldr.Load("timers"); err != nil {
		engine.Close()
		return nil, fmt.Errorf("installing timers: %w", err)
	}

	return rt, nil
}

// hostRequire implements the global __hostRequire(referrerKey, specifier)
// every compiled module's injected require() shim calls. It only ever
// returns the dependency's resolved module key: see DESIGN.md's
// "The require() bridge" note for why CompileModule itself — not this
// function — is what makes the dependency's exports reachable from script,
// via globalThis.__moduleCache.
func (r *Runtime) hostRequire(referrerKey, specifier string) (string, error) {
	key, err := r.loader.Resolve(specifier, referrerKey)
	if err != nil {
		return "", err
	}
	if _, err := r.loader.Load(key); err != nil {
		return "", err
	}
	return key, nil
}

// RunScript loads path as the program's entry point, runs its top-level
// code (module loading itself executes the factory function synchronously,
// spec.md §4.3's synchronous-require guarantee), then drives the event
// loop until no timers, I/O, or queued callbacks remain.
func (r *Runtime) RunScript(path string) error {
	if err := r.LoadModule(path); err != nil {
		return err
	}
	r.disp.Run()
	return nil
}

// LoadModule loads and evaluates path's module graph without driving the
// event loop, so a caller that wants to control pumping itself (the test
// worker, which needs to collect suite registrations before it starts
// running anything) can do so. Satisfies testrunner.Host.
func (r *Runtime) LoadModule(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving module path %q: %w", path, err)
	}
	_, err = r.loader.Load(abs)
	return err
}

// RegisterFunc, Eval, EvalString, and Pump expose just enough of the
// engine/dispatcher pair for testrunner.Host without handing the whole
// Runtime (and its require()-bridge internals) to that package.
func (r *Runtime) RegisterFunc(name string, fn any) error { return r.engine.RegisterFunc(name, fn) }
func (r *Runtime) Eval(js string) error                   { return r.engine.Eval(js) }
func (r *Runtime) EvalString(js string) (string, error)   { return r.engine.EvalString(js) }
func (r *Runtime) Pump()                                  { r.disp.Run() }

// RunCode evaluates code as the body of a synthetic entry module (so it can
// require() built-ins exactly like a file on disk would), under a
// process-unique key so two RunCode calls in the same Runtime don't collide
// in the Loader's cache.
func (r *Runtime) RunCode(code string) error {
	key := fmt.Sprintf("<eval:%d>", r.nextEvalID())
	rec, err := r.loadInline(key, code)
	if err != nil {
		return err
	}
	if rec.Err != nil {
		return rec.Err
	}
	r.disp.Run()
	return nil
}

var evalCounter int

func (r *Runtime) nextEvalID() int {
	evalCounter++
	return evalCounter
}

// loadInline compiles code directly through the engine, bypassing the
// Loader's disk-read step (there is no file backing a -e script) while
// still running it through the same CommonJS factory wrapper every other
// module uses, so require() works identically inside -e code.
func (r *Runtime) loadInline(key, code string) (*core.ModuleRecord, error) {
	ns, err := r.engine.CompileModule(key, wrapInlineCommonJS(code))
	rec := &core.ModuleRecord{Key: key, Origin: core.ModuleOrigin{Kind: core.OriginDisk, Path: key}}
	if err != nil {
		rec.MarkErrored(jsvalue.NewError(jsvalue.KindEngineError, "", "compiling %s: %s", key, err))
		return rec, rec.Err
	}
	rec.Namespace = ns
	rec.State = core.Evaluated
	return rec, nil
}

func wrapInlineCommonJS(src string) string {
	return fmt.Sprintf("(function(exports, require, module, __filename, __dirname) {\n%s\n})", src)
}

// RunTests discovers and executes the test suites under dir, per spec.md
// §4.7's out-of-process worker-fleet test runner: it re-execs its own
// binary as a fleet of W workers (see TestWorkerConfigFromEnv, which the
// re-exec'd process calls to detect it was launched as one) and returns a
// non-nil error if any test failed.
func (r *Runtime) RunTests(dir string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving own executable path for test workers: %w", err)
	}

	testTimeout := r.cfg.TestTimeout
	if testTimeout <= 0 {
		testTimeout = 5 * time.Second
	}
	workers := r.cfg.TestWorkers
	if workers <= 0 {
		workers = 4
	}

	coord := &testrunner.Coordinator{
		Executable: exe,
		Workers:    workers,
		WorkerEnv:  []string{"__LLRT_TEST_DEFAULT_TIMEOUT_MS=" + strconv.Itoa(int(testTimeout/time.Millisecond))},
	}
	report, err := coord.Run(dir)
	if err != nil {
		return err
	}

	log.Printf("coldstart: tests: %d file(s), %d test(s), %d passed, %d failed, %d skipped",
		report.Files, report.Tests, report.Passed(), len(report.Failures), report.Skipped)
	for _, f := range report.Failures {
		log.Printf("coldstart: FAIL %s :: %s -- %s: %s", f.File, f.Desc, f.Error.Name, f.Error.Message)
	}
	if len(report.Failures) > 0 {
		return fmt.Errorf("%d test(s) failed", len(report.Failures))
	}
	return nil
}

// TestWorkerConfigFromEnv reports whether this process was launched as a
// test-runner worker (the coordinator sets __LLRT_TEST_SERVER_PORT and
// __LLRT_TEST_WORKER_ID) and, if so, the testrunner.WorkerConfig to run
// with — including the coordinator-supplied default per-test timeout.
// cmd/coldstart checks this before falling through to normal script/-e
// execution.
func TestWorkerConfigFromEnv(newHost func() (testrunner.Host, error)) (testrunner.WorkerConfig, bool) {
	port, id, ok := testrunner.WorkerConfigFromEnv(os.Getenv)
	if !ok {
		return testrunner.WorkerConfig{}, false
	}
	timeoutMS, _ := strconv.Atoi(os.Getenv("__LLRT_TEST_DEFAULT_TIMEOUT_MS"))
	return testrunner.WorkerConfig{
		Port:             port,
		WorkerID:         id,
		DefaultTimeoutMS: timeoutMS,
		NewHost:          newHost,
	}, true
}

// Close drains the I/O pool and releases the engine. Safe to call once,
// after RunScript/RunCode/RunTests returns.
func (r *Runtime) Close() {
	log.Printf("coldstart: shutting down runtime")
	r.pool.Close()
	r.disp.Close()
	r.engine.Close()
}

func poolWidth(configured int) int {
	if configured <= 0 {
		return iopool.DefaultWorkers
	}
	return configured
}
