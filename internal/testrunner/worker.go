package testrunner

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Host is the narrow slice of a JS runtime a test worker needs: enough to
// register the reporting bridge, load a test file as a module, and drive
// the event loop until the file's suite tree has finished running. The
// coldstart.Runtime satisfies this directly; testrunner never imports the
// root package, so there is no import cycle between "build a Runtime" and
// "run tests with one".
type Host interface {
	RegisterFunc(name string, fn any) error
	Eval(js string) error
	EvalString(js string) (string, error)
	LoadModule(path string) error
	Pump()
	Close()
}

// WorkerConfig carries what RunWorker needs to dial its coordinator and
// build a fresh Host per assigned test file.
type WorkerConfig struct {
	Port             int
	WorkerID         int
	DefaultTimeoutMS int
	NewHost          func() (Host, error)
}

// WorkerConfigFromEnv reads __LLRT_TEST_SERVER_PORT/__LLRT_TEST_WORKER_ID
// (spec.md §6) and reports whether this process was launched in worker
// mode at all.
func WorkerConfigFromEnv(getenv func(string) string) (port, id int, ok bool) {
	p := getenv("__LLRT_TEST_SERVER_PORT")
	w := getenv("__LLRT_TEST_WORKER_ID")
	if p == "" || w == "" {
		return 0, 0, false
	}
	port, errP := strconv.Atoi(p)
	id, errW := strconv.Atoi(w)
	if errP != nil || errW != nil {
		return 0, 0, false
	}
	return port, id, true
}

// RunWorker dials the coordinator at 127.0.0.1:cfg.Port, requests test
// files one at a time, runs each on a freshly built Host, and reports
// lifecycle events back until the coordinator signals there is nothing
// left (spec.md §4.7's worker side of the protocol).
func RunWorker(cfg WorkerConfig) error {
	nc, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("dialing test coordinator: %w", err)
	}
	wc := newConn(nc)
	defer wc.close()

	if err := wc.send(Message{Type: "ready", WorkerID: cfg.WorkerID}); err != nil {
		return err
	}

	timeoutMS := cfg.DefaultTimeoutMS
	if timeoutMS <= 0 {
		timeoutMS = 5000
	}

	for {
		if err := wc.send(Message{Type: "next"}); err != nil {
			return err
		}
		reply, err := wc.recv()
		if err != nil {
			return err
		}
		if reply.NextFile == "" {
			return wc.send(Message{Type: "completed"})
		}

		if err := runTestFile(cfg, wc, reply.NextFile, timeoutMS); err != nil {
			wc.send(Message{Type: "error", Error: &TestError{
				Name:    "WorkerError",
				Message: err.Error(),
			}})
		}
	}
}

// runTestFile builds one Host per file, deliberately: a crash or infinite
// loop in one test file's top-level code must not poison the next file's
// run on the same worker.
func runTestFile(cfg WorkerConfig, wc *conn, path string, timeoutMS int) error {
	host, err := cfg.NewHost()
	if err != nil {
		return fmt.Errorf("creating test host: %w", err)
	}
	defer host.Close()

	rep := &reporter{wc: wc, file: path}
	if err := installTestGlobals(host, rep, timeoutMS); err != nil {
		return fmt.Errorf("installing test globals: %w", err)
	}
	if err := host.LoadModule(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}

	statsJSON, err := host.EvalString("JSON.stringify(globalThis.__testModuleStats())")
	if err != nil {
		return fmt.Errorf("collecting suite stats for %s: %w", path, err)
	}
	stats := parseModuleStats(statsJSON)
	wc.send(Message{Type: "module", TestCount: stats.TestCount, SkipCount: stats.SkipCount, OnlyCount: stats.OnlyCount})

	if err := host.Eval("globalThis.__testRunRoot();"); err != nil {
		return fmt.Errorf("running suites in %s: %w", path, err)
	}

	deadline := time.Now().Add(time.Duration(timeoutMS) * time.Millisecond * 10)
	for !rep.finished && time.Now().Before(deadline) {
		host.Pump()
		if rep.finished {
			break
		}
	}
	return nil
}
