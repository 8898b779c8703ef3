// Command coldstart is the minimal CLI surface spec.md §6 describes: run a
// script, evaluate an inline code string, or run the test suite under a
// directory. Everything else — flag parsing beyond this, process
// supervision, packaging — is explicitly out of scope for the core.
package main

import (
	"fmt"
	"os"

	coldstart "github.com/cryguy/coldstart"
	"github.com/cryguy/coldstart/internal/testrunner"
)

func main() {
	if cfg, ok := coldstart.TestWorkerConfigFromEnv(newTestHost); ok {
		if err := testrunner.RunWorker(cfg); err != nil {
			fmt.Fprintln(os.Stderr, "coldstart: test worker:", err)
			os.Exit(1)
		}
		return
	}

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: coldstart <script> | coldstart -e <code> | coldstart test [dir]")
		os.Exit(2)
	}

	rt, err := coldstart.New(coldstart.Config{})
	if err != nil {
		fmt.Fprintln(os.Stderr, "coldstart:", err)
		os.Exit(1)
	}
	defer rt.Close()

	var runErr error
	switch os.Args[1] {
	case "-e":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: coldstart -e <code>")
			os.Exit(2)
		}
		runErr = rt.RunCode(os.Args[2])
	case "test":
		dir := "tests"
		if len(os.Args) >= 3 {
			dir = os.Args[2]
		}
		runErr = rt.RunTests(dir)
	default:
		runErr = rt.RunScript(os.Args[1])
	}

	if runErr != nil {
		fmt.Fprintln(os.Stderr, "coldstart:", runErr)
		os.Exit(1)
	}
}

// newTestHost builds a fresh Runtime per test file, the way runTestFile in
// internal/testrunner wants it: one Runtime's engine state never leaks into
// the next file's run.
func newTestHost() (testrunner.Host, error) {
	rt, err := coldstart.New(coldstart.Config{})
	if err != nil {
		return nil, err
	}
	return rt, nil
}
