package dispatcher

import (
	"testing"
	"time"

	"github.com/cryguy/coldstart/internal/core"
)

// fakeEngine counts RunMicrotasks calls; the dispatcher doesn't otherwise
// need a real JS engine to be tested.
type fakeEngine struct{ microtaskRuns int }

func (f *fakeEngine) Eval(string) error                       { return nil }
func (f *fakeEngine) EvalString(string) (string, error)        { return "", nil }
func (f *fakeEngine) EvalBool(string) (bool, error)            { return false, nil }
func (f *fakeEngine) EvalInt(string) (int, error)              { return 0, nil }
func (f *fakeEngine) RegisterFunc(string, any) error           { return nil }
func (f *fakeEngine) SetGlobal(string, any) error              { return nil }
func (f *fakeEngine) RunMicrotasks()                           { f.microtaskRuns++ }
func (f *fakeEngine) SetPromiseHook(core.PromiseHook)          {}
func (f *fakeEngine) Interrupt()                               {}
func (f *fakeEngine) Close()                                   {}
func (f *fakeEngine) CompileModule(string, string) (core.Value, error) { return nil, nil }
func (f *fakeEngine) DeserializeModule(string, []byte) (core.Value, error) {
	return nil, nil
}

func TestTimerFiresInDeadlineOrder(t *testing.T) {
	d := New(&fakeEngine{})
	var order []int

	d.RegisterTimer(30*time.Millisecond, 0, func() { order = append(order, 3) })
	d.RegisterTimer(10*time.Millisecond, 0, func() { order = append(order, 1) })
	d.RegisterTimer(20*time.Millisecond, 0, func() { order = append(order, 2) })

	d.Run()

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("expected fire order [1 2 3], got %v", order)
	}
}

func TestTimerTieBreaksByInsertionOrder(t *testing.T) {
	d := New(&fakeEngine{})
	var order []int

	d.RegisterTimer(0, 0, func() { order = append(order, 1) })
	d.RegisterTimer(0, 0, func() { order = append(order, 2) })
	d.RegisterTimer(0, 0, func() { order = append(order, 3) })

	d.Run()

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("expected insertion order [1 2 3] for equal deadlines, got %v", order)
	}
}

func TestClearTimerPreventsFiring(t *testing.T) {
	d := New(&fakeEngine{})
	fired := false
	id := d.RegisterTimer(5*time.Millisecond, 0, func() { fired = true })
	d.ClearTimer(id)

	d.Run()

	if fired {
		t.Fatalf("expected cleared timer not to fire")
	}
}

func TestClearUnknownTimerIsNoop(t *testing.T) {
	d := New(&fakeEngine{})
	d.ClearTimer(999) // must not panic
}

func TestIntervalReschedulesUntilCleared(t *testing.T) {
	d := New(&fakeEngine{})
	count := 0
	var id int
	id = d.RegisterTimer(1*time.Millisecond, 1*time.Millisecond, func() {
		count++
		if count >= 3 {
			d.ClearTimer(id)
		}
	})
	_ = id

	d.Run()

	if count != 3 {
		t.Fatalf("expected interval to fire exactly 3 times, got %d", count)
	}
}

func TestMicrotasksRunBeforeEachMacrotaskBatch(t *testing.T) {
	eng := &fakeEngine{}
	d := New(eng)

	d.RegisterTimer(0, 0, func() {})
	d.Run()

	// Steps 1, 3, 5, 7 each call RunMicrotasks at least once per turn.
	if eng.microtaskRuns < 4 {
		t.Fatalf("expected at least 4 microtask pumps in one turn, got %d", eng.microtaskRuns)
	}
}

func TestCompletionRunsOnDispatcherGoroutine(t *testing.T) {
	d := New(&fakeEngine{})
	d.BeginIO()

	ran := false
	go func() {
		time.Sleep(2 * time.Millisecond)
		d.PostCompletion(func() { ran = true })
	}()

	d.Run()

	if !ran {
		t.Fatalf("expected posted completion to run before Run returns")
	}
}

func TestCompletionPostedDuringDrainWaitsForNextTurn(t *testing.T) {
	d := New(&fakeEngine{})

	var secondRan bool
	d.PostCompletion(func() {
		d.PostCompletion(func() { secondRan = true })
	})

	// First drain pass: only the first completion's snapshot drains. The
	// nested PostCompletion lands in the queue for a subsequent pass.
	d.drainCompletions()
	if secondRan {
		t.Fatalf("nested completion must not run in the same drain pass")
	}

	d.drainCompletions()
	if !secondRan {
		t.Fatalf("expected nested completion to run on the following drain")
	}
}

func TestSubmitRunsAsMacrotask(t *testing.T) {
	d := New(&fakeEngine{})
	ran := false
	d.Submit(func() { ran = true })

	d.Run()

	if !ran {
		t.Fatalf("expected submitted callback to run")
	}
}

func TestHasPendingReflectsInFlightIO(t *testing.T) {
	d := New(&fakeEngine{})
	if d.HasPending() {
		t.Fatalf("fresh dispatcher should have no pending work")
	}
	d.BeginIO()
	if !d.HasPending() {
		t.Fatalf("expected HasPending after BeginIO")
	}
	d.PostCompletion(func() {})
	if !d.HasPending() {
		t.Fatalf("expected HasPending with a queued completion")
	}
}

func TestRunExitsWhenNoWorkRemains(t *testing.T) {
	d := New(&fakeEngine{})
	done := make(chan struct{})
	go func() {
		d.Run()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return for an empty dispatcher")
	}
}
