package iopool

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeCompleter records BeginIO/PostCompletion calls and lets the test
// drain posted continuations synchronously, standing in for the real
// dispatcher.
type fakeCompleter struct {
	mu      sync.Mutex
	begins  int
	pending []func()
}

func (f *fakeCompleter) BeginIO() {
	f.mu.Lock()
	f.begins++
	f.mu.Unlock()
}

func (f *fakeCompleter) PostCompletion(cb func()) {
	f.mu.Lock()
	f.pending = append(f.pending, cb)
	f.mu.Unlock()
}

func (f *fakeCompleter) drain() int {
	f.mu.Lock()
	batch := f.pending
	f.pending = nil
	f.mu.Unlock()
	for _, cb := range batch {
		cb()
	}
	return len(batch)
}

func (f *fakeCompleter) waitForPending(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		got := len(f.pending)
		f.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d pending completions", n)
}

func TestSubmitRunsWorkAndPostsCompletion(t *testing.T) {
	fc := &fakeCompleter{}
	p := New(fc, 2)
	defer p.Close()

	var got any
	var gotErr error
	done := make(chan struct{})

	p.Submit(WorkItem{
		Do: func() (any, error) { return 42, nil },
		Done: func(result any, err error) {
			got, gotErr = result, err
			close(done)
		},
	})

	fc.waitForPending(t, 1)
	fc.drain()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Done callback never ran")
	}
	if gotErr != nil || got != 42 {
		t.Fatalf("got (%v, %v), want (42, nil)", got, gotErr)
	}
}

func TestSubmitPropagatesError(t *testing.T) {
	fc := &fakeCompleter{}
	p := New(fc, 1)
	defer p.Close()

	wantErr := errors.New("boom")
	done := make(chan error, 1)

	p.Submit(WorkItem{
		Do:   func() (any, error) { return nil, wantErr },
		Done: func(_ any, err error) { done <- err },
	})

	fc.waitForPending(t, 1)
	fc.drain()

	select {
	case err := <-done:
		if err != wantErr {
			t.Fatalf("got error %v, want %v", err, wantErr)
		}
	case <-time.After(time.Second):
		t.Fatal("Done callback never ran")
	}
}

func TestSubmitCallsBeginIOBeforeQueuing(t *testing.T) {
	fc := &fakeCompleter{}
	p := New(fc, 1)
	defer p.Close()

	p.Submit(WorkItem{
		Do:   func() (any, error) { return nil, nil },
		Done: func(any, error) {},
	})

	fc.mu.Lock()
	begins := fc.begins
	fc.mu.Unlock()
	if begins != 1 {
		t.Fatalf("expected exactly one BeginIO call, got %d", begins)
	}
}

func TestCloseWaitsForInFlightJobs(t *testing.T) {
	fc := &fakeCompleter{}
	p := New(fc, 1)

	ran := false
	p.Submit(WorkItem{
		Do: func() (any, error) {
			time.Sleep(10 * time.Millisecond)
			return nil, nil
		},
		Done: func(any, error) { ran = true },
	})

	fc.waitForPending(t, 1)
	p.Close()
	fc.drain()

	if !ran {
		t.Fatalf("expected in-flight job to complete before Close returns")
	}
}

func TestDefaultWorkersUsedWhenNonPositive(t *testing.T) {
	fc := &fakeCompleter{}
	p := New(fc, 0)
	defer p.Close()
	if cap(p.jobs) != DefaultWorkers*4 {
		t.Fatalf("expected channel sized for %d default workers, got cap %d", DefaultWorkers, cap(p.jobs))
	}
}
