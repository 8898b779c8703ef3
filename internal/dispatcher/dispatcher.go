// Package dispatcher implements the Task Dispatcher: the single-threaded
// cooperative event loop that orders microtasks ahead of macrotasks, fires
// timers in deadline order with insertion-order tie-breaking, and drains
// completions posted by the Native I/O Workers (spec.md §4.4).
package dispatcher

import (
	"container/heap"
	"sync"
	"time"

	"github.com/cryguy/coldstart/internal/core"
)

// Callback is a macrotask body: a timer firing, an I/O completion landing,
// or a queued immediate. It runs on the dispatcher's own goroutine, never
// concurrently with another Callback or with the JS engine itself.
type Callback func()

// TimerEntry is one scheduled setTimeout/setInterval/setImmediate.
type TimerEntry struct {
	ID       int
	Deadline time.Time
	Interval time.Duration // 0 for one-shot (setTimeout/setImmediate)
	seq      int64         // insertion order, breaks Deadline ties
	index    int           // heap.Interface bookkeeping
	cb       Callback
	cleared  bool
}

// timerHeap is a container/heap min-heap ordered by (Deadline, seq) so two
// timers registered for the same deadline fire in registration order
// (spec.md §8: "setTimeout(f, 0) registered before a second setTimeout(g, 0)
// fires f first").
type timerHeap []*TimerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].Deadline.Equal(h[j].Deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].Deadline.Before(h[j].Deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	e := x.(*TimerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// IoCompletion is a result posted by a Native I/O Worker once its blocking
// call returns. run executes on the dispatcher goroutine exactly once,
// after every currently-queued microtask has drained (spec.md §4.4 step 5).
type IoCompletion struct {
	run Callback
}

// Dispatcher is the event loop itself. One Dispatcher belongs to exactly
// one JS engine instance; it is not safe to share across engines or to
// drive from more than one goroutine concurrently.
type Dispatcher struct {
	engine core.JSRuntime

	mu        sync.Mutex
	timers    timerHeap
	timerByID map[int]*TimerEntry
	nextID    int
	nextSeq   int64

	completions   []IoCompletion
	immediateQ    []Callback
	pendingIO     int // count of submitted-but-not-yet-posted I/O work items
	closed        bool
}

// New returns a Dispatcher driving engine. engine must already exist; the
// Dispatcher never constructs or closes it.
func New(engine core.JSRuntime) *Dispatcher {
	d := &Dispatcher{
		engine:    engine,
		timerByID: make(map[int]*TimerEntry),
	}
	heap.Init(&d.timers)
	return d
}

// RegisterTimer schedules cb to run after delay (and, if interval, every
// delay thereafter) and returns an id ClearTimer can cancel.
func (d *Dispatcher) RegisterTimer(delay, interval time.Duration, cb Callback) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.nextSeq++
	e := &TimerEntry{
		ID:       d.nextID,
		Deadline: time.Now().Add(delay),
		Interval: interval,
		seq:      d.nextSeq,
		cb:       cb,
	}
	d.timerByID[e.ID] = e
	heap.Push(&d.timers, e)
	return e.ID
}

// ClearTimer cancels a timer. Clearing an already-fired or unknown id is a
// no-op, matching clearTimeout/clearInterval's script-visible semantics.
func (d *Dispatcher) ClearTimer(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.timerByID[id]; ok {
		e.cleared = true
		delete(d.timerByID, id)
	}
}

// Submit queues cb as a setImmediate-style macrotask: it runs on the next
// loop turn, after all due timers and completions have been drained but
// strictly after any currently pending microtasks.
func (d *Dispatcher) Submit(cb Callback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.immediateQ = append(d.immediateQ, cb)
}

// PostCompletion is called by a Native I/O Worker (from its own goroutine)
// to hand a finished blocking operation's continuation back to the loop.
// The continuation runs on the dispatcher goroutine, never on the caller's.
func (d *Dispatcher) PostCompletion(run Callback) {
	d.mu.Lock()
	d.completions = append(d.completions, IoCompletion{run: run})
	d.pendingIO--
	if d.pendingIO < 0 {
		d.pendingIO = 0
	}
	d.mu.Unlock()
}

// BeginIO marks one unit of I/O work as submitted but not yet completed, so
// HasPending stays true while a worker goroutine is still in flight even
// though no timer or queued completion yet exists for it.
func (d *Dispatcher) BeginIO() {
	d.mu.Lock()
	d.pendingIO++
	d.mu.Unlock()
}

// HasPending reports whether the loop has any reason to keep running: a
// live timer, a queued completion or immediate, or in-flight I/O.
func (d *Dispatcher) HasPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timerByID) > 0 || len(d.completions) > 0 || len(d.immediateQ) > 0 || d.pendingIO > 0
}

// Close marks the dispatcher as shutting down; Run returns as soon as the
// current turn finishes.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

// Run drives the loop until no work remains or Close is called. Each
// iteration implements spec.md §4.4's seven steps:
//  1. run the engine's microtask queue to completion
//  2. pop and fire every timer whose deadline has elapsed
//  3. run microtasks again (a fired timer may have scheduled promise jobs)
//  4. drain the I/O completion queue, snapshotting it first so a completion
//     callback that submits new I/O does not extend the current turn
//  5. run microtasks again
//  6. drain queued setImmediate-style callbacks, snapshotted the same way
//  7. run microtasks a final time, then decide whether to sleep until the
//     next timer deadline or exit
func (d *Dispatcher) Run() {
	for {
		d.engine.RunMicrotasks()

		d.fireDueTimers()
		d.engine.RunMicrotasks()

		d.drainCompletions()
		d.engine.RunMicrotasks()

		d.drainImmediates()
		d.engine.RunMicrotasks()

		if d.isClosed() {
			return
		}
		if !d.HasPending() {
			return
		}

		wait := d.nextTimerWait()
		if wait > 0 {
			time.Sleep(minDuration(wait, 5*time.Millisecond))
		}
	}
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Dispatcher) fireDueTimers() {
	for {
		d.mu.Lock()
		if d.timers.Len() == 0 {
			d.mu.Unlock()
			return
		}
		next := d.timers[0]
		if next.Deadline.After(time.Now()) {
			d.mu.Unlock()
			return
		}
		heap.Pop(&d.timers)
		if next.cleared {
			d.mu.Unlock()
			continue
		}
		if next.Interval > 0 {
			next.Deadline = time.Now().Add(next.Interval)
			d.nextSeq++
			next.seq = d.nextSeq
			heap.Push(&d.timers, next)
		} else {
			delete(d.timerByID, next.ID)
		}
		cb := next.cb
		d.mu.Unlock()

		cb()
	}
}

// drainCompletions snapshots the completion queue before running any
// callback, so a completion handler that posts a new completion lands in
// the NEXT turn rather than being picked up by this drain (spec.md §4.4's
// livelock guard).
func (d *Dispatcher) drainCompletions() bool {
	d.mu.Lock()
	batch := d.completions
	d.completions = nil
	d.mu.Unlock()

	for _, c := range batch {
		c.run()
	}
	return len(batch) > 0
}

func (d *Dispatcher) drainImmediates() bool {
	d.mu.Lock()
	batch := d.immediateQ
	d.immediateQ = nil
	d.mu.Unlock()

	for _, cb := range batch {
		cb()
	}
	return len(batch) > 0
}

func (d *Dispatcher) nextTimerWait() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timers.Len() == 0 {
		return 0
	}
	return time.Until(d.timers[0].Deadline)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
