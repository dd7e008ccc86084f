package ipcmux

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Clock is the time source consumed by the executor. Production code uses
// the system clock; tests install a *VirtualClock to make timer behavior
// deterministic.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

// VirtualClock is a manually advanced Clock. Advance moves time forward and
// wakes the executor, which then fires the due timers on its own goroutine;
// Advance does not wait for them to run.
type VirtualClock struct {
	mu     sync.Mutex
	now    time.Time
	notify func()
}

// NewVirtualClock returns a virtual clock positioned at start.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{now: start}
}

func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and wakes the owning executor.
func (c *VirtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	notify := c.notify
	c.mu.Unlock()

	if notify != nil {
		notify()
	}
}

func (c *VirtualClock) setNotify(fn func()) {
	c.mu.Lock()
	c.notify = fn
	c.mu.Unlock()
}

// timerEntry is one deferred callback in the executor's timer heap.
type timerEntry struct {
	at  time.Time
	seq uint64 // breaks ties so equal deadlines fire in schedule order
	fn  func()
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) { *h = append(*h, x.(*timerEntry)) }

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}

// Executor is the single-threaded cooperative scheduler that drives one
// router and its pipe. Every pipe event, router dispatch, factory invocation
// and user callback runs on the executor goroutine, so none of them need to
// be thread-safe with respect to each other.
type Executor struct {
	logger Logger
	clock  Clock

	mu       sync.Mutex
	tasks    []func()
	timers   timerHeap
	timerSeq uint64

	wakeCh  chan struct{}
	done    chan struct{}
	closeMu sync.Once
}

// NewExecutor creates an executor. Run must be called for submitted work to
// make progress.
func NewExecutor(opt ...Option) *Executor {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	// checkOptions only fails on an out-of-range max payload, which the
	// executor does not use.
	_ = checkOptions(&opts)

	e := &Executor{
		logger: opts.logger,
		clock:  opts.clock,
		wakeCh: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	if vc, ok := opts.clock.(*VirtualClock); ok {
		vc.setNotify(e.wake)
	}

	return e
}

// Now returns the current time from the executor's clock.
func (e *Executor) Now() time.Time {
	return e.clock.Now()
}

// Submit enqueues fn to run on the executor goroutine. Submitting to a
// closed executor is a no-op.
func (e *Executor) Submit(fn func()) {
	select {
	case <-e.done:
		return
	default:
	}

	e.mu.Lock()
	e.tasks = append(e.tasks, fn)
	e.mu.Unlock()

	e.wake()
}

// submitWait enqueues fn and blocks until it has run, or until the executor
// closes. Pipe read loops use it to hand frames to the router one at a time,
// which both serializes delivery and lets them reuse their read buffer.
func (e *Executor) submitWait(fn func()) {
	ran := make(chan struct{})
	e.Submit(func() {
		defer close(ran)
		fn()
	})

	select {
	case <-ran:
	case <-e.done:
	}
}

// ScheduleAt registers fn to run once the clock reaches at. Callbacks with
// equal deadlines fire in registration order.
func (e *Executor) ScheduleAt(at time.Time, fn func()) {
	select {
	case <-e.done:
		return
	default:
	}

	e.mu.Lock()
	e.timerSeq++
	heap.Push(&e.timers, &timerEntry{at: at, seq: e.timerSeq, fn: fn})
	e.mu.Unlock()

	e.wake()
}

// Run drives the loop until ctx is canceled or Close is called.
func (e *Executor) Run(ctx context.Context) error {
	for {
		e.drain()

		wait, hasTimer := e.nextTimerWait()

		var timer *time.Timer
		var timerCh <-chan time.Time
		if hasTimer {
			// Virtual time only moves via Advance, which wakes us.
			if _, virtual := e.clock.(*VirtualClock); !virtual {
				timer = time.NewTimer(wait)
				timerCh = timer.C
			}
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			e.Close()
			return ctx.Err()
		case <-e.done:
			if timer != nil {
				timer.Stop()
			}
			return nil
		case <-e.wakeCh:
		case <-timerCh:
		}

		if timer != nil {
			timer.Stop()
		}
	}
}

// Close stops the executor. Pending tasks are discarded; blocked submitWait
// callers are released.
func (e *Executor) Close() error {
	e.closeMu.Do(func() {
		close(e.done)
	})
	return nil
}

// Done is closed when the executor stops.
func (e *Executor) Done() <-chan struct{} {
	return e.done
}

func (e *Executor) wake() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

// drain runs every queued task and every due timer. Tasks submitted by the
// callbacks themselves are picked up in the same pass.
func (e *Executor) drain() {
	for {
		now := e.clock.Now()

		e.mu.Lock()
		var fn func()
		switch {
		case len(e.tasks) > 0:
			fn = e.tasks[0]
			e.tasks = e.tasks[1:]
		case len(e.timers) > 0 && !e.timers[0].at.After(now):
			fn = heap.Pop(&e.timers).(*timerEntry).fn
		}
		e.mu.Unlock()

		if fn == nil {
			return
		}
		fn()
	}
}

// nextTimerWait reports how long the loop may sleep before the earliest
// timer is due.
func (e *Executor) nextTimerWait() (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.timers) == 0 {
		return 0, false
	}

	wait := e.timers[0].at.Sub(e.clock.Now())
	if wait < 0 {
		wait = 0
	}
	return wait, true
}
