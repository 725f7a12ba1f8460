// Package mainloop implements the client's event loop: time and
// deferred events dispatched one at a time on a single goroutine, so
// callers never observe two callbacks running concurrently. The
// discipline stays single-threaded cooperative even though lower layers
// (pstream) use their own goroutines for blocking I/O.
package mainloop

import (
	"sync"
	"time"
)

// job is a unit of work the loop's dispatch goroutine executes in order.
type job struct {
	fn func()
}

// Loop serializes callback execution onto a single goroutine. It is the
// concrete type Context and Stream drive timers and deferred work
// through; pstream/pdispatch stay independent of it, communicating with
// Loop only via the jobs their own callbacks enqueue.
type Loop struct {
	jobs   chan job
	quit   chan int
	result int
	once   sync.Once
	wg     sync.WaitGroup
}

// New creates a Loop with reasonable queue depth for a client process.
func New() *Loop {
	return &Loop{
		jobs: make(chan job, 256),
		quit: make(chan int, 1),
	}
}

// Post enqueues fn to run on the loop goroutine at the next opportunity.
// Safe to call from any goroutine, including from within a running job.
func (l *Loop) Post(fn func()) {
	l.jobs <- job{fn: fn}
}

// Run executes queued jobs on the calling goroutine until Quit is
// called, then returns the code passed to Quit.
func (l *Loop) Run() int {
	for {
		select {
		case code := <-l.quit:
			l.result = code
			return code
		case j := <-l.jobs:
			j.fn()
		}
	}
}

// Quit stops Run, which returns retval. Safe to call once; subsequent
// calls are no-ops.
func (l *Loop) Quit(retval int) {
	l.once.Do(func() {
		l.quit <- retval
	})
}

// TimeEvent is a one-shot or periodic timer whose callback is posted to
// the owning Loop (never invoked directly on the timer's own goroutine).
type TimeEvent struct {
	loop    *Loop
	timer   *time.Timer
	ticker  *time.Ticker
	stop    chan struct{}
	stopped bool
	mu      sync.Mutex
}

// NewTimeEvent arms a one-shot timer that posts fn to the loop after d.
// This satisfies pdispatch.TimerSource's signature via
// (*Loop).ScheduleTimer, keeping pdispatch free of a mainloop import.
func (l *Loop) NewTimeEvent(d time.Duration, fn func()) *TimeEvent {
	te := &TimeEvent{loop: l, stop: make(chan struct{})}
	te.timer = time.AfterFunc(d, func() {
		select {
		case <-te.stop:
			return
		default:
		}
		l.Post(fn)
	})
	return te
}

// ScheduleTimer adapts NewTimeEvent to pdispatch.TimerSource's shape
// (func(time.Duration, func()) Timer), so a Loop can be passed as a
// Dispatcher's timer source without pdispatch depending on this package.
func (l *Loop) ScheduleTimer(d time.Duration, fn func()) interface{ Stop() } {
	return l.NewTimeEvent(d, fn)
}

// NewPeriodicEvent posts fn to the loop every d until Stop is called,
// used by the stream timing loop.
func (l *Loop) NewPeriodicEvent(d time.Duration, fn func()) *TimeEvent {
	te := &TimeEvent{loop: l, ticker: time.NewTicker(d), stop: make(chan struct{})}
	go func() {
		for {
			select {
			case <-te.stop:
				return
			case <-te.ticker.C:
				l.Post(fn)
			}
		}
	}()
	return te
}

// Reschedule changes a periodic event's period, used to implement the
// doubling latency-poll interval.
func (te *TimeEvent) Reschedule(d time.Duration) {
	te.mu.Lock()
	defer te.mu.Unlock()
	if te.ticker != nil && !te.stopped {
		te.ticker.Reset(d)
	}
}

// Stop cancels the event. Idempotent.
func (te *TimeEvent) Stop() {
	te.mu.Lock()
	defer te.mu.Unlock()
	if te.stopped {
		return
	}
	te.stopped = true
	close(te.stop)
	if te.timer != nil {
		te.timer.Stop()
	}
	if te.ticker != nil {
		te.ticker.Stop()
	}
}

// DeferredEvent runs its callback once per loop iteration until disabled,
// used for "do the I/O now but not re-entrantly" coalescing.
type DeferredEvent struct {
	loop    *Loop
	fn      func()
	enabled bool
	mu      sync.Mutex
}

// NewDeferredEvent creates an enabled deferred event. Call Post each time
// work should run; Loop executes fn at most once per Post, in order.
func (l *Loop) NewDeferredEvent(fn func()) *DeferredEvent {
	return &DeferredEvent{loop: l, fn: fn, enabled: true}
}

// Post schedules the deferred callback to run on the next loop
// iteration, if currently enabled.
func (de *DeferredEvent) Post() {
	de.mu.Lock()
	enabled := de.enabled
	de.mu.Unlock()
	if !enabled {
		return
	}
	de.loop.Post(de.fn)
}

// SetEnabled toggles whether future Post calls actually enqueue work.
func (de *DeferredEvent) SetEnabled(v bool) {
	de.mu.Lock()
	de.enabled = v
	de.mu.Unlock()
}
