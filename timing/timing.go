// Package timing abstracts wall-clock time behind [Clock] so that timer driven code
// can run on real time in production and on simulated time in tests.
package timing

//go:generate errtrace -w .

import (
	"sync"
	"time"
)

// Timer is a handle of a scheduled callback.
type Timer interface {
	// Stop cancels the timer. It reports whether the timer was active.
	Stop() bool
	// Reset re-arms the timer to fire after d, measured from now.
	// It reports whether the timer was active before the call.
	Reset(d time.Duration) bool
}

// Clock schedules callbacks.
type Clock interface {
	// Now returns the current time of the clock.
	Now() time.Time
	// AfterFunc calls f once after d in its own goroutine.
	AfterFunc(d time.Duration, f func()) Timer
	// Every calls f each d until the returned timer is stopped.
	Every(d time.Duration, f func()) Timer
}

type realClock struct{}

var defClock Clock = realClock{}

// RealClock returns the clock backed by the time package.
func RealClock() Clock { return defClock }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

func (realClock) Every(d time.Duration, f func()) Timer {
	tkr := &realTicker{period: d, fn: f}
	tkr.mu.Lock()
	tkr.tmr = time.AfterFunc(d, tkr.tick)
	tkr.mu.Unlock()
	return tkr
}

type realTicker struct {
	mu      sync.Mutex
	tmr     *time.Timer
	period  time.Duration
	fn      func()
	stopped bool
}

func (t *realTicker) tick() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.tmr.Reset(t.period)
	t.mu.Unlock()

	t.fn()
}

func (t *realTicker) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	wasActive := !t.stopped
	t.stopped = true
	t.tmr.Stop()
	return wasActive
}

func (t *realTicker) Reset(d time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	wasActive := !t.stopped
	t.stopped = false
	t.period = d
	t.tmr.Reset(d)
	return wasActive
}
