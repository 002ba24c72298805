package timing

import (
	"sync"
	"time"
)

// MockClock is a [Clock] whose time moves only when [MockClock.Elapse] is called.
// Due callbacks run synchronously inside Elapse, in deadline order, and may
// schedule, stop or reset timers of the same clock.
type MockClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers map[*mockTimer]struct{}
}

// NewMockClock creates a [MockClock] starting at start.
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{
		now:    start,
		timers: make(map[*mockTimer]struct{}),
	}
}

// Now returns the current simulated time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules f to run once the clock has elapsed d.
func (c *MockClock) AfterFunc(d time.Duration, f func()) Timer {
	return c.schedule(d, 0, f)
}

// Every schedules f to run each time the clock has elapsed d.
func (c *MockClock) Every(d time.Duration, f func()) Timer {
	return c.schedule(d, d, f)
}

func (c *MockClock) schedule(d, period time.Duration, f func()) *mockTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &mockTimer{clk: c, fn: f, period: period}
	c.arm(t, d)
	return t
}

// arm must be called with c.mu held.
func (c *MockClock) arm(t *mockTimer, d time.Duration) {
	c.seq++
	t.at = c.now.Add(d)
	t.seq = c.seq
	c.timers[t] = struct{}{}
}

// Pending returns the number of armed timers.
func (c *MockClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Elapse moves the clock forward by d, running every callback that becomes due.
func (c *MockClock) Elapse(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		t := c.nextDue(target)
		if t == nil {
			c.now = target
			c.mu.Unlock()
			return
		}

		if t.at.After(c.now) {
			c.now = t.at
		}
		if t.period > 0 {
			c.arm(t, t.period)
		} else {
			delete(c.timers, t)
		}
		fn := t.fn
		c.mu.Unlock()

		fn()
	}
}

// nextDue must be called with c.mu held.
func (c *MockClock) nextDue(until time.Time) *mockTimer {
	var next *mockTimer
	for t := range c.timers {
		if t.at.After(until) {
			continue
		}
		if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.seq < next.seq) {
			next = t
		}
	}
	return next
}

type mockTimer struct {
	clk    *MockClock
	fn     func()
	at     time.Time
	period time.Duration
	seq    uint64
}

func (t *mockTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()

	_, active := t.clk.timers[t]
	delete(t.clk.timers, t)
	return active
}

func (t *mockTimer) Reset(d time.Duration) bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()

	_, active := t.clk.timers[t]
	if t.period > 0 {
		t.period = d
	}
	t.clk.arm(t, d)
	return active
}
