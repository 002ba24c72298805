package timing_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/openvoip/siptx/timing"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestMockClock_AfterFunc(t *testing.T) {
	t.Parallel()

	clk := timing.NewMockClock(epoch)
	var fired int
	clk.AfterFunc(5*time.Second, func() { fired++ })

	clk.Elapse(4 * time.Second)
	if fired != 0 {
		t.Fatalf("callback fired %d times before its deadline, want 0", fired)
	}

	clk.Elapse(time.Second)
	if fired != 1 {
		t.Fatalf("callback fired %d times at its deadline, want 1", fired)
	}

	clk.Elapse(time.Minute)
	if fired != 1 {
		t.Fatalf("one-shot callback fired %d times, want 1", fired)
	}
	if got, want := clk.Now(), epoch.Add(time.Minute+5*time.Second); !got.Equal(want) {
		t.Fatalf("clk.Now() = %v, want %v", got, want)
	}
}

func TestMockClock_TwoTimers(t *testing.T) {
	t.Parallel()

	clk := timing.NewMockClock(epoch)
	var order []string
	clk.AfterFunc(5*time.Second, func() { order = append(order, "slow") })
	clk.AfterFunc(5*time.Millisecond, func() { order = append(order, "fast") })
	clk.AfterFunc(5*time.Second, func() { order = append(order, "slow2") })

	clk.Elapse(10 * time.Second)

	if diff := cmp.Diff(order, []string{"fast", "slow", "slow2"}); diff != "" {
		t.Fatalf("firing order mismatch (-got +want):\n%v", diff)
	}
}

func TestMockClock_AfterFuncReset(t *testing.T) {
	t.Parallel()

	clk := timing.NewMockClock(epoch)
	var fired int
	tmr := clk.AfterFunc(5*time.Second, func() { fired++ })

	clk.Elapse(3 * time.Second)
	if !tmr.Reset(5 * time.Second) {
		t.Fatalf("tmr.Reset() = false on active timer, want true")
	}
	clk.Elapse(2 * time.Second)
	if fired != 0 {
		t.Fatalf("timer fired at its old end time after being reset")
	}

	clk.Elapse(3 * time.Second)
	if fired != 1 {
		t.Fatalf("timer didn't fire at its new end time after being reset")
	}
}

func TestMockClock_ExpiredReset(t *testing.T) {
	t.Parallel()

	clk := timing.NewMockClock(epoch)
	var fired int
	tmr := clk.AfterFunc(5*time.Second, func() { fired++ })

	clk.Elapse(5 * time.Second)
	if tmr.Reset(3 * time.Second) {
		t.Fatalf("tmr.Reset() = true on expired timer, want false")
	}
	clk.Elapse(2 * time.Second)
	if fired != 1 {
		t.Fatalf("fired = %d before the new end time, want 1", fired)
	}
	clk.Elapse(time.Second)
	if fired != 2 {
		t.Fatalf("fired = %d at the new end time, want 2", fired)
	}
}

func TestMockClock_Stop(t *testing.T) {
	t.Parallel()

	clk := timing.NewMockClock(epoch)
	var fired int
	tmr := clk.AfterFunc(time.Second, func() { fired++ })

	if !tmr.Stop() {
		t.Fatalf("tmr.Stop() = false on active timer, want true")
	}
	if tmr.Stop() {
		t.Fatalf("tmr.Stop() = true on stopped timer, want false")
	}
	clk.Elapse(time.Hour)
	if fired != 0 {
		t.Fatalf("stopped timer fired %d times, want 0", fired)
	}
	if got := clk.Pending(); got != 0 {
		t.Fatalf("clk.Pending() = %d, want 0", got)
	}
}

// Timers re-armed from inside a callback must see the time of the firing deadline.
func TestMockClock_RearmFromCallback(t *testing.T) {
	t.Parallel()

	clk := timing.NewMockClock(epoch)
	var (
		fires []time.Duration
		tmr   timing.Timer
		next  = 500 * time.Millisecond
	)
	tmr = clk.AfterFunc(next, func() {
		fires = append(fires, clk.Now().Sub(epoch))
		next = min(2*next, 4*time.Second)
		tmr.Reset(next)
	})

	clk.Elapse(16 * time.Second)

	want := []time.Duration{
		500 * time.Millisecond,
		1500 * time.Millisecond,
		3500 * time.Millisecond,
		7500 * time.Millisecond,
		11500 * time.Millisecond,
		15500 * time.Millisecond,
	}
	if diff := cmp.Diff(fires, want); diff != "" {
		t.Fatalf("fire times mismatch (-got +want):\n%v", diff)
	}
}

func TestMockClock_Every(t *testing.T) {
	t.Parallel()

	clk := timing.NewMockClock(epoch)
	var ticks int
	tkr := clk.Every(time.Second, func() { ticks++ })

	clk.Elapse(3500 * time.Millisecond)
	if ticks != 3 {
		t.Fatalf("ticks = %d after 3.5s, want 3", ticks)
	}

	tkr.Reset(2 * time.Second)
	clk.Elapse(4 * time.Second)
	if ticks != 5 {
		t.Fatalf("ticks = %d after reset, want 5", ticks)
	}

	tkr.Stop()
	clk.Elapse(time.Minute)
	if ticks != 5 {
		t.Fatalf("ticks = %d after stop, want 5", ticks)
	}
}

func TestRealClock_Every(t *testing.T) {
	t.Parallel()

	var ticks atomic.Int32
	done := make(chan struct{})
	tkr := timing.RealClock().Every(5*time.Millisecond, func() {
		if ticks.Add(1) == 3 {
			close(done)
		}
	})
	defer tkr.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("ticker fired %d times in 1s, want at least 3", ticks.Load())
	}
}
