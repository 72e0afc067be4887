package instrument

import (
	"errors"
	"testing"
	"time"
)

// fakeClock advances virtual time on every sleep so wait loops run instantly.
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(d time.Duration) {
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
}

func TestAwaitReturnsOncePredicateTrue(t *testing.T) {
	clock := newFakeClock()
	w := Waiter{Interval: 100 * time.Millisecond, Sleep: clock.Sleep, Now: clock.Now}

	calls := 0
	err := w.Await(func() bool {
		calls++
		return calls >= 4
	})
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if calls != 4 {
		t.Errorf("predicate called %d times, want 4", calls)
	}
	if len(clock.sleeps) != 3 {
		t.Errorf("slept %d times, want 3", len(clock.sleeps))
	}
	for _, d := range clock.sleeps {
		if d != 100*time.Millisecond {
			t.Errorf("sleep = %v, want configured interval", d)
		}
	}
}

func TestAwaitImmediateTrueNeverSleeps(t *testing.T) {
	clock := newFakeClock()
	w := Waiter{Sleep: clock.Sleep, Now: clock.Now}
	if err := w.Await(func() bool { return true }); err != nil {
		t.Fatalf("Await: %v", err)
	}
	if len(clock.sleeps) != 0 {
		t.Errorf("slept %d times, want 0", len(clock.sleeps))
	}
}

func TestAwaitCeiling(t *testing.T) {
	clock := newFakeClock()
	w := Waiter{
		Interval: time.Second,
		Ceiling:  5 * time.Second,
		Sleep:    clock.Sleep,
		Now:      clock.Now,
	}
	err := w.Await(func() bool { return false })
	if !errors.Is(err, ErrWaitCeiling) {
		t.Fatalf("err = %v, want ErrWaitCeiling", err)
	}
	// The wait gave the predicate the full ceiling before giving up.
	if elapsed := clock.now.Sub(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)); elapsed < 5*time.Second {
		t.Errorf("gave up after %v, want at least the 5s ceiling", elapsed)
	}
}

func TestAwaitZeroCeilingWaitsForever(t *testing.T) {
	clock := newFakeClock()
	w := Waiter{Interval: time.Minute, Sleep: clock.Sleep, Now: clock.Now}

	calls := 0
	err := w.Await(func() bool {
		calls++
		// Far past any plausible timeout before turning true.
		return calls > 1000
	})
	if err != nil {
		t.Fatalf("unbounded wait should not error: %v", err)
	}
}

func TestAwaitDefaultInterval(t *testing.T) {
	clock := newFakeClock()
	w := Waiter{Sleep: clock.Sleep, Now: clock.Now}
	calls := 0
	_ = w.Await(func() bool { calls++; return calls >= 2 })
	if len(clock.sleeps) != 1 || clock.sleeps[0] != DefaultPollInterval {
		t.Errorf("sleeps = %v, want one DefaultPollInterval", clock.sleeps)
	}
}

func TestAwaitNot(t *testing.T) {
	clock := newFakeClock()
	w := Waiter{Interval: 10 * time.Millisecond, Sleep: clock.Sleep, Now: clock.Now}

	busy := true
	calls := 0
	err := w.AwaitNot(func() bool {
		calls++
		if calls >= 3 {
			busy = false
		}
		return busy
	})
	if err != nil {
		t.Fatalf("AwaitNot: %v", err)
	}
	if busy {
		t.Error("AwaitNot returned while still busy")
	}
}
