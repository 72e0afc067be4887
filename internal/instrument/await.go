package instrument

import (
	"errors"
	"time"
)

// ErrWaitCeiling is returned by Waiter.Await when a ceiling is configured and
// the predicate did not become true in time.
var ErrWaitCeiling = errors.New("status wait exceeded ceiling")

// Waiter blocks cooperatively until an externally-owned subsystem reaches an
// expected state. It polls a caller-supplied predicate at a deliberately
// coarse cadence so the status channel of a slow physical instrument is not
// saturated.
//
// By default a wait never times out: instrument completion times are not
// reliably predictable and a spurious abort mid-run can leave hardware in an
// inconsistent mode. Setting Ceiling > 0 opts in to a bounded wait that
// returns ErrWaitCeiling instead of hanging on a stuck subsystem.
type Waiter struct {
	// Interval is the polling cadence. Zero means DefaultPollInterval.
	Interval time.Duration
	// Ceiling bounds the total wait when positive; zero waits forever.
	Ceiling time.Duration

	// Sleep and Now are test seams; nil means time.Sleep / time.Now.
	Sleep func(time.Duration)
	Now   func() time.Time
}

// DefaultPollInterval is the status polling cadence used when none is set.
const DefaultPollInterval = 200 * time.Millisecond

// Await polls pred at the configured cadence and returns nil once it reports
// true. It is purely observational and performs no side effects of its own.
func (w Waiter) Await(pred func() bool) error {
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	sleep := w.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	now := w.Now
	if now == nil {
		now = time.Now
	}

	start := now()
	for !pred() {
		if w.Ceiling > 0 && now().Sub(start) >= w.Ceiling {
			return ErrWaitCeiling
		}
		sleep(interval)
	}
	return nil
}

// AwaitNot inverts pred, blocking until the condition clears. Reads as
// "wait until no longer busy" at call sites.
func (w Waiter) AwaitNot(pred func() bool) error {
	return w.Await(func() bool { return !pred() })
}
