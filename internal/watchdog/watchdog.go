// Package watchdog provides a cooperative deadline primitive: a shared
// cancel flag that trips either when an absolute deadline is reached or
// when explicitly cancelled. It is the minimum coupling needed to bound a
// blocking external call (Git fetch/clone/checkout, a subprocess wait loop)
// that does not accept a timeout directly.
package watchdog

import (
	"sync/atomic"
	"time"
)

// PollInterval is how often Run polls for deadline/cancellation.
// Tests may shrink this to avoid real delays.
var PollInterval = 500 * time.Millisecond

// Watchdog exposes a shared "should cancel" flag.
type Watchdog struct {
	deadline  time.Time
	cancelled atomic.Bool
}

// New constructs a Watchdog bound to an absolute deadline.
func New(deadline time.Time) *Watchdog {
	return &Watchdog{deadline: deadline}
}

// Run blocks until the deadline elapses or Cancel is called, polling at
// PollInterval, then trips the flag. It is meant to be launched on its own
// goroutine; it does not interrupt anything itself, so callers observe the
// trip by polling Cancelled.
func (w *Watchdog) Run() {
	for time.Now().Before(w.deadline) && !w.cancelled.Load() {
		time.Sleep(PollInterval)
	}
	w.cancelled.Store(true)
}

// Cancel trips the flag immediately.
func (w *Watchdog) Cancel() {
	w.cancelled.Store(true)
}

// Cancelled reports whether the flag has tripped.
func (w *Watchdog) Cancelled() bool {
	return w.cancelled.Load()
}

// Deadline returns the absolute deadline the watchdog was constructed with.
func (w *Watchdog) Deadline() time.Time {
	return w.deadline
}
