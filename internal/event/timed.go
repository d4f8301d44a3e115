// Package event runs the protocol's periodic and one-shot timers.
package event

import (
	"sync"
	"time"
)

// Timed calls fn once its interval has elapsed after each Restart. If fn
// returns true the event re-arms itself, which is how periodic events
// (heartbeats, announcements, lease checks) are built.
//
// Cancel and Restart may be called from anywhere, including from fn.
// A firing that raced with Cancel or Restart is discarded.
type Timed struct {
	fn func() bool

	mu       sync.Mutex
	interval time.Duration
	timer    *time.Timer
	gen      uint64 // bumped on every arm and cancel
	armed    bool
	closed   bool
}

func NewTimed(interval time.Duration, fn func() bool) *Timed {
	return &Timed{interval: interval, fn: fn}
}

// Restart arms the event for one interval from now, replacing any
// pending firing.
func (e *Timed) Restart() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.armLocked(e.interval)
}

// RestartAfter arms the event to fire after d instead of the interval.
func (e *Timed) RestartAfter(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.armLocked(d)
}

// Trigger arms the event only if it is not already pending.
func (e *Timed) Trigger() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.armed {
		e.armLocked(e.interval)
	}
}

// Cancel stops a pending firing. The event can be restarted later.
func (e *Timed) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelLocked()
}

// Close cancels the event for good.
func (e *Timed) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelLocked()
	e.closed = true
}

// UpdateInterval changes the interval used by the next arm.
func (e *Timed) UpdateInterval(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interval = d
}

func (e *Timed) Interval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interval
}

// Pending reports whether a firing is scheduled.
func (e *Timed) Pending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.armed
}

func (e *Timed) cancelLocked() {
	e.gen++
	e.armed = false
	if e.timer != nil {
		e.timer.Stop()
	}
}

func (e *Timed) armLocked(d time.Duration) {
	if e.closed {
		return
	}
	e.cancelLocked()
	gen := e.gen
	e.armed = true
	e.timer = time.AfterFunc(d, func() { e.fire(gen) })
}

func (e *Timed) fire(gen uint64) {
	e.mu.Lock()
	if gen != e.gen || e.closed {
		e.mu.Unlock()
		return
	}
	e.armed = false
	e.mu.Unlock()

	again := e.fn()

	e.mu.Lock()
	defer e.mu.Unlock()
	// fn may have re-armed or cancelled us; only re-arm if it did neither
	if again && gen == e.gen && !e.armed {
		e.armLocked(e.interval)
	}
}
