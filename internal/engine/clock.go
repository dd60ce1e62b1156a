package engine

import (
	"sort"
	"sync"
	"time"
)

// Clock abstracts time so timer-heavy workflows can be tested without
// waiting on wall-clock durations.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a scheduled callback that can be stopped before it fires.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

// SystemClock returns the real wall clock.
func SystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// FakeClock is a manually advanced clock for tests. Timers fire
// synchronously, in due order, during Advance.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *FakeClock
	due     time.Time
	fn      func()
	stopped bool
	fired   bool
}

// NewFakeClock creates a FakeClock starting at the given instant.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	t := &fakeTimer{clock: c, due: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	c.mu.Unlock()
	if d <= 0 {
		// Already due: fire without requiring an Advance.
		go c.fire()
	}
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward and fires every timer that comes due,
// in due order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	c.fire()
}

func (c *FakeClock) fire() {
	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.fired || t.stopped || t.due.After(c.now) {
				continue
			}
			if next == nil || t.due.Before(next.due) {
				next = t
			}
		}
		if next == nil {
			// Compact fired/stopped timers.
			live := c.timers[:0]
			for _, t := range c.timers {
				if !t.fired && !t.stopped {
					live = append(live, t)
				}
			}
			sort.Slice(live, func(i, j int) bool { return live[i].due.Before(live[j].due) })
			c.timers = live
			c.mu.Unlock()
			return
		}
		next.fired = true
		c.mu.Unlock()
		next.fn()
	}
}
