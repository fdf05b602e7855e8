package lazytime

import (
	"sync"
	"time"
)

// FakeClock is a Clock for tests: it never reads the wall clock, so tests
// that exercise reconnect backoff, heartbeat deadlines, or the 20ms audio
// scheduler can advance virtual time deterministically with Advance
// instead of sleeping.
type FakeClock struct {
	mu   sync.Mutex
	now  time.Time
	fake []*fakeWaiter
}

// NewFakeClock creates a FakeClock starting at now.
func NewFakeClock(now time.Time) *FakeClock {
	return &FakeClock{now: now}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the fake clock forward by d, firing every timer and
// ticker whose deadline falls at or before the new time.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	waiters := append([]*fakeWaiter(nil), c.fake...)
	c.mu.Unlock()

	for _, w := range waiters {
		w.fire(now)
	}
}

func (c *FakeClock) NewTimer(d time.Duration) TimerHandle {
	w := newFakeWaiter(c, d, false)
	c.register(w)
	return w
}

func (c *FakeClock) NewTicker(d time.Duration) TickerHandle {
	w := newFakeWaiter(c, d, true)
	c.register(w)
	return w
}

func (c *FakeClock) register(w *fakeWaiter) {
	c.mu.Lock()
	c.fake = append(c.fake, w)
	c.mu.Unlock()
}

func (c *FakeClock) unregister(w *fakeWaiter) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, f := range c.fake {
		if f == w {
			c.fake = append(c.fake[:i], c.fake[i+1:]...)
			return
		}
	}
}

type fakeWaiter struct {
	clock    *FakeClock
	mu       sync.Mutex
	deadline time.Time
	period   time.Duration
	periodic bool
	stopped  bool
	ch       chan time.Time
}

func newFakeWaiter(c *FakeClock, d time.Duration, periodic bool) *fakeWaiter {
	return &fakeWaiter{
		clock:    c,
		deadline: c.Now().Add(d),
		period:   d,
		periodic: periodic,
		ch:       make(chan time.Time, 1),
	}
}

func (w *fakeWaiter) C() <-chan time.Time { return w.ch }

func (w *fakeWaiter) Reset(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopped = false
	w.period = d
	w.deadline = w.clock.Now().Add(d)
}

func (w *fakeWaiter) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.clock.unregister(w)
}

func (w *fakeWaiter) fire(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped || now.Before(w.deadline) {
		return
	}

	select {
	case w.ch <- now:
	default:
	}

	if w.periodic {
		w.deadline = now.Add(w.period)
	} else {
		w.stopped = true
	}
}

var (
	_ Clock = (*FakeClock)(nil)
)
