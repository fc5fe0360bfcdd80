package testfixtures

import (
	"sort"
	"sync"
	"time"

	"github.com/example/attendance-verifier/internal/attendance"
)

var referenceTime = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

// ReferenceTime is the instant every fixture clock starts from by default.
func ReferenceTime() time.Time {
	return referenceTime
}

// Clock provides a controllable time source for tests. Timers scheduled with
// AfterFunc fire synchronously from Advance or Set once their deadline passes.
type Clock struct {
	mu      sync.Mutex
	current time.Time
	seq     uint64
	timers  []*fakeTimer
}

// NewClock returns a clock initialised to the supplied time. When start is the
// zero value, ReferenceTime is used.
func NewClock(start time.Time) *Clock {
	if start.IsZero() {
		start = ReferenceTime()
	}
	return &Clock{current: start}
}

// Now returns the current instant tracked by the clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// NowFunc exposes Now as a function suitable for dependency injection.
func (c *Clock) NowFunc() func() time.Time {
	if c == nil {
		return time.Now
	}
	return c.Now
}

// Set moves the clock to t and fires timers that became due.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
	c.fireDue()
}

// Advance moves the clock forward by d, fires timers that became due and
// returns the updated time.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	c.current = c.current.Add(d)
	updated := c.current
	c.mu.Unlock()
	c.fireDue()
	return updated
}

// AfterFunc schedules f to run once the clock reaches now+d.
func (c *Clock) AfterFunc(d time.Duration, f func()) attendance.Timer {
	c.mu.Lock()
	c.seq++
	timer := &fakeTimer{clock: c, due: c.current.Add(d), seq: c.seq, fn: f}
	c.timers = append(c.timers, timer)
	c.mu.Unlock()
	if d <= 0 {
		c.fireDue()
	}
	return timer
}

// PendingTimers reports how many timers are scheduled and not yet fired or stopped.
func (c *Clock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *Clock) fireDue() {
	for {
		c.mu.Lock()
		sort.SliceStable(c.timers, func(i, j int) bool {
			if c.timers[i].due.Equal(c.timers[j].due) {
				return c.timers[i].seq < c.timers[j].seq
			}
			return c.timers[i].due.Before(c.timers[j].due)
		})
		if len(c.timers) == 0 || c.timers[0].due.After(c.current) {
			c.mu.Unlock()
			return
		}
		next := c.timers[0]
		c.timers = c.timers[1:]
		c.mu.Unlock()

		next.fn()
	}
}

type fakeTimer struct {
	clock *Clock
	due   time.Time
	seq   uint64
	fn    func()
}

func (t *fakeTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, pending := range c.timers {
		if pending == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return true
		}
	}
	return false
}
