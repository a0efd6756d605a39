package transporttest

import (
	"sync"
	"time"
)

// Clock is a manual clock. Plug Clock.After into Conn.After to control when
// pop timeouts fire.
type Clock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []timer
}

type timer struct {
	at time.Duration
	ch chan time.Time
}

func (c *Clock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	c.timers = append(c.timers, timer{at: c.now + d, ch: ch})
	return ch
}

// Advance moves the clock forward and fires every timer that came due.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now += d
	pending := c.timers[:0]
	for _, t := range c.timers {
		if t.at <= c.now {
			t.ch <- time.Unix(0, 0).Add(c.now)
			continue
		}
		pending = append(pending, t)
	}
	c.timers = pending
}

// Waiters is the number of timers not yet fired.
func (c *Clock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}
