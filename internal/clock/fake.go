package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually driven Clock. Timers fire synchronously inside Set and
// Advance, in instant order, with the internal lock released.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers map[uint64]*fakeTimer
}

type fakeTimer struct {
	c  *Fake
	id uint64
	at time.Time
	fn func()
}

func NewFake(now time.Time) *Fake {
	return &Fake{now: now, timers: make(map[uint64]*fakeTimer)}
}

func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{c: c, id: c.seq, at: c.now.Add(d), fn: f}
	c.timers[t.id] = t
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if _, ok := t.c.timers[t.id]; !ok {
		return false
	}
	delete(t.c.timers, t.id)
	return true
}

// Advance moves the clock forward by d and fires every timer that became due.
func (c *Fake) Advance(d time.Duration) {
	c.Set(c.Now().Add(d))
}

// Set moves the clock to now (never backwards) and fires due timers. A timer
// scheduled by a firing callback fires in the same call if it is already due.
func (c *Fake) Set(now time.Time) {
	for {
		c.mu.Lock()
		if now.After(c.now) {
			c.now = now
		}
		next := c.nextDueLocked()
		if next != nil {
			delete(c.timers, next.id)
		}
		c.mu.Unlock()
		if next == nil {
			return
		}
		next.fn()
	}
}

func (c *Fake) nextDueLocked() *fakeTimer {
	var best *fakeTimer
	for _, t := range c.timers {
		if t.at.After(c.now) {
			continue
		}
		if best == nil || t.at.Before(best.at) || (t.at.Equal(best.at) && t.id < best.id) {
			best = t
		}
	}
	return best
}

// Pending returns the fire instants of armed timers in ascending order.
func (c *Fake) Pending() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Time, 0, len(c.timers))
	for _, t := range c.timers {
		out = append(out, t.at)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
