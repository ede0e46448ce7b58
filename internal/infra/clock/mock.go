package clock

import (
	"sort"
	"sync"
	"time"
)

func NewMockClock(start int64) *MockClock {
	return &MockClock{now: start}
}

var _ Clock = (*MockClock)(nil)

// MockClock is a deterministic clock for tests. Advancing it fires every
// timer whose deadline was reached, in deadline order, on the caller's
// goroutine.
type MockClock struct {
	mu     sync.Mutex
	now    int64
	timers []*mockTimer
	seq    int
}

type mockTimer struct {
	clock    *MockClock
	deadline int64
	seq      int
	fn       func()
	stopped  bool
}

func (c *MockClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *MockClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &mockTimer{
		clock:    c,
		deadline: c.now + d.Milliseconds(),
		seq:      c.seq,
		fn:       fn,
	}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward and flushes every due timer.
func (c *MockClock) Advance(d time.Duration) {
	c.Set(c.Now() + d.Milliseconds())
}

// Set jumps the clock to an absolute instant. Instants in the past are
// ignored, the mock never travels backwards.
func (c *MockClock) Set(t int64) {
	c.mu.Lock()
	if t > c.now {
		c.now = t
	}
	c.mu.Unlock()
	c.Tick()
}

// Tick flushes due timers without moving the clock.
func (c *MockClock) Tick() {
	for {
		t := c.popDue()
		if t == nil {
			return
		}
		t.fn()
	}
}

func (c *MockClock) popDue() *mockTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	sort.SliceStable(c.timers, func(i, j int) bool {
		if c.timers[i].deadline != c.timers[j].deadline {
			return c.timers[i].deadline < c.timers[j].deadline
		}
		return c.timers[i].seq < c.timers[j].seq
	})
	for i, t := range c.timers {
		if t.stopped {
			continue
		}
		if t.deadline > c.now {
			break
		}
		c.timers = append(c.timers[:i], c.timers[i+1:]...)
		return t
	}
	return nil
}

func (t *mockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (t *mockTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = false
	t.deadline = t.clock.now + d.Milliseconds()
	if !contains(t.clock.timers, t) {
		t.clock.timers = append(t.clock.timers, t)
	}
	return was
}

func contains(timers []*mockTimer, target *mockTimer) bool {
	for _, t := range timers {
		if t == target {
			return true
		}
	}
	return false
}
