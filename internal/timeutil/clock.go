// Package timeutil lets the grid, the simulator and the snapshot persister
// run against a hand-driven clock in tests.
package timeutil

import (
	"sync"
	"time"
)

// Clock is the time source for hit instants and periodic work. RealClock
// readings carry the monotonic reading, so cell ages survive wall-clock steps.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker is the part of *time.Ticker the radar loops use.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock is backed by package time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) NewTicker(d time.Duration) Ticker {
	return stdTicker{time.NewTicker(d)}
}

type stdTicker struct{ *time.Ticker }

func (t stdTicker) C() <-chan time.Time { return t.Ticker.C }

// MockClock only moves when Advance is called. Tickers created from it fire
// during Advance once their deadline has passed.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*MockTicker
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{now: start}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock by d. A ticker whose deadline was passed gets a
// single tick even if several periods elapsed, as with time.Ticker dropping
// ticks for a slow reader; its next deadline stays on its own period grid.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	armed := append([]*MockTicker(nil), c.tickers...)
	c.mu.Unlock()

	for _, t := range armed {
		t.fire(now)
	}
}

func (c *MockClock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("timeutil: non-positive interval for NewTicker")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &MockTicker{
		ch:     make(chan time.Time, 1),
		period: d,
		next:   c.now.Add(d),
	}
	c.tickers = append(c.tickers, t)
	return t
}

// Tickers counts tickers created so far, stopped ones included. Tests poll
// it to know a goroutine has armed its ticker before advancing time.
func (c *MockClock) Tickers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickers)
}

// MockTicker is returned by MockClock.NewTicker.
type MockTicker struct {
	ch     chan time.Time
	period time.Duration

	mu      sync.Mutex
	next    time.Time
	stopped bool
}

func (t *MockTicker) C() <-chan time.Time { return t.ch }

func (t *MockTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *MockTicker) fire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || now.Before(t.next) {
		return
	}
	for !now.Before(t.next) {
		t.next = t.next.Add(t.period)
	}
	select {
	case t.ch <- now:
	default:
	}
}
