package engine

import (
	"sync"
	"time"
)

// Clock is the monotonic "now" source used by the expiration subsystem.
// Production code uses realClock; tests inject fakeClock to advance time
// deterministically without sleeping.
//
// Deadlines are always computed from NowNano(), which is derived from Go's
// monotonic clock reading rather than wall-clock time, so NTP corrections
// and VM migrations cannot move a deadline. time.Now().UnixNano() would not
// do: UnixNano drops the monotonic reading Go attaches to a time.Time and
// returns raw wall-clock nanoseconds, so a backward wall-clock jump could
// resurrect an already-expired key and a forward jump could expire one
// early. realClock instead captures a process-start time.Time once and
// reports time.Since(base), which walks off the monotonic reading only.
type Clock interface {
	NowNano() int64
}

// monotonicBase is captured at process start. time.Since(monotonicBase)
// uses the monotonic component time.Time carries internally, never the
// wall clock, so realClock.NowNano is immune to clock steps.
var monotonicBase = time.Now()

type realClock struct{}

func (realClock) NowNano() int64 { return int64(time.Since(monotonicBase)) }

// RealClock is the process-wide monotonic clock used outside of tests.
var RealClock Clock = realClock{}

// FakeClock is an injectable Clock for tests. Zero value starts at time 0;
// Advance moves it forward by d. Safe for concurrent use since the
// expiration worker and test goroutines both touch it.
type FakeClock struct {
	mu  sync.Mutex
	now int64
}

// NewFakeClock returns a FakeClock starting at the given nanosecond instant.
func NewFakeClock(startNano int64) *FakeClock {
	return &FakeClock{now: startNano}
}

func (c *FakeClock) NowNano() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the fake clock forward by d and returns the new instant.
func (c *FakeClock) Advance(d time.Duration) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += int64(d)
	return c.now
}
