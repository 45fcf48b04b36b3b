// Package clock provides the monotonic tick timer that drives the
// application loop.
package clock

import "time"

// Clock measures application ticks. It is owned by the tick goroutine and
// is not safe for concurrent use.
//
// A tick snapshots the time accumulated since the previous tick into
// Elapsed, folds it into Total, bumps the tick counter, and restarts the
// internal stopwatch. Readings are derived from the runtime's monotonic
// clock and never move backward.
type Clock struct {
	now     func() time.Time
	started time.Time
	elapsed time.Duration
	total   time.Duration
	ticks   uint64
}

// Opt mutates a Clock during construction.
type Opt func(*Clock)

// WithNow overrides the time source. Used by tests to drive the clock
// deterministically.
func WithNow(now func() time.Time) Opt {
	return func(c *Clock) { c.now = now }
}

// New returns a running clock; the stopwatch for the first tick starts
// immediately.
func New(opts ...Opt) *Clock {
	c := &Clock{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	c.started = c.now()

	return c
}

// Tick closes the current measurement window and opens the next one.
func (c *Clock) Tick() {
	now := c.now()

	c.elapsed = now.Sub(c.started)
	c.total += c.elapsed
	c.ticks++
	c.started = now
}

// Elapsed is the duration of the last completed tick.
func (c *Clock) Elapsed() time.Duration { return c.elapsed }

// Current is the time accumulated in the tick in progress.
func (c *Clock) Current() time.Duration { return c.now().Sub(c.started) }

// Total is the sum of all completed tick durations.
func (c *Clock) Total() time.Duration { return c.total }

// Ticks is the number of completed ticks.
func (c *Clock) Ticks() uint64 { return c.ticks }
