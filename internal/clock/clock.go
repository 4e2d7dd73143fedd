// Package clock discretizes wall time into epoch-aligned windows.
//
// A window's boundary is floor(now_unix_seconds / unit_seconds) * unit_seconds.
// The only fail mode — a non-monotonic system clock — must never cause a
// computed window id to decrease within a process lifetime, so each unit
// caches the last id it returned and clamps upward.
package clock

import (
	"fmt"
	"sync"
	"time"
)

// Unit is one of the four window granularities Hivemind understands.
type Unit int

const (
	Second Unit = iota
	Minute
	Hour
	Day
)

// Seconds returns the length of one window of this unit, in seconds.
func (u Unit) Seconds() int64 {
	switch u {
	case Second:
		return 1
	case Minute:
		return 60
	case Hour:
		return 3600
	case Day:
		return 86400
	default:
		return 0
	}
}

func (u Unit) String() string {
	switch u {
	case Second:
		return "second"
	case Minute:
		return "minute"
	case Hour:
		return "hour"
	case Day:
		return "day"
	default:
		return "unknown"
	}
}

// ParseUnit maps the YAML rate_limit.unit string to a Unit. Returns an error
// for anything else — this is a load-time (ConfigError) failure, never a
// request-time one.
func ParseUnit(s string) (Unit, error) {
	switch s {
	case "second":
		return Second, nil
	case "minute":
		return Minute, nil
	case "hour":
		return Hour, nil
	case "day":
		return Day, nil
	default:
		return 0, fmt.Errorf("clock: invalid unit %q", s)
	}
}

// Clock yields the current window id for any unit, clamping against
// non-monotonic wall-clock jumps.
type Clock struct {
	mu   sync.Mutex
	last map[Unit]int64
	now  func() time.Time
}

// New returns a Clock backed by the real wall clock.
func New() *Clock {
	return NewWithNow(time.Now)
}

// NewWithNow returns a Clock backed by a caller-supplied time source, for
// deterministic tests.
func NewWithNow(now func() time.Time) *Clock {
	return &Clock{last: make(map[Unit]int64), now: now}
}

// CurrentWindow returns the window id for unit at the clock's current time.
// If the underlying clock moves backward, the previously returned id for
// this unit is returned again instead of a smaller one.
func (c *Clock) CurrentWindow(u Unit) int64 {
	return c.WindowAt(u, c.now())
}

// WindowAt returns the window id for unit at an explicit instant, applying
// the same monotonic-clamp rule as CurrentWindow.
func (c *Clock) WindowAt(u Unit, at time.Time) int64 {
	secs := u.Seconds()
	if secs == 0 {
		return 0
	}
	w := floorDiv(at.Unix(), secs)

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.last[u]; ok && w < prev {
		return prev
	}
	c.last[u] = w
	return w
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// WindowEnd returns the wall-clock instant at which windowID for unit
// closes (the start of the next window).
func WindowEnd(u Unit, windowID int64) time.Time {
	return time.Unix((windowID+1)*u.Seconds(), 0).UTC()
}

// WindowStart returns the wall-clock instant at which windowID for unit
// opened.
func WindowStart(u Unit, windowID int64) time.Time {
	return time.Unix(windowID*u.Seconds(), 0).UTC()
}

// UntilReset returns how long remains until windowID's boundary, as of at.
// Never negative.
func UntilReset(u Unit, windowID int64, at time.Time) time.Duration {
	d := WindowEnd(u, windowID).Sub(at)
	if d < 0 {
		return 0
	}
	return d
}
