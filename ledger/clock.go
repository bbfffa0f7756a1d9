package ledger

import "time"

// Clock supplies the current time. Every timestamp the engine writes comes
// from a Clock, so the clock's location decides which calendar day a
// draft or reading belongs to.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in Location (time.Local when nil).
type SystemClock struct {
	Location *time.Location
}

func (c SystemClock) Now() time.Time {
	loc := c.Location
	if loc == nil {
		loc = time.Local
	}
	return time.Now().In(loc)
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

// FixedClock always returns the same instant. Useful for tests and replays.
func FixedClock(t time.Time) Clock {
	return ClockFunc(func() time.Time { return t })
}
