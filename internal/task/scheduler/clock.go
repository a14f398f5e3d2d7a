package scheduler

import "time"

// Clock is the time source of a Schedule. Tests swap it for a manual one.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f on its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Alarm
}

// Alarm is a pending AfterFunc call.
type Alarm interface {
	// Stop prevents the call. It reports false when the call already ran or
	// was stopped.
	Stop() bool
}

// SystemClock returns the wall clock in loc. A nil loc means time.Local.
func SystemClock(loc *time.Location) Clock {
	if loc == nil {
		loc = time.Local
	}
	return systemClock{loc: loc}
}

type systemClock struct{ loc *time.Location }

func (c systemClock) Now() time.Time { return time.Now().In(c.loc) }

func (c systemClock) AfterFunc(d time.Duration, f func()) Alarm {
	return time.AfterFunc(d, f)
}
