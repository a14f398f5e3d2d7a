package recurrence

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type Kind string

const (
	KindTimer  Kind = "timer"
	KindDaily  Kind = "daily"
	KindWeekly Kind = "weekly"
	KindCron   Kind = "cron"
)

// Params is one recurrence variant: Timer, Daily, Weekly or Cron. The set is
// closed. All variants are comparable, so two Params can be checked for
// equality with ==.
type Params interface {
	Kind() Kind
	// Complete reports whether enough is configured to compute a time.
	Complete() bool
	// Title is a short human description ("daily at 09:00").
	Title() string

	isParams()
}

func (Timer) isParams()  {}
func (Daily) isParams()  {}
func (Weekly) isParams() {}
func (Cron) isParams()   {}

// CalcTime returns the first instant strictly after now at which p fires,
// or ok=false when p is nil or incomplete. A zero last means "never ran".
// Calculation happens in now's location.
func CalcTime(now, last time.Time, p Params) (time.Time, bool) {
	switch p := p.(type) {
	case Timer:
		return calcTimer(now, last, p)
	case Daily:
		if !p.Complete() {
			return time.Time{}, false
		}
		return scanDays(now, last, p.At, func(time.Weekday) bool { return true }), true
	case Weekly:
		if !p.Complete() {
			return time.Time{}, false
		}
		return scanDays(now, last, p.At, p.Days.Has), true
	case Cron:
		return calcCron(now, p)
	default:
		return time.Time{}, false
	}
}

type Unit int

const (
	UnitNone Unit = iota
	UnitMinute
	UnitHour
)

func (u Unit) Duration() time.Duration {
	switch u {
	case UnitMinute:
		return time.Minute
	case UnitHour:
		return time.Hour
	default:
		return 0
	}
}

func (u Unit) String() string {
	switch u {
	case UnitMinute:
		return "minute"
	case UnitHour:
		return "hour"
	default:
		return ""
	}
}

// Timer fires every Amount units, counted from the last run.
type Timer struct {
	Amount int
	Unit   Unit
}

func (Timer) Kind() Kind { return KindTimer }

// MaxAmount is the largest Amount whose interval still fits a time.Duration.
func (u Unit) MaxAmount() int {
	if u.Duration() <= 0 {
		return 0
	}
	return int(math.MaxInt64 / int64(u.Duration()))
}

func (t Timer) Complete() bool {
	return t.Amount > 0 && t.Unit.Duration() > 0 && t.Amount <= t.Unit.MaxAmount()
}

func (t Timer) Title() string {
	if !t.Complete() {
		return "timer (incomplete)"
	}
	if t.Amount == 1 {
		return "every " + t.Unit.String()
	}
	return fmt.Sprintf("every %d %ss", t.Amount, t.Unit)
}

// calcTimer advances last (or now) by whole intervals until it passes now,
// keeping the phase of the last run. A last already after now is returned
// as is.
func calcTimer(now, last time.Time, t Timer) (time.Time, bool) {
	if !t.Complete() {
		return time.Time{}, false
	}
	step := time.Duration(t.Amount) * t.Unit.Duration()
	next := last
	if next.IsZero() {
		next = now.Add(step)
	}
	next = next.In(now.Location())
	for !next.After(now) {
		n := now.Sub(next) / step
		if n < 1 {
			n = 1
		}
		next = next.Add(n * step)
	}
	return next, true
}

// Daily fires once a day at TimeOfDay.
type Daily struct {
	At TimeOfDay
}

func (Daily) Kind() Kind { return KindDaily }

func (d Daily) Complete() bool { return d.At.Valid() }

func (d Daily) Title() string {
	if !d.Complete() {
		return "daily (incomplete)"
	}
	return "daily at " + d.At.String()
}

// Weekly fires at TimeOfDay on every selected weekday.
type Weekly struct {
	At   TimeOfDay
	Days Weekdays
}

func (Weekly) Kind() Kind { return KindWeekly }

func (w Weekly) Complete() bool { return w.At.Valid() && !w.Days.Empty() }

func (w Weekly) Title() string {
	if !w.Complete() {
		return "weekly (incomplete)"
	}
	return "weekly " + w.Days.String() + " at " + w.At.String()
}

// scanDays starts at the calendar day of last (or now) and walks forward one
// day at a time until the candidate is after now on an accepted weekday.
// Candidates are rebuilt with time.Date so a DST shift never drifts the clock time.
func scanDays(now, last time.Time, at TimeOfDay, accept func(time.Weekday) bool) time.Time {
	loc := now.Location()
	base := last
	if base.IsZero() {
		base = now
	}
	base = base.In(loc)
	y, m, d := base.Date()
	for i := 0; ; i++ {
		c := time.Date(y, m, d+i, at.Hour, at.Minute, at.Second, 0, loc)
		if c.After(now) && accept(c.Weekday()) {
			return c
		}
	}
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Cron fires on a standard cron expression ("*/5 * * * *", "@daily").
type Cron struct {
	Expr string
}

func (Cron) Kind() Kind { return KindCron }

func (c Cron) Complete() bool {
	_, err := c.parse()
	return err == nil
}

func (c Cron) Title() string {
	if strings.TrimSpace(c.Expr) == "" {
		return "cron (incomplete)"
	}
	return "cron " + strings.TrimSpace(c.Expr)
}

// calcCron ignores last: a cron expression pins absolute instants.
func calcCron(now time.Time, c Cron) (time.Time, bool) {
	sched, err := c.parse()
	if err != nil {
		return time.Time{}, false
	}
	next := sched.Next(now)
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

func (c Cron) parse() (cron.Schedule, error) {
	expr := strings.TrimSpace(c.Expr)
	if expr == "" {
		return nil, fmt.Errorf("cron expression required")
	}
	return cronParser.Parse(expr)
}

// Validate returns the cron parse error, if any.
func (c Cron) Validate() error {
	_, err := c.parse()
	return err
}
