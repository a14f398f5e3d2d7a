package recurrence

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var reEvery = regexp.MustCompile(`^(\d+)\s*(m|min|mins|minute|minutes|h|hr|hrs|hour|hours)$`)

// Parse reads the compact one-line form used in config files:
//
//	every 15m | every 2 hours
//	daily 09:00
//	weekly mon,fri 09:00
//	cron: */5 * * * *   (or any expression starting with '@')
func Parse(raw string) (Params, error) {
	s := strings.TrimSpace(raw)
	low := strings.ToLower(s)
	switch {
	case s == "":
		return nil, fmt.Errorf("schedule required")
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(s, "@"):
		return parseCron(s)
	case strings.HasPrefix(low, "every "):
		return parseEvery(strings.TrimSpace(low[len("every "):]))
	case strings.HasPrefix(low, "daily "):
		at, err := ParseTimeOfDay(s[len("daily "):])
		if err != nil {
			return nil, err
		}
		return Daily{At: at}, nil
	case strings.HasPrefix(low, "weekly "):
		fields := strings.Fields(s[len("weekly "):])
		if len(fields) != 2 {
			return nil, fmt.Errorf("invalid weekly schedule %q (use 'weekly mon,fri 09:00')", raw)
		}
		days, err := ParseWeekdays([]string{fields[0]})
		if err != nil {
			return nil, err
		}
		at, err := ParseTimeOfDay(fields[1])
		if err != nil {
			return nil, err
		}
		return Weekly{At: at, Days: days}, nil
	}
	return nil, fmt.Errorf("invalid schedule %q (use 'every 2h', 'daily 09:00', 'weekly mon 09:00' or 'cron: <expr>')", raw)
}

func parseCron(expr string) (Params, error) {
	c := Cron{Expr: expr}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return c, nil
}

func parseEvery(v string) (Params, error) {
	m := reEvery.FindStringSubmatch(v)
	if m == nil {
		// Go durations that are a whole number of minutes are accepted too ("1h30m").
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 || d%time.Minute != 0 {
			return nil, fmt.Errorf("invalid interval %q (use minutes or hours, e.g. '15m', '2 hours')", v)
		}
		if d%time.Hour == 0 {
			return Timer{Amount: int(d / time.Hour), Unit: UnitHour}, nil
		}
		return Timer{Amount: int(d / time.Minute), Unit: UnitMinute}, nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	t := Timer{Amount: n, Unit: UnitMinute}
	if strings.HasPrefix(m[2], "h") {
		t.Unit = UnitHour
	}
	if n > t.Unit.MaxAmount() {
		return nil, fmt.Errorf("interval %q too large (max %d %ss)", v, t.Unit.MaxAmount(), t.Unit)
	}
	return t, nil
}

// ParseUnit maps "hour"/"minute" (and short forms) to a Unit.
func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return UnitNone, nil
	case "m", "min", "minute", "minutes":
		return UnitMinute, nil
	case "h", "hr", "hour", "hours":
		return UnitHour, nil
	}
	return UnitNone, fmt.Errorf("unknown unit %q (use hour or minute)", s)
}
