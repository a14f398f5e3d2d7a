package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is an optional wall-clock time. The zero value is unset.
type TimeOfDay struct {
	Hour, Minute, Second int
	Set                  bool
}

func At(hour, minute, second int) TimeOfDay {
	return TimeOfDay{Hour: hour, Minute: minute, Second: second, Set: true}
}

func (t TimeOfDay) Valid() bool {
	return t.Set &&
		t.Hour >= 0 && t.Hour < 24 &&
		t.Minute >= 0 && t.Minute < 60 &&
		t.Second >= 0 && t.Second < 60
}

func (t TimeOfDay) String() string {
	if !t.Set {
		return ""
	}
	if t.Second != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
	}
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// ParseTimeOfDay accepts "HH:MM" or "HH:MM:SS". An empty string yields an
// unset TimeOfDay and no error.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TimeOfDay{}, nil
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q (use HH:MM or HH:MM:SS)", s)
	}
	vals := [3]int{}
	limits := [3]int{24, 60, 60}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || len(p) > 2 || n < 0 || n >= limits[i] {
			return TimeOfDay{}, fmt.Errorf("invalid time of day %q", s)
		}
		vals[i] = n
	}
	return At(vals[0], vals[1], vals[2]), nil
}

// Weekdays is a set of weekdays, bit i set for time.Weekday(i).
type Weekdays uint8

func NewWeekdays(days ...time.Weekday) Weekdays {
	var w Weekdays
	for _, d := range days {
		w |= 1 << uint(d)
	}
	return w
}

const (
	Workdays Weekdays = 1<<time.Monday | 1<<time.Tuesday | 1<<time.Wednesday | 1<<time.Thursday | 1<<time.Friday
	Weekend  Weekdays = 1<<time.Saturday | 1<<time.Sunday
)

func (w Weekdays) Has(d time.Weekday) bool { return w&(1<<uint(d)) != 0 }
func (w Weekdays) Empty() bool             { return w&0x7f == 0 }

// Days lists the selected weekdays starting at Monday.
func (w Weekdays) Days() []time.Weekday {
	var out []time.Weekday
	for i := 1; i <= 7; i++ {
		d := time.Weekday(i % 7)
		if w.Has(d) {
			out = append(out, d)
		}
	}
	return out
}

func (w Weekdays) String() string {
	days := w.Days()
	names := make([]string, len(days))
	for i, d := range days {
		names[i] = d.String()[:3]
	}
	return strings.Join(names, ",")
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseWeekdays accepts day names ("mon", "Friday") plus the groups
// "weekdays" and "weekend". Entries may also be comma separated.
func ParseWeekdays(items []string) (Weekdays, error) {
	var w Weekdays
	for _, item := range items {
		for _, raw := range strings.Split(item, ",") {
			name := strings.ToLower(strings.TrimSpace(raw))
			switch name {
			case "":
				continue
			case "weekdays", "workdays":
				w |= Workdays
			case "weekend", "weekends":
				w |= Weekend
			default:
				d, ok := weekdayNames[name]
				if !ok {
					return 0, fmt.Errorf("unknown weekday %q", raw)
				}
				w |= NewWeekdays(d)
			}
		}
	}
	return w, nil
}
