package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"jobsched/internal/task/recurrence"
	"jobsched/internal/work"
)

// ParseDurationField parses an optional non-negative duration. path names the
// field in errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", path, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Location resolves scheduler.timezone. Empty means time.Local.
func (c SchedulerConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

// Params turns the schedule block into recurrence parameters. path prefixes
// error messages. Missing fields are not an error: they yield incomplete
// parameters, and such a schedule stays idle.
func (s ScheduleConfig) Params(path string) (recurrence.Params, error) {
	spec := strings.TrimSpace(s.Spec)
	kind := strings.ToLower(strings.TrimSpace(s.Kind))
	switch {
	case spec != "" && kind != "":
		return nil, fmt.Errorf("%s: spec and kind are mutually exclusive", path)
	case spec != "":
		p, err := recurrence.Parse(spec)
		if err != nil {
			return nil, fmt.Errorf("%s.spec: %w", path, err)
		}
		return p, nil
	}

	switch recurrence.Kind(kind) {
	case recurrence.KindTimer:
		if s.Amount < 0 {
			return nil, fmt.Errorf("%s.amount: must be >= 0", path)
		}
		u, err := recurrence.ParseUnit(s.Unit)
		if err != nil {
			return nil, fmt.Errorf("%s.unit: %w", path, err)
		}
		if limit := u.MaxAmount(); limit > 0 && s.Amount > limit {
			return nil, fmt.Errorf("%s.amount: must be <= %d for unit %s", path, limit, u)
		}
		return recurrence.Timer{Amount: s.Amount, Unit: u}, nil
	case recurrence.KindDaily:
		at, err := recurrence.ParseTimeOfDay(s.Time)
		if err != nil {
			return nil, fmt.Errorf("%s.time: %w", path, err)
		}
		return recurrence.Daily{At: at}, nil
	case recurrence.KindWeekly:
		at, err := recurrence.ParseTimeOfDay(s.Time)
		if err != nil {
			return nil, fmt.Errorf("%s.time: %w", path, err)
		}
		days, err := recurrence.ParseWeekdays(s.Days)
		if err != nil {
			return nil, fmt.Errorf("%s.days: %w", path, err)
		}
		return recurrence.Weekly{At: at, Days: days}, nil
	case recurrence.KindCron:
		c := recurrence.Cron{Expr: strings.TrimSpace(s.Expr)}
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("%s.expr: %w", path, err)
		}
		return c, nil
	case "":
		return nil, fmt.Errorf("%s: kind or spec required", path)
	default:
		return nil, fmt.Errorf("%s.kind: unknown %q (timer, daily, weekly, cron)", path, s.Kind)
	}
}

// Spec converts the work block. path prefixes error messages.
func (w WorkConfig) Spec(path string) (work.Spec, error) {
	d, err := ParseDurationField(path+".duration", w.Duration)
	if err != nil {
		return work.Spec{}, err
	}
	return work.Spec{
		Kind:     w.Kind,
		Command:  w.Command,
		Dir:      w.Dir,
		Env:      w.Env,
		URL:      w.URL,
		Method:   w.Method,
		Headers:  w.Headers,
		Body:     w.Body,
		Expect:   w.Expect,
		Unit:     w.Unit,
		Action:   w.Action,
		Duration: d,
	}, nil
}

// Validate checks everything that can be checked without side effects. Each
// problem is reported with the path of the offending field; all problems are
// joined into one error.
func Validate(cfg *Config, reg *work.Registry) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := cfg.Scheduler.Location(); err != nil {
		add(err)
	}

	te := cfg.TaskEngine
	for _, f := range []struct {
		path string
		v    int
	}{
		{"task_engine.workers", te.Workers},
		{"task_engine.queue_size", te.QueueSize},
		{"task_engine.history_size", te.HistorySize},
		{"task_engine.retry_max", te.RetryMax},
	} {
		if f.v < 0 {
			add(fmt.Errorf("%s: must be >= 0", f.path))
		}
	}
	_, err := ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	add(err)
	_, err = ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	add(err)

	add(validateStorage(cfg.Storage))
	add(validateNotify(cfg.Notify))
	add(validateOps(cfg.Ops))

	seen := map[string]int{}
	for i, j := range cfg.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		id := strings.TrimSpace(j.ID)
		if id == "" {
			add(fmt.Errorf("%s.id: required", path))
		} else if prev, dup := seen[id]; dup {
			add(fmt.Errorf("%s.id: duplicate %q (also jobs[%d])", path, id, prev))
		} else {
			seen[id] = i
		}
		_, err := ParseDurationField(path+".timeout", j.Timeout)
		add(err)

		spec, err := j.Work.Spec(path + ".work")
		add(err)
		if err == nil && reg != nil {
			if _, err := reg.Build(spec); err != nil {
				add(fmt.Errorf("%s.work: %w", path, err))
			}
		}
		if j.Schedule != nil {
			_, err := j.Schedule.Params(path + ".schedule")
			add(err)
		}
	}
	return errors.Join(errs...)
}

func validateStorage(sc StorageConfig) error {
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "none", "memory":
	case "file", "sqlite", "sqlite3", "badger":
		if strings.TrimSpace(sc.Path) == "" {
			return fmt.Errorf("storage.path: required when storage.driver=%s", driver)
		}
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(sc.DSN) == "" {
			return fmt.Errorf("storage.dsn: required when storage.driver=%s", driver)
		}
	default:
		return fmt.Errorf("storage.driver: unknown %q", sc.Driver)
	}
	if sc.RunHistory < 0 {
		return errors.New("storage.run_history: must be >= 0")
	}
	_, err := ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	return err
}

func validateNotify(nc *NotifyConfig) error {
	if nc == nil {
		return nil
	}
	var errs []error
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.RetryMax < 0 {
		errs = append(errs, errors.New("notify: workers, queue_size, rate_per_sec and retry_max must be >= 0"))
	}
	if _, err := ParseDurationField("notify.retry_base", nc.RetryBase); err != nil {
		errs = append(errs, err)
	}
	if tg := nc.Telegram; tg != nil {
		if strings.TrimSpace(tg.Token) == "" {
			errs = append(errs, errors.New("notify.telegram.token: required"))
		}
		if tg.ChatID == 0 {
			errs = append(errs, errors.New("notify.telegram.chat_id: required"))
		}
	}
	if m := nc.Mail; m != nil {
		if strings.TrimSpace(m.Host) == "" {
			errs = append(errs, errors.New("notify.mail.host: required"))
		}
		if strings.TrimSpace(m.From) == "" {
			errs = append(errs, errors.New("notify.mail.from: required"))
		}
		if len(m.To) == 0 {
			errs = append(errs, errors.New("notify.mail.to: at least one recipient required"))
		}
		switch strings.ToLower(strings.TrimSpace(m.Auth)) {
		case "", "none", "plain", "login", "cram-md5":
		default:
			errs = append(errs, fmt.Errorf("notify.mail.auth: unknown %q", m.Auth))
		}
	}
	return errors.Join(errs...)
}

func validateOps(oc OpsConfig) error {
	var errs []error
	for _, f := range []struct{ path, raw string }{
		{"ops.read_timeout", oc.ReadTimeout},
		{"ops.write_timeout", oc.WriteTimeout},
		{"ops.idle_timeout", oc.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}
	if !oc.Enabled {
		return errors.Join(errs...)
	}
	addr := strings.TrimSpace(oc.Addr)
	if addr == "" {
		addr = "127.0.0.1:7070"
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		errs = append(errs, fmt.Errorf("ops.addr: %w", err))
	} else if !isLoopback(host) && strings.TrimSpace(oc.Token) == "" && !oc.AllowInsecure {
		errs = append(errs, errors.New("ops.addr: non-loopback address requires ops.token or ops.allow_insecure"))
	}
	return errors.Join(errs...)
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
