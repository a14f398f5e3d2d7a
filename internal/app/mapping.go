package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"jobsched/internal/config"
	"jobsched/internal/notifier"
	"jobsched/internal/observability/ops"
	"jobsched/internal/storage"
	"jobsched/internal/task/engine"
	"jobsched/internal/task/scheduler"
	"jobsched/internal/work"
	"jobsched/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled:    lc.File.Enabled,
			Path:       lc.File.Path,
			MaxSizeMB:  lc.File.MaxSizeMB,
			MaxBackups: lc.File.MaxBackups,
			MaxAgeDays: lc.File.MaxAgeDays,
			Compress:   lc.File.Compress,
		},
		Alert: logx.AlertConfig{
			Enabled:    lc.Alert.Enabled,
			MinLevel:   lc.Alert.MinLevel,
			RatePerSec: lc.Alert.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
		RunHistory:  sc.RunHistory,
	}, nil
}

func mapEngine(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxDelay,
		HistorySize:    te.HistorySize,
		RetryMax:       te.RetryMax,
	}, nil
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
	}
}

// mapNotifier returns the notifier config and its sinks. The log sink is
// always present; telegram and mail follow their sections.
func mapNotifier(cfg *config.Config, log logx.Logger) (notifier.Config, []notifier.Sink, error) {
	sinks := []notifier.Sink{notifier.LogSink{Log: log}}
	nc := cfg.Notify
	if nc == nil {
		return notifier.Config{}, sinks, nil
	}
	retryBase, err := config.ParseDurationField("notify.retry_base", nc.RetryBase)
	if err != nil {
		return notifier.Config{}, nil, err
	}
	out := notifier.Config{
		Enabled:     nc.Enabled,
		OnSuccess:   nc.OnSuccess,
		OnFailure:   nc.OnFailure,
		OnCancel:    nc.OnCancel,
		Workers:     nc.Workers,
		QueueSize:   nc.QueueSize,
		RatePerSec:  nc.RatePerSec,
		RetryMax:    nc.RetryMax,
		RetryBase:   retryBase,
		DedupWindow: time.Minute,
	}

	var errs []error
	if tg := nc.Telegram; tg != nil {
		s, err := notifier.NewTelegram(notifier.TelegramConfig{Token: tg.Token, ChatID: tg.ChatID, ThreadID: tg.ThreadID})
		if err != nil {
			errs = append(errs, fmt.Errorf("notify.telegram: %w", err))
		} else {
			sinks = append(sinks, s)
		}
	}
	if m := nc.Mail; m != nil {
		s, err := notifier.NewMail(notifier.MailConfig{
			Host:     m.Host,
			Port:     m.Port,
			Username: m.Username,
			Password: m.Password,
			From:     m.From,
			To:       m.To,
			Auth:     m.Auth,
			TLS:      m.TLS,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("notify.mail: %w", err))
		} else {
			sinks = append(sinks, s)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return notifier.Config{}, nil, err
	}
	return out, sinks, nil
}

func mapOps(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	out := ops.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 10*time.Second); err != nil {
		return ops.Config{}, err
	}
	// pprof profile and trace stream for up to 30s by default
	if out.WriteTimeout, err = config.ParseDurationOrDefault("ops.write_timeout", oc.WriteTimeout, 60*time.Second); err != nil {
		return ops.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 2*time.Minute); err != nil {
		return ops.Config{}, err
	}
	return out, nil
}

// mapJobs builds the job definitions, constructing each job's work through
// reg. Errors name the offending config path.
func mapJobs(cfg *config.Config, reg *work.Registry) ([]scheduler.JobDef, error) {
	defs := make([]scheduler.JobDef, 0, len(cfg.Jobs))
	var errs []error
	for i, jc := range cfg.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		timeout, err := config.ParseDurationField(path+".timeout", jc.Timeout)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		spec, err := jc.Work.Spec(path + ".work")
		if err != nil {
			errs = append(errs, err)
			continue
		}
		w, err := reg.Build(spec)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s.work: %w", path, err))
			continue
		}
		def := scheduler.JobDef{
			ID:       strings.TrimSpace(jc.ID),
			Title:    strings.TrimSpace(jc.Title),
			Owner:    strings.TrimSpace(jc.Owner),
			Disabled: jc.Disabled,
			Timeout:  timeout,
			RetryMax: jc.RetryMax,
			Work:     w,
		}
		if sc := jc.Schedule; sc != nil {
			p, err := sc.Params(path + ".schedule")
			if err != nil {
				errs = append(errs, err)
				continue
			}
			def.Schedule = &scheduler.ScheduleDef{
				ID:     strings.TrimSpace(sc.ID),
				Title:  strings.TrimSpace(sc.Title),
				Params: p,
			}
		}
		defs = append(defs, def)
	}
	return defs, errors.Join(errs...)
}
