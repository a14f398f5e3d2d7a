package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "10s", "30m"). Strings may
// reference the environment as ${NAME} or ${NAME:-fallback}.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	Storage    StorageConfig    `json:"storage"`
	Notify     *NotifyConfig    `json:"notify,omitempty"`
	Ops        OpsConfig        `json:"ops"`
	Jobs       []JobConfig      `json:"jobs"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
	// Rotation; zero keeps lumberjack defaults.
	MaxSizeMB  int  `json:"max_size_mb,omitempty"`
	MaxBackups int  `json:"max_backups,omitempty"`
	MaxAgeDays int  `json:"max_age_days,omitempty"`
	Compress   bool `json:"compress,omitempty"`
}

// LoggingAlert forwards warn+ log lines to the notifier sinks.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the schedule service.
//
// Timezone is an IANA name; empty means the host's local zone. Changing it
// requires a restart.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 0
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./state/jobsched.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres; never logged
	BusyTimeout string `json:"busy_timeout,omitempty"`
	RunHistory  int    `json:"run_history,omitempty"`
}

// NotifyConfig controls outcome notifications. If the section is omitted the
// notifier stays off.
type NotifyConfig struct {
	Enabled    bool   `json:"enabled"`
	OnSuccess  bool   `json:"on_success"`
	OnFailure  bool   `json:"on_failure"`
	OnCancel   bool   `json:"on_cancel"`
	Workers    int    `json:"workers,omitempty"`
	QueueSize  int    `json:"queue_size,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	RetryMax   int    `json:"retry_max,omitempty"`
	RetryBase  string `json:"retry_base,omitempty"`

	Telegram *TelegramConfig `json:"telegram,omitempty"`
	Mail     *MailConfig     `json:"mail,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

type MailConfig struct {
	Host     string   `json:"host"`
	Port     int      `json:"port,omitempty"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	From     string   `json:"from"`
	To       []string `json:"to"`
	// Auth is plain, login, cram-md5 or none.
	Auth string `json:"auth,omitempty"`
	TLS  bool   `json:"tls,omitempty"`
}

// OpsConfig controls the operations HTTP server.
//
// Prefer a loopback address. A non-loopback address requires a token or
// allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:7070"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

// JobConfig declares one job.
type JobConfig struct {
	ID       string          `json:"id"`
	Title    string          `json:"title,omitempty"`
	Owner    string          `json:"owner,omitempty"`
	Disabled bool            `json:"disabled,omitempty"`
	Timeout  string          `json:"timeout,omitempty"`
	RetryMax int             `json:"retry_max,omitempty"`
	Work     WorkConfig      `json:"work"`
	Schedule *ScheduleConfig `json:"schedule,omitempty"`
}

// WorkConfig mirrors work.Spec with string durations.
type WorkConfig struct {
	Kind string `json:"kind"`

	Command []string          `json:"command,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	Expect  int               `json:"expect,omitempty"`

	Unit   string `json:"unit,omitempty"`
	Action string `json:"action,omitempty"`

	Duration string `json:"duration,omitempty"`
}

// ScheduleConfig declares a recurrence either field by field or as a compact
// spec string ("every 2h", "daily 09:00", "weekly mon,fri 09:00",
// "cron: */5 * * * *"). Spec and Kind are mutually exclusive.
type ScheduleConfig struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title,omitempty"`
	Spec  string `json:"spec,omitempty"`

	Kind   string   `json:"kind,omitempty"` // timer|daily|weekly|cron
	Time   string   `json:"time,omitempty"`
	Days   []string `json:"days,omitempty"`
	Amount int      `json:"amount,omitempty"`
	Unit   string   `json:"unit,omitempty"`
	Expr   string   `json:"expr,omitempty"`
}
