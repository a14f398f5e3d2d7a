package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/task/recurrence"
	"jobsched/internal/work"
	"jobsched/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  enabled: true
  timezone: Europe/Berlin
task_engine:
  workers: 3
storage:
  driver: sqlite
  path: ./state/jobsched.db
notify:
  enabled: true
  on_failure: true
  telegram:
    token: "${JOBSCHED_TEST_TG_TOKEN}"
    chat_id: 42
ops:
  enabled: true
  addr: 127.0.0.1:7070
jobs:
  - id: nightly-backup
    title: Nightly backup
    timeout: 30m
    work: { kind: exec, command: [/usr/local/bin/backup.sh, "--to=${BACKUP_TARGET:-/srv/backup}"] }
    schedule: { kind: daily, time: "02:30" }
  - id: ping
    work: { kind: http, url: "https://example.org/health" }
    schedule: { spec: "every 15m" }
`

func withEnv(t *testing.T, env map[string]string) {
	t.Helper()
	prev := lookupEnv
	lookupEnv = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	t.Cleanup(func() { lookupEnv = prev })
}

func TestDecodeYAML(t *testing.T) {
	withEnv(t, map[string]string{"JOBSCHED_TEST_TG_TOKEN": "123:abc"})

	cfg, err := Decode("jobsched.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "Europe/Berlin", cfg.Scheduler.Timezone)
	assert.Equal(t, 3, cfg.TaskEngine.Workers)
	require.NotNil(t, cfg.Notify)
	require.NotNil(t, cfg.Notify.Telegram)
	assert.Equal(t, "123:abc", cfg.Notify.Telegram.Token)
	assert.EqualValues(t, 42, cfg.Notify.Telegram.ChatID)
	require.Len(t, cfg.Jobs, 2)
	assert.Equal(t, []string{"/usr/local/bin/backup.sh", "--to=/srv/backup"}, cfg.Jobs[0].Work.Command)
	assert.Equal(t, "every 15m", cfg.Jobs[1].Schedule.Spec)

	require.NoError(t, Validate(cfg, work.NewRegistry(logx.Nop())))
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		file string
		data string
		want string
	}{
		{"unknown yaml key", "c.yaml", "scheduler: { enabled: true, workers: 4 }", `unknown field "workers"`},
		{"unknown json key", "c.json", `{"jobs":[{"id":"a","cron":"* * * * *"}]}`, `unknown field "cron"`},
		{"trailing json", "c.json", `{} {}`, "trailing data"},
		{"bad yaml", "c.yml", "jobs: [", "yaml unmarshal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.file, []byte(tc.data))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestDecodeEnvExpansion(t *testing.T) {
	withEnv(t, map[string]string{"OPS_TOKEN": "s3cret"})

	cfg, err := Decode("c.json", []byte(`{"ops":{"enabled":true,"token":"${OPS_TOKEN}","addr":"$${literal}"}}`))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Ops.Token)
	assert.Equal(t, "${literal}", cfg.Ops.Addr)

	_, err = Decode("c.json", []byte(`{"storage":{"driver":"postgres","dsn":"${PG_DSN}"},"ops":{"token":"${NOPE}"}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOPE is not set")
	assert.Contains(t, err.Error(), "PG_DSN is not set")
}

func TestValidateNamesPaths(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Scheduler:  SchedulerConfig{Timezone: "Mars/Olympus"},
		TaskEngine: TaskEngineConfig{Workers: -1, DefaultTimeout: "soon"},
		Storage:    StorageConfig{Driver: "postgres"},
		Ops:        OpsConfig{Enabled: true, Addr: "0.0.0.0:7070"},
		Jobs: []JobConfig{
			{ID: "a", Work: WorkConfig{Kind: "sleep", Duration: "1s"}},
			{ID: "a", Work: WorkConfig{Kind: "sleep"}},
			{ID: "c", Work: WorkConfig{Kind: "ftp"}},
			{ID: "d", Work: WorkConfig{Kind: "sleep"}, Schedule: &ScheduleConfig{Kind: "daily", Time: "25:00"}},
			{Work: WorkConfig{Kind: "sleep"}, Timeout: "-1s"},
		},
	}
	err := Validate(cfg, work.NewRegistry(logx.Nop()))
	require.Error(t, err)
	for _, want := range []string{
		"scheduler.timezone: invalid",
		"task_engine.workers: must be >= 0",
		"task_engine.default_timeout: invalid duration",
		"storage.dsn: required",
		"ops.addr: non-loopback address requires",
		`jobs[1].id: duplicate "a" (also jobs[0])`,
		"jobs[2].work: unknown work kind",
		"jobs[3].schedule.time: invalid time of day",
		"jobs[4].id: required",
		"jobs[4].timeout: duration must be >= 0",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestScheduleParams(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		sc      ScheduleConfig
		want    recurrence.Params
		wantErr string
	}{
		{"timer", ScheduleConfig{Kind: "timer", Amount: 2, Unit: "hours"}, recurrence.Timer{Amount: 2, Unit: recurrence.UnitHour}, ""},
		{"daily", ScheduleConfig{Kind: "Daily", Time: "09:00"}, recurrence.Daily{At: recurrence.At(9, 0, 0)}, ""},
		{"weekly", ScheduleConfig{Kind: "weekly", Time: "07:30", Days: []string{"mon", "fri"}},
			recurrence.Weekly{At: recurrence.At(7, 30, 0), Days: recurrence.NewWeekdays(time.Monday, time.Friday)}, ""},
		{"weekly without days is incomplete", ScheduleConfig{Kind: "weekly", Time: "07:30"}, recurrence.Weekly{At: recurrence.At(7, 30, 0)}, ""},
		{"cron", ScheduleConfig{Kind: "cron", Expr: "*/5 * * * *"}, recurrence.Cron{Expr: "*/5 * * * *"}, ""},
		{"spec", ScheduleConfig{Spec: "daily 02:30"}, recurrence.Daily{At: recurrence.At(2, 30, 0)}, ""},
		{"both", ScheduleConfig{Spec: "daily 02:30", Kind: "daily"}, nil, "mutually exclusive"},
		{"neither", ScheduleConfig{}, nil, "kind or spec required"},
		{"bad unit", ScheduleConfig{Kind: "timer", Amount: 1, Unit: "week"}, nil, "s.unit: unknown unit"},
		{"amount overflows", ScheduleConfig{Kind: "timer", Amount: 3_000_000, Unit: "hours"}, nil, "s.amount: must be <="},
		{"spec overflows", ScheduleConfig{Spec: "every 3000000h"}, nil, "s.spec: interval"},
		{"bad cron", ScheduleConfig{Kind: "cron", Expr: "every now and then"}, nil, "s.expr:"},
		{"bad kind", ScheduleConfig{Kind: "monthly"}, nil, `s.kind: unknown "monthly"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.sc.Params("s")
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Ops:  OpsConfig{Enabled: true, Token: "a"},
		Jobs: []JobConfig{{ID: "keep"}, {ID: "edit", Title: "x"}, {ID: "drop"}},
	}
	newCfg := &Config{
		Ops:     OpsConfig{Enabled: true, Token: "b"},
		Storage: StorageConfig{Driver: "sqlite", Path: "db"},
		Jobs:    []JobConfig{{ID: "keep"}, {ID: "edit", Title: "y"}, {ID: "new"}},
	}
	sections, attrs, jobs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"storage", "ops", "jobs"}, sections)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"drop", "edit", "new"}, jobs)
	assert.Equal(t, []string{"storage"}, RestartRequired(oldCfg, newCfg))

	sections, _, jobs = SummarizeConfigChange(oldCfg, oldCfg)
	assert.Empty(t, sections)
	assert.Empty(t, jobs)
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "jobsched.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"scheduler":{"enabled":true}}`), 0o644))

	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		return Validate(cfg, nil)
	})
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)

	// Rejected: invalid timezone.
	require.NoError(t, os.WriteFile(path, []byte(`{"scheduler":{"enabled":true,"timezone":"Nowhere/Land"}}`), 0o644))
	time.Sleep(600 * time.Millisecond)
	select {
	case cfg := <-sub:
		t.Fatalf("invalid config published: %+v", cfg.Scheduler)
	default:
	}

	require.NoError(t, os.WriteFile(path, []byte(`{"scheduler":{"enabled":false}}`), 0o644))
	select {
	case cfg := <-sub:
		assert.False(t, cfg.Scheduler.Enabled)
		assert.Same(t, cfg, m.Get())
	case <-time.After(5 * time.Second):
		t.Fatal("reload not published")
	}

	cancel()
	<-done
}
