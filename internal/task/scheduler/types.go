package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"jobsched/internal/storage"
	"jobsched/internal/task/engine"
	"jobsched/internal/task/recurrence"
)

var (
	ErrUnknownJob         = errors.New("unknown job")
	ErrCommandUnavailable = errors.New("command unavailable for selection")
	errNoWork             = errors.New("job has no work bound")
)

// Config controls the scheduler service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means local
}

// Location resolves Timezone, falling back to time.Local.
func (c Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local, fmt.Errorf("scheduler timezone %q: %w", tz, err)
	}
	return loc, nil
}

// Executor is the task execution service a Job dispatches to.
type Executor interface {
	// Execute runs t right away (foreground).
	Execute(t *engine.Task) error
	// Submit queues t behind pending work (background).
	Submit(ctx context.Context, t *engine.Task) error
}

// Persister is the part of storage.Store the scheduler writes through.
type Persister interface {
	LoadJob(ctx context.Context, jobID string) (storage.JobState, bool, error)
	SaveJob(ctx context.Context, st storage.JobState) error
	LoadSchedule(ctx context.Context, jobID string) (storage.ScheduleState, bool, error)
	SaveSchedule(ctx context.Context, st storage.ScheduleState) error
	AppendRun(ctx context.Context, r storage.RunRecord) error
}

// Work is what a Job runs. Kind names the concrete implementation; two jobs
// of the same kind are treated as the same singleton by the ExecuteJob command.
type Work interface {
	Kind() string
	Run(ctx context.Context) error
}

// Trigger is a policy attached to a Job that decides when it runs.
type Trigger interface {
	Title() string
	// ExtInfo is a free-form display datum, e.g. the next-run text.
	ExtInfo() string
	// Refresh re-evaluates whether the trigger should be armed, e.g. after
	// the job was enabled or disabled.
	Refresh()
	Stop()
}

// JobStatus is the persisted outcome of a job's last run.
type JobStatus int

const (
	JobUndefined JobStatus = iota
	JobFinished
	JobCanceled
	JobFailed
)

var jobStatusNames = [...]string{"undefined", "finished", "canceled", "failed"}

func (s JobStatus) String() string {
	if s < 0 || int(s) >= len(jobStatusNames) {
		return fmt.Sprintf("job_status(%d)", int(s))
	}
	return jobStatusNames[s]
}

func (s JobStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *JobStatus) UnmarshalText(b []byte) error {
	*s = ParseJobStatus(string(b))
	return nil
}

// ParseJobStatus reads a stored status. Unknown or empty text is Undefined.
func ParseJobStatus(s string) JobStatus {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range jobStatusNames {
		if n == name {
			return JobStatus(i)
		}
	}
	return JobUndefined
}

// statusOf maps a terminal task status to the job status.
func statusOf(st engine.Status) JobStatus {
	switch st {
	case engine.StatusFinished:
		return JobFinished
	case engine.StatusCanceled:
		return JobCanceled
	case engine.StatusFailed:
		return JobFailed
	default:
		return JobUndefined
	}
}

// Run triggers recorded with each execution.
const (
	TriggerManual   = "manual"
	TriggerQueued   = "queued"
	TriggerSchedule = "schedule"
)

// JobEvent is published on the bus for job.* events.
type JobEvent struct {
	JobID      string        `json:"job_id"`
	Title      string        `json:"title"`
	Kind       string        `json:"kind"`
	RunID      string        `json:"run_id"`
	Trigger    string        `json:"trigger"`
	Foreground bool          `json:"foreground"`
	Status     JobStatus     `json:"status"`
	Finish     time.Time     `json:"finish,omitempty"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// ScheduleEvent is published on the bus for schedule.* events.
type ScheduleEvent struct {
	JobID      string    `json:"job_id"`
	ScheduleID string    `json:"schedule_id"`
	Title      string    `json:"title"`
	Last       time.Time `json:"last,omitempty"`
	Next       time.Time `json:"next,omitempty"`
}

// JobDef declares a job for Service.Apply.
type JobDef struct {
	ID       string
	Title    string
	Owner    string
	Disabled bool
	Timeout  time.Duration
	RetryMax int // engine.TaskOptions semantics: <0 none, 0 engine default
	Work     Work
	Schedule *ScheduleDef
}

// ScheduleDef declares the schedule of a job. An empty ID is derived from the
// job id so the persisted state survives restarts.
type ScheduleDef struct {
	ID     string
	Title  string
	Params recurrence.Params
}

type nopPersister struct{}

func (nopPersister) LoadJob(context.Context, string) (storage.JobState, bool, error) {
	return storage.JobState{}, false, nil
}
func (nopPersister) SaveJob(context.Context, storage.JobState) error { return nil }
func (nopPersister) LoadSchedule(context.Context, string) (storage.ScheduleState, bool, error) {
	return storage.ScheduleState{}, false, nil
}
func (nopPersister) SaveSchedule(context.Context, storage.ScheduleState) error { return nil }
func (nopPersister) AppendRun(context.Context, storage.RunRecord) error        { return nil }
