package storage

import (
	"errors"
	"time"
)

var (
	ErrClosed  = errors.New("storage closed")
	ErrInvalid = errors.New("storage: job id required")
)

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	DSN         string        // postgres only
	BusyTimeout time.Duration // sqlite only; 0 means default
	// RunHistory bounds the run records kept per job. 0 means 100.
	RunHistory int
}

func (c Config) runHistory() int {
	if c.RunHistory <= 0 {
		return 100
	}
	return c.RunHistory
}

// JobState is the persisted outcome of a job's last run.
type JobState struct {
	JobID  string    `json:"job_id"`
	Status string    `json:"status,omitempty"`
	Finish time.Time `json:"finish,omitempty"`
}

// ScheduleState is the persisted position of a job's schedule.
type ScheduleState struct {
	JobID      string `json:"job_id"`
	ScheduleID string `json:"schedule_id,omitempty"`
	// Recurrence is the human form of the parameters the Next was computed
	// from. A mismatch on load means the parameters changed while stopped.
	Recurrence string    `json:"recurrence,omitempty"`
	Last       time.Time `json:"last,omitempty"`
	Next       time.Time `json:"next,omitempty"`
}

// RunRecord is one finished execution of a job.
type RunRecord struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	Trigger    string    `json:"trigger"`
	Foreground bool      `json:"foreground"`
	Status     string    `json:"status"`
	Started    time.Time `json:"started"`
	Finished   time.Time `json:"finished"`
	Error      string    `json:"error,omitempty"`
}

func (r RunRecord) Duration() time.Duration {
	if r.Started.IsZero() || r.Finished.Before(r.Started) {
		return 0
	}
	return r.Finished.Sub(r.Started)
}
