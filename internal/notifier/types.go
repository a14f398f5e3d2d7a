package notifier

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled bool

	// Which job outcomes produce a message.
	OnSuccess bool
	OnFailure bool
	OnCancel  bool

	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// DedupWindow suppresses identical messages sent within the window.
	// 0 disables dedup.
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Severity orders messages; sinks may render it.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	default:
		return "info"
	}
}

// Message is one notification.
type Message struct {
	Severity Severity
	Subject  string
	Text     string
	// JobID is empty for alerts that are not about a job.
	JobID string
}

// Sink delivers messages to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

type HistoryItem struct {
	At      time.Time
	Sink    string
	Subject string
	Err     string
}

// NotificationEvent is published on the bus for notifier.* events.
type NotificationEvent struct {
	Sink    string    `json:"sink,omitempty"`
	JobID   string    `json:"job_id,omitempty"`
	Subject string    `json:"subject"`
	Key     string    `json:"key,omitempty"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
