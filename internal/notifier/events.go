package notifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"jobsched/internal/eventbus"
	"jobsched/internal/task/scheduler"
	"jobsched/pkg/logx"
)

func (s *Service) eventLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			je, ok := ev.Data.(scheduler.JobEvent)
			if !ok || !s.wants(ev.Type) {
				continue
			}
			if err := s.Notify(ctx, JobMessage(ev.Type, je)); err != nil {
				s.log.Debug("job notification skipped", logx.String("job", je.JobID), logx.Err(err))
			}
		}
	}
}

// wants reports whether the configured outcome filters select typ.
func (s *Service) wants(typ string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch typ {
	case eventbus.JobFinished:
		return s.cfg.OnSuccess
	case eventbus.JobFailed:
		return s.cfg.OnFailure
	case eventbus.JobCanceled:
		return s.cfg.OnCancel
	}
	return false
}

// JobMessage renders a job outcome event.
func JobMessage(typ string, je scheduler.JobEvent) Message {
	name := je.Title
	if name == "" {
		name = je.JobID
	}

	var (
		sev  Severity
		verb string
	)
	switch typ {
	case eventbus.JobFailed:
		sev, verb = SeverityError, "failed"
	case eventbus.JobCanceled:
		sev, verb = SeverityWarn, "was canceled"
	default:
		sev, verb = SeverityInfo, "finished"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Job: %s", je.JobID)
	if je.Kind != "" {
		fmt.Fprintf(&b, " (%s)", je.Kind)
	}
	fmt.Fprintf(&b, "\nStatus: %s", je.Status)
	if je.Trigger != "" {
		fmt.Fprintf(&b, "\nTrigger: %s", je.Trigger)
	}
	if je.Duration > 0 {
		fmt.Fprintf(&b, "\nDuration: %s", je.Duration.Round(time.Millisecond))
	}
	if !je.Finish.IsZero() {
		fmt.Fprintf(&b, "\nFinished: %s", je.Finish.Format("2006-01-02 15:04:05 MST"))
	}
	if je.Error != "" {
		fmt.Fprintf(&b, "\nError: %s", je.Error)
	}

	return Message{
		Severity: sev,
		Subject:  fmt.Sprintf("%s %s", name, verb),
		Text:     b.String(),
		JobID:    je.JobID,
	}
}
