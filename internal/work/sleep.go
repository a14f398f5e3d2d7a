package work

import (
	"context"
	"time"

	"jobsched/pkg/logx"
)

const KindSleep = "sleep"

// Sleep waits for a fixed duration. It is meant for demos and smoke tests.
type Sleep struct {
	D time.Duration
}

func newSleep(spec Spec, _ logx.Logger) (Work, error) {
	if spec.Duration < 0 {
		return nil, invalid("sleep: negative duration %s", spec.Duration)
	}
	return Sleep{D: spec.Duration}, nil
}

func (Sleep) Kind() string { return KindSleep }

func (s Sleep) Run(ctx context.Context) error {
	if s.D <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.D)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
