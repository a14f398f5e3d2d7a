package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"jobsched/internal/eventbus"
	"jobsched/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask, idx int) {
	// Per-worker RNG: no global lock contention when many tasks retry at once.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			if qt.task.Status().IsFinal() {
				// Canceled while waiting.
				continue
			}
			delay := max(time.Since(qt.enqueuedAt), 0)
			if maxDelay := s.config().MaxQueueDelay; maxDelay > 0 && delay > maxDelay {
				s.onStaleDropped(qt.task, delay)
				continue
			}
			s.inFlight.Add(1)
			s.runWith(ctx, stopCh, qt.task, LaneQueued, delay, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) run(ctx context.Context, stopCh <-chan struct{}, t *Task, lane Lane, queueDelay time.Duration) {
	s.runWith(ctx, stopCh, t, lane, queueDelay, rand.New(rand.NewSource(time.Now().UnixNano())))
}

// runWith drives one task from started to a terminal status.
func (s *Service) runWith(ctx context.Context, stopCh <-chan struct{}, t *Task, lane Lane, queueDelay time.Duration, rng *rand.Rand) {
	cfg := s.config()
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !t.start(cancel) {
		return
	}

	started := time.Now()
	log := s.log.With(logx.String("task", t.Name), logx.String("id", t.ID), logx.String("lane", string(lane)))
	log.Debug("task started", logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.TaskStarted, TaskEvent{ID: t.ID, Name: t.Name, Lane: lane, Status: StatusStarted, Started: started, QueueDelay: queueDelay})

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	opt := t.Opt.withDefaults(cfg)
	maxAttempts := 1 + opt.RetryMax

	var err error
	attempts := 0
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		t.setAttempts(attempt)
		err = s.attempt(taskCtx, t, timeout, log)
		if err == nil || taskCtx.Err() != nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt >= maxAttempts {
			break
		}

		delay := backoffDelayWithHint(opt, attempt, err, rng)
		log.Debug("task retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-taskCtx.Done():
			tmr.Stop()
			err = taskCtx.Err()
			break attemptLoop
		case <-stopCh:
			tmr.Stop()
			err = ErrStopped
			break attemptLoop
		case <-tmr.C:
		}
	}
	if err == nil && taskCtx.Err() != nil && t.wasCanceled() {
		err = ErrCanceled
	}

	status := outcome(t, err)
	dur := time.Since(started)
	t.finish(status, err)

	ev := TaskEvent{ID: t.ID, Name: t.Name, Lane: lane, Status: status, Started: started, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		ev.Error = err.Error()
	}
	s.record(HistoryItem(ev))

	fields := []logx.Field{logx.String("status", status.String()), logx.Duration("dur", dur), logx.Int("attempts", attempts)}
	switch status {
	case StatusFinished:
		if dur >= 750*time.Millisecond {
			log.Info("task finished", fields...)
		} else {
			log.Debug("task finished", fields...)
		}
		s.publish(eventbus.TaskFinished, ev)
	case StatusCanceled:
		log.Info("task canceled", append(fields, logx.Err(err))...)
		s.publish(eventbus.TaskCanceled, ev)
	default:
		log.Warn("task failed", append(fields, logx.Err(err))...)
		s.publish(eventbus.TaskFailed, ev)
	}
}

// attempt runs t once. A panic becomes an error so one bad task cannot kill a worker.
func (s *Service) attempt(ctx context.Context, t *Task, timeout time.Duration, log logx.Logger) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("task panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return t.Run(ctx)
}

func backoffDelayWithHint(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return jitter(min(ra.RetryAfter(), opt.RetryMaxDelay), opt, rng)
	}
	return backoffDelay(opt, retry, rng)
}

func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= opt.RetryMaxDelay {
			d = opt.RetryMaxDelay
			break
		}
	}
	return jitter(d, opt, rng)
}

func jitter(d time.Duration, opt TaskOptions, rng *rand.Rand) time.Duration {
	if opt.RetryJitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * opt.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), opt.RetryMaxDelay)
}
