package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"jobsched/internal/eventbus"
	rtsup "jobsched/internal/runtime/supervisor"
	"jobsched/internal/storage"
	"jobsched/internal/task/engine"
	"jobsched/pkg/logx"
)

const (
	// cancelGrace bounds the wait for a canceled task on shutdown.
	cancelGrace    = 5 * time.Second
	persistTimeout = 5 * time.Second
	resultLayout   = "2006-01-02 15:04:05"
)

// Deps are the collaborators shared by jobs and schedules.
type Deps struct {
	Exec  Executor
	Store Persister
	Bus   eventbus.Bus
	Log   logx.Logger
	Clock Clock
}

func (d Deps) withDefaults() Deps {
	if d.Store == nil {
		d.Store = nopPersister{}
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Clock == nil {
		d.Clock = SystemClock(nil)
	}
	return d
}

// Job is a schedulable unit of work with a single-concurrency permit.
//
// Status and finish change only when a run reaches a terminal status.
type Job struct {
	id   string
	deps Deps
	log  logx.Logger

	// permit holds one token while a run is in flight.
	permit chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	title    string
	owner    string
	work     Work
	timeout  time.Duration
	opt      engine.TaskOptions
	disabled bool
	trigger  Trigger
	status   JobStatus
	finish   time.Time
	current  *engine.Task
	seq      uint64
	reported uint64

	ctx context.Context
	sup *rtsup.Supervisor

	saveMu sync.Mutex
}

// NewJob builds a job from def. Its schedule, if any, is attached separately.
func NewJob(def JobDef, deps Deps) *Job {
	deps = deps.withDefaults()
	j := &Job{
		id:     strings.TrimSpace(def.ID),
		deps:   deps,
		permit: make(chan struct{}, 1),
		ctx:    context.Background(),
	}
	j.log = deps.Log.With(logx.String("job", j.id))
	j.update(def)
	return j
}

// update applies the mutable parts of def. A run in flight keeps the work it
// started with.
func (j *Job) update(def JobDef) {
	opt := engine.TaskOptions{RetryMax: def.RetryMax}
	j.mu.Lock()
	j.title = def.Title
	if j.title == "" {
		j.title = j.id
	}
	j.owner = def.Owner
	j.work = def.Work
	j.timeout = def.Timeout
	j.opt = opt
	j.mu.Unlock()
	j.SetDisabled(def.Disabled)
}

// bind sets the context and supervisor job workers run under.
func (j *Job) bind(ctx context.Context, sup *rtsup.Supervisor) {
	if ctx == nil {
		ctx = context.Background()
	}
	j.mu.Lock()
	j.ctx, j.sup = ctx, sup
	j.mu.Unlock()
}

// restore loads the persisted outcome without publishing anything.
func (j *Job) restore(st storage.JobState) {
	j.mu.Lock()
	j.status = ParseJobStatus(st.Status)
	j.finish = st.Finish
	if j.status != JobUndefined && j.finish.IsZero() {
		j.status = JobUndefined
	}
	j.mu.Unlock()
}

func (j *Job) ID() string { return j.id }

func (j *Job) Title() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.title
}

func (j *Job) Owner() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.owner
}

// Kind is the work kind, or "" when no work is bound.
func (j *Job) Kind() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.work == nil {
		return ""
	}
	return j.work.Kind()
}

func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Finish is the time the last run ended; zero while Status is Undefined.
func (j *Job) Finish() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finish
}

// Result renders status and finish time, e.g. "failed 2026-01-02 03:04:05".
// It is empty until the first run ended.
func (j *Job) Result() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status == JobUndefined {
		return ""
	}
	return j.status.String() + " " + j.finish.Format(resultLayout)
}

// Running reports whether a run holds the permit.
func (j *Job) Running() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.current != nil
}

func (j *Job) Disabled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.disabled
}

// SetDisabled toggles the job. A disabled job keeps its schedule position but
// its alarm is not armed.
func (j *Job) SetDisabled(disabled bool) {
	j.mu.Lock()
	changed := j.disabled != disabled
	j.disabled = disabled
	tr := j.trigger
	j.mu.Unlock()
	if changed && tr != nil {
		tr.Refresh()
	}
}

// Valid reports whether the job can run: it has an id, bound work and is
// enabled.
func (j *Job) Valid() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.id != "" && j.work != nil && !j.disabled
}

// Trigger returns the attached trigger or nil.
func (j *Job) Trigger() Trigger {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.trigger
}

// setTrigger replaces the trigger and returns the previous one.
func (j *Job) setTrigger(tr Trigger) Trigger {
	j.mu.Lock()
	defer j.mu.Unlock()
	prev := j.trigger
	j.trigger = tr
	return prev
}

// Wait blocks until every worker started by ExecuteJob returned, or ctx is done.
func (j *Job) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExecuteJob runs the job's work once and returns immediately.
//
// The run waits for the job's permit on its own goroutine, so concurrent
// calls queue up instead of overlapping. foreground runs the task right away
// once the permit is held, otherwise it is queued behind pending work. l, if
// not nil, sees the task's status transitions including the terminal one.
func (j *Job) ExecuteJob(l engine.Listener, foreground bool) {
	trigger := TriggerQueued
	if foreground {
		trigger = TriggerManual
	}
	j.execute(l, foreground, trigger)
}

func (j *Job) execute(l engine.Listener, foreground bool, trigger string) {
	t := j.newTask()
	t.AddListener(engine.ListenerFunc(func(t *engine.Task, _, next engine.Status) {
		if next == engine.StatusStarted {
			j.publish(eventbus.JobStarted, JobEvent{
				JobID: j.id, Title: j.Title(), Kind: j.Kind(), RunID: t.ID,
				Trigger: trigger, Foreground: foreground,
			})
		}
	}))
	if l != nil {
		t.AddListener(l)
	}

	j.mu.Lock()
	ctx, sup := j.ctx, j.sup
	j.mu.Unlock()

	j.wg.Add(1)
	fn := func(ctx context.Context) {
		defer j.wg.Done()
		j.run(ctx, t, foreground, trigger)
	}
	if sup != nil {
		sup.Go0("job."+j.id, fn)
		return
	}
	go fn(ctx)
}

func (j *Job) newTask() *engine.Task {
	j.mu.Lock()
	w, timeout, opt := j.work, j.timeout, j.opt
	j.mu.Unlock()

	t := engine.NewTask("job."+j.id, func(ctx context.Context) error {
		if w == nil {
			return engine.NoRetry(errNoWork)
		}
		return w.Run(ctx)
	})
	t.Timeout = timeout
	t.Opt = opt
	return t
}

type runOutcome struct {
	seq     uint64
	status  JobStatus
	started time.Time
	finish  time.Time
	err     error
}

func (j *Job) run(ctx context.Context, t *engine.Task, foreground bool, trigger string) {
	if ctx.Err() != nil {
		t.Abort(context.Canceled)
		j.log.Debug("job run dropped: scheduler stopped", logx.String("trigger", trigger))
		return
	}
	select {
	case j.permit <- struct{}{}:
	case <-ctx.Done():
		t.Abort(context.Canceled)
		j.log.Debug("job run dropped while waiting for permit", logx.String("trigger", trigger))
		return
	}

	out := j.invoke(ctx, t, foreground)
	j.report(t, out, foreground, trigger)
}

// invoke dispatches t and waits for its terminal status while holding the
// permit. The permit is released on every path.
func (j *Job) invoke(ctx context.Context, t *engine.Task, foreground bool) (out runOutcome) {
	j.mu.Lock()
	j.seq++
	out.seq = j.seq
	j.current = t
	j.mu.Unlock()

	defer func() {
		j.mu.Lock()
		j.current = nil
		j.mu.Unlock()
		<-j.permit
	}()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("job worker panicked: %v", r)
			t.Abort(err)
			j.log.Error("job worker panicked", logx.Any("panic", r), logx.String("task", t.ID))
			out.status, out.err, out.finish = JobFailed, err, j.deps.Clock.Now()
		}
	}()

	out.started = j.deps.Clock.Now()
	var err error
	if foreground {
		err = j.deps.Exec.Execute(t)
	} else {
		err = j.deps.Exec.Submit(ctx, t)
	}
	if err != nil {
		t.Abort(fmt.Errorf("submit job task: %w", err))
	}

	st, err := j.await(ctx, t)
	out.status, out.err, out.finish = statusOf(st), err, j.deps.Clock.Now()
	return out
}

// await blocks until t is terminal. When ctx ends first the task is canceled
// and given cancelGrace to settle; a task that ignores the cancel is failed.
func (j *Job) await(ctx context.Context, t *engine.Task) (engine.Status, error) {
	select {
	case <-t.Done():
		return t.Status(), t.Err()
	case <-ctx.Done():
	}

	t.Cancel()
	timer := time.NewTimer(cancelGrace)
	defer timer.Stop()
	select {
	case <-t.Done():
		return t.Status(), t.Err()
	case <-timer.C:
	}

	t.Abort(fmt.Errorf("task %s ignored cancellation: %w", t.ID, context.DeadlineExceeded))
	j.log.Error("job task did not stop after cancel",
		logx.String("task", t.ID), logx.Duration("grace", cancelGrace))
	return t.Status(), t.Err()
}

// report stores the outcome and tells observers about it. It runs after the
// permit is released, so a later run may already have reported; its status
// then wins and only the run record of this one is kept.
func (j *Job) report(t *engine.Task, out runOutcome, foreground bool, trigger string) {
	if out.status == JobUndefined {
		out.status = JobFailed
		j.log.Error("job task ended without terminal status", logx.String("task", t.ID))
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	j.saveMu.Lock()
	j.mu.Lock()
	current := out.seq > j.reported
	if current {
		j.reported = out.seq
		j.status = out.status
		j.finish = out.finish
	}
	title := j.title
	j.mu.Unlock()
	if current {
		if err := j.deps.Store.SaveJob(ctx, storage.JobState{JobID: j.id, Status: out.status.String(), Finish: out.finish}); err != nil {
			j.log.Warn("persist job status failed", logx.Err(err))
		}
	}
	j.saveMu.Unlock()

	errText := ""
	if out.err != nil {
		errText = out.err.Error()
	}
	rec := storage.RunRecord{
		ID:         t.ID,
		JobID:      j.id,
		Trigger:    trigger,
		Foreground: foreground,
		Status:     out.status.String(),
		Started:    out.started,
		Finished:   out.finish,
		Error:      errText,
	}
	if err := j.deps.Store.AppendRun(ctx, rec); err != nil {
		j.log.Warn("persist run record failed", logx.Err(err))
	}

	fields := []logx.Field{
		logx.String("run", t.ID),
		logx.String("trigger", trigger),
		logx.String("status", out.status.String()),
		logx.Duration("took", rec.Duration()),
	}
	typ := eventbus.JobFinished
	switch out.status {
	case JobFailed:
		typ = eventbus.JobFailed
		j.log.Warn("job failed", append(fields, logx.Err(out.err))...)
	case JobCanceled:
		typ = eventbus.JobCanceled
		j.log.Info("job canceled", fields...)
	default:
		j.log.Info("job finished", fields...)
	}
	j.publish(typ, JobEvent{
		JobID:      j.id,
		Title:      title,
		Kind:       j.Kind(),
		RunID:      t.ID,
		Trigger:    trigger,
		Foreground: foreground,
		Status:     out.status,
		Finish:     out.finish,
		Duration:   rec.Duration(),
		Error:      errText,
	})
}

func (j *Job) publish(typ string, ev JobEvent) {
	if j.deps.Bus != nil {
		j.deps.Bus.Publish(eventbus.Event{Type: typ, Time: j.deps.Clock.Now(), Data: ev})
	}
}
