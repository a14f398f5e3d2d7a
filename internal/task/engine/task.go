package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status int

const (
	StatusPending Status = iota
	StatusStarted
	StatusFinished
	StatusCanceled
	StatusFailed
)

var statusNames = [...]string{"pending", "started", "finished", "canceled", "failed"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// IsFinal reports whether s is a terminal status.
func (s Status) IsFinal() bool {
	return s == StatusFinished || s == StatusCanceled || s == StatusFailed
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(b)))
	for i, n := range statusNames {
		if n == name {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown task status %q", string(b))
}

// Listener observes task status transitions. It is called synchronously on
// the goroutine that performs the transition, before Done is closed for the
// terminal one.
type Listener interface {
	StatusChanged(t *Task, prev, next Status)
}

type ListenerFunc func(t *Task, prev, next Status)

func (f ListenerFunc) StatusChanged(t *Task, prev, next Status) { f(t, prev, next) }

// Task is one unit of work. A Task runs at most once; build a new one per run.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions

	mu        sync.Mutex
	status    Status
	err       error
	listeners []Listener
	cancel    context.CancelFunc
	canceled  bool
	created   time.Time
	started   time.Time
	finished  time.Time
	attempts  int
	done      chan struct{}

	onPanic func(l Listener, r any)
}

func NewTask(name string, run func(ctx context.Context) error) *Task {
	return &Task{
		ID:      uuid.NewString(),
		Name:    name,
		Run:     run,
		created: time.Now(),
		done:    make(chan struct{}),
	}
}

func (t *Task) AddListener(l Listener) {
	if l == nil {
		return
	}
	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()
}

func (t *Task) RemoveListener(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, x := range t.listeners {
		if x == l {
			t.listeners = append(t.listeners[:i:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Err is the error of the last attempt, or nil.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Duration is the run time so far, or the total once finished.
func (t *Task) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.started.IsZero():
		return 0
	case t.finished.IsZero():
		return time.Since(t.started)
	default:
		return t.finished.Sub(t.started)
	}
}

// Done is closed once the task reached a terminal status.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task is terminal or ctx is done.
func (t *Task) Wait(ctx context.Context) (Status, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.status, t.err
	case <-ctx.Done():
		return t.Status(), ctx.Err()
	}
}

// Cancel stops a running task through its context, or finishes a pending one
// as canceled right away. Canceling a terminal task does nothing.
func (t *Task) Cancel() {
	t.mu.Lock()
	if t.status.IsFinal() {
		t.mu.Unlock()
		return
	}
	t.canceled = true
	cancel := t.cancel
	pending := t.status == StatusPending
	t.mu.Unlock()

	if pending {
		t.finish(StatusCanceled, ErrCanceled)
		return
	}
	if cancel != nil {
		cancel()
	}
}

// Abort finishes a task that never reached a worker, for example when
// submission failed. It is a no-op on a terminal task.
func (t *Task) Abort(err error) {
	if err == nil {
		err = ErrCanceled
	}
	st := StatusFailed
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCanceled) {
		st = StatusCanceled
	}
	t.finish(st, err)
}

func (t *Task) ensureInit(onPanic func(Listener, any)) {
	t.mu.Lock()
	if t.onPanic == nil {
		t.onPanic = onPanic
	}
	if t.done == nil {
		t.done = make(chan struct{})
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.created.IsZero() {
		t.created = time.Now()
	}
	t.mu.Unlock()
}

// start moves a pending task to started. It reports false when the task was
// already finished (canceled while queued).
func (t *Task) start(cancel context.CancelFunc) bool {
	t.mu.Lock()
	if t.status != StatusPending {
		t.mu.Unlock()
		return false
	}
	t.status = StatusStarted
	t.cancel = cancel
	t.started = time.Now()
	ls := append([]Listener(nil), t.listeners...)
	onPanic := t.onPanic
	t.mu.Unlock()

	notify(t, ls, onPanic, StatusPending, StatusStarted)
	return true
}

func (t *Task) setAttempts(n int) {
	t.mu.Lock()
	t.attempts = n
	t.mu.Unlock()
}

func (t *Task) wasCanceled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canceled
}

// finish records the terminal status exactly once. Listeners run before Done
// is closed so a waiter always observes their side effects.
func (t *Task) finish(st Status, err error) bool {
	t.mu.Lock()
	if t.status.IsFinal() {
		t.mu.Unlock()
		return false
	}
	prev := t.status
	t.status = st
	t.err = err
	t.finished = time.Now()
	if t.started.IsZero() {
		t.started = t.finished
	}
	ls := append([]Listener(nil), t.listeners...)
	onPanic := t.onPanic
	t.mu.Unlock()

	defer close(t.done)
	notify(t, ls, onPanic, prev, st)
	return true
}

// notify calls every listener. A panicking listener is reported to onPanic
// and never stops the others or the transition itself.
func notify(t *Task, ls []Listener, onPanic func(Listener, any), prev, next Status) {
	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil && onPanic != nil {
					onPanic(l, r)
				}
			}()
			l.StatusChanged(t, prev, next)
		}()
	}
}

// outcome maps a run error to the terminal status.
func outcome(t *Task, err error) Status {
	switch {
	case err == nil:
		return StatusFinished
	case t.wasCanceled(), errors.Is(err, context.Canceled), errors.Is(err, ErrCanceled):
		return StatusCanceled
	default:
		return StatusFailed
	}
}
