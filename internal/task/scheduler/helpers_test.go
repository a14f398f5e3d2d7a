package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jobsched/internal/storage"
	"jobsched/internal/task/engine"
	"jobsched/pkg/logx"
)

// manualClock only moves when Advance is called.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	alarms []*manualAlarm
}

type manualAlarm struct {
	c       *manualClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newManualClock(now time.Time) *manualClock { return &manualClock{now: now} }

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Alarm {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := &manualAlarm{c: c, at: c.now.Add(d), f: f}
	if d <= 0 {
		a.fired = true
		go f()
		return a
	}
	c.alarms = append(c.alarms, a)
	return a
}

func (a *manualAlarm) Stop() bool {
	a.c.mu.Lock()
	defer a.c.mu.Unlock()
	if a.stopped || a.fired {
		return false
	}
	a.stopped = true
	return true
}

// Advance moves the clock and runs every due alarm in time order.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*manualAlarm
	for _, a := range c.alarms {
		if !a.stopped && !a.fired && !a.at.After(c.now) {
			a.fired = true
			due = append(due, a)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, a := range due {
		a.f()
	}
}

// Live counts alarms that may still fire.
func (c *manualClock) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, a := range c.alarms {
		if !a.stopped && !a.fired {
			n++
		}
	}
	return n
}

// All returns every alarm ever armed, live or not.
func (c *manualClock) All() []*manualAlarm {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*manualAlarm(nil), c.alarms...)
}

// probeWork records how many runs overlap.
type probeWork struct {
	kind  string
	delay time.Duration
	err   error

	active  atomic.Int32
	maxSeen atomic.Int32
	runs    atomic.Int32
}

func (w *probeWork) Kind() string { return w.kind }

func (w *probeWork) Run(ctx context.Context) error {
	n := w.active.Add(1)
	defer w.active.Add(-1)
	for {
		m := w.maxSeen.Load()
		if n <= m || w.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	w.runs.Add(1)
	if w.delay > 0 {
		select {
		case <-time.After(w.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return w.err
}

// blockWork runs until released or canceled.
type blockWork struct {
	release chan struct{}
	started chan struct{}
}

func newBlockWork() *blockWork {
	return &blockWork{release: make(chan struct{}), started: make(chan struct{}, 16)}
}

func (w *blockWork) Kind() string { return "block" }

func (w *blockWork) Run(ctx context.Context) error {
	w.started <- struct{}{}
	select {
	case <-w.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// failingStore fails every write.
type failingStore struct{ storage.Store }

var errDiskFull = errors.New("disk full")

func (failingStore) SaveJob(context.Context, storage.JobState) error           { return errDiskFull }
func (failingStore) SaveSchedule(context.Context, storage.ScheduleState) error { return errDiskFull }
func (failingStore) AppendRun(context.Context, storage.RunRecord) error        { return errDiskFull }

func startEngine(t *testing.T) *engine.Service {
	t.Helper()
	eng := engine.New(engine.Config{Workers: 2, QueueSize: 32}, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})
	return eng
}

func testDeps(t *testing.T, clock Clock) (Deps, storage.Store) {
	t.Helper()
	store := storage.NewMemory(storage.Config{RunHistory: 50})
	return Deps{Exec: startEngine(t), Store: store, Log: logx.Nop(), Clock: clock}, store
}

func waitJob(t *testing.T, j *Job) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, j.Wait(ctx))
}

// monday is 2026-03-02, a Monday, 08:00 UTC.
var monday = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
