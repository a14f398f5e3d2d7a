package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/eventbus"
	"jobsched/internal/storage"
	"jobsched/internal/task/engine"
	"jobsched/pkg/logx"
)

func TestJobRunsNeverOverlap(t *testing.T) {
	t.Parallel()
	deps, _ := testDeps(t, SystemClock(time.UTC))
	w := &probeWork{kind: "probe", delay: 15 * time.Millisecond}
	j := NewJob(JobDef{ID: "probe", Work: w}, deps)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(fg bool) {
			defer wg.Done()
			j.ExecuteJob(nil, fg)
		}(i%2 == 0)
	}
	wg.Wait()
	waitJob(t, j)

	assert.EqualValues(t, 8, w.runs.Load())
	assert.EqualValues(t, 1, w.maxSeen.Load())
	assert.False(t, j.Running())
}

func TestJobStatusFollowsOutcome(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want JobStatus
	}{
		{"finished", nil, JobFinished},
		{"failed", engine.NoRetry(errors.New("exit 1")), JobFailed},
		{"canceled", context.Canceled, JobCanceled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			clock := newManualClock(monday)
			deps, store := testDeps(t, clock)
			j := NewJob(JobDef{ID: "j-" + tc.name, Work: &probeWork{kind: "probe", err: tc.err}}, deps)
			require.Equal(t, JobUndefined, j.Status())
			require.Empty(t, j.Result())

			j.ExecuteJob(nil, true)
			waitJob(t, j)

			assert.Equal(t, tc.want, j.Status())
			assert.Equal(t, monday, j.Finish())
			assert.Equal(t, tc.want.String()+" 2026-03-02 08:00:00", j.Result())

			st, ok, err := store.LoadJob(context.Background(), j.ID())
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, tc.want.String(), st.Status)

			runs, err := store.Runs(context.Background(), j.ID(), 10)
			require.NoError(t, err)
			require.Len(t, runs, 1)
			assert.Equal(t, TriggerManual, runs[0].Trigger)
			assert.True(t, runs[0].Foreground)
		})
	}
}

func TestJobListenerSeesTerminalStatus(t *testing.T) {
	t.Parallel()
	deps, _ := testDeps(t, SystemClock(time.UTC))
	j := NewJob(JobDef{ID: "listen", Work: &probeWork{kind: "probe"}}, deps)

	var mu sync.Mutex
	var seen []engine.Status
	j.ExecuteJob(engine.ListenerFunc(func(_ *engine.Task, _, next engine.Status) {
		mu.Lock()
		seen = append(seen, next)
		mu.Unlock()
	}), false)
	waitJob(t, j)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []engine.Status{engine.StatusStarted, engine.StatusFinished}, seen)
}

func TestJobSubmitErrorIsTerminal(t *testing.T) {
	t.Parallel()
	// Never started: both lanes reject the task.
	eng := engine.New(engine.Config{}, logx.Nop(), nil)
	j := NewJob(JobDef{ID: "offline", Work: &probeWork{kind: "probe"}}, Deps{Exec: eng})

	done := make(chan engine.Status, 1)
	j.ExecuteJob(engine.ListenerFunc(func(_ *engine.Task, _, next engine.Status) {
		if next.IsFinal() {
			done <- next
		}
	}), true)
	waitJob(t, j)

	assert.Equal(t, engine.StatusFailed, <-done)
	assert.Equal(t, JobFailed, j.Status())
}

func TestJobPersistFailureIsSwallowed(t *testing.T) {
	t.Parallel()
	deps, mem := testDeps(t, SystemClock(time.UTC))
	deps.Store = failingStore{Store: mem}
	j := NewJob(JobDef{ID: "nodisk", Work: &probeWork{kind: "probe"}}, deps)

	j.ExecuteJob(nil, true)
	waitJob(t, j)

	assert.Equal(t, JobFinished, j.Status())
	assert.False(t, j.Finish().IsZero())
}

func TestJobPublishesLifecycle(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, "job.")
	defer unsub()

	deps, _ := testDeps(t, SystemClock(time.UTC))
	deps.Bus = bus
	j := NewJob(JobDef{ID: "events", Title: "Events", Work: &probeWork{kind: "probe", err: engine.NoRetry(errors.New("boom"))}}, deps)
	j.ExecuteJob(nil, false)
	waitJob(t, j)

	var types []string
	for len(types) < 2 {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
			if ev.Type == eventbus.JobFailed {
				je := ev.Data.(JobEvent)
				assert.Equal(t, "events", je.JobID)
				assert.Equal(t, TriggerQueued, je.Trigger)
				assert.Contains(t, je.Error, "boom")
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("events so far: %v", types)
		}
	}
	assert.Equal(t, []string{eventbus.JobStarted, eventbus.JobFailed}, types)
}

func TestJobCanceledWhileWaitingForPermit(t *testing.T) {
	t.Parallel()
	deps, _ := testDeps(t, SystemClock(time.UTC))
	w := newBlockWork()
	j := NewJob(JobDef{ID: "block", Work: w}, deps)
	ctx, cancel := context.WithCancel(context.Background())
	j.bind(ctx, nil)

	j.ExecuteJob(nil, true)
	<-w.started

	second := make(chan engine.Status, 1)
	j.ExecuteJob(engine.ListenerFunc(func(_ *engine.Task, _, next engine.Status) {
		if next.IsFinal() {
			second <- next
		}
	}), true)

	cancel()
	waitJob(t, j)

	assert.Equal(t, engine.StatusCanceled, <-second)
	assert.Equal(t, JobCanceled, j.Status())
	assert.Len(t, w.started, 0)
}

func TestParseJobStatus(t *testing.T) {
	t.Parallel()
	assert.Equal(t, JobFailed, ParseJobStatus(" FAILED "))
	assert.Equal(t, JobUndefined, ParseJobStatus(""))
	assert.Equal(t, JobUndefined, ParseJobStatus("exploded"))
}

func TestJobRestoreDropsStatusWithoutFinish(t *testing.T) {
	t.Parallel()
	j := NewJob(JobDef{ID: "r"}, Deps{})
	j.restore(storage.JobState{JobID: "r", Status: "finished"})
	assert.Equal(t, JobUndefined, j.Status())
	assert.False(t, j.Valid())
}
