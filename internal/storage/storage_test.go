package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/pkg/logx"
)

func openTest(t *testing.T, cfg Config) Store {
	t.Helper()
	st, err := Open(context.Background(), cfg, logx.Nop())
	require.NoError(t, err)
	return st
}

func drivers(t *testing.T) map[string]func(dir string) Config {
	t.Helper()
	return map[string]func(string) Config{
		"memory": func(string) Config { return Config{Driver: "memory", RunHistory: 3} },
		"file": func(dir string) Config {
			return Config{Driver: "file", Path: filepath.Join(dir, "state.json"), RunHistory: 3}
		},
		"sqlite": func(dir string) Config {
			return Config{Driver: "sqlite", Path: filepath.Join(dir, "state.db"), RunHistory: 3}
		},
		"badger": func(dir string) Config {
			return Config{Driver: "badger", Path: filepath.Join(dir, "badger"), RunHistory: 3}
		},
	}
}

func TestStoreContract(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	finish := time.Date(2024, 5, 15, 9, 0, 1, 500, time.UTC)

	for name, mk := range drivers(t) {
		mk := mk
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			st := openTest(t, mk(t.TempDir()))
			defer st.Close()

			_, ok, err := st.LoadJob(ctx, "backup")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, st.SaveJob(ctx, JobState{JobID: "backup", Status: "finished", Finish: finish}))
			require.NoError(t, st.SaveJob(ctx, JobState{JobID: "backup", Status: "failed", Finish: finish.Add(time.Hour)}))
			job, ok, err := st.LoadJob(ctx, "backup")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "failed", job.Status)
			assert.True(t, job.Finish.Equal(finish.Add(time.Hour)))

			require.NoError(t, st.SaveSchedule(ctx, ScheduleState{JobID: "backup", ScheduleID: "s1", Next: finish}))
			sched, ok, err := st.LoadSchedule(ctx, "backup")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "s1", sched.ScheduleID)
			assert.True(t, sched.Last.IsZero())
			assert.True(t, sched.Next.Equal(finish))

			for i := 0; i < 5; i++ {
				started := finish.Add(time.Duration(i) * time.Minute)
				require.NoError(t, st.AppendRun(ctx, RunRecord{
					ID: fmt.Sprintf("run-%d", i), JobID: "backup", Trigger: "schedule", Status: "finished",
					Started: started, Finished: started.Add(time.Second),
				}))
			}
			runs, err := st.Runs(ctx, "backup", 0)
			require.NoError(t, err)
			require.Len(t, runs, 3)
			assert.Equal(t, "run-4", runs[0].ID)
			assert.Equal(t, "run-2", runs[2].ID)
			assert.Equal(t, time.Second, runs[0].Duration())

			runs, err = st.Runs(ctx, "backup", 1)
			require.NoError(t, err)
			require.Len(t, runs, 1)

			assert.ErrorIs(t, st.SaveJob(ctx, JobState{}), ErrInvalid)
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}
	next := time.Date(2024, 5, 16, 9, 0, 0, 0, time.UTC)

	st := openTest(t, cfg)
	require.NoError(t, st.SaveSchedule(ctx, ScheduleState{JobID: "a", Next: next}))
	require.NoError(t, st.SaveJob(ctx, JobState{JobID: "a", Status: "canceled", Finish: next}))
	require.NoError(t, st.AppendRun(ctx, RunRecord{ID: "r1", JobID: "a", Status: "canceled", Started: next, Finished: next}))
	require.NoError(t, st.Close())

	st = openTest(t, cfg)
	defer st.Close()
	sched, ok, err := st.LoadSchedule(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, sched.Next.Equal(next))

	job, ok, err := st.LoadJob(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "canceled", job.Status)

	runs, err := st.Runs(ctx, "a", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func TestClosedMemoryStore(t *testing.T) {
	t.Parallel()
	st := NewMemory(Config{})
	require.NoError(t, st.Close())
	assert.ErrorIs(t, st.SaveJob(context.Background(), JobState{JobID: "x"}), ErrClosed)
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), Config{Driver: "etcd"}, logx.Nop())
	assert.EqualError(t, err, "unknown storage driver: etcd")

	_, err = Open(context.Background(), Config{Driver: "postgres"}, logx.Nop())
	assert.Error(t, err)
}
