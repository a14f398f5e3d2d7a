package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/storage"
	"jobsched/internal/task/recurrence"
)

func daily(h, m int) recurrence.Daily {
	return recurrence.Daily{At: recurrence.At(h, m, 0)}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond, msg)
}

func TestScheduleArmsForNextTime(t *testing.T) {
	t.Parallel()
	clock := newManualClock(monday)
	deps, store := testDeps(t, clock)
	j := NewJob(JobDef{ID: "arm", Work: &probeWork{kind: "probe"}}, deps)
	s := NewSchedule(j, ScheduleDef{Params: daily(9, 0)})
	require.Same(t, s, j.Trigger())
	require.Equal(t, StateIdle, s.State())

	s.Activate()

	assert.Equal(t, StateArmed, s.State())
	assert.Equal(t, monday.Add(time.Hour), s.Next())
	assert.Equal(t, 1, clock.Live())
	assert.Equal(t, "next 2026-03-02 09:00:00", s.ExtInfo())

	st, ok, err := store.LoadSchedule(context.Background(), "arm")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "daily at 09:00", st.Recurrence)
	assert.Equal(t, DefaultScheduleID("arm"), st.ScheduleID)
}

func TestScheduleRecordsDueTimeAsLast(t *testing.T) {
	t.Parallel()
	clock := newManualClock(monday)
	deps, store := testDeps(t, clock)
	w := &probeWork{kind: "probe"}
	j := NewJob(JobDef{ID: "due", Work: w}, deps)
	s := NewSchedule(j, ScheduleDef{Params: daily(9, 0)})
	s.Activate()

	// The alarm is late: it runs half an hour after it was due.
	clock.Advance(90 * time.Minute)
	due := monday.Add(time.Hour)

	eventually(t, func() bool { return s.Last().Equal(due) }, "last never moved to the due time")
	waitJob(t, j)
	assert.EqualValues(t, 1, w.runs.Load())
	assert.Equal(t, JobFinished, j.Status())
	assert.Equal(t, due.AddDate(0, 0, 1), s.Next())
	assert.Equal(t, StateArmed, s.State())
	assert.Equal(t, 1, clock.Live())

	st, _, err := store.LoadSchedule(context.Background(), "due")
	require.NoError(t, err)
	assert.True(t, st.Last.Equal(due))
	assert.True(t, st.Next.Equal(due.AddDate(0, 0, 1)))

	runs, err := store.Runs(context.Background(), "due", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, TriggerSchedule, runs[0].Trigger)
	assert.False(t, runs[0].Foreground)
}

func TestScheduleReschedulesAfterFailure(t *testing.T) {
	t.Parallel()
	clock := newManualClock(monday)
	deps, _ := testDeps(t, clock)
	j := NewJob(JobDef{ID: "fail", Work: &probeWork{kind: "probe", err: context.DeadlineExceeded}}, deps)
	s := NewSchedule(j, ScheduleDef{Params: recurrence.Timer{Amount: 15, Unit: recurrence.UnitMinute}})
	s.Activate()
	require.Equal(t, monday.Add(15*time.Minute), s.Next())

	clock.Advance(15 * time.Minute)
	eventually(t, func() bool { return s.Next().Equal(monday.Add(30 * time.Minute)) }, "not rescheduled")
	waitJob(t, j)
	assert.Equal(t, JobFailed, j.Status())
	assert.Equal(t, monday.Add(15*time.Minute), s.Last())
}

func TestScheduleCatchUpOnLoad(t *testing.T) {
	t.Parallel()
	clock := newManualClock(monday)
	deps, _ := testDeps(t, clock)
	w := &probeWork{kind: "probe"}
	j := NewJob(JobDef{ID: "late", Work: w}, deps)
	overdue := monday.Add(-time.Hour)
	s := LoadSchedule(j, ScheduleDef{Params: daily(7, 0)}, storage.ScheduleState{
		JobID:      "late",
		Recurrence: "daily at 07:00",
		Last:       overdue.AddDate(0, 0, -1),
		Next:       overdue,
	})

	s.Activate()

	// No Advance: the overdue run starts on its own.
	eventually(t, func() bool { return w.runs.Load() == 1 }, "catch-up run did not start")
	eventually(t, func() bool { return s.Last().Equal(overdue) }, "last not moved to the overdue time")
	assert.Equal(t, monday.Add(23*time.Hour), s.Next())
	assert.Equal(t, StateArmed, s.State())
}

func TestScheduleLoadRecomputesWhenParamsChanged(t *testing.T) {
	t.Parallel()
	clock := newManualClock(monday)
	deps, _ := testDeps(t, clock)
	w := &probeWork{kind: "probe"}
	j := NewJob(JobDef{ID: "changed", Work: w}, deps)
	s := LoadSchedule(j, ScheduleDef{Params: daily(12, 0)}, storage.ScheduleState{
		Recurrence: "daily at 07:00",
		Next:       monday.Add(-time.Hour),
	})

	s.Activate()

	assert.Equal(t, monday.Add(4*time.Hour), s.Next())
	assert.Equal(t, StateArmed, s.State())
	assert.EqualValues(t, 0, w.runs.Load())
}

func TestScheduleSetParamsReplacesAlarm(t *testing.T) {
	t.Parallel()
	clock := newManualClock(monday)
	deps, _ := testDeps(t, clock)
	w := &probeWork{kind: "probe"}
	j := NewJob(JobDef{ID: "params", Work: w}, deps)
	s := NewSchedule(j, ScheduleDef{Params: daily(9, 0)})
	s.Activate()
	first := clock.All()[0]

	s.SetParams(daily(10, 30))
	assert.Equal(t, monday.Add(150*time.Minute), s.Next())
	assert.Equal(t, 1, clock.Live())

	// A callback from the replaced alarm that was already in flight is ignored.
	first.f()
	assert.EqualValues(t, 0, w.runs.Load())
	assert.Equal(t, StateArmed, s.State())

	s.SetParams(recurrence.Weekly{At: recurrence.At(9, 0, 0)})
	assert.True(t, s.Next().IsZero())
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, 0, clock.Live())
	assert.Equal(t, "not scheduled", s.ExtInfo())
}

func TestScheduleWeeklyPicksSelectedDay(t *testing.T) {
	t.Parallel()
	wednesday := monday.AddDate(0, 0, 2)
	clock := newManualClock(wednesday)
	deps, _ := testDeps(t, clock)
	j := NewJob(JobDef{ID: "weekly", Work: &probeWork{kind: "probe"}}, deps)
	s := NewSchedule(j, ScheduleDef{Params: recurrence.Weekly{
		At:   recurrence.At(9, 0, 0),
		Days: recurrence.NewWeekdays(time.Monday, time.Friday),
	}})
	s.Activate()

	friday := time.Date(2026, 3, 6, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, friday, s.Next())
}

func TestScheduleDisabledJobStaysIdle(t *testing.T) {
	t.Parallel()
	clock := newManualClock(monday)
	deps, _ := testDeps(t, clock)
	w := &probeWork{kind: "probe"}
	j := NewJob(JobDef{ID: "off", Disabled: true, Work: w}, deps)
	s := NewSchedule(j, ScheduleDef{Params: daily(9, 0)})
	s.Activate()

	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, monday.Add(time.Hour), s.Next())
	assert.Equal(t, "disabled", s.ExtInfo())

	j.SetDisabled(false)
	assert.Equal(t, StateArmed, s.State())
	assert.Equal(t, 1, clock.Live())
}

func TestScheduleStopDisarms(t *testing.T) {
	t.Parallel()
	clock := newManualClock(monday)
	deps, _ := testDeps(t, clock)
	w := &probeWork{kind: "probe"}
	j := NewJob(JobDef{ID: "stop", Work: w}, deps)
	s := NewSchedule(j, ScheduleDef{Params: daily(9, 0)})
	s.Activate()

	s.Stop()
	assert.Equal(t, 0, clock.Live())
	clock.Advance(2 * time.Hour)
	s.SetParams(daily(11, 0))
	s.Activate()

	assert.EqualValues(t, 0, w.runs.Load())
	assert.Equal(t, StateIdle, s.State())
}

func TestScheduleTitle(t *testing.T) {
	t.Parallel()
	j := NewJob(JobDef{ID: "title"}, Deps{})
	s := NewSchedule(j, ScheduleDef{Params: daily(6, 15)})
	assert.Equal(t, "daily at 06:15", s.Title())
	s.setTitle("morning report")
	assert.Equal(t, "morning report", s.Title())
}
