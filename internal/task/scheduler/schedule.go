package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"jobsched/internal/eventbus"
	"jobsched/internal/storage"
	"jobsched/internal/task/engine"
	"jobsched/internal/task/recurrence"
	"jobsched/pkg/logx"
)

// State is the position of a Schedule in its arm/fire cycle.
type State int

const (
	// StateIdle has no alarm: next is unknown, the job is disabled or the
	// schedule was stopped.
	StateIdle State = iota
	// StateArmed waits on an alarm for next.
	StateArmed
	// StateFiring has a fired run that did not reach a terminal status yet.
	StateFiring
)

func (s State) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StateFiring:
		return "firing"
	default:
		return "idle"
	}
}

// Schedule is the trigger that runs a Job on recurrence parameters.
//
// It owns at most one alarm. Every replacement goes through rearmLocked,
// which stops the previous alarm and bumps gen so a callback that was
// already on its way is ignored.
type Schedule struct {
	id   string
	job  *Job
	deps Deps
	log  logx.Logger

	mu       sync.Mutex
	title    string
	params   recurrence.Params
	last     time.Time
	next     time.Time
	alarm    Alarm
	gen      uint64
	inflight int
	active   bool
	stopped  bool
}

// NewSchedule creates an idle schedule for job and attaches it as the job's
// trigger. Call Activate to arm it.
func NewSchedule(job *Job, def ScheduleDef) *Schedule {
	s := &Schedule{
		id:     strings.TrimSpace(def.ID),
		title:  strings.TrimSpace(def.Title),
		job:    job,
		deps:   job.deps,
		params: def.Params,
	}
	if s.id == "" {
		s.id = DefaultScheduleID(job.ID())
	}
	s.log = job.log.With(logx.String("schedule", s.id))
	job.setTrigger(s)
	return s
}

// LoadSchedule is NewSchedule resumed from persisted state. A stored next
// computed from different parameters is dropped and recomputed on Activate.
func LoadSchedule(job *Job, def ScheduleDef, st storage.ScheduleState) *Schedule {
	s := NewSchedule(job, def)
	s.last = st.Last
	s.next = st.Next
	if st.Recurrence != "" && st.Recurrence != titleOf(def.Params) {
		s.log.Info("schedule parameters changed since last save; recomputing",
			logx.String("stored", st.Recurrence), logx.String("current", titleOf(def.Params)))
		s.next = time.Time{}
	}
	return s
}

// Activate starts the schedule. A next that is already due fires right away
// (catch-up); a future one is armed; an unknown one is computed first.
func (s *Schedule) Activate() {
	s.mu.Lock()
	if s.stopped || s.active {
		s.mu.Unlock()
		return
	}
	s.active = true
	now := s.deps.Clock.Now()
	computed := false
	if s.next.IsZero() {
		s.next = s.calcLocked(now)
		computed = true
	}
	due := s.next
	catchUp := !due.IsZero() && !due.After(now) && !s.job.Disabled()
	if catchUp {
		s.gen++
		s.stopAlarmLocked()
		s.inflight++
	} else {
		s.rearmLocked()
	}
	st := s.stateLocked()
	s.mu.Unlock()

	if computed {
		s.persist(st)
	}
	if catchUp {
		s.log.Info("schedule overdue on load; firing now", logx.Time("due", due))
		s.fire(due)
		return
	}
	s.announce(st)
}

// SetParams replaces the recurrence parameters, recomputes next from the
// last run and rearms (or goes idle when p is incomplete).
func (s *Schedule) SetParams(p recurrence.Params) {
	s.mu.Lock()
	if s.stopped || s.params == p {
		s.mu.Unlock()
		return
	}
	s.params = p
	s.next = s.calcLocked(s.deps.Clock.Now())
	s.rearmLocked()
	st := s.stateLocked()
	s.mu.Unlock()

	s.log.Info("schedule parameters changed", logx.String("recurrence", titleOf(p)), logx.Time("next", st.Next))
	s.persist(st)
	s.announce(st)
}

// Refresh rearms after the job was enabled or disabled.
func (s *Schedule) Refresh() {
	s.mu.Lock()
	if s.stopped || !s.active {
		s.mu.Unlock()
		return
	}
	s.rearmLocked()
	st := s.stateLocked()
	s.mu.Unlock()
	s.announce(st)
}

// Stop cancels the alarm. Runs already fired complete and record their
// outcome, but nothing is armed again.
func (s *Schedule) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.gen++
	s.stopAlarmLocked()
}

func (s *Schedule) ID() string { return s.id }

func (s *Schedule) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.title != "" {
		return s.title
	}
	return titleOf(s.params)
}

func (s *Schedule) setTitle(title string) {
	s.mu.Lock()
	s.title = strings.TrimSpace(title)
	s.mu.Unlock()
}

// ExtInfo describes what happens next, e.g. "next 2026-01-02 09:00:00".
func (s *Schedule) ExtInfo() string {
	s.mu.Lock()
	next, state := s.next, s.stateOfLocked()
	s.mu.Unlock()
	switch {
	case state == StateFiring:
		return "running"
	case s.job.Disabled():
		return "disabled"
	case next.IsZero():
		return "not scheduled"
	default:
		return "next " + next.Format(resultLayout)
	}
}

func (s *Schedule) Params() recurrence.Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// Last is the due time of the last completed run, zero if none.
func (s *Schedule) Last() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Next is the next due time, zero if none.
func (s *Schedule) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func (s *Schedule) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateOfLocked()
}

func (s *Schedule) stateOfLocked() State {
	switch {
	case s.inflight > 0:
		return StateFiring
	case s.alarm != nil:
		return StateArmed
	default:
		return StateIdle
	}
}

func (s *Schedule) calcLocked(now time.Time) time.Time {
	if s.params == nil {
		return time.Time{}
	}
	next, ok := recurrence.CalcTime(now, s.last, s.params)
	if !ok {
		s.log.Debug("schedule incomplete; staying idle", logx.String("recurrence", s.params.Title()))
		return time.Time{}
	}
	return next
}

// rearmLocked is the only place an alarm is created.
func (s *Schedule) rearmLocked() {
	s.gen++
	s.stopAlarmLocked()
	if s.stopped || !s.active || s.next.IsZero() || s.job.Disabled() {
		return
	}
	gen := s.gen
	d := s.next.Sub(s.deps.Clock.Now())
	if d < 0 {
		d = 0
	}
	s.alarm = s.deps.Clock.AfterFunc(d, func() { s.onAlarm(gen) })
}

func (s *Schedule) stopAlarmLocked() {
	if s.alarm != nil {
		s.alarm.Stop()
		s.alarm = nil
	}
}

func (s *Schedule) onAlarm(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.stopped {
		s.mu.Unlock()
		return
	}
	s.alarm = nil
	s.inflight++
	due := s.next
	s.mu.Unlock()

	s.fire(due)
}

func (s *Schedule) fire(due time.Time) {
	s.log.Debug("schedule fired", logx.Time("due", due))
	s.publish(eventbus.ScheduleFired, s.eventOf(storage.ScheduleState{Last: s.Last(), Next: due}))
	s.job.execute(&fireListener{s: s, due: due}, false, TriggerSchedule)
}

// completed moves the schedule past due once the fired run is terminal. A run
// canceled because the schedule was stopped leaves the position alone, so the
// next start catches it up.
func (s *Schedule) completed(due time.Time, status engine.Status) {
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	if s.stopped && status == engine.StatusCanceled {
		s.mu.Unlock()
		return
	}
	s.last = due
	s.next = s.calcLocked(s.deps.Clock.Now())
	s.rearmLocked()
	st := s.stateLocked()
	s.mu.Unlock()

	s.log.Debug("schedule planned", logx.Time("last", st.Last), logx.Time("next", st.Next))
	s.persist(st)
	s.announce(st)
}

func (s *Schedule) stateLocked() storage.ScheduleState {
	return storage.ScheduleState{
		JobID:      s.job.ID(),
		ScheduleID: s.id,
		Recurrence: titleOf(s.params),
		Last:       s.last,
		Next:       s.next,
	}
}

func (s *Schedule) persist(st storage.ScheduleState) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.deps.Store.SaveSchedule(ctx, st); err != nil {
		s.log.Warn("persist schedule failed", logx.Err(err))
	}
}

func (s *Schedule) announce(st storage.ScheduleState) {
	typ := eventbus.ScheduleIdle
	if s.State() == StateArmed {
		typ = eventbus.ScheduleArmed
	}
	s.publish(typ, s.eventOf(st))
}

func (s *Schedule) eventOf(st storage.ScheduleState) ScheduleEvent {
	return ScheduleEvent{JobID: s.job.ID(), ScheduleID: s.id, Title: s.Title(), Last: st.Last, Next: st.Next}
}

func (s *Schedule) publish(typ string, ev ScheduleEvent) {
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(eventbus.Event{Type: typ, Time: s.deps.Clock.Now(), Data: ev})
	}
}

// fireListener carries the due time of one fire to its completion.
type fireListener struct {
	s   *Schedule
	due time.Time
}

func (l *fireListener) StatusChanged(_ *engine.Task, _, next engine.Status) {
	if next.IsFinal() {
		l.s.completed(l.due, next)
	}
}

func titleOf(p recurrence.Params) string {
	if p == nil {
		return ""
	}
	return p.Title()
}
