package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	rtsup "jobsched/internal/runtime/supervisor"
	"jobsched/internal/storage"
	"jobsched/pkg/logx"
)

// DefaultScheduleID derives a stable schedule id from the job id.
func DefaultScheduleID(jobID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("jobsched/schedule/"+jobID)).String()
}

// Service is the registry of jobs and their schedules.
//
// Apply may run at any time; Start arms the schedules and Stop tears them
// down. A stopped Service does not start again.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	deps Deps
	log  logx.Logger

	jobs map[string]*Job

	sup     *rtsup.Supervisor
	started bool
	stopped bool
}

// New builds the service. A nil deps.Clock is replaced by the wall clock in
// cfg's timezone.
func New(cfg Config, deps Deps) *Service {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Clock == nil {
		loc, err := cfg.Location()
		if err != nil {
			deps.Log.Warn("invalid scheduler timezone; using local", logx.Err(err))
		}
		deps.Clock = SystemClock(loc)
	}
	return &Service{
		cfg:  cfg,
		deps: deps.withDefaults(),
		log:  deps.Log,
		jobs: map[string]*Job{},
	}
}

// Enabled reports whether schedules are armed on Start.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply reconciles the registry with defs. New jobs are restored from the
// store, existing ones are updated in place, and jobs missing from defs are
// detached: their schedule stops and a run in flight finishes normally.
func (s *Service) Apply(ctx context.Context, defs []JobDef) error {
	if err := checkDefs(defs); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("scheduler stopped")
	}

	seen := make(map[string]bool, len(defs))
	var added, updated, removed int
	for _, def := range defs {
		def.ID = strings.TrimSpace(def.ID)
		seen[def.ID] = true
		if j, ok := s.jobs[def.ID]; ok {
			j.update(def)
			s.applyScheduleLocked(ctx, j, def.Schedule, false)
			updated++
			continue
		}
		j := NewJob(def, s.deps)
		s.restoreJob(ctx, j)
		if s.started {
			j.bind(s.sup.Context(), s.sup)
		}
		s.jobs[def.ID] = j
		s.applyScheduleLocked(ctx, j, def.Schedule, true)
		added++
	}
	for id, j := range s.jobs {
		if seen[id] {
			continue
		}
		if tr := j.setTrigger(nil); tr != nil {
			tr.Stop()
		}
		delete(s.jobs, id)
		removed++
	}

	s.log.Info("jobs applied",
		logx.Int("total", len(s.jobs)),
		logx.Int("added", added),
		logx.Int("updated", updated),
		logx.Int("removed", removed),
	)
	return nil
}

func checkDefs(defs []JobDef) error {
	ids := make(map[string]bool, len(defs))
	var errs []error
	for i, d := range defs {
		id := strings.TrimSpace(d.ID)
		switch {
		case id == "":
			errs = append(errs, fmt.Errorf("jobs[%d]: id required", i))
		case ids[id]:
			errs = append(errs, fmt.Errorf("jobs[%d]: duplicate id %q", i, id))
		}
		ids[id] = true
	}
	return errors.Join(errs...)
}

func (s *Service) restoreJob(ctx context.Context, j *Job) {
	st, ok, err := s.deps.Store.LoadJob(ctx, j.ID())
	switch {
	case err != nil:
		s.log.Warn("load job state failed", logx.String("job", j.ID()), logx.Err(err))
	case ok:
		j.restore(st)
	}
}

// applyScheduleLocked attaches, updates or removes the schedule of j.
func (s *Service) applyScheduleLocked(ctx context.Context, j *Job, def *ScheduleDef, fresh bool) {
	cur, _ := j.Trigger().(*Schedule)
	if def == nil {
		if tr := j.setTrigger(nil); tr != nil {
			tr.Stop()
		}
		return
	}
	id := strings.TrimSpace(def.ID)
	if id == "" {
		id = DefaultScheduleID(j.ID())
	}
	if !fresh && cur != nil && cur.ID() == id {
		cur.setTitle(def.Title)
		cur.SetParams(def.Params)
		return
	}
	if cur != nil {
		cur.Stop()
	}

	var sc *Schedule
	st, ok, err := s.deps.Store.LoadSchedule(ctx, j.ID())
	switch {
	case err != nil:
		s.log.Warn("load schedule state failed", logx.String("job", j.ID()), logx.Err(err))
		sc = NewSchedule(j, ScheduleDef{ID: id, Title: def.Title, Params: def.Params})
	case ok && (st.ScheduleID == "" || st.ScheduleID == id):
		sc = LoadSchedule(j, ScheduleDef{ID: id, Title: def.Title, Params: def.Params}, st)
	default:
		sc = NewSchedule(j, ScheduleDef{ID: id, Title: def.Title, Params: def.Params})
	}
	if s.started && s.cfg.Enabled {
		sc.Activate()
	}
}

// Start binds job workers to ctx and, when enabled, activates every
// schedule. Overdue schedules fire right away.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))

	armed := 0
	for _, j := range s.sortedLocked() {
		j.bind(s.sup.Context(), s.sup)
		if !s.cfg.Enabled {
			continue
		}
		if sc, ok := j.Trigger().(*Schedule); ok {
			sc.Activate()
			armed++
		}
	}
	loc := s.deps.Clock.Now().Location()
	s.log.Info("scheduler started",
		logx.Bool("enabled", s.cfg.Enabled),
		logx.String("tz", loc.String()),
		logx.Int("jobs", len(s.jobs)),
		logx.Int("schedules", armed),
	)
}

// Stop stops every schedule, cancels runs still waiting for a permit or an
// outcome, and waits for job workers until ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	sup := s.sup
	jobs := s.sortedLocked()
	s.mu.Unlock()

	for _, j := range jobs {
		if tr := j.Trigger(); tr != nil {
			tr.Stop()
		}
	}
	if sup == nil {
		return nil
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("scheduler stop incomplete", logx.Err(err), logx.Duration("took", time.Since(start)))
		return err
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	return nil
}

// Job returns the job with id or nil.
func (s *Service) Job(id string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[strings.TrimSpace(id)]
}

// Jobs returns all jobs ordered by id.
func (s *Service) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

func (s *Service) sortedLocked() []*Job {
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID() < out[b].ID() })
	return out
}

// Run executes the ExecuteJob command on the jobs named by ids.
func (s *Service) Run(ids ...string) error {
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		j := s.Job(id)
		if j == nil {
			return fmt.Errorf("%w: %s", ErrUnknownJob, id)
		}
		jobs = append(jobs, j)
	}
	return ExecuteJob{}.Execute(jobs...)
}

// JobSnapshot is the read-only view of a job.
type JobSnapshot struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Owner    string            `json:"owner,omitempty"`
	Kind     string            `json:"kind"`
	Disabled bool              `json:"disabled"`
	Running  bool              `json:"running"`
	Status   JobStatus         `json:"status"`
	Finish   time.Time         `json:"finish,omitempty"`
	Result   string            `json:"result,omitempty"`
	Schedule *ScheduleSnapshot `json:"schedule,omitempty"`
}

type ScheduleSnapshot struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Recurrence string    `json:"recurrence"`
	State      string    `json:"state"`
	Info       string    `json:"info"`
	Last       time.Time `json:"last,omitempty"`
	Next       time.Time `json:"next,omitempty"`
}

type Snapshot struct {
	Enabled  bool          `json:"enabled"`
	Running  bool          `json:"running"`
	Timezone string        `json:"timezone"`
	Jobs     []JobSnapshot `json:"jobs"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled:  s.cfg.Enabled,
		Running:  s.started && !s.stopped,
		Timezone: s.deps.Clock.Now().Location().String(),
	}
	jobs := s.sortedLocked()
	s.mu.Unlock()

	snap.Jobs = make([]JobSnapshot, 0, len(jobs))
	for _, j := range jobs {
		snap.Jobs = append(snap.Jobs, snapshotJob(j))
	}
	return snap
}

func snapshotJob(j *Job) JobSnapshot {
	js := JobSnapshot{
		ID:       j.ID(),
		Title:    j.Title(),
		Owner:    j.Owner(),
		Kind:     j.Kind(),
		Disabled: j.Disabled(),
		Running:  j.Running(),
		Status:   j.Status(),
		Finish:   j.Finish(),
		Result:   j.Result(),
	}
	if sc, ok := j.Trigger().(*Schedule); ok {
		js.Schedule = &ScheduleSnapshot{
			ID:         sc.ID(),
			Title:      sc.Title(),
			Recurrence: titleOf(sc.Params()),
			State:      sc.State().String(),
			Info:       sc.ExtInfo(),
			Last:       sc.Last(),
			Next:       sc.Next(),
		}
	}
	return js
}

// Runs returns the newest run records of a job when the store keeps them.
func (s *Service) Runs(ctx context.Context, jobID string, limit int) ([]storage.RunRecord, error) {
	r, ok := s.deps.Store.(interface {
		Runs(ctx context.Context, jobID string, limit int) ([]storage.RunRecord, error)
	})
	if !ok {
		return nil, nil
	}
	return r.Runs(ctx, jobID, limit)
}
