package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"jobsched/pkg/logx"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobsched_job_state (
  job_id TEXT PRIMARY KEY,
  status TEXT NOT NULL DEFAULT '',
  finish TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS jobsched_schedule_state (
  job_id      TEXT PRIMARY KEY,
  schedule_id TEXT NOT NULL DEFAULT '',
  recurrence  TEXT NOT NULL DEFAULT '',
  last_time   TIMESTAMPTZ,
  next_time   TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS jobsched_runs (
  id         TEXT PRIMARY KEY,
  job_id     TEXT NOT NULL,
  trigger    TEXT NOT NULL,
  foreground BOOLEAN NOT NULL DEFAULT FALSE,
  status     TEXT NOT NULL,
  started    TIMESTAMPTZ NOT NULL,
  finished   TIMESTAMPTZ NOT NULL,
  err        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS jobsched_runs_job_started ON jobsched_runs(job_id, started DESC);
`

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
	keep int
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Debug("postgres store opened")
	return &postgresStore{pool: pool, log: log, keep: cfg.runHistory()}, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *postgresStore) LoadJob(ctx context.Context, jobID string) (JobState, bool, error) {
	st := JobState{JobID: jobID}
	var finish *time.Time
	err := s.pool.QueryRow(ctx, `SELECT status, finish FROM jobsched_job_state WHERE job_id = $1`, jobID).
		Scan(&st.Status, &finish)
	if errors.Is(err, pgx.ErrNoRows) {
		return JobState{}, false, nil
	}
	if err != nil {
		return JobState{}, false, err
	}
	st.Finish = derefTime(finish)
	return st, true, nil
}

func (s *postgresStore) SaveJob(ctx context.Context, st JobState) error {
	if err := checkID(st.JobID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobsched_job_state(job_id, status, finish) VALUES($1,$2,$3)
		 ON CONFLICT(job_id) DO UPDATE SET status=EXCLUDED.status, finish=EXCLUDED.finish`,
		st.JobID, st.Status, timePtr(st.Finish))
	return err
}

func (s *postgresStore) LoadSchedule(ctx context.Context, jobID string) (ScheduleState, bool, error) {
	st := ScheduleState{JobID: jobID}
	var last, next *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT schedule_id, recurrence, last_time, next_time FROM jobsched_schedule_state WHERE job_id = $1`, jobID).
		Scan(&st.ScheduleID, &st.Recurrence, &last, &next)
	if errors.Is(err, pgx.ErrNoRows) {
		return ScheduleState{}, false, nil
	}
	if err != nil {
		return ScheduleState{}, false, err
	}
	st.Last, st.Next = derefTime(last), derefTime(next)
	return st, true, nil
}

func (s *postgresStore) SaveSchedule(ctx context.Context, st ScheduleState) error {
	if err := checkID(st.JobID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobsched_schedule_state(job_id, schedule_id, recurrence, last_time, next_time) VALUES($1,$2,$3,$4,$5)
		 ON CONFLICT(job_id) DO UPDATE SET schedule_id=EXCLUDED.schedule_id, recurrence=EXCLUDED.recurrence,
		   last_time=EXCLUDED.last_time, next_time=EXCLUDED.next_time`,
		st.JobID, st.ScheduleID, st.Recurrence, timePtr(st.Last), timePtr(st.Next))
	return err
}

func (s *postgresStore) AppendRun(ctx context.Context, r RunRecord) error {
	if err := checkID(r.JobID); err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO jobsched_runs(id, job_id, trigger, foreground, status, started, finished, err)
			 VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
			r.ID, r.JobID, r.Trigger, r.Foreground, r.Status, r.Started, r.Finished, r.Error); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`DELETE FROM jobsched_runs WHERE job_id = $1 AND id NOT IN (
			   SELECT id FROM jobsched_runs WHERE job_id = $1 ORDER BY started DESC LIMIT $2)`,
			r.JobID, s.keep)
		return err
	})
}

func (s *postgresStore) Runs(ctx context.Context, jobID string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = s.keep
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, trigger, foreground, status, started, finished, err
		 FROM jobsched_runs WHERE job_id = $1 ORDER BY started DESC LIMIT $2`, jobID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (RunRecord, error) {
		var r RunRecord
		err := row.Scan(&r.ID, &r.JobID, &r.Trigger, &r.Foreground, &r.Status, &r.Started, &r.Finished, &r.Error)
		return r, err
	})
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
