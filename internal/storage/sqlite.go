package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"jobsched/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

type sqliteStore struct {
	db   *sql.DB
	log  logx.Logger
	keep int
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log, keep: cfg.runHistory()}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) LoadJob(ctx context.Context, jobID string) (JobState, bool, error) {
	st := JobState{JobID: jobID}
	var finish sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT status, finish FROM job_state WHERE job_id = ?`, jobID).
		Scan(&st.Status, &finish)
	if errors.Is(err, sql.ErrNoRows) {
		return JobState{}, false, nil
	}
	if err != nil {
		return JobState{}, false, err
	}
	st.Finish = parseTS(finish)
	return st, true, nil
}

func (s *sqliteStore) SaveJob(ctx context.Context, st JobState) error {
	if err := checkID(st.JobID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_state(job_id, status, finish) VALUES(?,?,?)
		 ON CONFLICT(job_id) DO UPDATE SET status=excluded.status, finish=excluded.finish`,
		st.JobID, st.Status, formatTS(st.Finish))
	return err
}

func (s *sqliteStore) LoadSchedule(ctx context.Context, jobID string) (ScheduleState, bool, error) {
	st := ScheduleState{JobID: jobID}
	var last, next sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT schedule_id, recurrence, last_time, next_time FROM schedule_state WHERE job_id = ?`, jobID).
		Scan(&st.ScheduleID, &st.Recurrence, &last, &next)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduleState{}, false, nil
	}
	if err != nil {
		return ScheduleState{}, false, err
	}
	st.Last, st.Next = parseTS(last), parseTS(next)
	return st, true, nil
}

func (s *sqliteStore) SaveSchedule(ctx context.Context, st ScheduleState) error {
	if err := checkID(st.JobID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_state(job_id, schedule_id, recurrence, last_time, next_time) VALUES(?,?,?,?,?)
		 ON CONFLICT(job_id) DO UPDATE SET schedule_id=excluded.schedule_id, recurrence=excluded.recurrence,
		   last_time=excluded.last_time, next_time=excluded.next_time`,
		st.JobID, st.ScheduleID, st.Recurrence, formatTS(st.Last), formatTS(st.Next))
	return err
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if err := checkID(r.JobID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO job_runs(id, job_id, trigger, foreground, status, started, finished, err)
		 VALUES(?,?,?,?,?,?,?,?)`,
		r.ID, r.JobID, r.Trigger, r.Foreground, r.Status,
		r.Started.UTC().Format(tsLayout), r.Finished.UTC().Format(tsLayout), nullStr(r.Error)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM job_runs WHERE job_id = ? AND id NOT IN (
		   SELECT id FROM job_runs WHERE job_id = ? ORDER BY started DESC LIMIT ?)`,
		r.JobID, r.JobID, s.keep); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Runs(ctx context.Context, jobID string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = s.keep
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, trigger, foreground, status, started, finished, err
		 FROM job_runs WHERE job_id = ? ORDER BY started DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r                 RunRecord
			started, finished string
			errText           sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.JobID, &r.Trigger, &r.Foreground, &r.Status, &started, &finished, &errText); err != nil {
			return nil, err
		}
		r.Started = parseTS(sql.NullString{String: started, Valid: true})
		r.Finished = parseTS(sql.NullString{String: finished, Valid: true})
		r.Error = errText.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// tsLayout has fixed width so text columns sort chronologically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTS(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(tsLayout)
}

func parseTS(v sql.NullString) time.Time {
	if !v.Valid || v.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(tsLayout, v.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
