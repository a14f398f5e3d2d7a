package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"jobsched/pkg/logx"
)

const compactEvery = 500

// fileStore keeps everything in memory and makes it durable with plain files:
//   - <prefix>.state.snapshot.json (periodic snapshot of job + schedule state)
//   - <prefix>.state.journal.jsonl (append-only journal since the snapshot)
//   - <prefix>.runs.jsonl          (append-only run history)
//
// The journal is compacted into the snapshot every compactEvery writes and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	runsPath     string
	journal      *os.File
	runsFile     *os.File

	state  fileSnapshot
	runs   map[string][]RunRecord
	keep   int
	writes int
}

type fileSnapshot struct {
	Jobs      map[string]JobState      `json:"jobs"`
	Schedules map[string]ScheduleState `json:"schedules"`
}

type journalRecord struct {
	Job      *JobState      `json:"job,omitempty"`
	Schedule *ScheduleState `json:"schedule,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".state.snapshot.json",
		runsPath:     prefix + ".runs.jsonl",
		state:        fileSnapshot{Jobs: map[string]JobState{}, Schedules: map[string]ScheduleState{}},
		runs:         map[string][]RunRecord{},
		keep:         cfg.runHistory(),
	}
	journalPath := prefix + ".state.journal.jsonl"

	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("state snapshot unreadable, starting from journal", logx.Err(err))
	}
	if err := replayJSONL(journalPath, s.applyJournal); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("state journal replay failed", logx.Err(err))
	}
	if err := replayJSONL(s.runsPath, s.applyRun); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("run history replay failed", logx.Err(err))
	}

	var err error
	if s.journal, err = os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600); err != nil {
		return nil, err
	}
	if s.runsFile, err = os.OpenFile(s.runsPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600); err != nil {
		_ = s.journal.Close()
		return nil, err
	}
	return s, nil
}

func (s *fileStore) LoadJob(_ context.Context, jobID string) (JobState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return JobState{}, false, ErrClosed
	}
	st, ok := s.state.Jobs[jobID]
	return st, ok, nil
}

func (s *fileStore) SaveJob(_ context.Context, st JobState) error {
	if err := checkID(st.JobID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	s.state.Jobs[st.JobID] = st
	return s.appendJournalLocked(journalRecord{Job: &st})
}

func (s *fileStore) LoadSchedule(_ context.Context, jobID string) (ScheduleState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ScheduleState{}, false, ErrClosed
	}
	st, ok := s.state.Schedules[jobID]
	return st, ok, nil
}

func (s *fileStore) SaveSchedule(_ context.Context, st ScheduleState) error {
	if err := checkID(st.JobID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	s.state.Schedules[st.JobID] = st
	return s.appendJournalLocked(journalRecord{Schedule: &st})
}

func (s *fileStore) AppendRun(_ context.Context, r RunRecord) error {
	if err := checkID(r.JobID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrClosed
	}
	s.runs[r.JobID] = appendBounded(s.runs[r.JobID], r, s.keep)
	return json.NewEncoder(s.runsFile).Encode(r)
}

func (s *fileStore) Runs(_ context.Context, jobID string, limit int) ([]RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return nil, ErrClosed
	}
	return newestFirst(s.runs[jobID], limit), nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	if cerr := s.runsFile.Close(); err == nil {
		err = cerr
	}
	s.journal, s.runsFile = nil, nil
	return err
}

func (s *fileStore) appendJournalLocked(rec journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("state compact failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked writes a fresh snapshot, truncates the journal and rewrites
// the run history with only the retained records.
func (s *fileStore) compactLocked() error {
	if err := writeFileAtomic(s.snapshotPath, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(s.state)
	}); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	if _, err := s.journal.Seek(0, io.SeekEnd); err != nil {
		return err
	}

	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if err := writeFileAtomic(s.runsPath, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		for _, id := range ids {
			for _, r := range s.runs[id] {
				if err := enc.Encode(r); err != nil {
					return err
				}
			}
		}
		return nil
	}); err != nil {
		return err
	}
	// The rename replaced the file under our handle; reopen for appends.
	f, err := os.OpenFile(s.runsPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	_ = s.runsFile.Close()
	s.runsFile = f
	return nil
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for k, v := range snap.Jobs {
		s.state.Jobs[k] = v
	}
	for k, v := range snap.Schedules {
		s.state.Schedules[k] = v
	}
	return nil
}

func (s *fileStore) applyJournal(line []byte) {
	var rec journalRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return
	}
	if rec.Job != nil && rec.Job.JobID != "" {
		s.state.Jobs[rec.Job.JobID] = *rec.Job
	}
	if rec.Schedule != nil && rec.Schedule.JobID != "" {
		s.state.Schedules[rec.Schedule.JobID] = *rec.Schedule
	}
}

func (s *fileStore) applyRun(line []byte) {
	var r RunRecord
	if err := json.Unmarshal(line, &r); err != nil || r.JobID == "" {
		return
	}
	s.runs[r.JobID] = appendBounded(s.runs[r.JobID], r, s.keep)
}

// replayJSONL feeds every line of path to apply. Torn trailing lines are
// skipped by apply itself.
func replayJSONL(path string, apply func([]byte)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		apply(sc.Bytes())
	}
	return sc.Err()
}

func writeFileAtomic(path string, write func(io.Writer) error) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := write(bw); err != nil {
		_ = f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
