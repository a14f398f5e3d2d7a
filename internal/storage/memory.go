package storage

import (
	"context"
	"sync"
)

type memoryStore struct {
	mu        sync.Mutex
	closed    bool
	jobs      map[string]JobState
	schedules map[string]ScheduleState
	runs      map[string][]RunRecord
	keep      int
}

// NewMemory returns a process-local store. State is lost on exit.
func NewMemory(cfg Config) Store {
	return &memoryStore{
		jobs:      map[string]JobState{},
		schedules: map[string]ScheduleState{},
		runs:      map[string][]RunRecord{},
		keep:      cfg.runHistory(),
	}
}

func (m *memoryStore) LoadJob(_ context.Context, jobID string) (JobState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return JobState{}, false, ErrClosed
	}
	st, ok := m.jobs[jobID]
	return st, ok, nil
}

func (m *memoryStore) SaveJob(_ context.Context, st JobState) error {
	if err := checkID(st.JobID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.jobs[st.JobID] = st
	return nil
}

func (m *memoryStore) LoadSchedule(_ context.Context, jobID string) (ScheduleState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ScheduleState{}, false, ErrClosed
	}
	st, ok := m.schedules[jobID]
	return st, ok, nil
}

func (m *memoryStore) SaveSchedule(_ context.Context, st ScheduleState) error {
	if err := checkID(st.JobID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.schedules[st.JobID] = st
	return nil
}

func (m *memoryStore) AppendRun(_ context.Context, r RunRecord) error {
	if err := checkID(r.JobID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.runs[r.JobID] = appendBounded(m.runs[r.JobID], r, m.keep)
	return nil
}

func (m *memoryStore) Runs(_ context.Context, jobID string, limit int) ([]RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return newestFirst(m.runs[jobID], limit), nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// appendBounded keeps at most keep records, oldest dropped first.
func appendBounded(rs []RunRecord, r RunRecord, keep int) []RunRecord {
	rs = append(rs, r)
	if len(rs) > keep {
		rs = append([]RunRecord(nil), rs[len(rs)-keep:]...)
	}
	return rs
}

func newestFirst(rs []RunRecord, limit int) []RunRecord {
	if limit <= 0 || limit > len(rs) {
		limit = len(rs)
	}
	out := make([]RunRecord, 0, limit)
	for i := len(rs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, rs[i])
	}
	return out
}
