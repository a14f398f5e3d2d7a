package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"jobsched/pkg/logx"
)

const (
	badgerJobPrefix      = "job/"
	badgerSchedulePrefix = "schedule/"
	badgerRunPrefix      = "run/"
)

type badgerStore struct {
	db   *badger.DB
	log  logx.Logger
	keep int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func openBadger(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for badger driver")
	}
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts.CompactL0OnClose = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	s := &badgerStore{db: db, log: log, keep: cfg.runHistory(), stopCh: make(chan struct{})}
	s.wg.Add(1)
	go s.runGC()
	return s, nil
}

// runGC reclaims value log space periodically.
func (s *badgerStore) runGC() {
	defer s.wg.Done()
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			for s.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}

func (s *badgerStore) Close() error {
	close(s.stopCh)
	s.wg.Wait()
	return s.db.Close()
}

func (s *badgerStore) get(key string, out any) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, out) })
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *badgerStore) put(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), b)
	})
}

func (s *badgerStore) LoadJob(_ context.Context, jobID string) (JobState, bool, error) {
	var st JobState
	ok, err := s.get(badgerJobPrefix+jobID, &st)
	return st, ok, err
}

func (s *badgerStore) SaveJob(_ context.Context, st JobState) error {
	if err := checkID(st.JobID); err != nil {
		return err
	}
	return s.put(badgerJobPrefix+st.JobID, st)
}

func (s *badgerStore) LoadSchedule(_ context.Context, jobID string) (ScheduleState, bool, error) {
	var st ScheduleState
	ok, err := s.get(badgerSchedulePrefix+jobID, &st)
	return st, ok, err
}

func (s *badgerStore) SaveSchedule(_ context.Context, st ScheduleState) error {
	if err := checkID(st.JobID); err != nil {
		return err
	}
	return s.put(badgerSchedulePrefix+st.JobID, st)
}

// runKey sorts runs of one job by start time. The run id breaks ties.
func runKey(r RunRecord) string {
	return badgerRunPrefix + r.JobID + "/" + r.Started.UTC().Format("20060102T150405.000000000") + "/" + r.ID
}

func (s *badgerStore) AppendRun(_ context.Context, r RunRecord) error {
	if err := checkID(r.JobID); err != nil {
		return err
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(runKey(r)), b); err != nil {
			return err
		}
		// Trim the oldest records beyond the retention bound.
		prefix := []byte(badgerRunPrefix + r.JobID + "/")
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		var stale [][]byte
		n := 0
		for it.Seek(append(append([]byte(nil), prefix...), 0xff)); it.ValidForPrefix(prefix); it.Next() {
			n++
			if n > s.keep {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
		}
		it.Close()
		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *badgerStore) Runs(_ context.Context, jobID string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = s.keep
	}
	var out []RunRecord
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(badgerRunPrefix + jobID + "/")
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(append(append([]byte(nil), prefix...), 0xff)); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			var r RunRecord
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &r) }); err != nil {
				continue
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}
