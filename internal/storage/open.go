package storage

import (
	"context"
	"fmt"
	"strings"

	"jobsched/pkg/logx"
)

// Store is the persistence port used by the scheduler.
//
// Load* report ok=false when nothing was stored for the job. Runs returns the
// newest records first.
type Store interface {
	LoadJob(ctx context.Context, jobID string) (JobState, bool, error)
	SaveJob(ctx context.Context, st JobState) error
	LoadSchedule(ctx context.Context, jobID string) (ScheduleState, bool, error)
	SaveSchedule(ctx context.Context, st ScheduleState) error
	AppendRun(ctx context.Context, r RunRecord) error
	Runs(ctx context.Context, jobID string, limit int) ([]RunRecord, error)
	Close() error
}

// Open initializes the configured store. An empty driver selects memory.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "none", "memory":
		return NewMemory(cfg), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "badger":
		return openBadger(cfg, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

func checkID(jobID string) error {
	if strings.TrimSpace(jobID) == "" {
		return ErrInvalid
	}
	return nil
}
