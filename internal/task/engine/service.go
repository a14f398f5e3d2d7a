package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"jobsched/internal/eventbus"
	rtsup "jobsched/internal/runtime/supervisor"
	"jobsched/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service executes tasks on two lanes: Execute runs a task right away on its
// own goroutine (demand), Submit and Enqueue put it behind pending work for a
// fixed worker pool (queued).
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	// gate orders senders against Stop: once Stop holds it no task can enter
	// the queue, so draining afterwards is complete.
	gate   sync.RWMutex
	closed bool

	inFlight       atomic.Int32
	demandInFlight atomic.Int32

	hmu     sync.Mutex
	history []HistoryItem

	dropped          atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64

	lastQueueFullWarnAt atomic.Int64
	lastStaleWarnAt     atomic.Int64
}

type queuedTask struct {
	task       *Task
	enqueuedAt time.Time
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg: cfg.withDefaults(),
		log: log,
		bus: bus,
	}
}

// Supervisor returns the engine's supervisor, or nil when not running.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Apply swaps the config. Pool size changes take effect on the next Start;
// the rest applies to tasks accepted from now on.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	stopCh, queue, sup := s.stopCh, s.q, s.sup
	s.mu.Unlock()

	s.gate.Lock()
	s.closed = false
	s.gate.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue, idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

// Stop rejects new tasks, cancels running ones and finishes everything still
// queued as canceled. It waits for workers until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup, queue := s.sup, s.q
	s.mu.Unlock()

	s.gate.Lock()
	s.closed = true
	s.gate.Unlock()

	sup.Cancel()

	go func() {
		_ = sup.Wait(context.Background())
		n := s.drain(queue)
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		if n > 0 {
			s.log.Info("queued tasks canceled on stop", logx.Int("count", n))
		}
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) drain(queue chan queuedTask) int {
	n := 0
	for {
		select {
		case qt := <-queue:
			if qt.task.finish(StatusCanceled, ErrStopped) {
				n++
			}
		default:
			return n
		}
	}
}

// Execute runs t immediately on a dedicated goroutine, bypassing the queue.
func (s *Service) Execute(t *Task) error {
	if err := s.prepare(t); err != nil {
		return err
	}
	s.gate.RLock()
	defer s.gate.RUnlock()

	s.mu.Lock()
	sup, stopCh := s.sup, s.stopCh
	s.mu.Unlock()
	if s.closed || sup == nil {
		return ErrStopped
	}

	s.demandInFlight.Add(1)
	sup.Go0("demand."+t.Name, func(ctx context.Context) {
		defer s.demandInFlight.Add(-1)
		s.run(ctx, stopCh, t, LaneDemand, 0)
	})
	return nil
}

// Enqueue adds t to the queue without blocking. A full queue drops it.
//
// Use Submit when you want backpressure instead of dropping.
func (s *Service) Enqueue(t *Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit queues t, blocking until it is accepted, ctx is done, or the engine stops.
func (s *Service) Submit(ctx context.Context, t *Task) error {
	return s.enqueue(ctx, t, true)
}

func (s *Service) prepare(t *Task) error {
	if t == nil || t.Run == nil {
		return ErrNoRun
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("task Name is required")
	}
	t.ensureInit(s.onListenerPanic)
	return nil
}

func (s *Service) enqueue(ctx context.Context, t *Task, block bool) error {
	if err := s.prepare(t); err != nil {
		return err
	}
	s.gate.RLock()
	defer s.gate.RUnlock()

	s.mu.Lock()
	q, stopCh := s.q, s.stopCh
	s.mu.Unlock()
	if q == nil {
		return ErrStopped
	}
	if s.closed {
		return ErrStopping
	}

	qt := queuedTask{task: t, enqueuedAt: time.Now()}
	if !block {
		select {
		case q <- qt:
			return nil
		default:
			s.onQueueFullDropped(t, q)
			return ErrQueueFull
		}
	}
	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stopCh:
		return ErrStopping
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q := s.cfg, s.q
	s.mu.Unlock()

	snap := Snapshot{
		Running:          q != nil,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		DemandInFlight:   int(s.demandInFlight.Load()),
		Dropped:          s.dropped.Load(),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		RetryMax:         cfg.RetryMax,
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) record(item HistoryItem) {
	size := s.config().HistorySize
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, data TaskEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
	}
}

func (s *Service) onListenerPanic(l Listener, r any) {
	s.log.Error("task listener panicked", logx.String("listener", fmt.Sprintf("%T", l)), logx.Any("panic", r))
}

func shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && n-prev < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}

func (s *Service) onQueueFullDropped(t *Task, q chan queuedTask) {
	s.dropped.Add(1)
	s.droppedQueueFull.Add(1)
	now := time.Now()
	s.publish(eventbus.TaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Lane: LaneQueued, Status: t.Status(), Started: now, Error: "queue_full"})
	if shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", s.droppedQueueFull.Load()),
		)
	}
}

func (s *Service) onStaleDropped(t *Task, queueDelay time.Duration) {
	s.dropped.Add(1)
	s.droppedStale.Add(1)
	now := time.Now()
	t.finish(StatusCanceled, ErrStale)
	s.publish(eventbus.TaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Lane: LaneQueued, Status: StatusCanceled, Started: now, QueueDelay: queueDelay, Error: "stale_queue_delay"})
	s.record(HistoryItem{ID: t.ID, Name: t.Name, Lane: LaneQueued, Status: StatusCanceled, Started: now, QueueDelay: queueDelay, Error: "stale_queue_delay"})
	if shouldWarn(&s.lastStaleWarnAt, now) {
		s.log.Warn("task dropped: stale queue",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped_stale", s.droppedStale.Load()),
		)
	}
}
