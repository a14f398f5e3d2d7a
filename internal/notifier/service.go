package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"jobsched/internal/eventbus"
	rtsup "jobsched/internal/runtime/supervisor"
	"jobsched/pkg/logx"
)

const (
	sendTimeout = 10 * time.Second
	historyMax  = 300
)

type delivery struct {
	msg Message
	// key is computed at enqueue time; empty when dedup is off.
	key string
}

// Service implements an async notification pipeline:
// queue + worker pool + rate limit + retry + dedup.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	sinks []Sink

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan delivery
	sup      *rtsup.Supervisor
	evCancel context.CancelFunc
	stopDone chan struct{} // non-nil while stopping

	// key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, sinks ...Sink) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:   log,
		bus:   bus,
		sinks: append([]Sink(nil), sinks...),
		dedup: map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

// Supervisor returns the notifier's internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. Queue size and worker count take effect on the next
// Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

// SetSinks replaces the delivery destinations.
func (s *Service) SetSinks(sinks ...Sink) {
	s.mu.Lock()
	s.sinks = append([]Sink(nil), sinks...)
	s.mu.Unlock()
}

// Sinks returns the names of the configured sinks.
func (s *Service) Sinks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sinks))
	for _, k := range s.sinks {
		out = append(out, k.Name())
	}
	return out
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 1000
	}

	s.cfg = cfg
	// burst = rate, so a short spike (several jobs failing at once) is not throttled.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers and the job event listener. It is idempotent and
// does nothing while disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan delivery, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// delivery is best effort; a broken sink must not take the app down
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	evCtx, evCancel := context.WithCancel(sup.Context())
	s.evCancel = evCancel
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping || c.Err() != nil {
				return nil
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	if s.bus != nil {
		events, unsub := s.bus.Subscribe(64, eventbus.JobFinished, eventbus.JobFailed, eventbus.JobCanceled)
		sup.Go0("events", func(context.Context) {
			defer unsub()
			s.eventLoop(evCtx, events)
		})
	}
}

// Stop stops intake and drains the queue best effort until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
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
	s.accepting = false
	evCancel := s.evCancel
	s.mu.Unlock()

	evCancel()
	go func() {
		defer close(done)
		// in-flight Notify calls may still send; close only after they return
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.sup = nil
		s.evCancel = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Notify enqueues m. It never blocks on delivery.
func (s *Service) Notify(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window := s.cfg.DedupWindow
	maxEntries := s.cfg.DedupMaxEntries
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	var key string
	if window > 0 {
		key = dedupKey(m)
		if !s.dedupAllow(key, window, maxEntries) {
			s.publish("notifier.deduped", NotificationEvent{JobID: m.JobID, Subject: m.Subject, Key: key})
			return nil
		}
	}

	select {
	case q <- delivery{msg: m, key: key}:
		s.publish("notifier.queued", NotificationEvent{JobID: m.JobID, Subject: m.Subject, Key: key})
		return nil
	default:
		s.publish("notifier.dropped", NotificationEvent{JobID: m.JobID, Subject: m.Subject, Key: key, Error: ErrQueueFull.Error()})
		return ErrQueueFull
	}
}

// SendAlert implements logx.AlertSender.
func (s *Service) SendAlert(ctx context.Context, text string) error {
	return s.Notify(ctx, Message{Severity: SeverityWarn, Subject: "jobsched alert", Text: text})
}

// History returns the most recent delivery attempts, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historyMax {
		s.history = s.history[len(s.history)-historyMax:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, ev NotificationEvent) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev.At = now
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func (s *Service) workerLoop(ctx context.Context, q <-chan delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, d)
		}
	}
}

// deliver hands d to every sink. Sinks are retried independently so one
// failing destination does not repeat a message on the others.
func (s *Service) deliver(ctx context.Context, d delivery) {
	s.mu.Lock()
	sinks := s.sinks
	s.mu.Unlock()

	for _, sink := range sinks {
		err := s.sendWithRetry(ctx, sink, d.msg)
		item := HistoryItem{At: time.Now(), Sink: sink.Name(), Subject: d.msg.Subject}
		ev := NotificationEvent{Sink: sink.Name(), JobID: d.msg.JobID, Subject: d.msg.Subject, Key: d.key}
		if err != nil {
			item.Err = err.Error()
			ev.Error = err.Error()
			s.publish("notifier.failed", ev)
		} else {
			s.publish("notifier.sent", ev)
		}
		s.appendHistory(item)
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, sink Sink, m Message) error {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		err := s.sendOnce(ctx, sink, m)
		if err == nil {
			return nil
		}
		lastErr = err
		s.log.Debug("notify send failed",
			logx.String("sink", sink.Name()),
			logx.Err(err),
			logx.Int("attempt", attempt),
			logx.Int("max", attempts),
		)
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}

	// Alerts come from warn+ log lines; logging their failure at warn would
	// feed the failing sink again.
	lvl := s.log.Warn
	if m.JobID == "" {
		lvl = s.log.Debug
	}
	lvl("notification not delivered", logx.String("sink", sink.Name()), logx.String("subject", m.Subject), logx.Err(lastErr))
	return lastErr
}

func (s *Service) sendOnce(ctx context.Context, sink Sink, m Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink %s panicked: %v", sink.Name(), r)
		}
	}()
	cctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return sink.Send(cctx, m)
}

func dedupKey(m Message) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d|%s|%s|%s", m.Severity, m.JobID, m.Subject, m.Text)
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration, maxEntries int) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()

	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > maxEntries {
		var (
			oldest string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if oldest == "" || t.Before(minT) {
				oldest, minT = k, t
			}
		}
		delete(s.dedup, oldest)
	}
	return true
}

// retryDelay is the wait before attempt+1: base * 2^(attempt-1), capped, with
// 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, cfg.RetryMaxDelay)
	j := 0.7 + rand.Float64()*0.6
	return min(time.Duration(float64(d)*j), cfg.RetryMaxDelay)
}
