// Package metrics turns bus events into prometheus series.
package metrics

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"jobsched/internal/eventbus"
	"jobsched/internal/notifier"
	"jobsched/internal/task/engine"
	"jobsched/internal/task/scheduler"
	"jobsched/pkg/logx"
)

const namespace = "jobsched"

// Collector owns a private registry so several instances (tests, reloads)
// never collide on the default one.
type Collector struct {
	reg *prometheus.Registry
	log logx.Logger

	jobRuns       *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	jobRunning    *prometheus.GaugeVec
	scheduleNext  *prometheus.GaugeVec
	scheduleFired *prometheus.CounterVec
	tasks         *prometheus.CounterVec
	taskDelay     prometheus.Histogram
	notifications *prometheus.CounterVec
	reloads       prometheus.Counter
	busDropped    prometheus.GaugeFunc

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New registers the collectors. bus may be nil; then bus_dropped reads 0.
func New(bus eventbus.Bus, log logx.Logger) *Collector {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Collector{
		reg: prometheus.NewRegistry(),
		log: log,
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Job runs by terminal status and trigger.",
		}, []string{"job", "status", "trigger"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of job runs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 4, 9),
		}, []string{"job"}),
		jobRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_running",
			Help:      "1 while a run of the job is in flight.",
		}, []string{"job"}),
		scheduleNext: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "schedule_next_timestamp_seconds",
			Help:      "Next due time of armed schedules; 0 when idle.",
		}, []string{"job"}),
		scheduleFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_fired_total",
			Help:      "Alarms that started a run.",
		}, []string{"job"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Engine task outcomes by lane.",
		}, []string{"lane", "status"}),
		taskDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_queue_delay_seconds",
			Help:      "Time queued tasks waited for a worker.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 9),
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifier outcomes per sink.",
		}, []string{"sink", "result"}),
		reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Applied configuration reloads.",
		}),
	}
	c.busDropped = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "bus_dropped_events",
		Help:      "Events dropped because a subscriber was slow.",
	}, func() float64 {
		if bus == nil {
			return 0
		}
		return float64(bus.Dropped())
	})

	c.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.jobRuns, c.jobDuration, c.jobRunning,
		c.scheduleNext, c.scheduleFired,
		c.tasks, c.taskDelay,
		c.notifications, c.reloads, c.busDropped,
	)
	return c
}

// Registry exposes the underlying registry, mostly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Start consumes bus events until Stop or ctx is done. Starting twice is a
// no-op.
func (c *Collector) Start(ctx context.Context, bus eventbus.Bus) {
	if bus == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	events, unsub := bus.Subscribe(512, "job.", "task.", "schedule.", "notifier.", eventbus.ConfigReloaded)
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	go func() {
		defer close(done)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				c.Observe(ev)
			}
		}
	}()
}

func (c *Collector) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Observe applies one event. Unknown types and payloads are ignored.
func (c *Collector) Observe(ev eventbus.Event) {
	switch data := ev.Data.(type) {
	case scheduler.JobEvent:
		c.observeJob(ev.Type, data)
	case scheduler.ScheduleEvent:
		c.observeSchedule(ev.Type, data)
	case engine.TaskEvent:
		c.observeTask(ev.Type, data)
	case notifier.NotificationEvent:
		if data.Sink == "" {
			return
		}
		c.notifications.WithLabelValues(data.Sink, strings.TrimPrefix(ev.Type, "notifier.")).Inc()
	default:
		if ev.Type == eventbus.ConfigReloaded {
			c.reloads.Inc()
		}
	}
}

func (c *Collector) observeJob(typ string, je scheduler.JobEvent) {
	if typ == eventbus.JobStarted {
		c.jobRunning.WithLabelValues(je.JobID).Set(1)
		return
	}
	c.jobRunning.WithLabelValues(je.JobID).Set(0)
	c.jobRuns.WithLabelValues(je.JobID, je.Status.String(), je.Trigger).Inc()
	if je.Duration > 0 {
		c.jobDuration.WithLabelValues(je.JobID).Observe(je.Duration.Seconds())
	}
}

func (c *Collector) observeSchedule(typ string, se scheduler.ScheduleEvent) {
	switch typ {
	case eventbus.ScheduleArmed:
		if !se.Next.IsZero() {
			c.scheduleNext.WithLabelValues(se.JobID).Set(float64(se.Next.Unix()))
		}
	case eventbus.ScheduleIdle:
		c.scheduleNext.WithLabelValues(se.JobID).Set(0)
	case eventbus.ScheduleFired:
		c.scheduleFired.WithLabelValues(se.JobID).Inc()
	}
}

func (c *Collector) observeTask(typ string, te engine.TaskEvent) {
	if typ == eventbus.TaskStarted {
		if te.QueueDelay > 0 {
			c.taskDelay.Observe(te.QueueDelay.Seconds())
		}
		return
	}
	c.tasks.WithLabelValues(string(te.Lane), strings.TrimPrefix(typ, "task.")).Inc()
}
