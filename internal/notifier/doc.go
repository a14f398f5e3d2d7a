// Package notifier delivers job outcome notifications.
//
// Messages are small, high-signal texts for operators: a job failed, a job
// was canceled, or (if enabled) a job finished. The service listens to job.*
// events on the bus, keeps the outcomes selected in Config, and hands the
// rendered message to every configured Sink.
//
// # Pipeline
//
// Notify only enqueues. A pool of workers drains the queue under a shared
// token-bucket rate limit and retries each sink with exponential backoff.
// A sink that keeps failing never blocks the other sinks and never changes
// job state.
//
// # Alerts
//
// Service also implements logx.AlertSender, so warn+ log lines can be routed
// through the same sinks.
package notifier
