// Package scheduler runs jobs on recurring schedules.
//
// A Job wraps one unit of work and guarantees that at most one execution of
// it is in flight. A Schedule is the Job's trigger: it computes the next run
// from recurrence parameters, arms a single alarm for it, fires the job and
// reschedules once the run reaches a terminal status. Execution itself is
// delegated to an Executor (the task engine).
package scheduler
