// Package recurrence computes the next run instant of a recurring job.
//
// Parameters are a closed set of variants (Timer, Daily, Weekly, Cron). An
// incomplete variant is not an error: CalcTime reports ok=false and the owner
// stays idle until the parameters are fixed.
package recurrence
