package scheduler

import "fmt"

// ExecuteJob is the manual "run now" command over a selection of jobs.
type ExecuteJob struct{}

// Available reports whether the command may run on jobs: the selection is
// non-empty, every job is valid, and no two jobs share a work kind.
func (ExecuteJob) Available(jobs ...*Job) bool {
	return ExecuteJob{}.Check(jobs...) == nil
}

// Check is Available with the reason it is not.
func (ExecuteJob) Check(jobs ...*Job) error {
	if len(jobs) == 0 {
		return fmt.Errorf("%w: no job selected", ErrCommandUnavailable)
	}
	kinds := make(map[string]string, len(jobs))
	for _, j := range jobs {
		if j == nil || !j.Valid() {
			id := ""
			if j != nil {
				id = j.ID()
			}
			return fmt.Errorf("%w: job %q is not runnable", ErrCommandUnavailable, id)
		}
		kind := j.Kind()
		if other, dup := kinds[kind]; dup {
			return fmt.Errorf("%w: jobs %q and %q are both of kind %s", ErrCommandUnavailable, other, j.ID(), kind)
		}
		kinds[kind] = j.ID()
	}
	return nil
}

// Execute starts every job in the foreground. It refuses a selection that
// is not Available and starts nothing then.
func (c ExecuteJob) Execute(jobs ...*Job) error {
	if err := c.Check(jobs...); err != nil {
		return err
	}
	for _, j := range jobs {
		j.ExecuteJob(nil, true)
	}
	return nil
}
