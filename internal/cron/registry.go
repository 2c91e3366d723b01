package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Job is a periodic maintenance task. Each job runs on its own interval
// under its own cluster-wide lock named after Name.
type Job interface {
	Name() string
	Interval() time.Duration
	Run(ctx context.Context) error
}

// Registry holds the jobs the worker runs, keyed by unique name.
type Registry struct {
	jobs  []Job
	names map[string]struct{}
}

// NewRegistry registers every non-nil job and reports all rejected ones at once.
func NewRegistry(jobs ...Job) (*Registry, error) {
	r := &Registry{names: make(map[string]struct{}, len(jobs))}
	var errs error
	for _, job := range jobs {
		if job == nil {
			continue
		}
		errs = multierr.Append(errs, r.Register(job))
	}
	if errs != nil {
		return nil, errs
	}
	return r, nil
}

// Register adds a job. Names double as lock keys so they must be unique.
func (r *Registry) Register(job Job) error {
	if job == nil {
		return errors.New("nil job")
	}
	name := job.Name()
	if name == "" {
		return errors.New("job name required")
	}
	if job.Interval() <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	if r.names == nil {
		r.names = map[string]struct{}{}
	}
	if _, dup := r.names[name]; dup {
		return fmt.Errorf("job %s registered twice", name)
	}
	r.names[name] = struct{}{}
	r.jobs = append(r.jobs, job)
	return nil
}

// Jobs returns a copy of the registered jobs in registration order.
func (r *Registry) Jobs() []Job {
	jobs := make([]Job, len(r.jobs))
	copy(jobs, r.jobs)
	return jobs
}
