// Package scheduler dispatches planned jobs to an executor under a shared
// concurrency limit, enforcing per-job timeouts and collecting results.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"gateline/internal/domain"
)

// Outcome is what an executor reports for one job run.
type Outcome struct {
	Status string // passed or failed
	LogURL string
}

// Executor runs a resolved job's steps against a change. It is an injected
// collaborator; gateline only schedules it.
type Executor interface {
	Run(ctx context.Context, job domain.EffectiveJob, change domain.Change) (Outcome, error)
}

// Scheduler owns the slot pool shared by all pipeline plans and queue items.
type Scheduler struct {
	Exec  Executor
	Now   func() time.Time
	slots chan struct{}
}

const defaultSlots = 4

// New returns a scheduler bounded to limit concurrent executor calls.
func New(exec Executor, limit int) *Scheduler {
	if limit <= 0 {
		limit = defaultSlots
	}
	return &Scheduler{
		Exec:  exec,
		Now:   time.Now,
		slots: make(chan struct{}, limit),
	}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Execute runs one planned job: it waits for a slot, runs the executor under
// the job's timeout, and records the terminal status. A late executor reply
// after timeout or cancellation is discarded.
func (s *Scheduler) Execute(ctx context.Context, pj domain.PlannedJob, change domain.Change) domain.JobResult {
	res := domain.JobResult{JobName: pj.Job.Name, Voting: pj.Voting, Status: domain.StatusPending}
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		res.Status = domain.StatusCanceled
		return res
	}
	defer func() { <-s.slots }()

	var runCtx context.Context
	var cancel context.CancelFunc
	if pj.Job.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, pj.Job.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	start := s.now()
	type reply struct {
		out Outcome
		err error
	}
	done := make(chan reply, 1)
	go func() {
		out, err := s.Exec.Run(runCtx, pj.Job, change)
		done <- reply{out: out, err: err}
	}()

	select {
	case r := <-done:
		res.Duration = s.now().Sub(start)
		res.LogURL = r.out.LogURL
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			res.Status = domain.StatusTimedOut
		case ctx.Err() != nil:
			res.Status = domain.StatusCanceled
		case r.err != nil:
			res.Status = domain.StatusFailed
		case r.out.Status == domain.StatusPassed:
			res.Status = domain.StatusPassed
		default:
			res.Status = domain.StatusFailed
		}
	case <-runCtx.Done():
		res.Duration = s.now().Sub(start)
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			res.Status = domain.StatusTimedOut
		} else {
			res.Status = domain.StatusCanceled
		}
	}
	return res
}

// ExecuteAll fans a plan out and collects every result before returning.
// Completion order is not guaranteed. With failFast set, the first blocking
// result cancels the remaining jobs best-effort (gate semantics).
func (s *Scheduler) ExecuteAll(ctx context.Context, jobs []domain.PlannedJob, change domain.Change, failFast bool) []domain.JobResult {
	planCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	results := make([]domain.JobResult, len(jobs))
	var wg sync.WaitGroup
	for i, pj := range jobs {
		wg.Add(1)
		go func(i int, pj domain.PlannedJob) {
			defer wg.Done()
			r := s.Execute(planCtx, pj, change)
			results[i] = r
			if failFast && r.Blocking() {
				cancel()
			}
		}(i, pj)
	}
	wg.Wait()
	return results
}
