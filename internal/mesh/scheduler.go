package mesh

import (
	"context"
	"time"
)

// schedulerJob is one periodic action. A non-positive period disables the job
// without affecting replication correctness, only convergence latency.
type schedulerJob struct {
	name   string
	period time.Duration
	run    func()
}

// Scheduler drives every gossip timer from a single goroutine so shutdown is
// one cancellation and jobs never overlap.
type Scheduler struct {
	jobs []schedulerJob
}

// NewScheduler constructs an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Add registers a periodic job.
func (s *Scheduler) Add(name string, period time.Duration, run func()) {
	if period <= 0 || run == nil {
		return
	}
	s.jobs = append(s.jobs, schedulerJob{name: name, period: period, run: run})
}

// Run blocks until the context is cancelled, firing each job on its period.
func (s *Scheduler) Run(ctx context.Context) {
	if len(s.jobs) == 0 {
		<-ctx.Done()
		return
	}

	nextDue := make([]time.Time, len(s.jobs))
	now := time.Now()
	for index, job := range s.jobs {
		nextDue[index] = now.Add(job.period)
	}

	timer := time.NewTimer(s.untilNext(nextDue, now))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case firedAt := <-timer.C:
			for index, job := range s.jobs {
				if !firedAt.Before(nextDue[index]) {
					job.run()
					nextDue[index] = firedAt.Add(job.period)
				}
			}
			timer.Reset(s.untilNext(nextDue, time.Now()))
		}
	}
}

func (s *Scheduler) untilNext(nextDue []time.Time, now time.Time) time.Duration {
	soonest := nextDue[0]
	for _, due := range nextDue[1:] {
		if due.Before(soonest) {
			soonest = due
		}
	}
	wait := soonest.Sub(now)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}
