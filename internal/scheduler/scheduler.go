// Package scheduler runs independent periodic tasks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mr1hm/disaster-sentinel/internal/metrics"
)

type Task func(ctx context.Context) error

type Job struct {
	Name     string
	Interval time.Duration
	Run      Task
	// SkipInitial delays the first run by one interval instead of running at start.
	SkipInitial bool
}

// Scheduler runs each job in its own goroutine. A job never overlaps itself; different jobs overlap freely.
type Scheduler struct {
	jobs    []Job
	timeout time.Duration
	wg      sync.WaitGroup
}

// New returns a scheduler whose runs are each bounded by timeout. Zero disables the bound.
func New(timeout time.Duration) *Scheduler {
	return &Scheduler{timeout: timeout}
}

func (s *Scheduler) Add(jobs ...Job) {
	s.jobs = append(s.jobs, jobs...)
}

func (s *Scheduler) Jobs() []Job {
	return append([]Job(nil), s.jobs...)
}

func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		if job.Interval <= 0 {
			slog.Warn("skipping job without interval", "job", job.Name)
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()
	slog.Info("starting scheduled job", "job", job.Name, "interval", job.Interval)

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	if !job.SkipInitial {
		s.RunOnce(ctx, job)
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduled job shutting down", "job", job.Name)
			return
		case <-ticker.C:
			s.RunOnce(ctx, job)
		}
	}
}

// RunOnce executes one run of job with the per-run timeout. Panics are recovered and reported as errors.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) (err error) {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
		status := "ok"
		if err != nil {
			status = "error"
			slog.Error("scheduled job failed", "job", job.Name, "duration", time.Since(start), "error", err)
		} else {
			slog.Debug("scheduled job complete", "job", job.Name, "duration", time.Since(start))
		}
		metrics.ScheduledRuns.WithLabelValues(job.Name, status).Inc()
	}()

	return job.Run(runCtx)
}

// RunAll runs every job once, concurrently, and waits for all of them. The
// returned error joins the error of every failed run.
func (s *Scheduler) RunAll(ctx context.Context, jobs ...Job) error {
	errs := make([]error, len(jobs))
	var g errgroup.Group
	for i, job := range jobs {
		g.Go(func() error {
			errs[i] = s.RunOnce(ctx, job)
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

func (s *Scheduler) Stop() {
	s.wg.Wait()
	slog.Info("scheduler stopped")
}
