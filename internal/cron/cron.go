// Package cron runs the orchestrator's periodic background jobs, one
// ticker per enabled job. A slow job never queues up missed intervals;
// ticks that land while it is still executing are skipped.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Job is one periodic task.
type Job struct {
	Name     string
	Enabled  bool
	Interval time.Duration
	Execute  func(ctx context.Context) error
}

// Scheduler drives a static set of jobs on independent tickers.
type Scheduler struct {
	logger *slog.Logger
	jobs   []Job

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler over the given jobs. Nothing runs until
// Start.
func New(logger *slog.Logger, jobs ...Job) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger, jobs: jobs}
}

// Start launches one ticker goroutine per enabled job. Calling Start
// on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)

	for _, job := range s.jobs {
		if !job.Enabled {
			s.logger.Debug("cron job disabled", "job", job.Name)
			continue
		}
		if job.Interval <= 0 {
			s.logger.Warn("cron job has no interval, not scheduling", "job", job.Name)
			continue
		}
		s.logger.Info("cron job scheduled", "job", job.Name, "interval", job.Interval)
		s.wg.Add(1)
		go s.runJob(ctx, job)
	}
}

// Stop cancels the tickers and waits for them to wind down. A job
// already executing finishes on its own; Stop does not wait for it.
// Safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	var executing atomic.Bool
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !executing.CompareAndSwap(false, true) {
				s.logger.Debug("cron job still running, interval skipped", "job", job.Name)
				continue
			}
			// Detached from the scheduler's context so Stop never
			// aborts a poll mid-write.
			jctx := context.WithoutCancel(ctx)
			go func() {
				defer executing.Store(false)
				start := time.Now()
				if err := job.Execute(jctx); err != nil {
					s.logger.Warn("cron job failed", "job", job.Name, "error", err)
					return
				}
				s.logger.Debug("cron job finished", "job", job.Name, "elapsed", time.Since(start))
			}()
		}
	}
}
