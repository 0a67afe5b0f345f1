// Package scheduler runs the daily trading routine: universe scan,
// engine start, market-open notice and end-of-day settlement, all on
// KST cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"time"

	cron "github.com/robfig/cron/v3"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
)

// Job is one scheduled unit of work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Scheduler wraps a seconds-resolution cron clocked in KST.
type Scheduler struct {
	cron   *cron.Cron
	logger core.ILogger
	ctx    context.Context
}

func New(logger core.ILogger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds(), cron.WithLocation(core.KST)),
		logger: logger.WithField("component", "scheduler"),
		ctx:    context.Background(),
	}
}

// Add registers a job under a six-field cron spec.
func (s *Scheduler) Add(spec string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		s.logger.Info("Job started", "job", job.Name())
		if err := job.Run(s.ctx); err != nil {
			s.logger.Error("Job failed", "job", job.Name(), "error", err)
			return
		}
		s.logger.Info("Job finished", "job", job.Name(), "elapsed", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("bad cron spec %q for job %s: %w", spec, job.Name(), err)
	}
	s.logger.Info("Job scheduled", "job", job.Name(), "spec", spec)
	return nil
}

// Start launches the cron loop. Jobs inherit ctx, and the loop stops
// when it is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	s.logger.Info("Scheduler started", "jobs", len(s.cron.Entries()))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	<-done.Done()
	s.logger.Info("Scheduler stopped")
}
