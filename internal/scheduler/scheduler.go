// Package scheduler runs a task on a fixed interval until the context
// is cancelled.
package scheduler

import (
	"context"
	"log/slog"
	"time"
)

type Scheduler struct {
	name     string
	interval time.Duration
	task     func(context.Context) error
	logger   *slog.Logger
}

// New builds a scheduler. A zero interval disables it: Run returns
// immediately.
func New(name string, interval time.Duration, task func(context.Context) error) *Scheduler {
	return &Scheduler{
		name:     name,
		interval: interval,
		task:     task,
		logger:   slog.Default().With("component", "scheduler", "task", name),
	}
}

// Run executes the task every interval until ctx is cancelled. Task
// errors are logged, not fatal.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	s.logger.Info("scheduler started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			if err := s.task(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Error("scheduled task failed", "error", err)
			}
		}
	}
}
