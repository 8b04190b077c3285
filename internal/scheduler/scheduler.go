// Package scheduler runs the pipeline's time-driven background operations
// (incident sealing, review timeout scanning, retention sweeps) on fixed
// intervals. Every task must be idempotent: a run that finds nothing newly
// eligible is a no-op.
package scheduler

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"go.uber.org/zap"
)

// Task is one periodic operation.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler drives registered tasks until its context is cancelled.
type Scheduler struct {
	tasks  []Task
	logger *zap.Logger
}

// New creates an empty scheduler.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{logger: logger}
}

// Register adds a task. Must be called before Run.
func (s *Scheduler) Register(name string, interval time.Duration, run func(ctx context.Context) error) {
	s.tasks = append(s.tasks, Task{Name: name, Interval: interval, Run: run})
}

// Run executes every task on its interval until ctx is cancelled. A task
// error is logged and the task keeps its schedule; errors never stop the
// scheduler.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, t := range s.tasks {
		g.Go(func() error {
			ticker := time.NewTicker(t.Interval)
			defer ticker.Stop()

			s.logger.Info("scheduled task started",
				zap.String("task", t.Name),
				zap.Duration("interval", t.Interval))

			for {
				select {
				case <-ctx.Done():
					s.logger.Info("scheduled task stopped", zap.String("task", t.Name))
					return nil
				case <-ticker.C:
					if err := t.Run(ctx); err != nil {
						s.logger.Error("scheduled task failed",
							zap.String("task", t.Name),
							zap.Error(err))
					}
				}
			}
		})
	}

	return g.Wait()
}
