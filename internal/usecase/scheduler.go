package usecase

import (
	"context"
	"log/slog"
	"time"

	"AutoHolds/internal/ports"
)

// Scheduler wires the interval driver with the run controller.
type Scheduler struct {
	driver     ports.Scheduler
	controller *RunController
	logger     *slog.Logger
}

// NewScheduler returns a helper to start/stop recurring runs.
func NewScheduler(driver ports.Scheduler, controller *RunController, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{driver: driver, controller: controller, logger: logger}
}

// Start registers the run controller with the provided scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.controller == nil {
		return nil
	}

	job := func(trigger time.Time) {
		run, err := s.controller.Run(ctx)
		if err != nil {
			s.logger.Error("scheduled run failed", "trigger", trigger, "error", err)
			return
		}
		s.logger.Info("scheduled run finished", "trigger", trigger, "run_id", run.ID, "items", run.NumItemsFound)
	}

	return s.driver.Start(ctx, job)
}

// Stop gracefully tears down the underlying scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}

	return s.driver.Stop(ctx)
}
