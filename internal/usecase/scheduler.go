package usecase

import (
	"context"
	"log/slog"
	"time"

	"LabSync/internal/ports"
)

// Scheduler wires the interval driver to recurring sync-all runs.
type Scheduler struct {
	driver       ports.Scheduler
	orchestrator *Orchestrator
	logger       *slog.Logger
}

// NewScheduler returns a helper to start/stop recurring syncs.
func NewScheduler(driver ports.Scheduler, orchestrator *Orchestrator, logger *slog.Logger) *Scheduler {
	return &Scheduler{driver: driver, orchestrator: orchestrator, logger: logger}
}

// Start registers the sync-all trigger with the provided driver.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.orchestrator == nil {
		return nil
	}

	job := func(trigger time.Time) {
		id, err := s.orchestrator.StartSyncAll(ctx)
		if err != nil {
			if s.logger != nil {
				s.logger.Error("scheduled sync failed to start", "error", err)
			}
			return
		}
		if s.logger != nil {
			s.logger.Info("scheduled sync started", "run_id", id, "trigger", trigger.Format(time.RFC3339))
		}
	}

	return s.driver.Start(ctx, job)
}

// Stop gracefully tears down the underlying driver.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	return s.driver.Stop(ctx)
}
