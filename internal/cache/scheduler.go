package cache

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// reconcileScheduler wraps gocron for the reconciliation sweep: a
// fixed-interval job that also runs once immediately on start.
type reconcileScheduler struct {
	scheduler gocron.Scheduler
}

func newReconcileScheduler(interval time.Duration, task func()) (*reconcileScheduler, error) {
	scheduler, err := gocron.NewScheduler(
		gocron.WithLogger(newGocronLoggerAdapter(slog.Default())),
	)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(task),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("create reconciliation job: %w", err)
	}

	scheduler.Start()
	return &reconcileScheduler{scheduler: scheduler}, nil
}

func (s *reconcileScheduler) Stop() error {
	return s.scheduler.Shutdown()
}

// gocronLoggerAdapter adapts slog.Logger to the gocron.Logger interface
type gocronLoggerAdapter struct {
	logger *slog.Logger
}

func newGocronLoggerAdapter(logger *slog.Logger) gocron.Logger {
	return &gocronLoggerAdapter{logger: logger}
}

func (a *gocronLoggerAdapter) Debug(msg string, args ...any) {
	a.logger.Debug(msg, args...)
}

func (a *gocronLoggerAdapter) Info(msg string, args ...any) {
	a.logger.Info(msg, args...)
}

func (a *gocronLoggerAdapter) Warn(msg string, args ...any) {
	a.logger.Warn(msg, args...)
}

func (a *gocronLoggerAdapter) Error(msg string, args ...any) {
	a.logger.Error(msg, args...)
}
