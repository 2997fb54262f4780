package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler drives Engine.Tick on a fixed interval. A tick that is still
// running when the next one is due is skipped, not queued.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	log      *slog.Logger
	cron     *cron.Cron
}

// NewScheduler creates a Scheduler. interval defaults to 5s.
func NewScheduler(e *Engine, interval time.Duration, log *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "scheduler")
	return &Scheduler{
		engine:   e,
		interval: interval,
		log:      log,
		cron: cron.New(
			cron.WithLogger(cronLogger{log}),
			cron.WithChain(cron.Recover(cronLogger{log}), cron.SkipIfStillRunning(cronLogger{log})),
		),
	}
}

// Start schedules the tick job. Ticks run with ctx until Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, func() { s.engine.Tick(ctx) }); err != nil {
		return fmt.Errorf("scheduling %q: %w", spec, err)
	}
	s.cron.Start()
	s.log.Info("scheduler started", "interval", s.interval)
	return nil
}

// Stop stops scheduling and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
