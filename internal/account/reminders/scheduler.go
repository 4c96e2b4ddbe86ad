package reminders

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const scheduledSweepTimeout = 10 * time.Minute

// Scheduler runs the reminder sweep in-process on a cron schedule, for
// deployments without an external scheduler calling the sweep endpoint.
type Scheduler struct {
	cron     *cron.Cron
	sweeper  *Sweeper
	schedule string
}

// NewScheduler validates schedule and prepares a scheduler. Overlapping runs
// are skipped and panics inside a run are recovered and logged.
func NewScheduler(sweeper *Sweeper, schedule string) (*Scheduler, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid reminder schedule %q: %w", schedule, err)
	}
	logger := cronLogger{log.With().Str("component", "reminder_scheduler").Logger()}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(
		cron.Recover(logger),
		cron.SkipIfStillRunning(logger),
	))
	return &Scheduler{cron: c, sweeper: sweeper, schedule: schedule}, nil
}

// Run schedules the sweep and blocks until ctx is done, then waits for a
// running sweep to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.schedule, func() {
		sweepCtx, cancel := context.WithTimeout(ctx, scheduledSweepTimeout)
		defer cancel()
		s.sweeper.Run(sweepCtx)
	}); err != nil {
		return fmt.Errorf("schedule reminder sweep: %w", err)
	}
	log.Info().Str("schedule", s.schedule).Msg("Scheduled trial reminder sweep")

	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
