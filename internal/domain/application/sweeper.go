package application

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSweepSchedule runs the expiry sweep every 15 minutes.
const DefaultSweepSchedule = "*/15 * * * *"

// sweepTimeout bounds a single scheduled sweep.
const sweepTimeout = time.Minute

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Expirer is the part of Service the sweeper drives.
type Expirer interface {
	SweepExpired(ctx context.Context, now time.Time) ([]uuid.UUID, error)
}

// Sweeper periodically expires overdue applications on a cron schedule.
type Sweeper struct {
	svc    Expirer
	clock  clockwork.Clock
	logger zerolog.Logger
	cron   *cron.Cron
}

// NewSweeper validates schedule (standard five-field cron or a descriptor
// such as "@hourly") and prepares a stopped sweeper.
func NewSweeper(svc Expirer, schedule string, clock clockwork.Clock, logger zerolog.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &Sweeper{
		svc:    svc,
		clock:  clock,
		logger: logger.With().Str("component", "sweeper").Logger(),
	}
	cl := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithParser(cronParser),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		cron.WithLogger(cl),
	)
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins running sweeps in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info().Msg("expiry sweeper started")
}

// Stop halts the schedule and returns a context that is done once a running
// sweep has finished.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

// RunOnce sweeps immediately using the sweeper's clock.
func (s *Sweeper) RunOnce(ctx context.Context) ([]uuid.UUID, error) {
	return s.svc.SweepExpired(ctx, s.clock.Now())
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	ids, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduled sweep failed")
		return
	}
	s.logger.Debug().Int("expired", len(ids)).Msg("scheduled sweep finished")
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
