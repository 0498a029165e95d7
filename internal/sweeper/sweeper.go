package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"credentials_service/internal/lib/logger"

	"github.com/robfig/cron/v3"
)

const (
	DefaultSchedule = "0 3 * * *"
	DefaultTimeout  = time.Minute
)

// Target deletes rows that expired before now.
type Target interface {
	Sweep(ctx context.Context, now time.Time) (int64, error)
}

type Result struct {
	Revocations int64
	Sessions    int64
}

type Sweeper struct {
	revocations Target
	sessions    Target
	log         *slog.Logger
	schedule    string
	timeout     time.Duration
	now         func() time.Time

	cron *cron.Cron
}

// New builds a sweeper. sessions may be nil when only the blacklist is swept.
func New(revocations, sessions Target, log *slog.Logger, schedule string, timeout time.Duration) *Sweeper {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Sweeper{
		revocations: revocations,
		sessions:    sessions,
		log:         log,
		schedule:    schedule,
		timeout:     timeout,
		now:         time.Now,
	}
}

// Run sweeps once. A failing target does not stop the other one.
func (s *Sweeper) Run(ctx context.Context) (Result, error) {
	const op = "sweeper.Run"

	now := s.now()

	var (
		res  Result
		errs []error
	)

	n, err := s.revocations.Sweep(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}
	res.Revocations = n

	if s.sessions != nil {
		n, err = s.sessions.Sweep(ctx, now)
		if err != nil {
			errs = append(errs, err)
		}
		res.Sessions = n
	}

	if err := errors.Join(errs...); err != nil {
		return res, fmt.Errorf("%s: %w", op, err)
	}

	return res, nil
}

func (s *Sweeper) tick(ctx context.Context) {
	const op = "sweeper.tick"

	log := s.log.With(slog.String("op", op))

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	log.Info("running expired tokens cleanup")

	res, err := s.Run(ctx)
	if err != nil {
		log.Error("cleanup failed", logger.Err(err))
	}

	log.Info("cleanup finished",
		slog.Int64("revocations_deleted", res.Revocations),
		slog.Int64("sessions_deleted", res.Sessions),
	)
}

// Start schedules Run on the cron schedule. ctx bounds every run.
func (s *Sweeper) Start(ctx context.Context) error {
	const op = "sweeper.Start"

	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)

	if _, err := c.AddFunc(s.schedule, func() { s.tick(ctx) }); err != nil {
		return fmt.Errorf("%s: invalid schedule %q: %w", op, s.schedule, err)
	}

	s.cron = c
	c.Start()

	s.log.Info("sweeper started", slog.String("schedule", s.schedule))

	return nil
}

// Stop halts the schedule and waits for a running sweep to return.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append([]any{logger.Err(err)}, keysAndValues...)...)
}
