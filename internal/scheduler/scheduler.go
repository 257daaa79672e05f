package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is one scheduled run.
type Job func(ctx context.Context) error

// Scheduler runs a job on a standard 5-field cron expression (minute hour
// day-of-month month day-of-week), e.g. "0 9 * * 1-5" for weekdays at 9am.
// Ticks that find the run lock held are skipped.
type Scheduler struct {
	spec     string
	schedule cron.Schedule
	location *time.Location
	locker   Locker
	lockKey  string
	lockTTL  time.Duration
	job      Job
	logger   *zap.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

type Options struct {
	Schedule string
	Location *time.Location
	// Locker defaults to an in-process lock.
	Locker  Locker
	LockKey string
	LockTTL time.Duration
	Logger  *zap.Logger
}

const defaultLockKey = "triagebot:run-lock"

func New(opts Options, job Job) (*Scheduler, error) {
	spec := strings.TrimSpace(opts.Schedule)
	if spec == "" {
		return nil, errors.New("schedule is empty")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	s := &Scheduler{
		spec:     spec,
		schedule: sched,
		location: opts.Location,
		locker:   opts.Locker,
		lockKey:  opts.LockKey,
		lockTTL:  opts.LockTTL,
		job:      job,
		logger:   opts.Logger,
		now:      time.Now,
		after:    time.After,
	}
	if s.location == nil {
		s.location = time.Local
	}
	if s.locker == nil {
		s.locker = NewLocalLocker()
	}
	if s.lockKey == "" {
		s.lockKey = defaultLockKey
	}
	if s.lockTTL <= 0 {
		s.lockTTL = 30 * time.Minute
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.Named("scheduler")
	return s, nil
}

// Next returns the first activation strictly after t, in the scheduler's
// location.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t.In(s.location))
}

// Run blocks, triggering the job at each activation, until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", zap.String("cron", s.spec), zap.String("timezone", s.location.String()))
	for {
		if ctx.Err() != nil {
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		}
		now := s.now().In(s.location)
		next := s.Next(now)
		wait := next.Sub(now)
		s.logger.Info("next triage run", zap.Time("at", next), zap.Duration("in", wait.Round(time.Second)))

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-s.after(wait):
		}

		if _, err := s.Trigger(ctx); err != nil {
			s.logger.Error("scheduled triage run failed", zap.Error(err))
		}
	}
}

// Trigger runs the job once under the run lock. It reports false without
// error when another run holds the lock.
func (s *Scheduler) Trigger(ctx context.Context) (bool, error) {
	unlock, err := s.locker.TryLock(ctx, s.lockKey, s.lockTTL)
	if errors.Is(err, ErrLocked) {
		s.logger.Warn("triage run skipped: previous run still holds the lock", zap.String("key", s.lockKey))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire run lock: %w", err)
	}
	defer func() {
		// Release with a fresh context so a cancelled run still frees the lock.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := unlock(releaseCtx); err != nil {
			s.logger.Warn("release run lock failed", zap.Error(err))
		}
	}()
	return true, s.job(ctx)
}
