// Package cron runs the transcript-cache retention job on a cron schedule.
package cron

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/clawlink/internal/persistence"
)

// cronParser parses standard 5-field expressions and descriptors like @daily.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// DefaultSchedule is used when Config.Schedule is empty.
const DefaultSchedule = "@daily"

// Retainer purges cached rows older than days. *persistence.Store implements it.
type Retainer interface {
	RunRetention(ctx context.Context, days int) (persistence.RetentionResult, error)
}

// Config holds the dependencies for the retention scheduler.
type Config struct {
	Store         Retainer
	RetentionDays int
	Schedule      string // cron expression; defaults to DefaultSchedule
	Logger        *slog.Logger
	Interval      time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler runs retention once on start and then whenever the schedule
// comes due, checking at each tick.
type Scheduler struct {
	store    Retainer
	days     int
	schedule cronlib.Schedule
	expr     string
	logger   *slog.Logger
	interval time.Duration

	runs atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the schedule and returns a stopped Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errors.New("cron: store is required")
	}
	expr := cfg.Schedule
	if expr == "" {
		expr = DefaultSchedule
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		days:     cfg.RetentionDays,
		schedule: sched,
		expr:     expr,
		logger:   logger,
		interval: interval,
	}, nil
}

// Runs reports how many retention passes have completed.
func (s *Scheduler) Runs() int64 { return s.runs.Load() }

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention scheduler started", "schedule", s.expr, "retention_days", s.days)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention scheduler stopped")
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start(ctx)
	<-ctx.Done()
	s.Stop()
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then whenever due.
	now := time.Now()
	s.fire(ctx)
	next := s.schedule.Next(now)

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Before(next) {
				continue
			}
			s.fire(ctx)
			next = s.schedule.Next(now)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context) {
	result, err := s.store.RunRetention(ctx, s.days)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("retention job failed", "error", err)
		}
		return
	}
	s.runs.Add(1)
	if result.PurgedTranscripts+result.PurgedHandshakes > 0 {
		s.logger.Info("retention job completed",
			"purged_transcripts", result.PurgedTranscripts,
			"purged_handshakes", result.PurgedHandshakes,
		)
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
