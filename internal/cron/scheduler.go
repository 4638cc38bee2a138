// Package cron fires metrics collection cycles on cron schedules, one
// schedule per rollup period.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-agency/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Schedule binds a rollup period to a cron expression.
type Schedule struct {
	Period persistence.Period `yaml:"period" json:"period"`
	Expr   string             `yaml:"cron" json:"cron"`
}

// DefaultSchedules collects hourly on the hour and the longer periods
// shortly after midnight UTC.
func DefaultSchedules() []Schedule {
	return []Schedule{
		{Period: persistence.PeriodHourly, Expr: "0 * * * *"},
		{Period: persistence.PeriodDaily, Expr: "5 0 * * *"},
		{Period: persistence.PeriodWeekly, Expr: "10 0 * * 1"},
		{Period: persistence.PeriodMonthly, Expr: "15 0 1 * *"},
	}
}

// Validate checks every period and expression.
func Validate(schedules []Schedule) error {
	for i, s := range schedules {
		if !s.Period.Valid() {
			return persistence.Invalid(fmt.Sprintf("schedules[%d].period", i), fmt.Sprintf("unknown period %q", s.Period))
		}
		if _, err := cronParser.Parse(s.Expr); err != nil {
			return persistence.Invalid(fmt.Sprintf("schedules[%d].cron", i), err.Error())
		}
	}
	return nil
}

// CycleFunc runs one collection for a period.
type CycleFunc func(ctx context.Context, period persistence.Period) error

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Schedules []Schedule
	Run       CycleFunc
	Logger    *slog.Logger
	Interval  time.Duration    // tick interval; defaults to 1 minute if zero
	Now       func() time.Time // defaults to time.Now
}

// Entry is the run state of one schedule.
type Entry struct {
	Schedule
	Next    time.Time  `json:"next_run_at"`
	LastRun *time.Time `json:"last_run_at,omitempty"`
	LastErr string     `json:"last_error,omitempty"`
}

// Scheduler periodically checks its schedules and runs the due ones.
type Scheduler struct {
	run      CycleFunc
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries []Entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Run == nil {
		return nil, errors.New("cron: run func is required")
	}
	if err := Validate(cfg.Schedules); err != nil {
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
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{
		run:      cfg.Run,
		logger:   logger,
		interval: interval,
		now:      now,
	}
	start := now()
	for _, sched := range cfg.Schedules {
		next, err := NextRunTime(sched.Expr, start)
		if err != nil {
			return nil, err
		}
		s.entries = append(s.entries, Entry{Schedule: sched, Next: next})
	}
	return s, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "schedules", len(s.entries))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

// Entries returns a copy of every schedule's run state.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every schedule whose next run time has passed. A schedule
// that missed several slots runs once.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	var due []int
	for i, e := range s.entries {
		if !now.Before(e.Next) {
			due = append(due, i)
		}
	}
	s.mu.Unlock()

	for _, i := range due {
		if ctx.Err() != nil {
			return
		}
		s.fire(ctx, i, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, i int, now time.Time) {
	s.mu.Lock()
	sched := s.entries[i].Schedule
	s.mu.Unlock()

	runErr := s.run(ctx, sched.Period)

	nextRun, err := NextRunTime(sched.Expr, now)
	if err != nil {
		s.logger.Error("cron: failed to compute next run time",
			"period", sched.Period,
			"cron_expr", sched.Expr,
			"error", err,
		)
		return
	}

	s.mu.Lock()
	e := &s.entries[i]
	e.Next = nextRun
	ran := now
	e.LastRun = &ran
	e.LastErr = ""
	if runErr != nil {
		e.LastErr = runErr.Error()
	}
	s.mu.Unlock()

	if runErr != nil {
		s.logger.Warn("cron: metrics cycle failed",
			"period", sched.Period,
			"error", runErr,
			"next_run_at", nextRun,
		)
		return
	}
	s.logger.Info("cron: metrics cycle fired",
		"period", sched.Period,
		"next_run_at", nextRun,
	)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
