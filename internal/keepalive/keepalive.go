// Package keepalive periodically re-verifies the session on a cron schedule
// and refreshes the loaded levels while it stays authenticated.
package keepalive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-tracker/internal/session"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Verifier re-checks the session. *session.Session implements it.
type Verifier interface {
	Verify(ctx context.Context) (session.State, error)
}

// Refresher reloads the active levels. *orchestrator.Orchestrator implements it.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Config holds the dependencies for the keepalive scheduler.
type Config struct {
	Schedule  string // cron expression
	Session   Verifier
	Refresher Refresher // optional
	Logger    *slog.Logger
	Interval  time.Duration // tick interval; defaults to 15 seconds if zero
	Now       func() time.Time
}

// Scheduler fires a keepalive run whenever the schedule comes due.
type Scheduler struct {
	schedule  cronlib.Schedule
	expr      string
	session   Verifier
	refresher Refresher
	logger    *slog.Logger
	interval  time.Duration
	now       func() time.Time

	mu      sync.Mutex
	nextRun time.Time
	runs    int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the schedule and returns a Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Session == nil {
		return nil, fmt.Errorf("keepalive: session is required")
	}
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("keepalive: parse schedule %q: %w", cfg.Schedule, err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		schedule:  sched,
		expr:      cfg.Schedule,
		session:   cfg.Session,
		refresher: cfg.Refresher,
		logger:    logger.With("component", "keepalive"),
		interval:  interval,
		now:       now,
	}, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Lock()
	s.nextRun = s.schedule.Next(s.now())
	s.mu.Unlock()
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("keepalive started", "schedule", s.expr, "next_run_at", s.NextRun())
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("keepalive stopped")
}

// NextRun returns when the next run is due.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

// Runs returns how many runs have fired.
func (s *Scheduler) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	due := !now.Before(s.nextRun)
	if due {
		s.nextRun = s.schedule.Next(now)
	}
	s.mu.Unlock()
	if due {
		s.RunOnce(ctx)
	}
}

// RunOnce re-verifies the session and, if it is still authenticated,
// refreshes the loaded levels.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.mu.Lock()
	s.runs++
	s.mu.Unlock()

	state, err := s.session.Verify(ctx)
	if err != nil {
		s.logger.Warn("keepalive: verification failed", "state", state, "error", err)
	}
	if state != session.Authenticated {
		s.logger.Info("keepalive: session not authenticated", "state", state)
		return
	}
	if s.refresher == nil {
		return
	}
	if err := s.refresher.Refresh(ctx); err != nil {
		s.logger.Warn("keepalive: refresh failed", "error", err)
		return
	}
	s.logger.Debug("keepalive: refreshed", "next_run_at", s.NextRun())
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
