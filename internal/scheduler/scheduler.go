// Package scheduler triggers recurring conversion runs from a cron
// schedule. The watch loop re-scans the configured input roots and
// starts a run whenever the schedule fires, skipping a cycle while the
// previous run is still active.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/imgarr/internal/service"
)

// Runner starts and inspects conversion runs. *service.RunService
// satisfies it.
type Runner interface {
	StartRun(ctx context.Context, req service.RunRequest) (*service.Run, error)
	GetRun(id string) (*service.Run, error)
}

// Scheduler periodically checks a cron schedule and starts a
// conversion run over the watched inputs when it fires.
type Scheduler struct {
	mu sync.RWMutex

	runner Runner
	logger *slog.Logger

	// cron parser for validating/parsing cron expressions. Six fields,
	// seconds first, matching the config default.
	parser cron.Parser

	cronExpr string
	inputs   []string

	// Running state
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Sync interval for checking the schedule
	syncInterval time.Duration

	// lastRunID is the most recent watch-triggered run; a new cycle is
	// skipped while it is still active.
	lastRunID string
	// lastFired dedupes triggers within a single sync window.
	lastFired time.Time

	cycles  uint64
	skipped uint64
}

// Config holds configuration for the scheduler.
type Config struct {
	// CronExpr is the 6-field cron expression (seconds first).
	CronExpr string

	// Inputs are the roots re-scanned on every cycle.
	Inputs []string

	// SyncInterval is how often the schedule is checked. Default: 10s.
	SyncInterval time.Duration
}

// New creates a new scheduler.
func New(runner Runner, cfg Config) (*Scheduler, error) {
	s := &Scheduler{
		runner:       runner,
		logger:       slog.Default(),
		parser:       cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		cronExpr:     cfg.CronExpr,
		inputs:       cfg.Inputs,
		syncInterval: cfg.SyncInterval,
	}
	if s.syncInterval <= 0 {
		s.syncInterval = 10 * time.Second
	}

	if _, err := s.parser.Parse(cfg.CronExpr); err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cfg.CronExpr, err)
	}
	if len(cfg.Inputs) == 0 {
		return nil, fmt.Errorf("watch requires at least one input")
	}

	return s, nil
}

// WithLogger sets a custom logger.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// Start begins the scheduler's background watch loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return fmt.Errorf("scheduler already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.watchLoop()

	s.logger.Info("watch scheduler started",
		slog.String("cron", s.cronExpr),
		slog.Int("inputs", len(s.inputs)),
		slog.Duration("sync_interval", s.syncInterval))

	return nil
}

// Stop stops the scheduler. In-flight runs keep going; only the
// trigger loop stops.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.ctx = nil
	s.cancel = nil
	s.mu.Unlock()

	s.logger.Info("watch scheduler stopped")
}

// NextRun returns the next time the schedule fires.
func (s *Scheduler) NextRun() (time.Time, error) {
	schedule, err := s.parser.Parse(s.cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule.Next(time.Now()), nil
}

// Stats returns cycle counters.
func (s *Scheduler) Stats() (cycles, skipped uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cycles, s.skipped
}

// watchLoop periodically checks the schedule and fires due cycles.
func (s *Scheduler) watchLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.isDue() {
				s.trigger(s.ctx)
			}
		}
	}
}

// isDue checks if the cron schedule fired within the current sync
// window, deduplicating triggers across adjacent windows.
func (s *Scheduler) isDue() bool {
	schedule, err := s.parser.Parse(s.cronExpr)
	if err != nil {
		s.logger.Warn("invalid cron expression", slog.String("cron", s.cronExpr), slog.Any("error", err))
		return false
	}

	now := time.Now()
	next := schedule.Next(now.Add(-s.syncInterval))

	if next.After(now) {
		return false
	}

	s.mu.RLock()
	fired := !s.lastFired.Before(next)
	s.mu.RUnlock()

	return !fired
}

// trigger starts a watch cycle unless the previous one is still
// running.
func (s *Scheduler) trigger(ctx context.Context) {
	s.mu.Lock()
	lastRunID := s.lastRunID
	s.lastFired = time.Now()
	s.mu.Unlock()

	if lastRunID != "" {
		if run, err := s.runner.GetRun(lastRunID); err == nil && !run.State.IsTerminal() {
			s.mu.Lock()
			s.skipped++
			s.mu.Unlock()
			s.logger.Debug("skipping watch cycle, previous run still active",
				slog.String("run_id", lastRunID),
				slog.String("state", string(run.State)))
			return
		}
	}

	run, err := s.runner.StartRun(ctx, service.RunRequest{
		Inputs: s.inputs,
	})
	if err != nil {
		s.logger.Error("failed to start watch cycle", slog.Any("error", err))
		return
	}

	s.mu.Lock()
	s.lastRunID = run.ID
	s.cycles++
	s.mu.Unlock()

	s.logger.Info("watch cycle started",
		slog.String("run_id", run.ID),
		slog.Int("inputs", len(s.inputs)))
}

// ValidateCron validates a 6-field cron expression.
func ValidateCron(expr string) error {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser.Parse(expr)
	return err
}
