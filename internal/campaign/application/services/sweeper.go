package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/felixgeelhaar/cadence/pkg/observability"
)

// SweeperConfig tunes the scheduler loop.
type SweeperConfig struct {
	// Interval between ticks.
	Interval time.Duration
	// StartupGrace delays the first tick after Start.
	StartupGrace time.Duration
	// MaxSteps is the per-step fan-out width: every tick sweeps call
	// steps 0..MaxSteps-1. It must cover the longest plan in use; steps
	// beyond any active plan find no records and cost one query.
	MaxSteps int
	// Metrics receives tick, attempt and error counters. Nil means no
	// recording.
	Metrics observability.Metrics
}

// DefaultSweeperConfig returns production defaults.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:     time.Minute,
		StartupGrace: 10 * time.Second,
		MaxSteps:     8,
	}
}

// SweeperStats is a snapshot of the scheduler loop's counters.
type SweeperStats struct {
	Running        bool      `json:"running"`
	Ticks          uint64    `json:"ticks"`
	SweepErrors    uint64    `json:"sweep_errors"`
	CallsAttempted uint64    `json:"calls_attempted"`
	EmailsSent     uint64    `json:"emails_sent"`
	LastTickAt     time.Time `json:"last_tick_at"`
}

// Sweeper drives the progression engine on a fixed interval. Ticks may
// overlap when one outruns the interval; the store-level claim, not tick
// mutual exclusion, is what prevents double-processing.
type Sweeper struct {
	engine  *Progression
	config  SweeperConfig
	logger  *slog.Logger
	metrics observability.Metrics

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	ticks       atomic.Uint64
	sweepErrors atomic.Uint64
	calls       atomic.Uint64
	emails      atomic.Uint64

	lastTickMu sync.Mutex
	lastTickAt time.Time
}

// NewSweeper creates the scheduler loop around the progression engine.
func NewSweeper(engine *Progression, config SweeperConfig, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultSweeperConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.MaxSteps <= 0 {
		config.MaxSteps = defaults.MaxSteps
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Sweeper{
		engine:   engine,
		config:   config,
		logger:   logger,
		metrics:  metrics,
		stopChan: make(chan struct{}),
	}
}

// Start launches the tick loop after the startup grace period. Calling
// Start on a running sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info("sweeper started",
		"interval", s.config.Interval,
		"startup_grace", s.config.StartupGrace,
		"max_steps", s.config.MaxSteps,
	)
	return nil
}

// Stop halts the tick loop and waits for an in-flight tick to finish.
// In-flight attempts are allowed to complete. Calling Stop on a stopped
// sweeper is a no-op.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("sweeper stopped")
}

// IsRunning reports whether the tick loop is active.
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stats returns a snapshot of the loop counters.
func (s *Sweeper) Stats() SweeperStats {
	s.lastTickMu.Lock()
	lastTick := s.lastTickAt
	s.lastTickMu.Unlock()

	return SweeperStats{
		Running:        s.IsRunning(),
		Ticks:          s.ticks.Load(),
		SweepErrors:    s.sweepErrors.Load(),
		CallsAttempted: s.calls.Load(),
		EmailsSent:     s.emails.Load(),
		LastTickAt:     lastTick,
	}
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	if s.config.StartupGrace > 0 {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-time.After(s.config.StartupGrace):
		}
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			// Tick errors are already logged per sweep; they never stop
			// the timer.
			_ = s.RunOnce(ctx, time.Now().UTC())
		}
	}
}

// RunOnce executes one full sweep tick at the given time: the per-step
// call sweeps run concurrently alongside the email pass. The two email
// sweeps run back to back within the pass so a record whose email just
// landed is not re-selected by the scheduled-email query. Per-sweep
// errors are logged and joined into the returned error; the tick loop
// ignores it, callers driving ticks by hand may not.
func (s *Sweeper) RunOnce(ctx context.Context, now time.Time) error {
	timer := observability.StartTimer("sweep_tick").WithMetrics(s.metrics)
	defer timer.Stop()

	s.ticks.Add(1)
	s.metrics.Counter(observability.MetricSweepTicks, 1)
	s.lastTickMu.Lock()
	s.lastTickAt = now
	s.lastTickMu.Unlock()

	g := new(errgroup.Group)

	for step := 0; step < s.config.MaxSteps; step++ {
		g.Go(func() error {
			result, err := s.engine.SweepCalls(ctx, now, step)
			s.calls.Add(uint64(result.Calls))
			if result.Calls > 0 {
				s.metrics.Counter(observability.MetricCallsAttempted, int64(result.Calls))
			}
			if err != nil {
				s.sweepErrors.Add(1)
				s.metrics.Counter(observability.MetricSweepErrors, 1)
				s.logger.Error("call sweep failed", "step", step, "error", err)
				return fmt.Errorf("call sweep step %d: %w", step, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		errEmail := s.runEmailSweep(ctx, now, s.engine.SweepEmails, "email sweep")
		errScheduled := s.runEmailSweep(ctx, now, s.engine.SweepScheduledEmails, "scheduled email sweep")
		return errors.Join(errEmail, errScheduled)
	})

	return g.Wait()
}

func (s *Sweeper) runEmailSweep(ctx context.Context, now time.Time, sweep func(context.Context, time.Time) (SweepResult, error), name string) error {
	result, err := sweep(ctx, now)
	s.emails.Add(uint64(result.Emails))
	if result.Emails > 0 {
		s.metrics.Counter(observability.MetricEmailsSent, int64(result.Emails))
	}
	if err != nil {
		s.sweepErrors.Add(1)
		s.metrics.Counter(observability.MetricSweepErrors, 1)
		s.logger.Error(name+" failed", "error", err)
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
