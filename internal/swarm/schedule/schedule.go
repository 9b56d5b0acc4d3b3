// Package schedule triggers orchestrator runs on a cron cadence or on
// demand, independent of the interactive `conductor swarm run` path.
// Grounded on the pack's SWARM-INTELLIGENCE-NETWORK orchestrator
// scheduler (services/orchestrator/scheduler.go): a cron.Cron with
// second-precision, a per-schedule concurrency cap, and counters for
// runs/failures — generalized here from "trigger a workflow" to
// "trigger an orchestrator run against a goal".
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/harrison/conductor/internal/swarm/orchestrate"
)

// RunFunc executes one orchestrator run against a goal. It is typically
// orchestrate.Orchestrator.Run bound to a fresh or checkpoint-restored
// Orchestrator.
type RunFunc func(ctx context.Context, goal string) (orchestrate.Report, error)

// Config describes one scheduled goal.
type Config struct {
	Goal          string        `json:"goal"`
	CronExpr      string        `json:"cronExpr"`
	Enabled       bool          `json:"enabled"`
	MaxConcurrent int           `json:"maxConcurrent,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
}

type entry struct {
	cfg     Config
	cronID  cron.EntryID
	running int
}

// Scheduler owns a set of named cron schedules, each re-running a goal
// through RunFunc. Safe for concurrent use.
type Scheduler struct {
	cron *cron.Cron
	run  RunFunc

	mu      sync.Mutex
	entries map[string]*entry

	runs     metric.Int64Counter
	failures metric.Int64Counter
}

// New builds a Scheduler. meter may be nil, in which case run/failure
// counters are silently disabled rather than panicking — mirroring the
// teacher's own "metric registration errors are non-fatal" convention.
func New(run RunFunc, meter metric.Meter) *Scheduler {
	s := &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		run:     run,
		entries: make(map[string]*entry),
	}
	if meter != nil {
		s.runs, _ = meter.Int64Counter("swarm_schedule_runs_total")
		s.failures, _ = meter.Int64Counter("swarm_schedule_failures_total")
	}
	return s
}

// Start begins the cron dispatcher.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop gracefully stops the cron dispatcher, waiting for in-flight runs
// to finish or ctx to expire, whichever comes first.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddSchedule registers a named schedule. Re-adding an existing name
// replaces it.
func (s *Scheduler) AddSchedule(name string, cfg Config) error {
	if cfg.CronExpr == "" {
		return fmt.Errorf("schedule %q: cronExpr is required", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[name]; ok {
		s.cron.Remove(existing.cronID)
		delete(s.entries, name)
	}

	if !cfg.Enabled {
		s.entries[name] = &entry{cfg: cfg}
		return nil
	}

	id, err := s.cron.AddFunc(cfg.CronExpr, func() { s.execute(name) })
	if err != nil {
		return fmt.Errorf("add cron schedule %q: %w", name, err)
	}
	s.entries[name] = &entry{cfg: cfg, cronID: id}
	return nil
}

// RemoveSchedule unregisters a named schedule, a no-op if absent.
func (s *Scheduler) RemoveSchedule(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[name]; ok && existing.cronID != 0 {
		s.cron.Remove(existing.cronID)
	}
	delete(s.entries, name)
}

// ListSchedules returns every registered schedule's config, keyed by
// name.
func (s *Scheduler) ListSchedules() map[string]Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Config, len(s.entries))
	for name, e := range s.entries {
		out[name] = e.cfg
	}
	return out
}

// TriggerNow runs a named schedule immediately, bypassing its cron
// cadence, subject to the same MaxConcurrent cap as a cron-triggered
// run.
func (s *Scheduler) TriggerNow(ctx context.Context, name string) error {
	s.mu.Lock()
	_, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown schedule %q", name)
	}
	s.execute(name)
	return nil
}

func (s *Scheduler) execute(name string) {
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok || !e.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	if e.cfg.MaxConcurrent > 0 && e.running >= e.cfg.MaxConcurrent {
		s.mu.Unlock()
		return
	}
	e.running++
	cfg := e.cfg
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		e.running--
		s.mu.Unlock()
	}()

	ctx := context.Background()
	var cancel context.CancelFunc
	if cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	attrs := metric.WithAttributes(attribute.String("schedule", name))
	_, err := s.run(ctx, cfg.Goal)
	if err != nil {
		if s.failures != nil {
			s.failures.Add(ctx, 1, attrs)
		}
		return
	}
	if s.runs != nil {
		s.runs.Add(ctx, 1, attrs)
	}
}
