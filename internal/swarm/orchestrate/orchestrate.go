// Package orchestrate implements the swarm orchestrator: decomposition,
// auto-split, the wave-ordered concurrency-bounded dispatch loop, the
// six task-completion paths, and final report aggregation. Grounded on
// the teacher's internal/executor/wave.go (WaveExecutor's
// semaphore-bounded per-wave goroutine fan-out, result channel,
// wg.Wait-then-close pattern) generalized from models.Task/models.Plan
// to queue.Subtask/queue.Queue, and internal/models/result.go
// (ExecutionResult's metrics-aggregation idiom) for the final report.
package orchestrate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/harrison/conductor/internal/swarm/blackboard"
	"github.com/harrison/conductor/internal/swarm/cancel"
	"github.com/harrison/conductor/internal/swarm/economics"
	"github.com/harrison/conductor/internal/swarm/events"
	"github.com/harrison/conductor/internal/swarm/health"
	"github.com/harrison/conductor/internal/swarm/provider"
	"github.com/harrison/conductor/internal/swarm/queue"
	"github.com/harrison/conductor/internal/swarm/resilience"
	"github.com/harrison/conductor/internal/swarm/workerpool"
)

// CompletionReason classifies why a run ended, per spec.md §7.
type CompletionReason string

const (
	ReasonCompleted        CompletionReason = "completed"
	ReasonIncompleteAction CompletionReason = "incomplete_action"
	ReasonOpenTasks        CompletionReason = "open_tasks"
	ReasonFutureIntent     CompletionReason = "future_intent"
	ReasonBudgetExceeded   CompletionReason = "budget_exceeded"
	ReasonCancelled        CompletionReason = "cancelled"
	ReasonCascadeFailure   CompletionReason = "cascade_failure"
)

// Metrics summarizes one run, mirroring the teacher's ExecutionResult
// aggregation (status breakdown, totals) generalized to swarm tasks.
type Metrics struct {
	TotalTasks int
	Completed  int
	Failed     int
	Skipped    int
	TotalTokens int64
	TotalCost   float64
	Duration    time.Duration
}

// Report is the user-visible structured result of a run, per spec.md §7.
type Report struct {
	Success          bool
	Message          string
	Metrics          Metrics
	OpenTasks        []string
	CompletionReason CompletionReason
}

// WorkerResult is what a dispatched worker reports back. ToolCalls == -1
// is the timeout convention from spec.md §4.6.
type WorkerResult struct {
	Success       bool
	Output        string
	ToolCalls     int
	Usage         provider.Usage
	ClosureReport *ClosureReport
}

// WorkerFunc dispatches one subtask to a (worker, model) pair. progress
// must be invoked exactly on {tool.start, tool.complete, llm.start,
// llm.complete} per the progress-event filter contract; the orchestrator
// forwards it into the task's graceful timeout.
type WorkerFunc func(ctx context.Context, task queue.Subtask, w workerpool.Worker, progress func(eventName string)) (WorkerResult, error)

// AutoSplitConfig gates the pre-dispatch auto-split judge.
type AutoSplitConfig struct {
	Enabled         bool
	ComplexityFloor int
	MaxSubtasks     int
	ExcludedTypes   map[string]bool // defaults to {research, review, document}
}

func (a *AutoSplitConfig) applyDefaults() {
	if a.ComplexityFloor == 0 {
		a.ComplexityFloor = 6
	}
	if a.MaxSubtasks == 0 {
		a.MaxSubtasks = 4
	}
	if a.ExcludedTypes == nil {
		a.ExcludedTypes = map[string]bool{"research": true, "review": true, "document": true}
	}
}

// eligible reports whether a subtask qualifies for the auto-split judge
// call: complexity at or above the floor, and not an excluded type.
func (a AutoSplitConfig) eligible(s queue.Subtask) bool {
	return a.Enabled && s.Complexity >= a.ComplexityFloor && !a.ExcludedTypes[s.Type]
}

// Config carries the orchestrator's dispatch-loop knobs from spec.md §6.
type Config struct {
	MaxConcurrency        int
	DispatchStagger       time.Duration
	MaxTimeout            time.Duration
	IdleTimeout           time.Duration
	WrapupWindow          time.Duration
	CheckInterval         time.Duration
	HollowOutputThreshold int
	AutoSplit             AutoSplitConfig
	Resilience            resilience.Config
	Queue                 queue.Config
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 10 * time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.WrapupWindow <= 0 {
		c.WrapupWindow = 30 * time.Second
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 250 * time.Millisecond
	}
	c.AutoSplit.applyDefaults()
}

// Decomposer produces subtasks for a goal via an LLM call. It returns
// ok=false when the decomposition yielded fewer than 2 subtasks — the
// swarm then executes the goal as a single agent call rather than
// over-engineering trivial work.
type Decomposer func(ctx context.Context, goal string) (d queue.Decomposition, ok bool, err error)

// AutoSplitJudge decides whether an eligible subtask should be replaced
// by parallel children.
type AutoSplitJudge func(ctx context.Context, s queue.Subtask) (shouldSplit bool, children []queue.Subtask, err error)

// Orchestrator drives one swarm run: decompose, schedule, dispatch,
// collect, apply resilience, complete or re-queue.
type Orchestrator struct {
	cfg        Config
	q          *queue.Queue
	bb         *blackboard.Blackboard
	healthT    *health.Tracker
	selector   *workerpool.Selector
	bus        *events.Bus
	parent     *cancel.Source
	worker     WorkerFunc
	decompose  Decomposer
	judge      AutoSplitJudge
	econ       *economics.Manager
	artifacts  resilience.ArtifactTracker
}

// New builds an Orchestrator. econ and artifacts may be nil when budget
// enforcement or degraded-acceptance artifact lookup is not wired.
func New(cfg Config, bb *blackboard.Blackboard, healthT *health.Tracker, selector *workerpool.Selector, bus *events.Bus, worker WorkerFunc, decompose Decomposer, judge AutoSplitJudge, econ *economics.Manager, artifacts resilience.ArtifactTracker) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:       cfg,
		bb:        bb,
		healthT:   healthT,
		selector:  selector,
		bus:       bus,
		parent:    cancel.NewSource(),
		worker:    worker,
		decompose: decompose,
		judge:     judge,
		econ:      econ,
		artifacts: artifacts,
	}
}

// Cancel transitions the orchestrator's parent cancellation source,
// which fans out to every in-flight worker's linked token.
func (o *Orchestrator) Cancel(reason string) {
	o.parent.Cancel(reason)
}

// Run decomposes goal, builds the queue, and drives the dispatch loop to
// completion.
func (o *Orchestrator) Run(ctx context.Context, goal string) (Report, error) {
	start := time.Now()

	d, ok, err := o.decompose(ctx, goal)
	if err != nil {
		return Report{}, fmt.Errorf("decomposition: %w", err)
	}
	if !ok {
		return o.runSingleAgent(ctx, goal, start)
	}

	if o.cfg.AutoSplit.Enabled {
		d = o.applyAutoSplit(ctx, d)
	}

	q, err := queue.LoadFromDecomposition(d, o.cfg.Queue)
	if err != nil {
		return Report{}, fmt.Errorf("configuration/DAG error: %w", err)
	}
	o.q = q

	return o.dispatchAllWaves(ctx, start)
}

func (o *Orchestrator) runSingleAgent(ctx context.Context, goal string, start time.Time) (Report, error) {
	task := queue.Subtask{ID: "single", Description: goal, Complexity: 1}
	worker, ok := o.selector.Select("code")
	if !ok {
		return Report{
			Success:          false,
			Message:          "no worker available for single-agent execution",
			CompletionReason: ReasonCascadeFailure,
			Metrics:          Metrics{TotalTasks: 1, Failed: 1, Duration: time.Since(start)},
		}, nil
	}

	result, dispatchErr := o.dispatchOne(ctx, task, worker)
	reason := ReasonCompleted
	success := dispatchErr == nil && result.Success
	if !success {
		reason = classifyFailureReason(result, dispatchErr)
	}
	metrics := Metrics{TotalTasks: 1, Duration: time.Since(start), TotalTokens: result.Usage.InputTokens + result.Usage.OutputTokens, TotalCost: result.Usage.Cost}
	if success {
		metrics.Completed = 1
	} else {
		metrics.Failed = 1
	}
	return Report{Success: success, Message: result.Output, Metrics: metrics, CompletionReason: reason}, nil
}

func classifyFailureReason(r WorkerResult, err error) CompletionReason {
	if _, ok := err.(*cancel.CancellationError); ok {
		return ReasonCancelled
	}
	if r.ToolCalls == -1 {
		return ReasonIncompleteAction
	}
	if resilience.HasFutureIntent(r.Output) {
		return ReasonFutureIntent
	}
	return ReasonIncompleteAction
}

// dispatchAllWaves runs the full wave-ordered dispatch loop until every
// task reaches a terminal state or the swarm-level budget forces a stop.
func (o *Orchestrator) dispatchAllWaves(ctx context.Context, start time.Time) (Report, error) {
	for wave := 0; wave < o.q.TotalWaves(); wave = o.q.CurrentWave() + 1 {
		if o.econ != nil {
			if r := o.econ.CheckBudget(); !r.CanContinue {
				return o.buildReport(start, ReasonBudgetExceeded, "swarm-level budget exceeded"), nil
			}
		}
		if err := o.dispatchWave(ctx); err != nil {
			return o.buildReport(start, ReasonCancelled, err.Error()), err
		}
		if !o.q.IsWaveTerminal(o.q.CurrentWave()) {
			// Not every task in this wave reached a terminal state (can
			// happen if dispatchWave returned early on cancellation);
			// stop advancing rather than skipping ahead.
			break
		}
		o.bus.Emit("wave.complete", map[string]any{"wave": o.q.CurrentWave()})
		if o.q.CurrentWave()+1 >= o.q.TotalWaves() {
			break
		}
		o.q.AdvanceWave()
	}

	reason := ReasonCompleted
	open := o.openTaskIDs()
	if len(open) > 0 {
		reason = ReasonOpenTasks
	}
	return o.finalReport(start, reason, open), nil
}

func (o *Orchestrator) openTaskIDs() []string {
	var open []string
	for _, ts := range o.q.AllStates() {
		switch ts.Status {
		case queue.StatusCompleted, queue.StatusSkipped:
		default:
			open = append(open, ts.Subtask.ID)
		}
	}
	sort.Strings(open)
	return open
}

func (o *Orchestrator) finalReport(start time.Time, reason CompletionReason, open []string) Report {
	m := Metrics{Duration: time.Since(start)}
	for _, ts := range o.q.AllStates() {
		m.TotalTasks++
		switch ts.Status {
		case queue.StatusCompleted:
			m.Completed++
		case queue.StatusFailed:
			m.Failed++
		case queue.StatusSkipped:
			m.Skipped++
		}
	}
	if o.econ != nil {
		m.TotalTokens = o.econ.TotalTokens()
		m.TotalCost = o.econ.TotalCost()
	}
	success := reason == ReasonCompleted
	msg := "swarm run completed"
	if !success {
		msg = fmt.Sprintf("swarm run ended: %s", reason)
	}
	return Report{Success: success, Message: msg, Metrics: m, OpenTasks: open, CompletionReason: reason}
}

func (o *Orchestrator) buildReport(start time.Time, reason CompletionReason, message string) Report {
	r := o.finalReport(start, reason, o.openTaskIDs())
	r.Message = message
	r.Success = false
	return r
}

// applyAutoSplit replaces eligible subtasks with judge-approved children,
// capped by MaxSubtasks and a minimum complexity of 3 each. Every child
// inherits the original subtask's own dependencies, and every dependent
// of the original (wherever declared, before or after it) is rewired to
// depend on all of the children instead.
func (o *Orchestrator) applyAutoSplit(ctx context.Context, d queue.Decomposition) queue.Decomposition {
	if o.judge == nil {
		return d
	}

	replacedBy := make(map[string][]string)
	out := make([]queue.Subtask, 0, len(d.Subtasks))

	for _, s := range d.Subtasks {
		if !o.cfg.AutoSplit.eligible(s) {
			out = append(out, s)
			continue
		}
		shouldSplit, children, err := o.judge(ctx, s)
		if err != nil || !shouldSplit || len(children) == 0 {
			out = append(out, s)
			continue
		}
		if len(children) > o.cfg.AutoSplit.MaxSubtasks {
			children = children[:o.cfg.AutoSplit.MaxSubtasks]
		}
		childIDs := make([]string, len(children))
		for i := range children {
			if children[i].Complexity < 3 {
				children[i].Complexity = 3
			}
			if children[i].ID == "" {
				children[i].ID = fmt.Sprintf("%s.%d", s.ID, i+1)
			}
			children[i].Dependencies = append(append([]string{}, children[i].Dependencies...), s.Dependencies...)
			childIDs[i] = children[i].ID
		}
		replacedBy[s.ID] = childIDs
		out = append(out, children...)
	}

	if len(replacedBy) == 0 {
		d.Subtasks = out
		return d
	}

	for i := range out {
		var rewired []string
		for _, dep := range out[i].Dependencies {
			if replacements, split := replacedBy[dep]; split {
				rewired = append(rewired, replacements...)
			} else {
				rewired = append(rewired, dep)
			}
		}
		out[i].Dependencies = rewired
	}

	d.Subtasks = out
	return d
}
