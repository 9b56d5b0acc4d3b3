// Package queue implements the task queue and wave scheduler: loading a
// decomposition into an internal DAG, computing wave assignments with
// write-write file-conflict serialization, and exposing a ready-set view
// that respects dependencies, partial-dependency thresholds, and wave
// ordering. Evolved from the teacher's internal/executor/graph.go
// (DependencyGraph, HasCycle DFS coloring, CalculateWaves Kahn's
// algorithm) generalized from models.Task to Subtask.
package queue

import (
	"errors"
	"fmt"
	"sort"
)

// Status is a task's position in its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusReady      Status = "ready"
	StatusDispatched Status = "dispatched"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// FailureMode classifies why a task failed, driving the partial-dependency
// leniency table.
type FailureMode string

const (
	FailureNone      FailureMode = ""
	FailureTimeout   FailureMode = "timeout"
	FailureRateLimit FailureMode = "rate-limit"
	FailureError     FailureMode = "error"
	FailureQuality   FailureMode = "quality"
	FailureHollow    FailureMode = "hollow"
	FailureCascade   FailureMode = "cascade"
)

// leniencyTable maps a failure mode to the threshold a partial-dependency
// computation should use when that mode appears among a task's failed
// deps. Lower values are more lenient (more forgiving).
var leniencyTable = map[FailureMode]float64{
	FailureTimeout:   0.3,
	FailureRateLimit: 0.3,
	FailureError:     0.5,
	FailureQuality:   0.7,
	FailureHollow:    0.7,
	FailureCascade:   0.8,
}

// Subtask is the semantic identity of a unit of work, per spec.md §3.
type Subtask struct {
	ID             string
	Description    string
	Type           string
	Dependencies   []string
	Complexity     int
	Parallelizable bool
	RelevantFiles  []string
}

// PartialContext records which upstream dependencies succeeded or failed
// when a task proceeds with a subset of its dependencies satisfied.
type PartialContext struct {
	Succeeded []string
	Failed    []string
}

// TaskState is the mutable state attached to each subtask in the queue.
type TaskState struct {
	Subtask        Subtask
	Status         Status
	Wave           int
	Attempts       int
	FailureMode    FailureMode
	PartialContext *PartialContext
}

// ErrCyclicDependency is returned when the input subtasks do not form a
// DAG.
var ErrCyclicDependency = errors.New("cyclic dependency detected")

// Conflict describes a write-write conflict between tasks over a shared
// resource, to be serialized across successive waves in declaration
// order.
type Conflict struct {
	Resource string
	TaskIDs  []string // declaration order
	Strategy string    // "serialize" | "ignore"
}

// Decomposition is the input to loadFromDecomposition: a flat list of
// subtasks plus optional explicit parallel groups and conflicts.
type Decomposition struct {
	Subtasks       []Subtask
	ParallelGroups [][]string
	Conflicts      []Conflict
}

// Config carries the load-time knobs from spec.md §6.
type Config struct {
	MaxDispatchesPerTask      int
	PartialDependencyThreshold float64
	FileConflictStrategy      string // "serialize" | "ignore"
}

// Queue is the task queue and wave scheduler for one swarm run.
type Queue struct {
	cfg         Config
	tasks       map[string]*TaskState
	order       []string // stable declaration order, for deterministic iteration
	dependents  map[string][]string
	currentWave int
	totalWaves  int
}

// LoadFromDecomposition builds a Queue from a decomposition result,
// assigning waves and applying file-conflict serialization.
func LoadFromDecomposition(d Decomposition, cfg Config) (*Queue, error) {
	if cfg.MaxDispatchesPerTask <= 0 {
		cfg.MaxDispatchesPerTask = 3
	}
	if cfg.PartialDependencyThreshold <= 0 {
		cfg.PartialDependencyThreshold = 1.0
	}
	if cfg.FileConflictStrategy == "" {
		cfg.FileConflictStrategy = "serialize"
	}

	q := &Queue{
		cfg:        cfg,
		tasks:      make(map[string]*TaskState, len(d.Subtasks)),
		dependents: make(map[string][]string),
	}

	for _, s := range d.Subtasks {
		if _, exists := q.tasks[s.ID]; exists {
			return nil, fmt.Errorf("duplicate subtask id %q", s.ID)
		}
		q.tasks[s.ID] = &TaskState{Subtask: s, Status: StatusPending}
		q.order = append(q.order, s.ID)
	}

	for _, s := range d.Subtasks {
		for _, dep := range s.Dependencies {
			if _, ok := q.tasks[dep]; !ok {
				return nil, fmt.Errorf("subtask %q depends on unknown subtask %q", s.ID, dep)
			}
			q.dependents[dep] = append(q.dependents[dep], s.ID)
		}
	}

	if err := q.detectCycle(); err != nil {
		return nil, err
	}

	q.assignWavesByDependency()

	if cfg.FileConflictStrategy == "serialize" {
		for _, c := range d.Conflicts {
			if c.Strategy != "" && c.Strategy != "serialize" {
				continue
			}
			q.serializeConflict(c)
		}
	}

	q.recomputeTotalWaves()

	if len(d.ParallelGroups) == 0 {
		// All roots already land in wave 0 by construction of
		// assignWavesByDependency; nothing further to do.
	}

	q.promoteReadyAtWave(0)

	return q, nil
}

func (q *Queue) detectCycle() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(q.tasks))
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, dep := range q.tasks[id].Subtask.Dependencies {
			if dep == id {
				return ErrCyclicDependency
			}
			switch color[dep] {
			case gray:
				return ErrCyclicDependency
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for _, id := range q.order {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// assignWavesByDependency computes wave(s) = 1 + max(wave(d) for d in
// deps(s)), with roots at wave 0.
func (q *Queue) assignWavesByDependency() {
	memo := make(map[string]int, len(q.tasks))
	var waveOf func(id string) int
	waveOf = func(id string) int {
		if w, ok := memo[id]; ok {
			return w
		}
		deps := q.tasks[id].Subtask.Dependencies
		if len(deps) == 0 {
			memo[id] = 0
			return 0
		}
		max := -1
		for _, dep := range deps {
			if w := waveOf(dep); w > max {
				max = w
			}
		}
		w := max + 1
		memo[id] = w
		return w
	}
	for _, id := range q.order {
		q.tasks[id].Wave = waveOf(id)
	}
}

// serializeConflict chains conflicting tasks across successive waves in
// declaration order, never reordering across a dependency edge (a
// conflict edge that would contradict an existing dependency edge is
// skipped — the dependency wins).
func (q *Queue) serializeConflict(c Conflict) {
	prevWave := -1
	for i, id := range c.TaskIDs {
		ts, ok := q.tasks[id]
		if !ok {
			continue
		}
		if i == 0 {
			prevWave = ts.Wave
			continue
		}
		minWave := prevWave + 1
		if ts.Wave < minWave {
			q.bumpWaveTransitively(id, minWave)
		}
		prevWave = q.tasks[id].Wave
	}
}

// bumpWaveTransitively raises id's wave to at least minWave, propagating
// the increase to every transitive dependent so wave(d) < wave(s) is
// preserved.
func (q *Queue) bumpWaveTransitively(id string, minWave int) {
	ts := q.tasks[id]
	if ts.Wave >= minWave {
		return
	}
	ts.Wave = minWave
	for _, dependent := range q.dependents[id] {
		q.bumpWaveTransitively(dependent, ts.Wave+1)
	}
}

func (q *Queue) recomputeTotalWaves() {
	max := 0
	for _, ts := range q.tasks {
		if ts.Wave > max {
			max = ts.Wave
		}
	}
	q.totalWaves = max + 1
}

// TotalWaves returns the number of waves in the plan.
func (q *Queue) TotalWaves() int {
	return q.totalWaves
}

// CurrentWave returns the wave currently being dispatched.
func (q *Queue) CurrentWave() int {
	return q.currentWave
}

// effectiveThreshold computes θ(s) = min(configured, table[mode] for
// failed deps of s).
func (q *Queue) effectiveThreshold(s *TaskState) float64 {
	theta := q.cfg.PartialDependencyThreshold
	for _, depID := range s.Subtask.Dependencies {
		dep, ok := q.tasks[depID]
		if !ok || dep.Status != StatusFailed {
			continue
		}
		if leniency, ok := leniencyTable[dep.FailureMode]; ok && leniency < theta {
			theta = leniency
		}
	}
	return theta
}

// depSatisfaction reports how many of s's dependencies succeeded versus
// how many are in a terminal state at all.
func (q *Queue) depSatisfaction(s *TaskState) (succeeded, total int, allTerminal bool) {
	allTerminal = true
	for _, depID := range s.Subtask.Dependencies {
		dep := q.tasks[depID]
		total++
		switch dep.Status {
		case StatusCompleted:
			succeeded++
		case StatusFailed, StatusSkipped:
			// terminal, but not succeeded
		default:
			allTerminal = false
		}
	}
	return
}

// promoteReadyAtWave promotes pending tasks at the given wave to ready
// when their dependency satisfaction clears the effective threshold, and
// cascade-skips those that don't.
func (q *Queue) promoteReadyAtWave(wave int) {
	for _, id := range q.order {
		ts := q.tasks[id]
		if ts.Status != StatusPending || ts.Wave != wave {
			continue
		}
		succeeded, total, allTerminal := q.depSatisfaction(ts)
		if !allTerminal {
			continue
		}
		if total == 0 {
			ts.Status = StatusReady
			continue
		}
		theta := q.effectiveThreshold(ts)
		ratio := float64(succeeded) / float64(total)
		if ratio >= theta {
			ts.Status = StatusReady
			if succeeded < total {
				ts.PartialContext = q.buildPartialContext(ts)
			}
		} else {
			q.skipWithCascade(id)
		}
	}
}

func (q *Queue) buildPartialContext(s *TaskState) *PartialContext {
	pc := &PartialContext{}
	for _, depID := range s.Subtask.Dependencies {
		dep := q.tasks[depID]
		if dep.Status == StatusCompleted {
			pc.Succeeded = append(pc.Succeeded, depID)
		} else {
			pc.Failed = append(pc.Failed, depID)
		}
	}
	return pc
}

// skipWithCascade marks id skipped and recurses into its dependents,
// applying the same threshold test (a dependent may still proceed via
// its own, more lenient effective threshold if it has other succeeded
// deps).
func (q *Queue) skipWithCascade(id string) {
	ts := q.tasks[id]
	if ts.Status == StatusSkipped || ts.Status == StatusCompleted {
		return
	}
	ts.Status = StatusSkipped
	ts.FailureMode = FailureCascade
	for _, dependentID := range q.dependents[id] {
		dependent := q.tasks[dependentID]
		if dependent.Status != StatusPending {
			continue
		}
		succeeded, total, allTerminal := q.depSatisfaction(dependent)
		if !allTerminal {
			continue
		}
		theta := q.effectiveThreshold(dependent)
		if total > 0 && float64(succeeded)/float64(total) < theta {
			q.skipWithCascade(dependentID)
		}
	}
}

// TriggerCascadeSkip re-evaluates id's dependents against the partial
// threshold — used after a dispatch-time failure to propagate skips that
// promoteReadyAtWave alone would not reach (e.g. failures discovered
// mid-wave rather than at load time).
func (q *Queue) TriggerCascadeSkip(id string) {
	for _, dependentID := range q.dependents[id] {
		dependent := q.tasks[dependentID]
		if dependent.Status != StatusPending {
			continue
		}
		succeeded, total, allTerminal := q.depSatisfaction(dependent)
		if !allTerminal {
			continue
		}
		theta := q.effectiveThreshold(dependent)
		if total > 0 && float64(succeeded)/float64(total) < theta {
			q.skipWithCascade(dependentID)
		}
	}
}

// ErrAlreadyDispatched guards against double-dispatch of the same task.
var ErrAlreadyDispatched = errors.New("task already dispatched")

// ErrMaxDispatchesExceeded guards against exceeding the configured
// dispatch cap.
var ErrMaxDispatchesExceeded = errors.New("max dispatches per task exceeded")

// MarkDispatched transitions ready -> dispatched, recording the model and
// incrementing attempts.
func (q *Queue) MarkDispatched(id string) error {
	ts, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("unknown task %q", id)
	}
	if ts.Status == StatusDispatched {
		return ErrAlreadyDispatched
	}
	if ts.Status != StatusReady {
		return fmt.Errorf("task %q is not ready (status=%s)", id, ts.Status)
	}
	if ts.Attempts >= q.cfg.MaxDispatchesPerTask {
		return ErrMaxDispatchesExceeded
	}
	ts.Status = StatusDispatched
	ts.Attempts++
	return nil
}

// MarkCompleted transitions dispatched -> completed and recomputes
// readiness of dependents within the current wave structure.
func (q *Queue) MarkCompleted(id string) error {
	ts, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("unknown task %q", id)
	}
	ts.Status = StatusCompleted
	for _, dependentID := range q.dependents[id] {
		q.maybePromote(dependentID)
	}
	return nil
}

func (q *Queue) maybePromote(id string) {
	ts := q.tasks[id]
	if ts.Status != StatusPending {
		return
	}
	succeeded, total, allTerminal := q.depSatisfaction(ts)
	if !allTerminal {
		return
	}
	theta := q.effectiveThreshold(ts)
	ratio := 1.0
	if total > 0 {
		ratio = float64(succeeded) / float64(total)
	}
	if ratio >= theta {
		ts.Status = StatusReady
		if succeeded < total {
			ts.PartialContext = q.buildPartialContext(ts)
		}
	} else {
		q.skipWithCascade(id)
	}
}

// MarkFailed transitions dispatched -> failed with the given mode. The
// caller decides whether to re-enqueue (attempts < MaxDispatchesPerTask)
// or treat it as terminal.
func (q *Queue) MarkFailed(id string, mode FailureMode) error {
	ts, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("unknown task %q", id)
	}
	ts.Status = StatusFailed
	ts.FailureMode = mode
	return nil
}

// Requeue returns a failed task to the queue, provided it has attempts
// remaining. It is re-evaluated like a pending task: ready once every
// dependency is terminal and the partial threshold is met (so a task
// given new children by AddDependency waits on them).
func (q *Queue) Requeue(id string) error {
	ts, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("unknown task %q", id)
	}
	if ts.Status != StatusFailed {
		return fmt.Errorf("task %q is not failed (status=%s)", id, ts.Status)
	}
	if ts.Attempts >= q.cfg.MaxDispatchesPerTask {
		return ErrMaxDispatchesExceeded
	}
	ts.Status = StatusPending
	q.maybePromote(id)
	return nil
}

// AdvanceWave promotes pending tasks at the next wave to ready.
func (q *Queue) AdvanceWave() {
	q.currentWave++
	q.promoteReadyAtWave(q.currentWave)
}

// IsWaveTerminal reports whether every task scheduled in wave is in a
// terminal state (completed, failed, or skipped).
func (q *Queue) IsWaveTerminal(wave int) bool {
	for _, id := range q.order {
		ts := q.tasks[id]
		if ts.Wave != wave {
			continue
		}
		switch ts.Status {
		case StatusCompleted, StatusFailed, StatusSkipped:
		default:
			return false
		}
	}
	return true
}

// GetReadyTasks returns ready tasks restricted to the current wave,
// sorted by (complexity desc) to match the dispatch-order contract used
// downstream by the orchestrator.
func (q *Queue) GetReadyTasks() []Subtask {
	return q.readyAtWave(q.currentWave)
}

func (q *Queue) readyAtWave(wave int) []Subtask {
	var out []Subtask
	for _, id := range q.order {
		ts := q.tasks[id]
		if ts.Status == StatusReady && ts.Wave == wave {
			out = append(out, ts.Subtask)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Complexity != out[j].Complexity {
			return out[i].Complexity > out[j].Complexity
		}
		return len(out[i].Dependencies) < len(out[j].Dependencies)
	})
	return out
}

// GetAllReadyTasks spans every wave, sorted by (wave asc, complexity
// desc).
func (q *Queue) GetAllReadyTasks() []Subtask {
	var out []Subtask
	for _, id := range q.order {
		ts := q.tasks[id]
		if ts.Status == StatusReady {
			out = append(out, ts.Subtask)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		wi, wj := q.tasks[out[i].ID].Wave, q.tasks[out[j].ID].Wave
		if wi != wj {
			return wi < wj
		}
		return out[i].Complexity > out[j].Complexity
	})
	return out
}

// State returns a copy of the current state for a task id.
func (q *Queue) State(id string) (TaskState, bool) {
	ts, ok := q.tasks[id]
	if !ok {
		return TaskState{}, false
	}
	return *ts, true
}

// AllStates returns every task state in declaration order.
func (q *Queue) AllStates() []TaskState {
	out := make([]TaskState, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, *q.tasks[id])
	}
	return out
}

// PartialThresholdFor exposes the effective partial-dependency threshold
// for a task, for testing and diagnostics.
func (q *Queue) PartialThresholdFor(id string) float64 {
	return q.effectiveThreshold(q.tasks[id])
}

// InsertTask adds a new subtask to the queue (used by micro-decompose
// resilience: inserting children at the same wave as the task they
// replace). The new task starts pending and is immediately evaluated for
// readiness at its wave.
func (q *Queue) InsertTask(s Subtask, wave int) {
	q.tasks[s.ID] = &TaskState{Subtask: s, Status: StatusPending, Wave: wave}
	q.order = append(q.order, s.ID)
	for _, dep := range s.Dependencies {
		q.dependents[dep] = append(q.dependents[dep], s.ID)
	}
	if wave+1 > q.totalWaves {
		q.totalWaves = wave + 1
	}
	q.promoteReadyAtWave(wave)
}

// AddDependency makes existing task id additionally depend on dependsOn
// (used by micro-decompose: the original failed task depends on its new
// children). It does not re-run cycle detection; callers are responsible
// for only creating acyclic edges (children never depend on their
// parent).
func (q *Queue) AddDependency(id, dependsOn string) {
	ts := q.tasks[id]
	ts.Subtask.Dependencies = append(ts.Subtask.Dependencies, dependsOn)
	q.dependents[dependsOn] = append(q.dependents[dependsOn], id)
	if childWave := q.tasks[dependsOn].Wave; ts.Wave <= childWave {
		q.bumpWaveTransitively(id, childWave+1)
		q.recomputeTotalWaves()
	}
}

// CheckpointState is the serializable snapshot of the queue.
type CheckpointState struct {
	CurrentWave int                  `json:"currentWave"`
	TotalWaves  int                  `json:"totalWaves"`
	Tasks       []CheckpointTaskState `json:"tasks"`
}

// CheckpointTaskState is one task's serializable state.
type CheckpointTaskState struct {
	ID          string          `json:"id"`
	Status      Status          `json:"status"`
	Wave        int             `json:"wave"`
	Attempts    int             `json:"attempts"`
	FailureMode FailureMode     `json:"failureMode,omitempty"`
	Partial     *PartialContext `json:"partialContext,omitempty"`
}

// GetCheckpointState captures the queue's state for persistence.
func (q *Queue) GetCheckpointState() CheckpointState {
	cs := CheckpointState{CurrentWave: q.currentWave, TotalWaves: q.totalWaves}
	for _, id := range q.order {
		ts := q.tasks[id]
		cs.Tasks = append(cs.Tasks, CheckpointTaskState{
			ID:          id,
			Status:      ts.Status,
			Wave:        ts.Wave,
			Attempts:    ts.Attempts,
			FailureMode: ts.FailureMode,
			Partial:     ts.PartialContext,
		})
	}
	return cs
}

// RestoreFromCheckpoint applies a previously captured checkpoint onto a
// queue already loaded from the same decomposition (subtask identities
// and dependency edges come from LoadFromDecomposition; only mutable
// state is restored here).
func (q *Queue) RestoreFromCheckpoint(cs CheckpointState) error {
	q.currentWave = cs.CurrentWave
	q.totalWaves = cs.TotalWaves
	for _, cts := range cs.Tasks {
		ts, ok := q.tasks[cts.ID]
		if !ok {
			return fmt.Errorf("checkpoint references unknown task %q", cts.ID)
		}
		ts.Status = cts.Status
		ts.Wave = cts.Wave
		ts.Attempts = cts.Attempts
		ts.FailureMode = cts.FailureMode
		ts.PartialContext = cts.Partial
	}
	return nil
}
