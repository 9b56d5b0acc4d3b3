// Package checkpoint persists and restores a swarm run's full state: the
// task queue, model health, shared blackboard, and budget accounting,
// composed into the single JSON document described by spec.md §6. The
// composing packages (queue, health, blackboard) already know how to
// snapshot and restore themselves; this package's job is gluing their
// views together and getting the result onto disk.
package checkpoint

import (
	"time"

	"github.com/harrison/conductor/internal/swarm/blackboard"
	"github.com/harrison/conductor/internal/swarm/health"
	"github.com/harrison/conductor/internal/swarm/queue"
)

// Stats mirrors spec.md §6's stats{totalTokens,totalCost,qualityRejections,retries}.
type Stats struct {
	TotalTokens       int64   `json:"totalTokens"`
	TotalCost         float64 `json:"totalCost"`
	QualityRejections int     `json:"qualityRejections"`
	Retries           int     `json:"retries"`
}

// Decision records one resilience or auto-split decision made during the
// run, for the decisions[] field.
type Decision struct {
	TaskID    string    `json:"taskId"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

// SharedEconomics is an informational view of budget accounting at
// checkpoint time. It is not restored into a live economics.Manager on
// load — the manager has no restore hook, by design, so that resuming a
// session always starts a fresh doom-loop/phase detector rather than
// risking divergence between the persisted and live counters. Callers
// that want budget continuity across a resume should seed a new
// Manager's baseline from these fields explicitly.
type SharedEconomics struct {
	TotalTokens int64   `json:"totalTokens"`
	TotalCost   float64 `json:"totalCost"`
	PercentUsed float64 `json:"percentUsed"`
}

// Snapshot is the checkpoint document from spec.md §6. Absence of the
// optional SharedContext/SharedEconomics fields must load cleanly, so
// both are pointers.
type Snapshot struct {
	SessionID       string                      `json:"sessionId"`
	Timestamp       time.Time                   `json:"timestamp"`
	Phase           string                      `json:"phase"`
	TaskStates      []queue.CheckpointTaskState `json:"taskStates"`
	Waves           [][]string                  `json:"waves"`
	CurrentWave     int                         `json:"currentWave"`
	Stats           Stats                       `json:"stats"`
	ModelHealth     []health.Snapshot           `json:"modelHealth"`
	Decisions       []Decision                  `json:"decisions"`
	Errors          []string                    `json:"errors"`
	SharedContext   *blackboard.Snapshot        `json:"sharedContext,omitempty"`
	SharedEconomics *SharedEconomics            `json:"sharedEconomics,omitempty"`
}

// Build composes a Snapshot from the live state of a run. now is
// injected rather than calling time.Now directly so callers can produce
// deterministic snapshots in tests.
func Build(sessionID, phase string, now time.Time, q *queue.Queue, healthT *health.Tracker, bb *blackboard.Blackboard, stats Stats, decisions []Decision, errs []string, econ *SharedEconomics) Snapshot {
	cs := q.GetCheckpointState()
	snap := Snapshot{
		SessionID:   sessionID,
		Timestamp:   now,
		Phase:       phase,
		TaskStates:  cs.Tasks,
		Waves:       wavesFromTasks(cs.Tasks, cs.TotalWaves),
		CurrentWave: cs.CurrentWave,
		Stats:       stats,
		ModelHealth: healthT.Snapshot(),
		Decisions:   decisions,
		Errors:      errs,
	}
	if bb != nil {
		s := bb.Snapshot()
		snap.SharedContext = &s
	}
	if econ != nil {
		snap.SharedEconomics = econ
	}
	return snap
}

// Restore applies a Snapshot onto a freshly-loaded queue and health
// tracker (the task identities and dependency edges must already exist,
// typically from the same decomposition that produced the checkpoint).
// The blackboard, if present, is restored in place; economics is left
// untouched — see SharedEconomics's doc comment.
func Restore(snap Snapshot, q *queue.Queue, healthT *health.Tracker, bb *blackboard.Blackboard) error {
	if err := q.RestoreFromCheckpoint(queue.CheckpointState{
		CurrentWave: snap.CurrentWave,
		TotalWaves:  len(snap.Waves),
		Tasks:       snap.TaskStates,
	}); err != nil {
		return err
	}
	healthT.Restore(snap.ModelHealth)
	if bb != nil && snap.SharedContext != nil {
		bb.Restore(*snap.SharedContext)
	}
	return nil
}

func wavesFromTasks(tasks []queue.CheckpointTaskState, totalWaves int) [][]string {
	waves := make([][]string, totalWaves)
	for i := range waves {
		waves[i] = []string{}
	}
	for _, t := range tasks {
		if t.Wave < 0 || t.Wave >= len(waves) {
			continue
		}
		waves[t.Wave] = append(waves[t.Wave], t.ID)
	}
	return waves
}
