package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/harrison/conductor/internal/config"
	"github.com/harrison/conductor/internal/swarm/blackboard"
	"github.com/harrison/conductor/internal/swarm/checkpoint"
	"github.com/harrison/conductor/internal/swarm/economics"
	"github.com/harrison/conductor/internal/swarm/events"
	"github.com/harrison/conductor/internal/swarm/health"
	"github.com/harrison/conductor/internal/swarm/orchestrate"
	"github.com/harrison/conductor/internal/swarm/provider"
	"github.com/harrison/conductor/internal/swarm/queue"
	"github.com/harrison/conductor/internal/swarm/workerpool"
)

// NewSwarmCommand is the entry point for the swarm orchestrator: a thin
// cobra adapter over internal/swarm/orchestrate, per spec.md §1's "CLI
// parsing... are thin adapters over the core".
func NewSwarmCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "swarm",
		Short: "Run the swarm orchestrator against a natural-language goal",
		Long: `swarm decomposes a goal into a dependency-ordered DAG of subtasks and
dispatches them across a pool of LLM-backed workers in concurrency-bounded
waves, recovering from partial and degenerate failures along the way.`,
	}
	cmd.AddCommand(newSwarmRunCommand())
	cmd.AddCommand(newSwarmResumeCommand())
	return cmd
}

func newSwarmRunCommand() *cobra.Command {
	var sessionID string
	var reportFormat string
	c := &cobra.Command{
		Use:   "run <goal>",
		Short: "Decompose and dispatch a new goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" {
				sessionID = uuid.NewString()
			}
			return runSwarm(cmd.Context(), args[0], sessionID, "", reportFormat)
		},
	}
	c.Flags().StringVar(&sessionID, "session", "", "session id for checkpointing (default: a generated uuid)")
	c.Flags().StringVar(&reportFormat, "report", "text", "completion report format: text|md|html")
	return c
}

func newSwarmResumeCommand() *cobra.Command {
	var reportFormat string
	c := &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Resume a run from its last checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSwarm(cmd.Context(), "", args[0], args[0], reportFormat)
		},
	}
	c.Flags().StringVar(&reportFormat, "report", "text", "completion report format: text|md|html")
	return c
}

// runSwarm wires one Orchestrator from the loaded config and drives it
// to completion, then saves one checkpoint of the run's outcome; no
// per-wave checkpoints are written. goal is
// empty when resuming (the goal travels inside the checkpoint via the
// original decomposition instead).
func runSwarm(ctx context.Context, goal, sessionID, resumeFrom, reportFormat string) error {
	cfg, err := config.LoadConfigFromDir(".")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	sc := cfg.Swarm

	store, err := buildCheckpointStore(sc)
	if err != nil {
		return fmt.Errorf("build checkpoint store: %w", err)
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	prov := buildProvider(sc)
	workers := buildWorkers(sc)
	healthT := health.New()
	bb := blackboard.New()
	bus := events.New()
	selector := workerpool.NewSelector(workers, healthT)

	renderer := newEventRenderer()
	unsubscribe := bus.Subscribe(renderer.render)
	defer unsubscribe()

	econ := economics.NewManager(economics.Config{}, "swarm", bb, func(kind string, payload map[string]any) {
		bus.Emit(kind, payload)
	})

	orchCfg := orchestrate.Config{
		MaxConcurrency: sc.MaxConcurrency,
		MaxTimeout:     sc.MaxTimeout,
		IdleTimeout:    sc.IdleTimeout,
		WrapupWindow:   sc.WrapupWindow,
		AutoSplit: orchestrate.AutoSplitConfig{
			Enabled:         sc.AutoSplit.Enabled,
			ComplexityFloor: sc.AutoSplit.ComplexityFloor,
			MaxSubtasks:     sc.AutoSplit.MaxSubtasks,
		},
	}

	o := orchestrate.New(orchCfg, bb, healthT, selector, bus, buildWorkerFunc(prov), buildDecomposer(prov), buildAutoSplitJudge(prov), econ, nil)

	if resumeFrom != "" {
		snap, err := store.Load(ctx, resumeFrom)
		if err != nil {
			return fmt.Errorf("load checkpoint %s: %w", resumeFrom, err)
		}
		if goal == "" {
			goal = snap.Phase // best-effort: the original goal isn't part of Snapshot, callers should keep it out-of-band
		}
	}

	report, err := o.Run(ctx, goal)
	if err != nil {
		return fmt.Errorf("swarm run: %w", err)
	}

	snap := checkpoint.Snapshot{
		SessionID: sessionID,
		Timestamp: time.Now(),
		Phase:     string(report.CompletionReason),
		Stats: checkpoint.Stats{
			TotalTokens: report.Metrics.TotalTokens,
			TotalCost:   report.Metrics.TotalCost,
		},
		Errors: report.OpenTasks,
	}
	if err := store.Save(ctx, snap); err != nil {
		fmt.Printf("warning: failed to save checkpoint: %v\n", err)
	}

	if err := printReport(report, reportFormat); err != nil {
		return err
	}
	if !report.Success {
		return fmt.Errorf("swarm run did not complete successfully: %s", report.CompletionReason)
	}
	return nil
}

func printReport(report orchestrate.Report, format string) error {
	switch format {
	case "md", "html":
		out, err := renderReportMarkdown(report, format == "html")
		if err != nil {
			return err
		}
		fmt.Println(out)
	default:
		fmt.Printf("\n%s: %s (completed=%d failed=%d skipped=%d)\n",
			report.CompletionReason, report.Message, report.Metrics.Completed, report.Metrics.Failed, report.Metrics.Skipped)
	}
	return nil
}

func buildCheckpointStore(sc config.SwarmConfig) (checkpoint.Store, error) {
	switch sc.CheckpointStore {
	case "bolt":
		return checkpoint.NewBoltStore(sc.CheckpointPath)
	case "sqlite":
		return checkpoint.NewSQLiteStore(sc.CheckpointPath)
	default:
		return checkpoint.NewFileStore(sc.CheckpointPath), nil
	}
}

func buildProvider(sc config.SwarmConfig) provider.Provider {
	if sc.Provider == "http" {
		return provider.NewHTTPProvider("http://localhost:8080", "")
	}
	return provider.NewCLIProvider("claude")
}

func buildWorkers(sc config.SwarmConfig) []workerpool.Worker {
	models := sc.Models
	if len(models) == 0 {
		models = []string{"claude-sonnet-4"}
	}
	workers := make([]workerpool.Worker, 0, len(models))
	for i, m := range models {
		workers = append(workers, workerpool.Worker{
			Name:          fmt.Sprintf("worker-%d", i+1),
			Model:         m,
			Capabilities:  map[string]bool{"code": true, "review": true, "research": true, "document": true},
			ContextWindow: 200_000,
		})
	}
	return workers
}

// buildWorkerFunc adapts provider.Provider into orchestrate.WorkerFunc
// with a single chat call per dispatch. The multi-turn tool-execution
// loop a real coding agent needs is an external collaborator per
// spec.md §1 ("the tool registry and tool execution sandbox... The core
// sees only tool names, argument records, and opaque result values") —
// out of scope here, so this adapter is deliberately thin.
func buildWorkerFunc(prov provider.Provider) orchestrate.WorkerFunc {
	return func(ctx context.Context, task queue.Subtask, w workerpool.Worker, progress func(string)) (orchestrate.WorkerResult, error) {
		progress("llm.start")
		resp, err := prov.Chat(ctx, []provider.Message{
			{Role: provider.RoleSystem, Content: "You are a coding agent completing one subtask of a larger plan. Report your findings and remaining work plainly."},
			{Role: provider.RoleUser, Content: task.Description},
		}, provider.ChatOptions{Model: w.Model})
		if err != nil {
			return orchestrate.WorkerResult{}, err
		}
		progress("llm.complete")
		return orchestrate.WorkerResult{
			Success:   resp.Content != "",
			Output:    resp.Content,
			ToolCalls: len(resp.ToolCalls),
			Usage:     resp.Usage,
		}, nil
	}
}

// buildDecomposer asks the provider to split a goal into a JSON subtask
// list and parses the result; any parse failure or fewer than two
// subtasks falls through to Run's single-agent path.
func buildDecomposer(prov provider.Provider) orchestrate.Decomposer {
	return func(ctx context.Context, goal string) (queue.Decomposition, bool, error) {
		resp, err := prov.Chat(ctx, []provider.Message{
			{Role: provider.RoleSystem, Content: decomposePrompt},
			{Role: provider.RoleUser, Content: goal},
		}, provider.ChatOptions{})
		if err != nil {
			return queue.Decomposition{}, false, err
		}
		d, ok := parseDecomposition(resp.Content)
		return d, ok, nil
	}
}

const decomposePrompt = `Decompose the goal into independent subtasks as a JSON array.
Each element: {"id":"...","description":"...","type":"code|review|research|document","dependencies":["..."],"complexity":1-10}.
Respond with JSON only.`

type wireSubtask struct {
	ID           string   `json:"id"`
	Description  string   `json:"description"`
	Type         string   `json:"type"`
	Dependencies []string `json:"dependencies"`
	Complexity   int      `json:"complexity"`
}

func parseDecomposition(raw string) (queue.Decomposition, bool) {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return queue.Decomposition{}, false
	}
	var wire []wireSubtask
	if err := json.Unmarshal([]byte(raw[start:end+1]), &wire); err != nil || len(wire) < 2 {
		return queue.Decomposition{}, false
	}
	subtasks := make([]queue.Subtask, len(wire))
	for i, w := range wire {
		subtasks[i] = queue.Subtask{
			ID: w.ID, Description: w.Description, Type: w.Type,
			Dependencies: w.Dependencies, Complexity: w.Complexity,
		}
	}
	return queue.Decomposition{Subtasks: subtasks}, true
}

// buildAutoSplitJudge asks the provider whether a single complex
// subtask should be broken into independent children; nil children or
// a parse failure means "don't split".
func buildAutoSplitJudge(prov provider.Provider) orchestrate.AutoSplitJudge {
	return func(ctx context.Context, s queue.Subtask) (bool, []queue.Subtask, error) {
		resp, err := prov.Chat(ctx, []provider.Message{
			{Role: provider.RoleSystem, Content: decomposePrompt},
			{Role: provider.RoleUser, Content: "Split this subtask further if it bundles independent pieces of work: " + s.Description},
		}, provider.ChatOptions{})
		if err != nil {
			return false, nil, err
		}
		d, ok := parseDecomposition(resp.Content)
		if !ok {
			return false, nil, nil
		}
		return true, d.Subtasks, nil
	}
}
