// Package economics enforces token/cost/wall-clock/iteration budgets
// with graduated severity and emits contextual prompt injections that
// steer the LLM away from pathological loops. Evolved from the teacher's
// internal/budget (UsageTracker/UsageBlock/ModelPricing) for the cost
// side, composed with a LoopDetector and PhaseTracker per spec.md §4.5.
package economics

import (
	"time"
)

// Mode selects whether a soft-limit breach stops execution or merely
// injects advisory prompts.
type Mode string

const (
	ModeStrict      Mode = "strict"
	ModeDoomloopOnly Mode = "doomloop_only"
)

// Config carries the budget fields from spec.md §4.5 and §6.
type Config struct {
	MaxTokens        int64
	SoftTokenLimit   int64
	MaxCost          float64
	SoftCostLimit    float64
	MaxDuration      time.Duration
	SoftDurationLimit time.Duration
	MaxIterations    int
	TargetIterations int
	Mode             Mode

	ZeroProgressThreshold int // default 3
	ProgressCheckpoint    int // default 10
	MaxExplorationPercent float64
	DoomLoopThreshold       int // default 3
	DoomLoopFuzzyThreshold  int // default 4
	GlobalDoomLoopThreshold int // default 3
}

func (c *Config) applyDefaults() {
	if c.ZeroProgressThreshold == 0 {
		c.ZeroProgressThreshold = 3
	}
	if c.ProgressCheckpoint == 0 {
		c.ProgressCheckpoint = 10
	}
	if c.MaxExplorationPercent == 0 {
		c.MaxExplorationPercent = 0.4
	}
	if c.DoomLoopThreshold == 0 {
		c.DoomLoopThreshold = 3
	}
	if c.DoomLoopFuzzyThreshold == 0 {
		c.DoomLoopFuzzyThreshold = 4
	}
	if c.GlobalDoomLoopThreshold == 0 {
		c.GlobalDoomLoopThreshold = 3
	}
	if c.Mode == "" {
		c.Mode = ModeStrict
	}
}

// Prompt injection strings, injected verbatim into the next turn's
// context when a graduated budget path fires.
const (
	MaxStepsPrompt          = "You are approaching the maximum number of steps for this task. Wrap up your current work and provide a final summary."
	DoomLoopPrompt          = "You appear to be repeating the same action without making progress. Try a different approach or summarize what you've learned so far."
	GlobalDoomLoopPrompt    = "Multiple workers are repeating the same action without progress. Stop and reconsider the overall strategy."
	ExplorationNudgePrompt  = "You have spent a long time exploring without making changes. Consider whether you have enough information to start implementing."
	TestFixRethinkPrompt    = "Your last several attempts to fix the tests have failed. Step back and reconsider your approach rather than retrying the same fix."
	BashFailureCascadePrompt = "Several shell commands have failed in a row. Check your environment assumptions before continuing."
	SummaryLoopPrompt       = "You have produced several text-only turns in a row. Either take a concrete action or provide your final summary."
)

// BudgetMode describes the severity band a CheckResult falls into.
type BudgetMode string

const (
	BudgetModeNone       BudgetMode = "none"
	BudgetModeWarn       BudgetMode = "warn"
	BudgetModeRestricted BudgetMode = "restricted"
	BudgetModeHard       BudgetMode = "hard"
)

// CheckResult is the graduated outcome of a budget check, per spec.md
// §4.5.
type CheckResult struct {
	CanContinue          bool
	IsHardLimit          bool
	IsSoftLimit          bool
	PercentUsed          float64
	SuggestedAction      string
	ForceTextOnly        bool
	InjectedPrompt       string
	BudgetMode           BudgetMode
	AllowTaskContinuation bool
}

func defaultResult() CheckResult {
	return CheckResult{CanContinue: true, BudgetMode: BudgetModeNone, AllowTaskContinuation: true}
}

// usageState tracks the incremental-token-accounting baseline and
// cumulative totals for one conversation.
type usageState struct {
	baselineSet     bool
	lastInputTokens int64
	totalTokens     int64
	totalCost       float64

	iterations         int
	zeroToolIterations int
	reducedMaxIterations int
	reducedActive        bool

	consecutiveTestFailures int
	consecutiveBashFailures int
	consecutiveTextOnly     int
	stuckCounter            int

	start            time.Time
	pausedAt         time.Time
	paused           bool
	pausedDuration   time.Duration
	exploredZeroMods bool
}
