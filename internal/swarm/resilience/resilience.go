// Package resilience detects hollow/incomplete completions and decides
// which recovery strategy applies once a task's retries are exhausted.
// Grounded on the teacher's internal/executor/patterns.go
// (ErrorPattern/DetectErrorPattern regex-table idiom, reused here for
// failure-admission and future-intent language) and qc.go's
// accept-with-annotation idiom for degraded acceptance.
package resilience

import "regexp"

// CompletionResult is the subset of a worker's reported result the
// resilience layer inspects. ToolCalls == -1 is the timeout convention
// from spec.md §4.6; it is never treated as hollow.
type CompletionResult struct {
	Success   bool
	Output    string
	ToolCalls int
}

// failureAdmissionPatterns flags language where the worker reports
// success but the prose itself concedes it did not finish the work.
var failureAdmissionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)i (was unable|couldn't|could not) (to )?complete`),
	regexp.MustCompile(`(?i)due to (time|token) (constraints|limits)`),
	regexp.MustCompile(`(?i)i (wasn't|was not) able to`),
	regexp.MustCompile(`(?i)this (task|request) (is too|requires more)`),
}

// futureIntentPatterns flags language describing work not yet done.
var futureIntentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bi will\b`),
	regexp.MustCompile(`(?i)\blet me\b`),
	regexp.MustCompile(`(?i)next step is`),
	regexp.MustCompile(`(?i)\bi'll\b`),
}

// completionSignalPatterns override future-intent detection: the agent
// describes a plan for work it has, in the same breath, reported done.
var completionSignalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bdone\.?\s*$`),
	regexp.MustCompile(`(?i)\bfinished\.?\s*$`),
	regexp.MustCompile(`(?i)\bcompleted successfully\b`),
}

const defaultHollowOutputThreshold = 100

// IsHollow reports whether a reported-successful completion is hollow:
// zero tool calls with trivially short output, or success text matching
// failure-admission language. A timeout (ToolCalls == -1) is never
// hollow.
func IsHollow(r CompletionResult, hollowOutputThreshold int) bool {
	if r.ToolCalls == -1 {
		return false
	}
	if hollowOutputThreshold <= 0 {
		hollowOutputThreshold = defaultHollowOutputThreshold
	}
	if r.ToolCalls == 0 && len(r.Output) < hollowOutputThreshold {
		return true
	}
	if r.Success && matchesAny(failureAdmissionPatterns, r.Output) {
		return true
	}
	return false
}

// HasFutureIntent reports whether the output describes work not yet
// done, unless overridden by an explicit completion signal.
func HasFutureIntent(output string) bool {
	if matchesAny(completionSignalPatterns, output) {
		return false
	}
	return matchesAny(futureIntentPatterns, output)
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// Strategy is a resilience recovery path, evaluated in priority order
// once a task's retries are exhausted.
type Strategy string

const (
	StrategyMicroDecompose     Strategy = "micro-decompose"
	StrategyDegradedAcceptance Strategy = "degraded-acceptance"
	StrategyNone               Strategy = "none"
)

// Decision is the outcome of applying the resilience strategies, shaped
// to feed the task.resilience event payload directly.
type Decision struct {
	TaskID         string
	Strategy       Strategy
	Succeeded      bool
	Reason         string
	ArtifactsFound int
	ToolCalls      int
}

// Config gates which strategies are available.
type Config struct {
	EnableMicroDecompose bool
	// MaxSubtasks caps how many children micro-decompose may insert.
	MaxSubtasks int
}

// ArtifactTracker reports how many file-change artifacts a task's prior
// attempts produced, independent of whether any single attempt
// succeeded outright. Grounded on the teacher's session file-change
// tracker (internal/executor/session.go).
type ArtifactTracker interface {
	ArtifactsForTask(taskID string) int
}

// Decide applies the three strategies in priority order. Degraded
// acceptance never consumes a retry budget, per spec.md §9's resolved
// open question; callers must not re-count it against
// maxDispatchesPerTask.
func Decide(cfg Config, taskID string, lastResult CompletionResult, tracker ArtifactTracker) Decision {
	if cfg.EnableMicroDecompose {
		return Decision{
			TaskID:    taskID,
			Strategy:  StrategyMicroDecompose,
			Succeeded: false,
			Reason:    "retries exhausted; decomposing into smaller subtasks",
			ToolCalls: lastResult.ToolCalls,
		}
	}

	artifacts := 0
	if tracker != nil {
		artifacts = tracker.ArtifactsForTask(taskID)
	}
	if artifacts > 0 {
		return Decision{
			TaskID:         taskID,
			Strategy:       StrategyDegradedAcceptance,
			Succeeded:      true,
			Reason:         "prior attempts produced usable artifacts",
			ArtifactsFound: artifacts,
			ToolCalls:      lastResult.ToolCalls,
		}
	}

	return Decision{
		TaskID:    taskID,
		Strategy:  StrategyNone,
		Succeeded: false,
		Reason:    "no artifacts found and micro-decompose disabled",
		ToolCalls: lastResult.ToolCalls,
	}
}
