package orchestrate

import (
	"encoding/json"
	"strings"
)

// ClosureReport is the structured self-report a worker leaves behind
// when a graceful timeout forces it to wrap up mid-task: what it found,
// what it did, what it couldn't finish, and what remains. Grounded on
// spec.md §4.6's timeout-completion contract.
type ClosureReport struct {
	Findings           []string
	ActionsTaken       []string
	Failures           []string
	RemainingWork      []string
	SuggestedNextSteps []string
}

// wireClosureReport is the JSON shape a worker emits in its wrapup
// output; field names follow the worker-facing closure-report prompt.
type wireClosureReport struct {
	Findings           []string `json:"findings"`
	ActionsTaken       []string `json:"actionsTaken"`
	Failures           []string `json:"failures"`
	RemainingWork      []string `json:"remainingWork"`
	SuggestedNextSteps []string `json:"suggestedNextSteps"`
}

// ParseClosureReport extracts a ClosureReport from a worker's wrapup
// output. The worker is expected to emit one JSON object during its
// wrapup window; if none is found (the worker was cancelled too
// abruptly to produce one), ParseClosureReport returns an empty report
// rather than an error — a missing closure report is itself meaningful
// signal to the caller, not a parse failure.
func ParseClosureReport(output string) ClosureReport {
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start < 0 || end <= start {
		return ClosureReport{}
	}
	var w wireClosureReport
	if err := json.Unmarshal([]byte(output[start:end+1]), &w); err != nil {
		return ClosureReport{}
	}
	return ClosureReport{
		Findings:           w.Findings,
		ActionsTaken:       w.ActionsTaken,
		Failures:           w.Failures,
		RemainingWork:      w.RemainingWork,
		SuggestedNextSteps: w.SuggestedNextSteps,
	}
}
