package economics

import "strings"

// Phase is a coarse execution stage used to shape prompts and detect
// exploration saturation.
type Phase string

const (
	PhaseExploring Phase = "exploring"
	PhasePlanning  Phase = "planning"
	PhaseActing    Phase = "acting"
	PhaseVerifying Phase = "verifying"
)

// PhaseTracker tracks exploring -> planning -> acting -> verifying
// transitions and the exploration-saturation signal.
type PhaseTracker struct {
	phase               Phase
	uniqueFilesRead     map[string]bool
	modificationsMade   int
	iterationsInPhase   int
	newFilesLastThree   []int // new files read in each of the last three iterations
	newFilesThisIter    int   // new files read since the last RecordIteration
	testsExecuted       bool
}

// NewPhaseTracker starts in the exploring phase.
func NewPhaseTracker() *PhaseTracker {
	return &PhaseTracker{phase: PhaseExploring, uniqueFilesRead: make(map[string]bool)}
}

// Phase returns the current phase.
func (p *PhaseTracker) Phase() Phase {
	return p.phase
}

// EnterPlanning transitions to the optional planning intermediate state,
// entered only by an explicit marker.
func (p *PhaseTracker) EnterPlanning() {
	if p.phase == PhaseExploring {
		p.phase = PhasePlanning
	}
}

// RecordFileRead tracks a file read for the exploration-saturation
// signal.
func (p *PhaseTracker) RecordFileRead(path string) {
	if !p.uniqueFilesRead[path] {
		p.newFilesThisIter++
	}
	p.uniqueFilesRead[path] = true
}

// RecordIteration increments the in-phase iteration counter and closes
// the current iteration's new-file count into the last-three window.
func (p *PhaseTracker) RecordIteration() {
	p.iterationsInPhase++
	p.newFilesLastThree = append(p.newFilesLastThree, p.newFilesThisIter)
	p.newFilesThisIter = 0
	if len(p.newFilesLastThree) > 3 {
		p.newFilesLastThree = p.newFilesLastThree[len(p.newFilesLastThree)-3:]
	}
}

// RecordFileModification transitions exploring/planning -> acting on the
// first file modification.
func (p *PhaseTracker) RecordFileModification() {
	p.modificationsMade++
	if p.phase == PhaseExploring || p.phase == PhasePlanning {
		p.transitionTo(PhaseActing)
	}
}

// RecordTestExecution transitions acting -> verifying when tests are
// executed while modifications are present.
func (p *PhaseTracker) RecordTestExecution() {
	p.testsExecuted = true
	if p.phase == PhaseActing && p.modificationsMade > 0 {
		p.transitionTo(PhaseVerifying)
	}
}

func (p *PhaseTracker) transitionTo(next Phase) {
	p.phase = next
	p.iterationsInPhase = 0
	p.newFilesLastThree = nil
}

// ShouldTransition reports the exploration-saturation signal: in
// exploring, uniqueFilesRead >= 10 with zero modifications, or
// iterationsInPhase >= 15 with fewer than 2 new files in the last 3
// iterations.
func (p *PhaseTracker) ShouldTransition() bool {
	if p.phase != PhaseExploring {
		return false
	}
	if len(p.uniqueFilesRead) >= 10 && p.modificationsMade == 0 {
		return true
	}
	if p.iterationsInPhase >= 15 {
		newInLastThree := 0
		for _, n := range p.newFilesLastThree {
			newInLastThree += n
		}
		if newInLastThree < 2 {
			return true
		}
	}
	return false
}

// TestOutcome is the parsed result of a bash test run.
type TestOutcome int

const (
	TestOutcomeNone TestOutcome = iota
	TestOutcomePass
	TestOutcomeFail
	TestOutcomeMixed
)

// ParseTestOutcome inspects bash output for pass/fail markers using the
// same class of pattern the teacher's error-pattern table uses:
// "N passed"/"N failed"/"PASSED"/"FAILED"/"ERROR". A pure pass clears the
// failure streak; a pure fail or mixed result counts as a failure.
func ParseTestOutcome(output string) TestOutcome {
	hasPass := containsAny(output, "passed", "PASSED", "PASS")
	hasFail := containsAny(output, "failed", "FAILED", "FAIL", "ERROR", "error")
	switch {
	case hasPass && hasFail:
		return TestOutcomeMixed
	case hasPass:
		return TestOutcomePass
	case hasFail:
		return TestOutcomeFail
	default:
		return TestOutcomeNone
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
