package resilience

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// S6. Hollow detection on implement task.
func TestS6HollowDetectionZeroToolsShortOutput(t *testing.T) {
	r := CompletionResult{Success: true, Output: "I analyzed the code and here is my plan…", ToolCalls: 0}
	assert.True(t, IsHollow(r, 0))
}

func TestHollowNeverFiresOnTimeout(t *testing.T) {
	r := CompletionResult{Success: false, Output: "", ToolCalls: -1}
	assert.False(t, IsHollow(r, 0))
}

func TestHollowFiresOnFailureAdmissionLanguageEvenWithToolCalls(t *testing.T) {
	r := CompletionResult{Success: true, Output: "I was unable to complete this due to time constraints.", ToolCalls: 3}
	assert.True(t, IsHollow(r, 0))
}

func TestBoilerplateZeroToolOutputIsHollow(t *testing.T) {
	r := CompletionResult{Success: true, Output: "Task completed successfully.", ToolCalls: 0}
	assert.True(t, IsHollow(r, 40))
}

func TestNotHollowWithSubstantialOutputAndNoAdmission(t *testing.T) {
	r := CompletionResult{Success: true, Output: "Implemented the feature across three files, added tests, and verified the build passes.", ToolCalls: 0}
	assert.False(t, IsHollow(r, 40))
}

func TestFutureIntentDetectedWithoutCompletionSignal(t *testing.T) {
	assert.True(t, HasFutureIntent("Let me look at the file and fix the bug."))
	assert.True(t, HasFutureIntent("I will update the config next."))
}

func TestCompletionSignalOverridesFutureIntent(t *testing.T) {
	assert.False(t, HasFutureIntent("I will now summarize what was done. Done."))
	assert.False(t, HasFutureIntent("Next step is cleanup, but that's already finished."))
}

type fakeArtifactTracker struct {
	counts map[string]int
}

func (f fakeArtifactTracker) ArtifactsForTask(id string) int {
	return f.counts[id]
}

func TestDecidePicksMicroDecomposeWhenEnabled(t *testing.T) {
	d := Decide(Config{EnableMicroDecompose: true}, "t1", CompletionResult{}, nil)
	assert.Equal(t, StrategyMicroDecompose, d.Strategy)
	assert.False(t, d.Succeeded)
}

func TestDecidePicksDegradedAcceptanceWhenArtifactsExist(t *testing.T) {
	tracker := fakeArtifactTracker{counts: map[string]int{"t1": 2}}
	d := Decide(Config{}, "t1", CompletionResult{}, tracker)
	assert.Equal(t, StrategyDegradedAcceptance, d.Strategy)
	assert.True(t, d.Succeeded)
	assert.Equal(t, 2, d.ArtifactsFound)
}

func TestDecideFallsBackToNoneWhenNoArtifactsAndMicroDecomposeDisabled(t *testing.T) {
	tracker := fakeArtifactTracker{counts: map[string]int{}}
	d := Decide(Config{}, "t1", CompletionResult{}, tracker)
	assert.Equal(t, StrategyNone, d.Strategy)
	assert.False(t, d.Succeeded)
}

func TestDecideHandlesNilTracker(t *testing.T) {
	d := Decide(Config{}, "t1", CompletionResult{}, nil)
	assert.Equal(t, StrategyNone, d.Strategy)
}
