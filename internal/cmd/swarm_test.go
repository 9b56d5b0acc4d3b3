package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/conductor/internal/config"
	"github.com/harrison/conductor/internal/swarm/orchestrate"
)

func TestParseDecompositionExtractsSubtasksFromSurroundingProse(t *testing.T) {
	raw := `Here is the plan:
[{"id":"a","description":"write the parser","type":"code","complexity":7},
 {"id":"b","description":"review the parser","type":"review","dependencies":["a"]}]
Let me know if you want changes.`

	d, ok := parseDecomposition(raw)
	require.True(t, ok)
	require.Len(t, d.Subtasks, 2)
	assert.Equal(t, "a", d.Subtasks[0].ID)
	assert.Equal(t, []string{"a"}, d.Subtasks[1].Dependencies)
}

func TestParseDecompositionRejectsSingleSubtask(t *testing.T) {
	_, ok := parseDecomposition(`[{"id":"a","description":"only one"}]`)
	assert.False(t, ok)
}

func TestParseDecompositionRejectsMalformedJSON(t *testing.T) {
	_, ok := parseDecomposition(`not json at all`)
	assert.False(t, ok)
}

func TestBuildWorkersDefaultsToOneModelWhenNoneConfigured(t *testing.T) {
	workers := buildWorkers(config.SwarmConfig{})
	require.Len(t, workers, 1)
	assert.Equal(t, "claude-sonnet-4", workers[0].Model)
}

func TestBuildWorkersCreatesOneWorkerPerModel(t *testing.T) {
	workers := buildWorkers(config.SwarmConfig{Models: []string{"model-a", "model-b"}})
	require.Len(t, workers, 2)
	assert.Equal(t, "worker-1", workers[0].Name)
	assert.Equal(t, "worker-2", workers[1].Name)
}

func TestPrintReportSupportsTextAndMarkdownFormats(t *testing.T) {
	report := orchestrate.Report{
		Success:          true,
		Message:          "all done",
		CompletionReason: orchestrate.ReasonCompleted,
		Metrics:          orchestrate.Metrics{Completed: 2},
	}
	require.NoError(t, printReport(report, "text"))
	require.NoError(t, printReport(report, "md"))
	require.NoError(t, printReport(report, "html"))
}
