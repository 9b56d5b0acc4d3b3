package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/conductor/internal/swarm/orchestrate"
)

func TestRenderReportMarkdownIncludesMetricsTable(t *testing.T) {
	report := orchestrate.Report{
		CompletionReason: orchestrate.ReasonCompleted,
		Message:          "goal achieved",
		Metrics:          orchestrate.Metrics{Completed: 3, Failed: 1, TotalTokens: 1500},
		OpenTasks:        []string{"task-4"},
	}

	md, err := renderReportMarkdown(report, false)
	require.NoError(t, err)
	assert.Contains(t, md, "# Swarm run: completed")
	assert.Contains(t, md, "goal achieved")
	assert.Contains(t, md, "| completed | 3 |")
	assert.Contains(t, md, "task-4")
}

func TestRenderReportMarkdownAsHTMLProducesHTMLTags(t *testing.T) {
	report := orchestrate.Report{CompletionReason: orchestrate.ReasonCompleted, Message: "done"}
	html, err := renderReportMarkdown(report, true)
	require.NoError(t, err)
	assert.Contains(t, html, "<h1>")
	assert.Contains(t, html, "<table>")
}
