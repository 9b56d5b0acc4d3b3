package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/term"

	"github.com/harrison/conductor/internal/swarm/events"
	"github.com/harrison/conductor/internal/swarm/orchestrate"
)

// eventRenderer prints the swarm's event stream to a terminal, the
// minimal CLI feedback spec.md's CLI surface needs in place of the
// teacher's interactive progress-widget display (out of scope per the
// Non-goals list). Colors are disabled automatically when stdout isn't
// a TTY so piped/CI output stays plain.
type eventRenderer struct {
	color bool
	width int
}

func newEventRenderer() *eventRenderer {
	isTTY := isatty.IsTerminal(os.Stdout.Fd())
	width := 80
	if isTTY {
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
			width = w
		}
	}
	return &eventRenderer{color: isTTY, width: width}
}

func (r *eventRenderer) render(e events.Event) {
	line := fmt.Sprintf("[%s] %v", e.Kind, e.Payload)
	if len(line) > r.width {
		line = line[:r.width-1] + "…"
	}
	if !r.color {
		fmt.Println(line)
		return
	}
	switch {
	case strings.Contains(e.Kind, "fail"), strings.Contains(e.Kind, "error"):
		color.Red(line)
	case strings.Contains(e.Kind, "complete"), strings.Contains(e.Kind, "success"):
		color.Green(line)
	case strings.Contains(e.Kind, "budget"), strings.Contains(e.Kind, "doom"):
		color.Yellow(line)
	default:
		fmt.Println(line)
	}
}

// renderReportMarkdown turns a completion report into Markdown and, when
// asHTML is set, through goldmark into HTML — useful for piping a run's
// summary into a CI job comment or static page.
func renderReportMarkdown(report orchestrate.Report, asHTML bool) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# Swarm run: %s\n\n", report.CompletionReason)
	fmt.Fprintf(&b, "%s\n\n", report.Message)
	fmt.Fprintf(&b, "| metric | value |\n|---|---|\n")
	fmt.Fprintf(&b, "| completed | %d |\n", report.Metrics.Completed)
	fmt.Fprintf(&b, "| failed | %d |\n", report.Metrics.Failed)
	fmt.Fprintf(&b, "| skipped | %d |\n", report.Metrics.Skipped)
	fmt.Fprintf(&b, "| total tokens | %d |\n", report.Metrics.TotalTokens)
	fmt.Fprintf(&b, "| total cost | $%.4f |\n", report.Metrics.TotalCost)
	if len(report.OpenTasks) > 0 {
		fmt.Fprintf(&b, "\n## Open tasks\n\n")
		for _, t := range report.OpenTasks {
			fmt.Fprintf(&b, "- %s\n", t)
		}
	}
	markdown := b.String()
	if !asHTML {
		return markdown, nil
	}
	md := goldmark.New(goldmark.WithExtensions(extension.Table))
	var html strings.Builder
	if err := md.Convert([]byte(markdown), &html); err != nil {
		return "", fmt.Errorf("render report markdown: %w", err)
	}
	return html.String(), nil
}
