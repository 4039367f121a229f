package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/hochfrequenz/claude-batch-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-batch-orchestrator/internal/loop"
)

var (
	titleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		Padding(0, 1)

	completedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	inProgressStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("214"))

	failedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("196"))

	pendingStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("244"))

	dimmedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240"))
)

func statusStyle(s domain.UnitStatus) lipgloss.Style {
	switch s {
	case domain.StatusCompleted:
		return completedStyle
	case domain.StatusInProgress:
		return inProgressStyle
	case domain.StatusFailed:
		return failedStyle
	default:
		return pendingStyle
	}
}

func renderStatus(report *loop.StatusReport) string {
	var b strings.Builder

	wf := report.Workflow
	b.WriteString(titleStyle.Render("Batch Orchestrator"))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Iteration %d of %d | %d units | started %s\n",
		wf.Iteration, wf.MaxIterations, wf.TotalUnits,
		wf.StartedAt.Local().Format(time.RFC822))

	fmt.Fprintf(&b, "%s | %s | %s | %s\n\n",
		completedStyle.Render(fmt.Sprintf("%d completed", report.Counts[domain.StatusCompleted])),
		inProgressStyle.Render(fmt.Sprintf("%d in progress", report.Counts[domain.StatusInProgress])),
		failedStyle.Render(fmt.Sprintf("%d failed", report.Counts[domain.StatusFailed])),
		pendingStyle.Render(fmt.Sprintf("%d pending", report.Counts[domain.StatusPending])))

	for _, rec := range report.Records {
		line := fmt.Sprintf("  %-12s %s", rec.Status, rec.UnitID)
		if rec.Error != "" {
			line += dimmedStyle.Render("  (" + rec.Error + ")")
		}
		b.WriteString(statusStyle(rec.Status).Render(line))
		b.WriteString("\n")
	}

	return b.String()
}
