package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/hochfrequenz/daily-evolve/internal/domain"
	"github.com/hochfrequenz/daily-evolve/internal/runstore"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("255"))

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	committedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

var runColumns = []struct {
	title string
	width int
}{
	{"RUN", 17},
	{"OUTCOME", 24},
	{"FEATURE", 32},
	{"COMMIT", 14},
	{"COST", 8},
}

func cell(s string, width int, style lipgloss.Style) string {
	if len(s) > width-1 {
		s = s[:width-2] + "…"
	}
	return style.Width(width).Render(s)
}

// outcome summarizes how a run ended and picks its color
func outcome(r *runstore.Run) (string, lipgloss.Style) {
	switch {
	case r.FinishedAt == nil:
		return string(r.State), warningStyle
	case r.State == domain.StateDone && r.NoOp:
		return "no-op", dimmedStyle
	case r.State == domain.StateDone:
		return "committed", committedStyle
	case r.Failure == domain.FailurePrecondition:
		return "skipped (precondition)", warningStyle
	default:
		return fmt.Sprintf("aborted (%s)", r.Failure), failedStyle
	}
}

func renderRuns(runs []*runstore.Run) string {
	var b strings.Builder

	var header []string
	for _, c := range runColumns {
		header = append(header, cell(c.title, c.width, headerStyle))
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, header...) + "\n")

	plain := lipgloss.NewStyle()
	for _, r := range runs {
		text, style := outcome(r)
		commit := "-"
		if r.CommitID != "" {
			commit = r.CommitID[:min(12, len(r.CommitID))]
		}
		feature := r.Feature
		if feature == "" {
			feature = "-"
		}
		row := []string{
			cell(r.ID, runColumns[0].width, plain),
			cell(text, runColumns[1].width, style),
			cell(feature, runColumns[2].width, plain),
			cell(commit, runColumns[3].width, plain),
			cell(fmt.Sprintf("$%.2f", r.CostUSD), runColumns[4].width, plain),
		}
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, row...) + "\n")
	}
	return b.String()
}

func renderRun(r *runstore.Run) string {
	var b strings.Builder
	text, style := outcome(r)

	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render("Run "+r.ID), style.Render(text))
	fmt.Fprintf(&b, "Started:  %s\n", r.StartedAt.Local().Format("2006-01-02 15:04:05"))
	if r.FinishedAt != nil {
		fmt.Fprintf(&b, "Duration: %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Second))
	}
	fmt.Fprintf(&b, "Exit:     %d\n", r.ExitCode)
	if r.Feature != "" {
		fmt.Fprintf(&b, "Feature:  %s\n", r.Feature)
	}
	if r.Description != "" {
		fmt.Fprintf(&b, "          %s\n", r.Description)
	}
	if r.CommitID != "" {
		fmt.Fprintf(&b, "Commit:   %s\n", r.CommitID)
	}
	if r.FailedPhase != "" {
		fmt.Fprintf(&b, "Failed:   %s in %s\n", r.Failure, r.FailedPhase)
	}
	fmt.Fprintf(&b, "Cost:     $%.2f\n", r.CostUSD)
	if r.LogPath != "" {
		fmt.Fprintf(&b, "Log:      %s\n", r.LogPath)
	}

	if len(r.Phases) > 0 {
		var lines []string
		lines = append(lines, headerStyle.Render("Phases"))
		for _, p := range r.Phases {
			line := fmt.Sprintf("%-10s %-16s exit %-3d %8s", p.Phase, p.Class, p.ExitCode, p.Elapsed.Round(time.Second))
			if p.CostUSD > 0 || p.Turns > 0 {
				line += fmt.Sprintf("  $%.2f, %d turns", p.CostUSD, p.Turns)
			}
			if p.Error != "" {
				line += "  " + dimmedStyle.Render(p.Error)
			}
			lines = append(lines, line)
		}
		b.WriteString(sectionStyle.Render(strings.Join(lines, "\n")) + "\n")
	}

	if len(r.Files) > 0 {
		var lines []string
		lines = append(lines, headerStyle.Render("Files"))
		for _, f := range r.Files {
			lines = append(lines, fmt.Sprintf("%s (+%d/-%d)", f.Path, f.Added, f.Removed))
		}
		b.WriteString(sectionStyle.Render(strings.Join(lines, "\n")) + "\n")
	}
	return b.String()
}
