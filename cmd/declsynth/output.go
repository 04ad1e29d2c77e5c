package main

import (
	"fmt"
	"strings"
	"time"

	"declsynth/internal/pipeline"
	"declsynth/internal/store"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Width(14)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1)
)

func row(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
}

// renderReport formats one round for the terminal.
func renderReport(r *roundReport) string {
	res := r.Result
	title := fmt.Sprintf("Round %d", res.Generation)
	if res.Partial {
		title += warnStyle.Render(" (partial)")
	}

	rows := []string{
		titleStyle.Render(title),
		row("sources", fmt.Sprintf("%d files, %d parsed, %d reused", r.Load.Files, r.Load.Parsed, r.Load.Reused)),
		row("declarations", fmt.Sprintf("%d candidate, %d rejected, %d filtered out, %d unseen",
			res.Count(pipeline.Candidate), res.Count(pipeline.Rejected),
			res.Count(pipeline.FilteredOut), res.Count(pipeline.Unseen))),
		row("artifacts", fmt.Sprintf("%d (%d written, %d unchanged, %d removed)",
			len(res.Artifacts), r.Files.Written, r.Files.Unchanged, r.Files.Removed)),
		row("cache", fmt.Sprintf("%d hits, %d misses (%.0f%%)", res.Stats.Hits, res.Stats.Misses, res.Stats.HitRate())),
		row("duration", res.Duration.Round(time.Microsecond).String()),
	}
	out := boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))

	if len(res.Diagnostics) > 0 {
		var b strings.Builder
		b.WriteString(out)
		b.WriteString("\n")
		for _, d := range res.Diagnostics {
			b.WriteString(warnStyle.Render("warning: " + d.String()))
			b.WriteString("\n")
		}
		return strings.TrimSuffix(b.String(), "\n")
	}
	return out
}

// renderRounds formats recent round summaries, newest first.
func renderRounds(rounds []store.RoundRecord) string {
	if len(rounds) == 0 {
		return "No rounds recorded"
	}
	lines := []string{titleStyle.Render("Recent rounds")}
	for _, r := range rounds {
		line := fmt.Sprintf("%-4d %s  %3d artifacts  %3d diagnostics  %d/%d hits  %v",
			r.Generation, r.FinishedAt.Format("2006-01-02 15:04:05"),
			r.Artifacts, r.Diagnostics, r.Hits, r.Hits+r.Misses, r.Duration)
		if r.Partial {
			line += warnStyle.Render("  partial")
		}
		lines = append(lines, line)
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// renderSnapshot summarizes a persisted cache.
func renderSnapshot(snap pipeline.Snapshot) string {
	counts := make(map[pipeline.State]int)
	for _, e := range snap.Entries {
		counts[e.State]++
	}
	rows := []string{
		titleStyle.Render("Cache"),
		row("generation", fmt.Sprintf("%d", snap.Generation)),
		row("declarations", fmt.Sprintf("%d (%d candidate, %d rejected, %d filtered out)",
			len(snap.Entries), counts[pipeline.Candidate], counts[pipeline.Rejected], counts[pipeline.FilteredOut])),
		row("artifacts", fmt.Sprintf("%d", len(snap.Emits))),
	}
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}
