// Package monitor renders namespace phase state for terminals: a static
// report for one-shot status calls and a bubbletea dashboard that polls.
package monitor

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/phased/internal/orchestrator"
	"github.com/fyrsmithlabs/phased/internal/queue"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	progressWidth   = 40
	maxTextWidth    = 60
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("46")).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("226")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).MarginTop(1)
	footerKeyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("51")).Bold(true)
	sparklineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("51"))
)

// taskOrder fixes the display order of task counts.
var taskOrder = []queue.Status{queue.StatusPending, queue.StatusInProgress, queue.StatusCompleted, queue.StatusFailed}

// statusBadge summarizes the namespace in one colored word.
func statusBadge(r *orchestrator.StatusReport) string {
	switch {
	case r.Phase == orchestrator.PhaseComplete:
		return healthyStyle.Render("✓ COMPLETE")
	case r.Stalled:
		return errorStyle.Render("✗ STALLED")
	case r.Blocked:
		return warningStyle.Render("⏸ AWAITING APPROVAL")
	case r.Phase == orchestrator.PhaseInitialization:
		return dimStyle.Render("○ NOT STARTED")
	default:
		return healthyStyle.Render("▶ RUNNING")
	}
}

// PhaseProgress returns how far current is through order, in [0, 1].
func PhaseProgress(order []orchestrator.Phase, current orchestrator.Phase) float64 {
	if len(order) == 0 {
		return 0
	}
	switch current {
	case orchestrator.PhaseComplete:
		return 1
	case orchestrator.PhaseInitialization:
		return 0
	}
	i := slices.Index(order, current)
	if i < 0 {
		return 0
	}
	return float64(i) / float64(len(order))
}

// phaseTrack renders the phase sequence with the current phase highlighted.
func phaseTrack(order []orchestrator.Phase, current orchestrator.Phase) string {
	idx := slices.Index(order, current)
	if current == orchestrator.PhaseComplete {
		idx = len(order)
	}
	parts := make([]string, len(order))
	for i, p := range order {
		switch {
		case i < idx:
			parts[i] = healthyStyle.Render("✓ " + string(p))
		case i == idx:
			parts[i] = valueStyle.Render("▶ " + string(p))
		default:
			parts[i] = dimStyle.Render(string(p))
		}
	}
	return strings.Join(parts, dimStyle.Render(" → "))
}

func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}
	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()
	return sparklineStyle.Render(spark.View())
}

func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

func newPhaseProgress() progress.Model {
	return progress.New(progress.WithGradient("#00ffff", "#00ff00"), progress.WithWidth(progressWidth))
}

// Render formats r as a static report. order is the phase sequence used
// for the progress bar.
func Render(r *orchestrator.StatusReport, order []orchestrator.Phase, now time.Time) string {
	return containerStyle.Render(renderBody(r, order, newPhaseProgress(), nil, now))
}

func renderBody(r *orchestrator.StatusReport, order []orchestrator.Phase, bar progress.Model,
	completedHistory []float64, now time.Time) string {
	var b strings.Builder

	b.WriteString(headerStyle.Render(" phased · "+r.Namespace+" ") + "   " + statusBadge(r) + "\n")
	if r.Goal != "" {
		b.WriteString(labelStyle.Render("Goal: ") + valueStyle.Render(Truncate(r.Goal, maxTextWidth)) + "\n")
	}

	b.WriteString("\n" + sectionStyle.Render("┃ Phase") + "\n")
	b.WriteString("  " + phaseTrack(order, r.Phase) + "\n")
	pct := PhaseProgress(order, r.Phase)
	b.WriteString(labelStyle.Render("  Progress: ") + bar.ViewAs(pct) + " " + dimStyle.Render(FormatPercentage(pct)) + "\n")
	b.WriteString(labelStyle.Render("  Next: ") + valueStyle.Render(string(r.Decision.Action)))
	if r.Decision.To != r.Decision.From {
		b.WriteString(dimStyle.Render(" → ") + valueStyle.Render(string(r.Decision.To)))
	}
	b.WriteString("\n")
	for _, v := range r.Decision.Violations {
		b.WriteString("  " + warningStyle.Render("⚠ ") + dimStyle.Render(Truncate(v.Description, maxTextWidth)) + "\n")
	}

	b.WriteString("\n" + sectionStyle.Render("┃ Tasks") + "\n  ")
	for i, st := range taskOrder {
		if i > 0 {
			b.WriteString("  ")
		}
		b.WriteString(labelStyle.Render(string(st)+": ") + valueStyle.Render(fmt.Sprintf("%d", r.Tasks[st])))
	}
	b.WriteString("\n")
	if completedHistory != nil {
		b.WriteString(labelStyle.Render("  Completed: ") + createSparkline(completedHistory) + "\n")
	}
	b.WriteString(labelStyle.Render("  Artifacts: ") + valueStyle.Render(fmt.Sprintf("%d", r.Artifacts)) + "\n")

	if len(r.PendingApprovals) > 0 {
		b.WriteString("\n" + sectionStyle.Render("┃ Pending approvals") + "\n")
		for _, a := range r.PendingApprovals {
			b.WriteString(fmt.Sprintf("  %s %s %s\n",
				valueStyle.Render(a.ID),
				labelStyle.Render(a.Phase),
				dimStyle.Render(Truncate(a.Summary, maxTextWidth))))
		}
	}

	if len(r.RecentFailures) > 0 {
		b.WriteString("\n" + sectionStyle.Render("┃ Recent failures") + "\n")
		for _, t := range r.RecentFailures {
			badge := errorStyle.Render("✗")
			if t.Retryable && !t.Retried {
				badge = warningStyle.Render("↻")
			}
			b.WriteString(fmt.Sprintf("  %s %s %s %s\n",
				badge,
				labelStyle.Render(t.ToAgent),
				dimStyle.Render(FormatAge(t.UpdatedAt, now)),
				dimStyle.Render(Truncate(t.Error, maxTextWidth))))
		}
	}

	if len(r.History) > 0 {
		b.WriteString("\n" + sectionStyle.Render("┃ History") + "\n")
		for _, h := range r.History {
			b.WriteString(fmt.Sprintf("  %s %s %s\n",
				dimStyle.Render(FormatAge(h.EnteredAt, now)),
				dimStyle.Render(string(h.From)+" →"),
				valueStyle.Render(string(h.Phase))))
		}
	}
	return b.String()
}
