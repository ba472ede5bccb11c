package monitor

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/fyrsmithlabs/phased/internal/orchestrator"
	"github.com/fyrsmithlabs/phased/internal/queue"
)

// fetchTimeout bounds a single status poll.
const fetchTimeout = 5 * time.Second

// StatusSource reports the phase state of a namespace.
type StatusSource interface {
	Status(ctx context.Context, namespace string) (*orchestrator.StatusReport, error)
}

// Model is the bubbletea dashboard for one namespace.
type Model struct {
	source     StatusSource
	namespace  string
	order      []orchestrator.Phase
	interval   time.Duration
	lastUpdate time.Time
	report     *orchestrator.StatusReport
	err        error
	quitting   bool

	// Completed task counts, oldest first.
	completedHistory []float64
	phaseProgress    progress.Model
}

// NewModel creates a dashboard polling source every interval.
func NewModel(source StatusSource, namespace string, order []orchestrator.Phase, interval time.Duration) Model {
	return Model{
		source:           source,
		namespace:        namespace,
		order:            order,
		interval:         interval,
		completedHistory: make([]float64, 0, historySize),
		phaseProgress:    newPhaseProgress(),
	}
}

type tickMsg time.Time
type statusMsg *orchestrator.StatusReport
type errMsg error

// Init starts polling.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetchStatus(m.source, m.namespace),
	)
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchStatus(source StatusSource, namespace string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		report, err := source.Status(ctx, namespace)
		if err != nil {
			return errMsg(err)
		}
		return statusMsg(report)
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchStatus(m.source, m.namespace)
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			fetchStatus(m.source, m.namespace),
		)

	case statusMsg:
		report := (*orchestrator.StatusReport)(msg)
		if report == nil {
			return m, nil
		}
		m.report = report
		m.completedHistory = appendToHistory(m.completedHistory, float64(report.Tasks[queue.StatusCompleted]))
		m.lastUpdate = time.Now()
		m.err = nil
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	if m.report == nil {
		return containerStyle.Render(headerStyle.Render(" phased · "+m.namespace+" ") + "\n\n" +
			dimStyle.Render("loading…") + "\n" + m.footer())
	}
	body := renderBody(m.report, m.order, m.phaseProgress, m.completedHistory, time.Now())
	return containerStyle.Render(body + m.footer())
}

func (m Model) renderError() string {
	content := headerStyle.Render(" phased · "+m.namespace+" ") + "\n\n"
	content += errorStyle.Render("⚠ Cannot read namespace status") + "\n\n"
	content += dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n"
	content += footerStyle.Render("[q] quit  [r] retry") + "\n"
	return containerStyle.Render(content)
}

func (m Model) footer() string {
	updated := "never"
	if !m.lastUpdate.IsZero() {
		updated = m.lastUpdate.Format("15:04:05")
	}
	return footerStyle.Render(
		footerKeyStyle.Render("[q]") + " quit  " +
			footerKeyStyle.Render("[r]") + " refresh  " +
			dimStyle.Render("updated "+updated+" · every "+m.interval.String()))
}
