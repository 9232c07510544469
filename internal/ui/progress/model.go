// Package progress provides a Bubble Tea view for running backfills.
// One row per source with a progress bar, plus the latest problems
// from the event ring buffer.
package progress

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/abelbrown/feedingtube/internal/backfill"
	"github.com/abelbrown/feedingtube/internal/otel"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#58a6ff"))

	statsStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8b949e"))

	activeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#3fb950"))

	completeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#58a6ff"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#f85149"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#d29922"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#484f58"))
)

const (
	maxProblems  = 5
	tickInterval = 250 * time.Millisecond
	nameWidth    = 24
)

// Messages sent into the program by the caller.
type (
	// QueueMsg adds a source that has not started yet.
	QueueMsg struct {
		SourceID string
		Name     string
	}

	// StartMsg announces that a source's backfill began.
	StartMsg struct {
		SourceID string
		Name     string
	}

	// ProgressMsg carries a backfill progress callback.
	ProgressMsg struct {
		SourceID    string
		Done, Total int
	}

	// SourceDoneMsg reports one source's outcome.
	SourceDoneMsg struct {
		SourceID string
		Result   backfill.Result
		Err      error
	}

	// FinishedMsg ends the program once every source is done.
	FinishedMsg struct{}
)

type tickMsg time.Time

type rowState int

const (
	rowPending rowState = iota
	rowActive
	rowDone
	rowFailed
)

type row struct {
	id     string
	name   string
	state  rowState
	done   int
	total  int
	result backfill.Result
	err    error
}

// Model is the Bubble Tea model for the backfill view.
type Model struct {
	rows    []*row
	byID    map[string]*row
	ring    *otel.RingBuffer
	cancel  func()
	spinner spinner.Model
	bar     progress.Model

	problems    []otel.Event
	width       int
	started     time.Time
	finished    bool
	interrupted bool
}

// New creates a view. ring may be nil; cancel is called on ctrl+c.
func New(ring *otel.RingBuffer, cancel func()) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = activeStyle

	bar := progress.New(
		progress.WithGradient("#3fb950", "#58a6ff"),
		progress.WithoutPercentage(),
	)
	bar.Width = 30

	return Model{
		byID:    make(map[string]*row),
		ring:    ring,
		cancel:  cancel,
		spinner: s,
		bar:     bar,
		started: time.Now(),
		width:   80,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick())
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			if !m.interrupted && m.cancel != nil {
				m.cancel()
			}
			m.interrupted = true
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(10, min(40, msg.Width-nameWidth-30))
		return m, nil

	case QueueMsg:
		r := m.row(msg.SourceID)
		if msg.Name != "" {
			r.name = msg.Name
		}
		return m, nil

	case StartMsg:
		r := m.row(msg.SourceID)
		if msg.Name != "" {
			r.name = msg.Name
		}
		r.state = rowActive
		return m, nil

	case ProgressMsg:
		r := m.row(msg.SourceID)
		r.state = rowActive
		r.done, r.total = msg.Done, msg.Total
		return m, nil

	case SourceDoneMsg:
		r := m.row(msg.SourceID)
		r.result, r.err = msg.Result, msg.Err
		if msg.Err != nil {
			r.state = rowFailed
		} else {
			r.state = rowDone
			r.done = r.total
		}
		return m, nil

	case FinishedMsg:
		m.finished = true
		m.refreshProblems()
		return m, tea.Quit

	case tickMsg:
		m.refreshProblems()
		return m, tick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// row returns the row for id, creating it in arrival order.
func (m *Model) row(id string) *row {
	if r, ok := m.byID[id]; ok {
		return r
	}
	r := &row{id: id, name: id}
	m.rows = append(m.rows, r)
	m.byID[id] = r
	return r
}

func (m *Model) refreshProblems() {
	if m.ring == nil {
		return
	}
	m.problems = m.ring.LastMatching(maxProblems, otel.Event.IsProblem)
}

// Totals sums the results of finished sources.
func (m Model) Totals() (added, failed, sourcesFailed int) {
	for _, r := range m.rows {
		added += r.result.Added
		failed += r.result.Failed
		if r.state == rowFailed {
			sourcesFailed++
		}
	}
	return added, failed, sourcesFailed
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	added, failed, sourcesFailed := m.Totals()
	header := "BACKFILL"
	if !m.finished {
		header += " " + m.spinner.View()
	}
	b.WriteString(titleStyle.Render(header))
	b.WriteString("  ")
	b.WriteString(statsStyle.Render(fmt.Sprintf("added %d  failed %d  elapsed %s",
		added, failed, time.Since(m.started).Round(time.Second))))
	b.WriteString("\n\n")

	for _, r := range m.rows {
		b.WriteString(m.renderRow(r))
		b.WriteString("\n")
	}

	if len(m.problems) > 0 {
		b.WriteString("\n")
		b.WriteString(warnStyle.Render("Recent problems"))
		b.WriteString("\n")
		for _, e := range m.problems {
			b.WriteString(renderProblem(e, m.width))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	switch {
	case m.finished && sourcesFailed > 0:
		b.WriteString(failedStyle.Render(fmt.Sprintf("%d source(s) failed", sourcesFailed)))
	case m.finished:
		b.WriteString(completeStyle.Render("Done"))
	case m.interrupted:
		b.WriteString(warnStyle.Render("Stopping, flushing what was fetched..."))
	default:
		b.WriteString(dimStyle.Render("ctrl+c:stop"))
	}
	b.WriteString("\n")

	return b.String()
}

func (m Model) renderRow(r *row) string {
	name := fmt.Sprintf("%-*s", nameWidth, truncate(r.name, nameWidth))

	switch r.state {
	case rowPending:
		return dimStyle.Render("○ " + name + " waiting")
	case rowFailed:
		return failedStyle.Render("✗ "+name) + " " + dimStyle.Render(truncate(r.err.Error(), max(20, m.width-nameWidth-4)))
	case rowDone:
		summary := fmt.Sprintf("+%d new, %d skipped", r.result.Added, r.result.Skipped)
		if r.result.Failed > 0 {
			summary += fmt.Sprintf(", %d failed", r.result.Failed)
		}
		if r.result.Err != "" {
			summary += " (stopped early)"
		}
		return completeStyle.Render("✓ "+name) + " " + statsStyle.Render(summary)
	}

	pct := 0.0
	if r.total > 0 {
		pct = float64(r.done) / float64(r.total)
	}
	counts := "listing..."
	if r.total > 0 {
		counts = fmt.Sprintf("%d/%d", r.done, r.total)
	}
	return activeStyle.Render("● "+name) + " " + m.bar.ViewAs(pct) + " " + statsStyle.Render(counts)
}

func renderProblem(e otel.Event, width int) string {
	style := warnStyle
	if e.Level == otel.LevelError {
		style = failedStyle
	}
	text := string(e.Kind)
	if e.Source != "" {
		text += " " + e.Source
	}
	if e.Err != "" {
		text += ": " + e.Err
	}
	return "  " + style.Render(truncate(text, max(20, width-4)))
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 1 {
		return string(runes[:n])
	}
	return string(runes[:n-1]) + "…"
}
