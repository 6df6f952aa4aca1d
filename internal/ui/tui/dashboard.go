// Package tui is vtmon's live dashboard: a Bubble Tea program showing
// one row per hooked vtable slot, refreshed on a ticker, built on
// github.com/charmbracelet/bubbletea, bubbles' table component, and
// lipgloss styling — all declared direct in the teacher's go.mod but
// never imported by its own source; this package is their wiring.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/vtmon/vtmon/internal/vthook"
)

const tickInterval = 250 * time.Millisecond

// tickMsg fires on every refresh tick.
type tickMsg time.Time

// RowSource supplies the live rows the dashboard renders, satisfied by
// *vthook.Hooker in production and a fake in tests.
type RowSource interface {
	Hooks() []*vthook.Hook
}

// Model is the dashboard's Bubble Tea model.
type Model struct {
	source RowSource
	table  table.Model
	header string
}

// New builds a dashboard bound to source, labeled with sessionID (the
// owning Hooker's correlation id) in the header.
func New(source RowSource, sessionID string) Model {
	columns := []table.Column{
		{Title: "Slot", Width: 6},
		{Title: "Target", Width: 18},
		{Title: "Calls", Width: 10},
		{Title: "Last Return", Width: 18},
		{Title: "Delta", Width: 10},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(20),
	)

	style := table.DefaultStyles()
	style.Header = style.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	style.Selected = style.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(style)

	header := "vtmon"
	if sessionID != "" {
		header = fmt.Sprintf("vtmon — session %s", sessionID)
	}

	return Model{source: source, table: t, header: header}
}

// Init satisfies tea.Model, starting the refresh ticker.
func (m Model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update satisfies tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		m.table.SetRows(m.rows())
		return m, tick()
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// View satisfies tea.Model.
func (m Model) View() string {
	title := lipgloss.NewStyle().Bold(true).Render(m.header)
	footer := lipgloss.NewStyle().Faint(true).Render("q to quit")
	return title + "\n" + m.table.View() + "\n" + footer + "\n"
}

// rows converts the current hook-set state into table rows, in the
// order Hooks() returns them (ascending slot index).
func (m Model) rows() []table.Row {
	if m.source == nil {
		return nil
	}
	hooks := m.source.Hooks()
	rows := make([]table.Row, 0, len(hooks))
	for _, h := range hooks {
		rows = append(rows, table.Row{
			fmt.Sprintf("%d", h.Index()),
			fmt.Sprintf("0x%x", h.Target()),
			fmt.Sprintf("%d", h.Calls()),
			fmt.Sprintf("0x%x", h.LastReturnAddress()),
			h.Delta().Round(time.Microsecond).String(),
		})
	}
	return rows
}
