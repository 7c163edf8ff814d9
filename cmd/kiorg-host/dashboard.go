package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/houqp/kiorg/internal/plugins"
)

func newDashboardCommand(opts *rootOptions) *cobra.Command {
	var refresh time.Duration

	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Live terminal view of plugin states",
		Long: `Dashboard shows every plugin slot with its lifecycle state, negotiated
protocol revision, and crash count, refreshing live. Kill a plugin
process and watch the respawn policy play out.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDashboard(opts, refresh)
		},
	}
	cmd.Flags().DurationVar(&refresh, "refresh", 500*time.Millisecond, "refresh rate for live updates")
	return cmd
}

func runDashboard(opts *rootOptions, refresh time.Duration) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr, _, teardown, err := startEngine(ctx, opts)
	if err != nil {
		return err
	}
	defer teardown()

	model := newDashboardModel(mgr, refresh)
	program := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		return fmt.Errorf("dashboard failed: %w", err)
	}
	return nil
}

// dashboardModel holds the state for the Bubble Tea dashboard.
type dashboardModel struct {
	mgr          *plugins.Manager
	refresh      time.Duration
	statuses     []plugins.PluginStatus
	paused       bool
	lastUpdate   time.Time
	windowWidth  int
	windowHeight int
}

func newDashboardModel(mgr *plugins.Manager, refresh time.Duration) dashboardModel {
	return dashboardModel{
		mgr:        mgr,
		refresh:    refresh,
		lastUpdate: time.Now(),
	}
}

func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(m.tickCmd(), m.loadCmd())
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.windowWidth = msg.Width
		m.windowHeight = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case " ":
			m.paused = !m.paused
			return m, nil
		case "r":
			return m, m.rescanCmd()
		}

	case tickMsg:
		if !m.paused {
			return m, tea.Batch(m.tickCmd(), m.loadCmd())
		}
		return m, m.tickCmd()

	case statusesMsg:
		m.statuses = msg.statuses
		m.lastUpdate = time.Now()
		return m, nil
	}

	return m, nil
}

func (m dashboardModel) View() string {
	header := m.renderHeader()
	table := m.renderTable()
	footer := m.renderFooter()
	return lipgloss.JoinVertical(lipgloss.Left, header, table, footer)
}

func (m dashboardModel) renderHeader() string {
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("86")).
		Render("kiorg plugin host")

	ready := 0
	for _, st := range m.statuses {
		if st.State == plugins.StateReady {
			ready++
		}
	}
	summary := fmt.Sprintf("plugins: %d ready / %d total", ready, len(m.statuses))

	status := "LIVE"
	statusStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46"))
	if m.paused {
		status = "PAUSED"
		statusStyle = statusStyle.Foreground(lipgloss.Color("196"))
	}

	line1 := lipgloss.JoinHorizontal(lipgloss.Left,
		title, "  ", summary, "  ", statusStyle.Render(status))
	line2 := lipgloss.NewStyle().
		Foreground(lipgloss.Color("245")).
		Render(fmt.Sprintf("last update: %s | refresh: %v",
			m.lastUpdate.Format("15:04:05"), m.refresh))

	return lipgloss.JoinVertical(lipgloss.Left, line1, line2, "")
}

func (m dashboardModel) renderTable() string {
	if len(m.statuses) == 0 {
		return lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Render("\n  no plugins discovered\n")
	}

	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("86")).
		Render(fmt.Sprintf("%-16s │ %-12s │ %-7s │ %-5s │ %-7s │ %s",
			"NAME", "STATE", "PID", "PROTO", "CRASHES", "PATTERN"))

	rows := []string{header}
	for _, st := range m.statuses {
		name := st.Name
		if name == "" {
			name = filepath.Base(st.Path)
		}
		state := st.State.String()
		if st.Disabled {
			state = "disabled"
		}
		row := fmt.Sprintf("%-16s │ %-12s │ %-7d │ %-5d │ %-7d │ %s",
			truncate(name, 16), state, st.PID, st.Version, st.Crashes, truncate(st.Pattern, 24))
		rows = append(rows, lipgloss.NewStyle().Foreground(stateColor(st)).Render(row))
	}

	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func (m dashboardModel) renderFooter() string {
	return lipgloss.NewStyle().
		Foreground(lipgloss.Color("245")).
		Render("\ncontrols: [space] pause/resume | [r] rescan directory | [q] quit")
}

func stateColor(st plugins.PluginStatus) lipgloss.Color {
	if st.Disabled {
		return lipgloss.Color("240")
	}
	switch st.State {
	case plugins.StateReady:
		return lipgloss.Color("46")
	case plugins.StateBusy:
		return lipgloss.Color("226")
	case plugins.StateHandshaking, plugins.StateStarting:
		return lipgloss.Color("86")
	case plugins.StateCrashed:
		return lipgloss.Color("196")
	default:
		return lipgloss.Color("240")
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// tickMsg fires every refresh interval.
type tickMsg time.Time

func (m dashboardModel) tickCmd() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// statusesMsg carries a fresh status snapshot.
type statusesMsg struct {
	statuses []plugins.PluginStatus
}

func (m dashboardModel) loadCmd() tea.Cmd {
	return func() tea.Msg {
		return statusesMsg{statuses: m.mgr.Statuses()}
	}
}

func (m dashboardModel) rescanCmd() tea.Cmd {
	return func() tea.Msg {
		_ = m.mgr.Rescan()
		return statusesMsg{statuses: m.mgr.Statuses()}
	}
}
