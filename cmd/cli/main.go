// Command cli is the operator dashboard: a terminal view of backend
// health, circuit state and load, refreshed from a running gateway's
// admin API.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/modelgate/modelgate/internal/infrastructure/routing"
)

const refreshInterval = 2 * time.Second

var (
	colorCyan  = lipgloss.Color("#00D7D7")
	colorGreen = lipgloss.Color("#5FD75F")
	colorRed   = lipgloss.Color("#FF5F5F")
	colorGray  = lipgloss.Color("#808080")

	titleStyle  = lipgloss.NewStyle().Foreground(colorCyan).Bold(true)
	statusStyle = lipgloss.NewStyle().Foreground(colorGray)
	errStyle    = lipgloss.NewStyle().Foreground(colorRed)
	borderStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(colorGray)
)

func main() {
	var addr string

	rootCmd := &cobra.Command{
		Use:   "modelgate-cli",
		Short: "ModelGate backend dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			m := newModel(addr)
			_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
			return err
		},
	}
	rootCmd.Flags().StringVarP(&addr, "addr", "a", "http://127.0.0.1:8080", "gateway base URL")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type backendsMsg struct {
	backends []routing.BackendStatus
	err      error
}

type toggleMsg struct {
	pipeline string
	err      error
}

type tickMsg time.Time

type model struct {
	addr    string
	client  *http.Client
	table   table.Model
	lastErr error
	updated time.Time
}

func newModel(addr string) *model {
	columns := []table.Column{
		{Title: "Pipeline", Width: 32},
		{Title: "Status", Width: 10},
		{Title: "Circuit", Width: 10},
		{Title: "In-flight", Width: 10},
		{Title: "EWMA ms", Width: 9},
		{Title: "Success", Width: 8},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(16),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).Foreground(colorCyan)
	styles.Selected = styles.Selected.Foreground(colorGreen)
	t.SetStyles(styles)

	return &model{
		addr:   addr,
		client: &http.Client{Timeout: 5 * time.Second},
		table:  t,
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(m.fetch, tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *model) fetch() tea.Msg {
	resp, err := m.client.Get(m.addr + "/admin/backends")
	if err != nil {
		return backendsMsg{err: err}
	}
	defer resp.Body.Close()

	var body struct {
		Backends []routing.BackendStatus `json:"backends"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return backendsMsg{err: err}
	}
	return backendsMsg{backends: body.Backends}
}

// toggle flips the selected pipeline through the admin API.
func (m *model) toggle(enabled bool) tea.Cmd {
	row := m.table.SelectedRow()
	if row == nil {
		return nil
	}
	pipeline := row[0]
	action := "disable"
	if enabled {
		action = "enable"
	}
	return func() tea.Msg {
		resp, err := m.client.Post(m.addr+"/admin/backends/"+pipeline+"/"+action, "application/json", nil)
		if err != nil {
			return toggleMsg{pipeline: pipeline, err: err}
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return toggleMsg{pipeline: pipeline, err: fmt.Errorf("%s returned %s", action, resp.Status)}
		}
		return toggleMsg{pipeline: pipeline}
	}
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.fetch
		case "e":
			return m, m.toggle(true)
		case "d":
			return m, m.toggle(false)
		}

	case tickMsg:
		return m, tea.Batch(m.fetch, tick())

	case toggleMsg:
		if msg.err != nil {
			m.lastErr = msg.err
			return m, nil
		}
		m.lastErr = nil
		return m, m.fetch

	case backendsMsg:
		if msg.err != nil {
			m.lastErr = msg.err
			return m, nil
		}
		m.lastErr = nil
		m.updated = time.Now()
		rows := make([]table.Row, 0, len(msg.backends))
		for _, b := range msg.backends {
			rows = append(rows, table.Row{
				b.PipelineID,
				string(b.Status),
				b.CircuitState,
				fmt.Sprintf("%d/%d", b.InFlight, b.MaxConcurrent),
				fmt.Sprintf("%.0f", b.EWMALatencyMs),
				fmt.Sprintf("%.0f%%", b.SuccessRate*100),
			})
		}
		m.table.SetRows(rows)
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *model) View() string {
	header := titleStyle.Render("ModelGate backends") +
		statusStyle.Render("  "+m.addr)

	body := borderStyle.Render(m.table.View())

	footer := statusStyle.Render("q quit · r refresh · e enable · d disable")
	if m.lastErr != nil {
		footer = errStyle.Render("fetch failed: " + m.lastErr.Error())
	} else if !m.updated.IsZero() {
		footer += statusStyle.Render("  updated " + m.updated.Format("15:04:05"))
	}

	return lipgloss.JoinVertical(lipgloss.Left, header, body, footer)
}
