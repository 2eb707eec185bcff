package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-relay/bundle"
	"github.com/wippyai/wasm-relay/invoke"
	"github.com/wippyai/wasm-relay/transport"
)

const requestTimeout = 5 * time.Second

type uiState int

const (
	stateBrowse uiState = iota
	stateRequest
	stateResponse
)

type routesModel struct {
	err        error
	locator    *bundle.Locator
	client     *transport.SocketClient
	changes    <-chan struct{}
	root       string
	scannedAt  time.Time
	result     string
	candidates []bundle.Candidate
	table      table.Model
	input      textinput.Model
	state      uiState
}

type scannedMsg struct {
	err        error
	at         time.Time
	candidates []bundle.Candidate
}

type changedMsg struct{}

type responseMsg struct {
	err  error
	resp []byte
}

func runRoutesUI(ctx context.Context, env *cli, loc *bundle.Locator) error {
	var changes <-chan struct{}
	w, err := bundle.NewWatcher(loc.Root(), bundle.DefaultWatchDepth)
	if err != nil {
		env.logger.Warn("scan root not watched, press r to rescan", zap.Error(err))
	} else {
		defer w.Close()
		changes = w.Changes()
	}

	client := transport.NewSocketClient(loc, env.cfg, transport.WithClientLogger(env.logger))
	m := newRoutesModel(loc, client, changes)
	_, err = tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	return err
}

func newRoutesModel(loc *bundle.Locator, client *transport.SocketClient, changes <-chan struct{}) *routesModel {
	columns := make([]table.Column, len(candidateHeaders))
	widths := []int{44, 20, 28, 18}
	for i, h := range candidateHeaders {
		columns[i] = table.Column{Title: h, Width: widths[i]}
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#666666")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("#FAFAFA")).
		Background(lipgloss.Color("#7D56F4")).
		Bold(false)
	t.SetStyles(styles)

	ti := textinput.New()
	ti.Placeholder = "payload"
	ti.Prompt = "request: "
	ti.Width = 60

	return &routesModel{
		locator: loc,
		client:  client,
		changes: changes,
		root:    loc.Root(),
		table:   t,
		input:   ti,
		state:   stateBrowse,
	}
}

func (m *routesModel) Init() tea.Cmd {
	return tea.Batch(m.scan, m.waitForChange())
}

func (m *routesModel) scan() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	c, err := m.locator.Candidates(ctx)
	return scannedMsg{candidates: c, err: err, at: time.Now()}
}

func (m *routesModel) waitForChange() tea.Cmd {
	if m.changes == nil {
		return nil
	}
	ch := m.changes
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return nil
		}
		return changedMsg{}
	}
}

func (m *routesModel) request(route bundle.Route, payload string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		resp, err := m.client.Request(ctx, []byte(payload), route.SocketPath)
		return responseMsg{resp: resp, err: err}
	}
}

func (m *routesModel) selected() (bundle.Candidate, bool) {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.candidates) {
		return bundle.Candidate{}, false
	}
	return m.candidates[i], true
}

func (m *routesModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		switch m.state {
		case stateBrowse:
			switch msg.String() {
			case "q":
				return m, tea.Quit
			case "r":
				return m, m.scan
			case "enter":
				if c, ok := m.selected(); ok && c.Status == bundle.StatusQualified {
					m.state = stateRequest
					m.input.SetValue("")
					return m, m.input.Focus()
				}
				return m, nil
			}
		case stateRequest:
			switch msg.String() {
			case "esc":
				m.input.Blur()
				m.state = stateBrowse
				return m, nil
			case "enter":
				c, _ := m.selected()
				m.input.Blur()
				m.result, m.err = "", nil
				m.state = stateResponse
				return m, m.request(c.Route, m.input.Value())
			}
			var cmd tea.Cmd
			m.input, cmd = m.input.Update(msg)
			return m, cmd
		case stateResponse:
			switch msg.String() {
			case "q":
				return m, tea.Quit
			case "enter", "esc":
				m.state = stateBrowse
				m.result, m.err = "", nil
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		if h := msg.Height - 8; h > 3 {
			m.table.SetHeight(h)
		}

	case scannedMsg:
		m.err = msg.err
		m.scannedAt = msg.at
		m.candidates = msg.candidates
		rows := make([]table.Row, len(msg.candidates))
		for i, c := range msg.candidates {
			rows[i] = candidateRow(c)
		}
		m.table.SetRows(rows)
		return m, nil

	case changedMsg:
		return m, tea.Batch(m.scan, m.waitForChange())

	case responseMsg:
		m.err = msg.err
		m.result = formatResponse(msg.resp)
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// formatResponse shows an 8-byte response as the decoded result and
// anything else as quoted bytes.
func formatResponse(resp []byte) string {
	if v, err := invoke.DecodeResult(resp); err == nil {
		return fmt.Sprintf("%d (% x)", v, resp)
	}
	if len(resp) == 0 {
		return "(no response bytes)"
	}
	return fmt.Sprintf("%q", resp)
}

func (m *routesModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Relay Routes"))
	b.WriteString(" ")
	b.WriteString(m.root)
	b.WriteString("\n\n")

	switch m.state {
	case stateBrowse:
		b.WriteString(m.table.View())
		b.WriteString("\n")
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
			b.WriteString("\n")
		}
		status := fmt.Sprintf("%d manifest(s)", len(m.candidates))
		if !m.scannedAt.IsZero() {
			status += ", scanned " + m.scannedAt.Format(time.TimeOnly)
		}
		b.WriteString(helpStyle.Render(status + " • ↑/↓ select • enter request • r rescan • q quit"))

	case stateRequest:
		c, _ := m.selected()
		b.WriteString(fmt.Sprintf("Send to %s\n\n", qualifiedStyle.Render(c.Route.FunctionName)))
		b.WriteString(m.input.View())
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter send • esc back"))

	case stateResponse:
		c, _ := m.selected()
		b.WriteString(fmt.Sprintf("Response from %s:\n\n", qualifiedStyle.Render(c.Route.FunctionName)))
		switch {
		case m.err != nil:
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		case m.result == "":
			b.WriteString(helpStyle.Render("waiting..."))
		default:
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}
	return b.String()
}
