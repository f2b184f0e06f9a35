package present

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"coin_dash/internal/domain"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("4"))
	footerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("15")).Background(lipgloss.Color("8"))
	colHeadStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	nameStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	priceStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("15"))
	gainStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	lossStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	pulseStyle    = lipgloss.NewStyle().Background(lipgloss.Color("58"))
	cursorStyle   = lipgloss.NewStyle().Background(lipgloss.Color("236"))
	errorStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	emptyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	chartBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1)
)

const (
	rowSparkWidth   = 16
	chartSparkWidth = 60
)

// boardMsg carries a fresh copy of the board.
type boardMsg State

// tickMsg refreshes relative times in the view.
type tickMsg time.Time

// Model is the bubbletea model of the terminal dashboard.
type Model struct {
	board   *Board
	cmds    *Commands
	changes <-chan struct{}

	state     State
	cursor    int
	searching bool
	query     string
	lastQuery string
	width     int
	now       time.Time
}

// NewModel creates a terminal model reading changes from board.
func NewModel(board *Board, cmds *Commands, changes <-chan struct{}) Model {
	return Model{
		board:   board,
		cmds:    cmds,
		changes: changes,
		state:   board.State(),
		width:   100,
		now:     time.Now(),
	}
}

func (m Model) waitForChange() tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-m.changes; !ok {
			return nil
		}
		return boardMsg(m.board.State())
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.waitForChange(), tickCmd())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case boardMsg:
		m.state = State(msg)
		m.clampCursor()
		return m, m.waitForChange()

	case tickMsg:
		m.now = time.Time(msg)
		return m, tickCmd()

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		if m.searching {
			return m.updateSearch(msg)
		}
		return m.updateBrowse(msg)
	}
	return m, nil
}

func (m Model) updateBrowse(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.state.Rows)-1 {
			m.cursor++
		}
	case "enter":
		if id := m.cursorID(); id != "" {
			m.cmds.Select(id)
		}
	case "d", "delete":
		if id := m.cursorID(); id != "" {
			m.cmds.Remove(id)
		}
	case "/":
		m.searching = true
		m.query = ""
	case "esc":
		m.lastQuery = ""
		m.cmds.ClearSearch()
	case "b":
		m.cmds.Back()
	case "r":
		m.cmds.Reload()
	}
	return m, nil
}

func (m Model) updateSearch(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return m, tea.Quit
	case tea.KeyEsc:
		m.searching = false
		m.query = ""
	case tea.KeyEnter:
		m.searching = false
		if m.cmds.Search(m.query) {
			m.lastQuery = strings.TrimSpace(m.query)
			m.cursor = 0
		}
	case tea.KeyBackspace:
		if r := []rune(m.query); len(r) > 0 {
			m.query = string(r[:len(r)-1])
		}
	case tea.KeyRunes, tea.KeySpace:
		m.query += string(msg.Runes)
	}
	return m, nil
}

func (m Model) cursorID() string {
	if m.cursor < 0 || m.cursor >= len(m.state.Rows) {
		return ""
	}
	return m.state.Rows[m.cursor].ID
}

func (m *Model) clampCursor() {
	if m.cursor >= len(m.state.Rows) {
		m.cursor = len(m.state.Rows) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m Model) View() string {
	var b strings.Builder

	title := " CoinDash  top coins by market cap"
	if m.lastQuery != "" {
		title = fmt.Sprintf(" CoinDash  search: %q", m.lastQuery)
	}
	if m.state.Loading {
		title += "  loading..."
	}
	b.WriteString(headerStyle.Render(padOrTrunc(title, m.width)))
	b.WriteString("\n\n")

	b.WriteString(m.renderTable())
	b.WriteString("\n")
	b.WriteString(m.renderChart())
	b.WriteString("\n")

	footer := " q quit  up/dn move  enter chart  d remove  / search  esc clear  b back  r reload"
	if m.searching {
		footer = " search: " + m.query + "_"
	}
	b.WriteString(footerStyle.Render(padOrTrunc(footer, m.width)))
	return b.String()
}

func (m Model) renderTable() string {
	switch m.state.Banner.Kind {
	case domain.BannerError:
		return errorStyle.Render("  "+m.state.Banner.Message) + "\n" + dimStyle.Render("  press r to retry") + "\n"
	case domain.BannerEmpty:
		return emptyStyle.Render("  "+m.state.Banner.Message) + "\n" + dimStyle.Render("  press b to go back") + "\n"
	}

	var b strings.Builder
	b.WriteString(colHeadStyle.Render(fmt.Sprintf("  %-24s %16s %10s  %s", "Name", "Price", "24h", "7d")))
	b.WriteString("\n")
	for i, r := range m.state.Rows {
		marker := "  "
		if r.ID == m.state.Selected {
			marker = "> "
		}
		name := fmt.Sprintf("%-24s", truncate(r.Name+" ("+strings.ToUpper(r.Symbol)+")", 24))
		change := fmt.Sprintf("%10s", r.Change)
		switch r.Direction {
		case "positive":
			change = gainStyle.Render(change)
		case "negative":
			change = lossStyle.Render(change)
		}
		line := marker + nameStyle.Render(name) + " " +
			priceStyle.Render(fmt.Sprintf("%16s", r.Price)) + " " + change + "  " +
			dimStyle.Render(Sparkline(r.Sparkline, rowSparkWidth))

		switch {
		case r.Fading:
			line = dimStyle.Render(marker + name + " removing...")
		case r.Pulsing:
			line = pulseStyle.Render(line)
		case i == m.cursor:
			line = cursorStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) renderChart() string {
	c := m.state.Chart
	if c.Loading {
		return chartBoxStyle.Render(fmt.Sprintf("Loading %s chart...", c.LoadingName))
	}
	if c.ID == "" {
		return chartBoxStyle.Render(dimStyle.Render("No coin selected"))
	}

	line := make([]float64, len(c.Points))
	for i, p := range c.Points {
		line[i] = p.Price
	}
	trend := gainStyle
	if !c.Rising {
		trend = lossStyle
	}
	body := fmt.Sprintf("%s  %s  %s\n%s\n%s",
		nameStyle.Render(c.Name),
		priceStyle.Render(c.Price),
		trend.Render(c.Change),
		trend.Render(Sparkline(line, chartSparkWidth)),
		dimStyle.Render("24h, updated "+FormatAge(c.UpdatedAt, m.now)),
	)
	return chartBoxStyle.Render(body)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func padOrTrunc(s string, width int) string {
	n := len([]rune(s))
	if n >= width {
		return truncate(s, width)
	}
	return s + strings.Repeat(" ", width-n)
}

// RunTUI shows the terminal dashboard until the user quits or ctx ends.
func RunTUI(ctx context.Context, board *Board, cmds *Commands) error {
	changes, unwatch := board.Watch()
	defer unwatch()

	p := tea.NewProgram(
		NewModel(board, cmds, changes),
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("terminal ui: %w", err)
	}
	return nil
}
