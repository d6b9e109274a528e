// internal/tui/app.go
//
// The terminal dashboard for cascade. It uses bubbletea, which follows The
// Elm Architecture:
//
// 1. Model: the latest project snapshot plus UI state
// 2. Update: applies key presses and background results to the model
// 3. View: renders the model to a string
//
// Nothing here writes markers directly; stop, resume and tick all go through
// the control plane and the convergence loop.

package tui

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/cascade/internal/controlplane"
	"github.com/kingrea/cascade/internal/engine"
)

const (
	defaultRefreshInterval = 3 * time.Second
	logPanelLines          = 8
)

type snapshotMsg struct {
	tree controlplane.Tree
}

type controlDoneMsg struct {
	status string
	err    error
}

type tickDoneMsg struct {
	report engine.Report
	err    error
}

// AppOption customizes App construction for tests and alternate runtimes.
type AppOption func(*App)

// WithTick enables the "t" key.
func WithTick(fn controlplane.TickFunc) AppOption {
	return func(a *App) { a.tick = fn }
}

// WithRefreshInterval overrides how often the board re-reads the project.
func WithRefreshInterval(d time.Duration) AppOption {
	return func(a *App) {
		if d > 0 {
			a.refresh = d
		}
	}
}

// App is the watch model.
type App struct {
	plane   *controlplane.Plane
	tick    controlplane.TickFunc
	refresh time.Duration

	teams     list.Model
	tree      controlplane.Tree
	statusMsg string
	ticking   bool

	width  int
	height int
}

// teamItem implements list.Item for one top-level spec.
type teamItem struct {
	team controlplane.Team
}

func (i teamItem) Title() string {
	if i.team.Stopped {
		return i.team.ID + " [stopped]"
	}
	return i.team.ID
}

func (i teamItem) Description() string {
	return fmt.Sprintf("%s · %d/%d workers", humanizeState(i.team.State), doneWorkers(i.team), len(i.team.Workers))
}

func (i teamItem) FilterValue() string { return i.team.ID }

// NewApp creates the watch model over plane.
func NewApp(plane *controlplane.Plane, opts ...AppOption) *App {
	teams := list.New(nil, list.NewDefaultDelegate(), 60, 20)
	teams.Title = "Teams"
	teams.SetShowStatusBar(false)
	teams.SetFilteringEnabled(false)
	teams.SetShowHelp(false)

	app := &App{
		plane:   plane,
		refresh: defaultRefreshInterval,
		teams:   teams,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(app)
		}
	}
	return app
}

// Init is called once when the program starts.
func (a *App) Init() tea.Cmd {
	return a.fetchSnapshot()
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.teams.SetSize(max(20, msg.Width/2-4), max(5, msg.Height-14))
		return a, nil

	case snapshotMsg:
		a.applySnapshot(msg.tree)
		return a, a.scheduleRefresh()

	case controlDoneMsg:
		if msg.err != nil {
			a.statusMsg = "⚠ " + msg.err.Error()
		} else {
			a.statusMsg = msg.status
		}
		return a, a.fetchSnapshot()

	case tickDoneMsg:
		a.ticking = false
		if msg.err != nil {
			a.statusMsg = "⚠ tick failed: " + msg.err.Error()
		} else {
			a.statusMsg = describeReport(msg.report)
		}
		return a, a.fetchSnapshot()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return a, tea.Quit
		case "s":
			return a, a.control("stop")
		case "r":
			return a, a.control("resume")
		case "t":
			return a, a.runTick()
		case "g":
			a.statusMsg = "Refreshing..."
			return a, a.fetchSnapshot()
		}
	}

	var cmd tea.Cmd
	a.teams, cmd = a.teams.Update(msg)
	return a, cmd
}

func (a *App) applySnapshot(tree controlplane.Tree) {
	selected := ""
	if team, ok := a.selectedTeam(); ok {
		selected = team.ID
	}
	a.tree = tree
	items := make([]list.Item, len(tree.Teams))
	idx := 0
	for i, team := range tree.Teams {
		items[i] = teamItem{team: team}
		if team.ID == selected {
			idx = i
		}
	}
	a.teams.SetItems(items)
	if len(items) > 0 {
		a.teams.Select(idx)
	}
}

func (a *App) selectedTeam() (controlplane.Team, bool) {
	item, ok := a.teams.SelectedItem().(teamItem)
	if !ok {
		return controlplane.Team{}, false
	}
	return item.team, true
}

func (a *App) control(action string) tea.Cmd {
	team, ok := a.selectedTeam()
	if !ok {
		a.statusMsg = "No team selected"
		return nil
	}
	plane := a.plane
	return func() tea.Msg {
		switch action {
		case "stop":
			if err := plane.Stop(team.File); err != nil {
				return controlDoneMsg{err: err}
			}
			return controlDoneMsg{status: fmt.Sprintf("Stopped %s", team.ID)}
		default:
			enqueued, err := plane.Resume(team.File)
			if err != nil {
				return controlDoneMsg{err: err}
			}
			return controlDoneMsg{status: fmt.Sprintf("Resumed %s · %d worker(s) enqueued", team.ID, len(enqueued))}
		}
	}
}

func (a *App) runTick() tea.Cmd {
	if a.tick == nil {
		a.statusMsg = "Tick control disabled"
		return nil
	}
	if a.ticking {
		a.statusMsg = "Tick already running"
		return nil
	}
	a.ticking = true
	a.statusMsg = "Running one tick..."
	tick := a.tick
	return func() tea.Msg {
		report, err := tick(context.Background())
		return tickDoneMsg{report: report, err: err}
	}
}

func (a *App) fetchSnapshot() tea.Cmd {
	plane := a.plane
	return func() tea.Msg {
		return snapshotMsg{tree: plane.Snapshot()}
	}
}

func (a *App) scheduleRefresh() tea.Cmd {
	plane := a.plane
	return tea.Tick(a.refresh, func(time.Time) tea.Msg {
		return snapshotMsg{tree: plane.Snapshot()}
	})
}

// View renders the board.
func (a *App) View() string {
	width := a.width
	if width <= 0 {
		width = 100
	}
	leftWidth := max(30, width/2-2)
	rightWidth := max(30, width-leftWidth-4)

	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FF6B6B")).
		MarginBottom(1).
		Render("⬡ CASCADE")
	leftBox := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Width(leftWidth).
		Render(lipgloss.JoinVertical(lipgloss.Left, a.renderTotals(), "", a.renderTeams()))
	rightBox := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Width(rightWidth).
		Render(a.renderDetail(rightWidth - 4))
	sections := []string{header, lipgloss.JoinHorizontal(lipgloss.Top, leftBox, rightBox)}
	if logPanel := a.renderLogPanel(); logPanel != "" {
		sections = append(sections, logPanel)
	}
	hint := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render("s → stop    r → resume    t → tick    g → refresh    q → quit")
	footer := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888888")).
		MarginTop(1).
		Render(a.statusMsg)
	sections = append(sections, hint, footer)
	return strings.Join(sections, "\n")
}

func (a *App) renderTotals() string {
	t := a.tree
	return fmt.Sprintf("%d team(s) · %d worker(s) · %d queued\nAPI calls: manager %d · worker %d · ceo %d",
		len(t.Teams), t.WorkerCount(), t.Queued,
		t.APICalls["manager"], t.APICalls["worker"], t.APICalls["ceo"])
}

func (a *App) renderTeams() string {
	if len(a.tree.Teams) == 0 {
		return lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Render("No teams yet. Seed a mission to begin.")
	}
	return a.teams.View()
}

func (a *App) renderDetail(width int) string {
	team, ok := a.selectedTeam()
	if !ok {
		return lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Render("Select a team to see its workers.")
	}
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("%s · %s", team.ID, humanizeState(team.State)))
	lines := []string{
		title,
		wrap(team.Mission, width),
		"",
		"Manager: " + markerLabel(team.Manager),
		"Summary: " + markerLabel(team.Summary),
	}
	if len(team.Workers) > 0 {
		lines = append(lines, "", "Workers:")
	}
	for _, w := range team.Workers {
		status := "pending"
		if w.Progress.Present {
			status = "done"
			if w.ExitCode != nil {
				status = fmt.Sprintf("exit %d", *w.ExitCode)
			}
		}
		lines = append(lines, fmt.Sprintf("  %s · %s", w.ID, status))
	}
	if len(a.tree.Malformed) > 0 {
		warn := lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
		lines = append(lines, "", warn.Render("⚠ malformed: "+strings.Join(a.tree.Malformed, ", ")))
	}
	return lipgloss.NewStyle().Width(max(20, width)).Render(strings.Join(lines, "\n"))
}

func (a *App) renderLogPanel() string {
	journal := a.plane.Journal()
	if journal == nil {
		return ""
	}
	lines, _ := journal.Tail(logPanelLines)
	if len(lines) == 0 {
		return ""
	}
	fileName := filepath.Base(journal.Path())
	if fileName == "." || fileName == "" {
		fileName = "log"
	}
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("LOG · %s", fileName))
	body := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render(strings.Join(lines, "\n"))
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Render(fmt.Sprintf("%s\n%s", head, body))
}

func describeReport(r engine.Report) string {
	if !r.Changed() && len(r.Failures) == 0 {
		return "Tick finished · nothing to do"
	}
	parts := []string{
		fmt.Sprintf("planned %d", len(r.Planned)),
		fmt.Sprintf("executed %d", len(r.Executed)),
		fmt.Sprintf("summarized %d", len(r.Summarized)),
	}
	if n := len(r.Failures); n > 0 {
		parts = append(parts, fmt.Sprintf("⚠ %d failure(s)", n))
	}
	return "Tick finished · " + strings.Join(parts, " · ")
}

func humanizeState(s engine.State) string {
	switch s {
	case engine.StateNeedsPlan:
		return "needs plan"
	case engine.StateAwaitingWorkers:
		return "awaiting workers"
	case engine.StateNeedsSummary:
		return "needs summary"
	case engine.StateDone:
		return "done"
	case engine.StateStopped:
		return "stopped"
	}
	return strings.ToLower(string(s))
}

func doneWorkers(team controlplane.Team) int {
	n := 0
	for _, w := range team.Workers {
		if w.Progress.Present {
			n++
		}
	}
	return n
}

func markerLabel(m controlplane.Marker) string {
	if m.Present {
		return m.Name
	}
	return "None"
}

func wrap(text string, width int) string {
	if width <= 0 {
		return text
	}
	return lipgloss.NewStyle().Width(width).Render(text)
}
