package tui

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/cascade/internal/controlplane"
	"github.com/kingrea/cascade/internal/engine"
	"github.com/kingrea/cascade/internal/logbook"
	"github.com/kingrea/cascade/internal/logging"
	"github.com/kingrea/cascade/internal/progress"
	"github.com/kingrea/cascade/internal/queue"
	"github.com/kingrea/cascade/internal/spec"
)

type testProject struct {
	board *progress.Board
	queue *queue.MemQueue
	plane *controlplane.Plane
}

func newTestProject(t *testing.T) *testProject {
	t.Helper()
	dir := t.TempDir()
	specs := spec.NewStore(filepath.Join(dir, "specs"))
	for _, sp := range []spec.Spec{
		{ID: "alpha", Version: 1, Mission: "do A"},
		{ID: "a1", Version: 1, Parent: "alpha", Mission: "task A1"},
	} {
		if _, err := specs.Write(sp); err != nil {
			t.Fatal(err)
		}
	}
	journal, err := logbook.New(filepath.Join(dir, "logs", "journey.log"))
	if err != nil {
		t.Fatal(err)
	}
	journal.Info("seeded 1 team spec(s): alpha")
	p := &testProject{
		board: progress.NewBoard(filepath.Join(dir, "progress")),
		queue: queue.NewMemQueue(),
	}
	if err := p.board.Write(progress.RoleManager, "alpha", "Workers created: a1"); err != nil {
		t.Fatal(err)
	}
	p.plane = controlplane.New(specs, p.queue, p.board, journal, logging.Discard())
	return p
}

func key(k string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(k)}
}

// send applies msg and then feeds the resulting command output back once.
// Refresh ticks are not followed.
func send(t *testing.T, app *App, msg tea.Msg) *App {
	t.Helper()
	model, cmd := app.Update(msg)
	next, ok := model.(*App)
	if !ok {
		t.Fatalf("unexpected model type: %T", model)
	}
	if cmd == nil {
		return next
	}
	out := cmd()
	switch out.(type) {
	case controlDoneMsg, tickDoneMsg, snapshotMsg:
		model, _ = next.Update(out)
		return model.(*App)
	}
	return next
}

func loaded(t *testing.T, p *testProject, opts ...AppOption) *App {
	t.Helper()
	app := NewApp(p.plane, opts...)
	model, _ := app.Update(app.Init()())
	return model.(*App)
}

func TestSnapshotPopulatesBoard(t *testing.T) {
	p := newTestProject(t)
	app := loaded(t, p)
	team, ok := app.selectedTeam()
	if !ok || team.ID != "alpha" {
		t.Fatalf("selected team = %+v, %v", team, ok)
	}
	view := app.View()
	for _, want := range []string{"CASCADE", "alpha", "awaiting workers", "a1 · pending", "manager_alpha.md", "seeded 1 team spec(s)"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
}

func TestStopAndResumeKeys(t *testing.T) {
	p := newTestProject(t)
	app := loaded(t, p)

	app = send(t, app, key("s"))
	if !p.board.IsStopped("alpha.md") {
		t.Fatal("alpha should be stopped")
	}
	if app.statusMsg != "Stopped alpha" {
		t.Fatalf("status = %q", app.statusMsg)
	}

	app = send(t, app, key("r"))
	if p.board.IsStopped("alpha.md") {
		t.Fatal("alpha should be running")
	}
	if !strings.Contains(app.statusMsg, "1 worker(s) enqueued") {
		t.Fatalf("status = %q", app.statusMsg)
	}
	if n, _ := p.queue.Len(); n != 1 {
		t.Fatalf("queue len = %d, want 1", n)
	}
}

func TestTickKey(t *testing.T) {
	p := newTestProject(t)
	calls := 0
	app := loaded(t, p, WithTick(func(context.Context) (engine.Report, error) {
		calls++
		return engine.Report{Executed: []string{"a1"}}, nil
	}))
	app = send(t, app, key("t"))
	if calls != 1 || app.ticking {
		t.Fatalf("tick calls = %d ticking = %v", calls, app.ticking)
	}
	if !strings.Contains(app.statusMsg, "executed 1") {
		t.Fatalf("status = %q", app.statusMsg)
	}

	failing := loaded(t, p, WithTick(func(context.Context) (engine.Report, error) {
		return engine.Report{}, errors.New("config missing")
	}))
	failing = send(t, failing, key("t"))
	if !strings.Contains(failing.statusMsg, "tick failed: config missing") {
		t.Fatalf("status = %q", failing.statusMsg)
	}
}

func TestTickDisabledWithoutRunner(t *testing.T) {
	p := newTestProject(t)
	app := loaded(t, p)
	_, cmd := app.Update(key("t"))
	if cmd != nil || app.statusMsg != "Tick control disabled" {
		t.Fatalf("cmd = %v status = %q", cmd, app.statusMsg)
	}
}

func TestQuitKey(t *testing.T) {
	p := newTestProject(t)
	_, cmd := loaded(t, p).Update(key("q"))
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("expected tea.QuitMsg")
	}
}

func TestEmptyProject(t *testing.T) {
	dir := t.TempDir()
	plane := controlplane.New(spec.NewStore(filepath.Join(dir, "specs")), queue.NewMemQueue(), progress.NewBoard(filepath.Join(dir, "progress")), nil, logging.Discard())
	app := loaded(t, &testProject{plane: plane})
	if !strings.Contains(app.View(), "No teams yet") {
		t.Fatalf("expected empty board:\n%s", app.View())
	}
	_, cmd := app.Update(key("s"))
	if cmd != nil || app.statusMsg != "No team selected" {
		t.Fatalf("cmd = %v status = %q", cmd, app.statusMsg)
	}
}
