// Package controlplane is the operator surface over a project: a read-only
// snapshot of teams and workers, the stop and resume controls, and the HTTP
// dashboard that serves both.
package controlplane

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/kingrea/cascade/internal/engine"
	"github.com/kingrea/cascade/internal/events"
	"github.com/kingrea/cascade/internal/executor"
	"github.com/kingrea/cascade/internal/faults"
	"github.com/kingrea/cascade/internal/logbook"
	"github.com/kingrea/cascade/internal/logging"
	"github.com/kingrea/cascade/internal/progress"
	"github.com/kingrea/cascade/internal/queue"
	"github.com/kingrea/cascade/internal/spec"
)

// ErrUnknownSpec is returned when a control targets a file that is not a
// top-level spec.
var ErrUnknownSpec = errors.New("controlplane: unknown top-level spec")

// Marker describes one progress file as the dashboards show it.
type Marker struct {
	Name    string `json:"name"`
	Present bool   `json:"present"`
}

// Worker is a leaf spec with its execution progress.
type Worker struct {
	ID       string `json:"id"`
	File     string `json:"file"`
	Version  int    `json:"version"`
	Status   string `json:"status"`
	Mission  string `json:"mission"`
	Progress Marker `json:"progress"`
	APILog   Marker `json:"api_log"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

// Team is a top-level spec with its manager, summary and workers.
type Team struct {
	ID      string       `json:"id"`
	File    string       `json:"file"`
	Version int          `json:"version"`
	Status  string       `json:"status"`
	Mission string       `json:"mission"`
	Stopped bool         `json:"stopped"`
	State   engine.State `json:"state"`
	Manager Marker       `json:"manager"`
	Summary Marker       `json:"summary"`
	Workers []Worker     `json:"workers"`
}

// Tree is the whole project as seen from disk at one instant.
type Tree struct {
	Generated time.Time      `json:"generated"`
	Teams     []Team         `json:"teams"`
	Unowned   []Worker       `json:"unowned,omitempty"`
	Malformed []string       `json:"malformed,omitempty"`
	APICalls  map[string]int `json:"api_calls"`
	Queued    int            `json:"queued"`
}

// WorkerCount returns the number of leaf specs in the tree.
func (t Tree) WorkerCount() int {
	n := len(t.Unowned)
	for _, team := range t.Teams {
		n += len(team.Workers)
	}
	return n
}

// Team returns the team with id.
func (t Tree) Team(id string) (Team, bool) {
	for _, team := range t.Teams {
		if team.ID == id {
			return team, true
		}
	}
	return Team{}, false
}

// Plane reads project state and applies operator controls.
type Plane struct {
	specs   *spec.Store
	queue   queue.Queue
	board   *progress.Board
	journal *logbook.Logbook
	logger  *slog.Logger
	now     func() time.Time
	events  *events.Hub
}

// PlaneOption customizes a Plane.
type PlaneOption func(*Plane)

// WithEventHub publishes stop and resume notifications to hub and lets the
// server stream it.
func WithEventHub(hub *events.Hub) PlaneOption {
	return func(p *Plane) { p.events = hub }
}

// New wires a control plane. journal may be nil.
func New(specs *spec.Store, q queue.Queue, board *progress.Board, journal *logbook.Logbook, logger *slog.Logger, opts ...PlaneOption) *Plane {
	p := &Plane{
		specs:   specs,
		queue:   q,
		board:   board,
		journal: journal,
		logger:  logging.For(logger, "controlplane"),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Events returns the event hub, or nil when live updates are off.
func (p *Plane) Events() *events.Hub {
	return p.events
}

// Journal returns the tick journal, possibly nil.
func (p *Plane) Journal() *logbook.Logbook {
	return p.journal
}

// Board exposes the marker store for file views.
func (p *Plane) Board() *progress.Board {
	return p.board
}

// Specs exposes the spec store for file views.
func (p *Plane) Specs() *spec.Store {
	return p.specs
}

// Snapshot builds the tree. Unreadable artifacts are reported inside the
// tree instead of failing the view.
func (p *Plane) Snapshot() Tree {
	tree := Tree{Generated: p.now(), APICalls: map[string]int{"manager": 0, "worker": 0, "ceo": 0}}
	all, errs := p.specs.List()
	for _, err := range errs {
		tree.Malformed = append(tree.Malformed, malformedName(err))
	}
	logs, err := p.board.APILogs()
	if err != nil {
		p.logger.Warn("api logs unreadable", slog.Any("error", err))
	}
	logSet := make(map[string]bool, len(logs))
	for _, name := range logs {
		logSet[name] = true
		switch {
		case strings.HasPrefix(name, "manager_"):
			tree.APICalls["manager"]++
		case strings.HasPrefix(name, "worker_"):
			tree.APICalls["worker"]++
		case strings.HasPrefix(name, "ceo"):
			tree.APICalls["ceo"]++
		}
	}

	teamIDs := map[string]bool{}
	for _, sp := range all {
		if !sp.IsTopLevel() {
			continue
		}
		teamIDs[sp.ID] = true
		children := spec.ChildrenOf(all, sp.ID)
		team := Team{
			ID:      sp.ID,
			File:    sp.FileName(),
			Version: sp.Version,
			Status:  sp.Status,
			Mission: strings.TrimSpace(sp.Mission),
			Stopped: p.board.IsStopped(sp.FileName()),
			State:   engine.Assess(p.board, sp, children),
			Manager: p.marker(progress.RoleManager, sp.ID),
			Summary: p.marker(progress.RoleSummary, sp.ID),
		}
		for _, child := range children {
			team.Workers = append(team.Workers, p.worker(child, logSet))
		}
		tree.Teams = append(tree.Teams, team)
	}
	for _, sp := range all {
		if !sp.IsTopLevel() && !teamIDs[sp.Parent] {
			tree.Unowned = append(tree.Unowned, p.worker(sp, logSet))
		}
	}
	if n, err := p.queue.Len(); err == nil {
		tree.Queued = n
	}
	return tree
}

func (p *Plane) marker(role progress.Role, id string) Marker {
	return Marker{Name: progress.MarkerName(role, id), Present: p.board.Done(role, id)}
}

func (p *Plane) worker(sp spec.Spec, logSet map[string]bool) Worker {
	w := Worker{
		ID:       sp.ID,
		File:     sp.FileName(),
		Version:  sp.Version,
		Status:   sp.Status,
		Mission:  strings.TrimSpace(sp.Mission),
		Progress: p.marker(progress.RoleWorker, sp.ID),
	}
	logName := filepath.Base(p.board.APILogPath(string(progress.RoleWorker), sp.ID))
	w.APILog = Marker{Name: logName, Present: logSet[logName]}
	if w.Progress.Present {
		if content, ok, err := p.board.Read(progress.RoleWorker, sp.ID); err == nil && ok {
			if code, ok := executor.ExitCodeFromMarker(content); ok {
				w.ExitCode = &code
			}
		}
	}
	return w
}

// Stop pauses the top-level spec stored in file.
func (p *Plane) Stop(file string) error {
	team, err := p.team(file)
	if err != nil {
		return err
	}
	if err := p.board.Stop(team.FileName()); err != nil {
		return err
	}
	p.logger.Info("team stopped", slog.String("spec", team.ID))
	p.journal.Warn("team %s stopped", team.ID)
	p.events.Publish(events.Event{Type: events.TeamStopped, Team: team.ID, Spec: team.ID})
	return nil
}

// Resume clears the stop marker and enqueues every child that has no
// worker marker. It returns the enqueued entries.
func (p *Plane) Resume(file string) ([]string, error) {
	team, err := p.team(file)
	if err != nil {
		return nil, err
	}
	if err := p.board.Resume(team.FileName()); err != nil {
		return nil, err
	}
	var enqueued []string
	for _, child := range engine.PendingChildren(p.board, p.specs.Children(team.ID)) {
		if err := p.queue.Enqueue(child.Path); err != nil {
			return enqueued, err
		}
		enqueued = append(enqueued, child.Path)
	}
	p.logger.Info("team resumed", slog.String("spec", team.ID), slog.Int("enqueued", len(enqueued)))
	p.journal.Info("team %s resumed, %d worker(s) enqueued", team.ID, len(enqueued))
	p.events.Publish(events.Event{
		Type:   events.TeamResumed,
		Team:   team.ID,
		Spec:   team.ID,
		Detail: fmt.Sprintf("%d worker(s) enqueued", len(enqueued)),
	})
	return enqueued, nil
}

func (p *Plane) team(file string) (spec.Spec, error) {
	name, err := CleanFileName(file)
	if err != nil {
		return spec.Spec{}, err
	}
	if !strings.HasSuffix(name, ".md") {
		name += ".md"
	}
	sp, err := p.specs.Read(filepath.Join(p.specs.Dir(), name))
	if err != nil {
		var ioErr *faults.IOError
		if errors.As(err, &ioErr) {
			return spec.Spec{}, fmt.Errorf("%w: %s", ErrUnknownSpec, name)
		}
		return spec.Spec{}, err
	}
	if !sp.IsTopLevel() {
		return spec.Spec{}, fmt.Errorf("%w: %s has parent %s", ErrUnknownSpec, name, sp.Parent)
	}
	return sp, nil
}

// ErrBadFileName rejects file parameters that are not a plain base name.
var ErrBadFileName = errors.New("controlplane: invalid file name")

// CleanFileName accepts a bare file name and rejects anything that could
// escape the directory it is resolved against.
func CleanFileName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrBadFileName, name)
	}
	return name, nil
}

func malformedName(err error) string {
	var malformed *faults.MalformedSpecError
	if errors.As(err, &malformed) && malformed.Path != "" {
		return filepath.Base(malformed.Path)
	}
	return err.Error()
}
