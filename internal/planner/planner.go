// Package planner turns missions into specs: the CEO split creates top-level
// team specs from a root mission, and Expand asks the manager role to break a
// team spec into worker specs.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kingrea/cascade/internal/faults"
	"github.com/kingrea/cascade/internal/llm"
	"github.com/kingrea/cascade/internal/logging"
	"github.com/kingrea/cascade/internal/progress"
	"github.com/kingrea/cascade/internal/queue"
	"github.com/kingrea/cascade/internal/spec"
)

const maxSplitLogID = 48

// Planner expands specs through the planning function.
type Planner struct {
	specs  *spec.Store
	queue  queue.Queue
	board  *progress.Board
	client llm.Client
	logger *slog.Logger
}

// New wires a planner. A nil logger uses the slog default.
func New(specs *spec.Store, q queue.Queue, board *progress.Board, client llm.Client, logger *slog.Logger) *Planner {
	return &Planner{
		specs:  specs,
		queue:  q,
		board:  board,
		client: client,
		logger: logging.For(logger, "planner"),
	}
}

// Expansion reports what one Expand call did.
type Expansion struct {
	Created []string
	Skipped []string
	// AlreadyPlanned is set when the manager marker existed before the call.
	AlreadyPlanned bool
}

// Split asks the CEO role to divide a root mission into top-level specs and
// writes the ones whose ids are new. Team specs are picked up by the loop's
// planning step, so they are not enqueued.
func (p *Planner) Split(ctx context.Context, mission string) ([]spec.Spec, error) {
	mission = strings.TrimSpace(mission)
	if mission == "" {
		return nil, fmt.Errorf("planner: empty mission")
	}
	logID := spec.Slug(mission)
	if len(logID) > maxSplitLogID {
		logID = strings.Trim(logID[:maxSplitLogID], "-")
	}
	if logID == "" {
		logID = "mission"
	}
	tasks, err := p.ask(ctx, "ceo_split", logID, ceoSystem, splitContext(mission), TeamSchema)
	if err != nil {
		return nil, err
	}
	var written []spec.Spec
	for idx, id := range childIDs(tasks, "team") {
		exists, err := p.specs.Exists(id)
		if err != nil {
			return written, err
		}
		if exists {
			p.logger.Info("team spec exists, skipping", slog.String("spec", id))
			continue
		}
		sp := spec.Spec{ID: id, Version: 1, Status: "draft", Mission: tasks[idx].Mission}
		path, err := p.specs.Write(sp)
		if err != nil {
			return written, err
		}
		sp.Path = path
		written = append(written, sp)
		p.logger.Info("team spec written", slog.String("spec", id), slog.String("path", path))
	}
	return written, nil
}

// Expand runs the manager role for a top-level spec. Children that already
// exist are skipped, new ones are written and enqueued, and the manager
// marker is written last. A spec whose marker exists is left untouched.
func (p *Planner) Expand(ctx context.Context, sp spec.Spec) (Expansion, error) {
	if p.board.Done(progress.RoleManager, sp.ID) {
		return Expansion{AlreadyPlanned: true}, nil
	}
	contextText, err := expandContext(sp)
	if err != nil {
		return Expansion{}, err
	}
	tasks, err := p.ask(ctx, string(progress.RoleManager), sp.ID, managerSystem, contextText, WorkerSchema)
	if err != nil {
		return Expansion{}, err
	}
	var result Expansion
	for idx, id := range childIDs(tasks, sp.ID) {
		exists, err := p.specs.Exists(id)
		if err != nil {
			return result, err
		}
		if exists {
			result.Skipped = append(result.Skipped, id)
			continue
		}
		task := tasks[idx]
		child := spec.Spec{
			ID:      id,
			Version: 1,
			Parent:  sp.ID,
			Status:  "draft",
			Inputs:  task.Inputs,
			Outputs: task.Outputs,
			Mission: task.Mission,
		}
		path, err := p.specs.Write(child)
		if err != nil {
			return result, err
		}
		if err := p.queue.Enqueue(path); err != nil {
			return result, err
		}
		result.Created = append(result.Created, id)
	}
	if err := p.board.Write(progress.RoleManager, sp.ID, managerMarker(sp, result)); err != nil {
		return result, err
	}
	p.logger.Info("team expanded",
		slog.String("spec", sp.ID),
		slog.Int("created", len(result.Created)),
		slog.Int("skipped", len(result.Skipped)))
	return result, nil
}

// ask calls the planning function, records the exchange, and validates the
// response against schema.
func (p *Planner) ask(ctx context.Context, logRole, logID, system, contextText string, schema Schema) ([]Task, error) {
	response, callErr := p.client.Plan(ctx, system, contextText)
	record := progress.APILog{
		Provider: p.client.Name(),
		System:   system,
		Request:  contextText,
		Response: response,
	}
	if callErr != nil {
		record.Error = callErr.Error()
	}
	var (
		tasks    []Task
		parseErr error
	)
	if callErr == nil {
		tasks, parseErr = ParseTasks(response, schema)
		if parseErr != nil {
			record.Error = parseErr.Error()
		}
	}
	if err := p.board.WriteAPILog(logRole, logID, record); err != nil {
		p.logger.Warn("api log not written", slog.String("spec", logID), slog.Any("error", err))
	}
	if callErr != nil {
		var svcErr *faults.ServiceError
		if errors.As(callErr, &svcErr) {
			return nil, callErr
		}
		return nil, faults.Unavailable(p.client.Name(), callErr)
	}
	if parseErr != nil {
		return nil, faults.Malformed(p.client.Name(), parseErr)
	}
	return tasks, nil
}

// childIDs derives a slug per task, falling back to "<prefix>-<n>" and
// suffixing ids repeated within one response.
func childIDs(tasks []Task, prefix string) []string {
	ids := make([]string, len(tasks))
	seen := map[string]bool{}
	for idx, task := range tasks {
		id := spec.Slug(task.ID)
		if id == "" {
			id = fmt.Sprintf("%s-%d", prefix, idx+1)
		}
		base := id
		for n := 2; seen[id]; n++ {
			id = fmt.Sprintf("%s-%d", base, n)
		}
		seen[id] = true
		ids[idx] = id
	}
	return ids
}

func managerMarker(sp spec.Spec, result Expansion) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Manager Progress for %s\n\n", sp.ID)
	fmt.Fprintf(&b, "Mission:\n%s\n\n", sp.Mission)
	fmt.Fprintf(&b, "Workers created: %s\n", listOrNone(result.Created))
	fmt.Fprintf(&b, "Workers skipped (already existed): %s\n", listOrNone(result.Skipped))
	return b.String()
}

func listOrNone(ids []string) string {
	if len(ids) == 0 {
		return "None"
	}
	return strings.Join(ids, ", ")
}
