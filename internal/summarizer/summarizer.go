// Package summarizer reduces a team's progress into the CEO summary marker.
package summarizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kingrea/cascade/internal/faults"
	"github.com/kingrea/cascade/internal/llm"
	"github.com/kingrea/cascade/internal/logging"
	"github.com/kingrea/cascade/internal/planner"
	"github.com/kingrea/cascade/internal/progress"
	"github.com/kingrea/cascade/internal/spec"
)

const absent = "None"

// Summarizer calls the planning function in reduction mode. It reads only
// on-disk state, so running it twice is harmless.
type Summarizer struct {
	specs  *spec.Store
	board  *progress.Board
	client llm.Client
	logger *slog.Logger
}

// New wires a summarizer.
func New(specs *spec.Store, board *progress.Board, client llm.Client, logger *slog.Logger) *Summarizer {
	return &Summarizer{specs: specs, board: board, client: client, logger: logging.For(logger, "summarizer")}
}

// Summarize writes the summary for a top-level spec and returns its text.
func (s *Summarizer) Summarize(ctx context.Context, sp spec.Spec) (string, error) {
	contextText, err := s.Gather(sp)
	if err != nil {
		return "", err
	}
	text, callErr := s.client.Plan(ctx, planner.SummarySystem, contextText)
	record := progress.APILog{
		Provider: s.client.Name(),
		System:   planner.SummarySystem,
		Request:  contextText,
		Response: text,
	}
	if callErr == nil && strings.TrimSpace(text) == "" {
		callErr = faults.Malformed(s.client.Name(), errors.New("empty summary"))
	}
	if callErr != nil {
		record.Error = callErr.Error()
	}
	if err := s.board.WriteAPILog(string(progress.RoleSummary), sp.ID, record); err != nil {
		s.logger.Warn("api log not written", slog.String("spec", sp.ID), slog.Any("error", err))
	}
	if callErr != nil {
		var svcErr *faults.ServiceError
		if errors.As(callErr, &svcErr) {
			return "", callErr
		}
		return "", faults.Unavailable(s.client.Name(), callErr)
	}
	text = strings.TrimSpace(planner.StripFences(text)) + "\n"
	if err := s.board.Write(progress.RoleSummary, sp.ID, text); err != nil {
		return "", err
	}
	s.logger.Info("summary written", slog.String("spec", sp.ID))
	return text, nil
}

// Gather assembles the reduction context: the team mission, the manager
// marker, and each child's worker marker. Absent markers render as None.
func (s *Summarizer) Gather(sp spec.Spec) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# Team %s\n\n## Mission\n%s\n\n", sp.ID, strings.TrimSpace(sp.Mission))
	managerNote, ok, err := s.board.Read(progress.RoleManager, sp.ID)
	if err != nil {
		return "", err
	}
	b.WriteString("## Manager progress\n")
	b.WriteString(orAbsent(managerNote, ok))
	b.WriteString("\n\n")
	children := s.specs.Children(sp.ID)
	if len(children) == 0 {
		b.WriteString("## Workers\nNone\n")
		return b.String(), nil
	}
	for _, child := range children {
		note, ok, err := s.board.Read(progress.RoleWorker, child.ID)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "## Worker %s\nMission: %s\n\n%s\n\n", child.ID, strings.TrimSpace(child.Mission), orAbsent(note, ok))
	}
	return b.String(), nil
}

func orAbsent(content string, ok bool) string {
	if !ok || strings.TrimSpace(content) == "" {
		return absent
	}
	return strings.TrimSpace(content)
}
