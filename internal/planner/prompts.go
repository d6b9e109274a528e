package planner

import (
	"fmt"
	"strings"

	"github.com/kingrea/cascade/internal/spec"
)

const (
	ceoSystem = "You are a CEO-level AI agent. Split the following mission into logical, agile team-level tasks. " +
		"Decide how many teams are needed. Output strictly a JSON array of objects with keys: " +
		"`team_id` (unique slug), `mission` (description of team scope)."

	managerSystem = "You are a Manager-level AI agent. Split the following team spec into logical, agile worker-level tasks. " +
		"Decide how many workers are needed. Output strictly a JSON array of objects with keys: " +
		"`worker_id` (unique slug), `mission` (detailed task description), " +
		"`inputs` (list of required asset paths), `outputs` (list of files to produce)."

	// SummarySystem is the reduction instruction used by the summarizer.
	SummarySystem = "You are a CEO-level AI agent. Summarize the progress of the team described below. " +
		"Report what each worker delivered, which workers failed or are missing, and what should happen next. " +
		"Answer in concise markdown."
)

func splitContext(mission string) string {
	return "Mission: " + strings.TrimSpace(mission)
}

func expandContext(sp spec.Spec) (string, error) {
	doc, err := spec.Render(sp)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Specification for team %s:\n%s", sp.ID, doc), nil
}
