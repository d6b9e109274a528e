package engine

import (
	"github.com/kingrea/cascade/internal/progress"
	"github.com/kingrea/cascade/internal/spec"
)

// State is the derived position of a top-level spec in its lifecycle.
type State string

const (
	StateNeedsPlan       State = "NEEDS_PLAN"
	StateAwaitingWorkers State = "PLANNED_AWAITING_WORKERS"
	StateNeedsSummary    State = "NEEDS_SUMMARY"
	StateDone            State = "DONE"
	StateStopped         State = "STOPPED"
)

// Assess derives the state of a top-level spec from markers alone. children
// are the team's leaf specs as currently listed.
func Assess(board *progress.Board, team spec.Spec, children []spec.Spec) State {
	if board.IsStopped(team.FileName()) {
		return StateStopped
	}
	if !board.Done(progress.RoleManager, team.ID) {
		return StateNeedsPlan
	}
	if board.Done(progress.RoleSummary, team.ID) {
		return StateDone
	}
	for _, child := range children {
		if !board.Done(progress.RoleWorker, child.ID) {
			return StateAwaitingWorkers
		}
	}
	return StateNeedsSummary
}

// PendingChildren returns the children that have no worker marker yet.
func PendingChildren(board *progress.Board, children []spec.Spec) []spec.Spec {
	var pending []spec.Spec
	for _, child := range children {
		if !board.Done(progress.RoleWorker, child.ID) {
			pending = append(pending, child)
		}
	}
	return pending
}
