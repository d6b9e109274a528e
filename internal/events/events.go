// Package events fans stage notifications out to live dashboards.
package events

import (
	"strings"
	"time"
)

// Type names a notification.
type Type string

const (
	TickStarted    Type = "tick_started"
	TickFinished   Type = "tick_finished"
	TeamsSeeded    Type = "teams_seeded"
	TeamPlanned    Type = "team_planned"
	WorkerExecuted Type = "worker_executed"
	WorkerRequeued Type = "worker_requeued"
	TeamSummarized Type = "team_summarized"
	StageFailed    Type = "stage_failed"
	TeamStopped    Type = "team_stopped"
	TeamResumed    Type = "team_resumed"
)

// Event is one notification. Team is the owning top-level spec id and is
// empty for project-wide events.
type Event struct {
	ID     string    `json:"id"`
	Seq    int64     `json:"seq"`
	Type   Type      `json:"type"`
	RunID  string    `json:"run_id,omitempty"`
	Team   string    `json:"team,omitempty"`
	Spec   string    `json:"spec,omitempty"`
	Detail string    `json:"detail,omitempty"`
	Time   time.Time `json:"time"`
}

// Publisher accepts events. A nil *Hub is a valid Publisher that drops
// everything.
type Publisher interface {
	Publish(Event)
}

// critical events are the last to be dropped when a subscriber falls behind.
func (t Type) critical() bool {
	return t == StageFailed || t == TickFinished
}

// noisy events are the first to be dropped.
func (t Type) noisy() bool {
	return t == TickStarted
}

func normalizeTopic(team string) string {
	return strings.ToLower(strings.TrimSpace(team))
}
