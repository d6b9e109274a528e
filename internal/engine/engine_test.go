package engine

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kingrea/cascade/internal/events"
	"github.com/kingrea/cascade/internal/executor"
	"github.com/kingrea/cascade/internal/faults"
	"github.com/kingrea/cascade/internal/llm"
	"github.com/kingrea/cascade/internal/logbook"
	"github.com/kingrea/cascade/internal/logging"
	"github.com/kingrea/cascade/internal/planner"
	"github.com/kingrea/cascade/internal/progress"
	"github.com/kingrea/cascade/internal/queue"
	"github.com/kingrea/cascade/internal/spec"
	"github.com/kingrea/cascade/internal/summarizer"
)

type fixture struct {
	dir     string
	specs   *spec.Store
	queue   *queue.FileQueue
	board   *progress.Board
	journal *logbook.Logbook

	mu        sync.Mutex
	workers   map[string]string // team id -> manager response
	llmCalls  map[string]int
	toolCalls map[string]int
	toolErr   map[string]error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	journal, err := logbook.New(filepath.Join(dir, "logs", "journey.log"))
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		dir:       dir,
		specs:     spec.NewStore(filepath.Join(dir, "specs")),
		queue:     queue.NewFileQueue(filepath.Join(dir, "queue", "new_specs.txt")),
		board:     progress.NewBoard(filepath.Join(dir, "progress")),
		journal:   journal,
		workers:   map[string]string{},
		llmCalls:  map[string]int{},
		toolCalls: map[string]int{},
		toolErr:   map[string]error{},
	}
}

func (f *fixture) respond(_ context.Context, system, contextText string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case strings.Contains(system, "Manager-level"):
		f.llmCalls["manager"]++
		for team, resp := range f.workers {
			if strings.Contains(contextText, "Specification for team "+team+":") {
				return resp, nil
			}
		}
		return "[]", nil
	case system == planner.SummarySystem:
		f.llmCalls["summary"]++
		return "All workers finished.", nil
	default:
		f.llmCalls["ceo"]++
		return `[{"team_id": "alpha", "mission": "Build the X backend"}]`, nil
	}
}

func (f *fixture) execute(_ context.Context, mission, _ string) (executor.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toolCalls[mission]++
	if err := f.toolErr[mission]; err != nil {
		return executor.Outcome{}, err
	}
	return executor.Outcome{Command: []string{"stub", mission}, ExitCode: 0}, nil
}

func (f *fixture) loop(tool executor.Tool, opts ...Option) *Loop {
	client := llm.Func(f.respond)
	if tool == nil {
		tool = executor.Func(f.execute)
	}
	logger := logging.Discard()
	pl := planner.New(f.specs, f.queue, f.board, client, logger)
	ex := executor.New(filepath.Join(f.dir, "outputs"), f.board, tool, logger)
	sm := summarizer.New(f.specs, f.board, client, logger)
	opts = append([]Option{WithLogger(logger), WithJournal(f.journal)}, opts...)
	return New(f.specs, f.queue, f.board, pl, ex, sm, opts...)
}

func (f *fixture) writeSpec(t *testing.T, sp spec.Spec) {
	t.Helper()
	if sp.Version == 0 {
		sp.Version = 1
	}
	if _, err := f.specs.Write(sp); err != nil {
		t.Fatalf("write spec %s: %v", sp.ID, err)
	}
}

func (f *fixture) writeMarker(t *testing.T, role progress.Role, id, content string) {
	t.Helper()
	if err := f.board.Write(role, id, content); err != nil {
		t.Fatalf("write marker: %v", err)
	}
}

func tick(t *testing.T, l *Loop) Report {
	t.Helper()
	report, err := l.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	return report
}

func TestSeedAndConverge(t *testing.T) {
	f := newFixture(t)
	f.workers["alpha"] = `[{"worker_id": "a1", "mission": "Write the API", "inputs": [], "outputs": ["api.go"]}]`
	l := f.loop(nil)

	written, err := l.Seed(context.Background(), "Build X")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if len(written) != 1 || written[0].ID != "alpha" || written[0].Parent != "" {
		t.Fatalf("unexpected seed result: %+v", written)
	}
	if n, _ := f.queue.Len(); n != 0 {
		t.Fatalf("team specs must not be enqueued, queue len = %d", n)
	}

	report := tick(t, l)
	want := Report{Planned: []string{"alpha"}, Executed: []string{"a1"}, Summarized: []string{"alpha"}}
	if diff := cmp.Diff(want.Planned, report.Planned); diff != "" {
		t.Fatalf("planned mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want.Executed, report.Executed); diff != "" {
		t.Fatalf("executed mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want.Summarized, report.Summarized); diff != "" {
		t.Fatalf("summarized mismatch (-want +got):\n%s", diff)
	}
	if len(report.Failures) != 0 {
		t.Fatalf("unexpected failures: %v", report.Failures)
	}

	a1, err := f.specs.Get("a1")
	if err != nil {
		t.Fatalf("read a1: %v", err)
	}
	if a1.Parent != "alpha" || a1.Mission != "Write the API" {
		t.Fatalf("unexpected child spec: %+v", a1)
	}
	content, ok, err := f.board.Read(progress.RoleWorker, "a1")
	if err != nil || !ok {
		t.Fatalf("worker marker missing: %v", err)
	}
	if code, ok := executor.ExitCodeFromMarker(content); !ok || code != 0 {
		t.Fatalf("worker exit code = %d, %v", code, ok)
	}
	if !f.board.Done(progress.RoleSummary, "alpha") {
		t.Fatalf("summary marker missing")
	}
	lines, _ := f.journal.Tail(10)
	if len(lines) == 0 {
		t.Fatalf("journal should record the tick")
	}

	// A converged project stays put.
	again := tick(t, l)
	if again.Changed() || len(again.Failures) != 0 {
		t.Fatalf("second tick changed state: %+v", again)
	}
	if f.llmCalls["manager"] != 1 || f.llmCalls["summary"] != 1 || f.toolCalls["Write the API"] != 1 {
		t.Fatalf("stages re-ran: llm=%v tool=%v", f.llmCalls, f.toolCalls)
	}
}

func TestTickPublishesEvents(t *testing.T) {
	f := newFixture(t)
	f.workers["alpha"] = `[{"worker_id": "a1", "mission": "Write the API", "inputs": [], "outputs": []}]`
	hub := events.NewHub(events.WithBacklogLimit(20))
	l := f.loop(nil, WithEvents(hub), WithRunIDs(func() string { return "run-1" }))
	if _, err := l.Seed(context.Background(), "Build X"); err != nil {
		t.Fatal(err)
	}
	tick(t, l)

	var got []string
	for _, e := range hub.Recent(20) {
		got = append(got, string(e.Type)+":"+e.Spec)
	}
	want := []string{
		"teams_seeded:",
		"tick_started:",
		"team_planned:alpha",
		"worker_executed:a1",
		"team_summarized:alpha",
		"tick_finished:",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	for _, e := range hub.Recent(20)[1:] {
		if e.RunID != "run-1" {
			t.Fatalf("event %s has run id %q", e.Type, e.RunID)
		}
	}
}

func TestStoppedTeamIsHeldAndResumed(t *testing.T) {
	f := newFixture(t)
	f.writeSpec(t, spec.Spec{ID: "alpha", Mission: "do A"})
	f.writeSpec(t, spec.Spec{ID: "a1", Parent: "alpha", Mission: "task A1"})
	f.writeMarker(t, progress.RoleManager, "alpha", "Workers created: a1")
	if err := f.queue.Enqueue(f.specs.PathFor("a1")); err != nil {
		t.Fatal(err)
	}
	if err := f.board.Stop("alpha.md"); err != nil {
		t.Fatal(err)
	}
	l := f.loop(nil)

	report := tick(t, l)
	if report.Changed() {
		t.Fatalf("stopped team must not progress: %+v", report)
	}
	if diff := cmp.Diff([]string{f.specs.PathFor("a1")}, report.Requeued); diff != "" {
		t.Fatalf("requeued mismatch (-want +got):\n%s", diff)
	}
	if n, _ := f.queue.Len(); n != 1 {
		t.Fatalf("queue len = %d, want 1", n)
	}
	if f.toolCalls["task A1"] != 0 {
		t.Fatalf("executor ran for a stopped team")
	}
	if got := Assess(f.board, spec.Spec{ID: "alpha"}, f.specs.Children("alpha")); got != StateStopped {
		t.Fatalf("state = %s, want %s", got, StateStopped)
	}

	if err := f.board.Resume("alpha.md"); err != nil {
		t.Fatal(err)
	}
	report = tick(t, l)
	if diff := cmp.Diff([]string{"a1"}, report.Executed); diff != "" {
		t.Fatalf("executed mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"alpha"}, report.Summarized); diff != "" {
		t.Fatalf("summarized mismatch (-want +got):\n%s", diff)
	}
}

func TestStoppedTeamIsNotPlanned(t *testing.T) {
	f := newFixture(t)
	f.workers["alpha"] = `[{"worker_id": "a1", "mission": "task A1", "inputs": [], "outputs": []}]`
	f.writeSpec(t, spec.Spec{ID: "alpha", Mission: "do A"})
	if err := f.board.Stop("alpha.md"); err != nil {
		t.Fatal(err)
	}
	report := tick(t, f.loop(nil))
	if report.Changed() || f.llmCalls["manager"] != 0 {
		t.Fatalf("stopped team was planned: %+v", report)
	}
}

func TestLostQueueEntryIsRecovered(t *testing.T) {
	f := newFixture(t)
	f.writeSpec(t, spec.Spec{ID: "alpha", Mission: "do A"})
	f.writeSpec(t, spec.Spec{ID: "a1", Parent: "alpha", Mission: "task A1"})
	f.writeMarker(t, progress.RoleManager, "alpha", "Workers created: a1")

	report := tick(t, f.loop(nil))
	if diff := cmp.Diff([]string{"a1"}, report.Executed); diff != "" {
		t.Fatalf("executed mismatch (-want +got):\n%s", diff)
	}
}

func TestDuplicateEntriesRunOnce(t *testing.T) {
	f := newFixture(t)
	f.writeSpec(t, spec.Spec{ID: "alpha", Mission: "do A"})
	f.writeSpec(t, spec.Spec{ID: "a1", Parent: "alpha", Mission: "task A1"})
	f.writeMarker(t, progress.RoleManager, "alpha", "Workers created: a1")
	for range 3 {
		if err := f.queue.Enqueue(f.specs.PathFor("a1")); err != nil {
			t.Fatal(err)
		}
	}
	tick(t, f.loop(nil))
	if f.toolCalls["task A1"] != 1 {
		t.Fatalf("tool calls = %d, want 1", f.toolCalls["task A1"])
	}
}

func TestRelativeAndAbsoluteEntriesRunOnce(t *testing.T) {
	f := newFixture(t)
	f.writeSpec(t, spec.Spec{ID: "alpha", Mission: "do A"})
	f.writeSpec(t, spec.Spec{ID: "a1", Parent: "alpha", Mission: "task A1"})
	f.writeMarker(t, progress.RoleManager, "alpha", "Workers created: a1")
	for _, entry := range []string{filepath.Join("specs", "a1.md"), f.specs.PathFor("a1")} {
		if err := f.queue.Enqueue(entry); err != nil {
			t.Fatal(err)
		}
	}

	var calls atomic.Int32
	tool := executor.Func(func(context.Context, string, string) (executor.Outcome, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return executor.Outcome{}, nil
	})
	report := tick(t, f.loop(tool, WithParallel(4)))
	if calls.Load() != 1 {
		t.Fatalf("tool calls = %d, want 1", calls.Load())
	}
	if diff := cmp.Diff([]string{"a1"}, report.Executed); diff != "" {
		t.Fatalf("executed mismatch (-want +got):\n%s", diff)
	}
}

func TestStopDuringExecutionHoldsRemainingWorkers(t *testing.T) {
	f := newFixture(t)
	f.writeSpec(t, spec.Spec{ID: "alpha", Mission: "do A"})
	f.writeSpec(t, spec.Spec{ID: "a1", Parent: "alpha", Mission: "task A1"})
	f.writeSpec(t, spec.Spec{ID: "a2", Parent: "alpha", Mission: "task A2"})
	f.writeMarker(t, progress.RoleManager, "alpha", "Workers created: a1, a2")

	var ran []string
	tool := executor.Func(func(_ context.Context, mission, _ string) (executor.Outcome, error) {
		ran = append(ran, mission)
		if err := f.board.Stop("alpha.md"); err != nil {
			return executor.Outcome{}, err
		}
		return executor.Outcome{}, nil
	})
	report := tick(t, f.loop(tool, WithParallel(1)))
	if diff := cmp.Diff([]string{"task A1"}, ran); diff != "" {
		t.Fatalf("tool runs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a1"}, report.Executed); diff != "" {
		t.Fatalf("executed mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{f.specs.PathFor("a2")}, report.Requeued); diff != "" {
		t.Fatalf("requeued mismatch (-want +got):\n%s", diff)
	}
	if f.board.Done(progress.RoleWorker, "a2") {
		t.Fatal("a2 ran after its team was stopped")
	}
	if n, _ := f.queue.Len(); n != 1 {
		t.Fatalf("queue len = %d, want 1", n)
	}
}

func TestFailureIsIsolatedAndRetried(t *testing.T) {
	f := newFixture(t)
	f.workers["alpha"] = `[
		{"worker_id": "a1", "mission": "task A1", "inputs": [], "outputs": []},
		{"worker_id": "a2", "mission": "task A2", "inputs": [], "outputs": []}
	]`
	f.writeSpec(t, spec.Spec{ID: "alpha", Mission: "do A"})
	f.toolErr["task A1"] = &faults.ToolUnavailableError{Tool: "codex", Err: exec.ErrNotFound}
	l := f.loop(nil)

	report := tick(t, l)
	if diff := cmp.Diff([]string{"a2"}, report.Executed); diff != "" {
		t.Fatalf("executed mismatch (-want +got):\n%s", diff)
	}
	if len(report.Failures) != 1 || report.Failures[0].Spec != "a1" || report.Failures[0].Stage != StageExecute {
		t.Fatalf("unexpected failures: %v", report.Failures)
	}
	if f.board.Done(progress.RoleWorker, "a1") {
		t.Fatalf("failed run must leave no marker")
	}
	if len(report.Summarized) != 0 {
		t.Fatalf("team summarized before all workers finished")
	}
	team, _ := f.specs.Get("alpha")
	if got := Assess(f.board, team, f.specs.Children("alpha")); got != StateAwaitingWorkers {
		t.Fatalf("state = %s, want %s", got, StateAwaitingWorkers)
	}

	f.mu.Lock()
	delete(f.toolErr, "task A1")
	f.mu.Unlock()
	report = tick(t, l)
	if diff := cmp.Diff([]string{"a1"}, report.Executed); diff != "" {
		t.Fatalf("retry executed mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"alpha"}, report.Summarized); diff != "" {
		t.Fatalf("summarized mismatch (-want +got):\n%s", diff)
	}
	if f.toolCalls["task A2"] != 1 {
		t.Fatalf("a2 re-ran: %d", f.toolCalls["task A2"])
	}
}

func TestPlanningFailureLeavesTeamUnplanned(t *testing.T) {
	f := newFixture(t)
	f.workers["alpha"] = "I cannot help with that."
	f.writeSpec(t, spec.Spec{ID: "alpha", Mission: "do A"})
	f.writeSpec(t, spec.Spec{ID: "beta", Mission: "do B"})
	f.workers["beta"] = `[{"worker_id": "b1", "mission": "task B1", "inputs": [], "outputs": []}]`

	report := tick(t, f.loop(nil))
	if diff := cmp.Diff([]string{"beta"}, report.Planned); diff != "" {
		t.Fatalf("planned mismatch (-want +got):\n%s", diff)
	}
	if len(report.Failures) != 1 || report.Failures[0].Spec != "alpha" || report.Failures[0].Stage != StagePlan {
		t.Fatalf("unexpected failures: %v", report.Failures)
	}
	var svcErr *faults.ServiceError
	if !errors.As(report.Failures[0].Err, &svcErr) || svcErr.Kind != faults.ServiceMalformed {
		t.Fatalf("expected malformed service error, got %v", report.Failures[0].Err)
	}
	if f.board.Done(progress.RoleManager, "alpha") {
		t.Fatalf("manager marker written for failed plan")
	}
}

func TestConfigErrorStopsTick(t *testing.T) {
	f := newFixture(t)
	f.writeSpec(t, spec.Spec{ID: "alpha", Mission: "do A"})
	f.writeSpec(t, spec.Spec{ID: "a1", Parent: "alpha", Mission: "task A1"})
	f.writeMarker(t, progress.RoleManager, "alpha", "Workers created: a1")
	f.toolErr["task A1"] = &faults.ConfigError{Key: "executor.command", Reason: "not set"}

	_, err := f.loop(nil).Tick(context.Background())
	if !faults.Fatal(err) {
		t.Fatalf("expected fatal config error, got %v", err)
	}
}

func TestParallelRunsAreBounded(t *testing.T) {
	f := newFixture(t)
	f.writeSpec(t, spec.Spec{ID: "alpha", Mission: "do A"})
	var created []string
	for i := range 6 {
		id := fmt.Sprintf("a%d", i)
		f.writeSpec(t, spec.Spec{ID: id, Parent: "alpha", Mission: "task " + id})
		created = append(created, id)
	}
	f.writeMarker(t, progress.RoleManager, "alpha", "Workers created: "+strings.Join(created, ", "))

	var running, peak atomic.Int32
	tool := executor.Func(func(context.Context, string, string) (executor.Outcome, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return executor.Outcome{}, nil
	})
	report := tick(t, f.loop(tool, WithParallel(2)))
	if len(report.Executed) != 6 {
		t.Fatalf("executed %d specs, want 6", len(report.Executed))
	}
	if peak.Load() > 2 {
		t.Fatalf("peak concurrency %d exceeds limit 2", peak.Load())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	var ticks atomic.Int32
	l := f.loop(nil, WithRunIDs(func() string {
		if ticks.Add(1) == 2 {
			cancel()
		}
		return "run"
	}))
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, time.Millisecond) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop after cancel")
	}
}

func TestAssess(t *testing.T) {
	f := newFixture(t)
	team := spec.Spec{ID: "alpha", Mission: "do A"}
	children := []spec.Spec{{ID: "a1", Parent: "alpha"}, {ID: "a2", Parent: "alpha"}}

	if got := Assess(f.board, team, children); got != StateNeedsPlan {
		t.Fatalf("state = %s, want %s", got, StateNeedsPlan)
	}
	f.writeMarker(t, progress.RoleManager, "alpha", "planned")
	f.writeMarker(t, progress.RoleWorker, "a1", "Exit code: 0")
	if got := Assess(f.board, team, children); got != StateAwaitingWorkers {
		t.Fatalf("state = %s, want %s", got, StateAwaitingWorkers)
	}
	if pending := PendingChildren(f.board, children); len(pending) != 1 || pending[0].ID != "a2" {
		t.Fatalf("pending = %+v", pending)
	}
	f.writeMarker(t, progress.RoleWorker, "a2", "Exit code: 1")
	if got := Assess(f.board, team, children); got != StateNeedsSummary {
		t.Fatalf("state = %s, want %s", got, StateNeedsSummary)
	}
	f.writeMarker(t, progress.RoleSummary, "alpha", "done")
	if got := Assess(f.board, team, children); got != StateDone {
		t.Fatalf("state = %s, want %s", got, StateDone)
	}
}
