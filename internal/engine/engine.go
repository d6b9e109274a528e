// Package engine drives the convergence loop: every tick plans unplanned
// teams, executes queued leaf specs, then summarizes finished teams. All
// decisions come from marker files, so a tick can be repeated at any time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/cascade/internal/events"
	"github.com/kingrea/cascade/internal/executor"
	"github.com/kingrea/cascade/internal/faults"
	"github.com/kingrea/cascade/internal/fsutil"
	"github.com/kingrea/cascade/internal/logbook"
	"github.com/kingrea/cascade/internal/logging"
	"github.com/kingrea/cascade/internal/planner"
	"github.com/kingrea/cascade/internal/progress"
	"github.com/kingrea/cascade/internal/queue"
	"github.com/kingrea/cascade/internal/spec"
	"github.com/kingrea/cascade/internal/summarizer"
)

const defaultParallel = 4

// Stage names a step of the tick in reports and logs.
type Stage string

const (
	StagePlan      Stage = "plan"
	StageExecute   Stage = "execute"
	StageSummarize Stage = "summarize"
	StageList      Stage = "list"
	StageQueue     Stage = "queue"
)

// Failure is one spec-level error caught at the loop boundary.
type Failure struct {
	Spec  string
	Stage Stage
	Err   error
}

func (f Failure) String() string {
	return fmt.Sprintf("%s %s: %v", f.Stage, f.Spec, f.Err)
}

// Report summarizes one tick.
type Report struct {
	RunID      string
	Started    time.Time
	Planned    []string
	Executed   []string
	Requeued   []string
	Summarized []string
	Failures   []Failure
}

// Changed reports whether the tick wrote any stage marker.
func (r Report) Changed() bool {
	return len(r.Planned)+len(r.Executed)+len(r.Summarized) > 0
}

// Loop owns one project's stores and stage runners.
type Loop struct {
	specs      *spec.Store
	queue      queue.Queue
	board      *progress.Board
	planner    *planner.Planner
	executor   *executor.Executor
	summarizer *summarizer.Summarizer

	logger   *slog.Logger
	journal  *logbook.Logbook
	events   events.Publisher
	parallel int
	newID    func() string
	now      func() time.Time

	// mu keeps ticks from overlapping when the dashboard triggers one
	// while the background loop is running.
	mu sync.Mutex
}

// Option customizes a Loop.
type Option func(*Loop)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(loop *Loop) {
		if l != nil {
			loop.logger = l
		}
	}
}

// WithJournal sets the human-readable tick journal.
func WithJournal(j *logbook.Logbook) Option {
	return func(loop *Loop) { loop.journal = j }
}

// WithEvents publishes stage notifications to pub.
func WithEvents(pub events.Publisher) Option {
	return func(loop *Loop) { loop.events = pub }
}

// WithParallel bounds concurrent executor runs per tick.
func WithParallel(n int) Option {
	return func(loop *Loop) {
		if n > 0 {
			loop.parallel = n
		}
	}
}

// WithRunIDs overrides the tick id generator.
func WithRunIDs(gen func() string) Option {
	return func(loop *Loop) {
		if gen != nil {
			loop.newID = gen
		}
	}
}

// New wires a loop.
func New(specs *spec.Store, q queue.Queue, board *progress.Board, pl *planner.Planner, ex *executor.Executor, sm *summarizer.Summarizer, opts ...Option) *Loop {
	loop := &Loop{
		specs:      specs,
		queue:      q,
		board:      board,
		planner:    pl,
		executor:   ex,
		summarizer: sm,
		logger:     slog.Default(),
		parallel:   defaultParallel,
		newID:      uuid.NewString,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(loop)
		}
	}
	loop.logger = logging.For(loop.logger, "engine")
	return loop
}

// Seed splits a root mission into top-level specs.
func (l *Loop) Seed(ctx context.Context, mission string) ([]spec.Spec, error) {
	written, err := l.planner.Split(ctx, mission)
	if err != nil {
		l.journal.Error("seed failed: %v", err)
		return written, err
	}
	ids := make([]string, 0, len(written))
	for _, sp := range written {
		ids = append(ids, sp.ID)
	}
	l.journal.Info("seeded %d team spec(s): %s", len(ids), strings.Join(ids, ", "))
	l.emit(events.Event{Type: events.TeamsSeeded, Detail: strings.Join(ids, ", ")})
	return written, nil
}

// Run ticks until ctx is cancelled, pausing interval between ticks. Only a
// configuration error stops it early.
func (l *Loop) Run(ctx context.Context, interval time.Duration) error {
	for {
		if _, err := l.Tick(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// Tick performs one plan, execute, summarize pass. Errors for individual
// specs are collected in the report; the returned error is reserved for
// failures that must stop the process.
func (l *Loop) Tick(ctx context.Context) (Report, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	report := Report{RunID: l.newID(), Started: l.now()}
	log := l.logger.With(slog.String("run_id", report.RunID))
	l.emit(events.Event{Type: events.TickStarted, RunID: report.RunID})

	teams := l.topLevel(&report)
	if err := l.planTeams(ctx, log, teams, &report); err != nil {
		return l.finish(log, report), err
	}
	if err := l.executeQueue(ctx, log, &report); err != nil {
		return l.finish(log, report), err
	}
	if err := l.summarizeTeams(ctx, log, &report); err != nil {
		return l.finish(log, report), err
	}
	return l.finish(log, report), nil
}

func (l *Loop) topLevel(report *Report) []spec.Spec {
	specs, errs := l.specs.List()
	for _, err := range errs {
		report.Failures = append(report.Failures, Failure{Spec: specName(err), Stage: StageList, Err: err})
	}
	var teams []spec.Spec
	for _, sp := range specs {
		if sp.IsTopLevel() {
			teams = append(teams, sp)
		}
	}
	return teams
}

func (l *Loop) planTeams(ctx context.Context, log *slog.Logger, teams []spec.Spec, report *Report) error {
	for _, team := range teams {
		if ctx.Err() != nil {
			return nil
		}
		if l.board.IsStopped(team.FileName()) || l.board.Done(progress.RoleManager, team.ID) {
			continue
		}
		result, err := l.planner.Expand(ctx, team)
		if err != nil {
			if faults.Fatal(err) {
				return err
			}
			l.fail(log, report, team.ID, StagePlan, err)
			continue
		}
		if !result.AlreadyPlanned {
			report.Planned = append(report.Planned, team.ID)
			l.emit(events.Event{
				Type:   events.TeamPlanned,
				RunID:  report.RunID,
				Team:   team.ID,
				Spec:   team.ID,
				Detail: fmt.Sprintf("%d worker(s) created", len(result.Created)),
			})
		}
	}
	return nil
}

type job struct {
	entry string
	spec  spec.Spec
}

func (l *Loop) executeQueue(ctx context.Context, log *slog.Logger, report *Report) error {
	drained, err := l.queue.DrainAll()
	if err != nil {
		l.fail(log, report, "queue", StageQueue, err)
	}
	entries := queue.Dedupe(append(drained, l.orphans()...))

	var jobs []job
	// Entries naming the same spec by different paths collapse here.
	queued := map[string]bool{}
	for _, entry := range entries {
		sp, err := l.specs.Read(l.resolve(entry))
		if err != nil {
			l.fail(log, report, spec.IDFromPath(entry), StageExecute, err)
			if !errors.Is(err, fs.ErrNotExist) {
				l.requeue(log, report, "", entry)
			}
			continue
		}
		if sp.IsTopLevel() || queued[sp.ID] {
			continue
		}
		queued[sp.ID] = true
		if l.stopped(sp) {
			l.requeue(log, report, sp.Parent, entry)
			continue
		}
		if l.board.Done(progress.RoleWorker, sp.ID) {
			continue
		}
		jobs = append(jobs, job{entry: entry, spec: sp})
	}
	if len(jobs) == 0 {
		return nil
	}

	var (
		g     errgroup.Group
		mu    sync.Mutex
		fatal error
	)
	g.SetLimit(min(l.parallel, len(jobs)))
	for _, j := range jobs {
		g.Go(func() error {
			// The team may have been stopped while earlier jobs ran.
			if l.stopped(j.spec) {
				mu.Lock()
				l.requeue(log, report, j.spec.Parent, j.entry)
				mu.Unlock()
				return nil
			}
			result, err := l.executor.Run(ctx, j.spec)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil && faults.Fatal(err):
				fatal = err
			case err != nil:
				l.fail(log, report, j.spec.ID, StageExecute, err)
			case !result.Skipped:
				report.Executed = append(report.Executed, j.spec.ID)
				l.emit(events.Event{
					Type:   events.WorkerExecuted,
					RunID:  report.RunID,
					Team:   j.spec.Parent,
					Spec:   j.spec.ID,
					Detail: fmt.Sprintf("exit %d", result.ExitCode),
				})
			}
			return nil
		})
	}
	_ = g.Wait()
	return fatal
}

func (l *Loop) summarizeTeams(ctx context.Context, log *slog.Logger, report *Report) error {
	all, _ := l.specs.List()
	for _, team := range all {
		if ctx.Err() != nil {
			return nil
		}
		if !team.IsTopLevel() {
			continue
		}
		if Assess(l.board, team, spec.ChildrenOf(all, team.ID)) != StateNeedsSummary {
			continue
		}
		if _, err := l.summarizer.Summarize(ctx, team); err != nil {
			if faults.Fatal(err) {
				return err
			}
			l.fail(log, report, team.ID, StageSummarize, err)
			continue
		}
		report.Summarized = append(report.Summarized, team.ID)
		l.emit(events.Event{Type: events.TeamSummarized, RunID: report.RunID, Team: team.ID, Spec: team.ID})
	}
	return nil
}

// orphans finds leaf specs of planned, running teams that have no worker
// marker. They cover queue entries lost to a crash or a failed run.
func (l *Loop) orphans() []string {
	all, _ := l.specs.List()
	var entries []string
	for _, team := range all {
		if !team.IsTopLevel() || l.board.IsStopped(team.FileName()) || !l.board.Done(progress.RoleManager, team.ID) {
			continue
		}
		for _, child := range PendingChildren(l.board, spec.ChildrenOf(all, team.ID)) {
			entries = append(entries, child.Path)
		}
	}
	return entries
}

func (l *Loop) stopped(sp spec.Spec) bool {
	root, err := l.specs.Root(sp)
	if err != nil {
		// Fall back to the direct parent when the chain is broken.
		return l.board.IsStopped(sp.Parent + ".md")
	}
	return l.board.IsStopped(root.FileName())
}

func (l *Loop) requeue(log *slog.Logger, report *Report, team, entry string) {
	if err := l.queue.Enqueue(entry); err != nil {
		log.Error("requeue failed", slog.String("entry", entry), slog.Any("error", err))
		return
	}
	report.Requeued = append(report.Requeued, entry)
	l.emit(events.Event{Type: events.WorkerRequeued, RunID: report.RunID, Team: team, Spec: spec.IDFromPath(entry)})
}

// resolve maps relative queue entries onto the spec store location.
func (l *Loop) resolve(entry string) string {
	if filepath.IsAbs(entry) {
		return entry
	}
	candidate := filepath.Join(l.specs.Dir(), filepath.Base(entry))
	if ok, _ := fsutil.Exists(candidate); ok {
		return candidate
	}
	return entry
}

func (l *Loop) fail(log *slog.Logger, report *Report, id string, stage Stage, err error) {
	report.Failures = append(report.Failures, Failure{Spec: id, Stage: stage, Err: err})
	l.emit(events.Event{Type: events.StageFailed, RunID: report.RunID, Spec: id, Detail: fmt.Sprintf("%s: %v", stage, err)})
	log.Error("stage failed",
		slog.String("spec", id),
		slog.String("stage", string(stage)),
		slog.String("kind", faults.Kind(err)),
		slog.Any("error", err))
}

func (l *Loop) finish(log *slog.Logger, report Report) Report {
	log.Info("tick finished",
		slog.Int("planned", len(report.Planned)),
		slog.Int("executed", len(report.Executed)),
		slog.Int("summarized", len(report.Summarized)),
		slog.Int("requeued", len(report.Requeued)),
		slog.Int("failures", len(report.Failures)),
		slog.Duration("elapsed", l.now().Sub(report.Started)))
	if report.Changed() {
		l.journal.Info("tick %s: planned [%s] executed [%s] summarized [%s]",
			shortID(report.RunID),
			strings.Join(report.Planned, ", "),
			strings.Join(report.Executed, ", "),
			strings.Join(report.Summarized, ", "))
	}
	for _, f := range report.Failures {
		l.journal.Error("tick %s: %s", shortID(report.RunID), f)
	}
	counts := fmt.Sprintf("planned %d, executed %d, summarized %d, failures %d",
		len(report.Planned), len(report.Executed), len(report.Summarized), len(report.Failures))
	l.emit(events.Event{Type: events.TickFinished, RunID: report.RunID, Detail: counts})
	return report
}

func (l *Loop) emit(e events.Event) {
	if l.events != nil {
		l.events.Publish(e)
	}
}

func specName(err error) string {
	var malformed *faults.MalformedSpecError
	if errors.As(err, &malformed) && malformed.Path != "" {
		return spec.IDFromPath(malformed.Path)
	}
	return "specs"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
