package main

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kingrea/cascade/internal/config"
	"github.com/kingrea/cascade/internal/controlplane"
	"github.com/kingrea/cascade/internal/engine"
	"github.com/kingrea/cascade/internal/executor"
	"github.com/kingrea/cascade/internal/llm"
	"github.com/kingrea/cascade/internal/logbook"
	"github.com/kingrea/cascade/internal/logging"
	"github.com/kingrea/cascade/internal/planner"
	"github.com/kingrea/cascade/internal/progress"
	"github.com/kingrea/cascade/internal/queue"
	"github.com/kingrea/cascade/internal/spec"
	"github.com/kingrea/cascade/internal/summarizer"
)

// project holds the stores of one project directory plus whatever
// service clients a command asked for.
type project struct {
	cfg     *config.Config
	log     *logging.Logger
	journal *logbook.Logbook
	specs   *spec.Store
	queue   *queue.FileQueue
	board   *progress.Board

	client  llm.Client
	closers []io.Closer
}

func openProject(cmd *cobra.Command, g *globalFlags) (*project, error) {
	cfg, err := config.NewConfig(g.project)
	if err != nil {
		return nil, err
	}
	log, err := logging.Setup(logging.Options{
		Level:   g.logLevel,
		Format:  g.logFormat,
		Console: cmd.ErrOrStderr(),
		LogsDir: cfg.LogsDir(),
	})
	if err != nil {
		return nil, err
	}
	journal, err := logbook.New(cfg.JourneyLogPath())
	if err != nil {
		_ = log.Close()
		return nil, err
	}
	return &project{
		cfg:     cfg,
		log:     log,
		journal: journal,
		specs:   spec.NewStore(cfg.SpecsDir()),
		queue:   queue.NewFileQueue(cfg.QueueFile()),
		board:   progress.NewBoard(cfg.ProgressDir()),
		closers: []io.Closer{log},
	}, nil
}

func (p *project) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *project) planningClient(ctx context.Context) (llm.Client, error) {
	if p.client != nil {
		return p.client, nil
	}
	client, err := llm.New(ctx, p.cfg)
	if err != nil {
		return nil, err
	}
	if c, ok := client.(io.Closer); ok {
		p.closers = append(p.closers, c)
	}
	p.client = client
	return client, nil
}

func (p *project) planner(ctx context.Context) (*planner.Planner, error) {
	client, err := p.planningClient(ctx)
	if err != nil {
		return nil, err
	}
	return planner.New(p.specs, p.queue, p.board, client, p.log.Logger), nil
}

func (p *project) summarizer(ctx context.Context) (*summarizer.Summarizer, error) {
	client, err := p.planningClient(ctx)
	if err != nil {
		return nil, err
	}
	return summarizer.New(p.specs, p.board, client, p.log.Logger), nil
}

func (p *project) executor() (*executor.Executor, error) {
	tool, err := executor.ToolFromConfig(p.cfg)
	if err != nil {
		return nil, err
	}
	return executor.New(p.cfg.OutputsDir(), p.board, tool, p.log.Logger), nil
}

func (p *project) loop(ctx context.Context, opts ...engine.Option) (*engine.Loop, error) {
	pl, err := p.planner(ctx)
	if err != nil {
		return nil, err
	}
	sm, err := p.summarizer(ctx)
	if err != nil {
		return nil, err
	}
	ex, err := p.executor()
	if err != nil {
		return nil, err
	}
	opts = append([]engine.Option{
		engine.WithLogger(p.log.Logger),
		engine.WithJournal(p.journal),
		engine.WithParallel(p.cfg.MaxParallel()),
	}, opts...)
	return engine.New(p.specs, p.queue, p.board, pl, ex, sm, opts...), nil
}

func (p *project) plane(opts ...controlplane.PlaneOption) *controlplane.Plane {
	return controlplane.New(p.specs, p.queue, p.board, p.journal, p.log.Logger, opts...)
}

// resolveSpecPath accepts paths relative to the working directory or to the
// project directory.
func (p *project) resolveSpecPath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if _, err := os.Stat(path); err == nil {
		abs, err := filepath.Abs(path)
		if err == nil {
			return abs
		}
		return path
	}
	return filepath.Join(p.cfg.ProjectDir, path)
}

// stopped reports whether the top-level spec owning sp is paused.
func (p *project) stopped(sp spec.Spec) bool {
	root, err := p.specs.Root(sp)
	if err != nil {
		return p.board.IsStopped(sp.Parent + ".md")
	}
	return p.board.IsStopped(root.FileName())
}
