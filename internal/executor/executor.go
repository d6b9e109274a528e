// Package executor runs leaf specs through the execution tool inside a
// per-spec working area and records the exit code as the worker marker.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kingrea/cascade/internal/config"
	"github.com/kingrea/cascade/internal/contracts"
	"github.com/kingrea/cascade/internal/faults"
	"github.com/kingrea/cascade/internal/logging"
	"github.com/kingrea/cascade/internal/progress"
	"github.com/kingrea/cascade/internal/spec"
)

const (
	missionFile = "MISSION.md"
	metaFile    = "meta.json"
)

// Executor prepares working areas and records tool runs.
type Executor struct {
	outputs string
	board   *progress.Board
	tool    Tool
	logger  *slog.Logger
}

// New returns an executor writing working areas under outputsDir.
func New(outputsDir string, board *progress.Board, tool Tool, logger *slog.Logger) *Executor {
	return &Executor{
		outputs: outputsDir,
		board:   board,
		tool:    tool,
		logger:  logging.For(logger, "executor"),
	}
}

// ToolFromConfig picks the script tool when executor.script is set and the
// command tool otherwise.
func ToolFromConfig(cfg *config.Config) (Tool, error) {
	ec := cfg.Project.Executor
	if ec.Script != "" {
		return NewScriptTool(ec.Script)
	}
	return NewCommandTool(ec.Command, ec.Args...), nil
}

// Result reports one Run call.
type Result struct {
	ExitCode  int
	OutputDir string
	// Skipped is set when the worker marker already existed.
	Skipped bool
	// Missing lists declared outputs absent after a zero exit.
	Missing []string
}

// WorkDir returns the working area for a spec.
func (e *Executor) WorkDir(sp spec.Spec) string {
	version := sp.Version
	if version <= 0 {
		version = 1
	}
	return filepath.Join(e.outputs, sp.ID, strconv.Itoa(version))
}

// Run executes a leaf spec once. Tool and filesystem failures leave the
// stage unmarked; a non-zero exit is recorded in the marker.
func (e *Executor) Run(ctx context.Context, sp spec.Spec) (Result, error) {
	if e.board.Done(progress.RoleWorker, sp.ID) {
		return Result{Skipped: true}, nil
	}
	dir := e.WorkDir(sp)
	if err := e.prepare(dir, sp); err != nil {
		return Result{OutputDir: dir}, err
	}
	mission := strings.TrimSpace(sp.Mission)
	e.logger.Info("running tool", slog.String("spec", sp.ID), slog.String("dir", dir))
	outcome, runErr := e.tool.Execute(ctx, mission, dir)

	record := progress.APILog{
		Command: outcome.Command,
		Stdout:  outcome.Stdout,
		Stderr:  outcome.Stderr,
	}
	if runErr != nil {
		record.Error = runErr.Error()
	} else {
		code := outcome.ExitCode
		record.ExitCode = &code
	}
	if err := e.board.WriteAPILog(string(progress.RoleWorker), sp.ID, record); err != nil {
		e.logger.Warn("api log not written", slog.String("spec", sp.ID), slog.Any("error", err))
	}
	if runErr != nil {
		return Result{OutputDir: dir}, runErr
	}

	var missing []string
	if outcome.ExitCode == 0 {
		missing = contracts.MissingOutputs(dir, sp)
	}
	if err := e.board.Write(progress.RoleWorker, sp.ID, workerMarker(sp.ID, mission, outcome.ExitCode, dir, missing)); err != nil {
		return Result{ExitCode: outcome.ExitCode, OutputDir: dir}, err
	}
	if len(missing) > 0 {
		e.logger.Warn("declared outputs missing", slog.String("spec", sp.ID), slog.Any("outputs", missing))
	}
	level := slog.LevelInfo
	if outcome.ExitCode != 0 {
		level = slog.LevelWarn
	}
	e.logger.Log(ctx, level, "worker finished", slog.String("spec", sp.ID), slog.Int("exit_code", outcome.ExitCode))
	return Result{ExitCode: outcome.ExitCode, OutputDir: dir, Missing: missing}, nil
}

type meta struct {
	ID      string   `json:"id"`
	Version int      `json:"version"`
	Parent  *string  `json:"parent"`
	Status  string   `json:"status"`
	Inputs  []string `json:"inputs"`
	Outputs []string `json:"outputs"`
}

func (e *Executor) prepare(dir string, sp spec.Spec) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return faults.IO("create work dir", dir, err)
	}
	missionPath := filepath.Join(dir, missionFile)
	if err := os.WriteFile(missionPath, []byte(sp.Mission+"\n"), 0o644); err != nil {
		return faults.IO("write mission", missionPath, err)
	}
	m := meta{
		ID:      sp.ID,
		Version: sp.Version,
		Status:  sp.Status,
		Inputs:  nonNil(sp.Inputs),
		Outputs: nonNil(sp.Outputs),
	}
	if sp.Parent != "" {
		parent := sp.Parent
		m.Parent = &parent
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("executor: encode meta: %w", err)
	}
	metaPath := filepath.Join(dir, metaFile)
	if err := os.WriteFile(metaPath, append(data, '\n'), 0o644); err != nil {
		return faults.IO("write meta", metaPath, err)
	}
	return nil
}

func workerMarker(id, mission string, exitCode int, dir string, missing []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Worker Progress for %s\n\n", id)
	fmt.Fprintf(&b, "Mission:\n%s\n\n", mission)
	fmt.Fprintf(&b, "Exit code: %d\n", exitCode)
	fmt.Fprintf(&b, "Output directory: %s\n", dir)
	if len(missing) > 0 {
		fmt.Fprintf(&b, "Missing outputs: %s\n", strings.Join(missing, ", "))
	}
	return b.String()
}

// ExitCodeFromMarker reads the exit code recorded in a worker marker.
func ExitCodeFromMarker(content string) (int, bool) {
	for _, line := range strings.Split(content, "\n") {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), "Exit code:"); ok {
			code, err := strconv.Atoi(strings.TrimSpace(rest))
			return code, err == nil
		}
	}
	return 0, false
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
