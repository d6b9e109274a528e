package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/kingrea/cascade/internal/faults"
	"github.com/kingrea/cascade/plugins"
)

// Outcome is the captured result of one tool run.
type Outcome struct {
	Command  []string
	ExitCode int
	Stdout   string
	Stderr   string
}

// Tool is the external execution function: run the mission inside workDir
// and report how it exited. A non-zero exit is an Outcome, not an error.
type Tool interface {
	Execute(ctx context.Context, mission, workDir string) (Outcome, error)
}

// CommandTool runs an external CLI with the mission as its last argument.
type CommandTool struct {
	Command string
	Args    []string
	// LookPath resolves the binary; tests override it.
	LookPath func(string) (string, error)
}

// NewCommandTool returns a tool running command with args.
func NewCommandTool(command string, args ...string) *CommandTool {
	return &CommandTool{Command: command, Args: args, LookPath: exec.LookPath}
}

// Execute runs the command in workDir with mission as the final argument.
// A non-zero exit is reported in the Outcome, not as an error.
func (t *CommandTool) Execute(ctx context.Context, mission, workDir string) (Outcome, error) {
	lookPath := t.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	bin, err := lookPath(t.Command)
	if err != nil {
		return Outcome{}, &faults.ToolUnavailableError{Tool: t.Command, Err: err}
	}
	argv := append(append([]string{}, t.Args...), mission)
	out := Outcome{Command: append([]string{t.Command}, argv...)}
	cmd := exec.CommandContext(ctx, bin, argv...)
	cmd.Dir = workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()
	out.Stdout = stdout.String()
	out.Stderr = stderr.String()
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		return out, &faults.ToolUnavailableError{Tool: t.Command, Err: runErr}
	}
	return out, nil
}

// ScriptTool calls Execute in a yaegi-interpreted Go file.
type ScriptTool struct {
	script *plugins.Script
}

// NewScriptTool loads the execution script at path.
func NewScriptTool(path string) (*ScriptTool, error) {
	script, err := plugins.LoadScript(path)
	if err != nil {
		return nil, &faults.ConfigError{Key: "executor.script", Reason: err.Error()}
	}
	if !script.Has(plugins.ExecuteFuncName) {
		return nil, &faults.ConfigError{Key: "executor.script", Reason: fmt.Sprintf("%s does not define %s", path, plugins.ExecuteFuncName)}
	}
	return &ScriptTool{script: script}, nil
}

// Execute calls the script's Execute function.
func (t *ScriptTool) Execute(ctx context.Context, mission, workDir string) (Outcome, error) {
	out := Outcome{Command: []string{"script:" + t.script.Path()}}
	if err := ctx.Err(); err != nil {
		return out, &faults.ToolUnavailableError{Tool: t.script.Path(), Err: err}
	}
	code, err := t.script.Execute(mission, workDir)
	if err != nil {
		return out, &faults.ToolUnavailableError{Tool: t.script.Path(), Err: err}
	}
	out.ExitCode = code
	return out, nil
}

// Func adapts a plain function to Tool. Tests use it as a stub.
type Func func(ctx context.Context, mission, workDir string) (Outcome, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, mission, workDir string) (Outcome, error) {
	return f(ctx, mission, workDir)
}
