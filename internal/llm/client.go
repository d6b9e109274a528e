// Package llm implements the planning function behind the planner and the
// summarizer: a system instruction plus context text in, response text out.
package llm

import (
	"context"
	"fmt"

	"github.com/kingrea/cascade/internal/config"
	"github.com/kingrea/cascade/internal/faults"
	"github.com/kingrea/cascade/plugins"
)

// Client is the planning function. Errors are *faults.ServiceError values
// of kind Unavailable (transport) or Malformed (unusable response).
type Client interface {
	Plan(ctx context.Context, systemRole, contextText string) (string, error)
	// Name identifies the backend in logs and API records.
	Name() string
}

// Func adapts a plain function to Client. Tests use it as a stub.
type Func func(ctx context.Context, systemRole, contextText string) (string, error)

// Plan calls f.
func (f Func) Plan(ctx context.Context, systemRole, contextText string) (string, error) {
	return f(ctx, systemRole, contextText)
}

// Name returns "func".
func (Func) Name() string { return "func" }

// New builds the client selected by the project configuration.
func New(ctx context.Context, cfg *config.Config) (Client, error) {
	if cfg == nil {
		return nil, &faults.ConfigError{Reason: "nil configuration"}
	}
	p := cfg.Project
	switch p.Provider {
	case config.ProviderScript:
		return NewScriptClient(p.Script)
	case config.ProviderOpenAI:
		key, err := cfg.APIKey()
		if err != nil {
			return nil, err
		}
		return &OpenAIClient{APIKey: key, Model: p.Model, MaxTokens: p.MaxTokens}, nil
	case config.ProviderGemini:
		key, err := cfg.APIKey()
		if err != nil {
			return nil, err
		}
		return NewGeminiClient(ctx, key, p.Model, p.MaxTokens)
	default:
		return nil, &faults.ConfigError{Key: "provider", Reason: fmt.Sprintf("unsupported provider %q", p.Provider)}
	}
}

// ScriptClient plans by calling Plan in a yaegi-interpreted Go file.
type ScriptClient struct {
	script *plugins.Script
}

// NewScriptClient loads the planning script at path.
func NewScriptClient(path string) (*ScriptClient, error) {
	script, err := plugins.LoadScript(path)
	if err != nil {
		return nil, &faults.ConfigError{Key: "script", Reason: err.Error()}
	}
	if !script.Has(plugins.PlanFuncName) {
		return nil, &faults.ConfigError{Key: "script", Reason: fmt.Sprintf("%s does not define %s", path, plugins.PlanFuncName)}
	}
	return &ScriptClient{script: script}, nil
}

// Plan calls the script's Plan function.
func (c *ScriptClient) Plan(ctx context.Context, systemRole, contextText string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", faults.Unavailable(c.Name(), err)
	}
	out, err := c.script.Plan(systemRole, contextText)
	if err != nil {
		return "", faults.Unavailable(c.Name(), err)
	}
	return out, nil
}

func (c *ScriptClient) Name() string { return "script" }
