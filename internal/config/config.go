// internal/config/config.go
//
// This package handles configuration and the on-disk project layout.
// A cascade project is a directory holding config.yaml plus the specs/,
// queue/, progress/, outputs/ and logs/ folders the loop works in.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/cascade/internal/faults"
)

const (
	// ConfigFile is the project configuration file name.
	ConfigFile = "config.yaml"
	// EnvFile holds optional KEY=VALUE pairs loaded before the environment is read.
	EnvFile = ".env"

	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderScript = "script"

	defaultModel       = "gpt-4o-mini"
	defaultGeminiModel = "gemini-1.5-flash"
	defaultMaxTokens   = 1500
	defaultCommand     = "codex"
	defaultInterval    = 30 * time.Second
	defaultMaxParallel = 4
	defaultHost        = "127.0.0.1"
	defaultPort        = 5000
)

const defaultProjectConfigYAML = `# cascade project configuration
version: 1

# Planning service: openai, gemini or script. Leave empty to pick from the
# API keys present in the environment.
provider: openai
model: gpt-4o-mini
max_tokens: 1500

# Go source evaluated for provider: script. Must define
#   func Plan(role, context string) (string, error)
# script: plans/planner.go

executor:
  command: codex
  args: ["--full-auto"]
  # Go source defining func Execute(mission, dir string) (int, error).
  # When set it replaces the command.
  # script: plans/executor.go

loop:
  interval: 30s
  max_parallel: 4

dashboard:
  host: 127.0.0.1
  port: 5000
`

// ExecutorConfig selects the execution tool for leaf specs.
type ExecutorConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Script  string   `yaml:"script,omitempty"`
}

// LoopConfig tunes the convergence loop.
type LoopConfig struct {
	Interval    string `yaml:"interval"`
	MaxParallel int    `yaml:"max_parallel"`
}

// DashboardConfig controls the HTTP control plane bind address.
type DashboardConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ProjectConfig models config.yaml.
type ProjectConfig struct {
	Version   int             `yaml:"version"`
	Provider  string          `yaml:"provider"`
	Model     string          `yaml:"model"`
	MaxTokens int             `yaml:"max_tokens"`
	Script    string          `yaml:"script,omitempty"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Loop      LoopConfig      `yaml:"loop"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// Config holds the runtime configuration for one project directory.
type Config struct {
	// ProjectDir is the directory holding config.yaml.
	ProjectDir string

	Project ProjectConfig
}

// InitProject creates the project directory structure and a default
// config.yaml when none exists.
//
// Structure created:
// specs/             <- spec documents
// queue/             <- new_specs.txt work queue
// progress/          <- stage markers and stop markers
// progress/api_logs/ <- captured planning calls and tool runs
// outputs/           <- per-spec working areas
// logs/              <- structured and journey logs
func InitProject(projectDir string) error {
	dirs := []string{
		filepath.Join(projectDir, "specs"),
		filepath.Join(projectDir, "queue"),
		filepath.Join(projectDir, "progress", "api_logs"),
		filepath.Join(projectDir, "outputs"),
		filepath.Join(projectDir, "logs"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return ensureProjectConfig(filepath.Join(projectDir, ConfigFile))
}

// NewConfig loads .env and config.yaml from projectDir and applies
// environment overrides. A missing config.yaml is a ConfigError.
func NewConfig(projectDir string) (*Config, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("config: resolve project dir: %w", err)
	}
	if err := loadEnvFile(filepath.Join(abs, EnvFile)); err != nil {
		return nil, err
	}
	cfg := &Config{ProjectDir: abs, Project: defaultProjectConfig()}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	cfg.Project.applyEnvOverrides()
	cfg.Project.normalize(abs)
	if err := cfg.Project.validate(); err != nil {
		return nil, &faults.ConfigError{Reason: err.Error()}
	}
	return cfg, nil
}

// loadEnvFile reads KEY=VALUE pairs without overriding variables that are
// already set in the process environment.
func loadEnvFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return &faults.ConfigError{Key: EnvFile, Reason: err.Error()}
	}
	return nil
}

// ConfigPath returns the on-disk location for config.yaml.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.ProjectDir, ConfigFile)
}

// SpecsDir returns the directory holding spec documents.
func (c *Config) SpecsDir() string {
	return filepath.Join(c.ProjectDir, "specs")
}

// QueueFile returns the work queue file.
func (c *Config) QueueFile() string {
	return filepath.Join(c.ProjectDir, "queue", "new_specs.txt")
}

// ProgressDir returns the marker directory.
func (c *Config) ProgressDir() string {
	return filepath.Join(c.ProjectDir, "progress")
}

// APILogsDir returns the directory for captured request records.
func (c *Config) APILogsDir() string {
	return filepath.Join(c.ProgressDir(), "api_logs")
}

// OutputsDir returns the root of the per-spec working areas.
func (c *Config) OutputsDir() string {
	return filepath.Join(c.ProjectDir, "outputs")
}

// LogsDir returns the path to the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.ProjectDir, "logs")
}

// JourneyLogPath returns the human-readable tick journal.
func (c *Config) JourneyLogPath() string {
	return filepath.Join(c.LogsDir(), "journey.log")
}

// Interval returns the pause between loop ticks.
func (c *Config) Interval() time.Duration {
	d, err := time.ParseDuration(c.Project.Loop.Interval)
	if err != nil || d <= 0 {
		return defaultInterval
	}
	return d
}

// MaxParallel bounds concurrent executor runs within one tick.
func (c *Config) MaxParallel() int {
	if c.Project.Loop.MaxParallel <= 0 {
		return defaultMaxParallel
	}
	return c.Project.Loop.MaxParallel
}

// APIKey returns the credential for the configured provider.
func (c *Config) APIKey() (string, error) {
	var keys []string
	switch c.Project.Provider {
	case ProviderOpenAI:
		keys = []string{"OPENAI_API_KEY"}
	case ProviderGemini:
		keys = []string{"GOOGLE_API_KEY", "GEMINI_API_KEY"}
	default:
		return "", nil
	}
	for _, key := range keys {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return value, nil
		}
	}
	return "", &faults.ConfigError{Key: keys[0], Reason: "not set"}
}

func (c *Config) loadProjectConfig() error {
	path := c.ConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &faults.ConfigError{Key: ConfigFile, Reason: fmt.Sprintf("missing config file %s", path)}
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	parsed := defaultProjectConfig()
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return &faults.ConfigError{Key: ConfigFile, Reason: fmt.Sprintf("parse %s: %v", path, err)}
	}
	parsed.applyDefaults()
	c.Project = parsed
	return nil
}

func defaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Version:   1,
		MaxTokens: defaultMaxTokens,
		Executor:  ExecutorConfig{Command: defaultCommand, Args: []string{"--full-auto"}},
		Loop:      LoopConfig{Interval: defaultInterval.String(), MaxParallel: defaultMaxParallel},
		Dashboard: DashboardConfig{Host: defaultHost, Port: defaultPort},
	}
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if pc.MaxTokens <= 0 {
		pc.MaxTokens = defaultMaxTokens
	}
	if strings.TrimSpace(pc.Executor.Command) == "" {
		pc.Executor.Command = defaultCommand
	}
	if pc.Loop.MaxParallel <= 0 {
		pc.Loop.MaxParallel = defaultMaxParallel
	}
	if strings.TrimSpace(pc.Loop.Interval) == "" {
		pc.Loop.Interval = defaultInterval.String()
	}
	if strings.TrimSpace(pc.Dashboard.Host) == "" {
		pc.Dashboard.Host = defaultHost
	}
	if pc.Dashboard.Port == 0 {
		pc.Dashboard.Port = defaultPort
	}
}

func (pc *ProjectConfig) applyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv("CASCADE_PROVIDER")); v != "" {
		pc.Provider = v
	}
	if v := strings.TrimSpace(os.Getenv("CASCADE_MODEL")); v != "" {
		pc.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("CASCADE_INTERVAL")); v != "" {
		pc.Loop.Interval = v
	}
	if v := strings.TrimSpace(os.Getenv("CASCADE_MAX_PARALLEL")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			pc.Loop.MaxParallel = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("CASCADE_DASHBOARD_HOST")); v != "" {
		pc.Dashboard.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("CASCADE_DASHBOARD_PORT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			pc.Dashboard.Port = n
		}
	}
}

func (pc *ProjectConfig) normalize(base string) {
	pc.Provider = strings.ToLower(strings.TrimSpace(pc.Provider))
	if pc.Provider == "" {
		pc.Provider = detectProvider(pc.Script)
	}
	pc.Model = strings.TrimSpace(pc.Model)
	if pc.Model == "" {
		if pc.Provider == ProviderGemini {
			pc.Model = defaultGeminiModel
		} else {
			pc.Model = defaultModel
		}
	}
	pc.Script = resolvePath(base, pc.Script)
	pc.Executor.Command = strings.TrimSpace(pc.Executor.Command)
	pc.Executor.Script = resolvePath(base, pc.Executor.Script)
	pc.Dashboard.Host = strings.TrimSpace(pc.Dashboard.Host)
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	switch pc.Provider {
	case ProviderOpenAI, ProviderGemini:
	case ProviderScript:
		if pc.Script == "" {
			return fmt.Errorf("script is required for provider %q", ProviderScript)
		}
	default:
		return fmt.Errorf("provider must be one of openai, gemini, script (got %q)", pc.Provider)
	}
	if _, err := time.ParseDuration(pc.Loop.Interval); err != nil {
		return fmt.Errorf("loop.interval: %w", err)
	}
	if pc.Dashboard.Port < 0 || pc.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port out of range: %d", pc.Dashboard.Port)
	}
	return nil
}

func detectProvider(script string) string {
	switch {
	case strings.TrimSpace(script) != "":
		return ProviderScript
	case os.Getenv("OPENAI_API_KEY") != "":
		return ProviderOpenAI
	case os.Getenv("GOOGLE_API_KEY") != "", os.Getenv("GEMINI_API_KEY") != "":
		return ProviderGemini
	default:
		return ProviderOpenAI
	}
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644)
}
