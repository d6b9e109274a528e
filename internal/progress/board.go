// Package progress manages the marker files that record which stage has run
// for which spec. A marker's presence is the only completion signal; its
// content is for humans.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kingrea/cascade/internal/faults"
	"github.com/kingrea/cascade/internal/fsutil"
)

// Role names the stage that owns a marker.
type Role string

const (
	RoleManager Role = "manager"
	RoleWorker  Role = "worker"
	RoleSummary Role = "ceo_summary"
)

// Roles lists marker roles in pipeline order.
var Roles = []Role{RoleManager, RoleWorker, RoleSummary}

// Stage is derived from marker presence and never stored.
type Stage int

const (
	StageNotStarted Stage = iota
	StageDone
)

func (s Stage) String() string {
	if s == StageDone {
		return "done"
	}
	return "not started"
}

const (
	stopPrefix = "stopped_"
	apiLogsDir = "api_logs"
)

// Board reads and writes markers under the progress directory.
type Board struct {
	dir string
	now func() time.Time
}

// Option customizes a Board.
type Option func(*Board)

// WithClock overrides the clock used for API log timestamps.
func WithClock(clock func() time.Time) Option {
	return func(b *Board) {
		if clock != nil {
			b.now = clock
		}
	}
}

// NewBoard returns a board rooted at dir.
func NewBoard(dir string, opts ...Option) *Board {
	b := &Board{dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Dir returns the progress directory.
func (b *Board) Dir() string {
	return b.dir
}

// APILogsDir returns the directory holding captured request records.
func (b *Board) APILogsDir() string {
	return filepath.Join(b.dir, apiLogsDir)
}

// Path returns the marker path for role and id.
func (b *Board) Path(role Role, id string) string {
	return filepath.Join(b.dir, MarkerName(role, id))
}

// MarkerName returns the file name used for a marker.
func MarkerName(role Role, id string) string {
	return fmt.Sprintf("%s_%s.md", role, id)
}

// Stage reports whether the marker for role and id exists.
func (b *Board) Stage(role Role, id string) (Stage, error) {
	ok, err := fsutil.Exists(b.Path(role, id))
	if err != nil {
		return StageNotStarted, faults.IO("stat marker", b.Path(role, id), err)
	}
	if ok {
		return StageDone, nil
	}
	return StageNotStarted, nil
}

// Done is Stage without the error, treating unreadable markers as absent.
func (b *Board) Done(role Role, id string) bool {
	stage, err := b.Stage(role, id)
	return err == nil && stage == StageDone
}

// Write stores the marker content atomically. Callers write the marker as
// the final step of a stage.
func (b *Board) Write(role Role, id, content string) error {
	path := b.Path(role, id)
	if err := fsutil.WriteFileAtomic(path, []byte(content), 0o644); err != nil {
		return faults.IO("write marker", path, err)
	}
	return nil
}

// Read returns the marker content. ok is false when the marker is absent.
func (b *Board) Read(role Role, id string) (string, bool, error) {
	path := b.Path(role, id)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, faults.IO("read marker", path, err)
	}
	return string(data), true, nil
}

// Entry describes one file in the progress directory.
type Entry struct {
	Name    string
	Role    Role
	ID      string
	Stopped bool
	ModTime time.Time
	Size    int64
}

// List returns the marker and stop files in name order.
func (b *Board) List() ([]Entry, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, faults.IO("list progress", b.dir, err)
	}
	var out []Entry
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		e := Entry{Name: entry.Name(), ModTime: info.ModTime(), Size: info.Size()}
		if spec, ok := strings.CutPrefix(entry.Name(), stopPrefix); ok {
			e.Stopped = true
			e.ID = strings.TrimSuffix(spec, filepath.Ext(spec))
		} else if role, id, ok := ParseMarkerName(entry.Name()); ok {
			e.Role = role
			e.ID = id
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ParseMarkerName splits a marker file name into role and id.
func ParseMarkerName(name string) (Role, string, bool) {
	stem, ok := strings.CutSuffix(name, ".md")
	if !ok {
		return "", "", false
	}
	// ceo_summary contains an underscore, so match known prefixes longest first.
	for _, role := range []Role{RoleSummary, RoleManager, RoleWorker} {
		if id, ok := strings.CutPrefix(stem, string(role)+"_"); ok && id != "" {
			return role, id, true
		}
	}
	return "", "", false
}

// StopPath returns the stop marker path for a top-level spec file name.
func (b *Board) StopPath(specFile string) string {
	return filepath.Join(b.dir, stopPrefix+filepath.Base(specFile))
}

// Stop pauses orchestration of a top-level spec and its descendants.
func (b *Board) Stop(specFile string) error {
	path := b.StopPath(specFile)
	stamp := b.now().UTC().Format(time.RFC3339) + "\n"
	if err := fsutil.WriteFileAtomic(path, []byte(stamp), 0o644); err != nil {
		return faults.IO("write stop marker", path, err)
	}
	return nil
}

// Resume removes the stop marker. Resuming a running spec is a no-op.
func (b *Board) Resume(specFile string) error {
	path := b.StopPath(specFile)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return faults.IO("remove stop marker", path, err)
	}
	return nil
}

// IsStopped reports whether a stop marker exists for specFile.
func (b *Board) IsStopped(specFile string) bool {
	ok, err := fsutil.Exists(b.StopPath(specFile))
	return err == nil && ok
}

// APILog is the captured record of one planning call or tool run.
type APILog struct {
	Role      string    `json:"role"`
	SpecID    string    `json:"spec_id,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	System    string    `json:"system,omitempty"`
	Request   string    `json:"request,omitempty"`
	Response  string    `json:"response,omitempty"`
	Command   []string  `json:"command,omitempty"`
	Stdout    string    `json:"stdout,omitempty"`
	Stderr    string    `json:"stderr,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// APILogPath returns the record path for role and id.
func (b *Board) APILogPath(role, id string) string {
	return filepath.Join(b.APILogsDir(), fmt.Sprintf("%s_%s.json", role, id))
}

// WriteAPILog stores a record, stamping it when the timestamp is unset.
func (b *Board) WriteAPILog(role, id string, record APILog) error {
	if record.Timestamp.IsZero() {
		record.Timestamp = b.now().UTC()
	}
	if record.Role == "" {
		record.Role = role
	}
	if record.SpecID == "" {
		record.SpecID = id
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("progress: encode api log: %w", err)
	}
	path := b.APILogPath(role, id)
	if err := fsutil.WriteFileAtomic(path, append(data, '\n'), 0o644); err != nil {
		return faults.IO("write api log", path, err)
	}
	return nil
}

// APILogs lists captured record file names in name order.
func (b *Board) APILogs() ([]string, error) {
	entries, err := os.ReadDir(b.APILogsDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, faults.IO("list api logs", b.APILogsDir(), err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}
