package spec

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/cascade/internal/faults"
)

const (
	delimiter      = "---"
	missionHeading = "## Mission"
)

// Spec is one delegated unit of work: a YAML header plus free-text mission.
// Status is carried as metadata only; progress is tracked by markers.
type Spec struct {
	ID      string
	Version int
	Parent  string
	Status  string
	Inputs  []string
	Outputs []string
	Mission string

	// Path is the file the spec was read from, empty for unsaved specs.
	Path string
}

// IsTopLevel reports whether the spec is a team spec (no parent).
func (s Spec) IsTopLevel() bool {
	return strings.TrimSpace(s.Parent) == ""
}

// FileName returns the on-disk file name for the spec.
func (s Spec) FileName() string {
	return s.ID + ".md"
}

type header struct {
	ID      string   `yaml:"id"`
	TeamID  string   `yaml:"team_id,omitempty"`
	Version int      `yaml:"version"`
	Parent  *string  `yaml:"parent"`
	Status  string   `yaml:"status"`
	Inputs  []string `yaml:"inputs"`
	Outputs []string `yaml:"outputs"`
}

// Parse decodes a specification document. The document must split into at
// least three segments on `---` lines; segment one is the header and the
// remainder is the mission body.
func Parse(content []byte) (Spec, error) {
	segments := splitSegments(normalizeNewlines(content))
	if len(segments) < 3 {
		return Spec{}, &faults.MalformedSpecError{Reason: fmt.Sprintf("expected 3 segments, found %d", len(segments))}
	}
	var node yaml.Node
	if err := yaml.Unmarshal([]byte(segments[1]), &node); err != nil {
		return Spec{}, &faults.MalformedSpecError{Reason: fmt.Sprintf("parse header: %v", err)}
	}
	if len(node.Content) == 0 || node.Content[0].Kind != yaml.MappingNode {
		return Spec{}, &faults.MalformedSpecError{Reason: "header is not a mapping"}
	}
	var h header
	if err := node.Decode(&h); err != nil {
		return Spec{}, &faults.MalformedSpecError{Reason: fmt.Sprintf("decode header: %v", err)}
	}
	id := strings.TrimSpace(h.ID)
	if id == "" {
		id = strings.TrimSpace(h.TeamID)
	}
	if id == "" {
		return Spec{}, &faults.MalformedSpecError{Reason: "header missing id"}
	}
	s := Spec{
		ID:      id,
		Version: h.Version,
		Status:  strings.TrimSpace(h.Status),
		Inputs:  append([]string{}, h.Inputs...),
		Outputs: append([]string{}, h.Outputs...),
		Mission: missionText(strings.Join(segments[2:], "\n"+delimiter+"\n")),
	}
	if h.Parent != nil {
		s.Parent = strings.TrimSpace(*h.Parent)
	}
	if s.Version <= 0 {
		s.Version = 1
	}
	return s, nil
}

// Render serializes the spec in the three-segment document format.
func Render(s Spec) ([]byte, error) {
	if strings.TrimSpace(s.ID) == "" {
		return nil, fmt.Errorf("spec: render: missing id")
	}
	h := header{
		ID:      s.ID,
		Version: s.Version,
		Status:  s.Status,
		Inputs:  nonNil(s.Inputs),
		Outputs: nonNil(s.Outputs),
	}
	if h.Version <= 0 {
		h.Version = 1
	}
	if h.Status == "" {
		h.Status = "draft"
	}
	if parent := strings.TrimSpace(s.Parent); parent != "" {
		h.Parent = &parent
	}
	data, err := yaml.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("spec: encode header: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(delimiter + "\n")
	buf.Write(data)
	buf.WriteString(delimiter + "\n")
	buf.WriteString(missionHeading + "\n")
	buf.WriteString(strings.TrimSpace(s.Mission))
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

func splitSegments(content []byte) []string {
	var (
		segments []string
		current  []string
	)
	for _, line := range strings.Split(string(content), "\n") {
		if strings.TrimRight(line, " \t") == delimiter {
			segments = append(segments, strings.Join(current, "\n"))
			current = nil
			continue
		}
		current = append(current, line)
	}
	return append(segments, strings.Join(current, "\n"))
}

func missionText(body string) string {
	trimmed := strings.TrimSpace(body)
	if rest, ok := strings.CutPrefix(trimmed, missionHeading); ok {
		trimmed = strings.TrimSpace(rest)
	}
	return trimmed
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func normalizeNewlines(content []byte) []byte {
	return bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
}
