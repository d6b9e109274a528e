package planner

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Schema names the keys a planning response must carry for one role.
type Schema struct {
	// IDKey is the per-task identifier key, e.g. team_id or worker_id.
	IDKey string
	// WithIO also accepts inputs and outputs lists.
	WithIO bool
}

var (
	// TeamSchema validates the CEO split response.
	TeamSchema = Schema{IDKey: "team_id"}
	// WorkerSchema validates the manager expansion response.
	WorkerSchema = Schema{IDKey: "worker_id", WithIO: true}
)

// Task is one validated entry of a planning response.
type Task struct {
	ID      string
	Mission string
	Inputs  []string
	Outputs []string
}

// ParseFailure explains why a response could not be used.
type ParseFailure struct {
	Reason string
	Raw    string
}

func (f *ParseFailure) Error() string {
	return "unusable planning response: " + f.Reason
}

// StripFences removes a leading ``` line (with optional language tag) and a
// trailing ``` line.
func StripFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// ParseTasks strips fences, decodes a JSON array and validates every entry
// against schema. Any violation rejects the whole response.
func ParseTasks(text string, schema Schema) ([]Task, error) {
	body := extractArray(StripFences(text))
	if body == "" {
		return nil, &ParseFailure{Reason: "empty response", Raw: text}
	}
	var raw []map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, &ParseFailure{Reason: fmt.Sprintf("expected a JSON array of objects: %v", err), Raw: text}
	}
	tasks := make([]Task, 0, len(raw))
	for idx, entry := range raw {
		task, err := schema.validate(entry)
		if err != nil {
			return nil, &ParseFailure{Reason: fmt.Sprintf("item %d: %v", idx, err), Raw: text}
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (s Schema) validate(entry map[string]json.RawMessage) (Task, error) {
	var task Task
	rawID, ok := entry[s.IDKey]
	if !ok {
		return task, fmt.Errorf("missing %s", s.IDKey)
	}
	if err := json.Unmarshal(rawID, &task.ID); err != nil {
		return task, fmt.Errorf("%s must be a string", s.IDKey)
	}
	if strings.TrimSpace(task.ID) == "" {
		return task, fmt.Errorf("%s is empty", s.IDKey)
	}
	rawMission, ok := entry["mission"]
	if !ok {
		return task, fmt.Errorf("missing mission")
	}
	if err := json.Unmarshal(rawMission, &task.Mission); err != nil {
		return task, fmt.Errorf("mission must be a string")
	}
	if !s.WithIO {
		return task, nil
	}
	for key, dst := range map[string]*[]string{"inputs": &task.Inputs, "outputs": &task.Outputs} {
		raw, ok := entry[key]
		if !ok || string(raw) == "null" {
			continue
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return task, fmt.Errorf("%s must be a list of strings", key)
		}
	}
	return task, nil
}

// extractArray trims prose around the outermost JSON array.
func extractArray(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		return s
	}
	start := strings.IndexByte(s, '[')
	end := strings.LastIndexByte(s, ']')
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
