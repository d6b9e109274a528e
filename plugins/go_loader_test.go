package plugins

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const plannerSource = `package main

import (
	"fmt"
	"strings"
)

func Plan(role, context string) (string, error) {
	if strings.Contains(role, "Manager") {
		return "[{\"worker_id\":\"w1\",\"mission\":\"do it\",\"inputs\":[],\"outputs\":[]}]", nil
	}
	if strings.Contains(context, "explode") {
		return "", fmt.Errorf("planner refused")
	}
	return "summary of " + context, nil
}
`

const executorSource = `package main

import (
	"os"
	"path/filepath"
)

func Execute(mission, dir string) (int, error) {
	if err := os.WriteFile(filepath.Join(dir, "done.txt"), []byte(mission), 0644); err != nil {
		return 0, err
	}
	if mission == "fail" {
		return 2, nil
	}
	return 0, nil
}
`

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestScriptPlan(t *testing.T) {
	script, err := LoadScript(writeScript(t, "planner.go", plannerSource))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !script.Has(PlanFuncName) || script.Has(ExecuteFuncName) {
		t.Fatalf("unexpected entry points for planner script")
	}
	out, err := script.Plan("You are a Manager-level agent.", "spec")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !strings.Contains(out, `"worker_id":"w1"`) {
		t.Fatalf("unexpected plan output: %s", out)
	}
	if _, err := script.Plan("summary", "explode"); err == nil || !strings.Contains(err.Error(), "planner refused") {
		t.Fatalf("expected script error to propagate, got %v", err)
	}
	if _, err := script.Execute("m", t.TempDir()); err == nil {
		t.Fatalf("expected error calling undefined Execute")
	}
}

func TestScriptExecute(t *testing.T) {
	script, err := LoadScript(writeScript(t, "executor.go", executorSource))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	dir := t.TempDir()
	code, err := script.Execute("fail", dir)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	data, err := os.ReadFile(filepath.Join(dir, "done.txt"))
	if err != nil || string(data) != "fail" {
		t.Fatalf("script output = %q, %v", data, err)
	}
}

func TestLoadScriptRequiresEntryPoint(t *testing.T) {
	if _, err := LoadScript(writeScript(t, "broken.go", "package main\n")); err == nil {
		t.Fatalf("expected error for script without entry points")
	}
	if _, err := LoadScript(writeScript(t, "empty.go", "  \n")); err == nil {
		t.Fatalf("expected error for empty script")
	}
}
