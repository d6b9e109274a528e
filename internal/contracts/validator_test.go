package contracts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kingrea/cascade/internal/spec"
)

func TestValidateSpec(t *testing.T) {
	idx := Index{"alpha": "", "a1": "alpha"}
	tests := []struct {
		name    string
		spec    spec.Spec
		wantErr string
	}{
		{
			name: "valid-team",
			spec: spec.Spec{ID: "alpha", Version: 1, Mission: "Build X"},
		},
		{
			name: "valid-worker",
			spec: spec.Spec{ID: "a2", Version: 1, Parent: "alpha", Mission: "Write docs", Outputs: []string{"docs/api.md", "README.md"}},
		},
		{
			name:    "missing-mission",
			spec:    spec.Spec{ID: "alpha", Version: 1},
			wantErr: "mission is required",
		},
		{
			name:    "bad-version",
			spec:    spec.Spec{ID: "alpha", Mission: "x"},
			wantErr: "version must be >= 1",
		},
		{
			name:    "not-a-slug",
			spec:    spec.Spec{ID: "Team One", Version: 1, Mission: "x"},
			wantErr: `want "team-one"`,
		},
		{
			name:    "unknown-parent",
			spec:    spec.Spec{ID: "z1", Version: 1, Parent: "zeta", Mission: "x"},
			wantErr: `parent "zeta" not found`,
		},
		{
			name:    "worker-parent",
			spec:    spec.Spec{ID: "a1x", Version: 1, Parent: "a1", Mission: "x"},
			wantErr: `parent "a1" is not a team spec`,
		},
		{
			name:    "escaping-output",
			spec:    spec.Spec{ID: "a2", Version: 1, Parent: "alpha", Mission: "x", Outputs: []string{"../secret"}},
			wantErr: "escapes the working area",
		},
		{
			name:    "absolute-input",
			spec:    spec.Spec{ID: "a2", Version: 1, Parent: "alpha", Mission: "x", Inputs: []string{"/etc/passwd"}},
			wantErr: "must be relative",
		},
		{
			name:    "duplicate-output",
			spec:    spec.Spec{ID: "a2", Version: 1, Parent: "alpha", Mission: "x", Outputs: []string{"a.txt", "./a.txt"}},
			wantErr: "duplicates",
		},
		{
			name:    "file-name-mismatch",
			spec:    spec.Spec{ID: "alpha", Version: 1, Mission: "x", Path: "/specs/beta.md"},
			wantErr: "does not match id",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			errs := ValidateSpec(tc.spec, idx)
			if tc.wantErr == "" {
				if len(errs) != 0 {
					t.Fatalf("expected valid, got %v", errs)
				}
				return
			}
			for _, err := range errs {
				if strings.Contains(err.Error(), tc.wantErr) {
					return
				}
			}
			t.Fatalf("errors %v do not mention %q", errs, tc.wantErr)
		})
	}
}

func TestValidateStore(t *testing.T) {
	dir := t.TempDir()
	store := spec.NewStore(dir)
	for _, sp := range []spec.Spec{
		{ID: "alpha", Version: 1, Mission: "Build X"},
		{ID: "a1", Version: 1, Parent: "alpha", Mission: "Write the API"},
		{ID: "o1", Version: 1, Parent: "omega", Mission: "Orphan"},
	} {
		if _, err := store.Write(sp); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.md"), []byte("no header"), 0o644); err != nil {
		t.Fatal(err)
	}

	invalid := map[string]bool{}
	for _, r := range ValidateStore(store) {
		if !r.IsValid() {
			invalid[r.ID] = true
		}
	}
	if len(invalid) != 2 || !invalid["o1"] || !invalid["broken"] {
		t.Fatalf("invalid = %v, want o1 and broken", invalid)
	}

	report, err := ValidateFile(store, filepath.Join(dir, "a1.md"))
	if err != nil || !report.IsValid() {
		t.Fatalf("a1 report = %+v, %v", report, err)
	}
}

func TestMissingOutputs(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "docs"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "docs", "api.md"), []byte("ok"), 0o644); err != nil {
		t.Fatal(err)
	}
	sp := spec.Spec{ID: "a1", Outputs: []string{"docs/api.md", "main.go", " "}}
	got := MissingOutputs(dir, sp)
	if len(got) != 1 || got[0] != "main.go" {
		t.Fatalf("missing = %v", got)
	}
	if got := MissingOutputs(dir, spec.Spec{ID: "a2"}); got != nil {
		t.Fatalf("no outputs declared, got %v", got)
	}
}
