package queue

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFileQueueDrainReturnsAllAndEmpties(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue", "new_specs.txt")
	q := NewFileQueue(path)
	for _, entry := range []string{"specs/a1.md", "specs/a2.md", "specs/a1.md"} {
		if err := q.Enqueue(entry); err != nil {
			t.Fatalf("enqueue %s: %v", entry, err)
		}
	}
	if n, err := q.Len(); err != nil || n != 3 {
		t.Fatalf("Len() = %d, %v; want 3", n, err)
	}
	got, err := q.DrainAll()
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if diff := cmp.Diff([]string{"specs/a1.md", "specs/a2.md", "specs/a1.md"}, got); diff != "" {
		t.Fatalf("drained entries mismatch (-want +got):\n%s", diff)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read queue file: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("queue file not truncated: %q", data)
	}
	if err := q.Enqueue("specs/b1.md"); err != nil {
		t.Fatalf("enqueue after drain: %v", err)
	}
	again, err := q.DrainAll()
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if diff := cmp.Diff([]string{"specs/b1.md"}, again); diff != "" {
		t.Fatalf("second drain mismatch (-want +got):\n%s", diff)
	}
}

func TestFileQueueMissingFileIsEmpty(t *testing.T) {
	q := NewFileQueue(filepath.Join(t.TempDir(), "absent.txt"))
	got, err := q.DrainAll()
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no entries, got %v", got)
	}
}

func TestFileQueueIgnoresBlankLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.txt")
	if err := os.WriteFile(path, []byte("\nspecs/a.md\n   \nspecs/b.md\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := NewFileQueue(path).DrainAll()
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if diff := cmp.Diff([]string{"specs/a.md", "specs/b.md"}, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestMemQueue(t *testing.T) {
	q := NewMemQueue("x")
	if err := q.Enqueue("y"); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(" "); err == nil {
		t.Fatalf("expected error for blank entry")
	}
	got, _ := q.DrainAll()
	if diff := cmp.Diff([]string{"x", "y"}, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
	if n, _ := q.Len(); n != 0 {
		t.Fatalf("queue not empty after drain: %d", n)
	}
}

func TestDedupe(t *testing.T) {
	got := Dedupe([]string{"specs/a.md", "specs/b.md", "specs/./a.md", "specs/b.md"})
	if diff := cmp.Diff([]string{"specs/a.md", "specs/b.md"}, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}
