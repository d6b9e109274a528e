// Package queue holds the work queue of spec paths waiting for execution.
//
// The queue is an append log drained in one shot by the convergence loop.
// Duplicates are allowed; consumers rely on progress markers for idempotence.
package queue

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kingrea/cascade/internal/faults"
)

// Queue is the contract shared by the file and in-memory implementations.
type Queue interface {
	Enqueue(path string) error
	DrainAll() ([]string, error)
	Len() (int, error)
}

// FileQueue stores entries one per line in a text file. DrainAll reads then
// truncates, which is not safe when more than one loop drains the same file.
type FileQueue struct {
	path string
	mu   sync.Mutex
}

// NewFileQueue returns a queue backed by path. The file is created lazily.
func NewFileQueue(path string) *FileQueue {
	return &FileQueue{path: path}
}

// Path returns the backing file.
func (q *FileQueue) Path() string {
	return q.path
}

// Enqueue appends one entry.
func (q *FileQueue) Enqueue(entry string) error {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return fmt.Errorf("queue: empty entry")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return faults.IO("enqueue", q.path, err)
	}
	file, err := os.OpenFile(q.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return faults.IO("enqueue", q.path, err)
	}
	defer file.Close()
	if _, err := file.WriteString(entry + "\n"); err != nil {
		return faults.IO("enqueue", q.path, err)
	}
	return nil
}

// DrainAll returns every entry and empties the file. When truncation fails
// the entries are still returned and also stay in the file.
func (q *FileQueue) DrainAll() ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, faults.IO("drain", q.path, err)
	}
	entries := parseEntries(data)
	if len(data) == 0 {
		return entries, nil
	}
	if err := os.Truncate(q.path, 0); err != nil {
		return entries, faults.IO("drain", q.path, err)
	}
	return entries, nil
}

// Len counts pending entries without draining.
func (q *FileQueue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, faults.IO("read queue", q.path, err)
	}
	return len(parseEntries(data)), nil
}

func parseEntries(data []byte) []string {
	var entries []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			entries = append(entries, line)
		}
	}
	return entries
}

// MemQueue is an in-process queue used by tests and single-pass runs.
type MemQueue struct {
	mu      sync.Mutex
	entries []string
}

// NewMemQueue returns an empty in-memory queue.
func NewMemQueue(entries ...string) *MemQueue {
	return &MemQueue{entries: append([]string{}, entries...)}
}

// Enqueue appends entry. Blank entries are rejected.
func (q *MemQueue) Enqueue(entry string) error {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return fmt.Errorf("queue: empty entry")
	}
	q.mu.Lock()
	q.entries = append(q.entries, entry)
	q.mu.Unlock()
	return nil
}

// DrainAll returns every entry in order and empties the queue.
func (q *MemQueue) DrainAll() ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := q.entries
	q.entries = nil
	return drained, nil
}

// Len returns the number of queued entries.
func (q *MemQueue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}

// Dedupe drops repeated entries, keeping first occurrences in order.
func Dedupe(entries []string) []string {
	seen := make(map[string]bool, len(entries))
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		key := filepath.Clean(entry)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, entry)
	}
	return out
}
