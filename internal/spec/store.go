package spec

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kingrea/cascade/internal/faults"
	"github.com/kingrea/cascade/internal/fsutil"
)

// ErrSpecExists marks an attempt to overwrite a spec with different content.
var ErrSpecExists = errors.New("spec: already exists with different content")

// Store reads and writes specification documents under one directory.
// Documents are never overwritten once written.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the directory holding the documents.
func (s *Store) Dir() string {
	return s.dir
}

// PathFor returns the document path for id.
func (s *Store) PathFor(id string) string {
	return filepath.Join(s.dir, id+".md")
}

// Write persists spec and returns its path. Writing identical content again
// succeeds; writing different content over an existing document fails.
func (s *Store) Write(sp Spec) (string, error) {
	data, err := Render(sp)
	if err != nil {
		return "", err
	}
	path := s.PathFor(sp.ID)
	existing, err := os.ReadFile(path)
	switch {
	case err == nil:
		if bytes.Equal(existing, data) {
			return path, nil
		}
		return path, faults.IO("write spec", path, ErrSpecExists)
	case !errors.Is(err, fs.ErrNotExist):
		return path, faults.IO("read spec", path, err)
	}
	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return path, faults.IO("write spec", path, err)
	}
	return path, nil
}

// Read parses the document at path.
func (s *Store) Read(path string) (Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, faults.IO("read spec", path, err)
	}
	sp, err := Parse(data)
	if err != nil {
		var malformed *faults.MalformedSpecError
		if errors.As(err, &malformed) {
			malformed.Path = path
		}
		return Spec{}, err
	}
	sp.Path = path
	return sp, nil
}

// Get reads the document for id.
func (s *Store) Get(id string) (Spec, error) {
	return s.Read(s.PathFor(id))
}

// Exists reports whether a document for id is on disk.
func (s *Store) Exists(id string) (bool, error) {
	ok, err := fsutil.Exists(s.PathFor(id))
	if err != nil {
		return false, faults.IO("stat spec", s.PathFor(id), err)
	}
	return ok, nil
}

// List returns every readable spec in filename order. Documents that fail to
// parse are reported in the second return value and skipped.
func (s *Store) List() ([]Spec, []error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, []error{faults.IO("list specs", s.dir, err)}
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".md" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	var (
		specs []Spec
		errs  []error
	)
	for _, name := range names {
		sp, err := s.Read(filepath.Join(s.dir, name))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		specs = append(specs, sp)
	}
	return specs, errs
}

// Children returns the readable specs whose parent is id, in filename order.
func (s *Store) Children(id string) []Spec {
	specs, _ := s.List()
	return ChildrenOf(specs, id)
}

// ChildrenOf filters an already loaded listing.
func ChildrenOf(specs []Spec, id string) []Spec {
	var children []Spec
	for _, sp := range specs {
		if sp.Parent == id {
			children = append(children, sp)
		}
	}
	return children
}

// Root walks parent links up to the top-level spec. A missing parent or a
// cycle stops the walk at the last spec reached.
func (s *Store) Root(sp Spec) (Spec, error) {
	seen := map[string]bool{sp.ID: true}
	current := sp
	for !current.IsTopLevel() {
		if seen[current.Parent] {
			return current, fmt.Errorf("spec: parent cycle at %s", current.ID)
		}
		parent, err := s.Get(current.Parent)
		if err != nil {
			return current, err
		}
		seen[parent.ID] = true
		current = parent
	}
	return current, nil
}

// IDFromPath returns the id stem of a document path.
func IDFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}
