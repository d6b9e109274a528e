// Package contracts checks spec documents against the rules the stages rely
// on, and worker working areas against the outputs their specs declare.
package contracts

import (
	"github.com/kingrea/cascade/internal/spec"
)

// Report captures validation results for one spec file.
type Report struct {
	Path   string
	ID     string
	Errors []error
}

// IsValid reports whether the validation passed.
func (r *Report) IsValid() bool {
	return r != nil && len(r.Errors) == 0
}

// Index is the set of spec ids known to the store, with their parent.
type Index map[string]string

// NewIndex builds an Index from listed specs.
func NewIndex(specs []spec.Spec) Index {
	idx := make(Index, len(specs))
	for _, sp := range specs {
		idx[sp.ID] = sp.Parent
	}
	return idx
}

// isTeam reports whether id is a known top-level spec.
func (idx Index) isTeam(id string) bool {
	parent, ok := idx[id]
	return ok && parent == ""
}
