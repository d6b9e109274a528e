package contracts

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/kingrea/cascade/internal/spec"
)

// ValidateSpec checks a parsed spec. idx resolves parents; a nil idx skips
// the parent checks.
func ValidateSpec(sp spec.Spec, idx Index) []error {
	var errs []error
	id := strings.TrimSpace(sp.ID)
	switch {
	case id == "":
		errs = append(errs, fmt.Errorf("id is required"))
	case spec.Slug(id) != id:
		errs = append(errs, fmt.Errorf("id %q is not a slug (want %q)", id, spec.Slug(id)))
	}
	if sp.Path != "" && id != "" && filepath.Base(sp.Path) != sp.FileName() {
		errs = append(errs, fmt.Errorf("file name %s does not match id %q", filepath.Base(sp.Path), id))
	}
	if sp.Version < 1 {
		errs = append(errs, fmt.Errorf("version must be >= 1"))
	}
	if strings.TrimSpace(sp.Mission) == "" {
		errs = append(errs, fmt.Errorf("mission is required"))
	}

	if !sp.IsTopLevel() {
		parent := strings.TrimSpace(sp.Parent)
		switch {
		case parent == id:
			errs = append(errs, fmt.Errorf("parent must differ from id"))
		case idx == nil:
		case !idx.isTeam(parent):
			if _, ok := idx[parent]; ok {
				errs = append(errs, fmt.Errorf("parent %q is not a team spec", parent))
			} else {
				errs = append(errs, fmt.Errorf("parent %q not found", parent))
			}
		}
	}

	errs = append(errs, validatePaths("inputs", sp.Inputs)...)
	errs = append(errs, validatePaths("outputs", sp.Outputs)...)
	return errs
}

// validatePaths requires relative, non-escaping, unique paths.
func validatePaths(field string, paths []string) []error {
	var errs []error
	seen := map[string]struct{}{}
	for index, raw := range paths {
		p := strings.TrimSpace(raw)
		if p == "" {
			errs = append(errs, fmt.Errorf("%s[%d] is empty", field, index))
			continue
		}
		clean := path.Clean(filepath.ToSlash(p))
		if path.IsAbs(clean) || filepath.IsAbs(p) {
			errs = append(errs, fmt.Errorf("%s[%d] %q must be relative", field, index, p))
			continue
		}
		if clean == ".." || strings.HasPrefix(clean, "../") {
			errs = append(errs, fmt.Errorf("%s[%d] %q escapes the working area", field, index, p))
			continue
		}
		if _, dup := seen[clean]; dup {
			errs = append(errs, fmt.Errorf("%s[%d] duplicates %q", field, index, p))
			continue
		}
		seen[clean] = struct{}{}
	}
	return errs
}
