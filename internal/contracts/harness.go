package contracts

import (
	"errors"

	"github.com/kingrea/cascade/internal/faults"
	"github.com/kingrea/cascade/internal/spec"
)

// ValidateStore validates every spec file in store. Files that fail to parse
// are reported with their parse error.
func ValidateStore(store *spec.Store) []Report {
	specs, errs := store.List()
	idx := NewIndex(specs)
	reports := make([]Report, 0, len(specs)+len(errs))
	for _, err := range errs {
		r := Report{Errors: []error{err}}
		var malformed *faults.MalformedSpecError
		if errors.As(err, &malformed) {
			r.Path = malformed.Path
			r.ID = spec.IDFromPath(malformed.Path)
		}
		reports = append(reports, r)
	}
	for _, sp := range specs {
		reports = append(reports, Report{
			Path:   sp.Path,
			ID:     sp.ID,
			Errors: ValidateSpec(sp, idx),
		})
	}
	return reports
}

// ValidateFile reads and validates one spec file against the rest of store.
func ValidateFile(store *spec.Store, path string) (*Report, error) {
	sp, err := store.Read(path)
	if err != nil {
		return nil, err
	}
	specs, _ := store.List()
	return &Report{
		Path:   path,
		ID:     sp.ID,
		Errors: ValidateSpec(sp, NewIndex(specs)),
	}, nil
}
