package contracts

import (
	"path/filepath"
	"strings"

	"github.com/kingrea/cascade/internal/fsutil"
	"github.com/kingrea/cascade/internal/spec"
)

// MissingOutputs lists the declared outputs of sp that do not exist under
// workDir after a run.
func MissingOutputs(workDir string, sp spec.Spec) []string {
	var missing []string
	for _, out := range sp.Outputs {
		name := strings.TrimSpace(out)
		if name == "" {
			continue
		}
		if ok, _ := fsutil.Exists(filepath.Join(workDir, filepath.FromSlash(name))); !ok {
			missing = append(missing, name)
		}
	}
	return missing
}
