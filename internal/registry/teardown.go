package registry

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Graveyard renames envDir to a uniquely-suffixed name so that a racing
// invocation which creates a lock file inside envDir after cleanup has
// started but before the directory itself is gone can never observe a
// half-removed directory (spec.md §4.6 cleanup step c). The PID alone
// would disambiguate two cleanups from different executives, but a
// reused PID across crash-and-restart makes that collision possible in
// principle, so a random suffix is added too.
func Graveyard(envDir string, executivePID int) (string, error) {
	graveyard := fmt.Sprintf("%s.cleanup.%d.%s", envDir, executivePID, uuid.NewString())
	if err := os.Rename(envDir, graveyard); err != nil {
		return "", fmt.Errorf("renaming %s to graveyard: %w", envDir, err)
	}
	return graveyard, nil
}

// RemoveGraveyard recursively removes a directory already renamed by
// Graveyard. Failure here is best-effort: the spec treats it as
// CleanupBestEffort, since the rename already made the original path
// available for reuse.
func RemoveGraveyard(graveyard string) error {
	return os.RemoveAll(graveyard)
}
