package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
)

// StartDir returns the deterministic per-start state directory path
// for id under envDir: start_<timestamp>_<storepath-hash> (spec.md §4.5
// step 1, §6 filesystem layout).
func StartDir(envDir string, id StartIdentifier) string {
	sum := sha256.Sum256([]byte(id.StorePath))
	return filepath.Join(envDir, fmt.Sprintf("start_%d_%s", id.TimestampMs, hex.EncodeToString(sum[:])[:8]))
}
