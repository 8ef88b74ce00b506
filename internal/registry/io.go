package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flox/flactivate/internal/activationerrors"
	"github.com/flox/flactivate/internal/filelock"
)

const (
	stateFileName = "state.json"
	lockFileName  = "state.lock"
)

// EnvDir derives the deterministic per-environment directory under
// runtimeDir from a hash of the environment's on-disk identity
// (spec.md §3 "a deterministic runtime path derived from a hash of the
// environment's on-disk identity").
func EnvDir(runtimeDir, envIdentity string) string {
	sum := sha256.Sum256([]byte(envIdentity))
	return filepath.Join(runtimeDir, hex.EncodeToString(sum[:])[:16])
}

// Locked is a State read under its document's lock. The lock must be
// held (and eventually released, via Unlock or Write) for the duration
// of any read-modify-write cycle, per spec.md §4.2.
type Locked struct {
	State   *State // nil if no document existed yet
	EnvDir  string
	lock    *filelock.Handle
}

// Unlock releases the lock without writing. Used by read-only callers
// and by callers who decide not to mutate after all.
func (l *Locked) Unlock() error {
	if l.lock == nil {
		return nil
	}
	err := l.lock.Release()
	l.lock = nil
	return err
}

// Read acquires envDir's lock and reads state.json if present. Absence
// of the document is not an error: Locked.State is nil and the caller
// is expected to construct a fresh State via New (spec.md §4.2).
func Read(envDir string) (*Locked, error) {
	lockPath := filepath.Join(envDir, lockFileName)
	h, err := filelock.Acquire(lockPath)
	if err != nil {
		return nil, &activationerrors.LockUnavailable{Path: lockPath, Err: err}
	}

	statePath := filepath.Join(envDir, stateFileName)
	data, err := os.ReadFile(statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Locked{State: nil, EnvDir: envDir, lock: h}, nil
		}
		_ = h.Release()
		return nil, &activationerrors.RegistryIO{Path: statePath, Err: err}
	}

	var raw struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		_ = h.Release()
		return nil, &activationerrors.StateSchemaError{Path: statePath, Err: err}
	}
	if raw.Version > CurrentVersion {
		_ = h.Release()
		return nil, &activationerrors.StateSchemaError{
			Path: statePath, FoundVersion: raw.Version, WantMaxVersion: CurrentVersion,
		}
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		_ = h.Release()
		return nil, &activationerrors.StateSchemaError{Path: statePath, Err: err}
	}
	if s.Attachments == nil {
		s.Attachments = make(map[string][]Attachment)
	}
	if s.Ready == nil {
		s.Ready = make(map[string]bool)
	}

	return &Locked{State: &s, EnvDir: envDir, lock: h}, nil
}

// Write atomically replaces envDir's state.json with state and
// releases the lock held by l. Per spec.md §3 invariant 6, the
// directory always exists once the document does; per §6, the write
// goes through a sibling temp file and a rename.
func Write(state *State, l *Locked) error {
	defer func() {
		if l.lock != nil {
			_ = l.lock.Release()
			l.lock = nil
		}
	}()

	if err := os.MkdirAll(l.EnvDir, 0700); err != nil {
		return &activationerrors.RegistryIO{Path: l.EnvDir, Err: fmt.Errorf("creating env dir: %w", err)}
	}

	data, err := json.Marshal(state)
	if err != nil {
		return &activationerrors.RegistryIO{Path: l.EnvDir, Err: fmt.Errorf("marshal state: %w", err)}
	}

	statePath := filepath.Join(l.EnvDir, stateFileName)
	tmpPath := statePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return &activationerrors.RegistryIO{Path: statePath, Err: fmt.Errorf("writing temp state file: %w", err)}
	}
	if err := os.Rename(tmpPath, statePath); err != nil {
		return &activationerrors.RegistryIO{Path: statePath, Err: fmt.Errorf("renaming state file: %w", err)}
	}
	return nil
}
