// Package file implements the resume-state store on a single local file with
// atomic replacement semantics.
package file

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/edgekit/updagent/pkg/log"
	"github.com/edgekit/updagent/pkg/persistence"
)

// StateStore persists the resume state as one JSON file. Writes go to a
// temporary file in the same directory followed by a rename, so a crash mid
// write leaves either the old document or none, never a torn one.
type StateStore struct {
	path   string
	logger *slog.Logger
}

func NewStateStore(path string) *StateStore {
	return &StateStore{
		path:   path,
		logger: log.WithModule("persistence.file"),
	}
}

func (s *StateStore) Save(state persistence.State) error {
	data, err := persistence.Encode(state)
	if err != nil {
		return &persistence.StateError{Op: "Save", Path: s.path, Err: err}
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &persistence.StateError{Op: "Save", Path: s.path, Err: err}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return &persistence.StateError{Op: "Save", Path: s.path, Err: err}
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return &persistence.StateError{Op: "Save", Path: s.path, Err: err}
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return &persistence.StateError{Op: "Save", Path: s.path, Err: err}
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)

		return &persistence.StateError{Op: "Save", Path: s.path, Err: err}
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)

		return &persistence.StateError{Op: "Save", Path: s.path, Err: err}
	}

	return nil
}

// Load reads and decodes the persisted document. An absent file is a normal
// fresh start; a corrupt or incomplete document is logged and treated the
// same way. Both surface as persistence.ErrNoState.
func (s *StateStore) Load() (persistence.State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return persistence.State{}, &persistence.StateError{
				Op:   "Load",
				Path: s.path,
				Err:  persistence.ErrNoState,
			}
		}

		return persistence.State{}, &persistence.StateError{Op: "Load", Path: s.path, Err: err}
	}

	state, err := persistence.Decode(data)
	if err != nil {
		s.logger.Warn("Discarding unusable persisted state", "path", s.path, "error", err)

		return persistence.State{}, fmt.Errorf("load persisted state %s: %w", s.path, err)
	}

	return state, nil
}

func (s *StateStore) Delete() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &persistence.StateError{Op: "Delete", Path: s.path, Err: err}
	}

	return nil
}
