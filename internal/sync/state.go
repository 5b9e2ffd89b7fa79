package sync

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// State records what the last successful sync deployed.
type State struct {
	Commit       string                 `json:"commit"`
	Branch       string                 `json:"branch"`
	Contexts     []string               `json:"contexts"`
	Destination  string                 `json:"destination"`
	ManagedFiles map[string]ManagedFile `json:"managed_files"` // keyed by destination-relative path
}

// ManagedFile represents a deployed file under management
type ManagedFile struct {
	Hash string `json:"hash"` // SHA256 hash of the deployed content
}

func newState() *State {
	return &State{ManagedFiles: make(map[string]ManagedFile)}
}

// loadState loads the previous state from disk
func loadState(fs afero.Fs, path string) (*State, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return newState(), nil
		}
		return nil, err
	}

	state := newState()
	if err := json.Unmarshal(data, state); err != nil {
		return nil, err
	}
	if state.ManagedFiles == nil {
		state.ManagedFiles = make(map[string]ManagedFile)
	}
	return state, nil
}

// saveState persists the state to disk
func saveState(fs afero.Fs, path string, state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return afero.WriteFile(fs, path, data, 0644)
}
