package sync

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/afero"

	"github.com/schaermu/serversync/internal/deploy"
)

// prune deletes files deployed by an earlier sync that are not part of
// result. A file whose content no longer has the recorded hash was changed by
// someone else and is left in place. Directories are never removed. Pruned
// and vanished files are dropped from state.
func (e *Engine) prune(prevState, state *State, result *deploy.Result) (int, error) {
	current := make(map[string]bool, len(result.Files))
	for _, f := range result.Files {
		current[f.Rel] = true
	}

	pruned := 0
	for _, rel := range sortedKeys(prevState.ManagedFiles) {
		if current[rel] {
			continue
		}
		path := e.destPath(rel)

		content, err := afero.ReadFile(e.fs, path)
		if errors.Is(err, os.ErrNotExist) {
			delete(state.ManagedFiles, rel)
			continue
		}
		if err != nil {
			return pruned, fmt.Errorf("failed to read %s: %w", path, err)
		}

		delete(state.ManagedFiles, rel)
		if deploy.Hash(content) != prevState.ManagedFiles[rel].Hash {
			e.logger.Warn("not deleting file modified since it was deployed", "dest", path)
			continue
		}

		e.logger.Info("deleting file", "dest", path)
		if err := e.fs.Remove(path); err != nil && !os.IsNotExist(err) {
			return pruned, fmt.Errorf("failed to delete file %s: %w", path, err)
		}
		pruned++
	}
	return pruned, nil
}

func sortedKeys(m map[string]ManagedFile) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
