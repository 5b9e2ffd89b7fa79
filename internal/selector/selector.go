// Package selector walks a repository working tree and decides which files are
// deployed for a set of active contexts, and where they land.
package selector

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/schaermu/serversync/internal/manifest"
	"github.com/schaermu/serversync/internal/tags"
)

// TemplateExt marks source files that are rendered before deployment.
const TemplateExt = ".tmpl"

// skipNames are repository metadata entries that are never deployed.
var skipNames = map[string]bool{
	".git":           true,
	".gitignore":     true,
	".gitattributes": true,
	".gitmodules":    true,
}

// SelectedFile pairs a source file in the mirror with its path relative to the
// destination root.
type SelectedFile struct {
	Source   string // absolute path in the mirror
	Rel      string // slash-separated path under the destination
	Template bool   // source is rendered, not copied

	constraints []tags.Constraint
	priority    int
}

// Walker produces the selection for a mirror.
type Walker struct {
	fs     afero.Fs
	logger *slog.Logger
}

// NewWalker creates a walker reading through fs. A nil logger discards output.
func NewWalker(fs afero.Fs, logger *slog.Logger) *Walker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Walker{fs: fs, logger: logger}
}

// Select returns the files under root that are selected for active, sorted by
// destination-relative path. When several sources map to the same destination,
// the one with more constraints wins, then the one matching a later active
// context, then the lexicographically smallest source.
func (w *Walker) Select(root string, active tags.Contexts) ([]SelectedFile, error) {
	m, err := manifest.Load(w.fs, root)
	if err != nil {
		return nil, err
	}

	byRel := make(map[string]SelectedFile)
	err = afero.Walk(w.fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}

		if skipNames[info.Name()] {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}
		if !info.Mode().IsRegular() {
			w.logger.Debug("skipping non-regular file", "source", p, "mode", info.Mode().String())
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("failed to compute relative path: %w", err)
		}
		rel = filepath.ToSlash(rel)
		if rel == manifest.FileName {
			return nil
		}

		f, ok := w.classify(p, rel, m, active)
		if !ok {
			return nil
		}
		if prev, exists := byRel[f.Rel]; exists {
			winner, loser := resolve(prev, f)
			w.logger.Debug("destination claimed by several sources",
				"dest", f.Rel, "source", winner.Source, "skipped", loser.Source)
			f = winner
		}
		byRel[f.Rel] = f
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}

	files := make([]SelectedFile, 0, len(byRel))
	for _, f := range byRel {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Rel < files[j].Rel
	})
	return files, nil
}

func (w *Walker) classify(source, rel string, m *manifest.Manifest, active tags.Contexts) (SelectedFile, bool) {
	if tags.ParsePath(path.Base(rel)).Dest == "" {
		w.logger.Debug("skipping file named only by a context marker", "source", source)
		return SelectedFile{}, false
	}

	p := tags.ParsePath(rel)
	if m.Ignored(rel) || m.Ignored(p.Dest) {
		w.logger.Debug("ignored by manifest", "source", source)
		return SelectedFile{}, false
	}

	constraints := append(p.Constraints, m.Constraints(p.Dest)...)
	if !tags.Satisfied(constraints, active) {
		return SelectedFile{}, false
	}

	f := SelectedFile{
		Source:      source,
		Rel:         p.Dest,
		constraints: constraints,
		priority:    tags.Priority(constraints, active),
	}
	if trimmed := strings.TrimSuffix(p.Dest, TemplateExt); trimmed != p.Dest && trimmed != "" && !strings.HasSuffix(trimmed, "/") {
		f.Rel = trimmed
		f.Template = true
	}
	return f, true
}

// resolve orders two candidates for one destination.
func resolve(a, b SelectedFile) (SelectedFile, SelectedFile) {
	switch {
	case len(a.constraints) != len(b.constraints):
		if len(a.constraints) > len(b.constraints) {
			return a, b
		}
		return b, a
	case a.priority != b.priority:
		if a.priority > b.priority {
			return a, b
		}
		return b, a
	case a.Source <= b.Source:
		return a, b
	}
	return b, a
}
