// Package manifest reads the optional .server-sync.yaml file at the root of
// the repository. The manifest declares contexts for paths by glob instead of
// by renaming them, and lists paths that are never deployed.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gobwas/glob"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/serversync/internal/tags"
)

// FileName is the manifest location relative to the repository root.
const FileName = ".server-sync.yaml"

// Manifest is the parsed manifest file.
type Manifest struct {
	Rules  []Rule   `yaml:"rules"`
	Ignore []string `yaml:"ignore"`

	rules  []compiledRule
	ignore []glob.Glob
}

// Rule tags every path matching the glob with the given contexts.
type Rule struct {
	Match    string   `yaml:"match"`
	Contexts []string `yaml:"contexts"`
}

type compiledRule struct {
	glob       glob.Glob
	constraint tags.Constraint
}

// Load reads the manifest from root. A missing file yields an empty manifest.
func Load(fs afero.Fs, root string) (*Manifest, error) {
	data, err := afero.ReadFile(fs, filepath.Join(root, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", FileName, err)
	}
	return Parse(data)
}

// Parse decodes and compiles a manifest document.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse %s: %w", FileName, err)
	}

	for i, r := range m.Rules {
		if r.Match == "" {
			return nil, fmt.Errorf("%s: rule %d: match is required", FileName, i)
		}
		if len(r.Contexts) == 0 {
			return nil, fmt.Errorf("%s: rule %d (%s): contexts is required", FileName, i, r.Match)
		}
		for _, name := range r.Contexts {
			if !tags.ValidName(name) {
				return nil, fmt.Errorf("%s: rule %d (%s): invalid context name %q", FileName, i, r.Match, name)
			}
		}
		g, err := glob.Compile(r.Match, '/')
		if err != nil {
			return nil, fmt.Errorf("%s: rule %d: invalid pattern %q: %w", FileName, i, r.Match, err)
		}
		m.rules = append(m.rules, compiledRule{glob: g, constraint: tags.Constraint(r.Contexts)})
	}

	for _, pattern := range m.Ignore {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("%s: invalid ignore pattern %q: %w", FileName, pattern, err)
		}
		m.ignore = append(m.ignore, g)
	}

	return &m, nil
}

// Ignored reports whether the destination-relative path is excluded.
func (m *Manifest) Ignored(rel string) bool {
	for _, g := range m.ignore {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

// Constraints returns one constraint per rule matching the
// destination-relative path.
func (m *Manifest) Constraints(rel string) []tags.Constraint {
	var out []tags.Constraint
	for _, r := range m.rules {
		if r.glob.Match(rel) {
			out = append(out, r.constraint)
		}
	}
	return out
}
