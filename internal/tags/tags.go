// Package tags implements the context tag convention used to select which
// repository files belong to which deployment contexts.
//
// A path segment may end with a marker of the form "@tag[,tag...]" (';' is
// accepted as a separator too). Every tagged segment declares one constraint,
// and a path is selected when the union of the tags it declares contains at
// least one active context. The marker is removed from the deployed path, and a segment made of
// a marker only ("@prod/") disappears entirely. A top-level "contexts/<name>/"
// prefix is treated as a marker for <name>.
package tags

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// IncludeUntagged is the fixed policy for paths that declare no tags: they are
// deployed for every set of active contexts.
const IncludeUntagged = true

// ContextsDir is the top-level directory whose children are context roots.
const ContextsDir = "contexts"

// Marker separates a segment name from its tag list.
const Marker = "@"

var validName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidName reports whether name can be used as a context tag.
func ValidName(name string) bool {
	return validName.MatchString(name)
}

// Contexts is the ordered list of active context names. Later entries take
// precedence when two files compete for the same destination.
type Contexts []string

// ParseContexts splits a ';' or ',' delimited list of context names. Blank
// entries are dropped and duplicates keep their first position.
func ParseContexts(s string) (Contexts, error) {
	var out Contexts
	seen := make(map[string]bool)
	for _, name := range splitList(s) {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if !ValidName(name) {
			return nil, fmt.Errorf("invalid context name %q", name)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no context names in %q", s)
	}
	return out, nil
}

// Index returns the position of name in c, or -1.
func (c Contexts) Index(name string) int {
	for i, n := range c {
		if n == name {
			return i
		}
	}
	return -1
}

func (c Contexts) String() string {
	return strings.Join(c, ";")
}

// Constraint is the tag set declared by a single marker or manifest rule.
type Constraint []string

// Path is a repository-relative path split into its deployed form and the
// constraints its markers declare.
type Path struct {
	Source      string
	Dest        string
	Constraints []Constraint
}

// Tagged reports whether the path declares at least one constraint.
func (p Path) Tagged() bool {
	return len(p.Constraints) > 0
}

// ParsePath extracts the markers from a slash-separated relative path.
func ParsePath(rel string) Path {
	p := Path{Source: rel}
	segs := strings.Split(rel, "/")

	if len(segs) >= 3 && segs[0] == ContextsDir && ValidName(segs[1]) {
		p.Constraints = append(p.Constraints, Constraint{segs[1]})
		segs = segs[2:]
	}

	kept := make([]string, 0, len(segs))
	for _, seg := range segs {
		name, c, ok := parseSegment(seg)
		if !ok {
			kept = append(kept, seg)
			continue
		}
		p.Constraints = append(p.Constraints, c)
		if name != "" {
			kept = append(kept, name)
		}
	}
	p.Dest = strings.Join(kept, "/")
	return p
}

func parseSegment(seg string) (string, Constraint, bool) {
	i := strings.LastIndex(seg, Marker)
	if i < 0 {
		return "", nil, false
	}
	name := seg[:i]
	if name == "." || name == ".." {
		return "", nil, false
	}
	list := splitList(seg[i+len(Marker):])
	if len(list) == 0 {
		return "", nil, false
	}
	for _, tag := range list {
		if !ValidName(tag) {
			return "", nil, false
		}
	}
	return name, Constraint(list), true
}

func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ';' || r == ','
	})
}

// Satisfied reports whether the tags declared by constraints, taken together,
// intersect active. A path with no constraints follows IncludeUntagged.
func Satisfied(constraints []Constraint, active Contexts) bool {
	if len(constraints) == 0 {
		return IncludeUntagged
	}
	for _, c := range constraints {
		if intersects(c, active) {
			return true
		}
	}
	return false
}

func intersects(c Constraint, active Contexts) bool {
	for _, tag := range c {
		if active.Index(tag) >= 0 {
			return true
		}
	}
	return false
}

// Matches reports whether the repository path p is selected for active.
func Matches(p string, active Contexts) bool {
	return Satisfied(ParsePath(path.Clean(p)).Constraints, active)
}

// Priority returns the highest position in active of any tag named by
// constraints, or -1 when none matches.
func Priority(constraints []Constraint, active Contexts) int {
	best := -1
	for _, c := range constraints {
		for _, tag := range c {
			if i := active.Index(tag); i > best {
				best = i
			}
		}
	}
	return best
}
