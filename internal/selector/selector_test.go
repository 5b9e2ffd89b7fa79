package selector

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/serversync/internal/manifest"
	"github.com/schaermu/serversync/internal/tags"
)

const root = "/mirror"

func memRepo(t *testing.T, files map[string]string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	for name, content := range files {
		require.NoError(t, afero.WriteFile(fs, filepath.Join(root, name), []byte(content), 0644))
	}
	return fs
}

func contexts(t *testing.T, s string) tags.Contexts {
	t.Helper()
	c, err := tags.ParseContexts(s)
	require.NoError(t, err)
	return c
}

func rels(files []SelectedFile) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Rel)
	}
	return out
}

func TestSelect(t *testing.T) {
	fs := memRepo(t, map[string]string{
		"a.txt":                  "a",
		"b.txt@prod":             "b",
		"etc/nginx@prod/x.conf":  "x",
		"etc/@dev/y.conf":        "y",
		"contexts/dev/z.conf":    "z",
		"contexts/prod/z.conf":   "z",
		"both@dev;prod":          "both",
		"user@example.com.conf":  "literal",
		".git/config":            "git",
		".gitignore":             "ignore",
		"sub/.gitmodules":        "modules",
		"sub/.git":               "gitdir: elsewhere",
		"sub/keep.txt":           "keep",
	})

	tests := []struct {
		name   string
		active string
		want   []string
	}{
		{
			name:   "dev",
			active: "dev",
			want:   []string{"a.txt", "both", "etc/y.conf", "sub/keep.txt", "user@example.com.conf", "z.conf"},
		},
		{
			name:   "prod",
			active: "prod",
			want:   []string{"a.txt", "b.txt", "both", "etc/nginx/x.conf", "sub/keep.txt", "user@example.com.conf", "z.conf"},
		},
		{
			name:   "unknown context gets untagged only",
			active: "staging",
			want:   []string{"a.txt", "sub/keep.txt", "user@example.com.conf"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files, err := NewWalker(fs, nil).Select(root, contexts(t, tt.active))
			require.NoError(t, err)
			assert.Equal(t, tt.want, rels(files))
		})
	}
}

func TestSelect_SourcePaths(t *testing.T) {
	fs := memRepo(t, map[string]string{"b.txt@prod": "b"})

	files, err := NewWalker(fs, nil).Select(root, contexts(t, "prod"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, filepath.Join(root, "b.txt@prod"), files[0].Source)
	assert.Equal(t, "b.txt", files[0].Rel)
	assert.False(t, files[0].Template)
}

func TestSelect_Deterministic(t *testing.T) {
	fs := memRepo(t, map[string]string{
		"z/1": "", "a/2": "", "m@dev/3": "", "b": "", "a/1@dev": "",
	})
	w := NewWalker(fs, nil)

	first, err := w.Select(root, contexts(t, "dev"))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := w.Select(root, contexts(t, "dev"))
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, []string{"a/1", "a/2", "b", "m/3", "z/1"}, rels(first))
}

func TestSelect_Collisions(t *testing.T) {
	tests := []struct {
		name   string
		files  []string
		active string
		want   string
	}{
		{
			name:   "tagged overrides untagged",
			files:  []string{"app.conf", "app.conf@prod"},
			active: "prod",
			want:   "app.conf@prod",
		},
		{
			name:   "untagged kept when tag inactive",
			files:  []string{"app.conf", "app.conf@prod"},
			active: "dev",
			want:   "app.conf",
		},
		{
			name:   "later context wins",
			files:  []string{"app.conf@prod", "app.conf@dev"},
			active: "prod;dev",
			want:   "app.conf@dev",
		},
		{
			name:   "order of contexts reversed",
			files:  []string{"app.conf@prod", "app.conf@dev"},
			active: "dev,prod",
			want:   "app.conf@prod",
		},
		{
			name:   "more constraints win",
			files:  []string{"etc@prod/app.conf", "etc@prod/app.conf@dev"},
			active: "prod;dev",
			want:   "etc@prod/app.conf@dev",
		},
		{
			name:   "smallest source breaks ties",
			files:  []string{"contexts/prod/app.conf", "app.conf@prod"},
			active: "prod",
			want:   "app.conf@prod",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files := make(map[string]string)
			for _, f := range tt.files {
				files[f] = f
			}
			fs := memRepo(t, files)

			selected, err := NewWalker(fs, nil).Select(root, contexts(t, tt.active))
			require.NoError(t, err)
			require.Len(t, selected, 1)
			assert.Equal(t, filepath.Join(root, tt.want), selected[0].Source)
		})
	}
}

func TestSelect_Templates(t *testing.T) {
	fs := memRepo(t, map[string]string{
		"app.conf.tmpl@prod": "{{ .Branch }}",
		"plain.tmpl":         "x",
		".tmpl":              "not a template",
		"dir/.tmpl@prod":     "not a template",
	})

	files, err := NewWalker(fs, nil).Select(root, contexts(t, "prod"))
	require.NoError(t, err)

	got := make(map[string]bool)
	for _, f := range files {
		got[f.Rel] = f.Template
	}
	assert.Equal(t, map[string]bool{
		"app.conf":  true,
		"plain":     true,
		".tmpl":     false,
		"dir/.tmpl": false,
	}, got)
}

func TestSelect_MarkerOnlyFileName(t *testing.T) {
	fs := memRepo(t, map[string]string{"dir/@prod": "x", "dir/keep": "k"})

	files, err := NewWalker(fs, nil).Select(root, contexts(t, "prod"))
	require.NoError(t, err)
	assert.Equal(t, []string{"dir/keep"}, rels(files))
}

func TestSelect_NestedTags(t *testing.T) {
	fs := memRepo(t, map[string]string{
		"etc@prod/x@dev":      "x",
		"contexts/prod/y@dev": "y",
		"srv@prod/app.env@eu": "env",
	})

	files, err := NewWalker(fs, nil).Select(root, contexts(t, "prod"))
	require.NoError(t, err)
	assert.Equal(t, []string{"etc/x", "srv/app.env", "y"}, rels(files))

	files, err = NewWalker(fs, nil).Select(root, contexts(t, "eu"))
	require.NoError(t, err)
	assert.Equal(t, []string{"srv/app.env"}, rels(files))

	files, err = NewWalker(fs, nil).Select(root, contexts(t, "qa"))
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestSelect_Manifest(t *testing.T) {
	fs := memRepo(t, map[string]string{
		manifest.FileName: `
rules:
  - match: "nginx/**"
    contexts: [prod]
ignore:
  - "README.md"
  - "docs/**"
`,
		"README.md":           "readme",
		"docs/guide.md":       "guide",
		"nginx/site.conf":     "site",
		"nginx/extra.conf@qa": "qa only",
		"other.txt":           "other",
	})

	// Manifest tags and marker tags form one set.
	files, err := NewWalker(fs, nil).Select(root, contexts(t, "prod"))
	require.NoError(t, err)
	assert.Equal(t, []string{"nginx/extra.conf", "nginx/site.conf", "other.txt"}, rels(files))

	files, err = NewWalker(fs, nil).Select(root, contexts(t, "qa"))
	require.NoError(t, err)
	assert.Equal(t, []string{"nginx/extra.conf", "other.txt"}, rels(files))

	files, err = NewWalker(fs, nil).Select(root, contexts(t, "dev"))
	require.NoError(t, err)
	assert.Equal(t, []string{"other.txt"}, rels(files))
}

func TestSelect_MalformedManifest(t *testing.T) {
	fs := memRepo(t, map[string]string{manifest.FileName: "rules: [{match: x}]"})

	_, err := NewWalker(fs, nil).Select(root, contexts(t, "prod"))
	assert.Error(t, err)
}

func TestSelect_MissingRoot(t *testing.T) {
	_, err := NewWalker(afero.NewMemMapFs(), nil).Select("/nowhere", contexts(t, "prod"))
	assert.Error(t, err)
}

func TestSelect_EmptyResult(t *testing.T) {
	fs := memRepo(t, map[string]string{"only@prod": "x"})

	files, err := NewWalker(fs, nil).Select(root, contexts(t, "dev"))
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestSelect_SkipsSymlinks(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "real.txt"), []byte("x"), 0644))
	require.NoError(t, os.Symlink("real.txt", filepath.Join(dir, "link.txt")))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "f"), []byte("f"), 0644))
	require.NoError(t, os.Symlink("sub", filepath.Join(dir, "linkdir")))

	files, err := NewWalker(afero.NewOsFs(), nil).Select(dir, contexts(t, "prod"))
	require.NoError(t, err)
	assert.Equal(t, []string{"real.txt", "sub/f"}, rels(files))
}
