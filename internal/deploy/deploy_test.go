package deploy

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/fatih/color"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/serversync/internal/selector"
	"github.com/schaermu/serversync/internal/syncerr"
)

const (
	mirror = "/mirror"
	dest   = "/dest"
	uid    = 1234
	gid    = 4321
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

// recordingFs remembers the owner applied to every path, following renames.
type recordingFs struct {
	afero.Fs
	owners   map[string][2]int
	chownErr error
}

func newRecordingFs() *recordingFs {
	return &recordingFs{Fs: afero.NewMemMapFs(), owners: make(map[string][2]int)}
}

func (r *recordingFs) Chown(name string, uid, gid int) error {
	if r.chownErr != nil {
		return r.chownErr
	}
	r.owners[name] = [2]int{uid, gid}
	return r.Fs.Chown(name, uid, gid)
}

func (r *recordingFs) Rename(oldname, newname string) error {
	if err := r.Fs.Rename(oldname, newname); err != nil {
		return err
	}
	if owner, ok := r.owners[oldname]; ok {
		r.owners[newname] = owner
		delete(r.owners, oldname)
	} else {
		delete(r.owners, newname)
	}
	return nil
}

func source(t *testing.T, fs afero.Fs, name, content string, perm os.FileMode) selector.SelectedFile {
	t.Helper()
	path := filepath.Join(mirror, name)
	require.NoError(t, afero.WriteFile(fs, path, []byte(content), perm))
	require.NoError(t, fs.Chmod(path, perm))
	return selector.SelectedFile{Source: path, Rel: name}
}

func readFile(t *testing.T, fs afero.Fs, path string) string {
	t.Helper()
	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	return string(data)
}

func TestDeploy(t *testing.T) {
	fs := newRecordingFs()
	require.NoError(t, fs.MkdirAll(filepath.Join(dest, "etc"), 0755))
	files := []selector.SelectedFile{
		source(t, fs, "etc/a.conf", "a", 0644),
		source(t, fs, "new/sub/b.sh", "b", 0755),
	}

	result, err := NewWriter(fs, nil).Deploy(files, dest, uid, gid)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Written)
	assert.Equal(t, 2, result.Changed)
	assert.Equal(t, "a", readFile(t, fs, "/dest/etc/a.conf"))
	assert.Equal(t, "b", readFile(t, fs, "/dest/new/sub/b.sh"))

	info, err := fs.Stat("/dest/new/sub/b.sh")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())

	assert.Equal(t, map[string][2]int{
		"/dest/etc/a.conf":   {uid, gid},
		"/dest/new":          {uid, gid},
		"/dest/new/sub":      {uid, gid},
		"/dest/new/sub/b.sh": {uid, gid},
	}, fs.owners)

	require.Len(t, result.Files, 2)
	assert.Equal(t, File{Rel: "etc/a.conf", Path: "/dest/etc/a.conf", Hash: Hash([]byte("a")), Changed: true}, result.Files[0])

	// No temporary files are left behind.
	entries, err := afero.ReadDir(fs, "/dest/etc")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDeploy_CreatesDestination(t *testing.T) {
	fs := newRecordingFs()
	files := []selector.SelectedFile{source(t, fs, "a.txt", "a", 0644)}

	_, err := NewWriter(fs, nil).Deploy(files, "/srv/app", uid, gid)
	require.NoError(t, err)

	assert.Equal(t, "a", readFile(t, fs, "/srv/app/a.txt"))
	assert.Contains(t, fs.owners, "/srv/app")
	assert.Contains(t, fs.owners, "/srv")
}

func TestDeploy_OverwritesStaleFile(t *testing.T) {
	fs := newRecordingFs()
	require.NoError(t, afero.WriteFile(fs, "/dest/a.txt", []byte("stale"), 0600))
	require.NoError(t, fs.Fs.Chown("/dest/a.txt", 1, 1))
	files := []selector.SelectedFile{source(t, fs, "a.txt", "fresh", 0644)}

	result, err := NewWriter(fs, nil).Deploy(files, dest, uid, gid)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Changed)
	assert.Equal(t, "fresh", readFile(t, fs, "/dest/a.txt"))
	assert.Equal(t, [2]int{uid, gid}, fs.owners["/dest/a.txt"])
	assert.NotContains(t, fs.owners, dest)

	info, err := fs.Stat("/dest/a.txt")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())
}

func TestDeploy_Idempotent(t *testing.T) {
	fs := newRecordingFs()
	files := []selector.SelectedFile{
		source(t, fs, "a.txt", "a", 0644),
		source(t, fs, "d/b.txt", "b", 0644),
	}
	w := NewWriter(fs, nil)

	first, err := w.Deploy(files, dest, uid, gid)
	require.NoError(t, err)
	second, err := w.Deploy(files, dest, uid, gid)
	require.NoError(t, err)

	assert.Equal(t, first.Written, second.Written)
	assert.Equal(t, 0, second.Changed)
	for i := range first.Files {
		assert.Equal(t, first.Files[i].Hash, second.Files[i].Hash)
		assert.False(t, second.Files[i].Changed)
	}
}

func TestDeploy_Backup(t *testing.T) {
	fs := newRecordingFs()
	require.NoError(t, afero.WriteFile(fs, "/dest/changed.conf", []byte("old"), 0640))
	require.NoError(t, afero.WriteFile(fs, "/dest/same.conf", []byte("same"), 0644))
	files := []selector.SelectedFile{
		source(t, fs, "changed.conf", "new", 0644),
		source(t, fs, "new.conf", "n", 0644),
		source(t, fs, "same.conf", "same", 0644),
	}

	_, err := NewWriter(fs, nil, WithBackup(true)).Deploy(files, dest, uid, gid)
	require.NoError(t, err)

	assert.Equal(t, "old", readFile(t, fs, "/dest/changed.conf.bak"))
	assert.Equal(t, [2]int{uid, gid}, fs.owners["/dest/changed.conf.bak"])
	info, err := fs.Stat("/dest/changed.conf.bak")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0640), info.Mode().Perm())

	for _, name := range []string{"/dest/new.conf.bak", "/dest/same.conf.bak"} {
		_, err := fs.Stat(name)
		assert.True(t, os.IsNotExist(err), name)
	}
}

func TestDeploy_OwnershipError(t *testing.T) {
	fs := newRecordingFs()
	fs.chownErr = syscall.EPERM
	files := []selector.SelectedFile{source(t, fs, "a.txt", "a", 0644)}
	require.NoError(t, fs.MkdirAll(dest, 0755))

	_, err := NewWriter(fs, nil).Deploy(files, dest, uid, gid)
	require.Error(t, err)
	assert.True(t, syncerr.IsDeployKind(err, syncerr.DeployOwnership), "got %v", err)
	assert.True(t, errors.Is(err, syscall.EPERM))

	// The destination is not replaced with an unowned file.
	_, err = fs.Stat("/dest/a.txt")
	assert.True(t, os.IsNotExist(err))
}

func TestDeploy_StopsAtFirstFailure(t *testing.T) {
	fs := newRecordingFs()
	require.NoError(t, fs.MkdirAll("/dest/blocked", 0755))
	files := []selector.SelectedFile{
		source(t, fs, "a.txt", "a", 0644),
		source(t, fs, "blocked", "b", 0644),
		source(t, fs, "c.txt", "c", 0644),
	}

	result, err := NewWriter(fs, nil).Deploy(files, dest, uid, gid)
	require.Error(t, err)
	assert.True(t, syncerr.IsDeployKind(err, syncerr.DeployWrite), "got %v", err)

	var de *syncerr.DeployError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "/dest/blocked", de.Path)

	assert.Equal(t, 1, result.Written)
	assert.Equal(t, "a", readFile(t, fs, "/dest/a.txt"))
	_, err = fs.Stat("/dest/c.txt")
	assert.True(t, os.IsNotExist(err))
}

func TestDeploy_Templates(t *testing.T) {
	fs := newRecordingFs()
	f := source(t, fs, "app.conf.tmpl", "name={{ .Env.APP_NAME | upper }}\nbranch={{ .Branch }}\nctx={{ join \",\" .Contexts }}\ncommit={{ .Commit | trunc 7 }}\n", 0644)
	f.Rel = "app.conf"
	f.Template = true

	w := NewWriter(fs, nil, WithTemplateData(TemplateData{
		Env:      map[string]string{"APP_NAME": "web"},
		Contexts: []string{"prod", "dev"},
		Branch:   "main",
		Commit:   "0123456789abcdef",
	}))
	result, err := w.Deploy([]selector.SelectedFile{f}, dest, uid, gid)
	require.NoError(t, err)

	want := "name=WEB\nbranch=main\nctx=prod,dev\ncommit=0123456\n"
	assert.Equal(t, want, readFile(t, fs, "/dest/app.conf"))
	assert.Equal(t, Hash([]byte(want)), result.Files[0].Hash)
}

func TestDeploy_TemplateErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{name: "missing key", src: "{{ .Env.MISSING }}"},
		{name: "syntax", src: "{{ .Env"},
		{name: "unknown field", src: "{{ .Nope }}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newRecordingFs()
			f := source(t, fs, "x.tmpl", tt.src, 0644)
			f.Rel = "x"
			f.Template = true

			_, err := NewWriter(fs, nil, WithTemplateData(TemplateData{Env: map[string]string{}})).
				Deploy([]selector.SelectedFile{f}, dest, uid, gid)
			assert.True(t, syncerr.IsDeployKind(err, syncerr.DeployRender), "got %v", err)
			_, err = fs.Stat("/dest/x")
			assert.True(t, os.IsNotExist(err))
		})
	}
}

func TestDeploy_Diff(t *testing.T) {
	fs := newRecordingFs()
	require.NoError(t, afero.WriteFile(fs, "/dest/a.conf", []byte("port=80\n"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/dest/same.conf", []byte("same\n"), 0644))
	files := []selector.SelectedFile{
		source(t, fs, "a.conf", "port=8080\n", 0644),
		source(t, fs, "same.conf", "same\n", 0644),
	}

	var buf bytes.Buffer
	_, err := NewWriter(fs, nil, WithDiff(&buf)).Deploy(files, dest, uid, gid)
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "-port=80\n+port=8080\n")
	assert.NotContains(t, buf.String(), "same.conf")
}

func TestPlan(t *testing.T) {
	fs := newRecordingFs()
	require.NoError(t, afero.WriteFile(fs, "/dest/same.txt", []byte("same"), 0644))
	files := []selector.SelectedFile{
		source(t, fs, "new.txt", "n", 0644),
		source(t, fs, "same.txt", "same", 0644),
	}

	result, err := NewWriter(fs, nil).Plan(files, dest)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Written)
	assert.Equal(t, 1, result.Changed)
	assert.True(t, result.Files[0].Changed)
	assert.False(t, result.Files[1].Changed)
	assert.Empty(t, fs.owners)
	_, err = fs.Stat("/dest/new.txt")
	assert.True(t, os.IsNotExist(err))
}

func TestHash(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Hash(nil))
}
