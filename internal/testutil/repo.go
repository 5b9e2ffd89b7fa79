package testutil

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Repo is a non-bare repository in a temporary directory. go-git serves it to
// clients by its path, so it stands in for a remote.
type Repo struct {
	Dir  string
	Repo *gogit.Repository
}

// NewRepo initializes an empty repository whose HEAD is branch.
func NewRepo(t testing.TB, branch string) *Repo {
	t.Helper()
	dir := t.TempDir()
	repo, err := gogit.PlainInitWithOptions(dir, &gogit.PlainInitOptions{
		InitOptions: gogit.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName(branch)},
	})
	if err != nil {
		t.Fatalf("init repository: %v", err)
	}
	return &Repo{Dir: dir, Repo: repo}
}

// OpenRepo wraps an existing working copy, such as a mirror under test.
func OpenRepo(t testing.TB, dir string) *Repo {
	t.Helper()
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		t.Fatalf("open repository %s: %v", dir, err)
	}
	return &Repo{Dir: dir, Repo: repo}
}

// Commit writes files (slash-separated names) and commits them on the current
// branch. A nil entry removes the file. It returns the commit hash.
func (r *Repo) Commit(t testing.TB, files map[string]*string) string {
	t.Helper()
	wt, err := r.Repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if files[name] == nil {
			if _, err := wt.Remove(name); err != nil {
				t.Fatalf("remove %s: %v", name, err)
			}
			continue
		}
		path := filepath.Join(r.Dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(*files[name]), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := wt.Add(name); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}

	hash, err := wt.Commit("update", &gogit.CommitOptions{
		Author: &object.Signature{Name: "Test User", Email: "test@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return hash.String()
}

// CommitFiles is Commit for content-only changes.
func (r *Repo) CommitFiles(t testing.TB, files map[string]string) string {
	t.Helper()
	m := make(map[string]*string, len(files))
	for name, content := range files {
		content := content
		m[name] = &content
	}
	return r.Commit(t, m)
}

// Head returns the commit hash HEAD resolves to.
func (r *Repo) Head(t testing.TB) string {
	t.Helper()
	ref, err := r.Repo.Head()
	if err != nil {
		t.Fatalf("resolve HEAD: %v", err)
	}
	return ref.Hash().String()
}
