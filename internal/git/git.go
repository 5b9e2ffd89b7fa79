package git

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/pkg/errors"

	"github.com/schaermu/serversync/internal/config"
	"github.com/schaermu/serversync/internal/syncerr"
)

// RemoteName is the name given to the mirrored remote.
const RemoteName = gogit.DefaultRemoteName

// Client provides git operations for repository management
type Client interface {
	// EnsureMirror clones or updates dir so that its branch matches the
	// remote branch head exactly.
	EnsureMirror(ctx context.Context, url, branch, dir string) (*Mirror, error)
}

// Mirror describes the local working copy after a successful EnsureMirror.
type Mirror struct {
	Root   string
	Branch string
	Commit string
	Cloned bool
}

// GoGitClient implements Client with go-git, without a git binary.
type GoGitClient struct {
	sshKeyFile     string
	httpsTokenFile string
	logger         *slog.Logger
	progress       io.Writer
}

// NewClient creates a new git client. Credentials embedded in the URL are
// used when no key or token file is configured.
func NewClient(sshKeyFile, httpsTokenFile string, options ...Option) *GoGitClient {
	c := &GoGitClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

var (
	errNoMirror      = errors.New("no mirror present")
	errBrokenMirror  = errors.New("mirror is not a usable repository")
	errMissingBranch = errors.New("branch not found on remote")
)

// EnsureMirror clones, or fetches and hard-resets, the mirror at dir.
//
// A dir that does not exist or is empty is cloned. A dir holding a .git entry
// that go-git cannot open, or whose HEAD cannot be resolved, is deleted and
// cloned again. A non-empty dir without .git is never touched and fails with
// MirrorError{Corrupt}.
func (c *GoGitClient) EnsureMirror(ctx context.Context, url, branch, dir string) (*Mirror, error) {
	repo, err := c.open(dir)
	switch {
	case err == nil:
		return c.update(ctx, repo, url, branch, dir)
	case errors.Is(err, errNoMirror):
		return c.clone(ctx, url, branch, dir)
	case errors.Is(err, errBrokenMirror):
		c.logger.Warn("mirror is malformed, deleting and cloning again", "dir", dir, "error", err)
		if err := os.RemoveAll(dir); err != nil {
			return nil, syncerr.NewMirrorError(syncerr.MirrorCorrupt, errors.Wrapf(err, "delete malformed mirror %s", dir))
		}
		return c.clone(ctx, url, branch, dir)
	default:
		return nil, syncerr.NewMirrorError(syncerr.MirrorCorrupt, err)
	}
}

func (c *GoGitClient) open(dir string) (*gogit.Repository, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, errNoMirror
	}
	if err != nil {
		return nil, errors.Wrapf(err, "inspect %s", dir)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("%s is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", dir)
	}
	if len(entries) == 0 {
		return nil, errNoMirror
	}
	if _, err := os.Lstat(filepath.Join(dir, gogit.GitDirName)); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Errorf("%s is not empty and holds no repository", dir)
		}
		return nil, errors.Wrapf(err, "inspect %s", dir)
	}

	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return nil, errors.Wrap(errBrokenMirror, err.Error())
	}
	if _, err := repo.Head(); err != nil {
		return nil, errors.Wrap(errBrokenMirror, "unable to determine HEAD: "+err.Error())
	}
	if _, err := repo.Worktree(); err != nil {
		return nil, errors.Wrap(errBrokenMirror, "unable to open worktree: "+err.Error())
	}
	return repo, nil
}

func (c *GoGitClient) clone(ctx context.Context, url, branch, dir string) (*Mirror, error) {
	auth, err := c.authMethod(url)
	if err != nil {
		return nil, syncerr.NewMirrorError(syncerr.MirrorClone, err)
	}

	remote := gogit.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: RemoteName,
		URLs: []string{url},
	})
	if _, err := c.remoteHead(ctx, remote, branch, auth); err != nil {
		if errors.Is(err, errMissingBranch) {
			return nil, syncerr.NewMirrorError(syncerr.MirrorCheckoutMissingBranch, err)
		}
		return nil, syncerr.NewMirrorError(syncerr.MirrorClone, err)
	}

	// Clone the repository
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return nil, syncerr.NewMirrorError(syncerr.MirrorClone, errors.Wrap(err, "failed to create parent directory"))
	}
	_, statErr := os.Stat(dir)
	created := os.IsNotExist(statErr)

	c.logger.Info("cloning repository", "repo", config.RedactURL(url), "branch", branch, "dir", dir)
	repo, err := gogit.PlainCloneContext(ctx, dir, false, &gogit.CloneOptions{
		URL:           url,
		Auth:          auth,
		RemoteName:    RemoteName,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Tags:          gogit.NoTags,
		Progress:      c.progress,
	})
	if err != nil {
		c.discard(dir, created)
		return nil, syncerr.NewMirrorError(syncerr.MirrorClone, errors.Wrapf(err, "clone %s", config.RedactURL(url)))
	}

	head, err := repo.Head()
	if err != nil {
		c.discard(dir, created)
		return nil, syncerr.NewMirrorError(syncerr.MirrorClone, errors.Wrap(err, "resolve HEAD after clone"))
	}

	return &Mirror{Root: dir, Branch: branch, Commit: head.Hash().String(), Cloned: true}, nil
}

// discard removes what a failed clone left behind in dir.
func (c *GoGitClient) discard(dir string, created bool) {
	if created {
		_ = os.RemoveAll(dir)
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		_ = os.RemoveAll(filepath.Join(dir, e.Name()))
	}
}

func (c *GoGitClient) update(ctx context.Context, repo *gogit.Repository, url, branch, dir string) (*Mirror, error) {
	auth, err := c.authMethod(url)
	if err != nil {
		return nil, syncerr.NewMirrorError(syncerr.MirrorFetch, err)
	}

	remote, err := c.updateOrigin(repo, url)
	if err != nil {
		return nil, syncerr.NewMirrorError(syncerr.MirrorCorrupt, errors.Wrap(err, "update origin"))
	}

	if _, err := c.remoteHead(ctx, remote, branch, auth); err != nil {
		if errors.Is(err, errMissingBranch) {
			return nil, syncerr.NewMirrorError(syncerr.MirrorCheckoutMissingBranch, err)
		}
		return nil, syncerr.NewMirrorError(syncerr.MirrorFetch, err)
	}

	branchRef := plumbing.NewBranchReferenceName(branch)
	remoteRef := plumbing.NewRemoteReferenceName(RemoteName, branch)

	c.logger.Info("fetching repository", "repo", config.RedactURL(url), "branch", branch, "dir", dir)
	err = repo.FetchContext(ctx, &gogit.FetchOptions{
		RemoteName: RemoteName,
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec(fmt.Sprintf("+%s:%s", branchRef, remoteRef))},
		Auth:       auth,
		Tags:       gogit.NoTags,
		Force:      true,
		Progress:   c.progress,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return nil, syncerr.NewMirrorError(syncerr.MirrorFetch, errors.Wrapf(err, "fetch %s", config.RedactURL(url)))
	}

	ref, err := repo.Reference(remoteRef, true)
	if err != nil {
		return nil, syncerr.NewMirrorError(syncerr.MirrorFetch, errors.Wrapf(err, "resolve %s", remoteRef))
	}
	target := ref.Hash()

	// The mirror is disposable: force the local branch onto the remote head
	// and drop every local commit, modification and untracked file.
	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRef, target)); err != nil {
		return nil, syncerr.NewMirrorError(syncerr.MirrorCorrupt, errors.Wrapf(err, "set %s", branchRef))
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, syncerr.NewMirrorError(syncerr.MirrorCorrupt, errors.Wrap(err, "open worktree"))
	}
	if err := wt.Checkout(&gogit.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return nil, syncerr.NewMirrorError(syncerr.MirrorCorrupt, errors.Wrapf(err, "checkout %s", branch))
	}
	if err := wt.Reset(&gogit.ResetOptions{Commit: target, Mode: gogit.HardReset}); err != nil {
		return nil, syncerr.NewMirrorError(syncerr.MirrorCorrupt, errors.Wrapf(err, "reset to %s", target))
	}
	if err := wt.Clean(&gogit.CleanOptions{Dir: true}); err != nil {
		return nil, syncerr.NewMirrorError(syncerr.MirrorCorrupt, errors.Wrap(err, "clean worktree"))
	}

	head, err := repo.Head()
	if err != nil {
		return nil, syncerr.NewMirrorError(syncerr.MirrorCorrupt, errors.Wrap(err, "resolve HEAD"))
	}

	return &Mirror{Root: dir, Branch: branch, Commit: head.Hash().String()}, nil
}

// updateOrigin points the origin remote at url, recreating it when the
// configured URL differs.
func (c *GoGitClient) updateOrigin(repo *gogit.Repository, url string) (*gogit.Remote, error) {
	cfg := &gitconfig.RemoteConfig{
		Name: RemoteName,
		URLs: []string{url},
	}

	remote, err := repo.Remote(RemoteName)
	switch {
	case errors.Is(err, gogit.ErrRemoteNotFound):
		return repo.CreateRemote(cfg)
	case err != nil:
		return nil, err
	}

	urls := remote.Config().URLs
	if len(urls) == 1 && urls[0] == url {
		return remote, nil
	}
	c.logger.Info("updating origin", "repo", config.RedactURL(url))
	if err := repo.DeleteRemote(RemoteName); err != nil {
		return nil, err
	}
	return repo.CreateRemote(cfg)
}

// remoteHead lists the remote and returns the head of branch.
func (c *GoGitClient) remoteHead(ctx context.Context, remote *gogit.Remote, branch string, auth transport.AuthMethod) (plumbing.Hash, error) {
	refs, err := remote.ListContext(ctx, &gogit.ListOptions{Auth: auth})
	if err != nil {
		if errors.Is(err, transport.ErrEmptyRemoteRepository) {
			return plumbing.ZeroHash, errors.Wrapf(errMissingBranch, "%s (remote is empty)", branch)
		}
		return plumbing.ZeroHash, errors.Wrap(err, "list remote references")
	}

	name := plumbing.NewBranchReferenceName(branch)
	for _, ref := range refs {
		if ref.Name() == name && ref.Type() == plumbing.HashReference {
			return ref.Hash(), nil
		}
	}
	return plumbing.ZeroHash, errors.Wrap(errMissingBranch, branch)
}

// authMethod selects the go-git auth method for url.
func (c *GoGitClient) authMethod(url string) (transport.AuthMethod, error) {
	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		auth, err := gitssh.NewPublicKeysFromFile("git", c.sshKeyFile, "")
		if err != nil {
			return nil, errors.Wrap(err, "failed to load SSH key")
		}
		return auth, nil
	}

	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read HTTPS token file")
		}
		return &githttp.BasicAuth{
			Username: "x-access-token",
			Password: strings.TrimSpace(string(token)),
		}, nil
	}

	return nil, nil
}
