// Package sync runs one sync: reconcile the mirror, select files for the
// active contexts, deploy them and record what was deployed.
package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"

	"github.com/schaermu/serversync/internal/config"
	"github.com/schaermu/serversync/internal/deploy"
	"github.com/schaermu/serversync/internal/git"
	"github.com/schaermu/serversync/internal/selector"
	"github.com/schaermu/serversync/internal/syncerr"
)

// Stage names a step of the sync.
type Stage string

const (
	StageMirror Stage = "mirror"
	StageSelect Stage = "select"
	StageDeploy Stage = "deploy"
	StagePrune  Stage = "prune"
	StageState  Stage = "state"
)

// StageError reports which stage a sync failed in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func fail(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// Options tunes a sync run.
type Options struct {
	DryRun bool
	Diff   io.Writer // print a diff of changed files when set
}

// Report summarizes a finished sync.
type Report struct {
	Commit   string
	Cloned   bool
	Selected int
	Written  int
	Changed  int
	Pruned   int
	DryRun   bool
}

// Engine orchestrates the sync process
type Engine struct {
	cfg    *config.Config
	git    git.Client
	fs     afero.Fs
	logger *slog.Logger
	opts   Options
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, gitClient git.Client, fs afero.Fs, logger *slog.Logger, opts Options) *Engine {
	return &Engine{
		cfg:    cfg,
		git:    gitClient,
		fs:     fs,
		logger: logger,
		opts:   opts,
	}
}

// Run executes the complete sync process. Stages run strictly in order and
// the first failure ends the run; files deployed before a failing file stay
// in place.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	e.logger.Info("starting sync",
		"repo", e.cfg.RedactedURL(),
		"branch", e.cfg.Repo.Branch,
		"contexts", e.cfg.Contexts.String(),
		"dest", e.cfg.Paths.Destination,
		"dry_run", e.opts.DryRun)

	unlock, err := e.lock()
	if err != nil {
		return nil, fail(StageMirror, err)
	}
	defer unlock()

	mirror, err := e.git.EnsureMirror(ctx, e.cfg.Repo.URL, e.cfg.Repo.Branch, e.cfg.Paths.RepoStorage)
	if err != nil {
		return nil, fail(StageMirror, err)
	}
	e.logger.Info("repository ready", "commit", mirror.Commit, "cloned", mirror.Cloned)
	report := &Report{Commit: mirror.Commit, Cloned: mirror.Cloned, DryRun: e.opts.DryRun}

	files, err := selector.NewWalker(e.fs, e.logger).Select(mirror.Root, e.cfg.Contexts)
	if err != nil {
		return nil, fail(StageSelect, err)
	}
	report.Selected = len(files)
	e.logger.Info("selected files", "count", len(files))

	prevState, err := loadState(e.fs, e.cfg.StateFilePath())
	if err != nil {
		e.logger.Warn("failed to load previous state (will treat as fresh sync)", "error", err)
		prevState = newState()
	}
	if prevState.Destination != "" && prevState.Destination != e.cfg.Paths.Destination {
		e.logger.Warn("destination changed since last sync, previous files are no longer managed",
			"previous", prevState.Destination)
		prevState = newState()
	}

	if err := ctx.Err(); err != nil {
		return nil, fail(StageDeploy, err)
	}

	writer := deploy.NewWriter(e.fs, e.logger,
		deploy.WithBackup(e.cfg.Sync.Backup),
		deploy.WithDiff(e.opts.Diff),
		deploy.WithTemplateData(deploy.TemplateData{
			Env:      e.cfg.Vars,
			Contexts: e.cfg.Contexts,
			Branch:   mirror.Branch,
			Commit:   mirror.Commit,
		}))

	if e.opts.DryRun {
		return e.dryRun(writer, files, prevState, report)
	}

	result, err := writer.Deploy(files, e.cfg.Paths.Destination, e.cfg.Owner.UID, e.cfg.Owner.GID)
	if err != nil {
		if result != nil {
			e.logger.Warn("deployment aborted", "written", result.Written, "remaining", len(files)-result.Written)
		}
		return nil, fail(StageDeploy, err)
	}
	report.Written = result.Written
	report.Changed = result.Changed

	state := e.buildState(prevState, result, mirror)

	if e.cfg.Sync.Prune {
		pruned, err := e.prune(prevState, state, result)
		if err != nil {
			return nil, fail(StagePrune, err)
		}
		report.Pruned = pruned
	}

	if err := saveState(e.fs, e.cfg.StateFilePath(), state); err != nil {
		return nil, fail(StageState, fmt.Errorf("failed to save state: %w", err))
	}

	e.logger.Info("sync completed successfully",
		"commit", report.Commit,
		"written", report.Written,
		"changed", report.Changed,
		"pruned", report.Pruned)
	return report, nil
}

// lock takes the run lock next to the mirror. A lock held by another run is
// reported as a mirror failure.
func (e *Engine) lock() (func(), error) {
	path := e.cfg.LockPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	if !locked {
		return nil, syncerr.NewMirrorError(syncerr.MirrorLocked,
			fmt.Errorf("%s is held by another sync", path))
	}

	return func() {
		if err := fl.Unlock(); err != nil {
			e.logger.Warn("failed to release lock", "path", path, "error", err)
		}
	}, nil
}

// dryRun logs what a sync would do without changing the destination.
func (e *Engine) dryRun(writer *deploy.Writer, files []selector.SelectedFile, prevState *State, report *Report) (*Report, error) {
	result, err := writer.Plan(files, e.cfg.Paths.Destination)
	if err != nil {
		return nil, fail(StageDeploy, err)
	}
	report.Written = result.Written
	report.Changed = result.Changed

	for _, f := range result.Files {
		if f.Changed {
			e.logger.Info("[dry-run] would write", "dest", f.Path)
		} else {
			e.logger.Debug("[dry-run] unchanged", "dest", f.Path)
		}
	}

	if e.cfg.Sync.Prune {
		selected := make(map[string]bool, len(result.Files))
		for _, f := range result.Files {
			selected[f.Rel] = true
		}
		for _, rel := range sortedKeys(prevState.ManagedFiles) {
			if !selected[rel] {
				e.logger.Info("[dry-run] would delete", "dest", e.destPath(rel))
				report.Pruned++
			}
		}
	}

	e.logger.Info("dry-run complete, no changes applied",
		"selected", report.Selected,
		"changed", report.Changed,
		"pruned", report.Pruned)
	return report, nil
}

// buildState creates the state recorded after a deployment. Previously
// managed files that are no longer selected stay managed until pruned.
func (e *Engine) buildState(prevState *State, result *deploy.Result, mirror *git.Mirror) *State {
	state := &State{
		Commit:       mirror.Commit,
		Branch:       mirror.Branch,
		Contexts:     e.cfg.Contexts,
		Destination:  e.cfg.Paths.Destination,
		ManagedFiles: make(map[string]ManagedFile, len(result.Files)),
	}

	for rel, managed := range prevState.ManagedFiles {
		state.ManagedFiles[rel] = managed
	}
	for _, f := range result.Files {
		state.ManagedFiles[f.Rel] = ManagedFile{Hash: f.Hash}
	}
	return state
}

func (e *Engine) destPath(rel string) string {
	return filepath.Join(e.cfg.Paths.Destination, filepath.FromSlash(rel))
}
