// Package deploy materializes selected repository files under the destination
// directory with the configured ownership.
package deploy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/schaermu/serversync/internal/diff"
	"github.com/schaermu/serversync/internal/selector"
	"github.com/schaermu/serversync/internal/syncerr"
)

// BackupSuffix is appended to the name of a replaced file when backups are on.
const BackupSuffix = ".bak"

const dirPerm = 0755

// Writer copies selected files into a destination tree.
type Writer struct {
	fs     afero.Fs
	logger *slog.Logger
	backup bool
	diff   io.Writer
	data   TemplateData
}

// Option configures a Writer.
type Option func(*Writer)

// WithBackup keeps the previous content of changed files next to them.
func WithBackup(enabled bool) Option {
	return func(w *Writer) {
		w.backup = enabled
	}
}

// WithDiff prints a diff of every changed file to out.
func WithDiff(out io.Writer) Option {
	return func(w *Writer) {
		w.diff = out
	}
}

// WithTemplateData sets the data templates are rendered with.
func WithTemplateData(data TemplateData) Option {
	return func(w *Writer) {
		w.data = data
	}
}

// NewWriter creates a writer operating on fs. A nil logger discards output.
func NewWriter(fs afero.Fs, logger *slog.Logger, options ...Option) *Writer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	w := &Writer{fs: fs, logger: logger}
	for _, opt := range options {
		opt(w)
	}
	return w
}

// File describes one destination file of a deployment.
type File struct {
	Rel     string // slash-separated path under the destination
	Path    string // absolute destination path
	Hash    string // sha256 of the deployed content
	Changed bool   // content differs from what was there before, or is new
}

// Result summarizes a deployment.
type Result struct {
	Written int
	Changed int
	Files   []File
}

func (r *Result) add(f File) {
	r.Written++
	if f.Changed {
		r.Changed++
	}
	r.Files = append(r.Files, f)
}

// Deploy writes every file to destination, unconditionally overwriting what is
// there, and chowns each written file and each directory it creates to
// uid:gid. It stops at the first failing file; files written before it stay in
// place and are reported in the returned result.
func (w *Writer) Deploy(files []selector.SelectedFile, destination string, uid, gid int) (*Result, error) {
	result := &Result{Files: make([]File, 0, len(files))}
	for _, f := range files {
		df, err := w.deployFile(f, destination, uid, gid)
		if err != nil {
			return result, err
		}
		result.add(df)
	}
	return result, nil
}

// Plan computes what Deploy would change without touching the destination.
func (w *Writer) Plan(files []selector.SelectedFile, destination string) (*Result, error) {
	result := &Result{Files: make([]File, 0, len(files))}
	for _, f := range files {
		c, err := w.prepare(f, destination)
		if err != nil {
			return result, err
		}
		if err := w.printDiff(c); err != nil {
			return result, err
		}
		result.add(c.file())
	}
	return result, nil
}

// change holds everything known about one file before it is written.
type change struct {
	rel     string
	target  string
	content []byte
	perm    os.FileMode
	old     []byte
	oldPerm os.FileMode
	exists  bool
}

func (c *change) changed() bool {
	return !c.exists || !bytes.Equal(c.old, c.content)
}

func (c *change) file() File {
	return File{Rel: c.rel, Path: c.target, Hash: Hash(c.content), Changed: c.changed()}
}

func (w *Writer) prepare(f selector.SelectedFile, destination string) (*change, error) {
	target := filepath.Join(destination, filepath.FromSlash(f.Rel))

	info, err := w.fs.Stat(f.Source)
	if err != nil {
		return nil, syncerr.NewDeployError(syncerr.DeployWrite, target, err)
	}
	content, err := afero.ReadFile(w.fs, f.Source)
	if err != nil {
		return nil, syncerr.NewDeployError(syncerr.DeployWrite, target, err)
	}
	if f.Template {
		content, err = render(f.Rel, content, w.data)
		if err != nil {
			return nil, syncerr.NewDeployError(syncerr.DeployRender, target, err)
		}
	}

	c := &change{rel: f.Rel, target: target, content: content, perm: info.Mode().Perm()}

	// Stat errors other than a directory in the way surface with context once
	// the parent directories are created.
	if existing, err := w.fs.Stat(target); err == nil {
		if existing.IsDir() {
			return nil, syncerr.NewDeployError(syncerr.DeployWrite, target, errors.New("destination is a directory"))
		}
		c.old, err = afero.ReadFile(w.fs, target)
		if err != nil {
			return nil, syncerr.NewDeployError(syncerr.DeployWrite, target, err)
		}
		c.oldPerm = existing.Mode().Perm()
		c.exists = true
	}
	return c, nil
}

func (w *Writer) deployFile(f selector.SelectedFile, destination string, uid, gid int) (File, error) {
	c, err := w.prepare(f, destination)
	if err != nil {
		return File{}, err
	}
	if err := w.printDiff(c); err != nil {
		return File{}, err
	}

	if err := w.ensureDirs(filepath.Dir(c.target), uid, gid); err != nil {
		return File{}, err
	}

	if w.backup && c.exists && c.changed() {
		if err := w.writeFile(c.target+BackupSuffix, c.old, c.oldPerm, uid, gid); err != nil {
			return File{}, err
		}
	}
	if err := w.writeFile(c.target, c.content, c.perm, uid, gid); err != nil {
		return File{}, err
	}

	df := c.file()
	if df.Changed {
		w.logger.Info("deployed file", "dest", c.target, "source", f.Source)
	} else {
		w.logger.Debug("deployed unchanged file", "dest", c.target, "source", f.Source)
	}
	return df, nil
}

func (w *Writer) printDiff(c *change) error {
	if w.diff == nil || !c.changed() {
		return nil
	}
	if err := diff.Fprint(w.diff, c.rel, c.old, c.content); err != nil {
		return fmt.Errorf("failed to print diff for %s: %w", c.rel, err)
	}
	return nil
}

// ensureDirs creates dir and any missing parents, chowning only the
// directories it creates.
func (w *Writer) ensureDirs(dir string, uid, gid int) error {
	var missing []string
	for d := dir; ; d = filepath.Dir(d) {
		info, err := w.fs.Stat(d)
		if err == nil {
			if !info.IsDir() {
				return syncerr.NewDeployError(syncerr.DeployWrite, d, errors.New("not a directory"))
			}
			break
		}
		if !errors.Is(err, os.ErrNotExist) {
			return syncerr.NewDeployError(syncerr.DeployWrite, d, err)
		}
		missing = append(missing, d)
		if filepath.Dir(d) == d {
			break
		}
	}

	for i := len(missing) - 1; i >= 0; i-- {
		d := missing[i]
		if err := w.fs.Mkdir(d, dirPerm); err != nil {
			return syncerr.NewDeployError(syncerr.DeployWrite, d, err)
		}
		if err := w.fs.Chown(d, uid, gid); err != nil {
			return syncerr.NewDeployError(syncerr.DeployOwnership, d, err)
		}
		w.logger.Debug("created directory", "dest", d)
	}
	return nil
}

// writeFile replaces dst atomically: the content goes to a temporary file in
// the same directory, which gets its mode and owner before the rename.
func (w *Writer) writeFile(dst string, content []byte, perm os.FileMode, uid, gid int) error {
	tmp, err := afero.TempFile(w.fs, filepath.Dir(dst), ".server-sync-tmp-*")
	if err != nil {
		return syncerr.NewDeployError(syncerr.DeployWrite, dst, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = w.fs.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return syncerr.NewDeployError(syncerr.DeployWrite, dst, err)
	}
	if err := tmp.Close(); err != nil {
		return syncerr.NewDeployError(syncerr.DeployWrite, dst, err)
	}
	if err := w.fs.Chmod(tmpPath, perm); err != nil {
		return syncerr.NewDeployError(syncerr.DeployWrite, dst, err)
	}
	if err := w.fs.Chown(tmpPath, uid, gid); err != nil {
		return syncerr.NewDeployError(syncerr.DeployOwnership, dst, err)
	}
	if err := w.fs.Rename(tmpPath, dst); err != nil {
		return syncerr.NewDeployError(syncerr.DeployWrite, dst, err)
	}
	return nil
}

// Hash returns the hex sha256 of content.
func Hash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
