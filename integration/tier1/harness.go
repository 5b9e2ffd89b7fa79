//go:build integration

package tier1

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/serversync/internal/testutil"
)

const defaultTimeout = 5 * time.Minute

// Harness builds the server-sync binary once and runs it against a local
// remote repository.
type Harness struct {
	t          *testing.T
	binary     string
	work       string
	remote     *testutil.Repo
	keepOnFail bool
}

// NewHarness creates a new test harness
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	return &Harness{
		t:          t,
		work:       t.TempDir(),
		keepOnFail: os.Getenv("INTEGRATION_KEEP_WORKDIR") == "1",
	}
}

// Build compiles the server-sync binary into the work directory
func (h *Harness) Build(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.binary = filepath.Join(h.work, "server-sync")
	h.t.Logf("Building %s", h.binary)

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/server-sync")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// InitRemote creates the remote repository on branch main
func (h *Harness) InitRemote() {
	h.t.Helper()
	h.remote = testutil.NewRepo(h.t, "main")
}

// Commit writes files into the remote and commits them. A nil entry removes
// the file.
func (h *Harness) Commit(files map[string]*string) string {
	h.t.Helper()
	return h.remote.Commit(h.t, files)
}

// Path returns a path inside the work directory
func (h *Harness) Path(elem ...string) string {
	return filepath.Join(append([]string{h.work}, elem...)...)
}

// Env returns a complete environment for the binary; overrides replace or
// add entries, and an empty override removes the variable.
func (h *Harness) Env(overrides map[string]string) []string {
	env := map[string]string{
		"PATH":                     os.Getenv("PATH"),
		"HOME":                     h.work,
		"SERVER_SYNC_REPO":         h.remote.Dir,
		"SERVER_SYNC_BRANCH":       "main",
		"SERVER_SYNC_DESTINATION":  h.Path("dest"),
		"SERVER_SYNC_CONTEXTS":     "dev",
		"SERVER_SYNC_REPO_STORAGE": h.Path("storage", "repo"),
		"UID":                      fmt.Sprint(os.Getuid()),
		"GID":                      fmt.Sprint(os.Getgid()),
	}
	for k, v := range overrides {
		if v == "" {
			delete(env, k)
			continue
		}
		env[k] = v
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Run executes the binary and returns its output and exit code
func (h *Harness) Run(ctx context.Context, env []string, args ...string) (string, string, int, error) {
	h.t.Helper()
	if h.binary == "" {
		return "", "", 0, fmt.Errorf("binary not built")
	}

	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes the binary and fails the test if it returns non-zero
func (h *Harness) MustRun(ctx context.Context, env []string, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, env, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("server-sync failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout
}

// ReadFile reads a file below the work directory
func (h *Harness) ReadFile(elem ...string) (string, error) {
	data, err := os.ReadFile(h.Path(elem...))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FileExists checks if a regular file exists below the work directory
func (h *Harness) FileExists(elem ...string) bool {
	info, err := os.Stat(h.Path(elem...))
	return err == nil && info.Mode().IsRegular()
}

// Cleanup reports the work directory of failed runs when asked to keep it
func (h *Harness) Cleanup() {
	h.t.Helper()
	if h.keepOnFail && h.t.Failed() {
		kept, err := os.MkdirTemp("", "server-sync-tier1-")
		if err != nil {
			h.t.Logf("Warning: failed to keep work directory: %v", err)
			return
		}
		if err := os.CopyFS(kept, os.DirFS(h.work)); err != nil {
			h.t.Logf("Warning: failed to keep work directory: %v", err)
			return
		}
		h.t.Logf("Test failed and INTEGRATION_KEEP_WORKDIR=1, work directory copied to %s", kept)
	}
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
