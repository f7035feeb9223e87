//go:build integration

package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/manifesto/internal/testutil"
)

const defaultTimeout = 5 * time.Minute

// Harness builds the manifesto binary once and runs it against a work tree
type Harness struct {
	t       *testing.T
	binary  string
	workDir string
	home    string
}

// NewHarness creates a new test harness with a fresh work tree
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	return &Harness{
		t:       t,
		workDir: t.TempDir(),
		home:    t.TempDir(),
	}
}

// Build compiles cmd/manifesto into a temporary directory
func (h *Harness) Build(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.binary = filepath.Join(h.t.TempDir(), "manifesto")
	h.t.Logf("Building %s", h.binary)

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/manifesto")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// Exec runs manifesto with args inside the work tree
func (h *Harness) Exec(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()
	if h.binary == "" {
		return "", "", 0, fmt.Errorf("binary not built")
	}

	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Dir = h.workDir
	cmd.Env = append(os.Environ(), "HOME="+h.home)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustExec runs manifesto and fails the test if it exits non-zero
func (h *Harness) MustExec(ctx context.Context, args ...string) (string, string) {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Exec(ctx, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout, stderr
}

// MustFail runs manifesto and fails the test unless it exits with 1
func (h *Harness) MustFail(ctx context.Context, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Exec(ctx, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 1 {
		h.t.Fatalf("expected exit code 1, got %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stderr
}

// Path returns the absolute path of name inside the work tree
func (h *Harness) Path(name string) string {
	return filepath.Join(h.workDir, filepath.FromSlash(name))
}

// WriteFiles writes files into the work tree
func (h *Harness) WriteFiles(files map[string]string) {
	h.t.Helper()
	testutil.WriteTree(h.t, h.workDir, files)
}

// ReadFile reads a file from the work tree
func (h *Harness) ReadFile(name string) string {
	h.t.Helper()
	return testutil.ReadFile(h.t, h.workDir, name)
}

// FileExists checks if a regular file exists in the work tree
func (h *Harness) FileExists(name string) bool {
	st, err := os.Stat(h.Path(name))
	return err == nil && st.Mode().IsRegular()
}

// Snapshot returns the content of every file in the work tree
func (h *Harness) Snapshot() map[string]string {
	h.t.Helper()
	return testutil.Snapshot(h.t, h.workDir)
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
