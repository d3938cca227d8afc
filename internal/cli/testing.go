package cli

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// CLI runs dpictl in-process against a private working directory. Config
// files and connection fixtures written with WriteFile are picked up the
// same way a real invocation from that directory would see them.
type CLI struct {
	t   *testing.T
	Dir string
	Env map[string]string
}

// NewCLI returns a harness rooted at a fresh temp directory with an empty
// environment, so no user config leaks into the test.
func NewCLI(t *testing.T) *CLI {
	t.Helper()

	return &CLI{t: t, Dir: t.TempDir(), Env: map[string]string{}}
}

// Run invokes dpictl with args and returns stdout, stderr and the exit code.
// The program name and --cwd are prepended.
func (r *CLI) Run(args ...string) (string, string, int) {
	return r.invoke(nil, args)
}

// RunWithInput is Run with stdin, e.g. a shell script.
func (r *CLI) RunWithInput(stdin string, args ...string) (string, string, int) {
	return r.invoke(strings.NewReader(stdin), args)
}

func (r *CLI) invoke(stdin io.Reader, args []string) (string, string, int) {
	var stdout, stderr bytes.Buffer

	argv := make([]string, 0, len(args)+3)
	argv = append(argv, "dpictl", "--cwd", r.Dir)
	argv = append(argv, args...)

	code := Run(stdin, &stdout, &stderr, argv, r.Env, nil)

	return stdout.String(), stderr.String(), code
}

// MustRun fails the test unless the command exits 0, and returns its
// trimmed stdout.
func (r *CLI) MustRun(args ...string) string {
	r.t.Helper()

	stdout, stderr, code := r.Run(args...)
	if code != 0 {
		r.t.Fatalf("dpictl %v: exit %d\nstderr: %s", args, code, stderr)
	}

	return strings.TrimSpace(stdout)
}

// MustFail fails the test unless the command exits non-zero with nothing on
// stdout, and returns its trimmed stderr.
func (r *CLI) MustFail(args ...string) string {
	r.t.Helper()

	stdout, stderr, code := r.Run(args...)

	switch {
	case code == 0:
		r.t.Fatalf("dpictl %v: expected failure, got exit 0\nstdout: %s", args, stdout)
	case stdout != "":
		r.t.Fatalf("dpictl %v: failed but wrote stdout\nstdout: %s", args, stdout)
	}

	return strings.TrimSpace(stderr)
}

// WriteFile creates name under Dir, typically a .dpictl.json or a
// connection fixture for read --conns.
func (r *CLI) WriteFile(name, content string) {
	r.t.Helper()

	if err := os.WriteFile(filepath.Join(r.Dir, name), []byte(content), 0o600); err != nil {
		r.t.Fatalf("write %s: %v", name, err)
	}
}

// ReadFile returns the content of name under Dir, e.g. a read --out target.
func (r *CLI) ReadFile(name string) string {
	r.t.Helper()

	data, err := os.ReadFile(filepath.Join(r.Dir, name))
	if err != nil {
		r.t.Fatalf("read %s: %v", name, err)
	}

	return string(data)
}

// AssertContains reports an error unless content contains substr.
func AssertContains(t *testing.T, content, substr string) {
	t.Helper()

	if !strings.Contains(content, substr) {
		t.Errorf("missing %q in:\n%s", substr, content)
	}
}

// AssertNotContains reports an error if content contains substr.
func AssertNotContains(t *testing.T, content, substr string) {
	t.Helper()

	if strings.Contains(content, substr) {
		t.Errorf("unexpected %q in:\n%s", substr, content)
	}
}
