package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// testEnv is an isolated config and data directory for running commands
// in-process.
type testEnv struct {
	t         *testing.T
	ConfigDir string
	DataDir   string
}

func newTestEnv(t *testing.T, configYAML string) *testEnv {
	t.Helper()
	tempDir := t.TempDir()
	env := &testEnv{
		t:         t,
		ConfigDir: filepath.Join(tempDir, "config"),
		DataDir:   filepath.Join(tempDir, "data"),
	}
	if configYAML != "" {
		if err := os.MkdirAll(env.ConfigDir, 0o755); err != nil {
			t.Fatalf("create config dir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(env.ConfigDir, "config.yaml"), []byte(configYAML), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	return env
}

// cmdResult holds the outcome of one command.
type cmdResult struct {
	Stdout   string
	Stderr   string
	Err      error
	ExitCode int
}

// run executes fieldsync with the environment's directories.
func (e *testEnv) run(args ...string) cmdResult {
	e.t.Helper()
	return e.runWithInput("", args...)
}

func (e *testEnv) runWithInput(stdin string, args ...string) cmdResult {
	e.t.Helper()
	root := NewRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--config-dir", e.ConfigDir, "--data-dir", e.DataDir}, args...))

	err := root.Execute()
	code := exitSuccess
	if err != nil {
		code = exitCode(err)
	}
	return cmdResult{Stdout: stdout.String(), Stderr: stderr.String(), Err: err, ExitCode: code}
}

// mustRun executes fieldsync and fails the test on error.
func (e *testEnv) mustRun(args ...string) cmdResult {
	e.t.Helper()
	res := e.run(args...)
	if res.Err != nil {
		e.t.Fatalf("fieldsync %v failed: %v\nstdout: %s\nstderr: %s", args, res.Err, res.Stdout, res.Stderr)
	}
	return res
}

// parseJSON parses command output into T.
func parseJSON[T any](t *testing.T, s string) T {
	t.Helper()
	var out T
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		t.Fatalf("parse JSON %q: %v", s, err)
	}
	return out
}
