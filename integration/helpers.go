//go:build integration

package integration

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// fakeClaude answers the review prompt with a proposal and implements it
// by appending to main.py. It emits a stream-json result event like the
// real CLI.
const fakeClaude = `#!/bin/sh
prompt=$(cat)
case "$prompt" in
*"You are implementing"*)
  printf '\n\ndef greet(name):\n    return "hi " + name\n' >> main.py
  printf '%s\n' '{"type":"result","subtype":"success","is_error":false,"result":"Added greet.","total_cost_usd":0.5,"num_turns":3}'
  ;;
*)
  printf '%s\n' '{"type":"system","subtype":"init"}'
  printf '%s\n' '{"type":"result","subtype":"success","is_error":false,"result":"FEATURE: add-greeting\nDESCRIPTION: Adds a greet function.","total_cost_usd":0.1,"num_turns":2}'
  ;;
esac
`

// repoRoot returns the module root
func repoRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("Failed to get current file path")
	}
	return filepath.Dir(filepath.Dir(filename))
}

// buildBinary compiles the CLI into a temp dir
func buildBinary(t *testing.T) string {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "daily-evolve")
	cmd := exec.Command("go", "build", "-o", bin, "./cmd/daily-evolve")
	cmd.Dir = repoRoot(t)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, out)
	}
	return bin
}

func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %s", args, out)
	}
	return strings.TrimSpace(string(out))
}

// env is one isolated installation: a target repository, a fake agent and
// a config file pointing at both
type env struct {
	root       string
	stateDir   string
	configPath string
}

func newEnv(t *testing.T, testCommand string) *env {
	t.Helper()
	root := t.TempDir()

	gitCmd(t, root, "init", "--quiet")
	gitCmd(t, root, "config", "user.email", "test@test.com")
	gitCmd(t, root, "config", "user.name", "Test")
	gitCmd(t, root, "config", "commit.gpgsign", "false")
	writeFile(t, filepath.Join(root, "src", "main.py"), "def f():\n    return 1\n")
	gitCmd(t, root, "add", ".")
	gitCmd(t, root, "commit", "--quiet", "-m", "Initial commit")

	tools := t.TempDir()
	agentPath := filepath.Join(tools, "claude")
	writeFile(t, agentPath, fakeClaude)
	if err := os.Chmod(agentPath, 0755); err != nil {
		t.Fatal(err)
	}

	state := t.TempDir()
	config := fmt.Sprintf(`
[general]
project_root = %q
target_dir = "src"
test_dir = "src"
history_file = "evolution/history.md"
log_dir = %q
state_dir = %q

[agent]
executor = "claude-code"
binary = %q
designated_files = ["main.py"]

[limits.review]
timeout = "30s"

[limits.implement]
timeout = "30s"

[limits.verify]
timeout = "30s"

[tests]
command = ["sh", "-c", %q]

[git]
author_name = "Daily Evolve"
author_email = "evolve@example.com"
`, root, filepath.Join(state, "logs"), state, agentPath, testCommand)

	configPath := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, configPath, config)
	return &env{root: root, stateDir: state, configPath: configPath}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// run executes the binary and returns combined output and exit code
func (e *env) run(t *testing.T, bin string, args ...string) (string, int) {
	t.Helper()
	cmd := exec.Command(bin, append([]string{"--config", e.configPath}, args...)...)
	out, err := cmd.CombinedOutput()
	if exitErr, ok := err.(*exec.ExitError); ok {
		return string(out), exitErr.ExitCode()
	}
	if err != nil {
		t.Fatalf("running %v: %v\n%s", args, err, out)
	}
	return string(out), 0
}
