package repos

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Git runs the git binary in a working directory.
type Git struct {
	Path string // git binary, "git" when empty
	Dir  string
}

// GitError carries the failing arguments and whatever git printed.
type GitError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *GitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("git %s: %v: %s", strings.Join(e.Args, " "), e.Err, msg)
}

func (e *GitError) Unwrap() error { return e.Err }

// Run executes git and returns trimmed stdout.
func (g *Git) Run(ctx context.Context, args ...string) (string, error) {
	bin := g.Path
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = g.Dir
	cmd.Env = sanitizedEnv()
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", &GitError{Args: args, Stderr: string(exitErr.Stderr), Err: err}
		}
		return "", &GitError{Args: args, Err: err}
	}
	return strings.TrimRight(string(out), " \t\r\n"), nil
}

// sanitizedEnv drops variables that would point git at another repository
// and disables interactive credential prompts.
func sanitizedEnv() []string {
	var env []string
	for _, e := range os.Environ() {
		key, _, _ := strings.Cut(e, "=")
		switch strings.ToUpper(key) {
		case "GIT_DIR", "GIT_INDEX_FILE", "GIT_WORK_TREE", "GIT_OBJECT_DIRECTORY", "GIT_TERMINAL_PROMPT":
			continue
		}
		env = append(env, e)
	}
	return append(env, "GIT_TERMINAL_PROMPT=0")
}
