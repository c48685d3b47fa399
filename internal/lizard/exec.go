package lizard

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// Result holds the execution result.
type Result struct {
	Stdout   string
	Stderr   string
	Duration time.Duration
	ExitCode int
}

// run executes a command, capturing output and duration. Timeouts report
// exit code 124 and a missing binary 127.
func run(ctx context.Context, name string, args []string, dir string) (Result, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			res.ExitCode = 124
		case errors.Is(err, exec.ErrNotFound):
			res.ExitCode = 127
		case errors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitCode()
		default:
			res.ExitCode = 1
		}
	}
	return res, err
}
