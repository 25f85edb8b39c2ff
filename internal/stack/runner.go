package stack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Result is the outcome of one `but` invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes the stacking CLI in a working directory.
type Runner interface {
	Run(ctx context.Context, dir string, stdin io.Reader, args ...string) (Result, error)
}

// ExecRunner runs the CLI as a subprocess.
type ExecRunner struct {
	Binary string
}

// Run reports a non-zero exit through Result.ExitCode with a nil error.
func (r ExecRunner) Run(ctx context.Context, dir string, stdin io.Reader, args ...string) (Result, error) {
	bin := r.Binary
	if bin == "" {
		bin = "but"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = stdin
	}

	start := time.Now()
	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case ctx.Err() != nil:
		err = ctx.Err()
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		err = nil
	default:
		err = fmt.Errorf("run %s: %w", bin, err)
	}

	attrs := []any{
		slog.String("cmd", bin+" "+strings.Join(args, " ")),
		slog.String("dir", dir),
		slog.Int("exit", res.ExitCode),
		slog.Duration("took", time.Since(start)),
	}
	switch {
	case err != nil:
		stackLog.Warn("but_call_failed", append(attrs, slog.String("error", err.Error()))...)
	case res.ExitCode != 0:
		stackLog.Debug("but_call_nonzero", append(attrs, slog.String("stderr", strings.TrimSpace(res.Stderr)))...)
	default:
		stackLog.Debug("but_call", attrs...)
	}
	return res, err
}
