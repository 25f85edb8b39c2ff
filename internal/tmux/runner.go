package tmux

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

	"github.com/chorusdev/chorus/internal/logging"
)

var tmuxLog = logging.ForComponent(logging.CompTmux)

// Result is the outcome of one tmux invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes the tmux binary. Tests swap in a fake.
type Runner interface {
	Run(ctx context.Context, stdin io.Reader, args ...string) (Result, error)
}

// ExecRunner runs tmux as a subprocess.
type ExecRunner struct {
	Binary string
}

// Run returns a nil error when tmux exited with a non-zero status; the
// status is reported in Result.ExitCode. A non-nil error means tmux could
// not be run or ctx expired.
func (r ExecRunner) Run(ctx context.Context, stdin io.Reader, args ...string) (Result, error) {
	bin := r.Binary
	if bin == "" {
		bin = "tmux"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
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

	logCall(args, res, err, time.Since(start))
	return res, err
}

// logCall records every invocation. slog handlers swallow write errors, so
// a broken log file never fails the call itself.
func logCall(args []string, res Result, err error, took time.Duration) {
	attrs := []any{
		slog.String("cmd", "tmux "+strings.Join(redactArgs(args), " ")),
		slog.Int("exit", res.ExitCode),
		slog.Duration("took", took),
	}
	switch {
	case err != nil:
		tmuxLog.Warn("tmux_call_failed", append(attrs, slog.String("error", err.Error()))...)
	case res.ExitCode != 0:
		tmuxLog.Debug("tmux_call_nonzero", append(attrs, slog.String("stderr", strings.TrimSpace(res.Stderr)))...)
	default:
		tmuxLog.Debug("tmux_call", attrs...)
	}
}

// redactArgs shortens literal send-keys payloads so prompts are not
// copied wholesale into the log.
func redactArgs(args []string) []string {
	out := make([]string, len(args))
	copy(out, args)
	for i, a := range out {
		if len(a) > 120 {
			out[i] = a[:117] + "..."
		}
	}
	return out
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
