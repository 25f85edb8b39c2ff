package tmux

import (
	"context"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

// fakeRunner emulates a tmux server holding a set of sessions.
type fakeRunner struct {
	mu       sync.Mutex
	sessions map[string]string // name -> pane contents
	ids      map[string]int    // name -> incarnation
	nextID   int
	calls    [][]string
	err      error
	block    chan struct{}
}

func newFakeRunner(names ...string) *fakeRunner {
	f := &fakeRunner{sessions: map[string]string{}, ids: map[string]int{}}
	for _, n := range names {
		f.sessions[n] = ""
		f.nextID++
		f.ids[n] = f.nextID
	}
	return f
}

func (f *fakeRunner) Run(ctx context.Context, _ io.Reader, args ...string) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), args...))
	err := f.err
	block := f.block
	f.mu.Unlock()
	if err != nil {
		return Result{}, err
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	name := strings.TrimPrefix(argAfter(args, "-t"), "=")
	_, live := f.sessions[name]
	gone := Result{ExitCode: 1, Stderr: "can't find session: " + name}

	switch args[0] {
	case "new-session":
		name = argAfter(args, "-s")
		if _, ok := f.sessions[name]; ok {
			return Result{ExitCode: 1, Stderr: "duplicate session: " + name}, nil
		}
		f.sessions[name] = ""
		f.nextID++
		f.ids[name] = f.nextID
	case "display-message":
		if !live {
			return gone, nil
		}
		return Result{Stdout: "$" + strconv.Itoa(f.ids[name]) + ":1700000000\n"}, nil
	case "has-session", "set-option", "kill-session":
		if !live {
			return gone, nil
		}
		if args[0] == "kill-session" {
			delete(f.sessions, name)
		}
	case "send-keys":
		if !live {
			return gone, nil
		}
		if args[1] == "-l" {
			f.sessions[name] += args[len(args)-1]
		} else if args[len(args)-1] == "Enter" {
			f.sessions[name] += "\n"
		}
	case "capture-pane":
		if !live {
			return gone, nil
		}
		return Result{Stdout: f.sessions[name]}, nil
	case "list-sessions":
		if len(f.sessions) == 0 {
			return Result{ExitCode: 1, Stderr: "no server running on /tmp/tmux-0/default"}, nil
		}
		var b strings.Builder
		for n := range f.sessions {
			b.WriteString(n + "\n")
		}
		return Result{Stdout: b.String()}, nil
	}
	return Result{}, nil
}

func (f *fakeRunner) setPane(name, content string) {
	f.mu.Lock()
	f.sessions[name] = content
	f.mu.Unlock()
}

func (f *fakeRunner) pane(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[name]
}

// callsOf returns the recorded invocations of one tmux subcommand.
func (f *fakeRunner) callsOf(sub string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]string
	for _, c := range f.calls {
		if c[0] == sub {
			out = append(out, c)
		}
	}
	return out
}

func argAfter(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func newTestManager(run Runner) *Manager {
	m := NewManager(Config{WorkDir: "/work"}, run, &Launcher{Binary: "claude"})
	m.sleep = func(context.Context, time.Duration) error { return nil }
	return m
}
