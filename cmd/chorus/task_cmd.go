package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chorusdev/chorus/internal/engine"
	"github.com/chorusdev/chorus/internal/lifecycle"
	"github.com/chorusdev/chorus/internal/logging"
	"github.com/chorusdev/chorus/internal/task"
)

// handleTask dispatches task subcommands.
func handleTask(args []string) {
	if len(args) == 0 {
		printTaskHelp()
		os.Exit(1)
	}

	switch args[0] {
	case "add", "new":
		handleTaskAdd(args[1:])
	case "list", "ls":
		handleTaskList(args[1:])
	case "show":
		handleTaskShow(args[1:])
	case "start":
		handleTaskStart(args[1:])
	case "restart":
		handleTaskRestart(args[1:])
	case "send":
		handleTaskSend(args[1:])
	case "respond":
		handleTaskRespond(args[1:])
	case "continue":
		handleTaskContinue(args[1:])
	case "complete", "done":
		handleTaskComplete(args[1:])
	case "fail":
		handleTaskFail(args[1:])
	case "output":
		handleTaskOutput(args[1:])
	case "rm", "remove":
		handleTaskRemove(args[1:])
	case "help", "--help", "-h":
		printTaskHelp()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown task command: %s\n", args[0])
		printTaskHelp()
		os.Exit(1)
	}
}

func printTaskHelp() {
	fmt.Println("Usage: chorus task <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  add <title>                 Create a pending task")
	fmt.Println("  list                        List tasks")
	fmt.Println("  show <task>                 Show task details")
	fmt.Println("  start <task>                Start the agent for a pending task")
	fmt.Println("  restart <task>              Interrupt and relaunch the agent")
	fmt.Println("  send <task> <message>       Send a message to an idle agent")
	fmt.Println("  respond <task> yes|no       Answer a permission prompt")
	fmt.Println("  continue <task> [message]   Resume the agent's previous session")
	fmt.Println("  complete <task>             Finish a task")
	fmt.Println("  fail <task>                 Finish a task as failed")
	fmt.Println("  output <task>               Print the task's terminal")
	fmt.Println("  rm <task>                   Delete a pending or finished task")
	fmt.Println()
	fmt.Println("<task> is an id, an id prefix or a (fuzzy) title.")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Println("  --json                 Output as JSON")
	fmt.Println("  -q, --quiet            Minimal output (exit codes only)")
}

// taskSession bundles what one task command needs.
type taskSession struct {
	ctx  context.Context
	out  *CLIOutput
	deps *engine.Deps
	svc  *lifecycle.Service
}

func newTaskSession(jsonMode, quiet bool) *taskSession {
	cfg := loadConfig()
	initLogging(cfg, false)
	out := NewCLIOutput(jsonMode, quiet)
	deps := openDeps(cfg, out)
	return &taskSession{ctx: context.Background(), out: out, deps: deps, svc: deps.Lifecycle()}
}

func (s *taskSession) close() {
	_ = s.deps.Close()
	logging.Shutdown()
}

// fail reports err and exits.
func (s *taskSession) fail(err error) {
	s.close()
	s.out.Fail(err)
}

// resolve finds the task ref names or exits.
func (s *taskSession) resolve(ref string) *task.Task {
	tasks, err := s.deps.Store.ListTasks(s.ctx)
	if err != nil {
		s.fail(fmt.Errorf("list tasks: %w", err))
	}
	t, err := resolveTask(ref, tasks)
	if err != nil {
		s.fail(err)
	}
	return t
}

// outputFlags are the output options every task command takes.
type outputFlags struct {
	json       bool
	quiet      bool
	quietShort bool
}

func (o *outputFlags) isQuiet() bool { return o.quiet || o.quietShort }

// taskFlags builds the flag set for one task subcommand.
func taskFlags(name string) (*flag.FlagSet, *outputFlags) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	o := &outputFlags{}
	fs.BoolVar(&o.json, "json", false, "Output as JSON")
	fs.BoolVar(&o.quiet, "quiet", false, "Minimal output")
	fs.BoolVar(&o.quietShort, "q", false, "Minimal output (short)")
	fs.Usage = func() {
		fmt.Printf("Usage: chorus task %s [options]\n\nOptions:\n", name)
		fs.PrintDefaults()
	}
	return fs, o
}

func parseTaskFlags(fs *flag.FlagSet, args []string) {
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}
}

// taskJSON is the machine-readable form of a task.
type taskJSON struct {
	ID                string     `json:"id"`
	Title             string     `json:"title"`
	Description       string     `json:"description,omitempty"`
	Status            string     `json:"status"`
	AgentStatus       string     `json:"agent_status"`
	SessionID         string     `json:"session_id,omitempty"`
	AgentSessionID    string     `json:"agent_session_id,omitempty"`
	StackName         string     `json:"stack_name,omitempty"`
	PermissionPrompt  string     `json:"permission_prompt,omitempty"`
	RestartCount      int        `json:"restart_count"`
	ContinuationCount int        `json:"continuation_count"`
	FailureReason     string     `json:"failure_reason,omitempty"`
	LastOutput        string     `json:"last_output,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

func toTaskJSON(t *task.Task) taskJSON {
	j := taskJSON{
		ID:                t.ID,
		Title:             t.Title,
		Description:       t.Description,
		Status:            string(t.Status),
		AgentStatus:       string(t.AgentStatus),
		SessionID:         t.SessionID,
		AgentSessionID:    t.AgentSessionID,
		StackName:         t.StackName,
		PermissionPrompt:  t.PermissionPrompt,
		RestartCount:      t.RestartCount,
		ContinuationCount: t.ContinuationCount,
		FailureReason:     t.FailureReason,
		LastOutput:        t.LastOutputSummary,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
	if !t.StartedAt.IsZero() {
		started := t.StartedAt
		j.StartedAt = &started
	}
	if !t.CompletedAt.IsZero() {
		completed := t.CompletedAt
		j.CompletedAt = &completed
	}
	return j
}

func handleTaskAdd(args []string) {
	fs, o := taskFlags("add")
	desc := fs.String("d", "", "Task description")
	descLong := fs.String("description", "", "Task description")
	parseTaskFlags(fs, args)

	title := strings.TrimSpace(strings.Join(fs.Args(), " "))
	s := newTaskSession(o.json, o.isQuiet())
	defer s.close()

	t, err := s.svc.Create(s.ctx, title, firstNonEmpty(*descLong, *desc))
	if err != nil {
		s.fail(err)
	}
	s.out.Success(fmt.Sprintf("Created task %s (%s)", t.Title, t.ShortID()), toTaskJSON(t))
}

func handleTaskList(args []string) {
	fs, o := taskFlags("list")
	status := fs.String("status", "", "Comma-separated statuses to show (pending,running,waiting,completed,failed)")
	active := fs.Bool("active", false, "Only running and waiting tasks")
	parseTaskFlags(fs, args)

	var statuses []task.Status
	if *active {
		statuses = append(statuses, task.ActiveStatuses...)
	}
	for _, part := range strings.Split(*status, ",") {
		if part = strings.TrimSpace(part); part == "" {
			continue
		}
		st := task.Status(part)
		if !st.Valid() {
			NewCLIOutput(o.json, o.isQuiet()).Error("unknown status "+part, ErrCodeInvalidOperation)
			os.Exit(1)
		}
		statuses = append(statuses, st)
	}

	s := newTaskSession(o.json, o.isQuiet())
	defer s.close()
	tasks, err := s.deps.Store.ListTasks(s.ctx, statuses...)
	if err != nil {
		s.fail(fmt.Errorf("list tasks: %w", err))
	}

	items := make([]taskJSON, len(tasks))
	for i, t := range tasks {
		items[i] = toTaskJSON(t)
	}
	if len(tasks) == 0 {
		s.out.Print("No tasks.\n", items)
		return
	}
	s.out.Print(renderTaskTable(tasks, terminalWidth(), time.Now()), items)
}

func handleTaskShow(args []string) {
	fs, o := taskFlags("show")
	parseTaskFlags(fs, args)

	s := newTaskSession(o.json, o.isQuiet())
	defer s.close()
	t := s.resolve(fs.Arg(0))
	s.out.Print(renderTaskDetail(t), toTaskJSON(t))
}

func handleTaskStart(args []string) {
	fs, o := taskFlags("start")
	prompt := fs.String("prompt", "", "Initial instructions for the agent")
	stackName := fs.String("stack", "", "Create (or reuse) this stack for the task's commits")
	parseTaskFlags(fs, args)

	s := newTaskSession(o.json, o.isQuiet())
	defer s.close()
	t := s.resolve(fs.Arg(0))
	t, err := s.svc.Start(s.ctx, t.ID, lifecycle.StartOptions{Prompt: *prompt, Stack: *stackName})
	if err != nil {
		s.fail(err)
	}
	s.out.Success(fmt.Sprintf("Started %s in tmux session %s", t.Title, t.SessionID), toTaskJSON(t))
}

func handleTaskRestart(args []string) {
	fs, o := taskFlags("restart")
	parseTaskFlags(fs, args)

	s := newTaskSession(o.json, o.isQuiet())
	defer s.close()
	t := s.resolve(fs.Arg(0))
	t, err := s.svc.Restart(s.ctx, t.ID)
	if err != nil {
		s.fail(err)
	}
	s.out.Success(fmt.Sprintf("Restarted %s (restart #%d)", t.Title, t.RestartCount), toTaskJSON(t))
}

func handleTaskSend(args []string) {
	fs, o := taskFlags("send")
	parseTaskFlags(fs, args)
	if fs.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "Usage: chorus task send <task> <message>")
		os.Exit(1)
	}

	s := newTaskSession(o.json, o.isQuiet())
	defer s.close()
	t := s.resolve(fs.Arg(0))
	message := strings.Join(fs.Args()[1:], " ")
	if err := s.svc.Send(s.ctx, t.ID, message); err != nil {
		s.fail(err)
	}
	s.out.Success("Message sent to "+t.Title, map[string]any{"success": true, "id": t.ID})
}

// parseAnswer maps a respond argument to approve/deny.
func parseAnswer(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes", "approve", "allow":
		return true, nil
	case "n", "no", "deny", "reject":
		return false, nil
	}
	return false, fmt.Errorf("answer must be yes or no, got %q", s)
}

func handleTaskRespond(args []string) {
	fs, o := taskFlags("respond")
	parseTaskFlags(fs, args)
	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "Usage: chorus task respond <task> yes|no")
		os.Exit(1)
	}
	approve, err := parseAnswer(fs.Arg(1))
	if err != nil {
		NewCLIOutput(o.json, o.isQuiet()).Error(err.Error(), ErrCodeInvalidOperation)
		os.Exit(1)
	}

	s := newTaskSession(o.json, o.isQuiet())
	defer s.close()
	t := s.resolve(fs.Arg(0))
	t, err = s.svc.Respond(s.ctx, t.ID, approve)
	if err != nil {
		s.fail(err)
	}
	verb := "Denied"
	if approve {
		verb = "Approved"
	}
	s.out.Success(fmt.Sprintf("%s the pending request of %s", verb, t.Title), toTaskJSON(t))
}

func handleTaskContinue(args []string) {
	fs, o := taskFlags("continue")
	parseTaskFlags(fs, args)

	s := newTaskSession(o.json, o.isQuiet())
	defer s.close()
	t := s.resolve(fs.Arg(0))
	prompt := ""
	if fs.NArg() > 1 {
		prompt = strings.Join(fs.Args()[1:], " ")
	}
	t, err := s.svc.Continue(s.ctx, t.ID, prompt)
	if err != nil {
		s.fail(err)
	}
	s.out.Success(fmt.Sprintf("Continued %s (continuation #%d)", t.Title, t.ContinuationCount), toTaskJSON(t))
}

func handleTaskComplete(args []string) {
	fs, o := taskFlags("complete")
	parseTaskFlags(fs, args)

	s := newTaskSession(o.json, o.isQuiet())
	defer s.close()
	t := s.resolve(fs.Arg(0))
	t, err := s.svc.Complete(s.ctx, t.ID)
	if err != nil {
		s.fail(err)
	}
	s.out.Success("Completed "+t.Title, toTaskJSON(t))
}

func handleTaskFail(args []string) {
	fs, o := taskFlags("fail")
	reason := fs.String("reason", "", "Why the task failed")
	deleteStack := fs.Bool("delete-stack", false, "Also delete the task's stack and its commits")
	parseTaskFlags(fs, args)

	s := newTaskSession(o.json, o.isQuiet())
	defer s.close()
	t := s.resolve(fs.Arg(0))
	t, err := s.svc.Fail(s.ctx, t.ID, lifecycle.FailOptions{Reason: *reason, DeleteStack: *deleteStack})
	if err != nil {
		s.fail(err)
	}
	s.out.Success(t.Title+" marked failed", toTaskJSON(t))
}

func handleTaskOutput(args []string) {
	fs, o := taskFlags("output")
	lines := fs.Int("lines", 50, "Number of trailing lines")
	parseTaskFlags(fs, args)

	s := newTaskSession(o.json, o.isQuiet())
	defer s.close()
	t := s.resolve(fs.Arg(0))
	out, err := s.svc.Output(s.ctx, t.ID, *lines)
	if err != nil {
		s.fail(err)
	}
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	s.out.Print(out, map[string]any{"id": t.ID, "output": out})
}

func handleTaskRemove(args []string) {
	fs, o := taskFlags("rm")
	parseTaskFlags(fs, args)

	s := newTaskSession(o.json, o.isQuiet())
	defer s.close()
	t := s.resolve(fs.Arg(0))
	if err := s.svc.Delete(s.ctx, t.ID); err != nil {
		s.fail(err)
	}
	s.out.Success("Removed "+t.Title, map[string]any{"success": true, "id": t.ID})
}

// firstNonEmpty returns the first non-empty string after trimming whitespace.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
