package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/kazz187/bugyo/internal/claudecli"
	"github.com/kazz187/bugyo/internal/client"
	"github.com/kazz187/bugyo/internal/logframe"
	"github.com/kazz187/bugyo/internal/session"
	"github.com/kazz187/bugyo/internal/worker"
	"github.com/kazz187/bugyo/pkg/color"
)

var (
	app    = kingpin.New("bugyo", "Multi-worker AI agent orchestrator")
	serverURL = app.Flag("server", "Server base URL").Default("http://localhost:3200").Envar("BUGYO_SERVER").String()
	apiKey = app.Flag("api-key", "API key for the server").Envar("BUGYO_API_KEY").String()

	serveCmd = app.Command("serve", "Run the bugyo server")

	createCmd        = app.Command("create", "Create a new worker")
	createName       = createCmd.Flag("name", "Worker name").String()
	createIssue      = createCmd.Flag("issue", "Issue or task reference").String()
	createAgent      = createCmd.Flag("agent", "Agent label").String()
	createWorkflow   = createCmd.Flag("workflow", "Workflow name").String()
	createPrompt     = createCmd.Flag("prompt", "Free-form prompt instead of a workflow").String()
	createPermission = createCmd.Flag("permission-mode", "Agent permission mode").String()
	createWorktree   = createCmd.Flag("worktree", "Adopt an existing worktree path").String()
	createBranch     = createCmd.Flag("branch", "Branch of the adopted worktree").String()

	listCmd = app.Command("list", "List all workers")

	showCmd = app.Command("show", "Show one worker")
	showID  = showCmd.Arg("id", "Worker id").Required().Int64()

	deleteCmd = app.Command("delete", "Delete a worker and its checkout")
	deleteID  = deleteCmd.Arg("id", "Worker id").Required().Int64()

	restartCmd = app.Command("restart", "Restart a worker's workflow from the first step")
	restartID  = restartCmd.Arg("id", "Worker id").Required().Int64()

	continueCmd        = app.Command("continue", "Send a follow-up instruction to a worker")
	continueID         = continueCmd.Arg("id", "Worker id").Required().Int64()
	continuePrompt     = continueCmd.Arg("prompt", "Follow-up instruction").Required().String()
	continuePermission = continueCmd.Flag("permission-mode", "Agent permission mode").String()

	renameCmd  = app.Command("rename", "Rename a worker")
	renameID   = renameCmd.Arg("id", "Worker id").Required().Int64()
	renameName = renameCmd.Arg("name", "New worker name").Required().String()

	respondCmd        = app.Command("respond", "Resolve a pending permission request")
	respondID         = respondCmd.Arg("id", "Worker id").Required().Int64()
	respondRequestID  = respondCmd.Arg("request-id", "Permission request id").Required().Uint64()
	respondDeny       = respondCmd.Flag("deny", "Deny the request").Bool()
	respondPermission = respondCmd.Flag("permission-mode", "Override permission mode").String()
	respondTools      = respondCmd.Flag("allowed-tools", "Override allowed tools (comma separated)").String()

	logsCmd   = app.Command("logs", "Print a worker's log buffer")
	logsID    = logsCmd.Arg("id", "Worker id").Required().Int64()
	logsSteps = logsCmd.Flag("steps", "Group the log into per-step summaries").Bool()

	sessionsCmd = app.Command("sessions", "Show a worker's agent session summaries")
	sessionsID  = sessionsCmd.Arg("id", "Worker id").Required().Int64()

	watchCmd = app.Command("watch", "Tail the server's event stream")

	worktreesCmd = app.Command("list-worktrees", "List the repository's git worktrees")

	interactiveCmd  = app.Command("interactive", "Run a hands-on agent session in a directory and import its transcript")
	interactiveDir  = interactiveCmd.Arg("dir", "Working directory for the session").Required().String()
	interactiveArgs = interactiveCmd.Flag("arg", "Extra argument passed to the agent CLI").Strings()

	importCmd     = app.Command("import-session", "Import the latest local agent session transcript")
	importProject = importCmd.Arg("project-path", "Project path the session ran in").Required().String()
	importSince   = importCmd.Flag("since", "Only import sessions newer than this duration ago").Default("24h").Duration()
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	if command == serveCmd.FullCommand() {
		runServe()
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := client.New(*serverURL, *apiKey)
	if err := runClientCommand(ctx, c, command); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runClientCommand(ctx context.Context, c *client.Client, command string) error {
	switch command {
	case createCmd.FullCommand():
		snapshot, err := c.CreateWorker(ctx, client.CreateWorkerRequest{
			Name:           *createName,
			Issue:          *createIssue,
			Agent:          *createAgent,
			Workflow:       *createWorkflow,
			FreePrompt:     *createPrompt,
			PermissionMode: *createPermission,
			Worktree:       *createWorktree,
			Branch:         *createBranch,
		})
		if err != nil {
			return err
		}
		color.Printlnf(snapshot.Name, "created worker %d on branch %s", snapshot.ID, snapshot.Branch)
		return nil

	case listCmd.FullCommand():
		workers, err := c.ListWorkers(ctx)
		if err != nil {
			return err
		}
		if len(workers) == 0 {
			fmt.Println("no workers")
			return nil
		}
		for _, w := range workers {
			printSnapshot(w)
		}
		return nil

	case showCmd.FullCommand():
		snapshot, err := c.GetWorker(ctx, *showID)
		if err != nil {
			return err
		}
		printSnapshot(*snapshot)
		fmt.Printf("  issue:    %s\n", snapshot.Issue)
		fmt.Printf("  worktree: %s\n", snapshot.Worktree)
		fmt.Printf("  branch:   %s\n", snapshot.Branch)
		fmt.Printf("  workflow: %s (%d steps)\n", snapshot.Workflow, snapshot.TotalSteps)
		if snapshot.SessionID != "" {
			fmt.Printf("  session:  %s\n", snapshot.SessionID)
		}
		return nil

	case deleteCmd.FullCommand():
		if err := c.DeleteWorker(ctx, *deleteID); err != nil {
			return err
		}
		fmt.Printf("deleted worker %d\n", *deleteID)
		return nil

	case restartCmd.FullCommand():
		if err := c.RestartWorker(ctx, *restartID); err != nil {
			return err
		}
		fmt.Printf("restarted worker %d\n", *restartID)
		return nil

	case continueCmd.FullCommand():
		if err := c.ContinueWorker(ctx, *continueID, *continuePrompt, *continuePermission); err != nil {
			return err
		}
		fmt.Printf("continued worker %d\n", *continueID)
		return nil

	case renameCmd.FullCommand():
		if err := c.RenameWorker(ctx, *renameID, *renameName); err != nil {
			return err
		}
		fmt.Printf("renamed worker %d to %s\n", *renameID, *renameName)
		return nil

	case respondCmd.FullCommand():
		decision := worker.PermissionDecision{
			Allow:          !*respondDeny,
			PermissionMode: *respondPermission,
		}
		if *respondTools != "" {
			decision.AllowedTools = strings.Split(*respondTools, ",")
		}
		if err := c.RespondPermission(ctx, *respondID, *respondRequestID, decision); err != nil {
			return err
		}
		verdict := "allowed"
		if *respondDeny {
			verdict = "denied"
		}
		fmt.Printf("%s permission request %d for worker %d\n", verdict, *respondRequestID, *respondID)
		return nil

	case logsCmd.FullCommand():
		logs, err := c.WorkerLogs(ctx, *logsID)
		if err != nil {
			return err
		}
		if *logsSteps {
			printStepEntries(logframe.NewParser().ParseLines(logs))
			return nil
		}
		for _, line := range logs {
			fmt.Println(line)
		}
		return nil

	case sessionsCmd.FullCommand():
		histories, err := c.WorkerSessions(ctx, *sessionsID)
		if err != nil {
			return err
		}
		if len(histories) == 0 {
			fmt.Println("no sessions")
			return nil
		}
		for _, h := range histories {
			printSessionSummary(h)
		}
		return nil

	case watchCmd.FullCommand():
		return c.WatchEvents(ctx, printEvent)

	case worktreesCmd.FullCommand():
		worktrees, err := c.ListWorktrees(ctx)
		if err != nil {
			return err
		}
		if len(worktrees) == 0 {
			fmt.Println("no worktrees")
			return nil
		}
		for _, wt := range worktrees {
			fmt.Printf("%s\t%s\n", wt.Branch, wt.Path)
		}
		return nil

	case interactiveCmd.FullCommand():
		started := time.Now()
		if err := claudecli.RunInteractive(ctx, *interactiveDir, *interactiveArgs); err != nil {
			return err
		}
		history, err := session.ImportLatest(*interactiveDir, started)
		if err != nil {
			return fmt.Errorf("session finished but its transcript could not be imported: %w", err)
		}
		printSessionSummary(*history)
		return nil

	case importCmd.FullCommand():
		history, err := session.ImportLatest(*importProject, time.Now().Add(-*importSince))
		if err != nil {
			return err
		}
		printSessionSummary(*history)
		return nil
	}
	return fmt.Errorf("unknown command %q", command)
}

func printSnapshot(w worker.Snapshot) {
	line := fmt.Sprintf("#%d %s", w.ID, w.Status)
	if w.CurrentStep != "" {
		line += " (" + w.CurrentStep + ")"
	}
	if w.LastEvent != "" {
		line += " " + w.LastEvent
	}
	color.Printlnf(w.Name, "%s", line)
}

func printStepEntries(entries []logframe.Entry) {
	if len(entries) == 0 {
		fmt.Println("no completed steps")
		return
	}
	for _, e := range entries {
		fmt.Printf("step %d %q: %s\n", e.StepIndex, e.StepName, e.Status)
		for _, line := range e.ThoughtLines {
			fmt.Printf("  thought: %s\n", line)
		}
		for _, line := range e.ResultLines {
			fmt.Printf("  %s\n", line)
		}
	}
}

func printSessionSummary(h session.History) {
	fmt.Printf("session %s (%s .. %s)\n", h.SessionID, h.StartedAt, h.EndedAt)
	fmt.Printf("  prompt:     %s\n", firstLine(h.Prompt))
	fmt.Printf("  events:     %d (tool uses: %d)\n", len(h.Events), h.TotalToolUses)
	if len(h.FilesModified) > 0 {
		fmt.Printf("  files:      %s\n", strings.Join(h.FilesModified, ", "))
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func printEvent(event worker.Event) {
	name := fmt.Sprintf("worker-%d", event.WorkerID)
	if event.Snapshot != nil {
		name = event.Snapshot.Name
	}
	switch event.Type {
	case worker.EventLog:
		color.Printlnf(name, "%s", event.Line)
	case worker.EventPermissionRequested:
		if event.Request != nil {
			color.Printlnf(name, "permission requested: step %q (request #%d)",
				event.Request.StepName, event.Request.ID)
		}
	case worker.EventPermissionResolved:
		verdict := "denied"
		if event.Decision != nil && event.Decision.Allow {
			verdict = "allowed"
		}
		color.Printlnf(name, "permission request #%d %s", event.RequestID, verdict)
	case worker.EventRenamed:
		color.Printlnf(event.NewName, "renamed from %s", event.OldName)
	case worker.EventError:
		color.Printlnf(name, "error: %s", event.Message)
	case worker.EventDeleted:
		color.Printlnf(name, "%s", event.Message)
	default:
		if event.Snapshot != nil {
			color.Printlnf(name, "%s: %s", event.Snapshot.Status, event.Snapshot.LastEvent)
		}
	}
}
