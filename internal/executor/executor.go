// Package executor implements the Sandboxed Executor contract (spec
// §4.1): it never spawns a child process directly on behalf of a
// workspace — every invocation is built into a command line for a
// single privileged helper binary that drops to the workspace's OS
// identity and applies a landlock-style filesystem/network policy
// before exec'ing the real command. The core supplies only the policy
// intent; the helper enforces it.
//
// Grounded on the teacher's internal/acp/process.go, which spawns agent
// children via `docker exec -u <user> -w <dir> -e K=V... <container>
// <cmd> <args>`. The privileged helper here plays the role `docker exec`
// played there: a single trusted front door that the core never
// bypasses.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vibe80/orchestrator/internal/audit"
)

// envWhitelist is the set of environment variables the executor will
// forward into a sandboxed invocation (spec §4.1).
var envWhitelist = map[string]bool{
	"GIT_SSH_COMMAND":     true,
	"GIT_CONFIG_GLOBAL":   true,
	"GIT_TERMINAL_PROMPT": true,
	"TERM":                true,
	"TMPDIR":              true,
	"CLAUDE_CODE_TMPDIR":  true,
}

// NetMode selects the egress policy applied by the helper.
type NetMode string

const (
	NetNone     NetMode = "none"
	NetGitOnly  NetMode = "tcp:22,53,443"
	NetFull     NetMode = "full"
)

// Sandbox describes the filesystem/network policy intent passed to the
// helper. The executor does not enforce any of this itself — it is
// intent, not mechanism (spec §4.1).
type Sandbox struct {
	RepoDir          string
	TmpDir           string
	AttachmentsDir   string
	InternetAccess   bool
	NetMode          NetMode
	ExtraAllowRW     []string
	ExtraAllowRWFiles []string
}

// Opts configures a single invocation.
type Opts struct {
	Cwd         string
	Env         map[string]string
	InputBytes  []byte
	InputStream io.Reader
	BinaryOutput bool
	Sandbox     Sandbox
}

// Result is the outcome of a non-streaming invocation.
type Result struct {
	Stdout []byte
	Stderr []byte
	Exit   int
}

// StreamHandle controls a long-lived streaming invocation (e.g. a
// provider child process).
type StreamHandle struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	cmd        *exec.Cmd
	waitOnce   sync.Once
	waitErr    error
	waitDone   chan struct{}
	keepalive  *time.Ticker
}

// WaitExit blocks until the process exits and returns its error (nil on
// a clean exit).
func (h *StreamHandle) WaitExit() error {
	h.waitOnce.Do(func() {
		h.waitErr = h.cmd.Wait()
		close(h.waitDone)
		if h.keepalive != nil {
			h.keepalive.Stop()
		}
	})
	<-h.waitDone
	return h.waitErr
}

// Kill sends SIGKILL to the child.
func (h *StreamHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

// Signal sends an arbitrary signal to the child, for callers that need
// a graceful SIGTERM before escalating to Kill (spec §4.6: "sends
// SIGTERM, waits up to timeoutMs, escalates to SIGKILL").
func (h *StreamHandle) Signal(sig os.Signal) error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Signal(sig)
}

// HelperSpawnError is a fatal, user-surfaced error carrying full
// invocation context (spec §4.1, §6).
type HelperSpawnError struct {
	WorkspaceID string
	Cwd         string
	Command     []string
	Stderr      string
	Err         error
}

func (e *HelperSpawnError) Error() string {
	return fmt.Sprintf("sandboxed helper spawn failed: workspace=%s cwd=%s command=%v: %v", e.WorkspaceID, e.Cwd, e.Command, e.Err)
}

func (e *HelperSpawnError) Unwrap() error { return e.Err }

// Executor invokes commands through the privileged helper. In
// single-tenant mode it bypasses the helper and execs directly with the
// parent process's own identity (spec §4.1).
type Executor struct {
	helperPath   string
	singleTenant bool
	audit        audit.Sink
}

// New creates an Executor. helperPath is the path to the privileged
// helper binary; it is ignored (but still accepted) in single-tenant mode.
// auditSink records one entry per helper invocation (spec §4.1: "All
// helper invocations record an audit entry"); a nil auditSink disables
// audit logging.
func New(helperPath string, singleTenant bool, auditSink audit.Sink) *Executor {
	if auditSink == nil {
		auditSink = audit.NopSink{}
	}
	return &Executor{helperPath: helperPath, singleTenant: singleTenant, audit: auditSink}
}

// buildArgs constructs the helper's argv for a given workspace/opts,
// or — in single-tenant mode — the bare command argv.
func (e *Executor) buildArgs(workspaceID string, argv []string, opts Opts) []string {
	if e.singleTenant {
		return argv
	}

	args := []string{
		"--workspace-id", workspaceID,
		"--cwd", opts.Cwd,
	}
	for k, v := range opts.Env {
		if envWhitelist[k] {
			args = append(args, "--env", fmt.Sprintf("%s=%s", k, v))
		}
	}

	args = append(args, sandboxArgs(opts.Sandbox)...)
	args = append(args, "--")
	args = append(args, argv...)
	return args
}

// sandboxArgs renders the sandbox policy intent into the helper's
// --ro/--rw/--net flag shape (spec §6).
func sandboxArgs(s Sandbox) []string {
	var args []string
	for _, rw := range []string{s.RepoDir, s.TmpDir, s.AttachmentsDir} {
		if rw != "" {
			args = append(args, "--rw", rw)
		}
	}
	for _, rw := range s.ExtraAllowRW {
		args = append(args, "--rw", rw)
	}
	for _, f := range s.ExtraAllowRWFiles {
		args = append(args, "--rw-file", f)
	}

	netMode := s.NetMode
	if netMode == "" {
		if s.InternetAccess {
			netMode = NetFull
		} else {
			netMode = NetNone
		}
	}
	args = append(args, "--net", string(netMode))
	return args
}

func (e *Executor) commandName() string {
	if e.singleTenant {
		return ""
	}
	return e.helperPath
}

// Run executes a command to completion and captures its output.
func (e *Executor) Run(ctx context.Context, workspaceID string, argv []string, opts Opts) (Result, error) {
	args := e.buildArgs(workspaceID, argv, opts)

	var cmd *exec.Cmd
	if e.singleTenant {
		if len(argv) == 0 {
			return Result{}, fmt.Errorf("executor: empty argv")
		}
		cmd = exec.CommandContext(ctx, argv[0], argv[1:]...)
	} else {
		cmd = exec.CommandContext(ctx, e.helperPath, args...)
	}
	if opts.Cwd != "" && e.singleTenant {
		cmd.Dir = opts.Cwd
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if opts.InputStream != nil {
		cmd.Stdin = opts.InputStream
	} else if opts.InputBytes != nil {
		cmd.Stdin = bytes.NewReader(opts.InputBytes)
	}

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			slog.Error("sandboxed executor: helper spawn failed", "workspaceId", workspaceID, "cwd", opts.Cwd, "command", argv, "error", err)
			e.auditInvocation(workspaceID, "executor.run", argv, false, err)
			return Result{}, &HelperSpawnError{
				WorkspaceID: workspaceID,
				Cwd:         opts.Cwd,
				Command:     argv,
				Stderr:      stderr.String(),
				Err:         err,
			}
		}
	}

	e.auditInvocation(workspaceID, "executor.run", argv, exitCode == 0, nil)
	return Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Exit: exitCode}, nil
}

// auditInvocation records one audit entry per helper invocation (spec
// §4.1). Single-tenant mode bypasses the privileged helper entirely, so
// there is nothing to audit there.
func (e *Executor) auditInvocation(workspaceID, action string, argv []string, ok bool, err error) {
	if e.singleTenant || workspaceID == "" {
		return
	}
	detail := map[string]string{
		"command": strings.Join(argv, " "),
		"ok":      strconv.FormatBool(ok),
	}
	if err != nil {
		detail["error"] = err.Error()
	}
	e.audit.Record(workspaceID, audit.Entry{Action: action, Detail: detail})
}

// Stream starts a long-lived child process with piped stdio, for the
// provider supervisor's framed I/O (spec §4.6). keepaliveInterval, when
// non-zero, starts a ticker held inside the handle and stopped when the
// child exits; nothing reads it and no keepalive is written to the
// child.
func (e *Executor) Stream(ctx context.Context, workspaceID string, argv []string, opts Opts, keepaliveInterval time.Duration) (*StreamHandle, error) {
	var cmd *exec.Cmd
	if e.singleTenant {
		if len(argv) == 0 {
			return nil, fmt.Errorf("executor: empty argv")
		}
		cmd = exec.CommandContext(ctx, argv[0], argv[1:]...)
		if opts.Cwd != "" {
			cmd.Dir = opts.Cwd
		}
	} else {
		args := e.buildArgs(workspaceID, argv, opts)
		cmd = exec.CommandContext(ctx, e.helperPath, args...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("executor: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("executor: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("executor: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		slog.Error("sandboxed executor: helper spawn failed", "workspaceId", workspaceID, "cwd", opts.Cwd, "command", argv, "error", err)
		e.auditInvocation(workspaceID, "executor.stream", argv, false, err)
		return nil, &HelperSpawnError{WorkspaceID: workspaceID, Cwd: opts.Cwd, Command: argv, Err: err}
	}

	slog.Info("sandboxed executor: stream started", "workspaceId", workspaceID, "command", e.commandName(), "argv", argv)
	e.auditInvocation(workspaceID, "executor.stream", argv, true, nil)

	h := &StreamHandle{
		Stdin:    stdin,
		Stdout:   stdout,
		Stderr:   stderr,
		cmd:      cmd,
		waitDone: make(chan struct{}),
	}
	if keepaliveInterval > 0 {
		h.keepalive = time.NewTicker(keepaliveInterval)
	}
	return h, nil
}
