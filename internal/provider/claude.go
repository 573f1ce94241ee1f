package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/vibe80/orchestrator/internal/executor"
	"github.com/vibe80/orchestrator/internal/idgen"
	"github.com/vibe80/orchestrator/internal/storage"
)

// ClaudeSupervisor implements the Supervisor contract over Claude's
// one-shot-per-turn NDJSON child (spec §4.6): there is no long-lived
// process and no request/response correlation — sendTurn spawns a
// fresh child, streams its stdout until exit, and interruptTurn is
// unsupported.
type ClaudeSupervisor struct {
	*turnTracker

	exec       *executor.Executor
	binaryPath string
	params     StartupParams
	sink       MessageSink
	logger     *ProcessLogger
	allowWebSearch bool

	events chan Event

	mu          sync.Mutex
	currentHandle *executor.StreamHandle
	modelInfo   map[string]interface{}
	model           string
	reasoningEffort string
}

// NewClaudeSupervisor builds a Claude-protocol supervisor.
func NewClaudeSupervisor(exec *executor.Executor, binaryPath string, params StartupParams, sink MessageSink, logger *ProcessLogger) *ClaudeSupervisor {
	return &ClaudeSupervisor{
		turnTracker: newTurnTracker(),
		exec:        exec,
		binaryPath:  binaryPath,
		params:      params,
		sink:        sink,
		logger:      logger,
		allowWebSearch: params.WebSearch,
		events:      make(chan Event, 256),
	}
}

func (c *ClaudeSupervisor) Events() <-chan Event { return c.events }

func (c *ClaudeSupervisor) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

// Start has nothing to bootstrap — Claude spawns fresh per turn — so
// it only marks the supervisor ready.
func (c *ClaudeSupervisor) Start(ctx context.Context) error {
	c.emit(Event{Type: EventThreadStarting})
	c.setStatus(StatusIdle)
	c.emit(Event{Type: EventReady})
	return nil
}

func (c *ClaudeSupervisor) buildArgs() []string {
	args := []string{
		"--continue", "-p",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--permission-mode", "acceptEdits",
	}
	tools := "Bash(git:*)"
	if c.allowWebSearch {
		tools += ",WebSearch"
	}
	args = append(args, "--allowed-tools", tools)
	for _, root := range c.params.WritableRoots {
		args = append(args, "--add-dir", root)
	}
	if c.params.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", c.params.SystemPrompt)
	}

	c.mu.Lock()
	model := c.model
	c.mu.Unlock()
	if model != "" {
		args = append(args, "--model", model)
	}
	return args
}

// SendTurn spawns a one-shot claude child, writes a single user
// message, and streams the response until the child exits (spec
// §4.6). turnId is minted client-side since Claude's wire protocol
// carries none.
func (c *ClaudeSupervisor) SendTurn(ctx context.Context, text string) (string, error) {
	if c.isBusy() {
		return "", fmt.Errorf("claude: a turn is already in flight")
	}

	turnID := idgen.UUID()
	c.startTurn(turnID)
	c.emit(Event{Type: EventTurnStarted, TurnID: turnID})

	argv := append([]string{c.binaryPath}, c.buildArgs()...)
	handle, err := c.exec.Stream(ctx, c.params.WorkspaceID, argv, executor.Opts{
		Sandbox: executor.Sandbox{
			ExtraAllowRW:   c.params.WritableRoots,
			InternetAccess: c.params.NetworkAccess,
		},
	}, 0)
	if err != nil {
		c.endTurn(turnID)
		c.emit(Event{Type: EventTurnError, TurnID: turnID, Message: err.Error()})
		return "", err
	}

	c.mu.Lock()
	c.currentHandle = handle
	c.mu.Unlock()

	userLine, _ := json.Marshal(map[string]interface{}{
		"type": "user",
		"message": map[string]interface{}{
			"role": "user",
			"content": []map[string]string{
				{"type": "text", "text": text},
			},
		},
	})
	userLine = append(userLine, '\n')
	if c.logger != nil {
		c.logger.LogStdin(userLine)
	}
	if _, err := handle.Stdin.Write(userLine); err != nil {
		c.endTurn(turnID)
		c.emit(Event{Type: EventTurnError, TurnID: turnID, Message: err.Error()})
		return turnID, err
	}
	_ = handle.Stdin.Close()

	go c.streamTurn(handle, turnID)
	return turnID, nil
}

func (c *ClaudeSupervisor) streamTurn(handle *executor.StreamHandle, turnID string) {
	go c.drainStderr(handle)

	scanner := bufio.NewScanner(handle.Stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	pendingToolUses := make(map[string]string) // tool_use_id -> name
	var assistantText string

	for scanner.Scan() {
		line := scanner.Bytes()
		if c.logger != nil {
			c.logger.LogStdout(line)
		}

		var envelope map[string]interface{}
		if err := json.Unmarshal(line, &envelope); err != nil {
			c.emit(Event{Type: EventLog, Message: fmt.Sprintf("claude: ill-formed JSON line skipped: %v", err)})
			continue
		}

		switch stringField(envelope, "type") {
		case "system":
			if stringField(envelope, "subtype") == "init" {
				c.mu.Lock()
				c.modelInfo = envelope
				c.mu.Unlock()
			}

		case "assistant":
			text, toolUses := extractAssistantMessage(envelope)
			assistantText += text
			for id, name := range toolUses {
				pendingToolUses[id] = name
			}

		case "user":
			c.handleToolResult(envelope, pendingToolUses, turnID)

		case "result":
			isError, _ := envelope["is_error"].(bool)
			if isError {
				c.endTurn(turnID)
				c.emit(Event{Type: EventTurnError, TurnID: turnID, Message: stringField(envelope, "result"), WillRetry: false})
			}
		}
	}

	if assistantText != "" {
		if c.sink != nil {
			_ = c.sink.AppendMessage(storage.ChatMessage{
				ID:       idgen.UUID(),
				Role:     storage.RoleAssistant,
				Text:     assistantText,
				Provider: "claude",
			})
		}
		c.emit(Event{Type: EventAssistantMessage, TurnID: turnID, Text: assistantText})
	}

	err := handle.WaitExit()
	c.endTurn(turnID)
	if err != nil {
		c.emit(Event{Type: EventTurnError, TurnID: turnID, Message: err.Error(), WillRetry: false})
		c.emit(Event{Type: EventExit, ExitCode: 1, Reason: "exit"})
		return
	}
	c.emit(Event{Type: EventTurnCompleted, TurnID: turnID})
	c.emit(Event{Type: EventExit, ExitCode: 0, Reason: "exit"})
}

func (c *ClaudeSupervisor) drainStderr(handle *executor.StreamHandle) {
	scanner := bufio.NewScanner(handle.Stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if c.logger != nil {
			c.logger.LogStderr([]byte(line))
		}
		c.emit(Event{Type: EventLog, Message: line})
	}
}

func (c *ClaudeSupervisor) handleToolResult(envelope map[string]interface{}, pendingToolUses map[string]string, turnID string) {
	message, _ := envelope["message"].(map[string]interface{})
	content, _ := message["content"].([]interface{})
	for _, item := range content {
		m, ok := item.(map[string]interface{})
		if !ok || stringField(m, "type") != "tool_result" {
			continue
		}
		toolUseID := stringField(m, "tool_use_id")
		name := pendingToolUses[toolUseID]
		output := stringField(m, "content")

		if c.sink != nil {
			_ = c.sink.AppendMessage(storage.ChatMessage{
				ID:       idgen.UUID(),
				Role:     storage.RoleToolResult,
				Command:  name,
				Output:   output,
				Provider: "claude",
			})
		}
		c.emit(Event{Type: EventCommandExecutionCompleted, TurnID: turnID, ItemID: toolUseID, Command: name, Output: output})
	}
}

// extractAssistantMessage concatenates text blocks and records
// tool_use blocks by id (spec §4.6: "collect tool_use items into an
// in-process map, then emit one assistant_message per turn with the
// concatenated text").
func extractAssistantMessage(envelope map[string]interface{}) (text string, toolUses map[string]string) {
	toolUses = make(map[string]string)
	message, _ := envelope["message"].(map[string]interface{})
	content, _ := message["content"].([]interface{})
	var b []byte
	for _, item := range content {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		switch stringField(m, "type") {
		case "text":
			b = append(b, []byte(stringField(m, "text"))...)
		case "tool_use":
			toolUses[stringField(m, "id")] = stringField(m, "name")
		}
	}
	return string(b), toolUses
}

// InterruptTurn is unsupported by the Claude wire protocol (spec §4.6).
func (c *ClaudeSupervisor) InterruptTurn(turnID string) error {
	return ErrInterruptUnsupported{}
}

// ListModels is not offered by the Claude CLI in this integration;
// model selection happens via --model on spawn instead.
func (c *ClaudeSupervisor) ListModels(cursor string, limit int) ([]Model, string, error) {
	return nil, "", fmt.Errorf("claude: listModels is not supported")
}

// SetDefaultModel records model for the next spawn's --model flag
// (spec §4.6's common contract). The Claude CLI has no reasoning-effort
// flag the way Codex does, so reasoningEffort is accepted but has no
// effect on the spawned argv.
func (c *ClaudeSupervisor) SetDefaultModel(model string, reasoningEffort string) error {
	c.mu.Lock()
	c.model = model
	c.reasoningEffort = reasoningEffort
	c.mu.Unlock()
	return nil
}

// StartAccountLogin is not modeled for the Claude CLI integration.
func (c *ClaudeSupervisor) StartAccountLogin(params map[string]string) error {
	return fmt.Errorf("claude: account login is managed by the Claude CLI directly")
}

// RequestRestart records a restart request that fires the tracker's
// idle-restart callback once no turn is active. NewClaudeSupervisor
// installs no such callback, so nothing is restarted.
func (c *ClaudeSupervisor) RequestRestart() { c.requestRestart() }

// Stop terminates the in-flight child, if any. Idempotent.
func (c *ClaudeSupervisor) Stop(force bool, timeout time.Duration) error {
	c.setStatus(StatusStopping)
	c.mu.Lock()
	handle := c.currentHandle
	c.mu.Unlock()
	if handle == nil {
		c.setStatus(StatusStopped)
		return nil
	}
	done := make(chan struct{})
	go func() { _ = handle.WaitExit(); close(done) }()
	stopHandle(handle, force, timeout, done)
	c.setStatus(StatusStopped)
	return nil
}
