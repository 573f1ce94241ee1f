package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vibe80/orchestrator/internal/executor"
	"github.com/vibe80/orchestrator/internal/idgen"
	"github.com/vibe80/orchestrator/internal/storage"
)

// MessageSink receives persisted chat messages produced by a
// supervisor as it translates wire events (spec §4.6: "append
// persisted message").
type MessageSink interface {
	AppendMessage(msg storage.ChatMessage) error
}

// maxLineBytes bounds the per-line stdout buffer (spec §4.6:
// "Stdout buffer is length-bounded per supervisor").
const maxLineBytes = 10 * 1024 * 1024

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type pendingCall struct {
	resultCh chan json.RawMessage
	errCh    chan error
}

// CodexSupervisor implements the Supervisor contract over Codex's
// line-framed JSON-RPC 2.0 child (spec §4.6).
type CodexSupervisor struct {
	*turnTracker

	exec       *executor.Executor
	binaryPath string
	params     StartupParams
	sink       MessageSink
	logger     *ProcessLogger

	events chan Event

	writeMu sync.Mutex
	handle  *executor.StreamHandle

	callMu  sync.Mutex
	nextID  int64
	pending map[int64]*pendingCall

	threadID string
	readyCh  chan struct{}
	readyOnce sync.Once

	doneCh  chan struct{}
	stopOnce sync.Once
}

// NewCodexSupervisor builds a Codex-protocol supervisor.
func NewCodexSupervisor(exec *executor.Executor, binaryPath string, params StartupParams, sink MessageSink, logger *ProcessLogger) *CodexSupervisor {
	return &CodexSupervisor{
		turnTracker: newTurnTracker(),
		exec:        exec,
		binaryPath:  binaryPath,
		params:      params,
		sink:        sink,
		logger:      logger,
		events:      make(chan Event, 256),
		pending:     make(map[int64]*pendingCall),
		readyCh:     make(chan struct{}),
		doneCh:      make(chan struct{}),
		threadID:    params.ThreadID,
	}
}

func (c *CodexSupervisor) Events() <-chan Event { return c.events }

func (c *CodexSupervisor) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		// drop on a fully backed-up consumer rather than block the reader loop
	}
}

// Start spawns the child, bootstraps the thread via initialize +
// thread/start|thread/resume, and emits ready only after both succeed
// (spec §4.6).
func (c *CodexSupervisor) Start(ctx context.Context) error {
	c.emit(Event{Type: EventThreadStarting})

	handle, err := c.exec.Stream(ctx, c.params.WorkspaceID, []string{c.binaryPath}, executor.Opts{
		Sandbox: executor.Sandbox{
			ExtraAllowRW:   c.params.WritableRoots,
			InternetAccess: c.params.NetworkAccess,
		},
	}, 25*time.Second)
	if err != nil {
		return fmt.Errorf("codex: start child: %w", err)
	}
	c.handle = handle

	go c.readLoop(handle)
	go c.stderrLoop(handle)
	go c.exitLoop(handle)

	initParams, _ := json.Marshal(map[string]interface{}{
		"sandbox_workspace_write": map[string]interface{}{
			"writable_roots": c.params.WritableRoots,
			"network_access": c.params.NetworkAccess,
		},
		"web_search":        c.params.WebSearch,
		"baseInstructions":  c.params.BaseInstructions,
		"approvalPolicy":    "never",
	})
	if _, err := c.call(ctx, "initialize", initParams); err != nil {
		return fmt.Errorf("codex: initialize: %w", err)
	}

	var startMethod string
	var startParams []byte
	if c.params.ThreadID != "" {
		startMethod = "thread/resume"
		startParams, _ = json.Marshal(map[string]string{"threadId": c.params.ThreadID})
	} else {
		startMethod = "thread/start"
		startParams, _ = json.Marshal(map[string]interface{}{})
	}
	if _, err := c.call(ctx, startMethod, startParams); err != nil {
		return fmt.Errorf("codex: %s: %w", startMethod, err)
	}

	select {
	case <-c.readyCh:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return fmt.Errorf("codex: timed out waiting for thread/started")
	}

	c.setStatus(StatusIdle)
	c.emit(Event{Type: EventReady, ThreadID: c.threadID})
	return nil
}

func (c *CodexSupervisor) readLoop(handle *executor.StreamHandle) {
	scanner := bufio.NewScanner(handle.Stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if c.logger != nil {
			c.logger.LogStdout(line)
		}
		c.emit(Event{Type: EventRPCIn, Raw: append(json.RawMessage(nil), line...)})

		var env rpcEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			c.emit(Event{Type: EventLog, Message: fmt.Sprintf("codex: ill-formed JSON line skipped: %v", err)})
			continue
		}

		if env.ID != nil {
			c.resolvePending(*env.ID, env.Result, env.Error)
			continue
		}
		c.handleNotification(env.Method, env.Params)
	}
	if err := scanner.Err(); err != nil {
		c.emit(Event{Type: EventLog, Message: fmt.Sprintf("codex: stdout scan error: %v", err)})
	}
}

func (c *CodexSupervisor) stderrLoop(handle *executor.StreamHandle) {
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

func (c *CodexSupervisor) exitLoop(handle *executor.StreamHandle) {
	err := handle.WaitExit()
	c.stopOnce.Do(func() { close(c.doneCh) })

	reason := "exit"
	if c.getStatus() == StatusStopping {
		reason = "requested"
	}
	code := 0
	if err != nil {
		code = 1
	}
	if c.getStatus() != StatusStopping {
		c.setStatus(StatusError)
	} else {
		c.setStatus(StatusStopped)
	}
	c.emit(Event{Type: EventExit, ExitCode: code, Reason: reason})
}

func (c *CodexSupervisor) resolvePending(id int64, result json.RawMessage, rpcErr *rpcError) {
	c.callMu.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.callMu.Unlock()
	if !ok {
		return
	}
	if rpcErr != nil {
		pc.errCh <- fmt.Errorf("codex: rpc error %d: %s", rpcErr.Code, rpcErr.Message)
		return
	}
	pc.resultCh <- result
}

func (c *CodexSupervisor) call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	pc := &pendingCall{resultCh: make(chan json.RawMessage, 1), errCh: make(chan error, 1)}

	c.callMu.Lock()
	c.pending[id] = pc
	c.callMu.Unlock()

	env := rpcEnvelope{JSONRPC: "2.0", ID: &id, Method: method, Params: params}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	_, werr := c.handle.Stdin.Write(data)
	c.writeMu.Unlock()
	if werr != nil {
		c.callMu.Lock()
		delete(c.pending, id)
		c.callMu.Unlock()
		return nil, fmt.Errorf("codex: write request: %w", werr)
	}
	if c.logger != nil {
		c.logger.LogStdin(data)
	}
	c.emit(Event{Type: EventRPCOut, Raw: json.RawMessage(data)})

	select {
	case res := <-pc.resultCh:
		return res, nil
	case err := <-pc.errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *CodexSupervisor) notify(method string, params json.RawMessage) error {
	env := rpcEnvelope{JSONRPC: "2.0", Method: method, Params: params}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	c.writeMu.Lock()
	_, werr := c.handle.Stdin.Write(data)
	c.writeMu.Unlock()
	if c.logger != nil && werr == nil {
		c.logger.LogStdin(data)
	}
	return werr
}

// handleNotification implements the inbound-method translation table
// (spec §4.6).
func (c *CodexSupervisor) handleNotification(method string, params json.RawMessage) {
	var p map[string]interface{}
	_ = json.Unmarshal(params, &p)

	switch method {
	case "thread/started":
		if tid, ok := p["threadId"].(string); ok {
			c.threadID = tid
		}
		c.readyOnce.Do(func() { close(c.readyCh) })

	case "item/agentMessage/delta":
		c.emit(Event{
			Type:   EventAssistantDelta,
			TurnID: stringField(p, "turnId"),
			ItemID: stringField(p, "itemId"),
			Delta:  stringField(p, "delta"),
		})

	case "item/commandExecution/outputDelta":
		c.emit(Event{
			Type:   EventCommandExecutionDelta,
			TurnID: stringField(p, "turnId"),
			ItemID: stringField(p, "itemId"),
			Delta:  stringField(p, "delta"),
		})

	case "item/completed":
		c.handleItemCompleted(p)

	case "turn/started":
		turnID := stringField(p, "turnId")
		c.startTurn(turnID)
		c.emit(Event{Type: EventTurnStarted, TurnID: turnID})

	case "turn/completed":
		turnID := stringField(p, "turnId")
		c.endTurn(turnID)
		c.emit(Event{Type: EventTurnCompleted, TurnID: turnID})

	case "error":
		turnID := stringField(p, "turnId")
		willRetry, _ := p["willRetry"].(bool)
		if !willRetry && turnID != "" {
			c.endTurn(turnID)
		}
		c.emit(Event{Type: EventTurnError, TurnID: turnID, Message: stringField(p, "message"), WillRetry: willRetry})

	case "account/login/completed":
		c.emit(Event{Type: EventAccountLoginCompleted})

	default:
		c.emit(Event{Type: EventLog, Message: fmt.Sprintf("codex: unrecognized notification %q", method)})
	}
}

func (c *CodexSupervisor) handleItemCompleted(p map[string]interface{}) {
	item, _ := p["item"].(map[string]interface{})
	turnID := stringField(p, "turnId")
	itemID := stringField(p, "itemId")
	itemType, _ := item["type"].(string)

	switch itemType {
	case "agentMessage":
		text := stringField(item, "text")
		if c.sink != nil {
			_ = c.sink.AppendMessage(storage.ChatMessage{
				ID:       idgen.UUID(),
				Role:     storage.RoleAssistant,
				Text:     text,
				Provider: "codex",
			})
		}
		c.emit(Event{Type: EventAssistantMessage, TurnID: turnID, ItemID: itemID, Text: text})

	case "commandExecution":
		command := stringField(item, "command")
		output := stringField(item, "output")
		if c.sink != nil {
			_ = c.sink.AppendMessage(storage.ChatMessage{
				ID:       idgen.UUID(),
				Role:     storage.RoleToolResult,
				Command:  command,
				Output:   output,
				Provider: "codex",
			})
		}
		c.emit(Event{Type: EventCommandExecutionCompleted, TurnID: turnID, ItemID: itemID, Command: command, Output: output})
	}
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// SendTurn issues a turn/send request; Codex returns the server-minted
// turn id in its result (spec §4.6: "sendTurn(text) -> {turn:{id}}").
func (c *CodexSupervisor) SendTurn(ctx context.Context, text string) (string, error) {
	params, _ := json.Marshal(map[string]string{"text": text})
	result, err := c.call(ctx, "turn/send", params)
	if err != nil {
		return "", err
	}
	var decoded struct {
		Turn struct {
			ID string `json:"id"`
		} `json:"turn"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		return "", fmt.Errorf("codex: decode turn/send result: %w", err)
	}
	return decoded.Turn.ID, nil
}

// InterruptTurn cancels an in-flight turn (spec §4.6).
func (c *CodexSupervisor) InterruptTurn(turnID string) error {
	params, _ := json.Marshal(map[string]string{"turnId": turnID})
	_, err := c.call(context.Background(), "turn/interrupt", params)
	return err
}

// ListModels lists available models.
func (c *CodexSupervisor) ListModels(cursor string, limit int) ([]Model, string, error) {
	params, _ := json.Marshal(map[string]interface{}{"cursor": cursor, "limit": limit})
	result, err := c.call(context.Background(), "model/list", params)
	if err != nil {
		return nil, "", err
	}
	var decoded struct {
		Models     []Model `json:"models"`
		NextCursor string  `json:"nextCursor"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		return nil, "", fmt.Errorf("codex: decode model/list result: %w", err)
	}
	return decoded.Models, decoded.NextCursor, nil
}

// SetDefaultModel sets the default model/reasoning effort.
func (c *CodexSupervisor) SetDefaultModel(model string, reasoningEffort string) error {
	params, _ := json.Marshal(map[string]string{"model": model, "reasoningEffort": reasoningEffort})
	_, err := c.call(context.Background(), "model/setDefault", params)
	return err
}

// StartAccountLogin kicks off an account login flow; completion arrives
// asynchronously via the account/login/completed notification.
func (c *CodexSupervisor) StartAccountLogin(params map[string]string) error {
	c.emit(Event{Type: EventAccountLoginStarted})
	data, _ := json.Marshal(params)
	return c.notify("account/login/start", data)
}

// RequestRestart records a restart request that fires the tracker's
// idle-restart callback once the active turn set is empty (at once when
// already idle). NewCodexSupervisor installs no such callback, so the
// child process is not restarted.
func (c *CodexSupervisor) RequestRestart() { c.requestRestart() }

// Stop sends SIGTERM, waits timeout, escalates to SIGKILL. Idempotent.
func (c *CodexSupervisor) Stop(force bool, timeout time.Duration) error {
	c.setStatus(StatusStopping)
	stopHandle(c.handle, force, timeout, c.doneCh)
	return nil
}
