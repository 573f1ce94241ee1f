// Package fanout implements the Streaming Fan-out (spec §4.8): the
// WebSocket boundary between browser viewers and a session's running
// worktrees.
//
// Grounded on the teacher's internal/acp/gateway.go (Gateway): the
// ping/pong keepalive, the single writer mutex per connection, and the
// JSON-RPC-ish "parse type, switch, dispatch" control-message loop are
// all adapted from there. The teacher bridges one socket to one ACP
// agent process; this generalizes to many sockets per session,
// multiple worktrees, and a typed outbound event envelope instead of
// raw ACP JSON-RPC frames.
package fanout

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vibe80/orchestrator/internal/apierr"
	"github.com/vibe80/orchestrator/internal/auth"
	"github.com/vibe80/orchestrator/internal/provider"
	"github.com/vibe80/orchestrator/internal/session"
	"github.com/vibe80/orchestrator/internal/storage"
)

// pingInterval/pongTimeout mirror the teacher's gateway keepalive
// (acp/gateway.go: pingInterval = 30s, pongTimeout = 10s).
const (
	pingInterval = 30 * time.Second
	pongTimeout  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Runtime is everything the fan-out needs from the rest of the system
// to execute inbound commands (spec §4.8's routing table) without
// importing the API layer that wires C3-C9 together.
type Runtime interface {
	// SendTurn starts a turn on worktreeID ("" resolves to main) and
	// returns the turnId the client should track.
	SendTurn(sessionID, worktreeID, text string) (turnID string, err error)
	InterruptTurn(sessionID, worktreeID, turnID string) error
	SwitchProvider(sessionID, worktreeID, newProvider string) error
	ListModels(sessionID, worktreeID, cursor string, limit int) ([]provider.Model, string, error)
	SetDefaultModel(sessionID, worktreeID, model, reasoningEffort string) error
	StartAccountLogin(sessionID, worktreeID string, params map[string]string) error
	ActionRequest(sessionID, worktreeID, action string, payload map[string]interface{}) (map[string]interface{}, error)
}

// Hub upgrades and routes every streaming connection (spec §4.8).
type Hub struct {
	auth     *auth.Manager
	sessions *session.Manager
	runtime  Runtime

	allowRun bool
	allowGit bool

	mu        sync.Mutex
	recovering map[string]bool // workspaceID -> an auth-recovery attempt is already in flight
}

// NewHub builds the fan-out boundary.
func NewHub(authMgr *auth.Manager, sessions *session.Manager, runtime Runtime, allowRun, allowGit bool) *Hub {
	return &Hub{
		auth:       authMgr,
		sessions:   sessions,
		runtime:    runtime,
		allowRun:   allowRun,
		allowGit:   allowGit,
		recovering: make(map[string]bool),
	}
}

// conn wraps one upgraded WebSocket as a session.Socket (spec §4.7's
// SessionRuntime.sockets entries), serializing writes behind writeMu
// the way the teacher's Gateway does.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *conn) Send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// Close implements session.Socket for the GC sweeper's session-eviction
// path (spec §4.9).
func (c *conn) Close() error {
	return c.ws.Close()
}

func (c *conn) sendError(message string) {
	frame, _ := json.Marshal(map[string]string{"type": "error", "message": message})
	_ = c.Send(frame)
}

// ServeHTTP upgrades the request and runs the connection until it
// closes (spec §4.8: "On accept ... else close with {type:'error', ...}").
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	sessionID := r.URL.Query().Get("session")

	workspaceID, err := h.auth.VerifyAccessToken(token)
	ws, upErr := upgrader.Upgrade(w, r, nil)
	if upErr != nil {
		slog.Warn("fanout: upgrade failed", "error", upErr)
		return
	}
	c := &conn{ws: ws}

	if err != nil {
		c.sendError("Invalid workspace token.")
		_ = ws.Close()
		return
	}

	sess, ok := h.sessions.Get(sessionID)
	if !ok || sess.WorkspaceID != workspaceID {
		c.sendError("Unknown session.")
		_ = ws.Close()
		return
	}

	if err := h.sessions.AddSocket(sessionID, c); err != nil {
		c.sendError("Unknown session.")
		_ = ws.Close()
		return
	}
	defer h.sessions.RemoveSocket(sessionID, c)

	h.run(c, workspaceID, sessionID)
}

// run bridges inbound frames to the runtime until the socket closes,
// mirroring the teacher's Gateway.Run ping/pong + ReadMessage loop.
func (h *Hub) run(c *conn, workspaceID, sessionID string) {
	ws := c.ws
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()
	stopPing := make(chan struct{})
	defer close(stopPing)

	go func() {
		for {
			select {
			case <-stopPing:
				return
			case <-pingTicker.C:
				c.writeMu.Lock()
				err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		ws.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		h.dispatch(c, workspaceID, sessionID, data)
	}
}

// inboundEnvelope is the opaque {type, ...} shape shared by every
// inbound frame (spec §4.8).
type inboundEnvelope struct {
	Type              string          `json:"type"`
	Session           string          `json:"session,omitempty"`
	WorktreeID        string          `json:"worktreeId,omitempty"`
	Text              string          `json:"text,omitempty"`
	TurnID            string          `json:"turnId,omitempty"`
	Provider          string          `json:"provider,omitempty"`
	Cursor            string          `json:"cursor,omitempty"`
	Limit             int             `json:"limit,omitempty"`
	Model             string          `json:"model,omitempty"`
	ReasoningEffort   string          `json:"reasoningEffort,omitempty"`
	Params            map[string]string `json:"params,omitempty"`
	Action            string          `json:"action,omitempty"`
	Payload           map[string]interface{} `json:"payload,omitempty"`
	LastSeenMessageID string          `json:"lastSeenMessageId,omitempty"`
}

// dispatch routes one inbound envelope per spec §4.8's table.
func (h *Hub) dispatch(c *conn, workspaceID, sessionID string, raw []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.sendError("malformed frame")
		return
	}

	switch env.Type {
	case "ping":
		reply, _ := json.Marshal(map[string]string{"type": "pong"})
		_ = c.Send(reply)

	case "user_message", "worktree_send_message":
		h.handleSendMessage(c, workspaceID, sessionID, env)

	case "worktree_messages_sync":
		h.handleMessagesSync(c, sessionID, env)

	case "turn_interrupt":
		interrupt := func() error { return h.runtime.InterruptTurn(sessionID, env.WorktreeID, env.TurnID) }
		if err := interrupt(); err != nil {
			h.replyOrRecover(c, workspaceID, err, func() error { return interrupt() })
		}

	case "switch_provider":
		doSwitch := func() error { return h.runtime.SwitchProvider(sessionID, env.WorktreeID, env.Provider) }
		if err := doSwitch(); err != nil {
			h.replyOrRecover(c, workspaceID, err, func() error {
				if rerr := doSwitch(); rerr != nil {
					return rerr
				}
				h.sessions.Broadcast(sessionID, mustMarshal(map[string]interface{}{
					"type":       "provider_switched",
					"worktreeId": defaultWorktree(env.WorktreeID),
					"provider":   env.Provider,
				}))
				return nil
			})
			return
		}
		h.sessions.Broadcast(sessionID, mustMarshal(map[string]interface{}{
			"type":       "provider_switched",
			"worktreeId": defaultWorktree(env.WorktreeID),
			"provider":   env.Provider,
		}))

	case "model_list":
		sendModelList := func() error {
			models, cursor, err := h.runtime.ListModels(sessionID, env.WorktreeID, env.Cursor, env.Limit)
			if err != nil {
				return err
			}
			_ = c.Send(mustMarshal(map[string]interface{}{
				"type":       "model_list",
				"worktreeId": defaultWorktree(env.WorktreeID),
				"models":     models,
				"cursor":     cursor,
			}))
			return nil
		}
		if err := sendModelList(); err != nil {
			h.replyOrRecover(c, workspaceID, err, sendModelList)
		}

	case "model_set":
		setModel := func() error {
			return h.runtime.SetDefaultModel(sessionID, env.WorktreeID, env.Model, env.ReasoningEffort)
		}
		if err := setModel(); err != nil {
			h.replyOrRecover(c, workspaceID, err, setModel)
		}

	case "account_login_start":
		startLogin := func() error { return h.runtime.StartAccountLogin(sessionID, env.WorktreeID, env.Params) }
		if err := startLogin(); err != nil {
			h.replyOrRecover(c, workspaceID, err, startLogin)
		}

	case "action_request":
		h.handleActionRequest(c, workspaceID, sessionID, env)

	default:
		c.sendError(fmt.Sprintf("unknown frame type %q", env.Type))
	}
}

func defaultWorktree(id string) string {
	if id == "" {
		return session.MainWorktreeID
	}
	return id
}

func (h *Hub) handleSendMessage(c *conn, workspaceID, sessionID string, env inboundEnvelope) {
	worktreeID := env.WorktreeID
	var wtPtr *string
	if worktreeID != "" {
		wtPtr = &worktreeID
	}

	if err := h.sessions.AppendMessage(sessionID, wtPtr, storage.ChatMessage{
		ID:   fmt.Sprintf("m-%d", time.Now().UnixNano()),
		Role: storage.RoleUser,
		Text: env.Text,
	}); err != nil {
		c.sendError(err.Error())
		return
	}

	sendTurn := func() error {
		turnID, serr := h.runtime.SendTurn(sessionID, worktreeID, env.Text)
		if serr != nil {
			return serr
		}
		_ = c.Send(mustMarshal(map[string]interface{}{
			"type":       "turn_started",
			"worktreeId": defaultWorktree(worktreeID),
			"turnId":     turnID,
		}))
		return nil
	}
	if err := sendTurn(); err != nil {
		h.replyOrRecover(c, workspaceID, err, sendTurn)
	}
}

func (h *Hub) handleMessagesSync(c *conn, sessionID string, env inboundEnvelope) {
	msgs, status, err := h.sessions.MessagesSince(sessionID, env.WorktreeID, env.LastSeenMessageID)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	_ = c.Send(mustMarshal(map[string]interface{}{
		"type":       "worktree_messages_sync",
		"worktreeId": defaultWorktree(env.WorktreeID),
		"messages":   msgs,
		"status":     status,
	}))
}

func (h *Hub) handleActionRequest(c *conn, workspaceID, sessionID string, env inboundEnvelope) {
	switch env.Action {
	case "run":
		if !h.allowRun {
			c.sendError("run actions are disabled")
			return
		}
	case "git":
		if !h.allowGit {
			c.sendError("git actions are disabled")
			return
		}
	default:
		c.sendError(fmt.Sprintf("unsupported action %q", env.Action))
		return
	}

	doAction := func() error {
		result, aerr := h.runtime.ActionRequest(sessionID, env.WorktreeID, env.Action, env.Payload)
		if aerr != nil {
			return aerr
		}
		_ = c.Send(mustMarshal(map[string]interface{}{
			"type":       "action_result",
			"worktreeId": defaultWorktree(env.WorktreeID),
			"action":     env.Action,
			"result":     result,
		}))
		return nil
	}
	if err := doAction(); err != nil {
		h.replyOrRecover(c, workspaceID, err, doAction)
	}
}

// replyOrRecover sends a plain error frame unless err reports one of
// the auth-expiry codes, in which case it mints a fresh token pair for
// the workspace via Login and, on success, retries the operation that
// originally failed. The minted pair is not sent to the client, the
// agent channel is not reconnected and messages are not re-synced;
// only the failed operation is retried. A concurrent
// caller that finds a recovery already in flight for this workspace
// just reports the original error — only the caller that wins the
// race retries.
func (h *Hub) replyOrRecover(c *conn, workspaceID string, err error, retry func() error) {
	apiErr, ok := err.(*apierr.Error)
	if !ok || !isAuthExpiry(apiErr.Code) {
		c.sendError(err.Error())
		return
	}

	h.mu.Lock()
	alreadyRecovering := h.recovering[workspaceID]
	if !alreadyRecovering {
		h.recovering[workspaceID] = true
	}
	h.mu.Unlock()

	if alreadyRecovering {
		c.sendError(err.Error())
		return
	}
	defer func() {
		h.mu.Lock()
		delete(h.recovering, workspaceID)
		h.mu.Unlock()
	}()

	if _, refreshErr := h.auth.Login(workspaceID); refreshErr != nil {
		c.sendError("workspace auth recovery failed")
		return
	}
	if retryErr := retry(); retryErr != nil {
		c.sendError(retryErr.Error())
	}
}

func isAuthExpiry(code apierr.Code) bool {
	switch code {
	case apierr.WorkspaceAuthRequired, apierr.WorkspaceTokenInvalid, apierr.WorkspaceTokenExpiredCode:
		return true
	}
	return false
}

// BroadcastEvent wraps a supervisor event with its worktree and writes
// it to every open socket on the session (spec §4.6/§4.8). Called by
// whatever owns the provider.Supervisor (the API layer) as it drains
// Events().
func (h *Hub) BroadcastEvent(sessionID, worktreeID string, ev provider.Event) {
	frame := mustMarshal(map[string]interface{}{
		"type":       ev.Type,
		"worktreeId": defaultWorktree(worktreeID),
		"threadId":   ev.ThreadID,
		"turnId":     ev.TurnID,
		"itemId":     ev.ItemID,
		"delta":      ev.Delta,
		"text":       ev.Text,
		"command":    ev.Command,
		"output":     ev.Output,
		"message":    ev.Message,
		"willRetry":  ev.WillRetry,
		"exitCode":   ev.ExitCode,
		"reason":     ev.Reason,
	})
	h.sessions.Broadcast(sessionID, frame)
}

func mustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Error("fanout: marshal outbound frame failed", "error", err)
		return []byte(`{"type":"error","message":"internal encoding error"}`)
	}
	return b
}
