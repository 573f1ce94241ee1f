// Package provider implements the Provider Client Supervisor contract
// (spec §4.6): one common lifecycle abstraction over two child-process
// wire protocols — Codex's line-framed JSON-RPC 2.0, and Claude's
// one-shot-per-turn NDJSON stream.
//
// Grounded on the teacher's internal/acp/session_host.go (SessionHost):
// the turn lifecycle (active-turn-id set, restart-when-idle request
// flag), the stderr/exit monitor goroutines, and the broadcast-event
// shape are all adapted from there; the ACP-specific framing is
// replaced by the two wire protocols this spec defines.
package provider

import "encoding/json"

// EventType enumerates the supervisor event taxonomy (spec §4.6).
type EventType string

const (
	EventThreadStarting           EventType = "thread_starting"
	EventReady                    EventType = "ready"
	EventAssistantDelta           EventType = "assistant_delta"
	EventAssistantMessage         EventType = "assistant_message"
	EventCommandExecutionDelta    EventType = "command_execution_delta"
	EventCommandExecutionCompleted EventType = "command_execution_completed"
	EventTurnStarted              EventType = "turn_started"
	EventTurnCompleted            EventType = "turn_completed"
	EventTurnError                EventType = "turn_error"
	EventLog                      EventType = "log"
	EventRPCIn                    EventType = "rpc_in"
	EventRPCOut                   EventType = "rpc_out"
	EventExit                     EventType = "exit"
	EventAccountLoginStarted      EventType = "account_login_started"
	EventAccountLoginCompleted    EventType = "account_login_completed"
	EventAccountLoginFailed       EventType = "account_login_failed"
	EventWorktreeStatus           EventType = "worktree_status"
)

// Event is a single supervisor-emitted occurrence, broadcast to the
// Streaming Fan-out (C8) by whatever owns this supervisor.
type Event struct {
	Type       EventType
	ThreadID   string
	TurnID     string
	ItemID     string
	Delta      string
	Text       string
	Command    string
	Output     string
	Message    string
	WillRetry  bool
	ExitCode   int
	Signal     string
	Reason     string
	Raw        json.RawMessage
}

// Status is the supervisor's externally-visible lifecycle state
// (spec §4.6: "status() returns one of {starting, restarting, idle,
// busy, stopping}"), extended with error/stopped for the states a
// caller needs to distinguish after exit.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusRestarting Status = "restarting"
	StatusIdle       Status = "idle"
	StatusBusy       Status = "busy"
	StatusStopping   Status = "stopping"
	StatusStopped    Status = "stopped"
	StatusError      Status = "error"
)

// Model is a single entry from listModels.
type Model struct {
	ID              string
	Name            string
	ReasoningEffort string
}
