package provider

import (
	"context"
	"sync"
	"time"
)

// Supervisor is the common contract both wire-protocol variants
// implement (spec §4.6).
type Supervisor interface {
	Start(ctx context.Context) error
	Stop(force bool, timeout time.Duration) error
	SendTurn(ctx context.Context, text string) (turnID string, err error)
	InterruptTurn(turnID string) error
	ListModels(cursor string, limit int) ([]Model, string, error)
	SetDefaultModel(model string, reasoningEffort string) error
	StartAccountLogin(params map[string]string) error
	RequestRestart()
	Status() Status
	Events() <-chan Event
}

// StartupParams bundles the isolation/identity inputs both variants
// need to bootstrap a child (spec §4.6).
type StartupParams struct {
	WorkspaceID     string
	SessionID       string
	WorktreeID      string
	ThreadID        string // non-empty: resume; empty: new thread
	WritableRoots   []string
	NetworkAccess   bool
	WebSearch       bool
	BaseInstructions string
	SystemPrompt    string
}

// ErrInterruptUnsupported is returned by variants (Claude) whose wire
// protocol has no mid-turn cancellation (spec §4.6).
type ErrInterruptUnsupported struct{}

func (ErrInterruptUnsupported) Error() string {
	return "interruptTurn is not supported by this provider"
}

// turnTracker is the shared "busy iff active turn set non-empty" state
// machine plus idle-triggered restart flag (spec §4.6), embedded by
// both variants so restart-if-idle semantics only need to be written
// once.
type turnTracker struct {
	mu               sync.Mutex
	status           Status
	activeTurns      map[string]bool
	restartRequested bool
	onIdleRestart    func()
}

func newTurnTracker() *turnTracker {
	return &turnTracker{status: StatusStarting, activeTurns: make(map[string]bool)}
}

func (t *turnTracker) setStatus(s Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

func (t *turnTracker) getStatus() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Status reports the supervisor's current lifecycle state. Promoted to
// both wire-protocol variants via embedding, satisfying the Supervisor
// interface for each without duplicating the lock.
func (t *turnTracker) Status() Status {
	return t.getStatus()
}

// startTurn records turnID as active and flips status to busy.
func (t *turnTracker) startTurn(turnID string) {
	t.mu.Lock()
	t.activeTurns[turnID] = true
	t.status = StatusBusy
	t.mu.Unlock()
}

// endTurn removes turnID from the active set. If the set becomes
// empty, status returns to idle and a pending restart request (if any)
// fires via onIdleRestart.
func (t *turnTracker) endTurn(turnID string) {
	t.mu.Lock()
	delete(t.activeTurns, turnID)
	empty := len(t.activeTurns) == 0
	shouldRestart := empty && t.restartRequested
	if empty {
		t.status = StatusIdle
		t.restartRequested = false
	}
	cb := t.onIdleRestart
	t.mu.Unlock()

	if shouldRestart && cb != nil {
		cb()
	}
}

func (t *turnTracker) requestRestart() {
	t.mu.Lock()
	if len(t.activeTurns) == 0 {
		t.restartRequested = false
		cb := t.onIdleRestart
		t.mu.Unlock()
		if cb != nil {
			cb()
		}
		return
	}
	t.restartRequested = true
	t.mu.Unlock()
}

func (t *turnTracker) isBusy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.activeTurns) > 0
}
