// Package api implements the API Surface (spec §4.10-equivalent
// "External Interfaces" in spec §6): HTTP route registration, the
// WebSocket upgrade handoff to the Streaming Fan-out, and the child
// registry that owns every live provider.Supervisor and drains its
// events into session state + broadcasts.
//
// Grounded on the teacher's internal/server/server.go (the Server
// struct's workspaces/sessionHosts maps and their mutex-guarded
// lifecycle) generalized from one ACP session host per workspace to
// one provider.Supervisor per (session, worktree) pair.
package api

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/vibe80/orchestrator/internal/config"
	"github.com/vibe80/orchestrator/internal/executor"
	"github.com/vibe80/orchestrator/internal/fanout"
	"github.com/vibe80/orchestrator/internal/gc"
	"github.com/vibe80/orchestrator/internal/gitrepo"
	"github.com/vibe80/orchestrator/internal/idgen"
	"github.com/vibe80/orchestrator/internal/provider"
	"github.com/vibe80/orchestrator/internal/session"
	"github.com/vibe80/orchestrator/internal/storage"
)

const (
	codexBinary  = "codex"
	claudeBinary = "claude"

	// idleChildThreshold is the per-provider idle-before-gc window
	// (spec §4.9 leaves the exact threshold to the implementation).
	idleChildThreshold = 15 * time.Minute
)

type childKey struct {
	sessionID  string
	worktreeID string
}

type childEntry struct {
	supervisor  provider.Supervisor
	provider    string
	lastTurnEnd time.Time
}

// Registry owns every live provider.Supervisor, keyed by (session,
// worktree), and is the single implementation shared by the fan-out's
// Runtime contract and the GC sweeper's SessionHooks/IdleChildScanner
// contracts.
type Registry struct {
	cfg      *config.Config
	exec     *executor.Executor
	sessions *session.Manager
	store    storage.Storage
	hub      *fanout.Hub // set after construction via SetHub (avoids an import cycle at build time)

	mu       sync.Mutex
	children map[childKey]*childEntry
}

// NewRegistry builds a Registry. The fan-out Hub is injected afterward
// via SetHub since the Hub itself depends on a Runtime implemented by
// this Registry.
func NewRegistry(cfg *config.Config, exec *executor.Executor, sessions *session.Manager, store storage.Storage) *Registry {
	return &Registry{
		cfg:      cfg,
		exec:     exec,
		sessions: sessions,
		store:    store,
		children: make(map[childKey]*childEntry),
	}
}

// SetHub wires the fan-out so the registry's event pump can broadcast.
func (r *Registry) SetHub(hub *fanout.Hub) { r.hub = hub }

// messageSink adapts session.Manager.AppendMessage to provider.MessageSink.
type messageSink struct {
	sessions   *session.Manager
	sessionID  string
	worktreeID string
}

func (s *messageSink) AppendMessage(msg storage.ChatMessage) error {
	wt := s.worktreeID
	return s.sessions.AppendMessage(s.sessionID, &wt, msg)
}

func resolveWorktree(worktreeID string) string {
	if worktreeID == "" {
		return session.MainWorktreeID
	}
	return worktreeID
}

// getOrStart returns the supervisor for (sessionID, worktreeID),
// lazily spawning one bound to the worktree's active provider if none
// is running (spec §4.9: "next inbound turn re-spawns lazily").
func (r *Registry) getOrStart(sessionID, worktreeID string) (provider.Supervisor, error) {
	worktreeID = resolveWorktree(worktreeID)
	key := childKey{sessionID, worktreeID}

	r.mu.Lock()
	if entry, ok := r.children[key]; ok {
		r.mu.Unlock()
		return entry.supervisor, nil
	}
	r.mu.Unlock()

	rt, err := r.sessions.EnsureLoaded(sessionID)
	if err != nil {
		return nil, err
	}
	unlock := rt.Lock()
	wtRuntime, ok := rt.Worktrees[worktreeID]
	sess := rt.Session
	unlock()
	if !ok {
		return nil, fmt.Errorf("api: unknown worktree %s in session %s", worktreeID, sessionID)
	}

	wt := wtRuntime.Worktree
	providerName := wt.Provider
	if providerName == "" {
		providerName = sess.ActiveProvider
	}

	sup, err := r.spawn(sessionID, worktreeID, providerName, wt, sess)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.children[key] = &childEntry{supervisor: sup, provider: providerName, lastTurnEnd: time.Now()}
	r.mu.Unlock()

	if err := sup.Start(context.Background()); err != nil {
		r.mu.Lock()
		delete(r.children, key)
		r.mu.Unlock()
		return nil, err
	}
	go r.pumpEvents(sessionID, worktreeID, sup)
	return sup, nil
}

func (r *Registry) spawn(sessionID, worktreeID, providerName string, wt storage.Worktree, sess storage.Session) (provider.Supervisor, error) {
	params := provider.StartupParams{
		WorkspaceID:      sess.WorkspaceID,
		SessionID:        sessionID,
		WorktreeID:       worktreeID,
		ThreadID:         sess.ThreadIDs[providerName],
		WritableRoots:    []string{wt.Path, sess.AttachmentsDir, sess.TmpDir},
		NetworkAccess:    sess.DefaultInternetAccess,
		SystemPrompt:     r.cfg.SystemPrompt,
	}

	var logger *provider.ProcessLogger
	if r.cfg.ActivateProviderLog {
		l, err := provider.NewProcessLogger(r.cfg.ProviderLogDirectory, providerName, sessionID, worktreeID)
		if err == nil {
			logger = l
		}
	}

	sink := &messageSink{sessions: r.sessions, sessionID: sessionID, worktreeID: worktreeID}

	switch providerName {
	case "claude":
		return provider.NewClaudeSupervisor(r.exec, claudeBinary, params, sink, logger), nil
	default:
		return provider.NewCodexSupervisor(r.exec, codexBinary, params, sink, logger), nil
	}
}

// pumpEvents drains one supervisor's event channel for its lifetime,
// updating worktree status and broadcasting to the fan-out (spec
// §4.6/§4.8).
func (r *Registry) pumpEvents(sessionID, worktreeID string, sup provider.Supervisor) {
	for ev := range sup.Events() {
		if r.hub != nil {
			r.hub.BroadcastEvent(sessionID, worktreeID, ev)
		}

		switch ev.Type {
		case provider.EventTurnStarted:
			_ = r.sessions.SetWorktreeStatus(sessionID, worktreeID, storage.WorktreeProcessing)
		case provider.EventTurnCompleted:
			_ = r.sessions.SetWorktreeStatus(sessionID, worktreeID, storage.WorktreeReady)
			r.markIdle(sessionID, worktreeID)
		case provider.EventTurnError:
			r.markIdle(sessionID, worktreeID)
		case provider.EventExit:
			if ev.Reason != "gc_idle" {
				_ = r.sessions.SetWorktreeStatus(sessionID, worktreeID, storage.WorktreeError)
			} else {
				_ = r.sessions.SetWorktreeStatus(sessionID, worktreeID, storage.WorktreeStopped)
			}
			r.mu.Lock()
			delete(r.children, childKey{sessionID, worktreeID})
			r.mu.Unlock()
			return
		}
	}
}

func (r *Registry) markIdle(sessionID, worktreeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.children[childKey{sessionID, worktreeID}]; ok {
		entry.lastTurnEnd = time.Now()
	}
}

// SendTurn implements fanout.Runtime.
func (r *Registry) SendTurn(sessionID, worktreeID, text string) (string, error) {
	sup, err := r.getOrStart(sessionID, worktreeID)
	if err != nil {
		return "", err
	}
	return sup.SendTurn(context.Background(), text)
}

// InterruptTurn implements fanout.Runtime.
func (r *Registry) InterruptTurn(sessionID, worktreeID, turnID string) error {
	worktreeID = resolveWorktree(worktreeID)
	r.mu.Lock()
	entry, ok := r.children[childKey{sessionID, worktreeID}]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("api: no running child for worktree %s", worktreeID)
	}
	return entry.supervisor.InterruptTurn(turnID)
}

// SwitchProvider implements fanout.Runtime: stops the current child
// (if any) and lets the next SendTurn lazily spawn the new provider.
func (r *Registry) SwitchProvider(sessionID, worktreeID, newProvider string) error {
	worktreeID = resolveWorktree(worktreeID)
	rt, err := r.sessions.EnsureLoaded(sessionID)
	if err != nil {
		return err
	}
	unlock := rt.Lock()
	wtRuntime, ok := rt.Worktrees[worktreeID]
	if ok {
		wtRuntime.Worktree.Provider = newProvider
	}
	unlock()
	if !ok {
		return fmt.Errorf("api: unknown worktree %s in session %s", worktreeID, sessionID)
	}

	key := childKey{sessionID, worktreeID}
	r.mu.Lock()
	entry, running := r.children[key]
	delete(r.children, key)
	r.mu.Unlock()
	if running {
		_ = entry.supervisor.Stop(false, 10*time.Second)
	}
	return nil
}

// ListModels implements fanout.Runtime.
func (r *Registry) ListModels(sessionID, worktreeID, cursor string, limit int) ([]provider.Model, string, error) {
	sup, err := r.getOrStart(sessionID, worktreeID)
	if err != nil {
		return nil, "", err
	}
	return sup.ListModels(cursor, limit)
}

// SetDefaultModel implements fanout.Runtime.
func (r *Registry) SetDefaultModel(sessionID, worktreeID, model, reasoningEffort string) error {
	sup, err := r.getOrStart(sessionID, worktreeID)
	if err != nil {
		return err
	}
	return sup.SetDefaultModel(model, reasoningEffort)
}

// StartAccountLogin implements fanout.Runtime.
func (r *Registry) StartAccountLogin(sessionID, worktreeID string, params map[string]string) error {
	sup, err := r.getOrStart(sessionID, worktreeID)
	if err != nil {
		return err
	}
	return sup.StartAccountLogin(params)
}

// ActionRequest implements fanout.Runtime for the `run`/`git` action
// kinds (gated by config at the fan-out layer already).
func (r *Registry) ActionRequest(sessionID, worktreeID, action string, payload map[string]interface{}) (map[string]interface{}, error) {
	worktreeID = resolveWorktree(worktreeID)
	rt, err := r.sessions.EnsureLoaded(sessionID)
	if err != nil {
		return nil, err
	}
	unlock := rt.Lock()
	wtRuntime, ok := rt.Worktrees[worktreeID]
	workspaceID := rt.Session.WorkspaceID
	unlock()
	if !ok {
		return nil, fmt.Errorf("api: unknown worktree %s in session %s", worktreeID, sessionID)
	}

	switch action {
	case "git":
		orch := gitrepo.New(r.exec, workspaceID)
		sub, _ := payload["op"].(string)
		switch sub {
		case "status":
			status, err := orch.Status(context.Background(), wtRuntime.Worktree.Path, executor.Sandbox{RepoDir: wtRuntime.Worktree.Path})
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"status": status}, nil
		default:
			return nil, fmt.Errorf("api: unsupported git action %q", sub)
		}
	default:
		return nil, fmt.Errorf("api: unsupported action %q", action)
	}
}

// StopAllChildren implements gc.SessionHooks.
func (r *Registry) StopAllChildren(sessionID string) error {
	r.mu.Lock()
	var toStop []*childEntry
	for key, entry := range r.children {
		if key.sessionID == sessionID {
			toStop = append(toStop, entry)
			delete(r.children, key)
		}
	}
	r.mu.Unlock()

	for _, entry := range toStop {
		_ = entry.supervisor.Stop(false, 10*time.Second)
	}
	return nil
}

// RemoveSessionDir implements gc.SessionHooks, removing a session's
// directory tree through the Sandboxed Executor (spec §4.9).
func (r *Registry) RemoveSessionDir(sessionID, sessionDir string) error {
	if sessionDir == "" {
		return nil
	}
	sess, ok := r.sessions.Get(sessionID)
	if !ok {
		return nil
	}
	_, err := r.exec.Run(context.Background(), sess.WorkspaceID, []string{"rm", "-rf", sessionDir}, executor.Opts{
		Sandbox: executor.Sandbox{ExtraAllowRW: []string{filepath.Dir(sessionDir)}},
	})
	return err
}

// ScanIdleChildren implements gc.IdleChildScanner.
func (r *Registry) ScanIdleChildren() []gc.IdleChildRef {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	var refs []gc.IdleChildRef
	for key, entry := range r.children {
		if entry.supervisor.Status() == provider.StatusBusy {
			continue
		}
		if now.Sub(entry.lastTurnEnd) > idleChildThreshold {
			refs = append(refs, gc.IdleChildRef{SessionID: key.sessionID, WorktreeID: key.worktreeID, Provider: entry.provider})
		}
	}
	return refs
}

// StopIdleChild implements gc.IdleChildScanner (spec §4.9: exit reason
// `gc_idle`; the next inbound turn re-spawns lazily via getOrStart).
func (r *Registry) StopIdleChild(ref gc.IdleChildRef) error {
	key := childKey{ref.SessionID, ref.WorktreeID}
	r.mu.Lock()
	entry, ok := r.children[key]
	if ok {
		delete(r.children, key)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return entry.supervisor.Stop(false, 10*time.Second)
}

// newMessageID mints an id for a freshly-appended chat message.
func newMessageID() string { return idgen.UUID() }
