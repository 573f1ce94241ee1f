// Package session implements the Session & Worktree State registry
// (spec §4.7): a process-wide sessionId -> SessionRuntime map backed
// by write-through persistence to the Storage Adapter (C2), with one
// mutation lane per session (spec §5).
//
// Grounded on the teacher's internal/agentsessions/manager.go
// (agentsessions.Manager): the idempotency-key map for safe client
// retries on Create is lifted directly from there; the workspace ->
// session -> record nesting generalizes its
// workspaceSessions map[string]map[string]Session.
package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vibe80/orchestrator/internal/storage"
)

// MainWorktreeID is the implicit worktree identity whose path is the
// session's own clone (spec §3 GLOSSARY: "Main worktree").
const MainWorktreeID = "main"

// Socket is the minimal surface the Streaming Fan-out registers against
// a SessionRuntime (spec §4.7: "the connection is registered in
// SessionRuntime.sockets"). Kept here, rather than importing the
// fan-out package, so C7 has no dependency on C8.
type Socket interface {
	// Send writes one outbound envelope. A non-nil error means the
	// caller must treat the socket as closed and drop it from the set.
	Send(frame []byte) error
	// Close terminates the underlying connection, used by the GC
	// sweeper when a session is evicted (spec §4.9).
	Close() error
}

// WorktreeRuntime is the in-memory view of a worktree plus its
// message log.
type WorktreeRuntime struct {
	mu       sync.RWMutex
	Worktree storage.Worktree
	Messages []storage.ChatMessage
}

// SessionRuntime is the in-memory state for one session: its record,
// its worktrees, and the set of open streaming sockets (spec §4.7,
// §4.8). All mutation goes through the owning Manager's per-session
// lane.
type SessionRuntime struct {
	lane sync.Mutex

	Session   storage.Session
	Worktrees map[string]*WorktreeRuntime
	Sockets   map[Socket]bool
}

// Lock acquires this session's mutation lane (spec §5: "one mutation
// lane per session"). Callers must Unlock via the returned func.
func (r *SessionRuntime) Lock() func() {
	r.lane.Lock()
	return r.lane.Unlock
}

// Manager is the process-wide session registry (spec §4.7).
type Manager struct {
	store storage.Storage

	mu          sync.RWMutex
	runtimes    map[string]*SessionRuntime
	idempotency map[string]string // workspaceID:key -> sessionID
}

// NewManager builds a registry backed by store.
func NewManager(store storage.Storage) *Manager {
	return &Manager{
		store:       store,
		runtimes:    make(map[string]*SessionRuntime),
		idempotency: make(map[string]string),
	}
}

// Create creates a new session, or — when idempotencyKey was already
// seen for this workspace — returns the session created by the first
// call (spec §4.7 supplement, grounded on teacher
// agentsessions.Manager.Create). The second return reports whether
// this was a replay.
func (m *Manager) Create(workspaceID string, sess storage.Session, idempotencyKey string) (storage.Session, bool, error) {
	if workspaceID == "" {
		return storage.Session{}, false, fmt.Errorf("session: workspace id is required")
	}
	if sess.ID == "" {
		return storage.Session{}, false, fmt.Errorf("session: session id is required")
	}

	m.mu.Lock()
	if idempotencyKey != "" {
		if existingID, ok := m.idempotency[idemKey(workspaceID, idempotencyKey)]; ok {
			m.mu.Unlock()
			existing, err := m.EnsureLoaded(existingID)
			if err != nil {
				return storage.Session{}, false, err
			}
			rt := existing
			unlock := rt.Lock()
			s := rt.Session
			unlock()
			return s, true, nil
		}
	}
	if _, exists := m.runtimes[sess.ID]; exists {
		m.mu.Unlock()
		return storage.Session{}, false, fmt.Errorf("session: already exists: %s", sess.ID)
	}

	now := time.Now().UTC()
	sess.WorkspaceID = workspaceID
	sess.CreatedAt = now
	sess.LastActivityAt = now

	rt := &SessionRuntime{
		Session:   sess,
		Worktrees: make(map[string]*WorktreeRuntime),
		Sockets:   make(map[Socket]bool),
	}
	m.runtimes[sess.ID] = rt
	if idempotencyKey != "" {
		m.idempotency[idemKey(workspaceID, idempotencyKey)] = sess.ID
	}
	m.mu.Unlock()

	if err := m.store.SaveSession(&sess); err != nil {
		m.mu.Lock()
		delete(m.runtimes, sess.ID)
		m.mu.Unlock()
		return storage.Session{}, false, fmt.Errorf("session: persist: %w", err)
	}
	return sess, false, nil
}

func idemKey(workspaceID, key string) string { return workspaceID + ":" + key }

// EnsureLoaded returns the in-memory runtime for sessionID, loading it
// (and its worktrees/messages) from storage on first use (spec §4.7:
// "a session is ensured-loaded into memory on first use").
func (m *Manager) EnsureLoaded(sessionID string) (*SessionRuntime, error) {
	m.mu.RLock()
	rt, ok := m.runtimes[sessionID]
	m.mu.RUnlock()
	if ok {
		return rt, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if rt, ok := m.runtimes[sessionID]; ok {
		return rt, nil
	}

	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: load %s: %w", sessionID, err)
	}
	if sess == nil {
		return nil, fmt.Errorf("session: not found: %s", sessionID)
	}

	worktrees, err := m.store.LoadWorktrees(sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: load worktrees %s: %w", sessionID, err)
	}

	rt = &SessionRuntime{
		Session:   *sess,
		Worktrees: make(map[string]*WorktreeRuntime),
		Sockets:   make(map[Socket]bool),
	}
	for _, wt := range worktrees {
		msgs, err := m.store.LoadWorktreeMessages(wt.ID)
		if err != nil {
			return nil, fmt.Errorf("session: load messages %s: %w", wt.ID, err)
		}
		rt.Worktrees[wt.ID] = &WorktreeRuntime{Worktree: *wt, Messages: msgs}
	}
	m.runtimes[sessionID] = rt
	return rt, nil
}

// Get returns the session record without loading worktrees/messages
// from storage unless it is already resident in memory.
func (m *Manager) Get(sessionID string) (storage.Session, bool) {
	m.mu.RLock()
	rt, ok := m.runtimes[sessionID]
	m.mu.RUnlock()
	if ok {
		unlock := rt.Lock()
		defer unlock()
		return rt.Session, true
	}

	sess, err := m.store.GetSession(sessionID)
	if err != nil || sess == nil {
		return storage.Session{}, false
	}
	return *sess, true
}

// List returns every session belonging to workspaceID, oldest first
// (grounded on teacher agentsessions.Manager.List's tab-order
// invariant).
func (m *Manager) List(workspaceID string) ([]storage.Session, error) {
	sessions, err := m.store.ListSessions(workspaceID)
	if err != nil {
		return nil, fmt.Errorf("session: list %s: %w", workspaceID, err)
	}
	result := make([]storage.Session, 0, len(sessions))
	for _, s := range sessions {
		result = append(result, *s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// TouchSession updates lastActivityAt on every inbound request (spec
// §4.7).
func (m *Manager) TouchSession(sessionID string) error {
	rt, err := m.EnsureLoaded(sessionID)
	if err != nil {
		return err
	}
	unlock := rt.Lock()
	rt.Session.LastActivityAt = time.Now().UTC()
	sess := rt.Session
	unlock()
	return m.store.SaveSession(&sess)
}

// RegisterWorktree adds a newly-created worktree to a session's
// runtime (called by the Git Orchestrator's worktree-create path once
// the worktree exists on disk).
func (m *Manager) RegisterWorktree(sessionID string, wt storage.Worktree) error {
	rt, err := m.EnsureLoaded(sessionID)
	if err != nil {
		return err
	}
	unlock := rt.Lock()
	rt.Worktrees[wt.ID] = &WorktreeRuntime{Worktree: wt}
	unlock()
	return m.store.SaveWorktree(&wt)
}

// resolveWorktreeID maps null/"" and "main" onto MainWorktreeID (spec
// §4.7: "appendMessage ... resolves null|'main' to the main worktree").
func resolveWorktreeID(worktreeID *string) string {
	if worktreeID == nil || *worktreeID == "" {
		return MainWorktreeID
	}
	return *worktreeID
}

// AppendMessage persists msg to the resolved worktree's log and
// updates the in-memory copy (spec §4.7).
func (m *Manager) AppendMessage(sessionID string, worktreeID *string, msg storage.ChatMessage) error {
	rt, err := m.EnsureLoaded(sessionID)
	if err != nil {
		return err
	}
	resolved := resolveWorktreeID(worktreeID)
	msg.WorktreeID = resolved

	unlock := rt.Lock()
	wtRuntime, ok := rt.Worktrees[resolved]
	rt.Session.LastActivityAt = time.Now().UTC()
	sess := rt.Session
	unlock()

	if !ok {
		return fmt.Errorf("session: unknown worktree %s in session %s", resolved, sessionID)
	}

	if err := m.store.AppendWorktreeMessage(resolved, msg); err != nil {
		return fmt.Errorf("session: append message: %w", err)
	}
	if err := m.store.SaveSession(&sess); err != nil {
		return fmt.Errorf("session: touch on append: %w", err)
	}

	wtRuntime.mu.Lock()
	dup := false
	for _, existing := range wtRuntime.Messages {
		if existing.ID == msg.ID {
			dup = true
			break
		}
	}
	if !dup {
		wtRuntime.Messages = append(wtRuntime.Messages, msg)
	}
	wtRuntime.mu.Unlock()
	return nil
}

// MessagesSince returns every message in worktreeID after
// lastSeenMessageID (empty = from the start), for the
// worktree_messages_sync reconnect path (spec §4.8).
func (m *Manager) MessagesSince(sessionID, worktreeID, lastSeenMessageID string) ([]storage.ChatMessage, storage.WorktreeStatus, error) {
	if worktreeID == "" {
		worktreeID = MainWorktreeID
	}
	rt, err := m.EnsureLoaded(sessionID)
	if err != nil {
		return nil, "", err
	}

	unlock := rt.Lock()
	wtRuntime, ok := rt.Worktrees[worktreeID]
	unlock()
	if !ok {
		return nil, "", fmt.Errorf("session: unknown worktree %s in session %s", worktreeID, sessionID)
	}

	wtRuntime.mu.RLock()
	defer wtRuntime.mu.RUnlock()
	if lastSeenMessageID == "" {
		out := make([]storage.ChatMessage, len(wtRuntime.Messages))
		copy(out, wtRuntime.Messages)
		return out, wtRuntime.Worktree.Status, nil
	}

	idx := -1
	for i, msg := range wtRuntime.Messages {
		if msg.ID == lastSeenMessageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		out := make([]storage.ChatMessage, len(wtRuntime.Messages))
		copy(out, wtRuntime.Messages)
		return out, wtRuntime.Worktree.Status, nil
	}
	out := make([]storage.ChatMessage, len(wtRuntime.Messages)-idx-1)
	copy(out, wtRuntime.Messages[idx+1:])
	return out, wtRuntime.Worktree.Status, nil
}

// SetWorktreeStatus updates a worktree's status in memory and storage
// (used by the Git Orchestrator and Provider Supervisor as worktrees
// transition through spec §3's status machine).
func (m *Manager) SetWorktreeStatus(sessionID, worktreeID string, status storage.WorktreeStatus) error {
	rt, err := m.EnsureLoaded(sessionID)
	if err != nil {
		return err
	}
	unlock := rt.Lock()
	wtRuntime, ok := rt.Worktrees[worktreeID]
	unlock()
	if !ok {
		return fmt.Errorf("session: unknown worktree %s in session %s", worktreeID, sessionID)
	}

	wtRuntime.mu.Lock()
	wtRuntime.Worktree.Status = status
	wtRuntime.Worktree.LastActivityAt = time.Now().UTC()
	wt := wtRuntime.Worktree
	wtRuntime.mu.Unlock()

	return m.store.SaveWorktree(&wt)
}

// AddSocket registers an open streaming connection against a session
// (spec §4.7: "the connection is registered in SessionRuntime.sockets").
func (m *Manager) AddSocket(sessionID string, sock Socket) error {
	rt, err := m.EnsureLoaded(sessionID)
	if err != nil {
		return err
	}
	unlock := rt.Lock()
	rt.Sockets[sock] = true
	unlock()
	return nil
}

// RemoveSocket drops a socket from a session's set, e.g. after a
// failed write (spec §4.8: "a failed write closes the socket and
// removes it from the set").
func (m *Manager) RemoveSocket(sessionID string, sock Socket) {
	m.mu.RLock()
	rt, ok := m.runtimes[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	unlock := rt.Lock()
	delete(rt.Sockets, sock)
	unlock()
}

// CloseAllSockets closes and clears every socket registered against a
// session, used by the GC sweeper before a session is evicted (spec
// §4.9: "evicting entails ... closing every socket").
func (m *Manager) CloseAllSockets(sessionID string) {
	m.mu.RLock()
	rt, ok := m.runtimes[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	unlock := rt.Lock()
	sockets := make([]Socket, 0, len(rt.Sockets))
	for s := range rt.Sockets {
		sockets = append(sockets, s)
	}
	rt.Sockets = make(map[Socket]bool)
	unlock()

	for _, s := range sockets {
		_ = s.Close()
	}
}

// Broadcast writes frame to every OPEN socket registered against
// sessionID, dropping any socket whose write fails (spec §4.8).
func (m *Manager) Broadcast(sessionID string, frame []byte) {
	m.mu.RLock()
	rt, ok := m.runtimes[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	unlock := rt.Lock()
	sockets := make([]Socket, 0, len(rt.Sockets))
	for s := range rt.Sockets {
		sockets = append(sockets, s)
	}
	unlock()

	var failed []Socket
	for _, s := range sockets {
		if err := s.Send(frame); err != nil {
			failed = append(failed, s)
		}
	}
	if len(failed) == 0 {
		return
	}
	unlock = rt.Lock()
	for _, s := range failed {
		delete(rt.Sockets, s)
	}
	unlock()
}

// Evict removes a session from the in-memory registry (called by the
// GC sweeper after stopping children and closing sockets, spec §4.9).
// It does not touch storage; callers invoke store.DeleteSession
// themselves once all children/sockets are torn down.
func (m *Manager) Evict(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runtimes, sessionID)
}

// Snapshot returns every currently-resident runtime's session record,
// for the GC sweeper to scan idle/max TTLs without holding the
// registry lock during the scan.
func (m *Manager) Snapshot() []storage.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]storage.Session, 0, len(m.runtimes))
	for _, rt := range m.runtimes {
		unlock := rt.Lock()
		out = append(out, rt.Session)
		unlock()
	}
	return out
}
