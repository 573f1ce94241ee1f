// Package gc implements the GC & Timers sweepers (spec §4.9): session
// eviction on idle/max TTL, and idle-child garbage collection per
// supervisor. The third sweeper spec §4.9 names — the handoff-token
// sweep — is already implemented by auth.Manager's own background
// sweepLoop (spec §4.3's handoff/mono-auth TTL maps are private to
// that package); this package does not duplicate it.
//
// Grounded on the teacher's internal/persistence/store.go periodic
// checkpoint ticker and internal/acp/session_host.go's idle-restart
// timer, generalized from "one ticker per concern" into the two
// sweepers this spec names.
package gc

import (
	"log/slog"
	"sync"
	"time"

	"github.com/vibe80/orchestrator/internal/session"
	"github.com/vibe80/orchestrator/internal/storage"
)

// SessionHooks performs the side effects a session eviction requires
// beyond the in-memory registry and storage delete, which the Sweeper
// already owns directly (spec §4.9: "stopping every child, closing
// every socket, removing the session directory via C1, and calling C2
// delete").
type SessionHooks interface {
	StopAllChildren(sessionID string) error
	RemoveSessionDir(sessionID, sessionDir string) error
}

// IdleChildRef identifies one supervisor-managed child for the idle
// sweep.
type IdleChildRef struct {
	SessionID  string
	WorktreeID string
	Provider   string
}

// IdleChildScanner is implemented by whatever owns the live
// provider.Supervisor instances (the API layer's per-worktree
// registry); it reports children idle past their provider's threshold
// and performs the `gc_idle` stop (spec §4.9: "idle child GC").
type IdleChildScanner interface {
	ScanIdleChildren() []IdleChildRef
	StopIdleChild(ref IdleChildRef) error
}

// Sweeper runs the session-GC and idle-child-GC timers (spec §4.9).
type Sweeper struct {
	sessions *session.Manager
	store    storage.Storage
	hooks    SessionHooks
	children IdleChildScanner

	idleTTL          time.Duration
	maxTTL           time.Duration
	sessionInterval  time.Duration
	idleChildInterval time.Duration

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
}

// Config configures sweep intervals and TTLs; zero values fall back
// to spec.md's defaults (idle 24h, max 7d, session sweep 5m).
type Config struct {
	IdleTTL           time.Duration
	MaxTTL            time.Duration
	SessionInterval   time.Duration
	IdleChildInterval time.Duration
}

// NewSweeper builds a Sweeper. children may be nil until the API layer
// registers it via SetChildScanner, letting the session sweep start
// before the provider registry exists.
func NewSweeper(sessions *session.Manager, store storage.Storage, hooks SessionHooks, children IdleChildScanner, cfg Config) *Sweeper {
	if cfg.IdleTTL == 0 {
		cfg.IdleTTL = 24 * time.Hour
	}
	if cfg.MaxTTL == 0 {
		cfg.MaxTTL = 7 * 24 * time.Hour
	}
	if cfg.SessionInterval == 0 {
		cfg.SessionInterval = 5 * time.Minute
	}
	if cfg.IdleChildInterval == 0 {
		cfg.IdleChildInterval = 30 * time.Second
	}
	return &Sweeper{
		sessions:          sessions,
		store:             store,
		hooks:             hooks,
		children:          children,
		idleTTL:           cfg.IdleTTL,
		maxTTL:            cfg.MaxTTL,
		sessionInterval:   cfg.SessionInterval,
		idleChildInterval: cfg.IdleChildInterval,
		stopCh:            make(chan struct{}),
	}
}

// SetChildScanner wires the idle-child scanner once the API layer has
// built its supervisor registry.
func (s *Sweeper) SetChildScanner(children IdleChildScanner) {
	s.mu.Lock()
	s.children = children
	s.mu.Unlock()
}

// Start launches both sweep loops as background goroutines.
func (s *Sweeper) Start() {
	go s.loop(s.sessionInterval, s.sweepSessions)
	go s.loop(s.idleChildInterval, s.sweepIdleChildren)
}

// Stop halts both loops. Idempotent.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stopCh)
}

func (s *Sweeper) loop(interval time.Duration, sweep func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// sweepSessions evicts sessions exceeding idleTTL or maxTTL (spec
// §4.9).
func (s *Sweeper) sweepSessions() {
	now := time.Now().UTC()
	for _, sess := range s.sessions.Snapshot() {
		idleExpired := now.Sub(sess.LastActivityAt) > s.idleTTL
		maxExpired := now.Sub(sess.CreatedAt) > s.maxTTL
		if idleExpired || maxExpired {
			s.evict(sess)
		}
	}
}

func (s *Sweeper) evict(sess storage.Session) {
	if err := s.hooks.StopAllChildren(sess.ID); err != nil {
		slog.Error("gc: stop children failed", "sessionId", sess.ID, "error", err)
	}
	s.sessions.CloseAllSockets(sess.ID)
	if err := s.hooks.RemoveSessionDir(sess.ID, sess.SessionDir); err != nil {
		slog.Error("gc: remove session dir failed", "sessionId", sess.ID, "error", err)
	}
	s.sessions.Evict(sess.ID)
	if err := s.store.DeleteSession(sess.ID); err != nil {
		slog.Error("gc: delete session record failed", "sessionId", sess.ID, "error", err)
	}
	slog.Info("gc: session evicted", "sessionId", sess.ID)
}

// sweepIdleChildren asks the registered scanner for children idle past
// their provider's threshold and stops each with reason `gc_idle`
// (spec §4.9: "next inbound turn re-spawns lazily").
func (s *Sweeper) sweepIdleChildren() {
	s.mu.Lock()
	children := s.children
	s.mu.Unlock()
	if children == nil {
		return
	}

	for _, ref := range children.ScanIdleChildren() {
		if err := children.StopIdleChild(ref); err != nil {
			slog.Error("gc: idle child stop failed", "sessionId", ref.SessionID, "worktreeId", ref.WorktreeID, "error", err)
		}
	}
}
