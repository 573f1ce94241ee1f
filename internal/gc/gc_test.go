package gc

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/vibe80/orchestrator/internal/session"
	"github.com/vibe80/orchestrator/internal/storage"
)

type fakeHooks struct {
	stoppedSessions []string
	removedDirs     []string
}

func (f *fakeHooks) StopAllChildren(sessionID string) error {
	f.stoppedSessions = append(f.stoppedSessions, sessionID)
	return nil
}

func (f *fakeHooks) RemoveSessionDir(sessionID, sessionDir string) error {
	f.removedDirs = append(f.removedDirs, sessionDir)
	return nil
}

func newTestStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSweepSessionsEvictsOnlyExpiredSessions(t *testing.T) {
	store := newTestStore(t)
	sessions := session.NewManager(store)
	hooks := &fakeHooks{}

	now := time.Now().UTC()

	fresh, _, err := sessions.Create("ws1", storage.Session{ID: "fresh", SessionDir: "/sessions/fresh"}, "")
	if err != nil {
		t.Fatalf("Create fresh: %v", err)
	}
	fresh.LastActivityAt = now
	fresh.CreatedAt = now
	if err := store.SaveSession(&fresh); err != nil {
		t.Fatalf("SaveSession fresh: %v", err)
	}

	stale, _, err := sessions.Create("ws1", storage.Session{ID: "stale", SessionDir: "/sessions/stale"}, "")
	if err != nil {
		t.Fatalf("Create stale: %v", err)
	}
	stale.LastActivityAt = now.Add(-48 * time.Hour)
	stale.CreatedAt = now.Add(-48 * time.Hour)
	if err := store.SaveSession(&stale); err != nil {
		t.Fatalf("SaveSession stale: %v", err)
	}

	// Reload the registry's in-memory copies so the mutated timestamps
	// are what Snapshot sees.
	sessions.Evict("fresh")
	sessions.Evict("stale")
	if _, err := sessions.EnsureLoaded("fresh"); err != nil {
		t.Fatalf("EnsureLoaded fresh: %v", err)
	}
	if _, err := sessions.EnsureLoaded("stale"); err != nil {
		t.Fatalf("EnsureLoaded stale: %v", err)
	}

	sweeper := NewSweeper(sessions, store, hooks, nil, Config{IdleTTL: 24 * time.Hour, MaxTTL: 7 * 24 * time.Hour})
	sweeper.sweepSessions()

	if len(hooks.stoppedSessions) != 1 || hooks.stoppedSessions[0] != "stale" {
		t.Fatalf("expected only the stale session to be evicted, got %v", hooks.stoppedSessions)
	}
	if _, ok := sessions.Get("fresh"); !ok {
		t.Fatalf("expected fresh session to remain")
	}
}

type fakeScanner struct {
	refs    []IdleChildRef
	stopped []IdleChildRef
}

func (f *fakeScanner) ScanIdleChildren() []IdleChildRef { return f.refs }

func (f *fakeScanner) StopIdleChild(ref IdleChildRef) error {
	f.stopped = append(f.stopped, ref)
	return nil
}

func TestSweepIdleChildrenStopsEveryScannedRef(t *testing.T) {
	store := newTestStore(t)
	sessions := session.NewManager(store)
	hooks := &fakeHooks{}
	scanner := &fakeScanner{refs: []IdleChildRef{
		{SessionID: "s1", WorktreeID: "main", Provider: "codex"},
		{SessionID: "s1", WorktreeID: "wt1", Provider: "claude"},
	}}

	sweeper := NewSweeper(sessions, store, hooks, scanner, Config{})
	sweeper.sweepIdleChildren()

	if len(scanner.stopped) != 2 {
		t.Fatalf("expected both idle children to be stopped, got %d", len(scanner.stopped))
	}
}

func TestSweepIdleChildrenNoopsWithoutScanner(t *testing.T) {
	store := newTestStore(t)
	sessions := session.NewManager(store)
	hooks := &fakeHooks{}

	sweeper := NewSweeper(sessions, store, hooks, nil, Config{})
	sweeper.sweepIdleChildren() // must not panic
}
