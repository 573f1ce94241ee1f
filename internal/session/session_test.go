package session

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/vibe80/orchestrator/internal/storage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewManager(store)
}

func TestCreateAndGet(t *testing.T) {
	m := newTestManager(t)

	sess, replayed, err := m.Create("ws1", storage.Session{ID: "s1"}, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if replayed {
		t.Fatalf("expected a fresh create, not a replay")
	}
	if sess.WorkspaceID != "ws1" {
		t.Fatalf("expected workspace id to be set, got %q", sess.WorkspaceID)
	}

	got, ok := m.Get("s1")
	if !ok {
		t.Fatalf("expected session s1 to be found")
	}
	if got.ID != "s1" {
		t.Fatalf("unexpected session: %+v", got)
	}
}

func TestCreateIdempotencyReturnsFirstSession(t *testing.T) {
	m := newTestManager(t)

	s1, replayed1, err := m.Create("ws1", storage.Session{ID: "s1"}, "key1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if replayed1 {
		t.Fatalf("first create should not be a replay")
	}

	s2, replayed2, err := m.Create("ws1", storage.Session{ID: "s2"}, "key1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !replayed2 {
		t.Fatalf("expected idempotent replay on the second call")
	}
	if s2.ID != s1.ID {
		t.Fatalf("expected replay to return session %s, got %s", s1.ID, s2.ID)
	}
}

func TestCreateDuplicateSessionIDFails(t *testing.T) {
	m := newTestManager(t)
	if _, _, err := m.Create("ws1", storage.Session{ID: "s1"}, ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, _, err := m.Create("ws1", storage.Session{ID: "s1"}, ""); err == nil {
		t.Fatalf("expected error creating a duplicate session id")
	}
}

func TestAppendMessageResolvesNilAndMainToMainWorktree(t *testing.T) {
	m := newTestManager(t)
	if _, _, err := m.Create("ws1", storage.Session{ID: "s1"}, ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.RegisterWorktree("s1", storage.Worktree{ID: MainWorktreeID, SessionID: "s1"}); err != nil {
		t.Fatalf("RegisterWorktree: %v", err)
	}

	if err := m.AppendMessage("s1", nil, storage.ChatMessage{ID: "m1", Role: storage.RoleUser, Text: "hi"}); err != nil {
		t.Fatalf("AppendMessage(nil): %v", err)
	}
	main := MainWorktreeID
	if err := m.AppendMessage("s1", &main, storage.ChatMessage{ID: "m2", Role: storage.RoleUser, Text: "again"}); err != nil {
		t.Fatalf("AppendMessage(main): %v", err)
	}

	msgs, _, err := m.MessagesSince("s1", MainWorktreeID, "")
	if err != nil {
		t.Fatalf("MessagesSince: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestAppendMessageIsIdempotentOnID(t *testing.T) {
	m := newTestManager(t)
	if _, _, err := m.Create("ws1", storage.Session{ID: "s1"}, ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.RegisterWorktree("s1", storage.Worktree{ID: MainWorktreeID, SessionID: "s1"}); err != nil {
		t.Fatalf("RegisterWorktree: %v", err)
	}

	msg := storage.ChatMessage{ID: "m1", Role: storage.RoleUser, Text: "hi"}
	if err := m.AppendMessage("s1", nil, msg); err != nil {
		t.Fatalf("AppendMessage (first): %v", err)
	}
	if err := m.AppendMessage("s1", nil, msg); err != nil {
		t.Fatalf("AppendMessage (retry): %v", err)
	}

	msgs, _, err := m.MessagesSince("s1", MainWorktreeID, "")
	if err != nil {
		t.Fatalf("MessagesSince: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected a retried append with the same id to yield one stored record, got %d: %+v", len(msgs), msgs)
	}
}

func TestMessagesSinceReturnsOnlyMessagesAfterCursor(t *testing.T) {
	m := newTestManager(t)
	if _, _, err := m.Create("ws1", storage.Session{ID: "s1"}, ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.RegisterWorktree("s1", storage.Worktree{ID: MainWorktreeID, SessionID: "s1"}); err != nil {
		t.Fatalf("RegisterWorktree: %v", err)
	}
	for _, id := range []string{"m1", "m2", "m3"} {
		if err := m.AppendMessage("s1", nil, storage.ChatMessage{ID: id, Role: storage.RoleUser, Text: id}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	msgs, _, err := m.MessagesSince("s1", MainWorktreeID, "m1")
	if err != nil {
		t.Fatalf("MessagesSince: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m2" || msgs[1].ID != "m3" {
		t.Fatalf("expected messages after m1, got %+v", msgs)
	}
}

type fakeSocket struct {
	fail bool
	sent [][]byte
}

func (f *fakeSocket) Send(frame []byte) error {
	if f.fail {
		return errFakeSendFailed
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeSocket) Close() error { return nil }

var errFakeSendFailed = errors.New("fake send failed")

func TestBroadcastDropsFailedSockets(t *testing.T) {
	m := newTestManager(t)
	if _, _, err := m.Create("ws1", storage.Session{ID: "s1"}, ""); err != nil {
		t.Fatalf("Create: %v", err)
	}

	good := &fakeSocket{}
	bad := &fakeSocket{fail: true}
	if err := m.AddSocket("s1", good); err != nil {
		t.Fatalf("AddSocket: %v", err)
	}
	if err := m.AddSocket("s1", bad); err != nil {
		t.Fatalf("AddSocket: %v", err)
	}

	m.Broadcast("s1", []byte(`{"type":"ping"}`))
	if len(good.sent) != 1 {
		t.Fatalf("expected the good socket to receive the frame")
	}

	rt, err := m.EnsureLoaded("s1")
	if err != nil {
		t.Fatalf("EnsureLoaded: %v", err)
	}
	unlock := rt.Lock()
	_, stillPresent := rt.Sockets[bad]
	unlock()
	if stillPresent {
		t.Fatalf("expected the failing socket to be removed from the set")
	}
}

func TestEvictRemovesFromRegistry(t *testing.T) {
	m := newTestManager(t)
	if _, _, err := m.Create("ws1", storage.Session{ID: "s1"}, ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	m.Evict("s1")

	snapshot := m.Snapshot()
	for _, s := range snapshot {
		if s.ID == "s1" {
			t.Fatalf("expected s1 to be evicted from the in-memory registry")
		}
	}
}
