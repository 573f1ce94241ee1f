package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "test.db")
}

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenAndClose(t *testing.T) {
	store, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestWorkspaceRoundTrip(t *testing.T) {
	store := openTestStore(t)

	ws := &Workspace{
		ID:        "w000000000000000000000001",
		Providers: map[string]ProviderConfig{"codex": {Enabled: true}},
		Secret:    "s3cret",
		UID:       200001,
		GID:       200001,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.SaveWorkspace(ws); err != nil {
		t.Fatalf("SaveWorkspace: %v", err)
	}

	got, err := store.GetWorkspace(ws.ID)
	if err != nil {
		t.Fatalf("GetWorkspace: %v", err)
	}
	if got == nil || got.ID != ws.ID || got.UID != ws.UID {
		t.Fatalf("GetWorkspace mismatch: %+v", got)
	}

	missing, err := store.GetWorkspace("wdoesnotexist00000000000001")
	if err != nil {
		t.Fatalf("GetWorkspace missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for missing workspace, got %+v", missing)
	}
}

func TestSessionAndWorktreeCascadeDelete(t *testing.T) {
	store := openTestStore(t)

	sess := &Session{ID: "s0001", WorkspaceID: "w0001", CreatedAt: time.Now().UTC(), LastActivityAt: time.Now().UTC()}
	if err := store.SaveSession(sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	wt := &Worktree{ID: "aaaaaaaaaaaaaaaa", SessionID: sess.ID, BranchName: "main", Status: WorktreeReady}
	if err := store.SaveWorktree(wt); err != nil {
		t.Fatalf("SaveWorktree: %v", err)
	}
	if err := store.AppendWorktreeMessage(wt.ID, ChatMessage{ID: "m1", Role: RoleUser, Text: "hi"}); err != nil {
		t.Fatalf("AppendWorktreeMessage: %v", err)
	}

	sessions, err := store.ListSessions(sess.WorkspaceID)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("ListSessions: %v %+v", err, sessions)
	}

	if err := store.DeleteSession(sess.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	if got, _ := store.GetSession(sess.ID); got != nil {
		t.Fatalf("expected session deleted, got %+v", got)
	}
	wts, err := store.LoadWorktrees(sess.ID)
	if err != nil || len(wts) != 0 {
		t.Fatalf("expected worktrees cascade-deleted, got %+v (err %v)", wts, err)
	}
	msgs, err := store.LoadWorktreeMessages(wt.ID)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("expected messages cascade-deleted, got %+v (err %v)", msgs, err)
	}
}

func TestAppendWorktreeMessageIsIdempotent(t *testing.T) {
	store := openTestStore(t)

	wt := &Worktree{ID: "bbbbbbbbbbbbbbbb", SessionID: "s0002"}
	if err := store.SaveWorktree(wt); err != nil {
		t.Fatalf("SaveWorktree: %v", err)
	}

	msg := ChatMessage{ID: "dup-1", Role: RoleUser, Text: "first"}
	for i := 0; i < 3; i++ {
		if err := store.AppendWorktreeMessage(wt.ID, msg); err != nil {
			t.Fatalf("AppendWorktreeMessage attempt %d: %v", i, err)
		}
	}

	msgs, err := store.LoadWorktreeMessages(wt.ID)
	if err != nil {
		t.Fatalf("LoadWorktreeMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one message after repeated append with same id, got %d", len(msgs))
	}
}

func TestRpcLogRingBufferTrims(t *testing.T) {
	store := openTestStore(t)
	sessionID := "s0003"

	for i := 0; i < RpcLogCap+50; i++ {
		if err := store.AppendRpcLog(sessionID, RpcLogEntry{Direction: DirStdout, Payload: "x"}); err != nil {
			t.Fatalf("AppendRpcLog %d: %v", i, err)
		}
	}

	logs, err := store.LoadRpcLogs(sessionID)
	if err != nil {
		t.Fatalf("LoadRpcLogs: %v", err)
	}
	if len(logs) != RpcLogCap {
		t.Fatalf("expected ring buffer capped at %d, got %d", RpcLogCap, len(logs))
	}
}

func TestRefreshTokenRotationHappyPath(t *testing.T) {
	store := openTestStore(t)
	workspaceID := "w0004"

	currentHash := HashToken("token-v1")
	if err := store.SaveWorkspaceRefreshToken(workspaceID, currentHash, time.Now().Add(time.Hour), "", time.Time{}); err != nil {
		t.Fatalf("SaveWorkspaceRefreshToken: %v", err)
	}

	nextHash := HashToken("token-v2")
	outcome, err := store.RotateWorkspaceRefreshToken(currentHash, nextHash, time.Now().Add(time.Hour), 20*time.Second)
	if err != nil {
		t.Fatalf("RotateWorkspaceRefreshToken: %v", err)
	}
	if !outcome.OK || outcome.WorkspaceID != workspaceID {
		t.Fatalf("expected successful rotation, got %+v", outcome)
	}

	state, err := store.GetWorkspaceRefreshState(workspaceID)
	if err != nil {
		t.Fatalf("GetWorkspaceRefreshState: %v", err)
	}
	if state.CurrentTokenHash != nextHash {
		t.Fatalf("expected current hash to be rotated to next, got %q", state.CurrentTokenHash)
	}
}

func TestRefreshTokenRotationReplayWithinGraceSucceeds(t *testing.T) {
	store := openTestStore(t)
	workspaceID := "w0005"

	v1 := HashToken("token-v1")
	v2 := HashToken("token-v2")
	v3 := HashToken("token-v3")

	if err := store.SaveWorkspaceRefreshToken(workspaceID, v1, time.Now().Add(time.Hour), "", time.Time{}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := store.RotateWorkspaceRefreshToken(v1, v2, time.Now().Add(time.Hour), 20*time.Second); err != nil {
		t.Fatalf("first rotation: %v", err)
	}

	// A racing client presents the now-superseded v1 token again, within
	// the grace window: this must succeed, not be treated as reuse.
	outcome, err := store.RotateWorkspaceRefreshToken(v1, v3, time.Now().Add(time.Hour), 20*time.Second)
	if err != nil {
		t.Fatalf("replay rotation: %v", err)
	}
	if !outcome.OK {
		t.Fatalf("expected replay within grace to succeed, got %+v", outcome)
	}
}

func TestRefreshTokenRotationReuseOutsideGraceIsRejected(t *testing.T) {
	store := openTestStore(t)
	workspaceID := "w0006"

	v1 := HashToken("token-v1")
	v2 := HashToken("token-v2")
	v3 := HashToken("token-v3")

	if err := store.SaveWorkspaceRefreshToken(workspaceID, v1, time.Now().Add(time.Hour), "", time.Time{}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// zero grace means the previous token is immediately outside its window
	if _, err := store.RotateWorkspaceRefreshToken(v1, v2, time.Now().Add(time.Hour), 0); err != nil {
		t.Fatalf("first rotation: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	outcome, err := store.RotateWorkspaceRefreshToken(v1, v3, time.Now().Add(time.Hour), 20*time.Second)
	if err != nil {
		t.Fatalf("reuse rotation: %v", err)
	}
	if outcome.OK || outcome.Code != "reuse" {
		t.Fatalf("expected reuse rejection, got %+v", outcome)
	}

	// the whole chain should now be revoked
	outcome, err = store.RotateWorkspaceRefreshToken(v2, HashToken("token-v4"), time.Now().Add(time.Hour), 20*time.Second)
	if err != nil {
		t.Fatalf("post-revoke rotation: %v", err)
	}
	if outcome.OK || outcome.Code != "unknown" {
		t.Fatalf("expected revoked chain to reject v2, got %+v", outcome)
	}
}

func TestRotateWorkspaceRefreshTokenUnknownHash(t *testing.T) {
	store := openTestStore(t)

	outcome, err := store.RotateWorkspaceRefreshToken(HashToken("nope"), HashToken("also-nope"), time.Now().Add(time.Hour), 20*time.Second)
	if err != nil {
		t.Fatalf("RotateWorkspaceRefreshToken: %v", err)
	}
	if outcome.OK || outcome.Code != "unknown" {
		t.Fatalf("expected unknown rejection, got %+v", outcome)
	}
}
