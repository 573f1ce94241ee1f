package auth

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/vibe80/orchestrator/internal/storage"
)

func testManager(t *testing.T) (*Manager, *storage.SQLiteStore) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	signer, err := NewSigner("test-signing-key", "", time.Hour)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	m := New(signer, store, false, Config{
		RefreshTokenRotationGrace: 50 * time.Millisecond,
		SweepInterval:             time.Hour,
	})
	t.Cleanup(m.Stop)
	return m, store
}

func TestLoginMintsValidAccessToken(t *testing.T) {
	m, _ := testManager(t)

	pair, err := m.Login("w000000000000000000000001")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("expected non-empty pair, got %+v", pair)
	}

	workspaceID, err := m.VerifyAccessToken(pair.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken: %v", err)
	}
	if workspaceID != "w000000000000000000000001" {
		t.Fatalf("expected workspace id roundtrip, got %q", workspaceID)
	}
}

func TestVerifyAccessTokenRejectsGarbage(t *testing.T) {
	m, _ := testManager(t)
	if _, err := m.VerifyAccessToken("not-a-jwt"); err == nil {
		t.Fatal("expected error for malformed token")
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	m, _ := testManager(t)

	pair, err := m.Login("w0002")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	next, err := m.Refresh(pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("expected refresh token to change on rotation")
	}

	if _, err := m.Refresh(next.RefreshToken); err != nil {
		t.Fatalf("second Refresh: %v", err)
	}
}

func TestRefreshReplayWithinGraceReturnsSamePair(t *testing.T) {
	m, _ := testManager(t)

	pair, err := m.Login("w0003")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	first, err := m.Refresh(pair.RefreshToken)
	if err != nil {
		t.Fatalf("first Refresh: %v", err)
	}

	replay, err := m.Refresh(pair.RefreshToken)
	if err != nil {
		t.Fatalf("replay Refresh: %v", err)
	}
	if replay.RefreshToken != first.RefreshToken {
		t.Fatalf("expected replay to return the winning rotation's refresh token, got %q vs %q", replay.RefreshToken, first.RefreshToken)
	}
}

func TestRefreshReuseOutsideGraceIsRejected(t *testing.T) {
	m, _ := testManager(t)

	pair, err := m.Login("w0004")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := m.Refresh(pair.RefreshToken); err != nil {
		t.Fatalf("first Refresh: %v", err)
	}

	time.Sleep(100 * time.Millisecond) // past the 50ms grace window

	if _, err := m.Refresh(pair.RefreshToken); err == nil {
		t.Fatal("expected reuse detection to reject a stale replay")
	}
}

func TestHandoffTokenSingleUse(t *testing.T) {
	m, _ := testManager(t)

	token := m.IssueHandoffToken("w0005", "s0005")

	pair, sessionID, err := m.ConsumeHandoffToken(token)
	if err != nil {
		t.Fatalf("ConsumeHandoffToken: %v", err)
	}
	if sessionID != "s0005" || pair.AccessToken == "" {
		t.Fatalf("unexpected handoff result: %+v sessionID=%q", pair, sessionID)
	}

	if _, _, err := m.ConsumeHandoffToken(token); err == nil {
		t.Fatal("expected second consumption of the same handoff token to fail")
	}
}

func TestMonoAuthTokenOnlyInSingleTenantMode(t *testing.T) {
	m, _ := testManager(t)
	if _, err := m.IssueMonoAuthToken("w0006"); err == nil {
		t.Fatal("expected mono-auth token issuance to fail outside single-tenant mode")
	}
}

func TestMonoAuthTokenSingleUse(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	defer store.Close()

	signer, err := NewSigner("test-signing-key", "", time.Hour)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	m := New(signer, store, true, Config{SweepInterval: time.Hour})
	defer m.Stop()

	token, err := m.IssueMonoAuthToken("w0007")
	if err != nil {
		t.Fatalf("IssueMonoAuthToken: %v", err)
	}

	if _, err := m.ConsumeMonoAuthToken(token); err != nil {
		t.Fatalf("ConsumeMonoAuthToken: %v", err)
	}
	if _, err := m.ConsumeMonoAuthToken(token); err == nil {
		t.Fatal("expected second consumption to fail")
	}
}
