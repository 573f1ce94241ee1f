package fanout

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vibe80/orchestrator/internal/apierr"
	"github.com/vibe80/orchestrator/internal/auth"
	"github.com/vibe80/orchestrator/internal/storage"
)

func TestDefaultWorktreeResolvesEmptyToMain(t *testing.T) {
	if got := defaultWorktree(""); got != "main" {
		t.Fatalf("expected main, got %q", got)
	}
	if got := defaultWorktree("wt1"); got != "wt1" {
		t.Fatalf("expected wt1 passthrough, got %q", got)
	}
}

func TestIsAuthExpiryRecognizesExpiryCodes(t *testing.T) {
	cases := []struct {
		code apierr.Code
		want bool
	}{
		{apierr.WorkspaceAuthRequired, true},
		{apierr.WorkspaceTokenInvalid, true},
		{apierr.WorkspaceTokenExpiredCode, true},
		{apierr.SessionNotFound, false},
		{apierr.Internal, false},
	}
	for _, c := range cases {
		if got := isAuthExpiry(c.code); got != c.want {
			t.Errorf("isAuthExpiry(%s) = %v, want %v", c.code, got, c.want)
		}
	}
}

func TestInboundEnvelopeUnmarshalsUserMessage(t *testing.T) {
	raw := []byte(`{"type":"user_message","worktreeId":"wt1","text":"hello"}`)
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != "user_message" || env.WorktreeID != "wt1" || env.Text != "hello" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestInboundEnvelopeUnmarshalsActionRequest(t *testing.T) {
	raw := []byte(`{"type":"action_request","action":"git","payload":{"cmd":"status"}}`)
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Action != "git" || env.Payload["cmd"] != "status" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestMustMarshalNeverPanics(t *testing.T) {
	frame := mustMarshal(map[string]interface{}{"type": "pong"})
	var decoded map[string]string
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != "pong" {
		t.Fatalf("unexpected frame: %s", frame)
	}
}

// newTestAuthManager builds a real auth.Manager over a temp sqlite
// store, so replyOrRecover's call to Login exercises the real
// refresh-token-minting path rather than a fake.
func newTestAuthManager(t *testing.T) *auth.Manager {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	signer, err := auth.NewSigner("test-signing-key", "", time.Hour)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	mgr := auth.New(signer, store, false, auth.Config{})
	t.Cleanup(mgr.Stop)
	return mgr
}

func TestReplyOrRecoverRetriesOperationAfterSuccessfulLogin(t *testing.T) {
	h := &Hub{auth: newTestAuthManager(t), recovering: map[string]bool{}}

	retried := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		c := &conn{ws: ws}
		defer c.Close()

		authErr := apierr.New(apierr.WorkspaceTokenExpiredCode, 401, "access token expired")
		h.replyOrRecover(c, "ws1", authErr, func() error {
			retried = true
			return nil
		})
		_ = c.Send([]byte(`{"type":"test_done"}`))
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientConn.Close()

	_, msg, err := clientConn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), "test_done") {
		t.Fatalf("expected no error frame ahead of the sentinel (the retry should have succeeded silently), got %s", msg)
	}
	if !retried {
		t.Fatalf("expected replyOrRecover to retry the triggering operation after a successful Login")
	}
}

func TestReplyOrRecoverSendsErrorWhenRetryStillFails(t *testing.T) {
	h := &Hub{auth: newTestAuthManager(t), recovering: map[string]bool{}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		c := &conn{ws: ws}
		defer c.Close()

		authErr := apierr.New(apierr.WorkspaceTokenExpiredCode, 401, "access token expired")
		h.replyOrRecover(c, "ws1", authErr, func() error {
			return apierr.New(apierr.Internal, 500, "still broken")
		})
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientConn.Close()

	_, msg, err := clientConn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var decoded map[string]string
	if err := json.Unmarshal(msg, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != "error" || !strings.Contains(decoded["message"], "still broken") {
		t.Fatalf("expected the retry's own error surfaced to the client, got %+v", decoded)
	}
}

func TestConnSendErrorProducesErrorFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		c := &conn{ws: ws}
		defer c.Close()
		c.sendError("boom")
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientConn.Close()

	_, frame, err := clientConn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var decoded map[string]string
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != "error" || decoded["message"] != "boom" {
		t.Fatalf("unexpected frame: %+v", decoded)
	}
}
