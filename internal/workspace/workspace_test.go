package workspace

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/vibe80/orchestrator/internal/storage"
)

func testStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// single-tenant mode is exercised because OS user creation (useradd)
// requires privileges the test runner doesn't have.
func TestCreateMaterializesCodexAPIKeyCredentials(t *testing.T) {
	store := testStore(t)
	home := t.TempDir()
	p := New(store, 200000, 200100, home, true, nil)

	ws, err := p.Create(context.Background(), CreateInput{
		Providers: map[string]ProviderInput{
			"codex": {Enabled: true, AuthType: AuthAPIKey, Value: "sk-test"},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	authPath := filepath.Join(home, ws.ID, ".codex", "auth.json")
	data, err := os.ReadFile(authPath)
	if err != nil {
		t.Fatalf("read auth.json: %v", err)
	}
	var payload map[string]string
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("decode auth.json: %v", err)
	}
	if payload["OPENAI_API_KEY"] != "sk-test" {
		t.Fatalf("unexpected auth.json contents: %+v", payload)
	}

	info, err := os.Stat(authPath)
	if err != nil {
		t.Fatalf("stat auth.json: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected mode 0600, got %o", info.Mode().Perm())
	}
}

func TestCreateMaterializesCodexAuthJSONB64(t *testing.T) {
	store := testStore(t)
	home := t.TempDir()
	p := New(store, 200000, 200100, home, true, nil)

	raw := `{"tokens":{"access_token":"abc"}}`
	encoded := base64.StdEncoding.EncodeToString([]byte(raw))

	ws, err := p.Create(context.Background(), CreateInput{
		Providers: map[string]ProviderInput{
			"codex": {Enabled: true, AuthType: AuthAuthJSONB64, Value: encoded},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(home, ws.ID, ".codex", "auth.json"))
	if err != nil {
		t.Fatalf("read auth.json: %v", err)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("decode auth.json: %v", err)
	}
	if _, ok := payload["tokens"]; !ok {
		t.Fatalf("expected decoded auth_json_b64 payload, got %+v", payload)
	}
}

func TestCreateRejectsEnabledProviderWithoutCredential(t *testing.T) {
	store := testStore(t)
	p := New(store, 200000, 200100, t.TempDir(), true, nil)

	_, err := p.Create(context.Background(), CreateInput{
		Providers: map[string]ProviderInput{
			"codex": {Enabled: true},
		},
	})
	if err == nil {
		t.Fatal("expected error for enabled provider with empty credential")
	}
}

func TestCreateRejectsInvalidAuthTypeForProvider(t *testing.T) {
	store := testStore(t)
	p := New(store, 200000, 200100, t.TempDir(), true, nil)

	_, err := p.Create(context.Background(), CreateInput{
		Providers: map[string]ProviderInput{
			"claude": {Enabled: true, AuthType: AuthAuthJSONB64, Value: "x"},
		},
	})
	if err == nil {
		t.Fatal("expected error for auth type not valid for provider")
	}
}

func TestUpdateRejectsDisablingProviderInUse(t *testing.T) {
	store := testStore(t)
	home := t.TempDir()
	p := New(store, 200000, 200100, home, true, func(workspaceID, provider string) bool {
		return provider == "codex"
	})

	ws, err := p.Create(context.Background(), CreateInput{
		Providers: map[string]ProviderInput{
			"codex": {Enabled: true, AuthType: AuthAPIKey, Value: "sk-test"},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err = p.Update(context.Background(), ws.ID, UpdateInput{
		Providers: map[string]ProviderInput{
			"codex": {Enabled: false},
		},
	})
	if err == nil {
		t.Fatal("expected error disabling a provider in use")
	}
}
