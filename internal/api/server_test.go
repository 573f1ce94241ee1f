package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vibe80/orchestrator/internal/workspace"
)

func TestBearerTokenExtractsFromAuthorizationHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	if got := bearerToken(r); got != "abc123" {
		t.Fatalf("expected abc123, got %q", got)
	}
}

func TestBearerTokenEmptyWithoutHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := bearerToken(r); got != "" {
		t.Fatalf("expected empty token, got %q", got)
	}
}

func TestBearerTokenEmptyWithMalformedHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Basic abc123")
	if got := bearerToken(r); got != "" {
		t.Fatalf("expected empty token for non-bearer scheme, got %q", got)
	}
}

func TestToProvisionerInputsConvertsEveryField(t *testing.T) {
	in := map[string]providerInputWire{
		"codex": {Enabled: true, AuthType: "api_key", Value: "sk-test"},
	}
	out := toProvisionerInputs(in)
	got, ok := out["codex"]
	if !ok {
		t.Fatalf("expected codex entry in output")
	}
	if !got.Enabled || got.AuthType != workspace.AuthAPIKey || got.Value != "sk-test" {
		t.Fatalf("unexpected conversion: %+v", got)
	}
}
