package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/vibe80/orchestrator/internal/apierr"
)

type contextKey string

const workspaceIDContextKey contextKey = "workspaceId"

// ExemptRoutes lists the method+pattern pairs that never require an
// access token (spec §4.3): workspace create, workspace login, refresh,
// handoff consume, and health.
var ExemptRoutes = map[string]bool{
	"POST /workspaces":                true,
	"POST /workspaces/{workspaceId}/login":   true,
	"POST /auth/refresh":              true,
	"POST /auth/handoff/consume":      true,
	"GET /health":                     true,
}

// Middleware enforces the access-token requirement on every route not
// in ExemptRoutes, and stashes the verified workspace id in the request
// context.
func (m *Manager) Middleware(pattern string, next http.HandlerFunc) http.HandlerFunc {
	if ExemptRoutes[pattern] {
		return next
	}

	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeAuthError(w, apierr.New(apierr.WorkspaceTokenMissing, 401, "access token is required"))
			return
		}

		workspaceID, err := m.VerifyAccessToken(token)
		if err != nil {
			writeAuthError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), workspaceIDContextKey, workspaceID)
		next(w, r.WithContext(ctx))
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

func writeAuthError(w http.ResponseWriter, err error) {
	if apiErr, ok := err.(*apierr.Error); ok {
		http.Error(w, string(apiErr.Code), apiErr.Status)
		return
	}
	http.Error(w, string(apierr.Internal), 500)
}

// WorkspaceIDFromContext returns the workspace id stashed by Middleware.
func WorkspaceIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(workspaceIDContextKey).(string)
	return v, ok
}
