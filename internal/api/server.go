// Package api wires the Storage Adapter, Workspace Provisioner, Auth
// Manager, Session & Worktree State registry, Git Orchestrator, and
// Streaming Fan-out into the system's HTTP surface (spec §6).
//
// Grounded on the teacher's internal/server/server.go (Server struct
// holding every collaborator plus a method-qualified http.ServeMux)
// and routes.go (writeJSON/writeError helpers, one handler method per
// route).
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/vibe80/orchestrator/internal/apierr"
	"github.com/vibe80/orchestrator/internal/auth"
	"github.com/vibe80/orchestrator/internal/config"
	"github.com/vibe80/orchestrator/internal/fanout"
	"github.com/vibe80/orchestrator/internal/session"
	"github.com/vibe80/orchestrator/internal/storage"
	"github.com/vibe80/orchestrator/internal/workspace"
)

// Server bundles every collaborator the HTTP surface dispatches into.
type Server struct {
	cfg         *config.Config
	store       storage.Storage
	auth        *auth.Manager
	provisioner *workspace.Provisioner
	sessions    *session.Manager
	registry    *Registry
	hub         *fanout.Hub
}

// NewServer builds the API surface. registry and hub must already be
// wired to each other via Registry.SetHub.
func NewServer(cfg *config.Config, store storage.Storage, authMgr *auth.Manager, provisioner *workspace.Provisioner, sessions *session.Manager, registry *Registry, hub *fanout.Hub) *Server {
	return &Server{cfg: cfg, store: store, auth: authMgr, provisioner: provisioner, sessions: sessions, registry: registry, hub: hub}
}

// Routes builds the method-qualified mux (spec §6's HTTP surface),
// mirroring the teacher's setupRoutes layout.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /workspaces", s.handleCreateWorkspace)
	mux.HandleFunc("PATCH /workspaces/{workspaceId}", s.handleUpdateWorkspace)
	mux.HandleFunc("POST /workspaces/{workspaceId}/login", s.handleWorkspaceLogin)
	mux.HandleFunc("POST /auth/refresh", s.handleRefresh)
	mux.HandleFunc("POST /auth/handoff/consume", s.handleConsumeHandoff)
	mux.HandleFunc("POST /auth/mono", s.handleConsumeMonoAuth)

	mux.HandleFunc("GET /workspaces/{workspaceId}/sessions", s.authed(s.handleListSessions))
	mux.HandleFunc("POST /workspaces/{workspaceId}/sessions", s.authed(s.handleCreateSession))
	mux.HandleFunc("GET /workspaces/{workspaceId}/sessions/{sessionId}", s.authed(s.handleGetSession))

	mux.HandleFunc("GET /sessions/{sessionId}/worktrees", s.authed(s.handleListWorktrees))
	mux.HandleFunc("POST /sessions/{sessionId}/worktrees", s.authed(s.handleCreateWorktree))
	mux.HandleFunc("DELETE /sessions/{sessionId}/worktrees/{worktreeId}", s.authed(s.handleRemoveWorktree))
	mux.HandleFunc("GET /sessions/{sessionId}/worktrees/{worktreeId}/status", s.authed(s.handleWorktreeStatus))
	mux.HandleFunc("POST /sessions/{sessionId}/worktrees/{worktreeId}/merge", s.authed(s.handleMergeWorktree))

	mux.HandleFunc("GET /ws", s.hub.ServeHTTP)

	return mux
}

// authed wraps a handler so it runs only once the bearer token
// verifies, passing the resolved workspace id to the handler as its
// third argument (spec §4.3: "every non-bootstrap route requires a
// valid access token").
func (s *Server) authed(next func(w http.ResponseWriter, r *http.Request, workspaceID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		workspaceID, err := s.auth.VerifyAccessToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, string(apierr.WorkspaceTokenInvalid), "invalid or expired access token")
			return
		}
		next(w, r, workspaceID)
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) >= len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// handleHealth reports liveness (spec §6).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"mode":   s.cfg.DeploymentMode,
	})
}

// writeJSON writes a JSON response, matching the teacher's routes.go
// helper.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("api: encode response failed", "error", err)
	}
}

// writeError writes the wire error taxonomy shape (spec §7).
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"code":    code,
		"error":   message,
	})
}

// writeAPIErr unwraps an *apierr.Error for its status/code/message, or
// falls back to 500/INTERNAL_ERROR for anything else.
func writeAPIErr(w http.ResponseWriter, err error) {
	if apiErr, ok := err.(*apierr.Error); ok {
		writeError(w, apiErr.Status, string(apiErr.Code), apiErr.Message)
		return
	}
	writeError(w, http.StatusInternalServerError, string(apierr.Internal), err.Error())
}
