package api

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"time"

	"github.com/vibe80/orchestrator/internal/apierr"
	"github.com/vibe80/orchestrator/internal/auth"
	"github.com/vibe80/orchestrator/internal/executor"
	"github.com/vibe80/orchestrator/internal/gc"
	"github.com/vibe80/orchestrator/internal/gitrepo"
	"github.com/vibe80/orchestrator/internal/idgen"
	"github.com/vibe80/orchestrator/internal/session"
	"github.com/vibe80/orchestrator/internal/storage"
	"github.com/vibe80/orchestrator/internal/workspace"
)

// --- Workspace ---

type providerInputWire struct {
	Enabled  bool   `json:"enabled"`
	AuthType string `json:"authType"`
	Value    string `json:"value"`
}

type createWorkspaceRequest struct {
	Providers map[string]providerInputWire `json:"providers"`
}

func toProvisionerInputs(in map[string]providerInputWire) map[string]workspace.ProviderInput {
	out := make(map[string]workspace.ProviderInput, len(in))
	for name, p := range in {
		out[name] = workspace.ProviderInput{Enabled: p.Enabled, AuthType: workspace.AuthType(p.AuthType), Value: p.Value}
	}
	return out
}

// handleCreateWorkspace provisions a new tenant workspace (spec §4.4).
func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var body createWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, string(apierr.Internal), "invalid request body")
		return
	}

	ws, err := s.provisioner.Create(r.Context(), workspace.CreateInput{Providers: toProvisionerInputs(body.Providers)})
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"workspaceId": ws.ID,
		"secret":      ws.Secret,
	})
}

// handleUpdateWorkspace rewrites provider credentials (spec §4.4).
func (s *Server) handleUpdateWorkspace(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspaceId")
	var body createWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, string(apierr.Internal), "invalid request body")
		return
	}

	ws, err := s.provisioner.Update(r.Context(), workspaceID, workspace.UpdateInput{Providers: toProvisionerInputs(body.Providers)})
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workspaceId": ws.ID})
}

type loginRequest struct {
	Secret string `json:"secret"`
}

// handleWorkspaceLogin exchanges a workspace's persisted secret for a
// fresh token pair (spec §4.3).
func (s *Server) handleWorkspaceLogin(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspaceId")
	var body loginRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, string(apierr.Internal), "invalid request body")
		return
	}

	ws, err := s.store.GetWorkspace(workspaceID)
	if err != nil || ws == nil || ws.Secret != body.Secret {
		writeError(w, http.StatusUnauthorized, string(apierr.WorkspaceCredentialsBad), "invalid workspace credentials")
		return
	}

	pair, err := s.auth.Login(workspaceID)
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeTokenPair(w, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, string(apierr.Internal), "invalid request body")
		return
	}
	pair, err := s.auth.Refresh(body.RefreshToken)
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeTokenPair(w, pair)
}

type handoffRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleConsumeHandoff(w http.ResponseWriter, r *http.Request) {
	var body handoffRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, string(apierr.Internal), "invalid request body")
		return
	}
	pair, sessionID, err := s.auth.ConsumeHandoffToken(body.Token)
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
		"expiresAt":    pair.ExpiresAt,
		"sessionId":    sessionID,
	})
}

func (s *Server) handleConsumeMonoAuth(w http.ResponseWriter, r *http.Request) {
	var body handoffRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, string(apierr.Internal), "invalid request body")
		return
	}
	pair, err := s.auth.ConsumeMonoAuthToken(body.Token)
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeTokenPair(w, pair)
}

func writeTokenPair(w http.ResponseWriter, pair auth.TokenPair) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
		"expiresAt":    pair.ExpiresAt,
	})
}

// --- Sessions ---

type createSessionRequest struct {
	RepoURL               string   `json:"repoUrl"`
	ActiveProvider        string   `json:"activeProvider"`
	Providers             []string `json:"providers"`
	DefaultInternetAccess bool     `json:"defaultInternetAccess"`
	IdempotencyKey        string   `json:"idempotencyKey"`
}

// handleCreateSession clones the repo into the session's directory
// under the workspace home, and registers its main worktree (spec §4.1,
// §4.5, §4.7).
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request, workspaceID string) {
	var body createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, string(apierr.Internal), "invalid request body")
		return
	}
	if body.RepoURL == "" {
		writeError(w, http.StatusBadRequest, string(apierr.RepoURLRequired), "repoUrl is required")
		return
	}

	sessionID := idgen.Session()
	home := filepath.Join(s.cfg.WorkspaceHomeBase, workspaceID)
	sessionDir := filepath.Join(home, "vibe80_workspace", "sessions", sessionID)
	repoDir := filepath.Join(sessionDir, "repo")
	attachmentsDir := filepath.Join(sessionDir, "attachments")
	tmpDir := filepath.Join(sessionDir, "tmp")

	sandbox := executor.Sandbox{RepoDir: repoDir, TmpDir: tmpDir, AttachmentsDir: attachmentsDir, InternetAccess: true}
	orch := gitrepo.New(s.registry.exec, workspaceID)
	if err := orch.Clone(r.Context(), gitrepo.CloneOptions{RepoURL: body.RepoURL, RepoDir: repoDir, Sandbox: sandbox}); err != nil {
		writeError(w, http.StatusBadGateway, string(apierr.Internal), "failed to clone repository")
		return
	}

	sess := storage.Session{
		ID:                    sessionID,
		RepoURL:               body.RepoURL,
		SessionDir:            sessionDir,
		RepoDir:               repoDir,
		AttachmentsDir:        attachmentsDir,
		TmpDir:                tmpDir,
		ActiveProvider:        body.ActiveProvider,
		Providers:             body.Providers,
		DefaultInternetAccess: body.DefaultInternetAccess,
		ThreadIDs:             make(map[string]string),
	}

	created, replayed, err := s.sessions.Create(workspaceID, sess, body.IdempotencyKey)
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	if !replayed {
		if err := s.sessions.RegisterWorktree(sessionID, storage.Worktree{
			ID:        session.MainWorktreeID,
			SessionID: sessionID,
			Path:      repoDir,
			Provider:  body.ActiveProvider,
			Status:    storage.WorktreeReady,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			writeAPIErr(w, err)
			return
		}
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"sessionId": created.ID,
		"replayed":  replayed,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, workspaceID string) {
	sessions, err := s.sessions.List(workspaceID)
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, workspaceID string) {
	sessionID := r.PathValue("sessionId")
	sess, ok := s.sessions.Get(sessionID)
	if !ok || sess.WorkspaceID != workspaceID {
		writeError(w, http.StatusNotFound, string(apierr.SessionNotFound), "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// --- Worktrees ---

func (s *Server) handleListWorktrees(w http.ResponseWriter, r *http.Request, workspaceID string) {
	sessionID := r.PathValue("sessionId")
	rt, err := s.sessions.EnsureLoaded(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, string(apierr.SessionNotFound), "session not found")
		return
	}
	unlock := rt.Lock()
	out := make([]storage.Worktree, 0, len(rt.Worktrees))
	for _, wtRuntime := range rt.Worktrees {
		out = append(out, wtRuntime.Worktree)
	}
	unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{"worktrees": out})
}

type createWorktreeRequest struct {
	BranchName       string `json:"branchName"`
	Slug             string `json:"slug"`
	StartingBranch   string `json:"startingBranch"`
	ParentWorktreeID string `json:"parentWorktreeId"`
	Provider         string `json:"provider"`
}

// handleCreateWorktree creates a new git worktree under a session and
// registers it in-memory (spec §4.5, §4.7).
func (s *Server) handleCreateWorktree(w http.ResponseWriter, r *http.Request, workspaceID string) {
	sessionID := r.PathValue("sessionId")
	sess, ok := s.sessions.Get(sessionID)
	if !ok || sess.WorkspaceID != workspaceID {
		writeError(w, http.StatusNotFound, string(apierr.SessionNotFound), "session not found")
		return
	}

	var body createWorktreeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, string(apierr.Internal), "invalid request body")
		return
	}

	worktreeID := idgen.Worktree()
	worktreePath := filepath.Join(sess.SessionDir, "worktrees", worktreeID)
	sandbox := executor.Sandbox{RepoDir: sess.RepoDir, TmpDir: sess.TmpDir, AttachmentsDir: sess.AttachmentsDir, InternetAccess: sess.DefaultInternetAccess}

	startRef := gitrepo.RefResolution{StartingBranch: body.StartingBranch, SessionHEAD: "HEAD"}
	if body.ParentWorktreeID != "" {
		if rt, err := s.sessions.EnsureLoaded(sessionID); err == nil {
			unlock := rt.Lock()
			if parent, ok := rt.Worktrees[body.ParentWorktreeID]; ok {
				startRef.ParentHEAD = parent.Worktree.BranchName
			}
			unlock()
		}
	}

	orch := gitrepo.New(s.registry.exec, workspaceID)
	branch, err := orch.CreateWorktree(r.Context(), gitrepo.WorktreeOptions{
		RepoDir:      sess.RepoDir,
		WorktreePath: worktreePath,
		BranchName:   body.BranchName,
		WorktreeID:   worktreeID,
		Slug:         body.Slug,
		StartRef:     startRef,
		Sandbox:      sandbox,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, string(apierr.Internal), "failed to create git worktree")
		return
	}

	wt := storage.Worktree{
		ID:               worktreeID,
		SessionID:        sessionID,
		BranchName:       branch,
		Path:             worktreePath,
		Provider:         body.Provider,
		Status:           storage.WorktreeReady,
		ParentWorktreeID: body.ParentWorktreeID,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.sessions.RegisterWorktree(sessionID, wt); err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wt)
}

func (s *Server) handleRemoveWorktree(w http.ResponseWriter, r *http.Request, workspaceID string) {
	sessionID := r.PathValue("sessionId")
	worktreeID := r.PathValue("worktreeId")
	sess, ok := s.sessions.Get(sessionID)
	if !ok || sess.WorkspaceID != workspaceID {
		writeError(w, http.StatusNotFound, string(apierr.SessionNotFound), "session not found")
		return
	}

	rt, err := s.sessions.EnsureLoaded(sessionID)
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	unlock := rt.Lock()
	wtRuntime, ok := rt.Worktrees[worktreeID]
	if ok {
		delete(rt.Worktrees, worktreeID)
	}
	unlock()
	if !ok {
		writeError(w, http.StatusNotFound, string(apierr.WorktreeNotFound), "worktree not found")
		return
	}

	_ = s.registry.StopIdleChild(gc.IdleChildRef{SessionID: sessionID, WorktreeID: worktreeID, Provider: wtRuntime.Worktree.Provider})

	sandbox := executor.Sandbox{RepoDir: sess.RepoDir, TmpDir: sess.TmpDir, AttachmentsDir: sess.AttachmentsDir}
	orch := gitrepo.New(s.registry.exec, workspaceID)
	if err := orch.RemoveWorktree(r.Context(), sess.RepoDir, wtRuntime.Worktree.Path, sandbox); err != nil {
		writeAPIErr(w, err)
		return
	}
	if err := s.store.DeleteWorktree(worktreeID); err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"removed": worktreeID})
}

func (s *Server) handleWorktreeStatus(w http.ResponseWriter, r *http.Request, workspaceID string) {
	sessionID := r.PathValue("sessionId")
	worktreeID := r.PathValue("worktreeId")
	sess, ok := s.sessions.Get(sessionID)
	if !ok || sess.WorkspaceID != workspaceID {
		writeError(w, http.StatusNotFound, string(apierr.SessionNotFound), "session not found")
		return
	}

	rt, err := s.sessions.EnsureLoaded(sessionID)
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	unlock := rt.Lock()
	wtRuntime, ok := rt.Worktrees[worktreeID]
	unlock()
	if !ok {
		writeError(w, http.StatusNotFound, string(apierr.WorktreeNotFound), "worktree not found")
		return
	}

	sandbox := executor.Sandbox{RepoDir: sess.RepoDir, TmpDir: sess.TmpDir, AttachmentsDir: sess.AttachmentsDir}
	orch := gitrepo.New(s.registry.exec, workspaceID)
	status, err := orch.Status(r.Context(), wtRuntime.Worktree.Path, sandbox)
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleMergeWorktree(w http.ResponseWriter, r *http.Request, workspaceID string) {
	sessionID := r.PathValue("sessionId")
	worktreeID := r.PathValue("worktreeId")
	sess, ok := s.sessions.Get(sessionID)
	if !ok || sess.WorkspaceID != workspaceID {
		writeError(w, http.StatusNotFound, string(apierr.SessionNotFound), "session not found")
		return
	}

	var body struct {
		SourceBranch string `json:"sourceBranch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, string(apierr.Internal), "invalid request body")
		return
	}

	rt, err := s.sessions.EnsureLoaded(sessionID)
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	unlock := rt.Lock()
	wtRuntime, ok := rt.Worktrees[worktreeID]
	unlock()
	if !ok {
		writeError(w, http.StatusNotFound, string(apierr.WorktreeNotFound), "worktree not found")
		return
	}

	sandbox := executor.Sandbox{RepoDir: sess.RepoDir, TmpDir: sess.TmpDir, AttachmentsDir: sess.AttachmentsDir}
	orch := gitrepo.New(s.registry.exec, workspaceID)
	result, err := orch.Merge(r.Context(), wtRuntime.Worktree.Path, body.SourceBranch, sandbox)
	if err != nil {
		writeAPIErr(w, err)
		return
	}

	status := storage.WorktreeReady
	if result.Conflicted {
		status = storage.WorktreeMergeConflict
	}
	if err := s.sessions.SetWorktreeStatus(sessionID, worktreeID, status); err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
