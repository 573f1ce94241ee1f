// Command orchestrator boots the agent-session orchestrator: it loads
// configuration, opens the Storage Adapter, wires the Auth Manager,
// Workspace Provisioner, Sandboxed Executor, Session & Worktree State
// registry, Provider Client Supervisor registry, and Streaming Fan-out
// hub together, and serves the HTTP/WebSocket surface.
//
// Grounded on the teacher's packages/vm-agent/main.go (signal-driven
// graceful shutdown around a long-running server), generalized from a
// single per-VM agent process to the multi-tenant orchestrator: no
// control-plane callback, no bootstrap/idle-shutdown VM lifecycle —
// just config load, collaborator wiring, serve, and signal-driven
// drain.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/vibe80/orchestrator/internal/api"
	"github.com/vibe80/orchestrator/internal/audit"
	"github.com/vibe80/orchestrator/internal/auth"
	"github.com/vibe80/orchestrator/internal/config"
	"github.com/vibe80/orchestrator/internal/executor"
	"github.com/vibe80/orchestrator/internal/fanout"
	"github.com/vibe80/orchestrator/internal/gc"
	"github.com/vibe80/orchestrator/internal/session"
	"github.com/vibe80/orchestrator/internal/storage"
	"github.com/vibe80/orchestrator/internal/workspace"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("orchestrator: config load failed", "error", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("orchestrator: fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	dbPath := getEnv("STORAGE_DB_PATH", filepath.Join(cfg.WorkspaceHomeBase, "vibe80-orchestrator.db"))
	store, err := storage.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	singleTenant := cfg.DeploymentMode == config.ModeMonoUser

	signer, err := auth.NewSigner(cfg.JWTKey, cfg.JWTKeyPath, time.Hour)
	if err != nil {
		return err
	}
	authMgr := auth.New(signer, store, singleTenant, auth.Config{
		RefreshTokenTTL:           cfg.RefreshTokenTTL,
		RefreshTokenRotationGrace: cfg.RefreshTokenRotationGrace,
		HandoffTokenTTL:           cfg.HandoffTokenTTL,
		MonoAuthTokenTTL:          cfg.MonoAuthTokenTTL,
	})
	defer authMgr.Stop()

	sessions := session.NewManager(store)

	auditLog := audit.NewLogger(cfg.WorkspaceHomeBase)
	exec := executor.New(cfg.HelperPath, singleTenant, auditLog)

	registry := api.NewRegistry(cfg, exec, sessions, store)

	provisioner := workspace.New(store, cfg.WorkspaceUIDMin, cfg.WorkspaceUIDMax, cfg.WorkspaceHomeBase, singleTenant,
		providerInUseChecker(store))

	hub := fanout.NewHub(authMgr, sessions, registry, cfg.AllowRunSlashCommand, cfg.AllowGitSlashCommand)
	registry.SetHub(hub)

	sweeper := gc.NewSweeper(sessions, store, registry, registry, gc.Config{
		IdleTTL:         cfg.SessionIdleTTL,
		MaxTTL:          cfg.SessionMaxTTL,
		SessionInterval: cfg.SessionGCInterval,
	})
	sweeper.Start()
	defer sweeper.Stop()

	srv := api.NewServer(cfg, store, authMgr, provisioner, sessions, registry, hub)

	httpSrv := &http.Server{
		Addr:    cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Handler: srv.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("orchestrator: listening", "addr", httpSrv.Addr, "mode", cfg.DeploymentMode)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("orchestrator: received signal, shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		slog.Error("orchestrator: http shutdown error", "error", err)
	}

	for _, sess := range sessions.Snapshot() {
		_ = registry.StopAllChildren(sess.ID)
		sessions.CloseAllSockets(sess.ID)
	}

	slog.Info("orchestrator: stopped")
	return nil
}

// providerInUseChecker reports whether any non-terminal session owned
// by a workspace has the given provider active or enabled, so the
// Workspace Provisioner can refuse to disable it (spec §3: "provider
// cannot be disabled while any non-terminal session references it").
func providerInUseChecker(store storage.Storage) workspace.InUseChecker {
	return func(workspaceID, provider string) bool {
		sessions, err := store.ListSessions(workspaceID)
		if err != nil {
			// Fail closed: treat a lookup failure as "in use" so a
			// disable request never silently strands a running agent.
			slog.Error("workspace: in-use check failed, failing closed", "workspace", workspaceID, "error", err)
			return true
		}
		for _, sess := range sessions {
			if sess.ActiveProvider == provider {
				return true
			}
			for _, p := range sess.Providers {
				if p == provider {
					return true
				}
			}
		}
		return false
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
