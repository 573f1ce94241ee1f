// Package config loads the orchestrator's boot-time configuration from
// environment variables into an immutable value threaded through every
// component (spec §9: "no ambient globals after init").
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DeploymentMode selects between a single-tenant process (no privileged
// helper, no per-workspace OS identity) and the full multi-tenant mode.
type DeploymentMode string

const (
	ModeMonoUser   DeploymentMode = "mono_user"
	ModeMultiUser  DeploymentMode = "multi_user"
)

// Config holds every environment toggle enumerated in spec §6.
type Config struct {
	DeploymentMode DeploymentMode

	// Workspace provisioning
	WorkspaceUIDMin  int
	WorkspaceUIDMax  int
	WorkspaceHomeBase string

	// Auth
	JWTKey     string
	JWTKeyPath string

	// Session GC
	SessionIdleTTL      time.Duration
	SessionMaxTTL       time.Duration
	SessionGCInterval   time.Duration

	// Refresh tokens
	RefreshTokenTTL             time.Duration
	RefreshTokenRotationGrace   time.Duration

	// Handoff / mono-auth tokens
	HandoffTokenTTL   time.Duration
	MonoAuthTokenTTL  time.Duration

	// Provider process logging
	ActivateProviderLog bool
	ProviderLogDirectory string

	// Feature toggles
	AllowRunSlashCommand bool
	AllowGitSlashCommand bool
	TerminalEnabled      bool
	SystemPrompt         string

	// Privileged helper
	HelperPath string

	// HTTP server
	Host string
	Port int
}

// Load reads configuration from the environment, applying the defaults
// documented in spec.md (idle TTL 24h, max TTL 7d, GC every 5m, refresh
// TTL 30d, rotation grace ~20s, handoff TTL 120s, mono auth TTL 5m).
func Load() (*Config, error) {
	cfg := &Config{
		DeploymentMode: DeploymentMode(getEnv("DEPLOYMENT_MODE", string(ModeMultiUser))),

		WorkspaceUIDMin:   getEnvInt("WORKSPACE_UID_MIN", 200000),
		WorkspaceUIDMax:   getEnvInt("WORKSPACE_UID_MAX", 399999),
		WorkspaceHomeBase: getEnv("WORKSPACE_HOME_BASE", "/home"),

		JWTKey:     getEnv("JWT_KEY", ""),
		JWTKeyPath: getEnv("JWT_KEY_PATH", ""),

		SessionIdleTTL:    getEnvDurationMs("SESSION_IDLE_TTL_MS", 24*time.Hour),
		SessionMaxTTL:     getEnvDurationMs("SESSION_MAX_TTL_MS", 7*24*time.Hour),
		SessionGCInterval: getEnvDurationMs("SESSION_GC_INTERVAL_MS", 5*time.Minute),

		RefreshTokenTTL:           getEnvDurationSeconds("REFRESH_TOKEN_TTL_SECONDS", 30*24*time.Hour),
		RefreshTokenRotationGrace: getEnvDurationSeconds("REFRESH_TOKEN_ROTATION_GRACE_SECONDS", 20*time.Second),

		HandoffTokenTTL:  getEnvDurationMs("HANDOFF_TOKEN_TTL_MS", 120*time.Second),
		MonoAuthTokenTTL: getEnvDurationMs("MONO_AUTH_TOKEN_TTL_MS", 5*time.Minute),

		ActivateProviderLog:  getEnvBool("ACTIVATE_PROVIDER_LOG", false),
		ProviderLogDirectory: getEnv("PROVIDER_LOG_DIRECTORY", "/var/log/vibe80-providers"),

		AllowRunSlashCommand: getEnvBool("ALLOW_RUN_SLASH_COMMAND", false),
		AllowGitSlashCommand: getEnvBool("ALLOW_GIT_SLASH_COMMAND", false),
		TerminalEnabled:      getEnvBool("TERMINAL_ENABLED", false),
		SystemPrompt:         getEnv("SYSTEM_PROMPT", ""),

		HelperPath: getEnv("SANDBOX_HELPER_PATH", "/usr/local/bin/vibe80-sandbox-helper"),

		Host: getEnv("HOST", "0.0.0.0"),
		Port: getEnvInt("PORT", 8080),
	}

	if cfg.DeploymentMode != ModeMonoUser && cfg.DeploymentMode != ModeMultiUser {
		return nil, fmt.Errorf("invalid DEPLOYMENT_MODE %q: must be %q or %q", cfg.DeploymentMode, ModeMonoUser, ModeMultiUser)
	}
	if cfg.WorkspaceUIDMin >= cfg.WorkspaceUIDMax {
		return nil, fmt.Errorf("WORKSPACE_UID_MIN (%d) must be less than WORKSPACE_UID_MAX (%d)", cfg.WorkspaceUIDMin, cfg.WorkspaceUIDMax)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDurationMs(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}

func getEnvDurationSeconds(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}
