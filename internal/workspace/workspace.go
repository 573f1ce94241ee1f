// Package workspace implements the Workspace Provisioner contract
// (spec §4.4): OS-identity allocation, filesystem skeleton creation,
// and provider credential materialization for a tenant workspace.
//
// Grounded on the teacher's internal/server/workspace_provisioning.go
// (a Provisioner-shaped flow keyed by workspace id, config persisted
// alongside the runtime, "recovery" re-application of the same steps),
// generalized from devcontainer/control-plane provisioning to direct
// OS user creation since this system owns the host it runs on instead
// of delegating to a remote control plane.
package workspace

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"github.com/vibe80/orchestrator/internal/apierr"
	"github.com/vibe80/orchestrator/internal/audit"
	"github.com/vibe80/orchestrator/internal/idgen"
	"github.com/vibe80/orchestrator/internal/storage"
)

// AuthType constrains the credential shapes accepted per provider
// (spec §4.4).
type AuthType string

const (
	AuthAPIKey       AuthType = "api_key"
	AuthAuthJSONB64  AuthType = "auth_json_b64"
	AuthSetupToken   AuthType = "setup_token"
)

var validAuthTypes = map[string]map[AuthType]bool{
	"codex":  {AuthAPIKey: true, AuthAuthJSONB64: true},
	"claude": {AuthAPIKey: true, AuthSetupToken: true},
}

// ProviderInput is the caller-supplied shape for one provider's
// configuration on create/update.
type ProviderInput struct {
	Enabled  bool
	AuthType AuthType
	Value    string
}

// InUseChecker reports whether a provider is currently in use by any
// active session's worktree, so Update can refuse to disable it.
type InUseChecker func(workspaceID, provider string) bool

// Provisioner implements workspace create/update against the host OS
// and the Storage adapter.
type Provisioner struct {
	store      storage.Storage
	uidMin     int
	uidMax     int
	homeBase   string
	singleTenant bool
	inUse      InUseChecker
	audit      *audit.Logger
}

// New builds a Provisioner. In single-tenant mode no OS user is
// created; the workspace runs as the orchestrator's own identity.
func New(store storage.Storage, uidMin, uidMax int, homeBase string, singleTenant bool, inUse InUseChecker) *Provisioner {
	return &Provisioner{store: store, uidMin: uidMin, uidMax: uidMax, homeBase: homeBase, singleTenant: singleTenant, inUse: inUse, audit: audit.NewLogger(homeBase)}
}

// CreateInput is the payload for Create.
type CreateInput struct {
	Providers map[string]ProviderInput
}

// Create allocates OS identity, filesystem skeleton, and persists the
// new workspace (spec §4.4).
func (p *Provisioner) Create(ctx context.Context, input CreateInput) (*storage.Workspace, error) {
	if err := validateProviders(input.Providers); err != nil {
		return nil, err
	}

	id := idgen.Workspace()
	uid, gid, err := p.allocateIdentity(ctx)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, 500, "failed to allocate workspace identity", err)
	}

	home := filepath.Join(p.homeBase, id)
	if !p.singleTenant {
		if err := p.createOSUser(ctx, id, uid, gid, home); err != nil {
			return nil, apierr.Wrap(apierr.Internal, 500, "failed to create workspace OS user", err)
		}
	} else {
		if err := os.MkdirAll(home, 0o700); err != nil {
			return nil, apierr.Wrap(apierr.Internal, 500, "failed to create workspace home directory", err)
		}
	}

	base := filepath.Join(home, "vibe80_workspace")
	for _, sub := range []string{"metadata", "sessions"} {
		if err := os.MkdirAll(filepath.Join(base, sub), 0o700); err != nil {
			return nil, apierr.Wrap(apierr.Internal, 500, "failed to create workspace skeleton", err)
		}
	}

	ws := &storage.Workspace{
		ID:        id,
		Providers: toStoredProviders(input.Providers),
		Secret:    idgen.Token(),
		UID:       uid,
		GID:       gid,
		CreatedAt: time.Now().UTC(),
	}

	if err := p.materializeCredentials(home, input.Providers); err != nil {
		return nil, apierr.Wrap(apierr.Internal, 500, "failed to materialize provider credentials", err)
	}

	if err := p.store.SaveWorkspace(ws); err != nil {
		return nil, apierr.Wrap(apierr.Internal, 500, "failed to persist workspace", err)
	}

	p.audit.Record(id, auditEntry("workspace.create", input.Providers))
	return ws, nil
}

// UpdateInput is the payload for Update.
type UpdateInput struct {
	Providers map[string]ProviderInput
}

// Update rewrites credential files and config atomically, refusing to
// disable a provider in use by any active session's worktree.
func (p *Provisioner) Update(ctx context.Context, workspaceID string, input UpdateInput) (*storage.Workspace, error) {
	if err := validateProviders(input.Providers); err != nil {
		return nil, err
	}

	ws, err := p.store.GetWorkspace(workspaceID)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, 500, "failed to load workspace", err)
	}
	if ws == nil {
		return nil, apierr.New(apierr.WorkspaceIDInvalid, 404, "workspace not found")
	}

	for name, existing := range ws.Providers {
		next, present := input.Providers[name]
		if existing.Enabled && (!present || !next.Enabled) {
			if p.inUse != nil && p.inUse(workspaceID, name) {
				return nil, apierr.New(apierr.ProviderInUse, 409, fmt.Sprintf("provider %q is in use by an active session", name))
			}
		}
	}

	home := filepath.Join(p.homeBase, workspaceID)
	if err := p.materializeCredentials(home, input.Providers); err != nil {
		return nil, apierr.Wrap(apierr.Internal, 500, "failed to materialize provider credentials", err)
	}

	ws.Providers = toStoredProviders(input.Providers)
	if err := p.store.SaveWorkspace(ws); err != nil {
		return nil, apierr.Wrap(apierr.Internal, 500, "failed to persist workspace", err)
	}

	p.audit.Record(workspaceID, auditEntry("workspace.update", input.Providers))
	return ws, nil
}

// auditEntry summarizes a provider config change without including any
// credential material (spec §7): only provider names and their
// enabled/auth-type shape.
func auditEntry(action string, providers map[string]ProviderInput) audit.Entry {
	detail := map[string]string{}
	for name, cfg := range providers {
		if cfg.Enabled {
			detail[name] = string(cfg.AuthType)
		} else {
			detail[name] = "disabled"
		}
	}
	return audit.Entry{Action: action, Detail: detail}
}

func validateProviders(providers map[string]ProviderInput) error {
	for name, cfg := range providers {
		allowed, known := validAuthTypes[name]
		if !known {
			return apierr.New(apierr.ProviderInvalid, 400, fmt.Sprintf("unknown provider %q", name))
		}
		if !cfg.Enabled {
			continue
		}
		if cfg.Value == "" {
			return apierr.New(apierr.ProviderInvalid, 400, fmt.Sprintf("provider %q is enabled but has no credential value", name))
		}
		if !allowed[cfg.AuthType] {
			return apierr.New(apierr.ProviderInvalid, 400, fmt.Sprintf("auth type %q is not valid for provider %q", cfg.AuthType, name))
		}
	}
	return nil
}

func toStoredProviders(providers map[string]ProviderInput) map[string]storage.ProviderConfig {
	out := make(map[string]storage.ProviderConfig, len(providers))
	for name, cfg := range providers {
		out[name] = storage.ProviderConfig{Enabled: cfg.Enabled, AuthType: string(cfg.AuthType), AuthValue: cfg.Value}
	}
	return out
}

// allocateIdentity picks a random uid in [uidMin, uidMax] not already
// present in the passwd database, retrying on collision (spec §4.4).
func (p *Provisioner) allocateIdentity(ctx context.Context) (int, int, error) {
	if p.singleTenant {
		return os.Getuid(), os.Getgid(), nil
	}

	for attempt := 0; attempt < 100; attempt++ {
		candidate := p.uidMin + rand.Intn(p.uidMax-p.uidMin+1)
		if _, err := user.LookupId(strconv.Itoa(candidate)); err != nil {
			if _, ok := err.(user.UnknownUserIdError); ok {
				return candidate, candidate, nil
			}
			continue
		}
	}
	return 0, 0, fmt.Errorf("workspace: exhausted uid allocation attempts in [%d,%d]", p.uidMin, p.uidMax)
}

func (p *Provisioner) createOSUser(ctx context.Context, id string, uid, gid int, home string) error {
	cmd := exec.CommandContext(ctx, "useradd",
		"--uid", strconv.Itoa(uid),
		"--home-dir", home,
		"--create-home",
		"--shell", "/usr/sbin/nologin",
		id,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("useradd: %w: %s", err, stderr.String())
	}
	return nil
}

// materializeCredentials writes the per-provider credential files the
// child processes expect, mode 0600 (spec §4.4).
func (p *Provisioner) materializeCredentials(home string, providers map[string]ProviderInput) error {
	if codex, ok := providers["codex"]; ok && codex.Enabled {
		if err := writeCodexCredentials(home, codex); err != nil {
			return err
		}
	}
	if claude, ok := providers["claude"]; ok && claude.Enabled {
		if err := writeClaudeCredentials(home, claude); err != nil {
			return err
		}
	}
	return nil
}

func writeCodexCredentials(home string, cfg ProviderInput) error {
	dir := filepath.Join(home, ".codex")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	var payload map[string]interface{}
	switch cfg.AuthType {
	case AuthAPIKey:
		payload = map[string]interface{}{"OPENAI_API_KEY": cfg.Value}
	case AuthAuthJSONB64:
		decoded, err := decodeBase64JSON(cfg.Value)
		if err != nil {
			return fmt.Errorf("decode codex auth_json_b64: %w", err)
		}
		payload = decoded
	default:
		return fmt.Errorf("unsupported codex auth type %q", cfg.AuthType)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return atomicWriteFile(filepath.Join(dir, "auth.json"), data, 0o600)
}

func writeClaudeCredentials(home string, cfg ProviderInput) error {
	switch cfg.AuthType {
	case AuthAPIKey:
		data, err := json.Marshal(map[string]string{"apiKey": cfg.Value})
		if err != nil {
			return err
		}
		return atomicWriteFile(filepath.Join(home, ".claude.json"), data, 0o600)
	case AuthSetupToken:
		dir := filepath.Join(home, ".claude")
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
		data, err := json.Marshal(map[string]string{"setupToken": cfg.Value})
		if err != nil {
			return err
		}
		return atomicWriteFile(filepath.Join(dir, ".credentials.json"), data, 0o600)
	default:
		return fmt.Errorf("unsupported claude auth type %q", cfg.AuthType)
	}
}

func decodeBase64JSON(b64 string) (map[string]interface{}, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// atomicWriteFile writes to a temp file in the same directory and
// renames over the destination, so a crash mid-write never leaves a
// partially-written credential file (spec §4.4: "rewrite... atomically").
func atomicWriteFile(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
