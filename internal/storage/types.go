// Package storage defines the pluggable durable key→value Storage
// Adapter (spec §4.2) and a modernc.org/sqlite-backed implementation,
// grounded on the teacher's internal/persistence/store.go (WAL-mode
// SQLite, versioned migrations, access guarded by one store-wide mutex).
package storage

import "time"

// Workspace is the persisted tenant record (spec §3).
type Workspace struct {
	ID          string
	Providers   map[string]ProviderConfig
	Secret      string
	UID         int
	GID         int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ProviderConfig is a per-provider credential configuration.
type ProviderConfig struct {
	Enabled  bool
	AuthType string
	AuthValue string
}

// Session is the persisted session record (spec §3).
type Session struct {
	ID                              string
	WorkspaceID                     string
	RepoURL                         string
	SessionDir                      string
	RepoDir                         string
	AttachmentsDir                  string
	TmpDir                          string
	GitDir                          string
	ActiveProvider                  string
	Providers                       []string
	CreatedAt                       time.Time
	LastActivityAt                  time.Time
	DefaultInternetAccess           bool
	DefaultDenyGitCredentialsAccess bool
	ThreadIDs                       map[string]string // per-provider resumable thread id
}

// WorktreeStatus enumerates the lifecycle states in spec §3.
type WorktreeStatus string

const (
	WorktreeCreating      WorktreeStatus = "creating"
	WorktreeReady         WorktreeStatus = "ready"
	WorktreeProcessing    WorktreeStatus = "processing"
	WorktreeStopped       WorktreeStatus = "stopped"
	WorktreeError         WorktreeStatus = "error"
	WorktreeMergeConflict WorktreeStatus = "merge_conflict"
)

// Worktree is the persisted worktree record (spec §3).
type Worktree struct {
	ID                       string
	SessionID                string
	BranchName               string
	Path                     string
	Provider                 string
	Status                   WorktreeStatus
	ThreadID                 string
	Color                    string
	CreatedAt                time.Time
	LastActivityAt           time.Time
	ParentWorktreeID         string
	InternetAccessOverride   *bool
	DenyGitCredsOverride     *bool
}

// MessageRole enumerates ChatMessage roles (spec §3).
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleToolResult MessageRole = "tool_result"
)

// MessageStatus enumerates in-flight command/tool status.
type MessageStatus string

const (
	MessageRunning   MessageStatus = "running"
	MessageCompleted MessageStatus = "completed"
	MessageError     MessageStatus = "error"
)

// ToolResult carries structured tool-call output (spec §3).
type ToolResult struct {
	CallID  string
	Name    string
	Output  string
	Success bool
}

// ChatMessage is a single append-only message in a worktree's log (spec §3).
type ChatMessage struct {
	ID          string
	WorktreeID  string
	Role        MessageRole
	Text        string
	Provider    string
	Timestamp   time.Time
	Attachments []string
	ToolResult  *ToolResult
	Command     string
	Output      string
	Status      MessageStatus
}

// RpcDirection enumerates the two directions of an RpcLogEntry.
type RpcDirection string

const (
	DirStdin  RpcDirection = "stdin"
	DirStdout RpcDirection = "stdout"
)

// RpcLogEntry is a single ring-buffered wire log record (spec §3).
type RpcLogEntry struct {
	Direction  RpcDirection
	Timestamp  time.Time
	Payload    string
	Provider   string
	WorktreeID string
}

// RpcLogCap bounds the per-session ring buffer (spec §3: "cap ~500").
const RpcLogCap = 500

// RefreshTokenState is the persisted rotation record for a workspace
// (spec §3, §4.3).
type RefreshTokenState struct {
	WorkspaceID          string
	CurrentTokenHash     string
	CurrentExpiresAt     time.Time
	PreviousTokenHash    string
	PreviousValidUntil   time.Time
}

// RotateOutcome reports the single-transaction decision spec §4.2
// requires of rotateWorkspaceRefreshToken.
type RotateOutcome struct {
	OK          bool
	WorkspaceID string
	// Replayed is true when the presented hash matched the previous
	// (already-superseded) token within its grace window: the caller
	// must not treat nextHash as authoritative and should instead
	// return whatever pair it cached from the winning rotation.
	Replayed bool
	// Code is set on failure: "reuse", "expired", "unknown".
	Code string
}

// Storage is the pluggable durable adapter contract (spec §4.2).
// Implementations must provide atomic per-record writes, an idempotent
// appendWorktreeMessage keyed on (worktreeId, msg.id), and a
// linearizable rotateWorkspaceRefreshToken.
type Storage interface {
	GetWorkspace(id string) (*Workspace, error)
	SaveWorkspace(ws *Workspace) error

	ListSessions(workspaceID string) ([]*Session, error)
	GetSession(id string) (*Session, error)
	SaveSession(s *Session) error
	DeleteSession(id string) error

	SaveWorktree(wt *Worktree) error
	LoadWorktrees(sessionID string) ([]*Worktree, error)
	GetWorktree(id string) (*Worktree, error)
	DeleteWorktree(id string) error

	AppendWorktreeMessage(worktreeID string, msg ChatMessage) error
	LoadWorktreeMessages(worktreeID string) ([]ChatMessage, error)

	AppendRpcLog(sessionID string, entry RpcLogEntry) error
	LoadRpcLogs(sessionID string) ([]RpcLogEntry, error)

	SaveWorkspaceRefreshToken(workspaceID, hash string, expiresAt time.Time, previousHash string, previousValidUntil time.Time) error
	GetWorkspaceRefreshState(workspaceID string) (*RefreshTokenState, error)
	RotateWorkspaceRefreshToken(currentHash, nextHash string, nextExpiresAt time.Time, grace time.Duration) (RotateOutcome, error)
	RevokeWorkspaceRefreshTokens(workspaceID string) error
}
